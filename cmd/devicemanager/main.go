package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	alicia "github.com/alicia-project/alicia-core"
	"github.com/alicia-project/alicia-core/internal/api"
	"github.com/alicia-project/alicia-core/internal/audit"
	"github.com/alicia-project/alicia-core/internal/bus"
	"github.com/alicia-project/alicia-core/internal/busproto"
	"github.com/alicia-project/alicia-core/internal/capabilities"
	"github.com/alicia-project/alicia-core/internal/config"
	"github.com/alicia-project/alicia-core/internal/devices"
	"github.com/alicia-project/alicia-core/internal/metrics"
	"github.com/alicia-project/alicia-core/internal/streaming"
	"github.com/alicia-project/alicia-core/internal/wrapper"
	"github.com/alicia-project/alicia-core/internal/wsadmin"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default: .env)")
	flag.StringVar(&overrides.ServiceName, "service-name", "", "overrides SERVICE_NAME")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "overrides HTTP_ADDR")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "overrides LOG_LEVEL")
	flag.StringVar(&overrides.MQTTBroker, "mqtt-broker", "", "overrides MQTT_BROKER")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "device_manager"
	}
	if err := cfg.Validate(); err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("service", cfg.ServiceName).Msg("device manager starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build mqtt tls config")
	}

	var catalog *capabilities.Catalog
	if cfg.CapabilitiesFile != "" {
		catalog, err = capabilities.Load(cfg.CapabilitiesFile)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.CapabilitiesFile).Msg("failed to load capabilities catalog")
		}
	} else {
		catalog = capabilities.Empty()
	}

	w := wrapper.New(wrapper.Config{
		ServiceName: cfg.ServiceName,
		BusConfig: bus.Config{
			Broker:              cfg.MQTTBroker,
			Port:                cfg.MQTTPort,
			ClientID:            cfg.MQTTClientID,
			Username:            cfg.MQTTUsername,
			Password:            cfg.Credential(),
			TLSConfig:           tlsConfig,
			ConnectTimeout:      cfg.MQTTConnectTimeout,
			MaxReconnectBackoff: cfg.MQTTReconnectMaxBackoff,
			PublishBufferSize:   cfg.MQTTPublishBufferSize,
		},
		HeartbeatInterval: cfg.HeartbeatInterval,
		StartupTimeout:    cfg.StartupTimeout,
		ShutdownGrace:     cfg.ShutdownGrace,
		DegradedErrorRate: cfg.DegradedErrorRate,
		CorrelationSweep:  cfg.CorrelationSweep,
	}, log)

	registry := devices.NewRegistry(cfg.OfflineThreshold, w, log.With().Str("component", "registry").Logger())
	registry.SetCapabilityResolver(catalog)
	dispatcher := devices.NewDispatcher(registry, w, cfg.CommandAckTimeout, log.With().Str("component", "dispatcher").Logger())
	registry.SetOnlineHook(dispatcher.Requeue)

	var auditDB *audit.DB
	var auditBatcher *streaming.Batcher[devices.Command]
	if cfg.AuditDatabaseURL != "" {
		auditLog := log.With().Str("component", "audit").Logger()
		db, err := audit.Connect(ctx, cfg.AuditDatabaseURL, auditLog)
		if err != nil {
			log.Warn().Err(err).Msg("audit trail disabled: failed to connect")
		} else {
			auditDB = db
			// Finalized commands from a broadcast dispatch land here in
			// a burst (one per device); batch them into groups of 20 (or
			// every 2s, whichever comes first) instead of one write-behind
			// goroutine per command.
			auditBatcher = streaming.NewBatcher(20, 2*time.Second, func(cmds []devices.Command) {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				for _, cmd := range cmds {
					for _, o := range cmd.Outcomes {
						rec := audit.CommandRecord{
							ID:         fmt.Sprintf("%s:%s", cmd.CommandID, o.DeviceID),
							DeviceID:   o.DeviceID,
							Capability: cmd.CapabilityName,
							Action:     cmd.CapabilityName,
							Parameters: cmd.Parameters,
							State:      string(o.State),
							Attempt:    o.Attempts,
							IssuedAt:   cmd.CreatedAt,
							Error:      o.FailureReason,
						}
						if !o.ResolvedAt.IsZero() {
							resolvedAt := o.ResolvedAt
							rec.ResolvedAt = &resolvedAt
						}
						auditDB.RecordCommand(flushCtx, rec)
					}
				}
			})
			dispatcher.SetAuditHook(auditBatcher.Add)
		}
	}

	// alicia/devices/register — device announcement (retained).
	w.RegisterHandler("alicia/devices/register", func(topic string, env busproto.Envelope) {
		var d devices.Device
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("invalid device registration payload")
			return
		}
		if err := registry.Register(d); err != nil {
			log.Warn().Err(err).Str("device_id", d.DeviceID).Msg("device registration rejected")
		}
	})

	// alicia/devices/unregister
	w.RegisterHandler("alicia/devices/unregister", func(topic string, env busproto.Envelope) {
		var body struct {
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("invalid device unregister payload")
			return
		}
		registry.Unregister(body.DeviceID)
	})

	// alicia/devices/+/state — status updates from live devices, and
	// (via the registry's own retained republish) full device
	// snapshots replayed at subscribe time. Treating the latter as a
	// full Register call is what lets the registry rebuild itself
	// purely from the bus after a restart (spec §4.5).
	w.RegisterHandler("alicia/devices/+/state", func(topic string, env busproto.Envelope) {
		deviceID := deviceIDFromTopic(topic)
		if deviceID == "" {
			return
		}
		var d devices.Device
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("invalid device state payload")
			return
		}
		if _, err := registry.Get(deviceID); err != nil {
			if d.DeviceType == "" {
				log.Warn().Str("device_id", deviceID).Msg("state update for unregistered device carries no device_type to rebuild from")
				return
			}
			d.DeviceID = deviceID
			if err := registry.Register(d); err != nil {
				log.Warn().Err(err).Str("device_id", deviceID).Msg("failed to rebuild device from retained state")
			}
			return
		}
		if d.Status == "" {
			registry.Touch(deviceID)
			return
		}
		if err := registry.SetStatus(deviceID, d.Status); err != nil {
			log.Warn().Err(err).Str("device_id", deviceID).Msg("status update for unknown device")
		}
	})

	// alicia/devices/+/heartbeat
	w.RegisterHandler("alicia/devices/+/heartbeat", func(topic string, env busproto.Envelope) {
		if deviceID := deviceIDFromTopic(topic); deviceID != "" {
			registry.Touch(deviceID)
		}
	})

	// alicia/devices/+/ack — device acks against a dispatched command.
	w.RegisterHandler("alicia/devices/+/ack", func(topic string, env busproto.Envelope) {
		deviceID := deviceIDFromTopic(topic)
		if deviceID == "" {
			return
		}
		var body struct {
			CommandID string `json:"command_id"`
			Success   bool   `json:"success"`
			Reason    string `json:"reason"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("invalid ack payload")
			return
		}
		dispatcher.Ack(deviceID, body.CommandID, body.Success, body.Reason)
	})

	// alicia/device_manager/request — the publish_command RPC other
	// services reach the Command Queue through (spec §4.4/§4.6), plus
	// the get_command poll the Voice Router's synchronous-intent path
	// uses to await a command's terminal state (spec §4.7).
	w.RegisterHandler("alicia/device_manager/request", func(topic string, env busproto.Envelope) {
		var op struct {
			Op string `json:"op"`
		}
		_ = json.Unmarshal(env.Payload, &op)

		if op.Op == "get_command" {
			var body struct {
				CommandID string `json:"command_id"`
			}
			if err := json.Unmarshal(env.Payload, &body); err != nil {
				if rerr := w.RespondError(env, "invalid get_command payload: "+err.Error()); rerr != nil {
					log.Warn().Err(rerr).Msg("failed to send error response")
				}
				return
			}
			cmd, err := dispatcher.Get(body.CommandID)
			if err != nil {
				if rerr := w.RespondError(env, err.Error()); rerr != nil {
					log.Warn().Err(rerr).Msg("failed to send error response")
				}
				return
			}
			if err := w.Respond(env, map[string]string{"state": string(cmd.State)}); err != nil {
				log.Warn().Err(err).Msg("failed to respond to get_command request")
			}
			return
		}

		var body struct {
			DeviceIDs      []string       `json:"device_ids"`
			CapabilityName string         `json:"capability_name"`
			Parameters     map[string]any `json:"parameters"`
			AllowOffline   bool           `json:"allow_offline"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			if rerr := w.RespondError(env, "invalid request payload: "+err.Error()); rerr != nil {
				log.Warn().Err(rerr).Msg("failed to send error response")
			}
			return
		}
		commandID, err := dispatcher.Enqueue(devices.EnqueueRequest{
			DeviceIDs:      body.DeviceIDs,
			CapabilityName: body.CapabilityName,
			Parameters:     body.Parameters,
			AllowOffline:   body.AllowOffline,
		})
		if err != nil {
			if rerr := w.RespondError(env, err.Error()); rerr != nil {
				log.Warn().Err(rerr).Msg("failed to send error response")
			}
			return
		}
		if err := w.Respond(env, map[string]string{"command_id": commandID}); err != nil {
			log.Warn().Err(err).Msg("failed to respond to publish_command request")
		}
	})

	w.OnReady(func() error {
		log.Info().Msg("device manager ready")
		return nil
	})

	offlineSweepDone := make(chan struct{})
	w.OnStop(func() {
		close(offlineSweepDone)
		if auditBatcher != nil {
			auditBatcher.Stop()
		}
		if auditDB != nil {
			auditDB.Close()
		}
	})

	hub := wsadmin.NewHub()
	console := wsadmin.NewHandler(hub, nil, dispatcher, log.With().Str("component", "console").Logger())

	prometheus.MustRegister(metrics.NewCollector(w.Aggregator()))

	httpSrv := api.NewServer(api.ServerOptions{
		Config:      cfg,
		Log:         log.With().Str("component", "http").Logger(),
		Health:      w,
		OpenAPISpec: alicia.OpenAPISpec,
		Devices:  registry,
		Commands: dispatcher,
		Console:  console,
		OnShutdown: func(ctx context.Context) error {
			stop()
			return nil
		},
	})

	if err := w.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start service")
	}

	go func() {
		ticker := time.NewTicker(cfg.OfflineThreshold / 4)
		defer ticker.Stop()
		for {
			select {
			case <-offlineSweepDone:
				return
			case now := <-ticker.C:
				registry.SweepOffline(now)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Start() }()

	log.Info().Str("listen", cfg.HTTPAddr).Msg("device manager ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if err := w.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("wrapper shutdown error")
	}
	log.Info().Msg("device manager stopped")
}

// deviceIDFromTopic extracts the wildcard segment from
// alicia/devices/<device_id>/{state,heartbeat,ack}.
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 {
		return ""
	}
	return parts[2]
}
