package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	alicia "github.com/alicia-project/alicia-core"
	"github.com/alicia-project/alicia-core/internal/api"
	"github.com/alicia-project/alicia-core/internal/bus"
	"github.com/alicia-project/alicia-core/internal/busproto"
	"github.com/alicia-project/alicia-core/internal/config"
	"github.com/alicia-project/alicia-core/internal/metrics"
	"github.com/alicia-project/alicia-core/internal/voice"
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
		cfg.ServiceName = "voice_router"
	}
	if err := cfg.Validate(); err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Str("service", cfg.ServiceName).Msg("voice router starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build mqtt tls config")
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

	orchestrator := voice.NewOrchestrator(w, w, w, voice.Config{
		SessionTimeout:        cfg.SessionTimeout,
		SessionTTL:            cfg.SessionTTL,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		STTConfidenceMin:      cfg.STTConfidenceMin,
		STTTimeout:            cfg.STTTimeout,
		AITimeout:             cfg.AITimeout,
		TTSTimeout:            cfg.TTSTimeout,
		CommandAckTimeout:     cfg.CommandAckTimeout,
	}, log.With().Str("component", "orchestrator").Logger())

	// alicia/voice/command — inbound voice events open a session and
	// drive the STT -> AI -> (device dispatch) -> TTS pipeline.
	w.RegisterHandler("alicia/voice/command", func(topic string, env busproto.Envelope) {
		var body struct {
			SessionID string `json:"session_id"`
			AudioRef  string `json:"audio_ref"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("invalid voice command payload")
			return
		}
		if _, err := orchestrator.HandleVoiceCommand(ctx, body.AudioRef); err != nil {
			log.Warn().Err(err).Msg("voice command rejected")
		}
	})

	// alicia/voice/cancel
	w.RegisterHandler("alicia/voice/cancel", func(topic string, env busproto.Envelope) {
		var body struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("invalid voice cancel payload")
			return
		}
		if err := orchestrator.Cancel(body.SessionID); err != nil {
			log.Warn().Err(err).Str("session_id", body.SessionID).Msg("cancel failed")
		}
	})

	w.OnReady(func() error {
		log.Info().Msg("voice router ready")
		return nil
	})

	sweepDone := make(chan struct{})
	w.OnStop(func() { close(sweepDone) })

	hub := wsadmin.NewHub()
	console := wsadmin.NewHandler(hub, orchestrator, nil, log.With().Str("component", "console").Logger())

	prometheus.MustRegister(metrics.NewCollector(w.Aggregator()))

	httpSrv := api.NewServer(api.ServerOptions{
		Config:      cfg,
		Log:         log.With().Str("component", "http").Logger(),
		Health:      w,
		OpenAPISpec: alicia.OpenAPISpec,
		Sessions: orchestrator.Store(),
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
		ticker := time.NewTicker(cfg.SessionTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case now := <-ticker.C:
				orchestrator.Store().SweepExpired(now)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Start() }()

	log.Info().Str("listen", cfg.HTTPAddr).Msg("voice router ready")

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
	log.Info().Msg("voice router stopped")
}
