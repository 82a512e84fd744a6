// Command broker runs an embedded MQTT broker for local development
// and integration tests, so the fleet has something to dial without
// standing up Mosquitto. It is not part of the production topology
// (spec §9 assumes an externally operated broker); this is scaffolding
// only.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
)

func main() {
	var tcpAddr, wsAddr string
	var logLevel string
	flag.StringVar(&tcpAddr, "tcp", ":1883", "TCP listener address")
	flag.StringVar(&wsAddr, "ws", ":1884", "WebSocket listener address (empty disables it)")
	flag.StringVar(&logLevel, "log-level", "info", "log level")
	flag.Parse()

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	server := mqtt.New(&mqtt.Options{InlineClient: false})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		log.Fatal().Err(err).Msg("failed to install auth hook")
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "tcp1", Address: tcpAddr})
	if err := server.AddListener(tcp); err != nil {
		log.Fatal().Err(err).Str("addr", tcpAddr).Msg("failed to add tcp listener")
	}
	log.Info().Str("addr", tcpAddr).Msg("tcp listener added")

	if wsAddr != "" {
		ws := listeners.NewWebsocket(listeners.Config{ID: "ws1", Address: wsAddr})
		if err := server.AddListener(ws); err != nil {
			log.Fatal().Err(err).Str("addr", wsAddr).Msg("failed to add websocket listener")
		}
		log.Info().Str("addr", wsAddr).Msg("websocket listener added")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	log.Info().Msg("broker started")

	select {
	case <-sig:
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("broker serve error")
		}
	}

	if err := server.Close(); err != nil {
		log.Error().Err(err).Msg("broker shutdown error")
		os.Exit(1)
	}
	fmt.Println("broker stopped")
}
