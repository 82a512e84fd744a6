// Package config loads the typed configuration every Alicia service
// process shares: broker connection, lifecycle timeouts, and HTTP
// surface settings (spec §6.4).
package config

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// TLSMode selects the MQTT transport security level.
type TLSMode string

const (
	TLSNone   TLSMode = "none"
	TLSServer TLSMode = "server" // CA-verified, no client cert
	TLSMutual TLSMode = "mutual"
)

// AuthMode selects the MQTT credential scheme.
type AuthMode string

const (
	AuthNone     AuthMode = "none"
	AuthUserPass AuthMode = "user_pass"
	AuthJWT      AuthMode = "jwt" // JWT presented as the MQTT password; broker validates it
)

// Config is the configuration record every service process loads at
// startup. Fields are shared across services; a given binary only
// reads the subset it needs.
type Config struct {
	ServiceName string `env:"SERVICE_NAME,required"`

	MQTTBroker              string        `env:"MQTT_BROKER,required"`
	MQTTPort                int           `env:"MQTT_PORT" envDefault:"1883"`
	MQTTClientID            string        `env:"MQTT_CLIENT_ID"`
	MQTTTLSMode             string        `env:"MQTT_TLS" envDefault:"none"`
	MQTTCACertFile          string        `env:"MQTT_CA_CERT_FILE"`
	MQTTClientCertFile      string        `env:"MQTT_CLIENT_CERT_FILE"`
	MQTTClientKeyFile       string        `env:"MQTT_CLIENT_KEY_FILE"`
	MQTTAuthMode            string        `env:"MQTT_AUTH" envDefault:"none"`
	MQTTUsername            string        `env:"MQTT_USERNAME"`
	MQTTPassword            string        `env:"MQTT_PASSWORD"`
	MQTTJWT                 string        `env:"MQTT_JWT"`
	MQTTReconnectMaxBackoff time.Duration `env:"MQTT_RECONNECT_MAX_BACKOFF" envDefault:"60s"`
	MQTTConnectTimeout      time.Duration `env:"MQTT_CONNECT_TIMEOUT" envDefault:"10s"`
	MQTTPublishBufferSize   int           `env:"MQTT_PUBLISH_BUFFER_SIZE" envDefault:"1024"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	StartupTimeout    time.Duration `env:"STARTUP_TIMEOUT" envDefault:"30s"`
	ShutdownGrace     time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
	DegradedErrorRate int           `env:"DEGRADED_ERROR_RATE" envDefault:"10"`
	CorrelationSweep  time.Duration `env:"CORRELATION_SWEEP_INTERVAL" envDefault:"500ms"`

	SessionTimeout        time.Duration `env:"SESSION_TIMEOUT" envDefault:"15s"`
	SessionTTL            time.Duration `env:"SESSION_TTL" envDefault:"300s"`
	MaxConcurrentSessions int           `env:"MAX_CONCURRENT_SESSIONS" envDefault:"64"`
	STTTimeout            time.Duration `env:"STT_TIMEOUT" envDefault:"10s"`
	STTConfidenceMin      float64       `env:"STT_CONFIDENCE_MIN" envDefault:"0.4"`
	AITimeout             time.Duration `env:"AI_TIMEOUT" envDefault:"10s"`
	TTSTimeout            time.Duration `env:"TTS_TIMEOUT" envDefault:"8s"`

	CommandAckTimeout  time.Duration `env:"COMMAND_ACK_TIMEOUT" envDefault:"5s"`
	CommandMaxAttempts int           `env:"COMMAND_MAX_ATTEMPTS" envDefault:"3"`
	OfflineThreshold   time.Duration `env:"OFFLINE_THRESHOLD" envDefault:"120s"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthEnabled        bool    `env:"AUTH_ENABLED" envDefault:"true"`
	AuthToken          string  `env:"AUTH_TOKEN"`
	AuthTokenGenerated bool    // true when auto-generated, not set from env
	ShutdownToken      string  `env:"SHUTDOWN_TOKEN"` // required to hit POST /shutdown
	RateLimitRPS       float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	CORSOrigins        string  `env:"CORS_ORIGINS"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	CapabilitiesFile string `env:"CAPABILITIES_FILE"`  // optional YAML catalog, internal/capabilities
	AuditDatabaseURL string `env:"AUDIT_DATABASE_URL"` // optional, internal/audit
}

// Validate checks cross-field invariants not expressible via struct tags.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name must not be empty")
	}
	switch TLSMode(c.MQTTTLSMode) {
	case TLSNone, TLSServer, TLSMutual:
	default:
		return fmt.Errorf("mqtt.tls must be one of none|server|mutual, got %q", c.MQTTTLSMode)
	}
	if TLSMode(c.MQTTTLSMode) == TLSMutual && (c.MQTTClientCertFile == "" || c.MQTTClientKeyFile == "") {
		return fmt.Errorf("mqtt.tls=mutual requires MQTT_CLIENT_CERT_FILE and MQTT_CLIENT_KEY_FILE")
	}
	switch AuthMode(c.MQTTAuthMode) {
	case AuthNone, AuthUserPass, AuthJWT:
	default:
		return fmt.Errorf("mqtt.auth must be one of none|user_pass|jwt, got %q", c.MQTTAuthMode)
	}
	if AuthMode(c.MQTTAuthMode) == AuthUserPass && c.MQTTUsername == "" {
		return fmt.Errorf("mqtt.auth=user_pass requires MQTT_USERNAME")
	}
	if AuthMode(c.MQTTAuthMode) == AuthJWT && c.MQTTJWT == "" {
		return fmt.Errorf("mqtt.auth=jwt requires MQTT_JWT")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug|info|warn|error, got %q", c.LogLevel)
	}
	return nil
}

// TLSConfig builds the *tls.Config the bus client should dial with, or
// nil for plaintext. The MQTT client library takes a native tls.Config
// directly, so there's no third-party wrapper to reach for here.
func (c *Config) TLSConfig() (*tls.Config, error) {
	switch TLSMode(c.MQTTTLSMode) {
	case TLSNone:
		return nil, nil
	case TLSServer:
		cfg := &tls.Config{}
		if c.MQTTCACertFile != "" {
			pool, err := loadCAPool(c.MQTTCACertFile)
			if err != nil {
				return nil, err
			}
			cfg.RootCAs = pool
		}
		return cfg, nil
	case TLSMutual:
		cert, err := tls.LoadX509KeyPair(c.MQTTClientCertFile, c.MQTTClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client cert/key: %w", err)
		}
		cfg := &tls.Config{Certificates: []tls.Certificate{cert}}
		if c.MQTTCACertFile != "" {
			pool, err := loadCAPool(c.MQTTCACertFile)
			if err != nil {
				return nil, err
			}
			cfg.RootCAs = pool
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("unknown tls mode %q", c.MQTTTLSMode)
	}
}

// Credential returns the password-field value the bus client should
// present given the configured auth mode (empty for AuthNone).
func (c *Config) Credential() string {
	switch AuthMode(c.MQTTAuthMode) {
	case AuthUserPass:
		return c.MQTTPassword
	case AuthJWT:
		return c.MQTTJWT
	default:
		return ""
	}
}

// Overrides holds CLI flag values that take priority over environment
// variables, per spec §6.4's defaults < file < environment < CLI order.
type Overrides struct {
	EnvFile     string
	ServiceName string
	HTTPAddr    string
	LogLevel    string
	MQTTBroker  string
}

// Load reads configuration from a .env file, environment variables,
// and CLI overrides, in that ascending priority order.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.ServiceName != "" {
		cfg.ServiceName = overrides.ServiceName
	}
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.MQTTBroker != "" {
		cfg.MQTTBroker = overrides.MQTTBroker
	}

	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = fmt.Sprintf("%s-%d", cfg.ServiceName, os.Getpid())
	}

	if !cfg.AuthEnabled {
		cfg.AuthToken = ""
		cfg.ShutdownToken = ""
	} else if cfg.AuthToken == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err == nil {
			cfg.AuthToken = base64.URLEncoding.EncodeToString(b)
			cfg.AuthTokenGenerated = true
		}
	}

	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
