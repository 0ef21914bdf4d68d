package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the process configuration. Values are read from the
// environment; every field also accepts an EASYSSH_-prefixed variant.
type Settings struct {
	ServerPort int    `envconfig:"SERVER_PORT" default:"8000"`
	NodeEnv    string `envconfig:"NODE_ENV" default:"development"`

	// JWTSecret signs bearer tokens. When empty a random secret is
	// generated at startup and existing tokens become invalid on restart.
	JWTSecret string `envconfig:"JWT_SECRET" default:""`

	// EncryptionKey decrypts SSH credentials sent in "encrypted:" form.
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" default:""`

	// AIEncryptionKey encrypts the durable AI API configuration at rest.
	AIEncryptionKey string `envconfig:"AI_ENCRYPTION_KEY" default:""`

	DatabasePath string `envconfig:"DATABASE_PATH" default:"data/easyssh.db"`

	WSIdleTimeout      time.Duration `envconfig:"WS_IDLE_TIMEOUT" default:"30m"`
	WSWatchdogInterval time.Duration `envconfig:"WS_WATCHDOG_INTERVAL" default:"5m"`

	SSHDialTimeout time.Duration `envconfig:"SSH_DIAL_TIMEOUT" default:"10s"`

	MonitorInterval time.Duration `envconfig:"MONITOR_INTERVAL" default:"1s"`
	MonitorCacheTTL time.Duration `envconfig:"MONITOR_CACHE_TTL" default:"24h"`

	AIUpstreamTimeout time.Duration `envconfig:"AI_UPSTREAM_TIMEOUT" default:"30s"`

	AIBurstLimit int `envconfig:"AI_BURST_LIMIT" default:"10"`
	AIPerMinute  int `envconfig:"AI_REQUESTS_PER_MINUTE" default:"60"`
	AIPerHour    int `envconfig:"AI_REQUESTS_PER_HOUR" default:"300"`
	AIPerDay     int `envconfig:"AI_REQUESTS_PER_DAY" default:"1000"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("EASYSSH", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// Production reports whether the server runs with production log verbosity.
func (s Settings) Production() bool {
	return s.NodeEnv == "production"
}
