// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the state service configuration.
type Config struct {
	DatabaseURL      string        `env:"DATABASE_URL"`
	DatabaseMaxConns int32         `env:"DATABASE_MAX_CONNS" envDefault:"0"`
	Postgres         PostgresParts `envPrefix:"POSTGRES_"`
	ServerAddr       string        `env:"SERVER_ADDR" envDefault:"0.0.0.0:8080"`
	ServerName       string        `env:"SERVER_NAME" envDefault:"localhost"`
	APIToken         string        `env:"API_TOKEN"`
	ServerKeys       string        `env:"SERVER_KEYS"`
	StateCacheSize   int           `env:"STATE_CACHE_SIZE" envDefault:"100000"`
	StateCacheTTL    time.Duration `env:"STATE_CACHE_TTL" envDefault:"1h"`
	TrustIfNoContext bool          `env:"AUTH_TRUST_IF_NO_CONTEXT" envDefault:"false"`
	OTelEndpoint     string        `env:"OTEL_ENDPOINT"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
}

// PostgresParts build a DSN when DATABASE_URL is unset.
type PostgresParts struct {
	User     string `env:"USER" envDefault:"hearth"`
	Password string `env:"PASSWORD" envDefault:"hearth_pass"`
	DB       string `env:"DB" envDefault:"hearth"`
	Host     string `env:"HOST" envDefault:"localhost"`
	Port     string `env:"PORT" envDefault:"5432"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
}

// DSN returns the connection string described by the parts.
func (p PostgresParts) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     p.Host + ":" + p.Port,
		Path:     "/" + p.DB,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

// Load reads Config from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		cfg.DatabaseURL = cfg.Postgres.DSN()
	}
	if cfg.StateCacheSize <= 0 {
		return nil, fmt.Errorf("STATE_CACHE_SIZE must be positive, got %d", cfg.StateCacheSize)
	}
	if cfg.StateCacheTTL <= 0 {
		return nil, fmt.Errorf("STATE_CACHE_TTL must be positive, got %s", cfg.StateCacheTTL)
	}
	return &cfg, nil
}

// NodeConfig holds the replicated ingestion node configuration.
type NodeConfig struct {
	NodeID            string        `env:"P2P_NODE_ID"`
	RaftAddr          string        `env:"P2P_RAFT_ADDR" envDefault:"127.0.0.1:17000"`
	HTTPAddr          string        `env:"P2P_HTTP_ADDR" envDefault:"0.0.0.0:18080"`
	DataDir           string        `env:"P2P_DATA_DIR"`
	Bootstrap         bool          `env:"P2P_BOOTSTRAP" envDefault:"false"`
	ApplyTimeout      time.Duration `env:"P2P_APPLY_TIMEOUT" envDefault:"5s"`
	JoinEndpoint      string        `env:"P2P_JOIN_ENDPOINT"`
	JoinRetries       int           `env:"P2P_JOIN_RETRIES" envDefault:"30"`
	JoinRetryDelay    time.Duration `env:"P2P_JOIN_RETRY_DELAY" envDefault:"1s"`
	StartupWaitLeader time.Duration `env:"P2P_STARTUP_WAIT_LEADER" envDefault:"4s"`
	StateCacheSize    int           `env:"STATE_CACHE_SIZE" envDefault:"100000"`
	StateCacheTTL     time.Duration `env:"STATE_CACHE_TTL" envDefault:"1h"`
	TrustIfNoContext  bool          `env:"AUTH_TRUST_IF_NO_CONTEXT" envDefault:"false"`
	OTelEndpoint      string        `env:"OTEL_ENDPOINT"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadNode reads NodeConfig from the environment and creates its data
// directory.
func LoadNode() (*NodeConfig, error) {
	var cfg NodeConfig
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	if cfg.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.NodeID = strings.TrimSpace(hostname)
	}
	if cfg.NodeID == "" {
		cfg.NodeID = "node-1"
	}
	cfg.JoinEndpoint = strings.TrimSpace(cfg.JoinEndpoint)
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join("tmp", "p2pnode", cfg.NodeID)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	return &cfg, nil
}
