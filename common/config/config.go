// Package config loads telhawk-trap configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sink types.
const (
	SinkJSON       = "json"
	SinkSQL        = "sql"
	SinkSQLDump    = "sqldump"
	SinkOpenSearch = "opensearch"
	SinkJetStream  = "jetstream"
)

// SQL backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig  `mapstructure:"server"`
	Logging       LoggingConfig `mapstructure:"logging"`
	Store         StoreConfig   `mapstructure:"store"`
	Risk          RiskConfig    `mapstructure:"risk"`
	Ingest        IngestConfig  `mapstructure:"ingest"`
	NATS          NATSConfig    `mapstructure:"nats"`
	Redis         RedisConfig   `mapstructure:"redis"`
	Auth          AuthConfig    `mapstructure:"auth"`
	CORS          CORSConfig    `mapstructure:"cors"`
	Sinks         []SinkConfig  `mapstructure:"sinks"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig bounds the in-memory event store.
type StoreConfig struct {
	MaxEvents int `mapstructure:"max_events"`
}

// RiskConfig points at the port attack-frequency table. Empty uses the built-in table.
type RiskConfig struct {
	ProfilePath string `mapstructure:"profile_path"`
}

// IngestConfig controls the ingestion path.
type IngestConfig struct {
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`
	NATSSubject        string        `mapstructure:"nats_subject"`
	NATSQueue          string        `mapstructure:"nats_queue"`
	ReconnectWindow    time.Duration `mapstructure:"reconnect_window"`
	ReconnectThreshold int           `mapstructure:"reconnect_threshold"`
	ReconnectCacheSize int           `mapstructure:"reconnect_cache_size"`
}

// NATSConfig holds NATS broker configuration.
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds the checkpoint store connection.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	Enabled   bool   `mapstructure:"enabled"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// AuthConfig enables bearer-token auth on the API when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// SinkConfig describes one export sink. Zero-valued scheduling fields are
// filled from the defaults in ApplyDefaults.
type SinkConfig struct {
	Name             string        `mapstructure:"name"`
	Type             string        `mapstructure:"type"`
	Disabled         bool          `mapstructure:"disabled"`
	Interval         time.Duration `mapstructure:"interval"`
	BufferThreshold  int           `mapstructure:"buffer_threshold"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	MaxBatch         int           `mapstructure:"max_batch"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	FlushTimeout     time.Duration `mapstructure:"flush_timeout"`

	// json / sqldump
	Dir          string   `mapstructure:"dir"`
	Compress     string   `mapstructure:"compress"`
	ExcludeTypes []string `mapstructure:"exclude_types"`

	// sql / sqldump
	Database DatabaseConfig `mapstructure:"database"`

	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`

	// jetstream
	Stream  string `mapstructure:"stream"`
	Subject string `mapstructure:"subject"`
}

// DatabaseConfig describes a SQL backend. Path is used by sqlite only.
type DatabaseConfig struct {
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

type OpenSearchConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Index    string `mapstructure:"index"`
	Insecure bool   `mapstructure:"insecure"`
}

// Load reads configuration from path, or from $TRAP_CONFIG_DIR/config.yaml
// when path is empty, then applies environment overrides. A missing file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		configDir := os.Getenv("TRAP_CONFIG_DIR")
		if configDir == "" {
			configDir = "/etc/telhawk-trap"
		}
		path = filepath.Join(configDir, "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("trap")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	for i := range cfg.Sinks {
		cfg.Sinks[i].ApplyDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset scheduling fields.
func (s *SinkConfig) ApplyDefaults() {
	if s.Interval <= 0 {
		s.Interval = time.Hour
	}
	if s.BufferThreshold <= 0 {
		s.BufferThreshold = 1000
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 3
	}
	if s.MaxBatch <= 0 {
		s.MaxBatch = 5000
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 5 * time.Second
	}
	if s.FlushTimeout <= 0 {
		s.FlushTimeout = 30 * time.Second
	}
	if s.Type == SinkJetStream && s.Subject == "" {
		s.Subject = "trap.export"
	}
	if s.Type == SinkJetStream && s.Stream == "" {
		s.Stream = "TRAP_EXPORT"
	}
}

// Validate reports configuration errors that would prevent sinks from being built.
func (c *Config) Validate() error {
	if c.Store.MaxEvents <= 0 {
		return fmt.Errorf("store.max_events must be positive, got %d", c.Store.MaxEvents)
	}

	seen := make(map[string]struct{}, len(c.Sinks))
	for _, s := range c.Sinks {
		if s.Name == "" {
			return errors.New("every sink needs a name")
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate sink name %q", s.Name)
		}
		seen[s.Name] = struct{}{}

		switch s.Type {
		case SinkJSON:
			if s.Dir == "" {
				return fmt.Errorf("sink %q: dir is required", s.Name)
			}
			switch s.Compress {
			case "", "none", "gzip", "zstd":
			default:
				return fmt.Errorf("sink %q: unknown compression %q", s.Name, s.Compress)
			}
		case SinkSQL, SinkSQLDump:
			switch s.Database.Backend {
			case BackendSQLite, BackendPostgres, BackendMySQL:
			default:
				return fmt.Errorf("sink %q: unknown database backend %q", s.Name, s.Database.Backend)
			}
			if s.Type == SinkSQLDump && s.Dir == "" {
				return fmt.Errorf("sink %q: dir is required", s.Name)
			}
		case SinkOpenSearch:
			if s.OpenSearch.URL == "" || s.OpenSearch.Index == "" {
				return fmt.Errorf("sink %q: opensearch url and index are required", s.Name)
			}
		case SinkJetStream:
		default:
			return fmt.Errorf("sink %q: unknown type %q", s.Name, s.Type)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.max_events", 10000)
	v.SetDefault("risk.profile_path", "")

	v.SetDefault("ingest.max_body_bytes", 1048576)
	v.SetDefault("ingest.nats_subject", "honeypot.events.>")
	v.SetDefault("ingest.nats_queue", "trap-ingest")
	v.SetDefault("ingest.reconnect_window", "60s")
	v.SetDefault("ingest.reconnect_threshold", 3)
	v.SetDefault("ingest.reconnect_cache_size", 4096)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.key_prefix", "trap:checkpoint:")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("shutdown_grace", "10s")

	v.SetDefault("sinks", []map[string]any{
		{
			"name":             "json-archive",
			"type":             SinkJSON,
			"interval":         "1h",
			"buffer_threshold": 5000,
			"dir":              "/var/lib/telhawk-trap/exports",
		},
		{
			"name":             "sqlite",
			"type":             SinkSQL,
			"interval":         "5m",
			"buffer_threshold": 500,
			"database": map[string]any{
				"backend": BackendSQLite,
				"path":    "/var/lib/telhawk-trap/trap.db",
			},
		},
	})
}
