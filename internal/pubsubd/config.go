package pubsubd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PUBSUBD_"

// Config is the top-level configuration for pubsubd.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Modules ModulesConfig `toml:"modules"`
}

// ServerConfig defines shared server settings.
type ServerConfig struct {
	Broker    string `toml:"broker"`
	Identity  string `toml:"identity"`
	TopicBase string `toml:"topic_base"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogOutput string `toml:"log_output"`
	LogSource bool   `toml:"log_source"`
	LogUTC    bool   `toml:"log_utc"`
	LogColor  bool   `toml:"log_color"`
	// ShutdownTimeout is a Go duration; empty means DefaultShutdownTimeout.
	ShutdownTimeout string     `toml:"shutdown_timeout"`
	TLS             TLSConfig  `toml:"tls"`
	Auth            AuthConfig `toml:"auth"`
}

// TLSConfig holds TLS paths for MQTT.
type TLSConfig struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// AuthConfig holds MQTT auth credentials.
type AuthConfig struct {
	User string `toml:"user"`
	Pass string `toml:"pass"`
}

// ModulesConfig holds module configurations.
type ModulesConfig struct {
	Broker       BrokerConfig       `toml:"broker"`
	EmbeddedMQTT EmbeddedMQTTConfig `toml:"embedded_mqtt"`
	Admin        AdminConfig        `toml:"admin"`
}

// BrokerConfig configures the pub/sub broker node.
type BrokerConfig struct {
	Enabled     bool   `toml:"enabled"`
	NodeID      string `toml:"node_id"`
	Name        string `toml:"name"`
	Storage     string `toml:"storage"`
	StoragePath string `toml:"storage_path"`
	DSN         string `toml:"dsn"`
	Table       string `toml:"table"`
	QueueSize   int    `toml:"queue_size"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
	// PinClientTopics limits each client to its own request and reply topics.
	PinClientTopics bool `toml:"pin_client_topics"`
}

// AdminConfig configures the read-only admin HTTP endpoint.
type AdminConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// LoadConfig loads a config file from path.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are ignored and existing variables win.
func LoadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		if err := godotenv.Load(path); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides config values from PUBSUBD_* variables.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*dst = parsed
			}
		}
	}

	str("BROKER", &cfg.Server.Broker)
	str("IDENTITY", &cfg.Server.Identity)
	str("TOPIC_BASE", &cfg.Server.TopicBase)
	str("LOG_LEVEL", &cfg.Server.LogLevel)
	str("LOG_FORMAT", &cfg.Server.LogFormat)
	str("LOG_OUTPUT", &cfg.Server.LogOutput)
	str("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	str("MQTT_USER", &cfg.Server.Auth.User)
	str("MQTT_PASS", &cfg.Server.Auth.Pass)
	str("NODE_ID", &cfg.Modules.Broker.NodeID)
	str("STORAGE", &cfg.Modules.Broker.Storage)
	str("STORAGE_PATH", &cfg.Modules.Broker.StoragePath)
	str("DSN", &cfg.Modules.Broker.DSN)
	str("ADMIN_LISTEN", &cfg.Modules.Admin.Listen)
	boolean("ADMIN_ENABLED", &cfg.Modules.Admin.Enabled)
	boolean("EMBEDDED_MQTT", &cfg.Modules.EmbeddedMQTT.Enabled)
	boolean("PIN_CLIENT_TOPICS", &cfg.Modules.EmbeddedMQTT.PinClientTopics)
}

// DefaultShutdownTimeout bounds module shutdown when none is configured.
const DefaultShutdownTimeout = 10 * time.Second

// ShutdownTimeoutDuration parses ShutdownTimeout. "0" disables the bound.
func (c ServerConfig) ShutdownTimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(c.ShutdownTimeout) == "" {
		return DefaultShutdownTimeout, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(c.ShutdownTimeout))
	if err != nil {
		return 0, fmt.Errorf("shutdown_timeout: %w", err)
	}
	if d < 0 {
		return 0, errors.New("shutdown_timeout must not be negative")
	}
	return d, nil
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "pubsub", "pubsubd.toml"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "pubsub", "pubsubd.toml"), nil
}

// DefaultStoragePath returns the default state location for a backend.
func DefaultStoragePath(backend string) (string, error) {
	name := "state.json"
	if strings.EqualFold(backend, "sqlite") {
		name = "state.db"
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "pubsub", name), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "pubsub", name), nil
}
