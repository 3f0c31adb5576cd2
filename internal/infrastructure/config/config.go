package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the mirror configuration.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// RemoteConfig describes the authoritative home-automation backend.
type RemoteConfig struct {
	URL              string          `yaml:"url"`
	Token            string          `yaml:"token"`
	HandshakeTimeout int             `yaml:"handshake_timeout"` // seconds
	RequestTimeout   int             `yaml:"request_timeout"`   // seconds
	PingInterval     int             `yaml:"ping_interval"`     // seconds; 0 disables keepalive
	Reconnect        ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the linear backoff policy.
type ReconnectConfig struct {
	BaseDelayMS int `yaml:"base_delay_ms"`
	MaxDelayMS  int `yaml:"max_delay_ms"`
	MaxAttempts int `yaml:"max_attempts"` // 0 retries forever
}

// CatalogConfig locates the entity catalogue.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig contains SQLite settings for the command journal.
type DatabaseConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig configures the state bridge broker connection.
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix string              `yaml:"topic_prefix"`
}

// MQTTBrokerConfig locates the broker.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig holds broker credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig is paho's reconnect policy, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP relay settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig enables HTTPS on the relay.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig holds relay server timeouts in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig restricts browser origins. Empty lists use defaults.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains relay WebSocket settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains settings for sync telemetry export.
type InfluxDBConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	Token          string `yaml:"token"`
	Org            string `yaml:"org"`
	Bucket         string `yaml:"bucket"`
	BatchSize      int    `yaml:"batch_size"`
	FlushInterval  int    `yaml:"flush_interval"`  // seconds
	SampleInterval int    `yaml:"sample_interval"` // seconds between counter samples
}

// LoggingConfig selects level, format (json, text, console) and output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig groups relay credentials.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains relay token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes, used by the token subcommand
}

// Load reads path over Default, applies the GRAYLOGIC_* overrides listed in
// envBindings and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in defaults. Remote URL and token have none.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			HandshakeTimeout: 10,
			RequestTimeout:   10,
			PingInterval:     30,
			Reconnect: ReconnectConfig{
				BaseDelayMS: 1000,
				MaxDelayMS:  30000,
				MaxAttempts: 10,
			},
		},
		Catalog: CatalogConfig{
			Path: "./configs/catalog.yaml",
		},
		Database: DatabaseConfig{
			Enabled:     true,
			Path:        "./data/mirror.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-mirror",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "graylogic/mirror",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:      100,
			FlushInterval:  10,
			SampleInterval: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{AccessTokenTTL: 15},
		},
	}
}

// envBinding copies one GRAYLOGIC_* variable into the config when it is set.
// Values that fail to parse are ignored.
type envBinding struct {
	name  string
	apply func(cfg *Config, v string)
}

func setString(field func(*Config) *string) func(*Config, string) {
	return func(cfg *Config, v string) { *field(cfg) = v }
}

func setInt(field func(*Config) *int) func(*Config, string) {
	return func(cfg *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*field(cfg) = n
		}
	}
}

func setBool(field func(*Config) *bool) func(*Config, string) {
	return func(cfg *Config, v string) {
		if b, err := strconv.ParseBool(v); err == nil {
			*field(cfg) = b
		}
	}
}

var envBindings = []envBinding{
	{"GRAYLOGIC_REMOTE_URL", setString(func(c *Config) *string { return &c.Remote.URL })},
	{"GRAYLOGIC_REMOTE_TOKEN", setString(func(c *Config) *string { return &c.Remote.Token })},
	{"GRAYLOGIC_CATALOG_PATH", setString(func(c *Config) *string { return &c.Catalog.Path })},
	{"GRAYLOGIC_DATABASE_PATH", setString(func(c *Config) *string { return &c.Database.Path })},
	{"GRAYLOGIC_MQTT_ENABLED", setBool(func(c *Config) *bool { return &c.MQTT.Enabled })},
	{"GRAYLOGIC_MQTT_HOST", setString(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"GRAYLOGIC_MQTT_PORT", setInt(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"GRAYLOGIC_MQTT_USERNAME", setString(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"GRAYLOGIC_MQTT_PASSWORD", setString(func(c *Config) *string { return &c.MQTT.Auth.Password })},
	{"GRAYLOGIC_API_HOST", setString(func(c *Config) *string { return &c.API.Host })},
	{"GRAYLOGIC_INFLUXDB_TOKEN", setString(func(c *Config) *string { return &c.InfluxDB.Token })},
	{"GRAYLOGIC_LOG_LEVEL", setString(func(c *Config) *string { return &c.Logging.Level })},
	{"GRAYLOGIC_JWT_SECRET", setString(func(c *Config) *string { return &c.Security.JWT.Secret })},
}

func applyEnvOverrides(cfg *Config) {
	for _, b := range envBindings {
		if v := os.Getenv(b.name); v != "" {
			b.apply(cfg, v)
		}
	}
}

// minJWTSecretLength is the shortest accepted relay signing secret.
const minJWTSecretLength = 32

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error { //nolint:gocognit,gocyclo // flat list of independent checks
	var errs []string

	// Remote
	switch {
	case c.Remote.URL == "":
		errs = append(errs, "remote.url is required (set GRAYLOGIC_REMOTE_URL)")
	case !strings.HasPrefix(c.Remote.URL, "ws://") && !strings.HasPrefix(c.Remote.URL, "wss://"):
		errs = append(errs, "remote.url must start with ws:// or wss://")
	}
	if c.Remote.Token == "" {
		errs = append(errs, "remote.token is required (set GRAYLOGIC_REMOTE_TOKEN)")
	}
	if c.Remote.HandshakeTimeout < 0 || c.Remote.RequestTimeout < 0 || c.Remote.PingInterval < 0 {
		errs = append(errs, "remote timeouts must not be negative")
	}
	rc := c.Remote.Reconnect
	if rc.BaseDelayMS <= 0 {
		errs = append(errs, "remote.reconnect.base_delay_ms must be positive")
	}
	if rc.MaxDelayMS < rc.BaseDelayMS {
		errs = append(errs, "remote.reconnect.max_delay_ms must be at least base_delay_ms")
	}
	if rc.MaxAttempts < 0 {
		errs = append(errs, "remote.reconnect.max_attempts must not be negative")
	}

	// Catalog
	if c.Catalog.Path == "" {
		errs = append(errs, "catalog.path is required")
	}

	// Database
	if c.Database.Enabled && c.Database.Path == "" {
		errs = append(errs, "database.path is required when the journal is enabled")
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker.Host == "" {
			errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
		}
		if strings.Trim(c.MQTT.TopicPrefix, "/") == "" {
			errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
		}
	}

	// API
	if c.API.Enabled {
		if c.API.Port < 1 || c.API.Port > 65535 {
			errs = append(errs, "api.port must be between 1 and 65535")
		}
		if c.Security.JWT.Secret == "" {
			errs = append(errs, "security.jwt.secret is required (set GRAYLOGIC_JWT_SECRET environment variable)")
		} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
			errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
		}
	}

	// InfluxDB
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.url, org and bucket are required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}

	return nil
}

// HandshakeTimeoutDuration returns the remote handshake timeout.
func (r RemoteConfig) HandshakeTimeoutDuration() time.Duration {
	return time.Duration(r.HandshakeTimeout) * time.Second
}

// RequestTimeoutDuration returns the timeout applied to each outbound request.
func (r RemoteConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(r.RequestTimeout) * time.Second
}

// PingIntervalDuration returns the keepalive period; negative disables it.
func (r RemoteConfig) PingIntervalDuration() time.Duration {
	if r.PingInterval == 0 {
		return -1
	}
	return time.Duration(r.PingInterval) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
