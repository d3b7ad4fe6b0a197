package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the IoT Hub Portal.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Portal       PortalConfig       `yaml:"portal"`
	Database     DatabaseConfig     `yaml:"database"`
	IoTHub       IoTHubConfig       `yaml:"iothub"`
	Provisioning ProvisioningConfig `yaml:"provisioning"`
	LoRaWAN      LoRaWANConfig      `yaml:"lorawan"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	AMQP         AMQPConfig         `yaml:"amqp"`
	InfluxDB     InfluxDBConfig     `yaml:"influxdb"`
	Sync         SyncConfig         `yaml:"sync"`
	Journal      JournalConfig      `yaml:"journal"`
	API          APIConfig          `yaml:"api"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// PortalConfig contains portal identity settings shown to clients.
type PortalConfig struct {
	Name      string `yaml:"name"`
	Copyright string `yaml:"copyright"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// IoTHubConfig contains the device registry connection settings.
type IoTHubConfig struct {
	// ConnectionString is the service policy connection string:
	// HostName=<hub>.azure-devices.net;SharedAccessKeyName=<policy>;SharedAccessKey=<key>
	ConnectionString string `yaml:"connection_string"`
	APIVersion       string `yaml:"api_version"`
	Timeout          int    `yaml:"timeout"`
	MaxRetries       int    `yaml:"max_retries"`
	QueryPageSize    int    `yaml:"query_page_size"`
}

// ProvisioningConfig contains Device Provisioning Service settings used to
// derive per-device enrollment credentials.
type ProvisioningConfig struct {
	IDScope        string `yaml:"id_scope"`
	GlobalEndpoint string `yaml:"global_endpoint"`
	GroupKey       string `yaml:"group_key"`
	EdgeGroupKey   string `yaml:"edge_group_key"`
}

// LoRaWANConfig contains LoRaWAN feature settings.
type LoRaWANConfig struct {
	Enabled          bool                `yaml:"enabled"`
	TelemetryHistory int                 `yaml:"telemetry_history"`
	Dedup            DedupConfig         `yaml:"dedup"`
	Topics           LoRaWANTopicsConfig `yaml:"topics"`
}

// DedupConfig sizes the telemetry duplicate filter.
type DedupConfig struct {
	Capacity          uint    `yaml:"capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	MaxFillPercent    float64 `yaml:"max_fill_percent"`
}

// LoRaWANTopicsConfig contains the MQTT topic prefix shared with the network server.
type LoRaWANTopicsConfig struct {
	Prefix string `yaml:"prefix"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// AMQPConfig contains the optional change-event broker settings.
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// SyncConfig controls the periodic hub-to-mirror reconciliation jobs.
type SyncConfig struct {
	Enabled       bool `yaml:"enabled"`
	Interval      int  `yaml:"interval"`
	Devices       bool `yaml:"devices"`
	EdgeDevices   bool `yaml:"edge_devices"`
	Concentrators bool `yaml:"concentrators"`
}

// JournalConfig controls replay of pending compensations.
type JournalConfig struct {
	ReplayInterval int `yaml:"replay_interval"`
	MaxAttempts    int `yaml:"max_attempts"`
	BatchSize      int `yaml:"batch_size"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PORTAL_SECTION_KEY
// For example: PORTAL_DATABASE_PATH, PORTAL_IOTHUB_CONNECTION_STRING
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Portal: PortalConfig{
			Name: "IoT Hub Portal",
		},
		Database: DatabaseConfig{
			Path:        "./data/portal.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		IoTHub: IoTHubConfig{
			APIVersion:    "2021-04-12",
			Timeout:       30,
			MaxRetries:    4,
			QueryPageSize: 100,
		},
		Provisioning: ProvisioningConfig{
			GlobalEndpoint: "global.azure-devices-provisioning.net",
		},
		LoRaWAN: LoRaWANConfig{
			TelemetryHistory: 100,
			Dedup: DedupConfig{
				Capacity:          1000,
				FalsePositiveRate: 0.01,
				MaxFillPercent:    90,
			},
			Topics: LoRaWANTopicsConfig{
				Prefix: "portal/lorawan",
			},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "iothub-portal",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		AMQP: AMQPConfig{
			Exchange: "portal.events",
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Sync: SyncConfig{
			Enabled:       true,
			Interval:      300,
			Devices:       true,
			EdgeDevices:   true,
			Concentrators: true,
		},
		Journal: JournalConfig{
			ReplayInterval: 30,
			MaxAttempts:    10,
			BatchSize:      50,
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PORTAL_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORTAL_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// IoT Hub credentials never belong in a committed config file.
	if v := os.Getenv("PORTAL_IOTHUB_CONNECTION_STRING"); v != "" {
		cfg.IoTHub.ConnectionString = v
	}
	if v := os.Getenv("PORTAL_PROVISIONING_GROUP_KEY"); v != "" {
		cfg.Provisioning.GroupKey = v
	}
	if v := os.Getenv("PORTAL_PROVISIONING_EDGE_GROUP_KEY"); v != "" {
		cfg.Provisioning.EdgeGroupKey = v
	}
	if v := os.Getenv("PORTAL_LORAWAN_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LoRaWAN.Enabled = b
		}
	}

	if v := os.Getenv("PORTAL_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PORTAL_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PORTAL_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("PORTAL_AMQP_URL"); v != "" {
		cfg.AMQP.URL = v
	}

	if v := os.Getenv("PORTAL_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("PORTAL_API_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = p
		}
	}

	if v := os.Getenv("PORTAL_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
//
// All problems are collected so an operator sees every mistake at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.IoTHub.ConnectionString == "" {
		errs = append(errs, "iothub.connection_string is required (set PORTAL_IOTHUB_CONNECTION_STRING)")
	} else if !validConnectionString(c.IoTHub.ConnectionString) {
		errs = append(errs, "iothub.connection_string must contain HostName, SharedAccessKeyName and SharedAccessKey")
	}
	if c.IoTHub.QueryPageSize < 1 || c.IoTHub.QueryPageSize > 1000 {
		errs = append(errs, "iothub.query_page_size must be between 1 and 1000")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.LoRaWAN.Enabled {
		if c.LoRaWAN.Dedup.FalsePositiveRate <= 0 || c.LoRaWAN.Dedup.FalsePositiveRate >= 1 {
			errs = append(errs, "lorawan.dedup.false_positive_rate must be between 0 and 1")
		}
		if c.LoRaWAN.TelemetryHistory < 1 {
			errs = append(errs, "lorawan.telemetry_history must be at least 1")
		}
	}

	if c.AMQP.Enabled && c.AMQP.URL == "" {
		errs = append(errs, "amqp.url is required when amqp is enabled")
	}

	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if c.Sync.Enabled && c.Sync.Interval < 10 {
		errs = append(errs, "sync.interval must be at least 10 seconds")
	}

	if c.Journal.MaxAttempts < 1 {
		errs = append(errs, "journal.max_attempts must be at least 1")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func validConnectionString(s string) bool {
	var host, name, key bool
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || v == "" {
			continue
		}
		switch k {
		case "HostName":
			host = true
		case "SharedAccessKeyName":
			name = true
		case "SharedAccessKey":
			key = true
		}
	}
	return host && name && key
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

// SyncInterval returns the reconciliation interval as a Duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.Interval) * time.Second
}

// JournalReplayInterval returns the compensation replay interval as a Duration.
func (c *Config) JournalReplayInterval() time.Duration {
	return time.Duration(c.Journal.ReplayInterval) * time.Second
}

// HubTimeout returns the per-request IoT Hub timeout as a Duration.
func (c *Config) HubTimeout() time.Duration {
	return time.Duration(c.IoTHub.Timeout) * time.Second
}
