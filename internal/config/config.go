package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-node/lorawan-node-agent/pkg/lorawan"
)

// Config represents the agent configuration
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Device     DeviceConfig     `yaml:"device"`
	MAC        MACConfig        `yaml:"mac"`
	Uplink     UplinkConfig     `yaml:"uplink"`
	API        APIConfig        `yaml:"api"`
	JWT        JWTConfig        `yaml:"jwt"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Log        LogConfig        `yaml:"log"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// AgentConfig represents agent identity
type AgentConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// DeviceConfig represents device credentials
// OTAA使用DevEUI/JoinEUI/AppKey,ABP使用DevAddr/NwkSKey/AppSKey
type DeviceConfig struct {
	Activation string `yaml:"activation"` // OTAA | ABP
	DevEUI     string `yaml:"dev_eui"`
	JoinEUI    string `yaml:"join_eui"`
	AppKey     string `yaml:"app_key"`
	DevAddr    string `yaml:"dev_addr"`
	NwkSKey    string `yaml:"nwk_s_key"`
	AppSKey    string `yaml:"app_s_key"`
}

// MACConfig represents MAC layer defaults
type MACConfig struct {
	Region        string `yaml:"region"` // EU868 | US915 | CN470
	DataRate      uint8  `yaml:"data_rate"`
	ADR           bool   `yaml:"adr"`
	PublicNetwork *bool  `yaml:"public_network"`
	Class         string `yaml:"class"` // A | B | C
	Port          uint8  `yaml:"port"`
	Confirmed     bool   `yaml:"confirmed"`
	Retries       uint8  `yaml:"retries"`
}

// UplinkConfig represents the periodic uplink worker
type UplinkConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Port     uint8         `yaml:"port"`
	Payload  string        `yaml:"payload"`
}

// APIConfig represents the management API
type APIConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	AdminUsername     string `yaml:"admin_username"`
	AdminPasswordHash string `yaml:"admin_password_hash"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MQTTConfig represents MQTT publisher configuration
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SimulationConfig represents the loopback network emulator
type SimulationConfig struct {
	RX1Delay        time.Duration `yaml:"rx1_delay"`
	RXWindowSpan    time.Duration `yaml:"rx_window_span"`
	DutyCycle       *bool         `yaml:"duty_cycle"`
	LinkCheckMargin uint8         `yaml:"link_check_margin"`
	LinkCheckGWs    uint8         `yaml:"link_check_gateways"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		c.MQTT.Broker = broker
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if devEUI := os.Getenv("DEV_EUI"); devEUI != "" {
		c.Device.DevEUI = devEUI
	}

	if appKey := os.Getenv("APP_KEY"); appKey != "" {
		c.Device.AppKey = appKey
	}
}

// applyDefaults fills in unset values
func (c *Config) applyDefaults() {
	if c.Agent.Name == "" {
		c.Agent.Name = "lorawan-node-agent"
	}

	if c.Device.Activation == "" {
		c.Device.Activation = "OTAA"
	}

	if c.MAC.Region == "" {
		c.MAC.Region = "EU868"
	}
	if c.MAC.Class == "" {
		c.MAC.Class = "A"
	}
	if c.MAC.Port == 0 {
		c.MAC.Port = 2
	}
	if c.MAC.Retries == 0 {
		c.MAC.Retries = 5
	}
	if c.MAC.PublicNetwork == nil {
		public := true
		c.MAC.PublicNetwork = &public
	}

	if c.Uplink.Interval == 0 {
		c.Uplink.Interval = 60 * time.Second
	}
	if c.Uplink.Port == 0 {
		c.Uplink.Port = c.MAC.Port
	}

	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.API.AdminUsername == "" {
		c.API.AdminUsername = "admin"
	}

	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 15 * time.Minute
	}
	if c.JWT.RefreshTokenTTL == 0 {
		c.JWT.RefreshTokenTTL = 7 * 24 * time.Hour
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 5
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}

	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.Agent.Name
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "node"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Simulation.RX1Delay == 0 {
		c.Simulation.RX1Delay = time.Second
	}
	if c.Simulation.RXWindowSpan == 0 {
		c.Simulation.RXWindowSpan = 3 * time.Second
	}
	if c.Simulation.DutyCycle == nil {
		on := true
		c.Simulation.DutyCycle = &on
	}
	if c.Simulation.LinkCheckMargin == 0 {
		c.Simulation.LinkCheckMargin = 20
	}
	if c.Simulation.LinkCheckGWs == 0 {
		c.Simulation.LinkCheckGWs = 1
	}
}

// validate checks the credential set against the activation mode
func (c *Config) validate() error {
	switch c.Device.Activation {
	case "OTAA":
		if _, err := c.DevEUI(); err != nil {
			return fmt.Errorf("dev_eui: %w", err)
		}
		if _, err := c.JoinEUI(); err != nil {
			return fmt.Errorf("join_eui: %w", err)
		}
		if _, err := c.AppKey(); err != nil {
			return fmt.Errorf("app_key: %w", err)
		}
	case "ABP":
		if _, err := c.DevAddr(); err != nil {
			return fmt.Errorf("dev_addr: %w", err)
		}
		if _, err := c.NwkSKey(); err != nil {
			return fmt.Errorf("nwk_s_key: %w", err)
		}
		if _, err := c.AppSKey(); err != nil {
			return fmt.Errorf("app_s_key: %w", err)
		}
	default:
		return fmt.Errorf("invalid activation mode: %s", c.Device.Activation)
	}

	switch c.MAC.Region {
	case "EU868", "US915", "CN470":
	default:
		return fmt.Errorf("invalid region: %s", c.MAC.Region)
	}

	switch c.MAC.Class {
	case "A", "B", "C":
	default:
		return fmt.Errorf("invalid device class: %s", c.MAC.Class)
	}

	if c.API.Enabled && c.JWT.Secret == "" {
		return fmt.Errorf("api enabled but jwt secret is empty")
	}

	return nil
}

// DevEUI parses the configured device EUI
func (c *Config) DevEUI() (lorawan.EUI64, error) {
	return lorawan.ParseEUI64(c.Device.DevEUI)
}

// JoinEUI parses the configured join EUI
func (c *Config) JoinEUI() (lorawan.EUI64, error) {
	return lorawan.ParseEUI64(c.Device.JoinEUI)
}

// AppKey parses the configured application key
func (c *Config) AppKey() (lorawan.AES128Key, error) {
	return lorawan.ParseAES128Key(c.Device.AppKey)
}

// DevAddr parses the configured ABP device address
func (c *Config) DevAddr() (lorawan.DevAddr, error) {
	var addr lorawan.DevAddr
	b, err := parseHex(c.Device.DevAddr, 4)
	if err != nil {
		return addr, err
	}
	copy(addr[:], b)
	return addr, nil
}

// NwkSKey parses the configured ABP network session key
func (c *Config) NwkSKey() (lorawan.AES128Key, error) {
	return lorawan.ParseAES128Key(c.Device.NwkSKey)
}

// AppSKey parses the configured ABP application session key
func (c *Config) AppSKey() (lorawan.AES128Key, error) {
	return lorawan.ParseAES128Key(c.Device.AppSKey)
}

func parseHex(s string, want int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != want {
		return nil, fmt.Errorf("expected %d bytes, got %d", want, len(b))
	}
	return b, nil
}
