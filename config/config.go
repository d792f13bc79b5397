package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bus     BusConfig     `json:"bus" yaml:"bus"`
	Room    RoomConfig    `json:"room" yaml:"room"`
	Logging LogConfig     `json:"logging" yaml:"logging"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	API     APIConfig     `json:"api" yaml:"api"`
}

type BusConfig struct {
	Transport   string `json:"transport" yaml:"transport"` // amqp, nats, mqtt or memory
	URL         string `json:"url" yaml:"url"`             // overrides host/port when set
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	VirtualHost string `json:"virtualHost" yaml:"virtualHost"`
	ClientID    string `json:"clientId" yaml:"clientId"`
	Exchange    string `json:"exchange" yaml:"exchange"`

	ConnectTimeout   string `json:"connectTimeout" yaml:"connectTimeout"`     // Duration string
	OperationTimeout string `json:"operationTimeout" yaml:"operationTimeout"` // Duration string

	SessionPerSubscriber bool `json:"sessionPerSubscriber" yaml:"sessionPerSubscriber"`
	PublisherConfirms    bool `json:"publisherConfirms" yaml:"publisherConfirms"`

	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`

	TLS struct {
		Enable   bool   `json:"enable" yaml:"enable"`
		CertFile string `json:"certFile" yaml:"certFile"`
		KeyFile  string `json:"keyFile" yaml:"keyFile"`
		CAFile   string `json:"caFile" yaml:"caFile"`
	} `json:"tls" yaml:"tls"`
}

type ReconnectConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Interval string `json:"interval" yaml:"interval"` // Duration string
}

// RoomConfig is the room topology: what can be routed where
type RoomConfig struct {
	Sources      []SourceItem      `json:"sources" yaml:"sources"`
	Destinations []DestinationItem `json:"destinations" yaml:"destinations"`
	Touchpanels  []TouchpanelItem  `json:"touchpanels" yaml:"touchpanels"`
	Nvx          []NvxItem         `json:"nvx" yaml:"nvx"`
	LastUpdate   string            `json:"lastUpdate,omitempty" yaml:"lastUpdate,omitempty"`
}

type SourceItem struct {
	ID       int    `json:"id" yaml:"id"`
	Type     string `json:"type" yaml:"type"`
	Label    string `json:"label" yaml:"label"`
	Icon     uint16 `json:"icon" yaml:"icon"`
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"` // nvx name transmitting this source
}

type DestinationItem struct {
	ID    int    `json:"id" yaml:"id"`
	Type  string `json:"type" yaml:"type"`
	Label string `json:"label" yaml:"label"`
	Icon  uint16 `json:"icon" yaml:"icon"`
}

type TouchpanelItem struct {
	ID    uint32 `json:"id" yaml:"id"`
	Type  string `json:"type" yaml:"type"`
	Label string `json:"label" yaml:"label"`
}

// NvxItem is one managed streaming endpoint
type NvxItem struct {
	Type        string `json:"type" yaml:"type"`
	ID          uint32 `json:"id" yaml:"id"` // IPID
	Name        string `json:"name" yaml:"name"`
	Multicast   string `json:"multicast" yaml:"multicast"`
	Destination int    `json:"destination,omitempty" yaml:"destination,omitempty"` // 0 = transmitter only
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`           // debug, info, warn, error
	OutputPath string `json:"outputPath" yaml:"outputPath"` // file path, "stdout" or "stderr"
	Encoding   string `json:"encoding" yaml:"encoding"`     // json or console
	MaxSize    int    `json:"maxSize" yaml:"maxSize"`       // megabytes, file output only
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAge     int    `json:"maxAge" yaml:"maxAge"` // days
	Compress   bool   `json:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"` // Duration string
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

const DefaultExchange = "nvxroute"

// Load reads and parses the configuration file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	// Validate the configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults fills every unset field with its default value
func (c *Config) SetDefaults() {
	// Set defaults for the bus
	if c.Bus.Transport == "" {
		c.Bus.Transport = "amqp"
	}
	if c.Bus.Host == "" {
		c.Bus.Host = "localhost"
	}
	if c.Bus.Port == 0 {
		c.Bus.Port = defaultPort(c.Bus.Transport)
	}
	if c.Bus.VirtualHost == "" {
		c.Bus.VirtualHost = "/"
	}
	if c.Bus.Exchange == "" {
		c.Bus.Exchange = DefaultExchange
	}
	if c.Bus.ConnectTimeout == "" {
		c.Bus.ConnectTimeout = "10s"
	}
	if c.Bus.OperationTimeout == "" {
		c.Bus.OperationTimeout = "5s"
	}
	if c.Bus.Reconnect.Interval == "" {
		c.Bus.Reconnect.Interval = "5s"
	}
	if c.Bus.Transport == "amqp" && c.Bus.Username == "" {
		c.Bus.Username = "guest"
		c.Bus.Password = "guest"
	}

	// Set defaults for logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	if c.Logging.MaxSize <= 0 {
		c.Logging.MaxSize = 100
	}

	// Set defaults for metrics
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == "" {
		c.Metrics.UpdateInterval = "15s"
	}

	// Set defaults for the control API
	if c.API.Address == "" {
		c.API.Address = ":8080"
	}
}

func defaultPort(transport string) int {
	switch transport {
	case "nats":
		return 4222
	case "mqtt":
		return 1883
	case "memory":
		return 0
	default:
		return 5672
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate bus config
	switch cfg.Bus.Transport {
	case "amqp", "nats", "mqtt", "memory":
	default:
		return fmt.Errorf("invalid bus transport: %s", cfg.Bus.Transport)
	}

	if cfg.Bus.Transport != "memory" && cfg.Bus.URL == "" && cfg.Bus.Host == "" {
		return fmt.Errorf("bus host or url is required")
	}

	if cfg.Bus.Port < 0 || cfg.Bus.Port > 65535 {
		return fmt.Errorf("invalid bus port: %d", cfg.Bus.Port)
	}

	for name, value := range map[string]string{
		"connect timeout":    cfg.Bus.ConnectTimeout,
		"operation timeout":  cfg.Bus.OperationTimeout,
		"reconnect interval": cfg.Bus.Reconnect.Interval,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid bus %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("bus %s must be positive", name)
		}
	}

	// Validate TLS config if enabled
	if cfg.Bus.TLS.Enable {
		if cfg.Bus.TLS.CertFile == "" {
			return fmt.Errorf("tls cert file is required when tls is enabled")
		}
		if cfg.Bus.TLS.KeyFile == "" {
			return fmt.Errorf("tls key file is required when tls is enabled")
		}
		if cfg.Bus.TLS.CAFile == "" {
			return fmt.Errorf("tls ca file is required when tls is enabled")
		}
	}

	if err := validateRoom(&cfg.Room); err != nil {
		return err
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("metrics path must start with /")
		}
	}

	return nil
}

// validateRoom checks the topology for duplicate ids and dangling references
func validateRoom(room *RoomConfig) error {
	sources := make(map[int]struct{}, len(room.Sources))
	for _, s := range room.Sources {
		if _, dup := sources[s.ID]; dup {
			return fmt.Errorf("duplicate source id: %d", s.ID)
		}
		sources[s.ID] = struct{}{}
	}

	destinations := make(map[int]struct{}, len(room.Destinations))
	for _, d := range room.Destinations {
		if _, dup := destinations[d.ID]; dup {
			return fmt.Errorf("duplicate destination id: %d", d.ID)
		}
		destinations[d.ID] = struct{}{}
	}

	names := make(map[string]struct{}, len(room.Nvx))
	for _, n := range room.Nvx {
		if n.Name == "" {
			return fmt.Errorf("nvx endpoint %d has no name", n.ID)
		}
		if n.Type == "" {
			return fmt.Errorf("nvx endpoint %s has no type", n.Name)
		}
		if _, dup := names[n.Name]; dup {
			return fmt.Errorf("duplicate nvx endpoint name: %s", n.Name)
		}
		names[n.Name] = struct{}{}

		if n.Destination != 0 && len(destinations) > 0 {
			if _, ok := destinations[n.Destination]; !ok {
				return fmt.Errorf("nvx endpoint %s references unknown destination %d", n.Name, n.Destination)
			}
		}
	}

	for _, s := range room.Sources {
		if s.Endpoint == "" {
			continue
		}
		if _, ok := names[s.Endpoint]; !ok {
			return fmt.Errorf("source %d references unknown nvx endpoint %s", s.ID, s.Endpoint)
		}
	}

	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(transport, busURL, exchange, metricsAddr, apiAddr string, metricsInterval time.Duration) {
	if transport != "" && transport != c.Bus.Transport {
		if c.Bus.Port == defaultPort(c.Bus.Transport) {
			c.Bus.Port = defaultPort(transport)
		}
		c.Bus.Transport = transport
	}
	if busURL != "" {
		c.Bus.URL = busURL
	}
	if exchange != "" {
		c.Bus.Exchange = exchange
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if apiAddr != "" {
		c.API.Address = apiAddr
	}
	if metricsInterval > 0 {
		c.Metrics.UpdateInterval = metricsInterval.String()
	}
}

// Validate re-runs validation, for use after ApplyOverrides
func (c *Config) Validate() error {
	return validateConfig(c)
}

// ConnectTimeoutDuration returns the parsed bus connect timeout
func (b *BusConfig) ConnectTimeoutDuration() time.Duration {
	return parseDurationOr(b.ConnectTimeout, 10*time.Second)
}

// OperationTimeoutDuration returns the parsed bus control-plane timeout
func (b *BusConfig) OperationTimeoutDuration() time.Duration {
	return parseDurationOr(b.OperationTimeout, 5*time.Second)
}

// IntervalDuration returns the parsed reconnect interval
func (r *ReconnectConfig) IntervalDuration() time.Duration {
	return parseDurationOr(r.Interval, 5*time.Second)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SourceByID returns the source with the given id
func (r *RoomConfig) SourceByID(id int) (SourceItem, bool) {
	for _, s := range r.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return SourceItem{}, false
}

// HasDestination reports whether the topology lists a destination id
func (r *RoomConfig) HasDestination(id int) bool {
	for _, d := range r.Destinations {
		if d.ID == id {
			return true
		}
	}
	return false
}
