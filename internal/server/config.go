package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phuslu/log"
	"gopkg.in/yaml.v3"
)

var configLog = func() log.Logger {
	l := log.DefaultLogger
	l.Context = log.NewContext(nil).Str("module", "config").Value()
	return l
}()

// Config holds all agent configuration. It is safe for concurrent use; the
// embedded Settings must only be read through the accessors once the agent
// is running.
type Config struct {
	mu       sync.RWMutex
	Settings `yaml:",inline"`

	path string // file path for save/load
}

// Settings is the persisted configuration document.
type Settings struct {
	DeviceID string `yaml:"device_id" json:"deviceId" validate:"required,max=64"`

	Server      CollectorConfig   `yaml:"server" json:"server"`
	Tracking    TrackingConfig    `yaml:"tracking" json:"tracking"`
	GPS         SerialConfig      `yaml:"gps" json:"gps"`
	Cell        SerialConfig      `yaml:"cell" json:"cell"`
	Geolocation GeolocationConfig `yaml:"geolocation" json:"geolocation"`
	Queue       QueueConfig       `yaml:"queue" json:"queue"`
	Network     NetworkConfig     `yaml:"network" json:"network"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Status      StatusConfig      `yaml:"status" json:"status"`
}

// CollectorConfig describes the OsmAnd collector positions are sent to.
type CollectorConfig struct {
	URL      string        `yaml:"url" json:"url" validate:"required,url"`
	TimeoutS int           `yaml:"timeout_s" json:"timeoutS" validate:"gte=1,lte=300"`
	Params   CollectorKeys `yaml:"params" json:"params"`
}

// CollectorKeys renames the query parameters; empty means the default.
type CollectorKeys struct {
	ID        string `yaml:"id,omitempty" json:"id,omitempty"`
	Timestamp string `yaml:"timestamp,omitempty" json:"timestamp,omitempty"`
	Lat       string `yaml:"lat,omitempty" json:"lat,omitempty"`
	Lon       string `yaml:"lon,omitempty" json:"lon,omitempty"`
	Speed     string `yaml:"speed,omitempty" json:"speed,omitempty"`
	Bearing   string `yaml:"bearing,omitempty" json:"bearing,omitempty"`
	Altitude  string `yaml:"altitude,omitempty" json:"altitude,omitempty"`
	Accuracy  string `yaml:"accuracy,omitempty" json:"accuracy,omitempty"`
}

type TrackingConfig struct {
	Provider       string `yaml:"provider" json:"provider" validate:"oneof=gps hybrid cell"`
	IntervalS      int    `yaml:"interval_s" json:"intervalS" validate:"gte=1"`
	FixTimeoutS    int    `yaml:"fix_timeout_s" json:"fixTimeoutS" validate:"gte=1"`
	RetryDelayS    int    `yaml:"retry_delay_s" json:"retryDelayS" validate:"gte=1"`
	CoalesceForced bool   `yaml:"coalesce_forced" json:"coalesceForced"`
}

// SerialConfig configures a serial device. Type is "nmea"/"modem" for real
// hardware or "demo" for the simulator.
type SerialConfig struct {
	Type     string `yaml:"type" json:"type" validate:"oneof=nmea modem demo"`
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate int    `yaml:"baud_rate" json:"baudRate" validate:"gte=0"`
}

type GeolocationConfig struct {
	URL      string `yaml:"url" json:"url" validate:"required,url"`
	APIKey   string `yaml:"api_key" json:"apiKey"`
	TimeoutS int    `yaml:"timeout_s" json:"timeoutS" validate:"gte=1,lte=300"`
}

type QueueConfig struct {
	Driver string `yaml:"driver" json:"driver" validate:"oneof=bolt postgres memory"`
	Path   string `yaml:"path" json:"path"`
	DSN    string `yaml:"dsn" json:"dsn"`
}

type NetworkConfig struct {
	ProbeAddr string `yaml:"probe_addr" json:"probeAddr"` // host:port, default from server.url
	PollS     int    `yaml:"poll_s" json:"pollS" validate:"gte=1"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" json:"level" validate:"oneof=trace debug info warn error"`
	Journal     bool   `yaml:"journal" json:"journal"`
	JournalPath string `yaml:"journal_path" json:"journalPath"`
}

type StatusConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{Settings: defaultSettings()}
}

func defaultSettings() Settings {
	return Settings{
		Server: CollectorConfig{
			URL:      "http://demo.traccar.org:5055",
			TimeoutS: 15,
		},
		Tracking: TrackingConfig{
			Provider:    "hybrid",
			IntervalS:   300,
			FixTimeoutS: 30,
			RetryDelayS: 30,
		},
		GPS: SerialConfig{
			Type:     "demo",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
		},
		Cell: SerialConfig{
			Type:     "demo",
			PortPath: "/dev/ttyUSB2",
			BaudRate: 115200,
		},
		Geolocation: GeolocationConfig{
			URL:      "https://opencellid.org/cell/get",
			TimeoutS: 15,
		},
		Queue: QueueConfig{
			Driver: "bolt",
			Path:   "/var/lib/trackagent/queue.db",
		},
		Network: NetworkConfig{
			PollS: 10,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Journal:     false,
			JournalPath: "/var/log/trackagent",
		},
		Status: StatusConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		configLog.Info().Str("path", path).Msg("no config file, using defaults")
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		configLog.Error().Err(err).Str("path", path).Msg("parse failed, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		configLog.Info().Str("path", path).Msg("loaded")
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	configLog.Info().Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// Strip surrounding quotes
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_ID, SERVER_URL, TRACK_INTERVAL, TRACK_PROVIDER, GPS_TYPE,
// GPS_PORT, GPS_BAUD, CELL_TYPE, CELL_PORT, OPENCELLID_KEY, QUEUE_DRIVER,
// QUEUE_PATH, QUEUE_DSN, LOG_LEVEL, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("DEVICE_ID", &c.Settings.DeviceID)
	str("SERVER_URL", &c.Server.URL)
	num("TRACK_INTERVAL", &c.Tracking.IntervalS)
	str("TRACK_PROVIDER", &c.Tracking.Provider)
	str("GPS_TYPE", &c.GPS.Type)
	str("GPS_PORT", &c.GPS.PortPath)
	num("GPS_BAUD", &c.GPS.BaudRate)
	str("CELL_TYPE", &c.Cell.Type)
	str("CELL_PORT", &c.Cell.PortPath)
	str("OPENCELLID_KEY", &c.Geolocation.APIKey)
	str("QUEUE_DRIVER", &c.Queue.Driver)
	str("QUEUE_PATH", &c.Queue.Path)
	str("QUEUE_DSN", &c.Queue.DSN)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LISTEN_ADDR", &c.Status.ListenAddr)
}

// EnsureDeviceID generates a device id if none is configured and reports
// whether it did.
func (c *Config) EnsureDeviceID() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Settings.DeviceID != "" {
		return false, nil
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return false, fmt.Errorf("generate device id: %w", err)
	}
	c.Settings.DeviceID = id.String()
	configLog.Info().Str("device_id", c.Settings.DeviceID).Msg("generated device id")
	return true, nil
}

var validate = validator.New()

// Validate checks the current settings.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Settings.validate()
}

func (s *Settings) validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if s.GPS.Type == "modem" {
		return errors.New("invalid config: gps.type must be nmea or demo")
	}
	if s.Cell.Type == "nmea" {
		return errors.New("invalid config: cell.type must be modem or demo")
	}
	if s.Queue.Driver == "postgres" && s.Queue.DSN == "" {
		return errors.New("invalid config: queue.dsn is required for the postgres driver")
	}
	return nil
}

// DeviceID returns the configured device identifier.
func (c *Config) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Settings.DeviceID
}

// Snapshot returns a copy of the current settings.
func (c *Config) Snapshot() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Settings
}

func (c *Config) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Tracking.IntervalS) * time.Second
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = "/etc/trackagent/config.yaml"
	}

	data, err := yaml.Marshal(&c.Settings)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(&c.Settings)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. The update is rejected as a whole if the
// result does not validate.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(&c.Settings)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal into a candidate
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next Settings
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := next.validate(); err != nil {
		return err
	}
	c.Settings = next
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
