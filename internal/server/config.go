package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/rfsurvey/internal/csvlog"
	"github.com/shaunagostinho/rfsurvey/internal/link"
	"github.com/shaunagostinho/rfsurvey/internal/queue"
	"github.com/shaunagostinho/rfsurvey/internal/sample"
	"github.com/shaunagostinho/rfsurvey/internal/survey"
	"github.com/shaunagostinho/rfsurvey/internal/telemetry"
	"github.com/shaunagostinho/rfsurvey/internal/transport"
)

const defaultConfigPath = "/etc/rfsurvey/config.yaml"

// Config holds all rfsurvey configuration.
type Config struct {
	mu sync.RWMutex

	// Vehicle link
	Link LinkConfig `yaml:"link" json:"link"`

	// Pipeline timing and queueing
	Survey SurveyConfig `yaml:"survey" json:"survey"`

	// Telemetry sources and staleness limits
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	GPS       GPSConfig       `yaml:"gps" json:"gps"`
	RF        RFConfig        `yaml:"rf" json:"rf"`

	// Sample log
	CSV csvlog.Config `yaml:"csv" json:"csv"`

	// Process log
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type LinkConfig struct {
	Master  string   `yaml:"master" json:"master"`                  // e.g. serial:/dev/ttyUSB0:57600
	Outputs []string `yaml:"outputs" json:"outputs"`                // secondary links, same syntax
	Tag     uint8    `yaml:"tag" json:"tag"`                        // DATA64 type byte
	Version int      `yaml:"mavlink_version" json:"mavlinkVersion"` // outgoing frames; 1 or 2
}

// Options returns the link settings shared by the master and every output.
func (l LinkConfig) Options() link.Options {
	return link.Options{Version: l.Version}
}

type SurveyConfig struct {
	IntervalMs    int    `yaml:"interval_ms" json:"intervalMs"` // between samples
	BackoffMs     int    `yaml:"backoff_ms" json:"backoffMs"`   // retry while telemetry is stale
	BoredomMs     int    `yaml:"boredom_ms" json:"boredomMs"`   // between advisories
	PollMs        int    `yaml:"poll_ms" json:"pollMs"`         // consumer queue wait
	QueueCapacity int    `yaml:"queue_capacity" json:"queueCapacity"`
	Overflow      string `yaml:"overflow" json:"overflow"` // "drop_oldest" or "drop_newest"
	Verbose       bool   `yaml:"verbose" json:"verbose"`
	CSV           bool   `yaml:"csv" json:"csv"` // log samples to csv.path
}

type TelemetryConfig struct {
	Source           string `yaml:"source" json:"source"` // "link", "gps" or "demo"
	PositionMaxAgeMs int    `yaml:"position_max_age_ms" json:"positionMaxAgeMs"`
	GPSMaxAgeMs      int    `yaml:"gps_max_age_ms" json:"gpsMaxAgeMs"`
	AttitudeMaxAgeMs int    `yaml:"attitude_max_age_ms" json:"attitudeMaxAgeMs"`
}

type GPSConfig struct {
	Type     string `yaml:"type" json:"type"`          // "nmea" or "demo" or "disabled"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyGPS
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	PollMs   int    `yaml:"poll_ms" json:"pollMs"`
}

type RFConfig struct {
	Type string `yaml:"type" json:"type"` // "demo"
	Seed int64  `yaml:"seed" json:"seed"`
}

type LoggingConfig struct {
	File       string `yaml:"file" json:"file"` // empty logs to stderr only
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMb"`
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	AuthSecret string `yaml:"auth_secret" json:"-"` // HS256 key; empty disables auth
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			Master:  "udpin:0.0.0.0:14550",
			Tag:     transport.DefaultTag,
			Version: 1,
		},
		Survey: SurveyConfig{
			IntervalMs:    int(survey.DefaultInterval / time.Millisecond),
			BackoffMs:     int(survey.DefaultBackoff / time.Millisecond),
			BoredomMs:     int(survey.DefaultBoredom / time.Millisecond),
			PollMs:        int(survey.DefaultPoll / time.Millisecond),
			QueueCapacity: queue.DefaultCapacity,
			Overflow:      string(queue.DropOldest),
			Verbose:       false,
			CSV:           true,
		},
		Telemetry: TelemetryConfig{
			Source:           "link",
			PositionMaxAgeMs: 1000,
			GPSMaxAgeMs:      1000,
			AttitudeMaxAgeMs: 1000,
		},
		GPS: GPSConfig{
			Type:     "disabled",
			PortPath: "/dev/ttyGPS",
			BaudRate: 9600,
			PollMs:   200,
		},
		RF: RFConfig{
			Type: "demo",
			Seed: 1,
		},
		CSV: csvlog.Config{
			Path:     "/var/log/rfsurvey",
			Channels: append([]string(nil), csvlog.DefaultChannels...),
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Server: ServerConfig{
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
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: RFSURVEY_MASTER, RFSURVEY_OUTPUTS, RFSURVEY_TAG,
// RFSURVEY_MAVLINK_VERSION, RFSURVEY_INTERVAL_MS, GPS_TYPE, GPS_PORT, GPS_BAUD, CSV_ENABLED, CSV_PATH,
// LISTEN_ADDR, LOG_FILE, RFSURVEY_AUTH_SECRET
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("RFSURVEY_MASTER"); v != "" {
		c.Link.Master = v
	}
	if v := os.Getenv("RFSURVEY_OUTPUTS"); v != "" {
		c.Link.Outputs = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.Link.Outputs = append(c.Link.Outputs, o)
			}
		}
	}
	if v := os.Getenv("RFSURVEY_TAG"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 8); err == nil {
			c.Link.Tag = uint8(n)
		}
	}
	if v := os.Getenv("RFSURVEY_MAVLINK_VERSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && (n == 1 || n == 2) {
			c.Link.Version = n
		}
	}
	if v := os.Getenv("RFSURVEY_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Survey.IntervalMs = n
		}
	}
	if v := os.Getenv("GPS_TYPE"); v != "" {
		c.GPS.Type = v
	}
	if v := os.Getenv("GPS_PORT"); v != "" {
		c.GPS.PortPath = v
	}
	if v := os.Getenv("GPS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.GPS.BaudRate = n
		}
	}
	if v := os.Getenv("CSV_ENABLED"); v != "" {
		c.Survey.CSV = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("CSV_PATH"); v != "" {
		c.CSV.Path = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("RFSURVEY_AUTH_SECRET"); v != "" {
		c.Server.AuthSecret = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = defaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API. The auth secret is never included.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
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

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Thresholds returns the telemetry staleness limits.
func (c *Config) Thresholds() telemetry.Thresholds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return telemetry.Thresholds{
		Position:   ms(c.Telemetry.PositionMaxAgeMs),
		GPSQuality: ms(c.Telemetry.GPSMaxAgeMs),
		Attitude:   ms(c.Telemetry.AttitudeMaxAgeMs),
	}
}

// PipelineOptions fills the timing and settings part of survey.Options.
func (c *Config) PipelineOptions() survey.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return survey.Options{
		Interval: ms(c.Survey.IntervalMs),
		Backoff:  ms(c.Survey.BackoffMs),
		Boredom:  ms(c.Survey.BoredomMs),
		Poll:     ms(c.Survey.PollMs),
		Settings: survey.Settings{Verbose: c.Survey.Verbose, CSV: c.Survey.CSV},
	}
}

// NewQueue builds the receive queue. An unknown overflow policy falls back
// to dropping the oldest sample.
func (c *Config) NewQueue() *queue.Queue[sample.Record] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	overflow, err := queue.ParseOverflow(c.Survey.Overflow)
	if err != nil {
		log.Printf("[config] %v, using %s", err, queue.DropOldest)
		overflow = queue.DropOldest
	}
	return queue.New[sample.Record](c.Survey.QueueCapacity, overflow)
}
