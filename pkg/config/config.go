// Package config loads node configuration from a YAML file, EDGEDASH_* environment
// variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/edgedash/pkg/scheduler"
)

const (
	EnvPrefix = "EDGEDASH"

	RoleMaster = "master"
	RoleWorker = "worker"

	TransportLAN    = "lan"
	TransportMemnet = "memnet"
)

var ErrInvalid = errors.New("invalid configuration")

type ReconnectConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Interval    time.Duration `mapstructure:"interval"`
}

type SimulationConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Delay   time.Duration `mapstructure:"delay"`
	// SourceDir holds the videos the simulated dash cam hands out
	SourceDir string `mapstructure:"source_dir"`
}

type AnalysisConfig struct {
	// Command is run per video with {input} and {output} substituted. Empty uses the
	// simulated analyser.
	Command string        `mapstructure:"command"`
	Delay   time.Duration `mapstructure:"delay"`
}

type IngestConfig struct {
	// Watch ingests videos that appear in the raw directory
	Watch bool `mapstructure:"watch"`
	// Settle is how long a new file must stay unchanged before it is ingested
	Settle time.Duration `mapstructure:"settle"`
}

type TransportConfig struct {
	Kind    string        `mapstructure:"kind"`
	UDPPort int           `mapstructure:"udp_port"`
	TCPPort int           `mapstructure:"tcp_port"`
	PeerTTL time.Duration `mapstructure:"peer_ttl"`
}

type APIConfig struct {
	Listen    string  `mapstructure:"listen"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
	// Token, when set, is required as a bearer token on every route but /health and /metrics
	Token   string `mapstructure:"token"`
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`
	// SelfSigned generates TLSCert and TLSKey when they do not exist
	SelfSigned bool `mapstructure:"self_signed"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
	File  string `mapstructure:"file"`
	// MaxSize in bytes before the log file is rotated; 0 never rotates
	MaxSize int64 `mapstructure:"max_size"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

type HistoryConfig struct {
	// Path of the SQLite history database; empty keeps history in memory
	Path string `mapstructure:"path"`
}

// Config is the complete node configuration
type Config struct {
	DeviceName          string           `mapstructure:"device_name"`
	Role                string           `mapstructure:"role"`
	DataDir             string           `mapstructure:"data_dir"`
	SchedulingAlgorithm string           `mapstructure:"scheduling_algorithm"`
	LocalProcessing     bool             `mapstructure:"local_processing"`
	RequeueOnDisconnect bool             `mapstructure:"requeue_on_disconnect"`
	AutoAccept          bool             `mapstructure:"auto_accept"`
	Reconnect           ReconnectConfig  `mapstructure:"reconnect"`
	CorrelationTTL      time.Duration    `mapstructure:"correlation_ttl"`
	DownloadDelay       time.Duration    `mapstructure:"download_delay"`
	Simulation          SimulationConfig `mapstructure:"simulation"`
	Analysis            AnalysisConfig   `mapstructure:"analysis"`
	Ingest              IngestConfig     `mapstructure:"ingest"`
	Transport           TransportConfig  `mapstructure:"transport"`
	API                 APIConfig        `mapstructure:"api"`
	Log                 LogConfig        `mapstructure:"log"`
	Tracing             TracingConfig    `mapstructure:"tracing"`
	History             HistoryConfig    `mapstructure:"history"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".edgedash"
	}
	return filepath.Join(home, ".edgedash")
}

// defaults lists every key; viper only unmarshals environment overrides for known keys
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"device_name":            "",
		"role":                   RoleMaster,
		"data_dir":               defaultDataDir(),
		"scheduling_algorithm":   string(scheduler.DefaultKey),
		"local_processing":       true,
		"requeue_on_disconnect":  true,
		"auto_accept":            true,
		"reconnect.enabled":      true,
		"reconnect.max_attempts": 10,
		"reconnect.interval":     5 * time.Second,
		"correlation_ttl":        10 * time.Minute,
		"download_delay":         5 * time.Second,
		"simulation.enabled":     false,
		"simulation.delay":       time.Duration(0),
		"simulation.source_dir":  "",
		"analysis.command":       "",
		"analysis.delay":         2 * time.Second,
		"ingest.watch":           true,
		"ingest.settle":          time.Second,
		"transport.kind":         TransportLAN,
		"transport.udp_port":     47800,
		"transport.tcp_port":     0,
		"transport.peer_ttl":     15 * time.Second,
		"api.listen":             "127.0.0.1:8686",
		"api.rate_limit":         20.0,
		"api.burst":              40,
		"api.token":              "",
		"api.tls_cert":           "",
		"api.tls_key":            "",
		"api.self_signed":        false,
		"log.level":              "info",
		"log.json":               false,
		"log.file":               "",
		"log.max_size":           int64(10 << 20),
		"tracing.enabled":        false,
		"tracing.endpoint":       "localhost:4318",
		"history.path":           "",
	}
}

// New returns a viper instance with defaults and environment binding applied
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, or config.yaml from the data directory when path is empty. A missing
// default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(v.GetString("data_dir"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return Decode(v)
}

// Decode unmarshals and validates the current viper state
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values viper cannot type-check
func (c *Config) Validate() error {
	if c.Role != RoleMaster && c.Role != RoleWorker {
		return fmt.Errorf("%w: role must be %q or %q, got %q", ErrInvalid, RoleMaster, RoleWorker, c.Role)
	}
	if _, err := scheduler.ParseKey(c.SchedulingAlgorithm); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Transport.Kind != TransportLAN && c.Transport.Kind != TransportMemnet {
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport.Kind)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "fatal":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Log.Level)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("%w: reconnect.max_attempts must not be negative", ErrInvalid)
	}
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalid)
	}
	if (c.API.TLSCert == "") != (c.API.TLSKey == "") {
		return fmt.Errorf("%w: api.tls_cert and api.tls_key must be set together", ErrInvalid)
	}
	return nil
}

// TLSFiles returns the certificate and key the status API serves with. Self-signed
// pairs default to <data_dir>/tls. ok is false when the API serves plain HTTP.
func (c *Config) TLSFiles() (cert, key string, ok bool) {
	switch {
	case c.API.TLSCert != "":
		return c.API.TLSCert, c.API.TLSKey, true
	case c.API.SelfSigned:
		dir := filepath.Join(c.DataDir, "tls")
		return filepath.Join(dir, "api.crt"), filepath.Join(dir, "api.key"), true
	}
	return "", "", false
}

// Policy returns the validated scheduling key
func (c *Config) Policy() scheduler.Key {
	k, err := scheduler.ParseKey(c.SchedulingAlgorithm)
	if err != nil {
		return scheduler.DefaultKey
	}
	return k
}

// Dirs used under DataDir
func (c *Config) RawDir() string      { return filepath.Join(c.DataDir, "raw") }
func (c *Config) IncomingDir() string { return filepath.Join(c.DataDir, "incoming") }
func (c *Config) ResultsDir() string  { return filepath.Join(c.DataDir, "results") }
func (c *Config) DownloadDir() string { return filepath.Join(c.DataDir, "downloads") }
func (c *Config) LogDir() string      { return filepath.Join(c.DataDir, "logs") }

// defaultDocument nests the defaults by section for the YAML file
func defaultDocument() map[string]interface{} {
	doc := make(map[string]interface{})
	for key, val := range defaults() {
		if d, ok := val.(time.Duration); ok {
			val = d.String()
		}
		parts := strings.SplitN(key, ".", 2)
		if len(parts) == 1 {
			doc[key] = val
			continue
		}
		section, ok := doc[parts[0]].(map[string]interface{})
		if !ok {
			section = make(map[string]interface{})
			doc[parts[0]] = section
		}
		section[parts[1]] = val
	}
	return doc
}

// WriteDefaults writes a config file holding every default. Existing files are kept
// unless force is set.
func WriteDefaults(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(defaultDocument()); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return enc.Close()
}
