package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codefionn/codehub/internal/consts"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CODEHUB_SERVER_ADDR.
const EnvPrefix = "CODEHUB"

// Config represents the complete hub configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Hub     HubConfig     `mapstructure:"hub"`
	Debug   DebugConfig   `mapstructure:"debug"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080"
	Addr string `mapstructure:"addr"`
	// ReadHeaderTimeout bounds how long a client may take to send upgrade headers
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	// MaxConnections limits concurrently attached workers and schedulers
	MaxConnections int `mapstructure:"max_connections"`
}

// StorageConfig locates the sqlite database
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	// DBPath defaults to <data_dir>/codehub.db
	DBPath string `mapstructure:"db_path"`
}

// EventsConfig controls where log_event payloads are written
type EventsConfig struct {
	// Dir defaults to <data_dir>/events
	Dir string `mapstructure:"dir"`
}

// LoggingConfig controls the process logger
type LoggingConfig struct {
	// Level is one of debug, info, warn, error, none
	Level string `mapstructure:"level"`
	// Path is a log file; empty logs to stderr
	Path string `mapstructure:"path"`
}

// AdminConfig guards the JSON admin API
type AdminConfig struct {
	// Token enables the admin API when non-empty
	Token string `mapstructure:"token"`
}

// HubConfig tunes the per-connection RPC transport
type HubConfig struct {
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxInflight    int           `mapstructure:"max_inflight"`
}

// DebugConfig holds process-level diagnostics
type DebugConfig struct {
	// PprofAddr serves /debug/pprof on a separate listener when non-empty
	PprofAddr string `mapstructure:"pprof_addr"`
	// CPUProfile is written for the lifetime of serve when non-empty
	CPUProfile string `mapstructure:"cpu_profile"`
	// PIDFile guards against two hubs sharing one data directory
	PIDFile string `mapstructure:"pid_file"`
}

// Default returns the built-in configuration
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: consts.Timeout10Seconds,
			MaxConnections:    consts.DefaultMaxConnections,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Hub: HubConfig{
			MaxMessageSize: consts.DefaultMaxMessageSize,
			PingInterval:   consts.DefaultPingInterval,
			PongWait:       consts.DefaultPongWait,
			WriteWait:      consts.DefaultWriteWait,
			MaxInflight:    consts.DefaultMaxInflight,
		},
	}
}

func defaultDataDir() string {
	if dir := strings.TrimSpace(os.Getenv("CODEHUB_ROOT")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".codehub"
	}
	return filepath.Join(home, ".codehub")
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.addr", defaults.Server.Addr)
	v.SetDefault("server.read_header_timeout", defaults.Server.ReadHeaderTimeout)
	v.SetDefault("server.max_connections", defaults.Server.MaxConnections)

	v.SetDefault("storage.data_dir", defaults.Storage.DataDir)
	v.SetDefault("storage.db_path", defaults.Storage.DBPath)

	v.SetDefault("events.dir", defaults.Events.Dir)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.path", defaults.Logging.Path)

	v.SetDefault("admin.token", defaults.Admin.Token)

	v.SetDefault("hub.max_message_size", defaults.Hub.MaxMessageSize)
	v.SetDefault("hub.ping_interval", defaults.Hub.PingInterval)
	v.SetDefault("hub.pong_wait", defaults.Hub.PongWait)
	v.SetDefault("hub.write_wait", defaults.Hub.WriteWait)
	v.SetDefault("hub.max_inflight", defaults.Hub.MaxInflight)

	v.SetDefault("debug.pprof_addr", defaults.Debug.PprofAddr)
	v.SetDefault("debug.cpu_profile", defaults.Debug.CPUProfile)
	v.SetDefault("debug.pid_file", defaults.Debug.PIDFile)
}

// NewViper builds a viper instance with defaults and CODEHUB_* environment
// overrides. When configFile is empty, config.{yaml,toml,json} is looked up in
// the working directory and the data directory; a missing file is not an error.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath(v.GetString("storage.data_dir"))
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return v, nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.applyDerivedPaths()

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Watch re-loads the configuration whenever the backing file changes and
// hands valid results to onChange. Invalid edits are reported through onError.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func (c *Config) applyDerivedPaths() {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = filepath.Join(c.Storage.DataDir, "codehub.db")
	}
	if c.Events.Dir == "" {
		c.Events.Dir = filepath.Join(c.Storage.DataDir, "events")
	}
}
