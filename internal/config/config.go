// Package config loads configuration from defaults, an optional TOML file and
// CELLBRIDGE_* environment variables.
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

// Config holds all server and session configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
	Local  LocalConfig  `mapstructure:"local"`
	Remote RemoteConfig `mapstructure:"remote"`
	Bridge BridgeConfig `mapstructure:"bridge"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Engine EngineConfig `mapstructure:"engine"`
	Auth   AuthConfig   `mapstructure:"auth"`
}

type ServerConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// LocalConfig configures the durable local device.
type LocalConfig struct {
	RootPath    string        `mapstructure:"root_path"`
	InMemory    bool          `mapstructure:"in_memory"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// RemoteConfig configures the S3-compatible remote device.
type RemoteConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Endpoint     string `mapstructure:"endpoint"`
	Bucket       string `mapstructure:"bucket"`
	Prefix       string `mapstructure:"prefix"`
	Region       string `mapstructure:"region"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	Mount        string `mapstructure:"mount"`
}

type BridgeConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	BufferSize int           `mapstructure:"buffer_size"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type CacheConfig struct {
	Dir     string `mapstructure:"dir"`
	MaxSize int64  `mapstructure:"max_size"`
}

type EngineConfig struct {
	RowCap        int `mapstructure:"row_cap"`
	MemoryLimitMB int `mapstructure:"memory_limit_mb"`
	DisplayWidth  int `mapstructure:"display_width"`
	FigureWidth   int `mapstructure:"figure_width"`
	FigureHeight  int `mapstructure:"figure_height"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "")

	v.SetDefault("local.root_path", "./notebook-data")
	v.SetDefault("local.in_memory", false)
	v.SetDefault("local.idle_timeout", 2*time.Second)
	v.SetDefault("local.lock_timeout", 5*time.Second)

	v.SetDefault("remote.enabled", false)
	v.SetDefault("remote.endpoint", "")
	v.SetDefault("remote.bucket", "")
	v.SetDefault("remote.prefix", "")
	v.SetDefault("remote.region", "us-east-1")
	v.SetDefault("remote.access_key", "")
	v.SetDefault("remote.secret_key", "")
	v.SetDefault("remote.use_path_style", true)
	v.SetDefault("remote.mount", "remote")

	v.SetDefault("bridge.enabled", true)
	v.SetDefault("bridge.buffer_size", 4<<20)
	v.SetDefault("bridge.timeout", 30*time.Second)

	v.SetDefault("cache.dir", "")
	v.SetDefault("cache.max_size", int64(512<<20))

	v.SetDefault("engine.row_cap", 500)
	v.SetDefault("engine.memory_limit_mb", 256)
	v.SetDefault("engine.display_width", 100)
	v.SetDefault("engine.figure_width", 640)
	v.SetDefault("engine.figure_height", 400)

	v.SetDefault("auth.jwt_secret", "")
}

// Default returns the configuration with every default applied and no file
// or environment overrides.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load reads configuration. An empty configPath searches for cellbridge.toml in
// the working directory and $HOME/.config/cellbridge; a missing file is fine.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("cellbridge")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "cellbridge"))
		}
	}

	v.SetEnvPrefix("CELLBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations no session could run with.
func (c *Config) Validate() error {
	if c.Remote.Enabled && c.Remote.Bucket == "" {
		return fmt.Errorf("remote.bucket is required when remote.enabled is set")
	}
	if c.Engine.RowCap <= 0 {
		return fmt.Errorf("engine.row_cap must be positive, got %d", c.Engine.RowCap)
	}
	if c.Local.IdleTimeout <= 0 {
		return fmt.Errorf("local.idle_timeout must be positive")
	}
	if !c.Local.InMemory && c.Local.RootPath == "" {
		return fmt.Errorf("local.root_path is required unless local.in_memory is set")
	}
	if c.Remote.Enabled && strings.Trim(c.Remote.Mount, "/") == "" {
		return fmt.Errorf("remote.mount must name a subdirectory")
	}
	return nil
}
