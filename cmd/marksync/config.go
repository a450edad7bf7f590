package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/agentworkforce/marksync/internal/marksync"
)

// Config is the effective marksync configuration: defaults, then
// marksync.yaml, then MARKSYNC_* environment variables, then flags.
type Config struct {
	State  StateConfig     `mapstructure:"state" yaml:"state"`
	Host   HostConfig      `mapstructure:"host" yaml:"host"`
	Engine marksync.Config `mapstructure:"engine" yaml:"engine"`
	Server ServerConfig    `mapstructure:"server" yaml:"server"`
	Resync ResyncConfig    `mapstructure:"resync" yaml:"resync"`
	Mount  MountConfig     `mapstructure:"mount" yaml:"mount"`
	Log    LogConfig       `mapstructure:"log" yaml:"log"`
}

type StateConfig struct {
	// DSN wins over Profile when both are set.
	DSN           string `mapstructure:"dsn" yaml:"dsn"`
	Profile       string `mapstructure:"profile" yaml:"profile"`
	DataDir       string `mapstructure:"data_dir" yaml:"data_dir"`
	ProductionDSN string `mapstructure:"production_dsn" yaml:"production_dsn"`
}

type HostConfig struct {
	// Kind is file, bridge or memory. Empty runs local-only.
	Kind          string        `mapstructure:"kind" yaml:"kind"`
	BookmarksFile string        `mapstructure:"bookmarks_file" yaml:"bookmarks_file"`
	Debounce      time.Duration `mapstructure:"debounce" yaml:"debounce"`
	BridgeToken   string        `mapstructure:"bridge_token" yaml:"bridge_token"`
	BridgeOrigins []string      `mapstructure:"bridge_origins" yaml:"bridge_origins"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	RateLimitMax    int           `mapstructure:"rate_limit_max" yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window" yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type ResyncConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Jitter   float64       `mapstructure:"jitter" yaml:"jitter"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type MountConfig struct {
	CacheTimeout time.Duration `mapstructure:"cache_timeout" yaml:"cache_timeout"`
	AllowOther   bool          `mapstructure:"allow_other" yaml:"allow_other"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

const (
	hostFile   = "file"
	hostBridge = "bridge"
	hostMemory = "memory"
)

func setDefaults(v *viper.Viper) {
	engine := marksync.DefaultConfig()
	v.SetDefault("state.dsn", "")
	v.SetDefault("state.profile", "durable-local")
	v.SetDefault("state.data_dir", defaultDataDir())
	v.SetDefault("state.production_dsn", "")
	v.SetDefault("host.kind", hostFile)
	v.SetDefault("host.bookmarks_file", defaultBookmarksFile())
	v.SetDefault("host.bridge_token", "")
	v.SetDefault("host.debounce", 250*time.Millisecond)
	v.SetDefault("host.bridge_origins", []string{"chrome-extension://*"})
	v.SetDefault("engine.depth_ceiling", engine.DepthCeiling)
	v.SetDefault("engine.lock_single", engine.LockSingle)
	v.SetDefault("engine.lock_bulk", engine.LockBulk)
	v.SetDefault("engine.lock_per_item", engine.LockPerItem)
	v.SetDefault("engine.workspace_title", engine.WorkspaceTitle)
	v.SetDefault("engine.home_title", engine.HomeTitle)
	v.SetDefault("engine.bar_id", engine.BarID)
	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.rate_limit_max", 0)
	v.SetDefault("server.rate_limit_window", time.Minute)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("resync.interval", 5*time.Minute)
	v.SetDefault("resync.jitter", 0.2)
	v.SetDefault("resync.timeout", time.Minute)
	v.SetDefault("mount.cache_timeout", time.Second)
	v.SetDefault("mount.allow_other", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "marksync")
	}
	return ".marksync"
}

// defaultBookmarksFile is the Bookmarks file of Chrome's default profile.
func defaultBookmarksFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "google-chrome", "Default", "Bookmarks")
}

// loadConfig reads cfgFile, or marksync.yaml from the usual places when
// cfgFile is empty. A missing default file is not an error.
func loadConfig(v *viper.Viper, cfgFile string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix("MARKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("marksync")
		v.SetConfigType("yaml")
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
			v.AddConfigPath(filepath.Join(dir, "marksync"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "marksync"))
		}
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Host.Kind {
	case "", hostFile, hostBridge, hostMemory:
	default:
		return fmt.Errorf("unsupported host.kind %q (want file, bridge or memory)", c.Host.Kind)
	}
	if c.Resync.Jitter < 0 || c.Resync.Jitter > 1 {
		return fmt.Errorf("resync.jitter must be between 0 and 1, got %v", c.Resync.Jitter)
	}
	return nil
}
