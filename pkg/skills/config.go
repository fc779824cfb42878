package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tao3k/omni-devenv-fusion-sub000/pkg/logger"
)

// Config holds the runtime settings read from the "skills" config section
type Config struct {
	Dir               string        `mapstructure:"dir"`
	IndexFile         string        `mapstructure:"index_file"`
	TTL               time.Duration `mapstructure:"ttl"`
	MaxLoaded         int           `mapstructure:"max_loaded"`
	Pinned            []string      `mapstructure:"pinned"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ResultCacheSize   int           `mapstructure:"result_cache_size"`
	Debounce          time.Duration `mapstructure:"debounce"`
	SubprocessTimeout time.Duration `mapstructure:"subprocess_timeout"`
	Preload           bool          `mapstructure:"preload"`
	Watch             bool          `mapstructure:"watch"`
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Dir:               filepath.Join(".omni", "skills"),
		TTL:               30 * time.Minute,
		MaxLoaded:         15,
		SweepInterval:     time.Minute,
		ResultCacheSize:   defaultResultCacheSize,
		Debounce:          DefaultDebounce,
		SubprocessTimeout: defaultSubprocessTimeout,
		Preload:           true,
	}
}

// LoadConfigFromViper reads the "skills" section on top of the defaults. A
// section that fails to decode is ignored with a warning.
func LoadConfigFromViper() Config {
	cfg := DefaultConfig()

	if viper.IsSet("skills") {
		if err := viper.UnmarshalKey("skills", &cfg); err != nil {
			logger.G(context.Background()).WithError(err).Warn("failed to load skills config, using defaults")
			cfg = DefaultConfig()
		}
	}

	cfg.Dir = expandHomePath(cfg.Dir)
	cfg.IndexFile = expandHomePath(cfg.IndexFile)
	return cfg
}

func expandHomePath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
