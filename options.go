package mitmcache

import (
	"errors"
	"fmt"
	"sync"

	cachekey "github.com/always-cache/mitm-cache/pkg/cache-key"
	"github.com/always-cache/mitm-cache/storage"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Option keys, as used in config files and passed to Configure.
const (
	OptionCacheKey        = "cache_key"
	OptionCacheFromOrigin = "cache_from_origin"
	OptionCacheFile       = "cache_file"
	OptionCacheStatusName = "cache_status_name"
	OptionUpstream        = "upstream"
)

// EnvPrefix prefixes environment variables overriding options, e.g. MITMCACHE_CACHE_FILE.
const EnvPrefix = "MITMCACHE"

// Options is the option surface of the cache addon.
type Options struct {
	// Header used to supply and propagate the cache key.
	CacheKey string `mapstructure:"cache_key"`
	// Response header telling the client whether the response came from the origin.
	CacheFromOrigin string `mapstructure:"cache_from_origin"`
	// Storage backend selection, see storage.Create.
	CacheFile string `mapstructure:"cache_file"`
	// Cache name reported in the Cache-Status header.
	CacheStatusName string `mapstructure:"cache_status_name"`
	// Origin for reverse proxy mode. Empty means forward proxy mode.
	Upstream string `mapstructure:"upstream"`
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		CacheKey:        cachekey.DefaultHeader,
		CacheFromOrigin: "Mitm-Cache-From-Origin",
		CacheFile:       storage.MemoryBackend,
		CacheStatusName: "mitm-cache",
	}
}

// Changed returns the keys of the options that differ between o and other.
func (o Options) Changed(other Options) []string {
	changed := make([]string, 0)
	if o.CacheKey != other.CacheKey {
		changed = append(changed, OptionCacheKey)
	}
	if o.CacheFromOrigin != other.CacheFromOrigin {
		changed = append(changed, OptionCacheFromOrigin)
	}
	if o.CacheFile != other.CacheFile {
		changed = append(changed, OptionCacheFile)
	}
	if o.CacheStatusName != other.CacheStatusName {
		changed = append(changed, OptionCacheStatusName)
	}
	if o.Upstream != other.Upstream {
		changed = append(changed, OptionUpstream)
	}
	return changed
}

// NewViper returns a viper instance with option defaults and environment overrides set up.
// If configPath is empty, a mitm-cache.yaml in the working directory is used when present.
func NewViper(configPath string) *viper.Viper {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("mitm-cache")
		v.SetConfigType("yaml")
	}

	defaults := DefaultOptions()
	v.SetDefault(OptionCacheKey, defaults.CacheKey)
	v.SetDefault(OptionCacheFromOrigin, defaults.CacheFromOrigin)
	v.SetDefault(OptionCacheFile, defaults.CacheFile)
	v.SetDefault(OptionCacheStatusName, defaults.CacheStatusName)
	v.SetDefault(OptionUpstream, defaults.Upstream)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

// LoadOptions reads options from defaults, the config file and the environment.
// A missing config file is only an error if its path was given explicitly.
func LoadOptions(v *viper.Viper) (Options, error) {
	var opts Options
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return opts, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&opts); err != nil {
		return opts, fmt.Errorf("decode config: %w", err)
	}
	return opts, nil
}

// WatchOptions reloads the options whenever the config file changes
// and calls onChange with the new options and the keys that changed.
// Reloads that change nothing are not reported.
func WatchOptions(v *viper.Viper, current Options, onChange func(Options, []string)) {
	var mu sync.Mutex
	v.OnConfigChange(func(e fsnotify.Event) {
		mu.Lock()
		defer mu.Unlock()
		var next Options
		if err := v.Unmarshal(&next); err != nil {
			log.Error().Err(err).Str("file", e.Name).Msg("Could not reload options")
			return
		}
		changed := next.Changed(current)
		if len(changed) == 0 {
			return
		}
		log.Info().Str("file", e.Name).Strs("changed", changed).Msg("Options changed")
		current = next
		onChange(next, changed)
	})
	v.WatchConfig()
}
