package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	PublicURL  string        `mapstructure:"public_url"`

	DBPath string `mapstructure:"db_path"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	StalenessWindow   time.Duration `mapstructure:"staleness_window"`
	InitiatorPolicy   string        `mapstructure:"initiator_policy"`
	ICEServers        []string      `mapstructure:"ice_servers"`

	DailyCallLimit int           `mapstructure:"daily_call_limit"`
	EnvelopeTTL    time.Duration `mapstructure:"envelope_ttl"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`

	EnvelopeRateLimit    int           `mapstructure:"envelope_rate_limit"`
	EnvelopeRateInterval time.Duration `mapstructure:"envelope_rate_interval"`

	NotifyURL string `mapstructure:"notify_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("db_path", "huddle.db")
	v.SetDefault("heartbeat_interval", "30s")
	v.SetDefault("staleness_window", "60s")
	v.SetDefault("initiator_policy", "lower-id")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("daily_call_limit", 10)
	v.SetDefault("envelope_ttl", "10m")
	v.SetDefault("session_ttl", "24h")
	v.SetDefault("sweep_interval", "1m")
	v.SetDefault("envelope_rate_limit", 120)
	v.SetDefault("envelope_rate_interval", "10s")
}

// FileName is the config file selected by CONFIG_ENV, dev when unset.
func FileName() string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/config.%s.yaml", env)
}

func newViper(fileName string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func read(v *viper.Viper, fileName string) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("db", cfg.DBPath).
		Int("daily_call_limit", cfg.DailyCallLimit).
		Msg("config ready")
	return cfg, nil
}

func Load() (*Config, error) {
	return LoadFile(FileName())
}

func LoadFile(fileName string) (*Config, error) {
	return read(newViper(fileName), fileName)
}

// Watcher keeps the latest config of a watched file.
type Watcher struct {
	v  *viper.Viper
	mu sync.RWMutex
	c  *Config
}

func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.c
}

// Watch loads fileName and re-reads it on every change, calling onChange with
// the new config. A file that fails to parse keeps the previous config.
func Watch(fileName string, onChange func(*Config)) (*Watcher, error) {
	v := newViper(fileName)
	cfg, err := read(v, fileName)
	if err != nil {
		return nil, err
	}
	w := &Watcher{v: v, c: cfg}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("config reload failed")
			return
		}
		w.mu.Lock()
		w.c = next
		w.mu.Unlock()
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		if onChange != nil {
			onChange(next)
		}
	})
	v.WatchConfig()
	return w, nil
}
