package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/shubhamb0439-gif/crm-admin/pkg/console"
)

// EnvPrefix prefixes the environment variables that override any setting,
// e.g. CRM_LISTEN or CRM_RECONNECT_DELAY.
const EnvPrefix = "CRM"

// envFiles are loaded in order; variables already set are kept, so
// .env.local can only add to .env and the real environment wins over both.
var envFiles = []string{
	".env.local",
	".env",
}

// backendEnv lists, per key, the variables holding the backend settings as
// the web console names them. The first one set wins.
var backendEnv = map[string][]string{
	"url":      {"CRM_URL", "SUPABASE_URL", "VITE_SUPABASE_URL"},
	"anon_key": {"CRM_ANON_KEY", "SUPABASE_ANON_KEY", "VITE_SUPABASE_ANON_KEY"},
	"email":    {"CRM_EMAIL", "CRM_ADMIN_EMAIL"},
	"password": {"CRM_PASSWORD", "CRM_ADMIN_PASSWORD"},
}

// Logging settings, next to the service settings.
type LogConfig struct {
	Level  string `mapstructure:"log_level"`
	Format string `mapstructure:"log_format"`
	File   string `mapstructure:"log_file"`
}

// loadEnvFiles loads the .env files found in dir.
func loadEnvFiles(dir string) []string {
	var loaded []string
	for _, name := range envFiles {
		path := name
		if dir != "" {
			path = strings.TrimRight(dir, "/") + "/" + name
		}
		if err := godotenv.Load(path); err == nil {
			loaded = append(loaded, path)
		}
	}
	return loaded
}

// newViper returns a viper instance with the defaults of every setting and
// the environment bound.
func newViper() *viper.Viper {
	v := viper.New()

	d := console.Defaults()
	v.SetDefault("listen", d.ListenAddr)
	v.SetDefault("resources", d.Resources)
	v.SetDefault("schema", d.Schema)
	v.SetDefault("policy", d.Policy)
	v.SetDefault("reconnect_delay", d.ReconnectDelay)
	v.SetDefault("max_delay", d.MaxDelay)
	v.SetDefault("keepalive_interval", d.KeepAliveInterval)
	v.SetDefault("keepalive_timeout", d.KeepAliveTimeout)
	v.SetDefault("stale_time", d.StaleTime)
	v.SetDefault("cache_size", d.CacheSize)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("join_timeout", d.JoinTimeout)
	v.SetDefault("netcheck_interval", d.NetCheckInterval)
	v.SetDefault("events_per_second", d.EventsPerSecond)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, names := range backendEnv {
		// BindEnv only fails without a key
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

// readConfigFile reads path, or crm-sync.yaml from the working directory
// when path is empty. A missing default file is not an error.
func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	v.AddConfigPath(".")
	v.SetConfigName("crm-sync")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// decode builds the service and logging configuration from v.
func decode(v *viper.Viper) (console.Config, LogConfig, error) {
	cfg := console.Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, LogConfig{}, fmt.Errorf("decode config: %w", err)
	}
	var lc LogConfig
	if err := v.Unmarshal(&lc); err != nil {
		return cfg, lc, fmt.Errorf("decode log config: %w", err)
	}
	return cfg, lc, nil
}
