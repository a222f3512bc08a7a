package config

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all application configuration. Field names match the
// environment variables and CLI flags verbatim (lower-cased), per the
// interop contract with the NFC programming app and existing deployments.
type Config struct {
	Domain         string `mapstructure:"domain"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	DatabaseURL    string `mapstructure:"database_url"`
	DefaultTxLimit int64  `mapstructure:"default_tx_limit"`
	DefaultDayLimit int64 `mapstructure:"default_day_limit"`
	LogLevel       string `mapstructure:"log_level"`
	LogPretty      bool   `mapstructure:"log_pretty"`
	AdminToken     string `mapstructure:"admin_token"`
	RedisAddr      string `mapstructure:"redis_addr"`
}

// Addr returns the host:port the HTTP server should bind to.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LnurlwBase returns the lnurlw:// base URL written into provisioning
// responses, per the reference card-programming app's expectation (§9).
func (c Config) LnurlwBase() string {
	return fmt.Sprintf("lnurlw://%s/ln", c.Domain)
}

// CallbackBase returns the HTTPS base URL written into LNURL-withdraw
// responses as the callback endpoint.
func (c Config) CallbackBase() string {
	return fmt.Sprintf("https://%s/ln/callback", c.Domain)
}

// Load reads configuration from environment variables and CLI flags.
// Precedence is CLI > env > default, per spec §6. Flag names are the
// lower-cased form of the env vars (e.g. --domain, --default_tx_limit).
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("default_tx_limit", int64(100_000))
	v.SetDefault("default_day_limit", int64(500_000))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
	v.SetDefault("redis_addr", "localhost:6379")

	v.AutomaticEnv()
	for _, key := range []string{
		"domain", "host", "port", "database_url",
		"default_tx_limit", "default_day_limit",
		"log_level", "log_pretty", "admin_token", "redis_addr",
	} {
		_ = v.BindEnv(key, envName(key))
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Domain == "" {
		return nil, fmt.Errorf("DOMAIN is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return &cfg, nil
}

// envName maps a viper key to its unprefixed environment variable name,
// e.g. "default_tx_limit" -> "DEFAULT_TX_LIMIT".
func envName(key string) string {
	out := make([]byte, 0, len(key))
	for _, r := range key {
		if r >= 'a' && r <= 'z' {
			out = append(out, byte(r-'a'+'A'))
		} else {
			out = append(out, byte(r))
		}
	}
	return string(out)
}

// Flags registers the CLI flags accepted by the server, mirroring the
// environment variables in spec §6 at equal precedence.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("boltcard-withdraw-authority", pflag.ContinueOnError)
	fs.String("domain", "", "public domain name used in provisioning and LNURL URLs (required)")
	fs.String("host", "0.0.0.0", "HTTP bind host")
	fs.Int("port", 8080, "HTTP bind port")
	fs.String("database_url", "", "Postgres connection string (required)")
	fs.Int64("default_tx_limit", 100_000, "default per-transaction cap, in satoshis")
	fs.Int64("default_day_limit", 500_000, "default rolling 24h cap, in satoshis")
	fs.String("log_level", "info", "log level: debug, info, warn, error")
	fs.Bool("log_pretty", false, "human-readable console logging")
	fs.String("admin_token", "", "bearer token required on /api/* admin endpoints")
	fs.String("redis_addr", "localhost:6379", "Redis address for the session lookup cache")
	return fs
}
