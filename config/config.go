package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the messaging pipeline
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Planner   PlannerConfig   `mapstructure:"planner"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Providers ProvidersConfig `mapstructure:"providers"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel        string `mapstructure:"log_level"`
	DefaultTimezone string `mapstructure:"default_timezone"`
}

func (g GeneralConfig) Validate() error {
	if _, err := time.LoadLocation(g.DefaultTimezone); err != nil {
		return fmt.Errorf("general.default_timezone: %w", err)
	}
	return nil
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	JWTSecret    string `mapstructure:"jwt_secret"`
	Scheduler    bool   `mapstructure:"scheduler"`
	PlanningCron string `mapstructure:"planning_cron"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// RedisConfig contains Redis connection settings. Redis is optional: without
// a host, dispatch runs without locks and rate limits stay in process.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis host is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required when host is set")
	}
	return nil
}

// PlannerConfig tunes nightly plan building.
type PlannerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	CuratorTimeout  time.Duration `mapstructure:"curator_timeout"`
	ComposerTimeout time.Duration `mapstructure:"composer_timeout"`
	MaxCopyLength   int           `mapstructure:"max_copy_length"`
	CatalogSeed     string        `mapstructure:"catalog_seed"`
}

// Normalize applies defaults for unset planner values.
func (c PlannerConfig) Normalize() PlannerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.CuratorTimeout <= 0 {
		c.CuratorTimeout = 3 * time.Second
	}
	if c.ComposerTimeout <= 0 {
		c.ComposerTimeout = 5 * time.Second
	}
	if c.MaxCopyLength <= 0 {
		c.MaxCopyLength = 240
	}
	return c
}

// DispatchConfig tunes the windowed dispatcher.
type DispatchConfig struct {
	Cron                string        `mapstructure:"cron"`
	PushTitle           string        `mapstructure:"push_title"`
	Concurrency         int           `mapstructure:"concurrency"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	CrisisBypassCap     bool          `mapstructure:"crisis_bypass_cap"`
	DefaultFrequencyCap int           `mapstructure:"default_frequency_cap"`
}

// Normalize applies defaults for unset dispatch values.
func (c DispatchConfig) Normalize() DispatchConfig {
	if strings.TrimSpace(c.Cron) == "" {
		c.Cron = "0 0,9,14,19 * * *"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.DefaultFrequencyCap <= 0 {
		c.DefaultFrequencyCap = 2
	}
	return c
}

// ProvidersConfig groups the external collaborators.
type ProvidersConfig struct {
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Signals SignalsConfig `mapstructure:"signals"`
	Push    PushConfig    `mapstructure:"push"`
}

// OpenAIConfig configures the copy composer and risk second opinion.
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RiskOpinion bool          `mapstructure:"risk_opinion"`
	RiskTimeout time.Duration `mapstructure:"risk_timeout"`
}

// SignalsConfig points at the signal aggregator.
type SignalsConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PushConfig configures the push transport.
type PushConfig struct {
	URL         string        `mapstructure:"url"`
	AccessToken string        `mapstructure:"access_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// RateLimitConfig bounds requests per caller on the HTTP surface.
type RateLimitConfig struct {
	PerMinute    int           `mapstructure:"per_minute"`
	Burst        int           `mapstructure:"burst"`
	EvictAfter   time.Duration `mapstructure:"evict_after"`
	PlansPerHour int           `mapstructure:"plans_per_hour"`
}

func (r RateLimitConfig) Validate() error {
	if r.PerMinute < 0 || r.Burst < 0 || r.PlansPerHour < 0 {
		return fmt.Errorf("rate_limit values cannot be negative")
	}
	return nil
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timezone", "America/Cuiaba")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.scheduler", true)
	v.SetDefault("server.planning_cron", "15 23 * * *")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("providers.openai.model", "gpt-4o-mini")
	v.SetDefault("providers.openai.timeout", "8s")
	v.SetDefault("providers.openai.risk_timeout", "5s")
	v.SetDefault("providers.signals.timeout", "10s")
	v.SetDefault("providers.push.url", "https://exp.host/--/api/v2/push/send")
	v.SetDefault("providers.push.timeout", "10s")
	v.SetDefault("rate_limit.per_minute", 10)
	v.SetDefault("rate_limit.plans_per_hour", 5)
	v.SetDefault("rate_limit.evict_after", "10m")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.service_name", "nurture")
}

// bindEnvs registers every mapstructure key so NURTURE_* variables apply even
// when neither a default nor the config file mentions the key.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// Load reads path (or searches the usual locations when empty) and applies
// NURTURE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("NURTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Planner = cfg.Planner.Normalize()
	cfg.Dispatch = cfg.Dispatch.Normalize()

	for _, validate := range []func() error{
		cfg.General.Validate,
		cfg.Storage.Postgres.Validate,
		cfg.Storage.Redis.Validate,
		cfg.RateLimit.Validate,
	} {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// LoadConfig loads config from file and panics when it is missing or invalid.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
