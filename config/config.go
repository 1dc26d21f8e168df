package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`

	Log LogConfig `mapstructure:"log"`

	// PostgreSQL
	Postgres PostgresConfig `mapstructure:"postgres"`

	// Redis
	Redis RedisConfig `mapstructure:"redis"`

	// NATS
	NATS NATSConfig `mapstructure:"nats"`

	// Prometheus
	Prometheus PrometheusConfig `mapstructure:"prometheus"`

	PageViews PageViewsConfig `mapstructure:"pageviews"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Env  string `mapstructure:"env"`
	// ProxyHeader names the header fiber reads the client IP from, e.g.
	// X-Forwarded-For. Empty means the socket address.
	ProxyHeader string `mapstructure:"proxy_header"`
	// TrustedProxies restricts ProxyHeader to requests from these addresses
	// or CIDRs. Empty trusts every peer.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// Development reports whether the process runs outside production.
func (c ServerConfig) Development() bool {
	return c.Env != "production"
}

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
	File     string `mapstructure:"file"`
}

type PostgresConfig struct {
	Host              string `mapstructure:"host"`
	User              string `mapstructure:"user"`
	Password          string `mapstructure:"password"`
	Database          string `mapstructure:"database"`
	Port              int    `mapstructure:"port"`
	SSLMode           string `mapstructure:"sslmode"`
	MaxConns          int32  `mapstructure:"max_conns" validate:"gte=0"`
	MinConns          int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime   string `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   string `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod string `mapstructure:"health_check_period"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	MonitorPort int    `mapstructure:"monitor_port"`
}

type PrometheusConfig struct {
	Port int `mapstructure:"port"`
}

// PageViewsConfig carries the tracking options. Durations are expressed in
// seconds to keep the historical option names.
type PageViewsConfig struct {
	ThrottleSeconds    int      `mapstructure:"throttle_seconds" validate:"gte=0"`
	BatchSize          int      `mapstructure:"batch_size" validate:"gte=1"`
	BufferTimeout      int      `mapstructure:"buffer_timeout" validate:"gte=1"`
	ReclaimInterval    int      `mapstructure:"reclaim_interval" validate:"gte=1"`
	AsyncProcessing    *bool    `mapstructure:"async_processing"`
	PreserveTimestamps bool     `mapstructure:"preserve_timestamps"`
	BufferKey          string   `mapstructure:"buffer_key" validate:"required"`
	BotPatterns        []string `mapstructure:"bot_patterns"`
	ExcludeAdmin       bool     `mapstructure:"exclude_admin"`
	AdminPrefix        string   `mapstructure:"admin_prefix"`
	ExcludeAJAX        bool     `mapstructure:"exclude_ajax"`
	ExcludePaths       []string `mapstructure:"exclude_paths"`
	ExcludeIPAddresses []string `mapstructure:"exclude_ip_addresses"`
	TimeZone           string   `mapstructure:"time_zone" validate:"omitempty,iana_tz"`
	ThrottleCacheSize  int      `mapstructure:"throttle_cache_size" validate:"gte=1"`

	RetentionDays       int    `mapstructure:"retention_days" validate:"gte=0"`
	RetentionKeepUnique bool   `mapstructure:"retention_keep_unique"`
	RetentionSchedule   string `mapstructure:"retention_schedule"`
}

func (c PageViewsConfig) ThrottleWindow() time.Duration {
	return time.Duration(c.ThrottleSeconds) * time.Second
}

func (c PageViewsConfig) BufferTimeoutDuration() time.Duration {
	return time.Duration(c.BufferTimeout) * time.Second
}

func (c PageViewsConfig) ReclaimIntervalDuration() time.Duration {
	return time.Duration(c.ReclaimInterval) * time.Second
}

// Location resolves TimeZone, falling back to UTC. "Local" is not a zone
// name Postgres understands, so it falls back too.
func (c PageViewsConfig) Location() *time.Location {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func Load() (*Config, error) {
	// Load local .env for development (ignored when missing).
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	return LoadWith(v)
}

// LoadWith reads configuration into the provided viper instance. Callers may
// bind command line flags on v before calling it.
func LoadWith(v *viper.Viper) (*Config, error) {
	// Search for config/config.yaml (plus root for overrides).
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Allow environment variables to override YAML entries.
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	setDefaults(v)

	// Preserve legacy env variable names.
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the struct-level constraints declared in validate tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	_ = validate.RegisterValidation("iana_tz", validIANAZone)
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// validIANAZone accepts zone names that both Go and Postgres resolve the same
// way. "Local" is rejected: it depends on the host, not the database.
func validIANAZone(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "Local" {
		return false
	}
	_, err := time.LoadLocation(name)
	return err == nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.env", "development")

	v.SetDefault("redis.enabled", true)
	v.SetDefault("nats.enabled", true)

	v.SetDefault("pageviews.throttle_seconds", 20)
	v.SetDefault("pageviews.batch_size", 100)
	v.SetDefault("pageviews.buffer_timeout", 300)
	v.SetDefault("pageviews.reclaim_interval", 60)
	v.SetDefault("pageviews.buffer_key", "pageview_buffer")
	v.SetDefault("pageviews.bot_patterns", []string{"bot", "crawl", "spider", "slurp", "search", "fetch", "scan"})
	v.SetDefault("pageviews.exclude_admin", true)
	v.SetDefault("pageviews.admin_prefix", "/admin/")
	v.SetDefault("pageviews.exclude_ajax", true)
	v.SetDefault("pageviews.exclude_paths", []string{"/static/", "/media/"})
	v.SetDefault("pageviews.exclude_ip_addresses", []string{})
	v.SetDefault("pageviews.time_zone", "UTC")
	v.SetDefault("pageviews.throttle_cache_size", 100000)
	v.SetDefault("pageviews.retention_days", 0)
	v.SetDefault("pageviews.retention_schedule", "@daily")
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("server.addr", "SERVER_ADDR")
	v.BindEnv("server.env", "APP_ENV")
	v.BindEnv("server.proxy_header", "SERVER_PROXY_HEADER")
	v.BindEnv("server.trusted_proxies", "SERVER_TRUSTED_PROXIES")

	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.encoding", "LOG_ENCODING")
	v.BindEnv("log.file", "LOG_FILE")

	// PostgreSQL
	v.BindEnv("postgres.host", "PG_HOST")
	v.BindEnv("postgres.user", "PG_USER")
	v.BindEnv("postgres.password", "PG_PASSWORD")
	v.BindEnv("postgres.database", "PG_DB")
	v.BindEnv("postgres.port", "PG_PORT")
	v.BindEnv("postgres.sslmode", "PG_SSLMODE")
	v.BindEnv("postgres.max_conns", "PG_MAX_CONNS")

	// Redis
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// NATS
	v.BindEnv("nats.enabled", "NATS_ENABLED")
	v.BindEnv("nats.host", "NATS_HOST")
	v.BindEnv("nats.port", "NATS_PORT")
	v.BindEnv("nats.user", "NATS_USER")
	v.BindEnv("nats.password", "NATS_PASSWORD")
	v.BindEnv("nats.monitor_port", "NATS_MONITOR_PORT")

	// Prometheus
	v.BindEnv("prometheus.port", "PROM_PORT")

	// Page views
	v.BindEnv("pageviews.throttle_seconds", "PAGEVIEW_THROTTLE_SECONDS")
	v.BindEnv("pageviews.batch_size", "PAGEVIEW_BATCH_SIZE")
	v.BindEnv("pageviews.buffer_timeout", "PAGEVIEW_BUFFER_TIMEOUT")
	v.BindEnv("pageviews.reclaim_interval", "PAGEVIEW_RECLAIM_INTERVAL")
	v.BindEnv("pageviews.async_processing", "PAGEVIEW_ASYNC_PROCESSING")
	v.BindEnv("pageviews.preserve_timestamps", "PAGEVIEW_PRESERVE_TIMESTAMPS")
	v.BindEnv("pageviews.buffer_key", "PAGEVIEW_BUFFER_KEY")
	v.BindEnv("pageviews.bot_patterns", "PAGEVIEW_BOT_PATTERNS")
	v.BindEnv("pageviews.exclude_admin", "PAGEVIEW_EXCLUDE_ADMIN")
	v.BindEnv("pageviews.admin_prefix", "PAGEVIEW_ADMIN_PREFIX")
	v.BindEnv("pageviews.exclude_ajax", "PAGEVIEW_EXCLUDE_AJAX")
	v.BindEnv("pageviews.exclude_paths", "PAGEVIEW_EXCLUDE_PATHS")
	v.BindEnv("pageviews.exclude_ip_addresses", "PAGEVIEW_EXCLUDE_IP_ADDRESSES")
	v.BindEnv("pageviews.time_zone", "PAGEVIEW_TIME_ZONE")
	v.BindEnv("pageviews.throttle_cache_size", "PAGEVIEW_THROTTLE_CACHE_SIZE")
	v.BindEnv("pageviews.retention_days", "PAGEVIEW_RETENTION_DAYS")
	v.BindEnv("pageviews.retention_keep_unique", "PAGEVIEW_RETENTION_KEEP_UNIQUE")
	v.BindEnv("pageviews.retention_schedule", "PAGEVIEW_RETENTION_SCHEDULE")
}
