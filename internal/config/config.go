package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"fxwatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Rates     RatesConfig     `mapstructure:"rates"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN selects the in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs the monitoring cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	StopTimeout     time.Duration `mapstructure:"stop_timeout"`
	CheckTimeout    time.Duration `mapstructure:"check_timeout"`
	Workers         int           `mapstructure:"workers"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// RatesConfig covers the external exchange rate provider.
type RatesConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	Pivot          string        `mapstructure:"pivot"`
}

// SnapshotConfig defines the daily snapshot universe.
type SnapshotConfig struct {
	Quote    string   `mapstructure:"quote"`
	Tracked  []string `mapstructure:"tracked"`
	Timezone string   `mapstructure:"timezone"`
	OnCycle  bool     `mapstructure:"on_cycle"`
}

// AlertingConfig defines dedup policy and routing.
type AlertingConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	DedupWindow time.Duration     `mapstructure:"dedup_window"`
	Channels    []string          `mapstructure:"channels"`
	Recipients  map[string]string `mapstructure:"recipients"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	SMTP        SMTPConfig        `mapstructure:"smtp"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SMTPConfig describes the email channel.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	Fallback string `mapstructure:"fallback"`
}

// KafkaConfig describes the event stream channel.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// HTTPConfig controls the admin API. An empty address disables it.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("FXWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fxwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.error_backoff", "1m")
	v.SetDefault("scheduler.stop_timeout", "10s")
	v.SetDefault("scheduler.check_timeout", "8s")
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x66787761))

	v.SetDefault("rates.base_url", "https://api.exchangerate-api.com/v4")
	v.SetDefault("rates.request_timeout", "10s")
	v.SetDefault("rates.user_agent", "fxwatch/1.0")
	v.SetDefault("rates.pivot", "USD")

	v.SetDefault("snapshot.quote", "KRW")
	v.SetDefault("snapshot.tracked", []string{"USD", "JPY", "EUR", "CNY"})
	v.SetDefault("snapshot.timezone", "Asia/Seoul")
	v.SetDefault("snapshot.on_cycle", true)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.dedup_window", "1h")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")
	v.SetDefault("alerting.smtp.port", 465)
	v.SetDefault("alerting.kafka.topic", "fx-alerts")

	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("export.max_data_points", 5000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

func (c *Config) normalize() {
	c.Rates.Pivot = strings.ToUpper(strings.TrimSpace(c.Rates.Pivot))
	c.Snapshot.Quote = strings.ToUpper(strings.TrimSpace(c.Snapshot.Quote))
	for i, code := range c.Snapshot.Tracked {
		c.Snapshot.Tracked[i] = strings.ToUpper(strings.TrimSpace(code))
	}
	for i, ch := range c.Alerting.Channels {
		c.Alerting.Channels[i] = strings.ToLower(strings.TrimSpace(ch))
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.ErrorBackoff < 0 {
		return fmt.Errorf("scheduler.error_backoff cannot be negative")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be greater than zero")
	}
	if c.Alerting.DedupWindow <= 0 {
		return fmt.Errorf("alerting.dedup_window must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if !IsCurrencyCode(c.Rates.Pivot) {
		return fmt.Errorf("rates.pivot %q is not a currency code", c.Rates.Pivot)
	}
	if !IsCurrencyCode(c.Snapshot.Quote) {
		return fmt.Errorf("snapshot.quote %q is not a currency code", c.Snapshot.Quote)
	}
	if len(c.Snapshot.Tracked) == 0 {
		return fmt.Errorf("snapshot.tracked must list at least one currency")
	}
	for _, code := range c.Snapshot.Tracked {
		if !IsCurrencyCode(code) {
			return fmt.Errorf("snapshot.tracked contains invalid code %q", code)
		}
	}
	if _, err := time.LoadLocation(c.Snapshot.Timezone); err != nil {
		return fmt.Errorf("snapshot.timezone: %w", err)
	}

	for _, ch := range c.Alerting.Channels {
		switch ch {
		case "log":
		case "telegram":
			if c.Alerting.Telegram.BotToken == "" {
				return fmt.Errorf("alerting.telegram.bot_token is required for the telegram channel")
			}
		case "email":
			if c.Alerting.SMTP.Host == "" || c.Alerting.SMTP.From == "" {
				return fmt.Errorf("alerting.smtp.host and alerting.smtp.from are required for the email channel")
			}
		case "kafka":
			if len(c.Alerting.Kafka.Brokers) == 0 || c.Alerting.Kafka.Topic == "" {
				return fmt.Errorf("alerting.kafka.brokers and alerting.kafka.topic are required for the kafka channel")
			}
		default:
			return fmt.Errorf("alerting.channels: unknown channel %q", ch)
		}
	}
	return nil
}

// Location returns the snapshot calendar timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Snapshot.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// IsCurrencyCode reports whether code is three upper-case ASCII letters.
func IsCurrencyCode(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
