package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"charon/internal/logging"
	"charon/internal/strategy"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Source    SourceConfig    `mapstructure:"source"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Events    EventsConfig    `mapstructure:"events"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Signals   SignalsConfig   `mapstructure:"signals"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Backtest  BacktestConfig  `mapstructure:"backtest"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig selects and tunes the storage backend.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres postgresql sqlite"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs import and recompute cadence.
type SchedulerConfig struct {
	// ImportCron is a standard 5-field cron expression evaluated in UTC.
	ImportCron        string        `mapstructure:"import_cron" validate:"required"`
	RecomputeInterval time.Duration `mapstructure:"recompute_interval" validate:"gt=0"`
	AlignToBucket     bool          `mapstructure:"align_to_bucket"`
	StartupDelay      time.Duration `mapstructure:"startup_delay" validate:"gte=0"`
	RunOnStart        bool          `mapstructure:"run_on_start"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
}

// SourceConfig describes the NBP public API.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	UserAgent      string        `mapstructure:"user_agent"`
	// ChunkDays must stay below the 93 day range the API accepts.
	ChunkDays      int           `mapstructure:"chunk_days" validate:"min=1,max=93"`
	RequestDelay   time.Duration `mapstructure:"request_delay" validate:"gte=0"`
	MaxAttempts    int           `mapstructure:"max_attempts" validate:"min=1"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial" validate:"gte=0"`
	BackoffMax     time.Duration `mapstructure:"backoff_max" validate:"gte=0"`
	Classes        []string      `mapstructure:"classes" validate:"min=1,dive,oneof=currency gold"`
}

// RedisConfig is shared by the redis event transport and the redis cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// EventsConfig routes ingest notifications.
type EventsConfig struct {
	Transport string      `mapstructure:"transport" validate:"oneof=none memory redis kafka"`
	Topic     string      `mapstructure:"topic" validate:"required"`
	Kafka     KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig for the kafka transport.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
}

// CacheConfig controls the series cache in front of the store.
type CacheConfig struct {
	Backend   string        `mapstructure:"backend" validate:"oneof=none memory redis"`
	TTL       time.Duration `mapstructure:"ttl" validate:"gte=0"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// SignalsConfig tunes the recompute service.
type SignalsConfig struct {
	Indicators  strategy.Params `mapstructure:"indicators"`
	HorizonDays int             `mapstructure:"horizon_days" validate:"min=1"`
	Concurrency int             `mapstructure:"concurrency" validate:"min=1"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown" validate:"gte=0"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// BacktestConfig holds simulator defaults.
type BacktestConfig struct {
	InitialCapital float64 `mapstructure:"initial_capital" validate:"gt=0"`
}

// MetricsConfig exposes prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points" validate:"gt=0"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHARON")
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
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
	v.SetDefault("app.name", "charon")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "charon.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	// NBP publishes table A around 12:15 Warsaw time
	v.SetDefault("scheduler.import_cron", "30 12 * * 1-5")
	v.SetDefault("scheduler.recompute_interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6e6270))

	v.SetDefault("source.base_url", "https://api.nbp.pl/api")
	v.SetDefault("source.request_timeout", "15s")
	v.SetDefault("source.user_agent", "charon/1.0")
	v.SetDefault("source.chunk_days", 90)
	v.SetDefault("source.request_delay", "250ms")
	v.SetDefault("source.max_attempts", 3)
	v.SetDefault("source.backoff_initial", "500ms")
	v.SetDefault("source.backoff_max", "10s")
	v.SetDefault("source.classes", []string{"currency", "gold"})

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("events.transport", "memory")
	v.SetDefault("events.topic", "rates.ingested")
	v.SetDefault("events.kafka.group_id", "charon-signals")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.key_prefix", "cache:series:")

	defaults := strategy.DefaultParams()
	v.SetDefault("signals.indicators.macd_fast", defaults.MACDFast)
	v.SetDefault("signals.indicators.macd_slow", defaults.MACDSlow)
	v.SetDefault("signals.indicators.macd_signal", defaults.MACDSignal)
	v.SetDefault("signals.indicators.rsi_window", defaults.RSIWindow)
	v.SetDefault("signals.indicators.sma_window", defaults.SMAWindow)
	v.SetDefault("signals.indicators.bb_window", defaults.BBWindow)
	v.SetDefault("signals.indicators.bb_std", defaults.BBStdDevs)
	v.SetDefault("signals.horizon_days", 1)
	v.SetDefault("signals.concurrency", 4)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("backtest.initial_capital", 10000.0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9102")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
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

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	return v
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return describeValidation(err)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if _, err := cron.ParseStandard(c.Scheduler.ImportCron); err != nil {
		return fmt.Errorf("scheduler.import_cron invalid: %w", err)
	}
	if c.Source.BackoffMax > 0 && c.Source.BackoffMax < c.Source.BackoffInitial {
		return fmt.Errorf("source.backoff_max must not be below source.backoff_initial")
	}
	if err := c.Signals.Indicators.Validate(); err != nil {
		return fmt.Errorf("signals.indicators: %w", err)
	}
	if c.Events.Transport == "kafka" && len(c.Events.Kafka.Brokers) == 0 {
		return fmt.Errorf("events.kafka.brokers 必须配置")
	}
	needsRedis := c.Events.Transport == "redis" || c.Cache.Backend == "redis"
	if needsRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr 必须配置")
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen 必须配置")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

func describeValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", ")))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", field, fe.Param()))
		case "gte", "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed validation: %s", field, fe.Tag()))
		}
	}
	return errors.New("invalid config: " + strings.Join(msgs, "; "))
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
