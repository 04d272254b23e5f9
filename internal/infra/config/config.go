package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"America/Sao_Paulo"`
	Port   int    `envconfig:"PORT" default:"8080"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	Webhook struct {
		Provider        string `envconfig:"CHANNEL_PROVIDER" default:"whatsapp"`
		Token           string `envconfig:"WEBHOOK_TOKEN"`
		Secret          string `envconfig:"WEBHOOK_SECRET"`
		SignatureHeader string `envconfig:"WEBHOOK_SIGNATURE_HEADER" default:"X-Hub-Signature-256"`
		VerifyToken     string `envconfig:"WEBHOOK_VERIFY_TOKEN"`
		MaxBodyBytes    int64  `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
	} `envconfig:""`

	RateLimit struct {
		Limit  int           `envconfig:"RATE_LIMIT_REQUESTS" default:"100"`
		Window time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
		Prefix string        `envconfig:"RATE_LIMIT_KEY_PREFIX" default:"ratelimit:"`
	} `envconfig:""`

	DB struct {
		Driver   string `envconfig:"DB_DRIVER" default:"postgres"`
		DSN      string `envconfig:"PG_DSN"`
		SQLite   string `envconfig:"SQLITE_PATH" default:"finance-bot.db"`
		MaxConns int32  `envconfig:"DB_MAX_CONNS" default:"5"`
	} `envconfig:""`

	Redis struct {
		Addr     string `envconfig:"REDIS_ADDR"`
		Password string `envconfig:"REDIS_PASSWORD"`
		DB       int    `envconfig:"REDIS_DB" default:"0"`
	} `envconfig:""`

	Jobs struct {
		Store             string        `envconfig:"JOB_STORE" default:"redis"`
		KeyPrefix         string        `envconfig:"JOB_KEY_PREFIX" default:"reminder_jobs"`
		RabbitURL         string        `envconfig:"RABBITMQ_URL"`
		RabbitQueue       string        `envconfig:"RABBITMQ_QUEUE" default:"reminder_jobs"`
		Concurrency       int           `envconfig:"JOB_CONCURRENCY" default:"5"`
		RatePerSecond     float64       `envconfig:"JOB_RATE_PER_SECOND" default:"10"`
		MaxAttempts       int           `envconfig:"JOB_MAX_ATTEMPTS" default:"3"`
		BaseBackoff       time.Duration `envconfig:"JOB_BASE_BACKOFF" default:"5s"`
		VisibilityTimeout time.Duration `envconfig:"JOB_VISIBILITY_TIMEOUT" default:"2m"`
		PollInterval      time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"1s"`
	} `envconfig:""`

	Poller struct {
		Interval time.Duration `envconfig:"POLLER_INTERVAL" default:"30s"`
		Batch    int           `envconfig:"POLLER_BATCH" default:"50"`
		LockTTL  time.Duration `envconfig:"POLLER_LOCK_TTL" default:"25s"`
	} `envconfig:""`

	Retry struct {
		MaxAttempts  int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
		InitialDelay time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"1s"`
		MaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10s"`
		Multiplier   float64       `envconfig:"RETRY_MULTIPLIER" default:"2"`
		Timeout      time.Duration `envconfig:"RETRY_TIMEOUT" default:"10s"`
	} `envconfig:""`

	Anomaly struct {
		SpikeMultiplier float64       `envconfig:"ANOMALY_SPIKE_MULTIPLIER" default:"2"`
		DuplicateWindow time.Duration `envconfig:"ANOMALY_DUPLICATE_WINDOW" default:"15m"`
		MinHistory      int           `envconfig:"ANOMALY_MIN_HISTORY" default:"3"`
		Lookback        time.Duration `envconfig:"ANOMALY_LOOKBACK" default:"2160h"`
	} `envconfig:""`

	WhatsApp struct {
		Token   string `envconfig:"WHATSAPP_TOKEN"`
		PhoneID string `envconfig:"WHATSAPP_PHONE_ID"`
		APIBase string `envconfig:"WHATSAPP_API_BASE" default:"https://graph.facebook.com/v19.0"`
	} `envconfig:""`

	Telegram struct {
		Token string `envconfig:"TG_BOT_TOKEN"`
	} `envconfig:""`

	Evolution struct {
		BaseURL  string `envconfig:"EVOLUTION_URL"`
		APIKey   string `envconfig:"EVOLUTION_API_KEY"`
		Instance string `envconfig:"EVOLUTION_INSTANCE"`
	} `envconfig:""`

	Categories struct {
		RulesFile string `envconfig:"CATEGORY_RULES_FILE"`
		Default   string `envconfig:"CATEGORY_DEFAULT" default:"outros"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения. Файл .env, если он есть, читается первым
// и не перетирает уже заданные переменные.
func Load() AppConfig {
	cfg, err := LoadFrom(".env")
	if err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}

// LoadFrom читает переменные из указанных .env-файлов и окружения.
func LoadFrom(files ...string) (AppConfig, error) {
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("read %s: %w", file, err)
		}
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность значений.
func (c AppConfig) Validate() error {
	switch c.Webhook.Provider {
	case "whatsapp", "telegram", "evolution":
	default:
		return fmt.Errorf("неизвестный провайдер канала %q", c.Webhook.Provider)
	}
	switch c.DB.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("неизвестный драйвер БД %q", c.DB.Driver)
	}
	switch c.Jobs.Store {
	case "redis", "rabbitmq", "none":
	default:
		return fmt.Errorf("неизвестное хранилище задач %q", c.Jobs.Store)
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
		return errors.New("лимит запросов и окно должны быть положительными")
	}
	if c.Jobs.Concurrency <= 0 || c.Jobs.RatePerSecond <= 0 {
		return errors.New("параллелизм и пропускная способность воркера должны быть положительными")
	}
	if c.Retry.MaxAttempts <= 0 {
		return errors.New("RETRY_MAX_ATTEMPTS должен быть положительным")
	}
	return nil
}

// Location возвращает часовой пояс приложения, при ошибке UTC.
func (c AppConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}
