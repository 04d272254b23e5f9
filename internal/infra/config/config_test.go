package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom()
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cfg.RateLimit.Limit != 100 || cfg.RateLimit.Window != time.Minute {
		t.Fatalf("ожидали лимит 100/60s, получили %d/%s", cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}
	if cfg.Jobs.Concurrency != 5 || cfg.Jobs.RatePerSecond != 10 {
		t.Fatalf("неожиданные лимиты воркера: %+v", cfg.Jobs)
	}
	if cfg.Jobs.MaxAttempts != 3 || cfg.Jobs.BaseBackoff != 5*time.Second {
		t.Fatalf("неожиданная политика повторов: %+v", cfg.Jobs)
	}
	if cfg.Anomaly.Lookback != 90*24*time.Hour || cfg.Anomaly.DuplicateWindow != 15*time.Minute {
		t.Fatalf("неожиданные пороги аномалий: %+v", cfg.Anomaly)
	}
	if cfg.Categories.Default != "outros" {
		t.Fatalf("ожидали категорию по умолчанию outros, получили %q", cfg.Categories.Default)
	}
}

func TestLoadFromDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("CHANNEL_PROVIDER=telegram\nRATE_LIMIT_REQUESTS=7\n"), 0o600); err != nil {
		t.Fatalf("не удалось записать .env: %v", err)
	}
	t.Setenv("CHANNEL_PROVIDER", "")
	os.Unsetenv("CHANNEL_PROVIDER")
	t.Setenv("RATE_LIMIT_REQUESTS", "")
	os.Unsetenv("RATE_LIMIT_REQUESTS")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if cfg.Webhook.Provider != "telegram" || cfg.RateLimit.Limit != 7 {
		t.Fatalf("значения из .env не применились: %+v %+v", cfg.Webhook, cfg.RateLimit)
	}
}

func TestLoadMissingDotEnvIsIgnored(t *testing.T) {
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("отсутствующий .env не должен быть ошибкой: %v", err)
	}
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	t.Setenv("CHANNEL_PROVIDER", "pombo")
	if _, err := LoadFrom(); err == nil {
		t.Fatalf("ожидали ошибку для неизвестного провайдера")
	}
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := AppConfig{TZ: "Nowhere/Invalid"}
	if cfg.Location() != time.UTC {
		t.Fatalf("ожидали UTC для неизвестного пояса")
	}
}
