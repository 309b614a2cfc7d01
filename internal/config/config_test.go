package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRequiresToken(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("DISCORD_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
discord_token: from-file
database:
  driver: postgresql
  dsn: postgres://bot@localhost/countwarden
counting:
  rate_limit_threshold: 3
anti_raid:
  spread_percent: 0
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "120")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DiscordToken != "from-file" {
		t.Fatalf("unexpected token %q", cfg.DiscordToken)
	}
	if cfg.Database.Driver != "postgres" {
		t.Fatalf("expected postgres driver, got %q", cfg.Database.Driver)
	}
	if cfg.Counting.RateLimitThreshold != 3 {
		t.Fatalf("expected threshold 3, got %d", cfg.Counting.RateLimitThreshold)
	}
	if cfg.Counting.RateLimitWindowSeconds != 120 {
		t.Fatalf("expected env window 120, got %d", cfg.Counting.RateLimitWindowSeconds)
	}
	if cfg.AntiRaid.SpreadPercent != 50 {
		t.Fatalf("expected spread clamped to 50, got %f", cfg.AntiRaid.SpreadPercent)
	}
	if len(cfg.AntiRaid.BaitPhrases) == 0 {
		t.Fatalf("expected default bait phrases")
	}
}

func TestLoadKeepsFeedRetryBounded(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("DISCORD_TOKEN", "token")

	for _, value := range []string{"0", "-5"} {
		t.Setenv("FEED_MAX_RETRY_SECONDS", value)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if cfg.Feed.MaxRetrySeconds != DefaultConfig().Feed.MaxRetrySeconds {
			t.Fatalf("expected default retry window for %s, got %d", value, cfg.Feed.MaxRetrySeconds)
		}
	}
}
