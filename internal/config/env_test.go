package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnv(t *testing.T) {
	unsetEnv(t, "DELTA_API_KEY")
	unsetEnv(t, "DELTA_API_SECRET")
	unsetEnv(t, "TELEGRAM_BOT_TOKEN")
	unsetEnv(t, "REDIS_PASSWORD")
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "" +
		"# exchange credentials\n" +
		"DELTA_API_KEY=key-live-01\n" +
		"DELTA_API_SECRET=\"s3cr3t\"\n" +
		"TELEGRAM_BOT_TOKEN='123456:abcdef'\n" +
		"REDIS_PASSWORD=\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("DELTA_API_KEY"); got != "key-live-01" {
		t.Fatalf("DELTA_API_KEY expected key-live-01, got %q", got)
	}
	if got := os.Getenv("DELTA_API_SECRET"); got != "s3cr3t" {
		t.Fatalf("DELTA_API_SECRET expected unquoted s3cr3t, got %q", got)
	}
	if got := os.Getenv("TELEGRAM_BOT_TOKEN"); got != "123456:abcdef" {
		t.Fatalf("TELEGRAM_BOT_TOKEN expected unquoted token, got %q", got)
	}
	if got := os.Getenv("REDIS_PASSWORD"); got != "" {
		t.Fatalf("REDIS_PASSWORD expected empty, got %q", got)
	}
}

func TestLoadEnvDoesNotOverrideExisting(t *testing.T) {
	t.Setenv("DELTA_API_KEY", "from-shell")
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("DELTA_API_KEY=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := LoadEnv(path); err != nil {
		t.Fatalf("load env: %v", err)
	}
	if got := os.Getenv("DELTA_API_KEY"); got != "from-shell" {
		t.Fatalf("DELTA_API_KEY expected from-shell, got %q", got)
	}
}

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if old, ok := os.LookupEnv(key); ok {
		t.Cleanup(func() { _ = os.Setenv(key, old) })
	} else {
		t.Cleanup(func() { _ = os.Unsetenv(key) })
	}
	_ = os.Unsetenv(key)
}
