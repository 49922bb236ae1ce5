package baselinestore

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/skywalker-88/canwarden/pkg/config"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func loadConfig(t *testing.T, redisJSON string) *config.Store {
	t.Helper()
	path := t.TempDir() + "/cfg.json"
	body := `{"global_settings":{},"general_rules":{},"ids":{}` + redisJSON + `}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewDisabledByDefault(t *testing.T) {
	cfg := loadConfig(t, "")
	store := New(context.Background(), cfg, testLogger())
	if store.Enabled() {
		t.Error("expected store disabled when redis.enabled is absent")
	}
}

func TestNewDisabledWhenEnabledFalse(t *testing.T) {
	cfg := loadConfig(t, `,"redis":{"enabled":false}`)
	store := New(context.Background(), cfg, testLogger())
	if store.Enabled() {
		t.Error("expected store disabled when redis.enabled is false")
	}
}

func TestNewDegradesWhenUnreachable(t *testing.T) {
	cfg := loadConfig(t, `,"redis":{"enabled":true,"addr":"127.0.0.1:1"}`)
	store := New(context.Background(), cfg, testLogger())
	if store.Enabled() {
		t.Error("expected store to degrade to disabled when redis is unreachable")
	}
}

func TestDisabledStoreGetIsNoop(t *testing.T) {
	cfg := loadConfig(t, "")
	store := New(context.Background(), cfg, testLogger())
	if _, ok := store.Get(context.Background(), "0x123"); ok {
		t.Error("expected disabled store Get to report a miss")
	}
}

func TestDisabledStorePutIsNoop(t *testing.T) {
	cfg := loadConfig(t, "")
	store := New(context.Background(), cfg, testLogger())
	store.Put(context.Background(), "0x123", config.IDSettings{})
}

func TestDisabledStoreRestoreAllReturnsZero(t *testing.T) {
	cfg := loadConfig(t, "")
	store := New(context.Background(), cfg, testLogger())
	if n := store.RestoreAll(context.Background(), cfg, []string{"0x123", "0x456"}); n != 0 {
		t.Errorf("expected 0 restored from a disabled store, got %d", n)
	}
}

func TestDisabledStoreCloseIsNoop(t *testing.T) {
	cfg := loadConfig(t, "")
	store := New(context.Background(), cfg, testLogger())
	if err := store.Close(); err != nil {
		t.Errorf("expected Close on a disabled store to return nil, got %v", err)
	}
}
