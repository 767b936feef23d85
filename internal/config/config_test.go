package config

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestLoadRequiresABackend(t *testing.T) {
	t.Setenv("LOG_DIR", "/tmp/logs")
	t.Setenv("CONTROLLER_URL", "")
	t.Setenv("PROVIDER_CONFIG_FILE", "")
	if _, err := Load(); !errors.Is(err, ErrNoBackends) {
		t.Fatalf("expected ErrNoBackends, got %v", err)
	}
}

func TestLoadRequiresLogDir(t *testing.T) {
	t.Setenv("CONTROLLER_URL", "http://controller:21001")
	t.Setenv("LOG_DIR", "")
	if _, err := Load(); !errors.Is(err, ErrMissingLogDir) {
		t.Fatalf("expected ErrMissingLogDir, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONTROLLER_URL", "http://controller:21001")
	t.Setenv("LOG_DIR", "/tmp/logs")
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("MAX_CONCURRENT_STREAMS", "")
	t.Setenv("MASTER_KEY_B64", "")
	t.Setenv("MASTER_KEYS_JSON", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.DB.Driver != "sqlite" {
		t.Fatalf("unexpected default driver %q", cfg.DB.Driver)
	}
	if cfg.Limits.MaxConcurrentStreams != 16 {
		t.Fatalf("unexpected stream ceiling %d", cfg.Limits.MaxConcurrentStreams)
	}
	if len(cfg.Crypto.Keys) != 0 {
		t.Fatalf("expected no master keys by default")
	}
}

func TestLoadSingleMasterKey(t *testing.T) {
	t.Setenv("CONTROLLER_URL", "http://controller:21001")
	t.Setenv("LOG_DIR", "/tmp/logs")
	t.Setenv("MASTER_KEY_B64", base64.StdEncoding.EncodeToString(make([]byte, 32)))
	t.Setenv("MASTER_KEYS_JSON", "")
	t.Setenv("MASTER_KEY_CURRENT_ID", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crypto.CurrentKeyID != "default" {
		t.Fatalf("expected default key id, got %q", cfg.Crypto.CurrentKeyID)
	}
	if len(cfg.Crypto.Keys["default"]) != 32 {
		t.Fatalf("master key not decoded")
	}
}

func TestLoadRejectsShortMasterKey(t *testing.T) {
	t.Setenv("CONTROLLER_URL", "http://controller:21001")
	t.Setenv("LOG_DIR", "/tmp/logs")
	t.Setenv("MASTER_KEY_B64", base64.StdEncoding.EncodeToString([]byte("short")))

	if _, err := Load(); !errors.Is(err, ErrBadMasterKey) {
		t.Fatalf("expected ErrBadMasterKey, got %v", err)
	}
}

func TestLoadModelPriorityList(t *testing.T) {
	t.Setenv("CONTROLLER_URL", "http://controller:21001")
	t.Setenv("LOG_DIR", "/tmp/logs")
	t.Setenv("MODEL_PRIORITY", " gpt-4 , vicuna-13b ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ModelPriority) != 2 || cfg.ModelPriority[0] != "gpt-4" || cfg.ModelPriority[1] != "vicuna-13b" {
		t.Fatalf("unexpected priority list %v", cfg.ModelPriority)
	}
}
