package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"chatmux/internal/discovery"
	"chatmux/internal/secrets"
)

func controllerStub(t *testing.T, models []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/refresh_all_workers", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	}
	mux.HandleFunc("/list_language_models", handler)
	mux.HandleFunc("/list_multimodal_models", handler)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestRebuildMergesWorkersAndProviders(t *testing.T) {
	ts := controllerStub(t, []string{"zeta-worker", "alpha-worker"})

	r := New(Config{
		Discovery: discovery.New(ts.URL, nil),
		Static: map[string]ProviderConfig{
			"gpt-test": {ModelName: "gpt-test", APIFamily: "openai", TextArena: true},
			"stealth":  {ModelName: "stealth", APIFamily: "openai", TextArena: true, AnonyOnly: true},
		},
		Priority: []string{"zeta-worker"},
		Logger:   zerolog.Nop(),
	})

	snap, err := r.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	wantAll := []string{"zeta-worker", "alpha-worker", "gpt-test", "stealth"}
	if len(snap.All) != len(wantAll) {
		t.Fatalf("expected %d models, got %v", len(wantAll), snap.All)
	}
	for i, name := range wantAll {
		if snap.All[i] != name {
			t.Fatalf("expected all[%d]=%q (ranked first, rest lexicographic), got %v", i, name, snap.All)
		}
	}

	for _, name := range snap.Visible {
		if name == "stealth" {
			t.Fatalf("anony-only entry must not be visible: %v", snap.Visible)
		}
	}
	if len(snap.Visible) != 3 {
		t.Fatalf("expected 3 visible models, got %v", snap.Visible)
	}

	e, err := snap.Resolve("gpt-test")
	if err != nil {
		t.Fatalf("resolve provider: %v", err)
	}
	if e.Kind != KindProvider || e.Provider == nil {
		t.Fatalf("expected provider entry, got %+v", e)
	}
	e, err = snap.Resolve("alpha-worker")
	if err != nil {
		t.Fatalf("resolve worker: %v", err)
	}
	if e.Kind != KindWorker {
		t.Fatalf("expected worker entry, got %+v", e)
	}
}

func TestRebuildSurvivesDiscoveryOutage(t *testing.T) {
	ts := httptest.NewServer(nil)
	ts.Close() // connection refused from here on

	r := New(Config{
		Discovery: discovery.New(ts.URL, nil),
		Static: map[string]ProviderConfig{
			"gpt-test": {ModelName: "gpt-test", APIFamily: "openai", TextArena: true},
		},
		Logger: zerolog.Nop(),
	})

	snap, err := r.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild with dead discovery: %v", err)
	}
	if len(snap.All) != 1 || snap.All[0] != "gpt-test" {
		t.Fatalf("expected static entries to survive, got %v", snap.All)
	}
}

func TestRebuildVisionArenaFilter(t *testing.T) {
	ts := controllerStub(t, []string{"llava-13b"})

	r := New(Config{
		Discovery: discovery.New(ts.URL, nil),
		Static: map[string]ProviderConfig{
			"gpt-vision": {ModelName: "gpt-vision", APIFamily: "openai", VisionArena: true},
			"text-only":  {ModelName: "text-only", APIFamily: "openai", TextArena: true},
		},
		VisionArena: true,
		Logger:      zerolog.Nop(),
	})

	snap, err := r.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if _, err := snap.Resolve("text-only"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("text-only entry must be excluded from the vision arena")
	}
	if _, err := snap.Resolve("gpt-vision"); err != nil {
		t.Fatalf("vision entry missing: %v", err)
	}
	if _, err := snap.Resolve("llava-13b"); err != nil {
		t.Fatalf("multimodal worker missing: %v", err)
	}
}

func TestResolveUnknownModel(t *testing.T) {
	r := New(Config{Discovery: discovery.New("", nil), Logger: zerolog.Nop()})
	if _, err := r.Current().Resolve("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadStatic(t *testing.T) {
	keyring, err := secrets.NewKeyring("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("new keyring: %v", err)
	}
	sealed, err := keyring.Seal("sk-sealed")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	path := filepath.Join(t.TempDir(), "providers.json")
	cfg := map[string]any{
		"gpt-test": map[string]any{
			"model_name": "gpt-test-internal",
			"api_type":   "openai",
			"api_base":   "https://api.example.com/v1",
			"api_key":    sealed,
			"recommended_config": map[string]any{
				"temperature": 0.7,
			},
		},
		"plain-model": map[string]any{
			"api_type":   "openai",
			"api_key":    "sk-plain",
			"text-arena": false,
		},
	}
	raw, _ := json.Marshal(cfg)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := LoadStatic(path, keyring)
	if err != nil {
		t.Fatalf("load static: %v", err)
	}

	gpt := out["gpt-test"]
	if gpt.APIKey != "sk-sealed" {
		t.Fatalf("expected sealed credential to be opened, got %q", gpt.APIKey)
	}
	if gpt.ModelName != "gpt-test-internal" {
		t.Fatalf("expected explicit model_name, got %q", gpt.ModelName)
	}
	if !gpt.TextArena {
		t.Fatalf("text-arena must default to true")
	}
	if gpt.Recommended == nil || gpt.Recommended.Temperature == nil || *gpt.Recommended.Temperature != 0.7 {
		t.Fatalf("recommended config not parsed: %+v", gpt.Recommended)
	}

	plain := out["plain-model"]
	if plain.ModelName != "plain-model" {
		t.Fatalf("model_name must default to the map key, got %q", plain.ModelName)
	}
	if plain.TextArena {
		t.Fatalf("explicit text-arena=false lost")
	}
}
