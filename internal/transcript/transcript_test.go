package transcript

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAppendWritesOneLinePerRecord(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(Config{Dir: dir, Logger: zerolog.Nop()})

	rec := Record{Tstamp: 1700000000.1234, Type: "chat", Model: "vicuna-13b", IP: "1.2.3.4", State: map[string]any{"x": 1}}
	if err := l.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	path := filepath.Join(dir, time.Now().Format("2006-01-02")+"-conv.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &got); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if got["type"] != "chat" || got["model"] != "vicuna-13b" {
		t.Fatalf("unexpected record %v", got)
	}
}

func TestVisionFilenames(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(Config{Dir: dir, Logger: zerolog.Nop()})

	if err := l.Append(context.Background(), Record{Type: "chat", Vision: true}); err != nil {
		t.Fatalf("append vision: %v", err)
	}
	if err := l.Append(context.Background(), Record{Type: "chat", Vision: true, Flagged: true}); err != nil {
		t.Fatalf("append flagged: %v", err)
	}

	day := time.Now().Format("2006-01-02")
	for _, name := range []string{"vision-tmp-" + day + "-conv.json", "vision-csam-" + day + "-conv.json"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected file %s: %v", name, err)
		}
	}
}

func TestConcurrentAppendsDoNotInterleave(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger(Config{Dir: dir, Logger: zerolog.Nop()})

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := Record{Type: "upvote", Model: "vicuna-13b", State: map[string]any{"n": i, "pad": strings.Repeat("x", 2048)}}
			if err := l.Append(context.Background(), rec); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	path := filepath.Join(dir, time.Now().Format("2006-01-02")+"-conv.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != writers {
		t.Fatalf("expected %d lines, got %d", writers, len(lines))
	}
	for _, line := range lines {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("interleaved write produced malformed line: %v", err)
		}
	}
}

func TestMirrorIsBestEffort(t *testing.T) {
	var mirrored atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mirrored.Add(1)
	}))
	defer ts.Close()

	dir := t.TempDir()
	l := NewLogger(Config{Dir: dir, MirrorURL: ts.URL, Logger: zerolog.Nop()})
	if err := l.Append(context.Background(), Record{Type: "chat"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// The mirror runs in the background; wait for it.
	deadline := time.Now().Add(2 * time.Second)
	for mirrored.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if mirrored.Load() != 1 {
		t.Fatalf("expected one mirrored record, got %d", mirrored.Load())
	}

	// A dead mirror must not fail the append.
	ts.Close()
	if err := l.Append(context.Background(), Record{Type: "chat"}); err != nil {
		t.Fatalf("append with dead mirror: %v", err)
	}
}

func TestSlowMirrorDoesNotBlockAppend(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer ts.Close()
	defer close(release)

	dir := t.TempDir()
	l := NewLogger(Config{Dir: dir, MirrorURL: ts.URL, Logger: zerolog.Nop()})

	start := time.Now()
	if err := l.Append(context.Background(), Record{Type: "chat"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("append stalled on the mirror for %v", elapsed)
	}
}
