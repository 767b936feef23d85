package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is one append-only transcript line: either a completed/aborted turn
// ("chat") or a vote ("upvote", "downvote", "flag"). Immutable once written.
type Record struct {
	Tstamp    float64    `json:"tstamp"`
	Type      string     `json:"type"`
	Model     string     `json:"model"`
	GenParams *GenParams `json:"gen_params,omitempty"`
	Start     float64    `json:"start,omitempty"`
	Finish    float64    `json:"finish,omitempty"`
	State     any        `json:"state"`
	IP        string     `json:"ip"`

	// Sink routing only, not serialized.
	Vision  bool `json:"-"`
	Flagged bool `json:"-"`
}

type GenParams struct {
	Temperature  float64 `json:"temperature"`
	TopP         float64 `json:"top_p"`
	MaxNewTokens int     `json:"max_new_tokens"`
}

// Logger appends one JSON object per line to a per-day file, mirrors each
// record to an optional remote sink, and optionally persists it to SQL.
// Writes are serialized; concurrent sessions never interleave bytes within
// a line.
type Logger struct {
	dir       string
	mirrorURL string
	http      *http.Client
	store     *Store
	logger    zerolog.Logger

	mu sync.Mutex
}

type Config struct {
	Dir       string
	MirrorURL string
	Store     *Store
	Logger    zerolog.Logger
}

func NewLogger(cfg Config) *Logger {
	return &Logger{
		dir:       cfg.Dir,
		mirrorURL: cfg.MirrorURL,
		http:      &http.Client{Timeout: 5 * time.Second},
		store:     cfg.Store,
		logger:    cfg.Logger,
	}
}

// Append writes the record to the local sink and best-effort mirrors it in
// the background. Mirror and SQL failures are swallowed; only the local
// append can fail. Append is called with the session's turn lock held, so a
// slow mirror must never be on its path.
func (l *Logger) Append(ctx context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transcript record: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	err = l.appendLocked(rec, line)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	go l.mirror(line)
	if l.store != nil {
		if err := l.store.Insert(ctx, rec); err != nil {
			l.logger.Warn().Err(err).Msg("transcript sql insert failed")
		}
	}
	return nil
}

func (l *Logger) appendLocked(rec Record, line []byte) error {
	path := l.filename(rec, time.Now())
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append transcript record: %w", err)
	}
	return nil
}

func (l *Logger) filename(rec Record, now time.Time) string {
	name := now.Format("2006-01-02") + "-conv.json"
	switch {
	case rec.Vision && rec.Flagged:
		name = "vision-csam-" + name
	case rec.Vision:
		name = "vision-tmp-" + name
	}
	return filepath.Join(l.dir, name)
}

func (l *Logger) mirror(line []byte) {
	if l.mirrorURL == "" {
		return
	}
	req, err := http.NewRequest(http.MethodPost, l.mirrorURL, bytes.NewReader(line))
	if err != nil {
		l.logger.Debug().Err(err).Msg("mirror request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.http.Do(req)
	if err != nil {
		l.logger.Debug().Err(err).Msg("transcript mirror failed")
		return
	}
	_ = resp.Body.Close()
}
