package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"chatmux/internal/discovery"
)

var ErrNotFound = errors.New("model not registered")

type Kind string

const (
	KindWorker   Kind = "worker"
	KindProvider Kind = "provider"
)

// RecommendedParams optionally override caller-supplied generation parameters
// for a provider entry when the caller opts in.
type RecommendedParams struct {
	Temperature  *float64 `json:"temperature,omitempty"`
	TopP         *float64 `json:"top_p,omitempty"`
	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
}

// ProviderConfig is the stored configuration of an external API backend.
type ProviderConfig struct {
	ModelName          string
	APIFamily          string
	BaseURL            string
	APIKey             string
	CustomSystemPrompt bool
	AnonyOnly          bool
	VisionArena        bool
	TextArena          bool
	Recommended        *RecommendedParams
}

// Entry maps a logical model identifier to a dispatch target. Immutable once
// loaded; the registry is rebuilt wholesale, never patched in place.
type Entry struct {
	Name     string
	Kind     Kind
	Provider *ProviderConfig
}

// Snapshot is one immutable registry build. Readers always see either the old
// or the new snapshot, never a partial one.
type Snapshot struct {
	entries map[string]Entry
	Visible []string
	All     []string
}

func (s *Snapshot) Resolve(model string) (Entry, error) {
	if s == nil {
		return Entry{}, ErrNotFound
	}
	e, ok := s.entries[model]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, model)
	}
	return e, nil
}

// Registry resolves model names against the latest snapshot.
type Registry struct {
	discovery   *discovery.Client
	static      map[string]ProviderConfig
	priority    map[string]int
	visionArena bool
	logger      zerolog.Logger

	snapshot atomic.Pointer[Snapshot]
}

type Config struct {
	Discovery *discovery.Client
	// Static provider entries, keyed by logical model name.
	Static map[string]ProviderConfig
	// Priority is the curated ordering table: ranked names sort first in rank
	// order, unranked names sort lexicographically after them.
	Priority []string
	// VisionArena selects the multimodal worker subset during rebuild.
	VisionArena bool
	Logger      zerolog.Logger
}

func New(cfg Config) *Registry {
	prio := make(map[string]int, len(cfg.Priority))
	for i, name := range cfg.Priority {
		prio[name] = i
	}
	r := &Registry{
		discovery:   cfg.Discovery,
		static:      cfg.Static,
		priority:    prio,
		visionArena: cfg.VisionArena,
		logger:      cfg.Logger,
	}
	r.snapshot.Store(&Snapshot{entries: map[string]Entry{}})
	return r
}

// Current returns the latest snapshot.
func (r *Registry) Current() *Snapshot {
	return r.snapshot.Load()
}

// Rebuild queries discovery for live worker models, merges the static
// provider entries, and swaps in a fresh snapshot. Discovery being down is
// not fatal: provider entries stay usable with an empty worker set.
func (r *Registry) Rebuild(ctx context.Context) (*Snapshot, error) {
	var workerModels []string
	if r.discovery.Configured() {
		if err := r.discovery.RefreshWorkers(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("worker refresh failed, continuing with static entries")
		} else {
			var err error
			if r.visionArena {
				workerModels, err = r.discovery.ListMultimodalModels(ctx)
			} else {
				workerModels, err = r.discovery.ListLanguageModels(ctx)
			}
			if err != nil {
				r.logger.Warn().Err(err).Msg("model list failed, continuing with static entries")
				workerModels = nil
			}
		}
	}

	entries := make(map[string]Entry, len(workerModels)+len(r.static))
	for _, name := range workerModels {
		entries[name] = Entry{Name: name, Kind: KindWorker}
	}
	for name, pc := range r.static {
		if r.visionArena && !pc.VisionArena {
			continue
		}
		if !r.visionArena && !pc.TextArena {
			continue
		}
		pc := pc
		entries[name] = Entry{Name: name, Kind: KindProvider, Provider: &pc}
	}

	all := make([]string, 0, len(entries))
	visible := make([]string, 0, len(entries))
	for name, e := range entries {
		all = append(all, name)
		if e.Provider != nil && e.Provider.AnonyOnly {
			continue
		}
		visible = append(visible, name)
	}
	r.sortModels(all)
	r.sortModels(visible)

	snap := &Snapshot{entries: entries, Visible: visible, All: all}
	r.snapshot.Store(snap)
	r.logger.Info().
		Strs("all", all).
		Strs("visible", visible).
		Msg("registry rebuilt")
	return snap, nil
}

func (r *Registry) sortModels(names []string) {
	sort.Slice(names, func(i, j int) bool {
		ri, iRanked := r.priority[names[i]]
		rj, jRanked := r.priority[names[j]]
		switch {
		case iRanked && jRanked:
			return ri < rj
		case iRanked:
			return true
		case jRanked:
			return false
		default:
			return strings.Compare(names[i], names[j]) < 0
		}
	})
}
