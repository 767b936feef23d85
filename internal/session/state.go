package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatmux/internal/convo"
	"chatmux/internal/imagestore"
)

// State is one active conversation bound to a model choice. It is mutated
// exclusively by the orchestrator; mu serializes turns so no two dispatches
// ever interleave on the same session.
type State struct {
	mu sync.Mutex

	Conv      *convo.Template
	SessionID string
	ModelName string

	// SkipNext marks the next generation request as a no-op (set by empty
	// input and by the turn ceiling).
	SkipNext bool

	// RegenSupport is false for browsing-class models: their answers depend
	// on retrieval state that a plain re-dispatch cannot reproduce.
	RegenSupport bool

	Vision bool

	// Per-turn diagnostics from multiplexing backends, recorded once per turn
	// off the first stream event.
	RespondingModels []string
	RouterOutputs    []map[string]float64

	// FlaggedUnsafe latches true and is never cleared for the session's
	// lifetime; it routes image attachments into quarantine.
	FlaggedUnsafe bool
}

func NewState(model string, vision bool) *State {
	conv := convo.ForModel(model)
	conv.System = convo.ExpandDates(conv.System, time.Now())
	return &State{
		Conv:         conv,
		SessionID:    uuid.NewString(),
		ModelName:    model,
		RegenSupport: !strings.Contains(model, "browsing"),
		Vision:       vision,
	}
}

// Snapshot is the full session dump embedded in transcript records.
type Snapshot struct {
	convo.Snapshot
	SessionID        string               `json:"conv_id"`
	ModelName        string               `json:"model_name"`
	RespondingModels []string             `json:"ans_models,omitempty"`
	RouterOutputs    []map[string]float64 `json:"router_outputs,omitempty"`
	FlaggedUnsafe    *bool                `json:"has_csam_image,omitempty"`
}

func (s *State) Snapshot() Snapshot {
	snap := Snapshot{
		Snapshot:         s.Conv.Snapshot(),
		SessionID:        s.SessionID,
		ModelName:        s.ModelName,
		RespondingModels: append([]string(nil), s.RespondingModels...),
		RouterOutputs:    append([]map[string]float64(nil), s.RouterOutputs...),
	}
	redactImages(snap.Messages)
	if s.Vision {
		flagged := s.FlaggedUnsafe
		snap.FlaggedUnsafe = &flagged
	}
	return snap
}

// redactImages swaps raw image payloads for their content hashes so transcript
// records stay compact and line up with the image store's filenames. Fresh
// slices are allocated: the live conversation keeps the payloads for
// re-dispatch.
func redactImages(msgs []convo.Message) {
	for i, m := range msgs {
		if len(m.Images) == 0 {
			continue
		}
		hashed := make([]string, len(m.Images))
		for j, img := range m.Images {
			hashed[j] = imagestore.Hash(img)
		}
		msgs[i].Images = hashed
	}
}

// Lock takes the per-session turn lock. The orchestrator holds it from
// validation through finalization.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }
