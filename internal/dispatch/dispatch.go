package dispatch

import (
	"context"

	"chatmux/internal/convo"
	"chatmux/internal/registry"
)

// Internal error codes surfaced on events that did not come from a backend.
// Backend-reported codes pass through untouched.
const (
	CodeNoWorker  = 50002
	CodeTransport = 50004
)

type EventKind int

const (
	// EventDelta carries the accumulated visible text so far.
	EventDelta EventKind = iota
	// EventError terminates the stream with a code and message.
	EventError
	// EventDone terminates the stream with the final text already delivered.
	EventDone
)

// Event is the normalized shape both adapters emit. The first delta of a turn
// may carry routing side payloads from multiplexing backends.
type Event struct {
	Kind            EventKind
	Text            string
	RespondingModel string
	RouterOutputs   map[string]float64
	Code            int
	Message         string
}

// GenParams are the caller-facing generation knobs.
type GenParams struct {
	Temperature       float64
	TopP              float64
	MaxNewTokens      int
	RepetitionPenalty float64
}

// Request is one streaming generation call. Conv is a snapshot owned by the
// adapter for the duration of the call.
type Request struct {
	Conv           *convo.Template
	Model          string
	Entry          registry.Entry
	Params         GenParams
	UseRecommended bool
	Images         []string
}

// Streamer converts a backend-specific protocol into the Event sequence.
// The returned channel emits zero or more deltas followed by exactly one
// terminal event, then closes. Cancelling ctx tears down the upstream
// connection without emitting further deltas.
type Streamer interface {
	Stream(ctx context.Context, req Request) <-chan Event
}

// Clamp bounds generation parameters to the accepted ranges.
func (p GenParams) Clamp() GenParams {
	if p.Temperature < 0 {
		p.Temperature = 0
	} else if p.Temperature > 1 {
		p.Temperature = 1
	}
	if p.TopP < 0 {
		p.TopP = 0
	} else if p.TopP > 1 {
		p.TopP = 1
	}
	if p.MaxNewTokens < 16 {
		p.MaxNewTokens = 16
	} else if p.MaxNewTokens > 2048 {
		p.MaxNewTokens = 2048
	}
	return p
}
