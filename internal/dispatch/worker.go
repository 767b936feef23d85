package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"chatmux/internal/discovery"
)

// WorkerStreamer dispatches to a self-hosted model worker found through the
// discovery controller. The address is resolved per call, never cached.
type WorkerStreamer struct {
	discovery *discovery.Client
	http      *http.Client
	logger    zerolog.Logger
}

func NewWorkerStreamer(disc *discovery.Client, httpClient *http.Client, logger zerolog.Logger) *WorkerStreamer {
	if httpClient == nil {
		// Only the time to first byte is bounded; a healthy stream may run
		// far longer than any sane request timeout.
		httpClient = &http.Client{}
	}
	return &WorkerStreamer{discovery: disc, http: httpClient, logger: logger}
}

var _ Streamer = (*WorkerStreamer)(nil)

type workerChunk struct {
	Text            string             `json:"text"`
	ErrorCode       int                `json:"error_code"`
	RespondingModel string             `json:"ans_model"`
	RouterOutputs   map[string]float64 `json:"router_outputs"`
}

func (w *WorkerStreamer) Stream(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		w.stream(ctx, req, out)
	}()
	return out
}

func (w *WorkerStreamer) stream(ctx context.Context, req Request, out chan<- Event) {
	addr, err := w.discovery.WorkerAddress(ctx, req.Model)
	if err != nil {
		emit(ctx, out, Event{Kind: EventError, Code: CodeTransport, Message: err.Error()})
		return
	}
	if addr == "" {
		emit(ctx, out, Event{Kind: EventError, Code: CodeNoWorker, Message: "no worker available for model"})
		return
	}

	params := req.Params.Clamp()
	params.RepetitionPenalty = repetitionPenaltyFor(req.Model)

	payload := map[string]any{
		"model":              req.Model,
		"prompt":             req.Conv.Prompt(),
		"temperature":        params.Temperature,
		"repetition_penalty": params.RepetitionPenalty,
		"top_p":              params.TopP,
		"max_new_tokens":     params.MaxNewTokens,
		"stop":               req.Conv.StopStr,
		"stop_token_ids":     req.Conv.StopTokenIDs,
		"echo":               false,
	}
	if len(req.Images) > 0 {
		payload["images"] = req.Images
	}
	body, err := json.Marshal(payload)
	if err != nil {
		emit(ctx, out, Event{Kind: EventError, Code: CodeTransport, Message: err.Error()})
		return
	}

	w.logger.Debug().Str("model", req.Model).Str("worker_addr", addr).Msg("worker stream request")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(addr, "/")+"/worker_generate_stream", bytes.NewReader(body))
	if err != nil {
		emit(ctx, out, Event{Kind: EventError, Code: CodeTransport, Message: err.Error()})
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "chatmux")

	resp, err := w.http.Do(httpReq)
	if err != nil {
		emit(ctx, out, Event{Kind: EventError, Code: CodeTransport, Message: err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// The worker was reached, so this is a backend failure, not transport
		// loss: surface the HTTP status as the code, like the provider adapter.
		emit(ctx, out, Event{Kind: EventError, Code: resp.StatusCode, Message: fmt.Sprintf("worker status %d", resp.StatusCode)})
		return
	}

	// Chunks are NUL-delimited JSON objects.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	scanner.Split(splitNUL)
	for scanner.Scan() {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var chunk workerChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			emit(ctx, out, Event{Kind: EventError, Code: CodeTransport, Message: fmt.Sprintf("malformed worker chunk: %v", err)})
			return
		}
		if chunk.ErrorCode != 0 {
			// Terminal by contract. Retrying is the caller's decision, not ours.
			emit(ctx, out, Event{Kind: EventError, Code: chunk.ErrorCode, Message: chunk.Text})
			return
		}
		if !emit(ctx, out, Event{
			Kind:            EventDelta,
			Text:            strings.TrimSpace(chunk.Text),
			RespondingModel: chunk.RespondingModel,
			RouterOutputs:   chunk.RouterOutputs,
		}) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		emit(ctx, out, Event{Kind: EventError, Code: CodeTransport, Message: err.Error()})
		return
	}
	emit(ctx, out, Event{Kind: EventDone})
}

// repetitionPenaltyFor applies the tokenizer-family override.
func repetitionPenaltyFor(model string) float64 {
	if strings.Contains(strings.ToLower(model), "t5") {
		return 1.2
	}
	return 1.0
}

func splitNUL(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
