package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// ProviderStreamer dispatches to a named external API family and translates
// its native stream into the common Event shape.
type ProviderStreamer struct {
	logger zerolog.Logger

	// newClient is swappable in tests.
	newClient func(apiKey, baseURL string) openaiStreamClient
}

type openaiStreamClient interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

func NewProviderStreamer(logger zerolog.Logger) *ProviderStreamer {
	return &ProviderStreamer{
		logger: logger,
		newClient: func(apiKey, baseURL string) openaiStreamClient {
			cfg := openai.DefaultConfig(apiKey)
			if baseURL != "" {
				cfg.BaseURL = baseURL
			}
			return openai.NewClientWithConfig(cfg)
		},
	}
}

var _ Streamer = (*ProviderStreamer)(nil)

func (p *ProviderStreamer) Stream(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		p.stream(ctx, req, out)
	}()
	return out
}

func (p *ProviderStreamer) stream(ctx context.Context, req Request, out chan<- Event) {
	pc := req.Entry.Provider
	if pc == nil {
		emit(ctx, out, Event{Kind: EventError, Code: CodeTransport, Message: "entry has no provider config"})
		return
	}

	params := req.Params.Clamp()
	if req.UseRecommended && pc.Recommended != nil {
		if pc.Recommended.Temperature != nil {
			params.Temperature = *pc.Recommended.Temperature
		}
		if pc.Recommended.TopP != nil {
			params.TopP = *pc.Recommended.TopP
		}
		if pc.Recommended.MaxNewTokens != nil {
			params.MaxNewTokens = *pc.Recommended.MaxNewTokens
		}
	}

	switch strings.ToLower(pc.APIFamily) {
	case "openai", "openai_compat", "openai-compatible":
		p.streamOpenAI(ctx, req, params, out)
	default:
		emit(ctx, out, Event{Kind: EventError, Code: CodeTransport, Message: fmt.Sprintf("unsupported api family %q", pc.APIFamily)})
	}
}

func (p *ProviderStreamer) streamOpenAI(ctx context.Context, req Request, params GenParams, out chan<- Event) {
	pc := req.Entry.Provider
	client := p.newClient(pc.APIKey, pc.BaseURL)

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Conv.Messages)+1)
	// The orchestrator already blanks the system prompt for entries without
	// custom_system_prompt; an empty one is simply omitted here.
	if req.Conv.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Conv.System,
		})
	}
	for i := req.Conv.Offset; i < len(req.Conv.Messages); i++ {
		m := req.Conv.Messages[i]
		if m.Pending {
			continue
		}
		role := openai.ChatMessageRoleUser
		if m.Role == req.Conv.Roles[1] {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	stream, err := client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       pc.ModelName,
		Messages:    messages,
		Temperature: float32(params.Temperature),
		TopP:        float32(params.TopP),
		MaxTokens:   params.MaxNewTokens,
		Stop:        req.Conv.StopStr,
		Stream:      true,
	})
	if err != nil {
		emit(ctx, out, Event{Kind: EventError, Code: providerErrorCode(err), Message: err.Error()})
		return
	}
	defer stream.Close()

	var text strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			emit(ctx, out, Event{Kind: EventDone})
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			emit(ctx, out, Event{Kind: EventError, Code: providerErrorCode(err), Message: err.Error()})
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		text.WriteString(resp.Choices[0].Delta.Content)
		if !emit(ctx, out, Event{Kind: EventDelta, Text: text.String()}) {
			return
		}
	}
}

func providerErrorCode(err error) int {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	return CodeTransport
}

func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
