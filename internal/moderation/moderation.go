package moderation

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// Moderator is a pure predicate over text. Implementations must fail open:
// a broken classifier must never block the turn.
type Moderator interface {
	Flagged(ctx context.Context, text string, modelNames []string) bool
}

// Disabled never flags anything.
type Disabled struct{}

func (Disabled) Flagged(context.Context, string, []string) bool { return false }

// OpenAIModerator classifies text with the OpenAI moderations endpoint.
type OpenAIModerator struct {
	client *openai.Client
	logger zerolog.Logger
}

func NewOpenAI(apiKey string, logger zerolog.Logger) *OpenAIModerator {
	return &OpenAIModerator{client: openai.NewClient(apiKey), logger: logger}
}

var _ Moderator = (*OpenAIModerator)(nil)

func (m *OpenAIModerator) Flagged(ctx context.Context, text string, modelNames []string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: openai.ModerationOmniLatest,
	})
	if err != nil {
		m.logger.Warn().Err(err).Strs("models", modelNames).Msg("moderation call failed, passing input through")
		return false
	}
	for _, r := range resp.Results {
		if r.Flagged {
			return true
		}
	}
	return false
}
