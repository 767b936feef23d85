package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Verdict is the oracle's answer for one (model, user) pair.
type Verdict struct {
	Limited bool   `json:"is_limit_reached"`
	Reason  string `json:"reason"`
}

// Oracle asks an external monitor whether a user has exhausted their quota
// for a model. Unreachable or slow oracles are treated as "not limited".
type Oracle struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func NewOracle(baseURL string, logger zerolog.Logger) *Oracle {
	return &Oracle{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: time.Second},
		logger:  logger,
	}
}

func (o *Oracle) Configured() bool {
	return o != nil && o.baseURL != ""
}

func (o *Oracle) Check(ctx context.Context, model, userID string) Verdict {
	if !o.Configured() {
		return Verdict{}
	}
	u := fmt.Sprintf("%s/is_limit_reached?model=%s&user_id=%s",
		o.baseURL, url.QueryEscape(model), url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		o.logger.Warn().Err(err).Msg("rate limit oracle request build failed")
		return Verdict{}
	}
	resp, err := o.http.Do(req)
	if err != nil {
		o.logger.Info().Err(err).Msg("rate limit oracle unreachable, passing")
		return Verdict{}
	}
	defer resp.Body.Close()

	var v Verdict
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&v); err != nil {
		o.logger.Info().Err(err).Msg("rate limit oracle returned malformed body, passing")
		return Verdict{}
	}
	return v
}
