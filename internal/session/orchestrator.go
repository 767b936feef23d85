package session

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"chatmux/internal/convo"
	"chatmux/internal/dispatch"
	"chatmux/internal/imagestore"
	"chatmux/internal/metrics"
	"chatmux/internal/moderation"
	"chatmux/internal/ratelimit"
	"chatmux/internal/registry"
	"chatmux/internal/transcript"
)

// Update is one step of the streaming UI contract: the current view of the
// conversation plus whether more updates are coming.
type Update struct {
	Messages  []convo.Message `json:"messages"`
	Streaming bool            `json:"streaming"`
}

// Orchestrator drives the per-turn state machine: validation, policy,
// backend dispatch, stream folding, and transcript persistence. One turn per
// session runs at a time; across sessions it is bounded only by the global
// concurrency ceiling.
type Orchestrator struct {
	registry    *registry.Registry
	worker      dispatch.Streamer
	provider    dispatch.Streamer
	moderator   moderation.Moderator
	oracle      *ratelimit.Oracle
	local       *ratelimit.LocalLimiter
	transcripts *transcript.Logger
	images      *imagestore.Store
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	slots chan struct{}

	inputCharLimit int
	turnLimit      int
}

type Config struct {
	Registry    *registry.Registry
	Worker      dispatch.Streamer
	Provider    dispatch.Streamer
	Moderator   moderation.Moderator
	Oracle      *ratelimit.Oracle
	Local       *ratelimit.LocalLimiter
	Transcripts *transcript.Logger
	Images      *imagestore.Store
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger

	// MaxConcurrentStreams is the global ceiling on in-flight dispatches.
	// Submissions beyond it queue rather than fail.
	MaxConcurrentStreams int
	InputCharLimit       int
	TurnLimit            int
}

func New(cfg Config) *Orchestrator {
	if cfg.MaxConcurrentStreams < 1 {
		cfg.MaxConcurrentStreams = 16
	}
	if cfg.InputCharLimit <= 0 {
		cfg.InputCharLimit = DefaultInputCharLimit
	}
	if cfg.TurnLimit <= 0 {
		cfg.TurnLimit = DefaultTurnLimit
	}
	if cfg.Moderator == nil {
		cfg.Moderator = moderation.Disabled{}
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Orchestrator{
		registry:       cfg.Registry,
		worker:         cfg.Worker,
		provider:       cfg.Provider,
		moderator:      cfg.Moderator,
		oracle:         cfg.Oracle,
		local:          cfg.Local,
		transcripts:    cfg.Transcripts,
		images:         cfg.Images,
		metrics:        m,
		logger:         cfg.Logger,
		slots:          make(chan struct{}, cfg.MaxConcurrentStreams),
		inputCharLimit: cfg.InputCharLimit,
		turnLimit:      cfg.TurnLimit,
	}
}

// AddText validates and appends a user turn. It returns a notice for the
// caller when the turn was rejected outright (turn ceiling); an empty notice
// means the turn was appended (possibly redacted) and is ready to dispatch.
func (o *Orchestrator) AddText(ctx context.Context, st *State, text, ip string, images []string) string {
	st.Lock()
	defer st.Unlock()

	log := o.logger.With().Str("session_id", st.SessionID).Str("ip", ip).Logger()
	log.Info().Int("len", len(text)).Msg("add text")

	if len(text) == 0 {
		st.SkipNext = true
		return ""
	}

	// Moderate the tail of the rendered history together with the new turn,
	// so context-dependent violations are caught too.
	history := tailRunes(st.Conv.Prompt(), moderationTailChars)
	if o.moderator.Flagged(ctx, history+"\nuser: "+text, []string{st.ModelName}) {
		log.Info().Msg("moderation violation, input redacted")
		o.metrics.ModerationHits.Inc()
		st.FlaggedUnsafe = true
		// The redacted text is what gets stored and sent; the backend still
		// answers the substituted message.
		text = ModerationMsg
	}

	if st.Conv.Turns() >= o.turnLimit {
		log.Info().Int("turns", st.Conv.Turns()).Msg("conversation turn limit reached")
		st.SkipNext = true
		return TurnLimitMsg
	}

	text = truncateRunes(text, o.inputCharLimit)
	st.Conv.Append(st.Conv.Roles[0], text)
	st.Conv.AttachImages(images)
	st.Conv.AppendPending(st.Conv.Roles[1])
	return ""
}

// RespondOptions tune one dispatch.
type RespondOptions struct {
	ApplyRateLimit bool
	UseRecommended bool
}

// Respond runs dispatch and streaming for the pending turn, emitting updates
// until the terminal event. The returned channel closes when the turn settles.
// Cancelling ctx abandons the upstream stream and writes no transcript record.
func (o *Orchestrator) Respond(ctx context.Context, st *State, params dispatch.GenParams, ip string, opts RespondOptions) <-chan Update {
	ch := make(chan Update, 16)
	go func() {
		defer close(ch)
		st.Lock()
		defer st.Unlock()
		o.respond(ctx, st, params, ip, opts, ch)
	}()
	return ch
}

func (o *Orchestrator) respond(ctx context.Context, st *State, params dispatch.GenParams, ip string, opts RespondOptions, ch chan<- Update) {
	log := o.logger.With().Str("session_id", st.SessionID).Str("model", st.ModelName).Str("ip", ip).Logger()
	start := time.Now()

	if st.SkipNext {
		// Skipped due to invalid input; emit the unchanged transcript.
		st.SkipNext = false
		o.emit(ctx, ch, st, false)
		return
	}

	if opts.ApplyRateLimit && o.limited(ctx, st, ip, log) {
		o.metrics.RateLimitHits.Inc()
		o.emit(ctx, ch, st, false)
		return
	}

	entry, err := o.registry.Current().Resolve(st.ModelName)
	if err != nil {
		log.Warn().Err(err).Msg("model not in registry")
		st.Conv.FinalizeLast(ServerErrorMsg)
		o.emit(ctx, ch, st, false)
		return
	}

	// API providers get no custom system prompt unless the entry allows it.
	// This mutates the session so follow-up turns stay consistent.
	if entry.Kind == registry.KindProvider && !entry.Provider.CustomSystemPrompt {
		st.Conv.System = ""
	}

	if !o.acquireSlot(ctx) {
		return
	}
	defer o.releaseSlot()

	streamer := o.worker
	if entry.Kind == registry.KindProvider {
		streamer = o.provider
	}
	req := dispatch.Request{
		Conv:           st.Conv.Clone(),
		Model:          st.ModelName,
		Entry:          entry,
		Params:         params,
		UseRecommended: opts.UseRecommended,
		Images:         st.Conv.Images(),
	}

	st.Conv.UpdateLast(cursor)
	o.emit(ctx, ch, st, true)

	o.metrics.ActiveStreams.Inc()
	defer o.metrics.ActiveStreams.Dec()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		text           string
		sawSidePayload bool
		terminal       *dispatch.Event
	)
	for ev := range streamer.Stream(streamCtx, req) {
		switch ev.Kind {
		case dispatch.EventDelta:
			if !sawSidePayload {
				sawSidePayload = true
				if ev.RespondingModel != "" {
					st.RespondingModels = append(st.RespondingModels, ev.RespondingModel)
				}
				if ev.RouterOutputs != nil {
					st.RouterOutputs = append(st.RouterOutputs, ev.RouterOutputs)
				}
			}
			text = ev.Text
			st.Conv.UpdateLast(text + cursor)
			if !o.emit(ctx, ch, st, true) {
				return
			}
		case dispatch.EventError, dispatch.EventDone:
			ev := ev
			terminal = &ev
		}
		if terminal != nil {
			break
		}
	}
	cancel()

	if ctx.Err() != nil {
		// Client went away mid-stream: upstream is torn down and partial
		// turns are not logged.
		log.Info().Msg("client disconnected, stream abandoned")
		return
	}
	if terminal == nil {
		// Channel closed without a terminal event; treat as transport loss.
		terminal = &dispatch.Event{Kind: dispatch.EventError, Code: dispatch.CodeTransport, Message: "stream ended unexpectedly"}
	}

	switch {
	case terminal.Kind == dispatch.EventDone:
		st.Conv.FinalizeLast(strings.TrimSpace(text))
		o.metrics.TurnsTotal.WithLabelValues(st.ModelName).Inc()
	case terminal.Code == dispatch.CodeNoWorker:
		log.Warn().Msg("no worker available")
		o.metrics.DispatchErrors.WithLabelValues("no_backend").Inc()
		st.Conv.FinalizeLast(ServerErrorMsg)
		o.emit(ctx, ch, st, false)
		// Nothing was dispatched; no record for this turn.
		return
	case terminal.Code == dispatch.CodeTransport:
		log.Warn().Str("detail", terminal.Message).Msg("transport failure mid-stream")
		o.metrics.DispatchErrors.WithLabelValues("transport").Inc()
		st.Conv.FinalizeLast(transportFailureMessage(text, terminal.Message))
	default:
		log.Warn().Int("error_code", terminal.Code).Str("detail", terminal.Message).Msg("backend error")
		o.metrics.DispatchErrors.WithLabelValues("backend").Inc()
		st.Conv.FinalizeLast(fmt.Sprintf("%s\n\n%s\n\n(error_code: %d)", ServerErrorMsg, terminal.Message, terminal.Code))
	}
	o.emit(ctx, ch, st, false)

	o.finalize(st, params, ip, start, log)
}

// limited consults the local limiter, then the external oracle. Either saying
// "limited" writes the rate-limit message into the placeholder.
func (o *Orchestrator) limited(ctx context.Context, st *State, ip string, log zerolog.Logger) bool {
	if o.local != nil {
		allowed, used, _, err := o.local.Allow(ctx, st.ModelName, ip, time.Now())
		if err != nil {
			log.Warn().Err(err).Msg("local rate limiter failed, passing")
		} else if !allowed {
			log.Info().Int64("used", used).Msg("local rate limit reached")
			st.Conv.FinalizeLast(RateLimitMsg)
			return true
		}
	}
	if o.oracle.Configured() {
		if v := o.oracle.Check(ctx, st.ModelName, ip); v.Limited {
			log.Info().Str("reason", v.Reason).Msg("rate limit oracle rejected turn")
			st.Conv.FinalizeLast(RateLimitMsg + "\n\n" + v.Reason)
			return true
		}
	}
	return false
}

func (o *Orchestrator) finalize(st *State, params dispatch.GenParams, ip string, start time.Time, log zerolog.Logger) {
	finish := time.Now()

	if o.images != nil {
		if imgs := st.Conv.Images(); len(imgs) > 0 {
			o.images.Save(imgs, st.FlaggedUnsafe)
		}
	}

	params = params.Clamp()
	rec := transcript.Record{
		Tstamp: tstamp(finish),
		Type:   "chat",
		Model:  st.ModelName,
		GenParams: &transcript.GenParams{
			Temperature:  params.Temperature,
			TopP:         params.TopP,
			MaxNewTokens: params.MaxNewTokens,
		},
		Start:   tstamp(start),
		Finish:  tstamp(finish),
		State:   st.Snapshot(),
		IP:      ip,
		Vision:  st.Vision,
		Flagged: st.FlaggedUnsafe,
	}
	// Persistence must survive client disconnects; do not reuse the request
	// context here.
	if err := o.transcripts.Append(context.Background(), rec); err != nil {
		log.Error().Err(err).Msg("transcript append failed")
	}
}

// Regenerate clears the last assistant content back to pending so the turn
// can be re-dispatched. For models without regeneration support it is a
// strict no-op and reports false.
func (o *Orchestrator) Regenerate(st *State) bool {
	st.Lock()
	defer st.Unlock()
	if !st.RegenSupport {
		st.SkipNext = true
		return false
	}
	st.Conv.ClearLast()
	return true
}

// Vote appends a vote record with the current snapshot. It never touches the
// conversation and is callable whenever a completed turn exists.
func (o *Orchestrator) Vote(ctx context.Context, st *State, kind, ip string) error {
	if kind != "upvote" && kind != "downvote" && kind != "flag" {
		return fmt.Errorf("unknown vote kind %q", kind)
	}
	st.Lock()
	defer st.Unlock()

	o.metrics.VotesTotal.WithLabelValues(kind).Inc()
	return o.transcripts.Append(ctx, transcript.Record{
		Tstamp:  tstamp(time.Now()),
		Type:    kind,
		Model:   st.ModelName,
		State:   st.Snapshot(),
		IP:      ip,
		Vision:  st.Vision,
		Flagged: st.FlaggedUnsafe,
	})
}

func (o *Orchestrator) acquireSlot(ctx context.Context) bool {
	select {
	case o.slots <- struct{}{}:
		return true
	default:
	}
	o.metrics.QueuedDispatches.Inc()
	defer o.metrics.QueuedDispatches.Dec()
	select {
	case o.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) releaseSlot() {
	<-o.slots
}

func (o *Orchestrator) emit(ctx context.Context, ch chan<- Update, st *State, streaming bool) bool {
	msgs := make([]convo.Message, len(st.Conv.Messages)-st.Conv.Offset)
	copy(msgs, st.Conv.Messages[st.Conv.Offset:])
	select {
	case ch <- Update{Messages: msgs, Streaming: streaming}:
		return true
	case <-ctx.Done():
		return false
	}
}

func tstamp(t time.Time) float64 {
	return float64(t.UnixNano()/1e5) / 1e4
}

// truncateRunes cuts s to at most limit characters without splitting a rune.
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}

// tailRunes keeps the last limit characters of s.
func tailRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[len(r)-limit:])
}

// transportFailureMessage keeps whatever partial text streamed before the
// connection dropped and annotates it with the internal error code.
func transportFailureMessage(partial, detail string) string {
	annotation := fmt.Sprintf("%s\n\n(error_code: %d, %s)", ServerErrorMsg, dispatch.CodeTransport, detail)
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return annotation
	}
	return partial + "\n\n" + annotation
}
