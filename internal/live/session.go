// Package live runs language-practice attempts over a bidirectional
// connection.
//
// A [Session] is one attempt: the learner streams audio, the session sends the
// growing buffer to a transcription backend one call at a time, matches every
// fragment against the scene's expected responses, and ends with exactly one
// final event whose outcome is committed to the run's [ledger.Ledger].
// Language penalties are written to the ledger the moment they are issued. Each
// session is driven by a single goroutine ([Session.Run]) that owns all of its
// mutable state; other goroutines talk to it through [Session.Audio],
// [Session.Control] and [Session.Abandon].
//
// A [Manager] binds sessions to connections: one active session per
// connection, one ledger per connection, and protocol errors close the
// connection without an outcome.
package live

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/ledger"
	"github.com/MrWong99/parley/internal/match"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/scenario"
	"github.com/MrWong99/parley/pkg/protocol"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

var (
	// ErrSessionDone is returned when input reaches a session that has
	// already finished.
	ErrSessionDone = errors.New("live: session is done")

	// ErrAbandoned is returned by [Session.Stop] when the session ended
	// without an outcome.
	ErrAbandoned = errors.New("live: session abandoned")
)

// penaltyReasonLanguage marks finals of attempts that drew language
// penalties.
const penaltyReasonLanguage = "language_mismatch"

// Config tunes sessions. Start from [DefaultConfig].
type Config struct {
	Thresholds Thresholds

	// IdleTimeout finalizes a session that received no audio or control for
	// this long.
	IdleTimeout time.Duration

	// MaxConsecutiveFailures transient provider errors in a row end the
	// attempt as a failure.
	MaxConsecutiveFailures int

	// MaxBufferBytes bounds the audio buffered per attempt. Audio beyond it
	// is dropped.
	MaxBufferBytes int

	// Format describes the audio clients send.
	Format types.AudioFormat

	// Provider labels transcription metrics.
	Provider string

	// Rules apply to scenes that arrive inline with the init instead of by
	// scenario id.
	Rules scenario.Rules
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds:             DefaultThresholds(),
		IdleTimeout:            30 * time.Second,
		MaxConsecutiveFailures: 3,
		MaxBufferBytes:         4 << 20,
		Format:                 types.AudioFormat{Encoding: types.EncodingPCM16, SampleRate: 16000, Channels: 1},
		Provider:               "default",
		Rules:                  scenario.DefaultRules(),
	}
}

// Emitter delivers server events to the client in the order they are
// emitted.
type Emitter interface {
	Emit(ctx context.Context, event any) error
}

// EmitterFunc adapts a function to [Emitter].
type EmitterFunc func(ctx context.Context, event any) error

// Emit calls f(ctx, event).
func (f EmitterFunc) Emit(ctx context.Context, event any) error { return f(ctx, event) }

// SessionParams holds everything a [Session] needs.
type SessionParams struct {
	ID          string
	Scenario    scenario.Scenario
	Mode        string
	Ledger      *ledger.Ledger
	Transcriber stt.Transcriber
	Matcher     *match.Matcher
	Emitter     Emitter
	Config      Config

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type input struct {
	audio   []byte
	control *protocol.Control
}

type callResult struct {
	seq        int64
	commit     bool
	transcript types.Transcript
	err        error
	took       time.Duration
}

// Session is one attempt at a scene.
type Session struct {
	id       string
	sc       scenario.Scenario
	expected []string
	keywords []types.KeywordBoost
	cfg      Config
	tr       stt.Transcriber
	matcher  *match.Matcher
	ledger   *ledger.Ledger
	out      Emitter
	metrics  *observe.Metrics
	log      *slog.Logger

	inbox       chan input
	results     chan callResult
	abandon     chan struct{}
	abandonOnce sync.Once
	done        chan struct{}

	mu     sync.Mutex
	status Status
	final  *protocol.Final

	// Owned by the Run goroutine.
	mode         string
	buf          []byte
	overflowed   bool
	dirty        bool
	inFlight     bool
	callCancel   context.CancelFunc
	callSeq      int64
	commitQueued bool
	failures     int
	ordinal      int64
	snap         ledger.Snapshot
	penalties    int
	mismatch     bool
	best         match.Result
	bestHeard    string
	latest       match.Result
	latestHeard  string
}

// NewSession acquires p.Ledger for the new session. It fails with
// [ledger.ErrLedgerBusy] when another session holds it.
func NewSession(p SessionParams) (*Session, error) {
	if p.Ledger == nil || p.Transcriber == nil || p.Emitter == nil {
		return nil, errors.New("live: session needs a ledger, a transcriber and an emitter")
	}
	if err := p.Ledger.Acquire(p.ID); err != nil {
		return nil, err
	}
	if p.Matcher == nil {
		p.Matcher = match.New()
	}
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Mode == "" {
		p.Mode = protocol.ModeLive
	}
	expected := p.Scenario.Expected()
	keywords := make([]types.KeywordBoost, len(expected))
	for i, e := range expected {
		keywords[i] = types.KeywordBoost{Keyword: e, Boost: 1}
	}
	return &Session{
		id:       p.ID,
		sc:       p.Scenario,
		expected: expected,
		keywords: keywords,
		cfg:      p.Config,
		tr:       p.Transcriber,
		matcher:  p.Matcher,
		ledger:   p.Ledger,
		out:      p.Emitter,
		metrics:  p.Metrics,
		log:      p.Logger.With("session_id", p.ID, "scenario", p.Scenario.ID),
		inbox:    make(chan input, 32),
		results:  make(chan callResult, 1),
		abandon:  make(chan struct{}),
		done:     make(chan struct{}),
		status:   StatusOpen,
		mode:     p.Mode,
		snap:     p.Ledger.Snapshot(),
		best:     match.NoMatch,
		latest:   match.NoMatch,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed once Run has returned and the ledger has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Final returns the final event, if the session produced one. Repeated calls
// return the same value.
func (s *Session) Final() (protocol.Final, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.final == nil {
		return protocol.Final{}, false
	}
	return *s.final, true
}

// Audio queues an audio chunk.
func (s *Session) Audio(ctx context.Context, data []byte) error {
	return s.send(ctx, input{audio: data})
}

// Control queues a control signal.
func (s *Session) Control(ctx context.Context, c protocol.Control) error {
	return s.send(ctx, input{control: &c})
}

// Stop finalizes the session with reason and waits for the outcome. Calling
// it on a finished session returns the outcome computed the first time and
// does not touch the ledger again.
func (s *Session) Stop(ctx context.Context, reason string) (protocol.Final, error) {
	if reason == "" {
		reason = protocol.ReasonStop
	}
	if err := s.Control(ctx, protocol.Control{Kind: protocol.ControlStop, Reason: reason}); err != nil && !errors.Is(err, ErrSessionDone) {
		return protocol.Final{}, err
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return protocol.Final{}, ctx.Err()
	}
	if f, ok := s.Final(); ok {
		return f, nil
	}
	return protocol.Final{}, ErrAbandoned
}

// Abandon ends the session without an outcome. Penalties already issued stay
// in the ledger; nothing else is written. Safe to call more than once and after the session finished.
func (s *Session) Abandon() {
	s.abandonOnce.Do(func() { close(s.abandon) })
}

func (s *Session) send(ctx context.Context, in input) error {
	select {
	case <-s.done:
		return ErrSessionDone
	default:
	}
	select {
	case s.inbox <- in:
		return nil
	case <-s.done:
		return ErrSessionDone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until it is final or abandoned. Cancelling ctx
// abandons the session.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer close(s.done)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	s.log.Debug("session started", "mode", s.mode, "ledger", s.snap.String())

	if s.snap.Exhausted() {
		s.finalize(ctx, protocol.ReasonLivesExhausted, match.NoMatch, "", true)
		return
	}

	idle := time.NewTimer(s.cfg.IdleTimeout)
	defer idle.Stop()

	for !s.Status().Terminal() {
		select {
		case <-ctx.Done():
			s.close("context done")
		case <-s.abandon:
			s.close("abandoned")
		case in := <-s.inbox:
			idle.Reset(s.cfg.IdleTimeout)
			s.handle(ctx, in)
		case r := <-s.results:
			s.handleResult(ctx, r)
		case <-idle.C:
			s.log.Info("session idle, finalizing", "idle_timeout", s.cfg.IdleTimeout)
			s.finalize(ctx, protocol.ReasonTimeout, s.best, s.bestHeard, false)
		}
	}
}

func (s *Session) handle(ctx context.Context, in input) {
	if in.control == nil {
		s.handleAudio(ctx, in.audio)
		return
	}
	switch c := in.control; c.Kind {
	case protocol.ControlStop:
		s.finalize(ctx, c.Reason, s.best, s.bestHeard, false)
	case protocol.ControlCommit:
		if s.mode == protocol.ModePaused {
			s.commit(ctx)
			return
		}
		s.finalize(ctx, protocol.ReasonCommit, s.best, s.bestHeard, false)
	case protocol.ControlModeLive:
		s.log.Debug("mode switch", "from", s.mode, "to", protocol.ModeLive)
		s.mode = protocol.ModeLive
		s.maybeTranscribe(ctx)
	case protocol.ControlModePaused:
		s.log.Debug("mode switch", "from", s.mode, "to", protocol.ModePaused)
		s.mode = protocol.ModePaused
	}
}

func (s *Session) handleAudio(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	if s.Status() == StatusOpen {
		s.setStatus(StatusStreaming)
	}
	if len(s.buf)+len(data) > s.cfg.MaxBufferBytes {
		if !s.overflowed {
			s.overflowed = true
			s.log.Warn("audio buffer full, dropping audio", "buffered", len(s.buf), "limit", s.cfg.MaxBufferBytes)
			s.emit(ctx, protocol.NewError("audio buffer full, further audio is ignored"))
		}
		return
	}
	s.buf = append(s.buf, data...)
	s.dirty = true
	if s.mode == protocol.ModeLive {
		s.maybeTranscribe(ctx)
	}
}

func (s *Session) maybeTranscribe(ctx context.Context) {
	if s.inFlight || !s.dirty || len(s.buf) == 0 {
		return
	}
	s.startCall(ctx, false)
}

func (s *Session) commit(ctx context.Context) {
	if s.inFlight {
		s.commitQueued = true
		return
	}
	if len(s.buf) == 0 {
		s.emit(ctx, protocol.NewError("nothing to commit yet"))
		return
	}
	s.startCall(ctx, true)
}

func (s *Session) startCall(ctx context.Context, commit bool) {
	s.callSeq++
	seq := s.callSeq
	callCtx, cancel := context.WithCancel(ctx)
	s.callCancel = cancel
	s.inFlight = true
	s.dirty = false

	req := stt.Request{
		Audio:        s.buf[:len(s.buf):len(s.buf)],
		Format:       s.cfg.Format,
		LanguageHint: s.sc.Language,
		Keywords:     s.keywords,
	}
	go func() {
		callCtx, span := observe.StartSpan(callCtx, "live.transcribe", trace.WithAttributes(
			attribute.String("session_id", s.id),
			attribute.Int("audio_bytes", len(req.Audio)),
			attribute.Bool("commit", commit),
		))
		start := time.Now()
		tr, err := s.tr.Transcribe(callCtx, req)
		observe.EndSpan(span, err)
		s.results <- callResult{seq: seq, commit: commit, transcript: tr, err: err, took: time.Since(start)}
	}()
}

func (s *Session) handleResult(ctx context.Context, r callResult) {
	if r.seq != s.callSeq || !s.inFlight {
		return
	}
	s.inFlight = false
	s.callCancel()
	s.callCancel = nil

	if r.err != nil {
		s.handleCallError(ctx, r)
		return
	}
	s.metrics.RecordTranscription(ctx, s.cfg.Provider, "ok", "", r.took)
	s.failures = 0

	if text := strings.TrimSpace(r.transcript.Text); text != "" {
		s.fragment(ctx, text, r.transcript, !r.commit)
		if s.Status().Terminal() {
			return
		}
	}
	if r.commit {
		s.finalize(ctx, protocol.ReasonCommit, s.latest, s.latestHeard, false)
		return
	}
	s.afterCall(ctx)
}

func (s *Session) handleCallError(ctx context.Context, r callResult) {
	if errors.Is(r.err, context.Canceled) {
		s.metrics.RecordTranscription(ctx, s.cfg.Provider, "error", "cancelled", r.took)
		s.afterCall(ctx)
		return
	}
	if stt.IsFatal(r.err) {
		s.metrics.RecordTranscription(ctx, s.cfg.Provider, "error", "fatal", r.took)
		s.log.Error("fatal transcription error", "err", r.err)
		s.finalize(ctx, protocol.ReasonProviderFailure, match.NoMatch, s.bestHeard, true)
		return
	}
	s.metrics.RecordTranscription(ctx, s.cfg.Provider, "error", "transient", r.took)
	s.failures++
	s.log.Warn("transcription failed", "err", r.err, "consecutive", s.failures)
	if s.failures >= s.cfg.MaxConsecutiveFailures {
		s.finalize(ctx, protocol.ReasonProviderFailure, match.NoMatch, s.bestHeard, true)
		return
	}
	if r.commit {
		s.emit(ctx, protocol.NewError("transcription failed, please commit again"))
		return
	}
	s.emit(ctx, protocol.NewError("transcription failed, keep speaking"))
	s.afterCall(ctx)
}

// afterCall starts whatever work queued up while a call was in flight.
func (s *Session) afterCall(ctx context.Context) {
	if s.commitQueued {
		s.commitQueued = false
		s.commit(ctx)
		return
	}
	if s.mode == protocol.ModeLive {
		s.maybeTranscribe(ctx)
	}
}

// fragment matches one non-empty transcript, emits the partial, and applies
// the language penalty and, when auto is set, the auto-finalize rule.
func (s *Session) fragment(ctx context.Context, text string, tr types.Transcript, auto bool) {
	s.ordinal++
	res := s.matcher.Match(text, s.expected)
	s.latest, s.latestHeard = res, text
	if res.Confidence >= s.best.Confidence {
		s.best, s.bestHeard = res, text
	}

	s.emit(ctx, protocol.Partial{
		Event:            protocol.EventPartial,
		Transcript:       text,
		DetectedLanguage: tr.Language,
		Ordinal:          s.ordinal,
		MatchedIndex:     res.Index,
		Confidence:       res.Confidence,
		MatchType:        string(res.Type),
	})

	if !sameLanguage(s.sc.Language, tr.Language) {
		if !s.mismatch {
			s.mismatch = true
			s.penalize(ctx, tr.Language)
			if s.snap.Exhausted() {
				s.finalize(ctx, protocol.ReasonLivesExhausted, s.best, s.bestHeard, true)
				return
			}
		}
	} else if s.mismatch {
		s.mismatch = false
		s.setStatus(StatusStreaming)
	}

	if auto && res.Type == match.Exact && res.Confidence >= s.cfg.Thresholds.Full {
		s.finalize(ctx, protocol.ReasonMatched, res, text, false)
	}
}

func (s *Session) penalize(ctx context.Context, detected string) {
	d := ledger.Delta{Score: s.sc.Rules.PenaltyScore, Lives: s.sc.Rules.PenaltyLives}
	before := s.snap
	snap, _, err := s.ledger.Penalize(s.id, s.ordinal, d)
	if err != nil {
		s.log.Error("apply penalty", "err", err)
		snap = before.Apply(d)
	}
	s.snap = snap
	s.penalties++
	s.setStatus(StatusPenalty)
	s.metrics.RecordPenalty(ctx, s.sc.Language)
	s.log.Info("language penalty", "required", s.sc.Language, "detected", detected, "ledger", s.snap.String())

	s.emit(ctx, protocol.Penalty{
		Event:          protocol.EventPenalty,
		Message:        s.sc.Rules.PenaltyText(s.sc.Language, detected),
		LivesTotal:     s.snap.LivesTotal,
		LivesRemaining: s.snap.LivesRemaining,
		LivesDelta:     s.snap.LivesRemaining - before.LivesRemaining,
		Score:          s.snap.Score,
		ScoreDelta:     s.snap.Score - before.Score,
	})
}

// finalize computes the outcome, commits its delta, and emits
// the final event. It is a no-op once the session is terminal.
func (s *Session) finalize(ctx context.Context, reason string, res match.Result, heard string, forceFailure bool) {
	if s.Status().Terminal() {
		return
	}
	if s.callCancel != nil {
		s.callCancel()
		s.callCancel = nil
	}
	s.inFlight = false

	ctx, span := observe.StartSpan(ctx, "live.finalize", trace.WithAttributes(
		attribute.String("session_id", s.id),
		attribute.String("reason", reason),
	))
	defer span.End()

	tier, delta := outcomeDelta(s.sc, s.cfg.Thresholds, res, forceFailure)
	before := s.snap

	committed, applied, err := s.ledger.Commit(s.id, delta)
	if err != nil {
		s.log.Error("commit outcome", "err", err)
		span.RecordError(err)
		committed = before.Apply(delta)
	}
	s.snap = committed

	f := protocol.Final{
		Event: protocol.EventFinal,
		Result: protocol.Result{
			Heard:        heard,
			Confidence:   res.Confidence,
			MatchType:    string(res.Type),
			MatchedIndex: res.Index,
		},
		Score:          committed.Score,
		LivesTotal:     committed.LivesTotal,
		LivesRemaining: committed.LivesRemaining,
		Judge:          committed.Judge,
		ScoreDelta:     committed.Score - before.Score,
		LivesDelta:     committed.LivesRemaining - before.LivesRemaining,
		Tier:           string(tier),
		Reason:         reason,
	}
	if s.penalties > 0 {
		f.PenaltyReason = penaltyReasonLanguage
	}
	if tier != TierFailure {
		f.Next = s.sc.NextFor(res.Index)
	}

	s.mu.Lock()
	s.final = &f
	s.status = StatusFinal
	s.mu.Unlock()
	s.ledger.Release(s.id)

	s.metrics.RecordFinal(ctx, string(tier), reason, string(res.Type), res.Confidence)
	s.log.Info("session finalized",
		"reason", reason,
		"tier", tier,
		"match_type", res.Type,
		"confidence", res.Confidence,
		"applied", applied,
		"ledger", committed.String(),
	)
	s.emit(ctx, f)
}

// close ends the session without an outcome.
func (s *Session) close(why string) {
	if s.callCancel != nil {
		s.callCancel()
		s.callCancel = nil
	}
	s.setStatus(StatusClosed)
	s.ledger.Release(s.id)
	s.log.Info("session closed without outcome", "why", why)
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Session) emit(ctx context.Context, event any) {
	if err := s.out.Emit(ctx, event); err != nil {
		s.log.Debug("emit failed", "err", err)
	}
}
