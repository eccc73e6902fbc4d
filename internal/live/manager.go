package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/auth"
	"github.com/MrWong99/parley/internal/ledger"
	"github.com/MrWong99/parley/internal/match"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/scenario"
	"github.com/MrWong99/parley/pkg/protocol"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// ErrShuttingDown is returned by [Manager.Serve] once [Manager.Shutdown] has
// started.
var ErrShuttingDown = errors.New("live: manager is shutting down")

// outboundBuffer is how many encoded events may queue per connection before
// emitters block on the writer.
const outboundBuffer = 64

// TokenVerifier checks the auth token of an init.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (auth.Claims, error)
}

// ProtocolError is a client message the server cannot accept. The
// connection is closed after the error event is sent.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "live: protocol error: " + e.Message }

// Option is a functional option for [NewManager].
type Option func(*Manager)

// WithScenarios resolves init.scenario_id through src.
func WithScenarios(src scenario.Source) Option {
	return func(m *Manager) { m.scenarios = src }
}

// WithVerifier requires every connection to authenticate its first init.
func WithVerifier(v TokenVerifier) Option {
	return func(m *Manager) { m.verifier = v }
}

// WithConfig sets the initial session configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg.Store(&cfg) }
}

// WithMatcher replaces the default matcher.
func WithMatcher(mt *match.Matcher) Option {
	return func(m *Manager) { m.matcher = mt }
}

// WithMetrics records metrics into met instead of [observe.DefaultMetrics].
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithIDGenerator replaces the session id generator.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// Manager serves live connections. All exported methods are safe for
// concurrent use.
type Manager struct {
	tr        stt.Transcriber
	scenarios scenario.Source
	verifier  TokenVerifier
	matcher   *match.Matcher
	metrics   *observe.Metrics
	log       *slog.Logger
	newID     func() string
	cfg       atomic.Pointer[Config]

	mu      sync.Mutex
	conns   map[*connection]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewManager creates a [Manager] that transcribes with tr.
func NewManager(tr stt.Transcriber, opts ...Option) *Manager {
	m := &Manager{
		tr:      tr,
		matcher: match.New(),
		log:     slog.Default(),
		newID:   uuid.NewString,
		conns:   make(map[*connection]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.cfg.Load() == nil {
		cfg := DefaultConfig()
		m.cfg.Store(&cfg)
	}
	return m
}

// Config returns the configuration new sessions start with.
func (m *Manager) Config() Config { return *m.cfg.Load() }

// SetConfig replaces the configuration for sessions started from now on.
// Running sessions keep the configuration they started with.
func (m *Manager) SetConfig(cfg Config) { m.cfg.Store(&cfg) }

// Connections returns the number of open connections.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Serve runs one connection until the peer leaves, a protocol error occurs,
// or ctx is cancelled. A clean close by the peer returns nil.
func (m *Manager) Serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := &connection{
		m:          m,
		conn:       conn,
		ctx:        ctx,
		cancel:     cancel,
		out:        make(chan []byte, outboundBuffer),
		writerDone: make(chan struct{}),
		log:        m.log.With("conn_id", m.newID()),
	}
	c.log = observe.LoggerFrom(ctx, c.log)

	if !m.track(c) {
		_ = conn.Close(CloseShutdown, "server shutting down")
		return ErrShuttingDown
	}
	defer m.untrack(c)

	m.metrics.ActiveConnections.Add(ctx, 1)
	defer m.metrics.ActiveConnections.Add(context.WithoutCancel(ctx), -1)
	c.log.Debug("live connection opened")

	go c.writeLoop()
	err := c.readLoop()

	c.endSession()
	close(c.out)
	<-c.writerDone

	var pe *ProtocolError
	switch {
	case errors.As(err, &pe):
		_ = conn.Close(CloseViolation, pe.Message)
		c.log.Info("live connection closed after protocol error", "err", err, "status", c.state().String())
		return nil
	case errors.Is(err, io.EOF):
		_ = conn.Close(CloseNormal, "")
		c.log.Debug("live connection closed by peer", "status", c.state().String())
		return nil
	case ctx.Err() != nil:
		_ = conn.Close(CloseShutdown, "server shutting down")
		return nil
	default:
		_ = conn.Close(CloseNormal, "")
		return fmt.Errorf("live: read: %w", err)
	}
}

// Shutdown cancels every connection and waits for them to finish or ctx to
// expire. Sessions in progress are abandoned without an outcome.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	for c := range m.conns {
		c.cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("live: shutdown: %w", ctx.Err())
	}
}

func (m *Manager) track(c *connection) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.conns[c] = struct{}{}
	m.wg.Add(1)
	return true
}

func (m *Manager) untrack(c *connection) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
	m.wg.Done()
}

func (m *Manager) resolveScenario(ctx context.Context, msg protocol.Init, rules scenario.Rules) (scenario.Scenario, error) {
	id := msg.Scenario()
	if id == "" {
		return scenario.AdHoc(msg.Language, msg.Expected(), rules), nil
	}
	if m.scenarios == nil {
		return scenario.Scenario{}, fmt.Errorf("%w: %s", scenario.ErrUnknownScenario, id)
	}
	return m.scenarios.Scenario(ctx, id)
}

// connection is the per-connection state. Fields below writerDone are owned
// by the goroutine running readLoop.
type connection struct {
	m          *Manager
	conn       Conn
	ctx        context.Context
	cancel     context.CancelFunc
	out        chan []byte
	writerDone chan struct{}

	log           *slog.Logger
	status        Status
	authenticated bool
	ledger        *ledger.Ledger
	session       *Session
	stopSent      bool
}

var _ Emitter = (*connection)(nil)

// Emit queues event for the writer.
func (c *connection) Emit(ctx context.Context, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("live: encode event: %w", err)
	}
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *connection) writeLoop() {
	defer close(c.writerDone)
	for data := range c.out {
		if err := c.conn.Write(c.ctx, data); err != nil {
			c.log.Debug("live write failed", "err", err)
			c.cancel()
			return
		}
	}
}

func (c *connection) readLoop() error {
	for {
		f, err := c.conn.Read(c.ctx)
		if err != nil {
			return err
		}
		if err := c.dispatch(f); err != nil {
			return err
		}
	}
}

func (c *connection) dispatch(f Frame) error {
	switch {
	case f.Binary:
		if c.session == nil {
			return c.violation("audio received before init")
		}
		err := c.session.Audio(c.ctx, f.Data)
		if errors.Is(err, ErrSessionDone) {
			c.log.Debug("dropping audio for finished session", "bytes", len(f.Data))
			return nil
		}
		return err
	case protocol.IsInitFrame(f.Data):
		return c.init(f.Data)
	default:
		ctl := protocol.ParseControl(f.Data)
		if c.session == nil {
			return c.violation("control received before init")
		}
		return c.control(ctl)
	}
}

func (c *connection) control(ctl protocol.Control) error {
	repeated := false
	if ctl.Kind == protocol.ControlStop {
		if c.stopSent {
			// The first stop may still be queued; let it finalize first.
			repeated = true
			select {
			case <-c.session.Done():
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		}
		c.stopSent = true
	}
	if _, ok := c.session.Final(); !ok {
		err := c.session.Control(c.ctx, ctl)
		if !errors.Is(err, ErrSessionDone) {
			return err
		}
	}
	f, ok := c.session.Final()
	if !ok {
		// Abandoned sessions only exist between inits; nothing to answer.
		return nil
	}
	switch ctl.Kind {
	case protocol.ControlModeLive, protocol.ControlModePaused:
		return nil
	}
	if err := c.Emit(c.ctx, f); err != nil {
		return err
	}
	if repeated {
		return c.violation("stop sent twice")
	}
	return c.violation("session already finalized")
}

func (c *connection) init(data []byte) error {
	msg, err := protocol.DecodeInit(data)
	if err != nil {
		return c.violation(err.Error())
	}
	c.log.Debug("init received", "init", msg.RedactedForLog())

	if c.m.verifier != nil && !c.authenticated {
		claims, err := c.m.verifier.Verify(c.ctx, msg.AuthToken)
		if err != nil {
			c.log.Info("init rejected", "err", err)
			return c.violation("unauthorized")
		}
		c.authenticated = true
		c.log = c.log.With("learner", claims.Subject)
	}

	cfg := c.m.Config()
	sc, err := c.m.resolveScenario(c.ctx, msg, cfg.Rules)
	switch {
	case errors.Is(err, scenario.ErrUnknownScenario):
		return c.violation("unknown scenario " + msg.Scenario())
	case err != nil:
		c.log.Error("scenario lookup failed", "err", err, "scenario", msg.Scenario())
		return c.violation("scenario lookup failed")
	}
	if !sameLanguage(sc.Language, msg.Language) {
		c.log.Warn("init language differs from scenario language, using scenario", "init", msg.Language, "scenario", sc.Language)
	}

	// A second init replaces the running attempt without an outcome.
	c.endSession()

	client := ledger.Snapshot{
		Score:          msg.Score,
		LivesRemaining: msg.LivesRemaining,
		LivesTotal:     msg.LivesTotal,
		Judge:          msg.Judge,
	}.Clamp()
	event := protocol.EventReady
	if c.ledger == nil {
		c.ledger = ledger.New(client)
	} else {
		if server := c.ledger.Snapshot(); !server.Counters(client) {
			c.log.Info("client ledger out of date, resetting", "client", client.String(), "server", server.String())
			event = protocol.EventReset
		}
		c.ledger.SetJudge(msg.Judge)
	}

	sess, err := NewSession(SessionParams{
		ID:          c.m.newID(),
		Scenario:    sc,
		Mode:        msg.Mode,
		Ledger:      c.ledger,
		Transcriber: c.m.tr,
		Matcher:     c.m.matcher,
		Emitter:     c,
		Config:      cfg,
		Metrics:     c.m.metrics,
		Logger:      c.log,
	})
	if err != nil {
		c.log.Error("create session", "err", err)
		return c.violation("could not start session")
	}

	snap := c.ledger.Snapshot()
	if err := c.Emit(c.ctx, protocol.Snapshot{
		Event:          event,
		SessionID:      sess.ID(),
		LivesTotal:     snap.LivesTotal,
		LivesRemaining: snap.LivesRemaining,
		Score:          snap.Score,
		Judge:          snap.Judge,
		Mode:           msg.Mode,
	}); err != nil {
		c.ledger.Release(sess.ID())
		return err
	}

	c.session = sess
	c.stopSent = false
	c.status = StatusOpen
	go sess.Run(c.ctx)
	return nil
}

// state is the status of the current session, or of the connection while no
// session exists or after a protocol error.
func (c *connection) state() Status {
	if c.session == nil || c.status == StatusError {
		return c.status
	}
	return c.session.Status()
}

// endSession abandons the current session, if any, and waits until it has
// released the ledger.
func (c *connection) endSession() {
	if c.session == nil {
		return
	}
	c.session.Abandon()
	<-c.session.Done()
}

func (c *connection) violation(msg string) error {
	c.status = StatusError
	_ = c.Emit(c.ctx, protocol.NewError("%s", msg))
	return &ProtocolError{Message: msg}
}
