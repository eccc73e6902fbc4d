// Package client is the learner-side controller of a live session.
//
// A [Client] holds one WebSocket connection to the live endpoint. It sends
// the init message, audio chunks and control strings, folds every server
// event into a [HUD], and reconnects with exponential backoff when the
// connection drops. After a reconnect an unfinished attempt is resumed: the
// init is re-sent with the last known ledger snapshot and the attempt's audio
// is replayed, so the server sees the attempt from the start.
//
// Events must be drained by the caller; the read loop blocks while the
// events buffer is full.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/protocol"
)

var (
	// ErrClosed is returned by every method after Close.
	ErrClosed = errors.New("client: closed")

	// ErrNoAttempt is returned when audio or a control is sent outside an
	// attempt, including after its final event.
	ErrNoAttempt = errors.New("client: no active attempt")
)

const (
	defaultMaxReplayBytes = 4 << 20
	defaultEventBuffer    = 64
	defaultReadLimit      = 1 << 20
)

// Config configures a [Client].
type Config struct {
	// URL is the live endpoint, e.g. "ws://localhost:8080/ws/live".
	URL string

	// DialOptions are passed to websocket.Dial. May be nil.
	DialOptions *websocket.DialOptions

	// MaxRetries, Backoff and MaxBackoff bound reconnection. Zero values use
	// 10 retries starting at 500ms and doubling up to 30s.
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration

	// MaxReplayBytes bounds the audio kept for replay after a reconnect.
	// Default: 4 MiB, matching the server's default attempt buffer.
	MaxReplayBytes int

	// EventBuffer is the capacity of the Events channel. Default: 64.
	EventBuffer int

	Logger *slog.Logger
}

// Attempt describes one answer attempt.
type Attempt struct {
	// ScenarioID selects a scene from the server catalogue. When empty,
	// Language and Expected describe the scene inline.
	ScenarioID string
	Language   string
	Expected   []string

	// Mode is "live" or "paused". Empty keeps the client's current mode.
	Mode string

	AuthToken string
}

// EventKind classifies an [Event].
type EventKind string

const (
	// EventServer carries a server event.
	EventServer EventKind = "server"
	// EventReconnecting is emitted when the connection dropped and the
	// client starts redialling.
	EventReconnecting EventKind = "reconnecting"
	// EventReconnected is emitted after a successful redial. An unfinished
	// attempt has been resumed by then.
	EventReconnected EventKind = "reconnected"
	// EventDisconnected is the last event. Err says why.
	EventDisconnected EventKind = "disconnected"
)

// Event is one notification on the Events channel.
type Event struct {
	Kind EventKind

	// Server is one of protocol.Snapshot, Partial, Penalty, Final or Error
	// for EventServer.
	Server any

	// Reconciled is true when the server's values overrode the HUD's.
	Reconciled bool

	// HUD is the state after the event was applied.
	HUD HUD

	Err error
}

// Client controls live sessions over one logical connection.
type Client struct {
	cfg    Config
	log    *slog.Logger
	rc     *reconnector
	events chan Event

	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once

	// wmu serialises writes and connection swaps so a resumed attempt's
	// frames are never interleaved with new ones.
	wmu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      bool
	hud         HUD
	mode        string
	attempt     *Attempt
	replay      [][]byte
	replayBytes int
	pending     string
}

// Dial connects to cfg.URL. initial is the ledger snapshot the first attempt
// is seeded with.
func Dial(ctx context.Context, cfg Config, initial Snapshot) (*Client, error) {
	if cfg.MaxReplayBytes <= 0 {
		cfg.MaxReplayBytes = defaultMaxReplayBytes
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("url", cfg.URL)

	dial := func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.Dial(ctx, cfg.URL, cfg.DialOptions)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(defaultReadLimit)
		return conn, nil
	}
	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", cfg.URL, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		log:      log,
		rc:       newReconnector(dial, cfg, log),
		events:   make(chan Event, cfg.EventBuffer),
		cancel:   cancel,
		loopDone: make(chan struct{}),
		conn:     conn,
		hud:      HUD{Snapshot: initial.clamp(), Phase: PhaseIdle},
		mode:     protocol.ModeLive,
	}
	go c.loop(loopCtx)
	return c, nil
}

// Events returns the event stream. It is closed after EventDisconnected or
// Close.
func (c *Client) Events() <-chan Event { return c.events }

// HUD returns the current HUD.
func (c *Client) HUD() HUD {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hud
}

// Start begins a new attempt seeded with the HUD's snapshot. Starting while
// another attempt is active replaces it; the server abandons the old one
// without changing the ledger.
func (c *Client) Start(ctx context.Context, a Attempt) error {
	if a.Mode == "" {
		c.mu.Lock()
		a.Mode = c.mode
		c.mu.Unlock()
	}
	if a.Mode != protocol.ModeLive && a.Mode != protocol.ModePaused {
		return fmt.Errorf("client: unknown mode %q", a.Mode)
	}
	a.Expected = slices.Clone(a.Expected)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.attempt = &a
	c.mode = a.Mode
	c.replay, c.replayBytes, c.pending = nil, 0, ""
	c.hud.Phase = PhaseStarting
	c.hud.Confirmed = false
	c.hud.Heard = ""
	frame, err := c.initFrame()
	conn := c.conn
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if conn == nil {
		// Sent by the reconnect.
		return nil
	}
	return c.write(ctx, conn, websocket.MessageText, frame)
}

// SendAudio streams one audio chunk of the active attempt. While the client
// is reconnecting the chunk is only kept for replay.
func (c *Client) SendAudio(ctx context.Context, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if err := c.activeLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.replayBytes+len(chunk) <= c.cfg.MaxReplayBytes {
		c.replay = append(c.replay, slices.Clone(chunk))
		c.replayBytes += len(chunk)
	}
	if c.hud.Phase == PhaseOpen {
		c.hud.Phase = PhaseStreaming
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(ctx, conn, websocket.MessageBinary, chunk)
}

// Stop ends the active attempt. The server finalizes with its best match so
// far and reports reason as the final's reason.
func (c *Client) Stop(ctx context.Context, reason string) error {
	if reason == "" {
		reason = protocol.ReasonStop
	}
	return c.finish(ctx, reason)
}

// Commit submits the audio buffered in paused mode for one transcription.
func (c *Client) Commit(ctx context.Context) error {
	return c.finish(ctx, protocol.ReasonCommit)
}

func (c *Client) finish(ctx context.Context, control string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if err := c.activeLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pending = control
	c.hud.Phase = PhaseFinalizing
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(ctx, conn, websocket.MessageText, []byte(control))
}

// SetMode switches between live and paused timing. It applies to the active
// attempt, if any, and to every later attempt that does not set its own.
func (c *Client) SetMode(ctx context.Context, mode string) error {
	if mode != protocol.ModeLive && mode != protocol.ModePaused {
		return fmt.Errorf("client: unknown mode %q", mode)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mode = mode
	var conn *websocket.Conn
	if c.attempt != nil {
		c.attempt.Mode = mode
		conn = c.conn
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.write(ctx, conn, websocket.MessageText, []byte("mode:"+mode))
}

// Close closes the connection and stops reconnecting. It waits for the
// read loop to exit.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "")
		}
		c.cancel()
		<-c.loopDone
	})
	return err
}

func (c *Client) activeLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.attempt == nil {
		return ErrNoAttempt
	}
	return nil
}

// initFrame encodes the init of the active attempt. Callers hold c.mu.
func (c *Client) initFrame() ([]byte, error) {
	a := c.attempt
	msg := protocol.Init{
		Language:          a.Language,
		ExpectedResponses: a.Expected,
		Judge:             c.hud.Judge,
		Score:             c.hud.Score,
		LivesTotal:        c.hud.LivesTotal,
		LivesRemaining:    c.hud.LivesRemaining,
		AuthToken:         a.AuthToken,
		Mode:              a.Mode,
	}
	if a.ScenarioID != "" {
		id := a.ScenarioID
		msg.ScenarioID = &id
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("client: encode init: %w", err)
	}
	return b, nil
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, typ websocket.MessageType, data []byte) error {
	if err := conn.Write(ctx, typ, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The read loop notices the broken connection and resumes the
		// attempt, replaying what was lost.
		c.log.Debug("write failed", "err", err)
	}
	return nil
}

// loop reads server events until the client is closed or reconnecting
// gives up.
func (c *Client) loop(ctx context.Context) {
	defer close(c.loopDone)
	defer close(c.events)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !c.recover(ctx, err) {
				return
			}
			continue
		}

		ev, err := protocol.DecodeServerEvent(data)
		if err != nil {
			c.log.Warn("ignoring undecodable server event", "err", err)
			continue
		}

		c.mu.Lock()
		reconciled := c.hud.apply(ev)
		if _, ok := ev.(protocol.Final); ok {
			c.attempt = nil
			c.replay, c.replayBytes, c.pending = nil, 0, ""
		}
		hud := c.hud
		c.mu.Unlock()

		if reconciled {
			c.log.Debug("hud reconciled with server", "score", hud.Score, "lives_remaining", hud.LivesRemaining)
		}
		c.emit(ctx, Event{Kind: EventServer, Server: ev, Reconciled: reconciled, HUD: hud})
	}
}

// recover handles a read error. It reports false when the loop must end.
func (c *Client) recover(ctx context.Context, readErr error) bool {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	hud := c.hud
	closed := c.closed
	c.mu.Unlock()
	old.CloseNow()

	if closed {
		return false
	}
	switch websocket.CloseStatus(readErr) {
	case websocket.StatusPolicyViolation, websocket.StatusNormalClosure:
		c.log.Info("server closed the connection", "err", readErr)
		c.emit(ctx, Event{Kind: EventDisconnected, HUD: hud, Err: readErr})
		return false
	}

	c.log.Warn("connection lost, reconnecting", "err", readErr)
	c.emit(ctx, Event{Kind: EventReconnecting, HUD: hud, Err: readErr})

	conn, err := c.rc.reconnect(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.emit(ctx, Event{Kind: EventDisconnected, HUD: hud, Err: errors.Join(readErr, err)})
		}
		return false
	}
	if !c.resume(ctx, conn) {
		conn.CloseNow()
		return false
	}
	c.emit(ctx, Event{Kind: EventReconnected, HUD: c.HUD()})
	return true
}

// resume installs conn and re-sends the unfinished attempt on it. It
// reports false when the client was closed meanwhile.
func (c *Client) resume(ctx context.Context, conn *websocket.Conn) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	if c.attempt == nil {
		c.mu.Unlock()
		return true
	}
	frame, err := c.initFrame()
	replay := slices.Clone(c.replay)
	pending := c.pending
	c.hud.Phase = PhaseStarting
	c.hud.Confirmed = false
	c.mu.Unlock()
	if err != nil {
		c.log.Error("cannot resume attempt", "err", err)
		return true
	}

	c.log.Info("resuming attempt", "replay_chunks", len(replay), "pending", pending)
	_ = c.write(ctx, conn, websocket.MessageText, frame)
	for _, chunk := range replay {
		_ = c.write(ctx, conn, websocket.MessageBinary, chunk)
	}
	if pending != "" {
		_ = c.write(ctx, conn, websocket.MessageText, []byte(pending))
	}
	return true
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
