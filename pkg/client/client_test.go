package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/parley/internal/live"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/client"
	"github.com/MrWong99/parley/pkg/protocol"
	sttmock "github.com/MrWong99/parley/pkg/provider/stt/mock"
	"github.com/MrWong99/parley/pkg/types"
)

const waitTimeout = 2 * time.Second

// scriptServer hands every accepted connection to the test, which plays the
// server side by hand.
type scriptServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newScriptServer(t *testing.T) *scriptServer {
	t.Helper()
	s := &scriptServer{conns: make(chan *websocket.Conn, 8)}
	stop := make(chan struct{})
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
		<-stop
	}))
	t.Cleanup(func() {
		close(stop)
		s.Close()
	})
	return s
}

func (s *scriptServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *scriptServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.CloseNow() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no connection accepted")
		return nil
	}
}

func readInit(t *testing.T, c *websocket.Conn) protocol.Init {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("frame type = %v, want text init", typ)
	}
	msg, err := protocol.DecodeInit(data)
	if err != nil {
		t.Fatalf("DecodeInit(%s): %v", data, err)
	}
	return msg
}

func readFrame(t *testing.T, c *websocket.Conn) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	typ, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	return typ, data
}

func send(t *testing.T, c *websocket.Conn, ev any) {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// next returns the next event of kind, skipping others.
func next(t *testing.T, c *client.Client, kind client.EventKind) client.Event {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("events closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// nextServer returns the next server event of type T, skipping others.
func nextServer[T any](t *testing.T, c *client.Client) (T, client.Event) {
	t.Helper()
	for {
		ev := next(t, c, client.EventServer)
		if v, ok := ev.Server.(T); ok {
			return v, ev
		}
	}
}

func dialClient(t *testing.T, url string, initial client.Snapshot) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	c, err := client.Dial(ctx, client.Config{
		URL:        url,
		Backoff:    10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		MaxRetries: 20,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, initial)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var greeting = client.Attempt{Language: "ja", Expected: []string{"こんにちは"}}

func TestClient_ControlsNeedAnAttempt(t *testing.T) {
	t.Parallel()

	srv := newScriptServer(t)
	c := dialClient(t, srv.url(), client.Snapshot{LivesTotal: 3, LivesRemaining: 3})
	srv.accept(t)
	ctx := context.Background()

	if err := c.SendAudio(ctx, []byte{1}); !errors.Is(err, client.ErrNoAttempt) {
		t.Errorf("SendAudio = %v, want ErrNoAttempt", err)
	}
	if err := c.Stop(ctx, ""); !errors.Is(err, client.ErrNoAttempt) {
		t.Errorf("Stop = %v, want ErrNoAttempt", err)
	}
	if err := c.Commit(ctx); !errors.Is(err, client.ErrNoAttempt) {
		t.Errorf("Commit = %v, want ErrNoAttempt", err)
	}
	if err := c.SetMode(ctx, "turbo"); err == nil {
		t.Error("SetMode with an unknown mode should fail")
	}
	if err := c.Start(ctx, client.Attempt{Language: "ja", Mode: "turbo"}); err == nil {
		t.Error("Start with an unknown mode should fail")
	}
}

func TestClient_StartSendsSnapshotAndControls(t *testing.T) {
	t.Parallel()

	srv := newScriptServer(t)
	c := dialClient(t, srv.url(), client.Snapshot{Score: 7, LivesTotal: 5, LivesRemaining: 4, Judge: 0.3})
	sc := srv.accept(t)
	ctx := context.Background()

	if err := c.Start(ctx, client.Attempt{ScenarioID: "cafe-order", Language: "fr", Mode: protocol.ModePaused, AuthToken: "tok"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h := c.HUD(); h.Confirmed || h.Phase != client.PhaseStarting {
		t.Errorf("hud before ready = %+v", h)
	}
	init := readInit(t, sc)
	if init.Scenario() != "cafe-order" || init.Mode != protocol.ModePaused || init.AuthToken != "tok" {
		t.Errorf("init = %+v", init)
	}
	if init.Score != 7 || init.LivesTotal != 5 || init.LivesRemaining != 4 || init.Judge != 0.3 {
		t.Errorf("init snapshot = %+v", init)
	}

	send(t, sc, protocol.Snapshot{Event: protocol.EventReady, Score: 7, LivesTotal: 5, LivesRemaining: 4, Judge: 0.3})
	if _, ev := nextServer[protocol.Snapshot](t, c); ev.Reconciled || !ev.HUD.Confirmed {
		t.Errorf("ready event = %+v", ev)
	}

	if err := c.SetMode(ctx, protocol.ModeLive); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if _, data := readFrame(t, sc); string(data) != "mode:live" {
		t.Errorf("control = %q, want mode:live", data)
	}
	if err := c.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, data := readFrame(t, sc); string(data) != "commit" {
		t.Errorf("control = %q, want commit", data)
	}
	if c.HUD().Phase != client.PhaseFinalizing {
		t.Errorf("phase = %q, want finalizing", c.HUD().Phase)
	}
}

func TestClient_ReconnectResumesAttempt(t *testing.T) {
	t.Parallel()

	srv := newScriptServer(t)
	c := dialClient(t, srv.url(), client.Snapshot{Score: 5, LivesTotal: 3, LivesRemaining: 3, Judge: 0.5})
	first := srv.accept(t)
	ctx := context.Background()

	if err := c.Start(ctx, greeting); err != nil {
		t.Fatalf("Start: %v", err)
	}
	readInit(t, first)
	send(t, first, protocol.Snapshot{Event: protocol.EventReady, Score: 5, LivesTotal: 3, LivesRemaining: 3, Judge: 0.5})
	nextServer[protocol.Snapshot](t, c)

	if err := c.SendAudio(ctx, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if typ, data := readFrame(t, first); typ != websocket.MessageBinary || string(data) != "\x01\x02\x03" {
		t.Fatalf("audio frame = %v %v", typ, data)
	}
	send(t, first, protocol.Penalty{Event: protocol.EventPenalty, Message: "Answer in Japanese, not English.", Score: 5, LivesTotal: 3, LivesRemaining: 2, LivesDelta: -1})
	if _, ev := nextServer[protocol.Penalty](t, c); ev.HUD.LivesRemaining != 2 || ev.Reconciled {
		t.Fatalf("penalty event = %+v", ev)
	}

	// Drop the connection without a close handshake.
	first.CloseNow()
	next(t, c, client.EventReconnecting)
	second := srv.accept(t)

	init := readInit(t, second)
	if init.Language != "ja" || len(init.Expected()) != 1 || init.Expected()[0] != "こんにちは" {
		t.Errorf("resumed init = %+v", init)
	}
	if init.LivesRemaining != 2 || init.Score != 5 {
		t.Errorf("resumed snapshot = %+v, want the last known lives 2 score 5", init)
	}
	if typ, data := readFrame(t, second); typ != websocket.MessageBinary || string(data) != "\x01\x02\x03" {
		t.Fatalf("replayed audio = %v %v", typ, data)
	}
	next(t, c, client.EventReconnected)

	send(t, second, protocol.Snapshot{Event: protocol.EventReady, Score: 5, LivesTotal: 3, LivesRemaining: 2, Judge: 0.5})
	send(t, second, protocol.Final{
		Event:          protocol.EventFinal,
		Result:         protocol.Result{Heard: "こんにちは", Confidence: 1, MatchType: protocol.MatchExact},
		Score:          15,
		LivesTotal:     3,
		LivesRemaining: 2,
		Judge:          0.5,
		ScoreDelta:     10,
		Tier:           "full",
		Reason:         protocol.ReasonMatched,
	})
	_, ev := nextServer[protocol.Final](t, c)
	if ev.HUD.Phase != client.PhaseFinal || ev.HUD.Score != 15 || ev.HUD.LivesRemaining != 2 {
		t.Errorf("hud after final = %+v", ev.HUD)
	}
	if ev.HUD.Reconciliations != 0 {
		t.Errorf("reconciliations = %d, want 0", ev.HUD.Reconciliations)
	}
	if err := c.SendAudio(ctx, []byte{4}); !errors.Is(err, client.ErrNoAttempt) {
		t.Errorf("SendAudio after final = %v, want ErrNoAttempt", err)
	}
}

func TestClient_ReconcilesLostPenalty(t *testing.T) {
	t.Parallel()

	srv := newScriptServer(t)
	c := dialClient(t, srv.url(), client.Snapshot{LivesTotal: 3, LivesRemaining: 3})
	sc := srv.accept(t)

	if err := c.Start(context.Background(), greeting); err != nil {
		t.Fatalf("Start: %v", err)
	}
	readInit(t, sc)
	// The penalty taking lives from 3 to 2 never reached the client.
	send(t, sc, protocol.Penalty{Event: protocol.EventPenalty, LivesTotal: 3, LivesRemaining: 1, LivesDelta: -1})
	_, ev := nextServer[protocol.Penalty](t, c)
	if !ev.Reconciled || ev.HUD.LivesRemaining != 1 || ev.HUD.Reconciliations != 1 {
		t.Errorf("event = %+v, want reconciled lives 1", ev)
	}
}

func TestClient_PolicyViolationEndsWithoutReconnect(t *testing.T) {
	t.Parallel()

	srv := newScriptServer(t)
	c := dialClient(t, srv.url(), client.Snapshot{LivesTotal: 3, LivesRemaining: 3})
	sc := srv.accept(t)

	if err := c.Start(context.Background(), greeting); err != nil {
		t.Fatalf("Start: %v", err)
	}
	readInit(t, sc)
	send(t, sc, protocol.NewError("unknown scenario"))
	go sc.Close(websocket.StatusPolicyViolation, "unknown scenario")

	ev := next(t, c, client.EventDisconnected)
	if websocket.CloseStatus(ev.Err) != websocket.StatusPolicyViolation {
		t.Errorf("disconnect err = %v, want policy violation", ev.Err)
	}
	if _, ok := <-c.Events(); ok {
		t.Error("events channel should be closed after disconnect")
	}
	select {
	case <-srv.conns:
		t.Error("client reconnected after a policy violation")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClient_AgainstLiveManager(t *testing.T) {
	t.Parallel()

	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	tr := &sttmock.Transcriber{Fallback: sttmock.Response{
		Transcript: types.Transcript{Text: "こんにちは", Language: "ja"},
	}}
	m := live.NewManager(tr, live.WithMetrics(met))
	srv := httptest.NewServer(m.Handler(live.HandlerConfig{}))
	t.Cleanup(srv.Close)

	c := dialClient(t, "ws"+strings.TrimPrefix(srv.URL, "http"), client.Snapshot{LivesTotal: 3, LivesRemaining: 3, Judge: 0.5})
	ctx := context.Background()

	for attempt, wantScore := range []int{10, 20} {
		if err := c.Start(ctx, greeting); err != nil {
			t.Fatalf("attempt %d: Start: %v", attempt, err)
		}
		snap, ev := nextServer[protocol.Snapshot](t, c)
		if snap.Event != protocol.EventReady || ev.Reconciled {
			t.Errorf("attempt %d: snapshot = %+v reconciled=%v, want ready", attempt, snap, ev.Reconciled)
		}
		if err := c.SendAudio(ctx, make([]byte, 640)); err != nil {
			t.Fatalf("attempt %d: SendAudio: %v", attempt, err)
		}
		fin, ev := nextServer[protocol.Final](t, c)
		if fin.Result.MatchType != protocol.MatchExact || fin.ScoreDelta != 10 {
			t.Errorf("attempt %d: final = %+v", attempt, fin)
		}
		if ev.HUD.Score != wantScore || ev.HUD.LivesRemaining != 3 || ev.Reconciled {
			t.Errorf("attempt %d: hud = %+v reconciled=%v, want score %d", attempt, ev.HUD, ev.Reconciled, wantScore)
		}
	}
}
