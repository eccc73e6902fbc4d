package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReconnector_GivesUp(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	dial := func(context.Context) (*websocket.Conn, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}
	r := newReconnector(dial, Config{MaxRetries: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}, quietLogger())

	if _, err := r.reconnect(context.Background()); err == nil {
		t.Fatal("expected error after max retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("dial calls = %d, want 3", got)
	}
}

func TestReconnector_StopsOnCancel(t *testing.T) {
	t.Parallel()

	dial := func(context.Context) (*websocket.Conn, error) {
		return nil, errors.New("connection refused")
	}
	r := newReconnector(dial, Config{MaxRetries: 100, Backoff: time.Hour}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.reconnect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()

	r := newReconnector(nil, Config{}, quietLogger())
	if r.maxRetries != defaultMaxRetries || r.backoff != defaultBackoff || r.maxBackoff != defaultMaxBackoff {
		t.Errorf("defaults = %d / %v / %v", r.maxRetries, r.backoff, r.maxBackoff)
	}
}
