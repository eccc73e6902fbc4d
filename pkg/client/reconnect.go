package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

// dialFunc opens a new connection to the live endpoint.
type dialFunc func(ctx context.Context) (*websocket.Conn, error)

// reconnector redials the live endpoint with exponential backoff.
type reconnector struct {
	dial       dialFunc
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
}

func newReconnector(dial dialFunc, cfg Config, log *slog.Logger) *reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &reconnector{
		dial:       dial,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		log:        log,
	}
}

// reconnect waits one backoff interval before every attempt, so a server
// that just dropped the connection is not hammered. It returns the new
// connection, or an error once ctx is done or the retries are used up.
func (r *reconnector) reconnect(ctx context.Context) (*websocket.Conn, error) {
	currentBackoff := r.backoff

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(currentBackoff):
		}

		r.log.Info("attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		conn, err := r.dial(ctx)
		if err == nil {
			r.log.Info("reconnection successful", "attempt", attempt)
			return conn, nil
		}

		r.log.Warn("reconnection attempt failed", "attempt", attempt, "err", err)

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	return nil, fmt.Errorf("client: reconnect failed after %d attempts", r.maxRetries)
}
