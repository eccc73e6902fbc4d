package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// TranscriberFallback is an [stt.Transcriber] that fails over across several
// backends, each behind its own circuit breaker.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Breakers exposes the per-backend breakers for health reporting.
func (f *TranscriberFallback) Breakers() []*CircuitBreaker {
	return f.group.Breakers()
}

// Transcribe sends req to the first healthy backend. A fatal error from one
// backend moves on to the next; the error returned after all backends failed
// stays fatal only if the last backend's error was.
func (f *TranscriberFallback) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(t stt.Transcriber) (types.Transcript, error) {
		return t.Transcribe(ctx, req)
	})
}
