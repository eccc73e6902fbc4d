// Package mock provides test doubles for the stt package interfaces.
//
// Use Transcriber to script the results a live session receives and to
// inspect which audio buffers it submitted.
//
// Example:
//
//	tr := &mock.Transcriber{
//	    Responses: []mock.Response{
//	        {Transcript: types.Transcript{Text: "こんにちは", Language: "ja"}},
//	    },
//	}
//	sess := live.NewSession(..., tr, ...)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// Response is one scripted result returned by Transcriber.Transcribe.
type Response struct {
	// Transcript is returned when Err is nil.
	Transcript types.Transcript

	// Err, if non-nil, is returned instead of Transcript.
	Err error
}

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context

	// Req is a copy of the request. Req.Audio is copied so later buffer growth
	// in the caller does not change the record.
	Req stt.Request
}

// Transcriber is a mock implementation of stt.Transcriber.
//
// Responses are consumed in order; once exhausted, Fallback is returned for
// every further call. When Gate is non-nil each call blocks until a value is
// received from Gate or the context is cancelled, which lets tests hold a call
// "in flight".
type Transcriber struct {
	mu sync.Mutex

	// Responses are returned one per call, in order.
	Responses []Response

	// Fallback is returned once Responses is exhausted.
	Fallback Response

	// Gate, if non-nil, must deliver a value before each call returns.
	Gate chan struct{}

	// Started, if non-nil, receives a value (non-blocking) when a call begins.
	Started chan struct{}

	// --- Call records ---

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall

	// Cancelled counts calls that returned because their context was done.
	Cancelled int
}

// Transcribe records the call and returns the next scripted Response.
func (m *Transcriber) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	m.mu.Lock()
	cp := req
	cp.Audio = append([]byte(nil), req.Audio...)
	m.Calls = append(m.Calls, TranscribeCall{Ctx: ctx, Req: cp})
	resp := m.Fallback
	if len(m.Responses) > 0 {
		resp = m.Responses[0]
		m.Responses = m.Responses[1:]
	}
	gate := m.Gate
	started := m.Started
	m.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			m.mu.Lock()
			m.Cancelled++
			m.mu.Unlock()
			return types.Transcript{}, ctx.Err()
		}
	}

	if resp.Err != nil {
		return types.Transcript{}, resp.Err
	}
	return resp.Transcript, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// CancelledCount returns the number of calls aborted by context cancellation.
// Thread-safe.
func (m *Transcriber) CancelledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Cancelled
}

// LastCall returns the most recent call record and true, or false when no call
// has been made. Thread-safe.
func (m *Transcriber) LastCall() (TranscribeCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return TranscribeCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}

// Push appends scripted responses. Thread-safe.
func (m *Transcriber) Push(responses ...Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, responses...)
}

// Reset clears all recorded calls. Thread-safe.
func (m *Transcriber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.Cancelled = 0
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
