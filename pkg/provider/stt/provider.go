// Package stt defines the Transcriber interface for speech-to-text backends.
//
// A Transcriber wraps a transcription service (e.g., OpenAI, Deepgram, or a
// local whisper.cpp server) behind a uniform request/response call: the live
// session hands it the audio buffered so far plus a language hint and gets back
// a [types.Transcript] carrying the text, whether the provider considers it
// final, and the language the provider detected.
//
// The session calls Transcribe sequentially, with never more than one call in
// flight per session, so implementations need not order results. Calls for
// different sessions run concurrently, so implementations must be safe for
// concurrent use.
//
// Errors are transient unless they wrap [ErrFatal]. A transient error means
// "try again with the next audio chunk"; a fatal error (e.g., a malformed
// provider response) ends the attempt immediately.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/parley/pkg/types"
)

// ErrFatal marks a transcription failure that retrying cannot fix, such as a
// response the adapter could not parse. Wrap it with fmt.Errorf("...: %w", ...)
// or use [Fatal].
var ErrFatal = errors.New("stt: fatal provider error")

// fatalError attaches ErrFatal to an underlying cause while keeping the cause
// reachable through errors.Is / errors.As.
type fatalError struct {
	cause error
}

func (e *fatalError) Error() string { return e.cause.Error() }

func (e *fatalError) Unwrap() []error { return []error{ErrFatal, e.cause} }

// Fatal wraps err so that [IsFatal] reports true. Returns nil for a nil err.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{cause: err}
}

// IsFatal reports whether err is a fatal provider error.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// Request describes a single transcription call.
type Request struct {
	// Audio is the complete audio buffered for the attempt so far. The slice is
	// owned by the caller and must not be retained after Transcribe returns.
	Audio []byte

	// Format describes Audio.
	Format types.AudioFormat

	// LanguageHint is the BCP-47 tag of the language the learner is expected
	// to speak. Providers may use it as a prior, but must still report the
	// language they actually detected so mismatches can be penalised.
	LanguageHint string

	// Keywords biases recognition towards the expected responses. Providers
	// that cannot use hints ignore it.
	Keywords []types.KeywordBoost
}

// Transcriber is the abstraction over any transcription backend.
//
// Implementations must be safe for concurrent use and must respect ctx
// cancellation: the live session cancels an outstanding call when the learner
// stops speaking.
type Transcriber interface {
	// Transcribe converts req.Audio to text. The returned Transcript's Language
	// should carry the detected language when the backend reports one; an empty
	// Language means "unknown" and never triggers a language penalty.
	Transcribe(ctx context.Context, req Request) (types.Transcript, error)
}

// TranscriberFunc adapts an ordinary function to the [Transcriber] interface.
type TranscriberFunc func(ctx context.Context, req Request) (types.Transcript, error)

// Transcribe calls f(ctx, req).
func (f TranscriberFunc) Transcribe(ctx context.Context, req Request) (types.Transcript, error) {
	return f(ctx, req)
}
