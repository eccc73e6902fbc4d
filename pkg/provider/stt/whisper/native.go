// This file contains the NativeTranscriber implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertion that NativeTranscriber satisfies stt.Transcriber.
var _ stt.Transcriber = (*NativeTranscriber)(nil)

// NativeTranscriber implements stt.Transcriber using whisper.cpp Go bindings
// (CGO), eliminating HTTP overhead entirely. The model is loaded once at
// startup and shared across all sessions; every call creates its own
// inference context.
type NativeTranscriber struct {
	model         whisperlib.Model
	forceLanguage bool
	silenceRMS    float64

	// sem bounds concurrent inferences. whisper contexts are CPU bound and
	// running more of them than cores only adds latency.
	sem chan struct{}
}

// NativeOption is a functional option for configuring a NativeTranscriber.
type NativeOption func(*NativeTranscriber)

// WithNativeForceLanguage decodes in the request's language hint instead of
// auto-detecting. See [WithForceLanguage].
func WithNativeForceLanguage(force bool) NativeOption {
	return func(t *NativeTranscriber) { t.forceLanguage = force }
}

// WithNativeConcurrency sets how many inferences may run at once.
// Defaults to 1.
func WithNativeConcurrency(n int) NativeOption {
	return func(t *NativeTranscriber) {
		if n > 0 {
			t.sem = make(chan struct{}, n)
		}
	}
}

// NewNative creates a NativeTranscriber that loads the whisper.cpp model from
// the given file path. The caller must call Close when the transcriber is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeTranscriber, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	t := &NativeTranscriber{
		model:      model,
		silenceRMS: defaultRMSThreshold,
		sem:        make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Close releases the whisper model.
func (t *NativeTranscriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp over the whole buffer. Only PCM and WAV audio
// are accepted; other encodings fail with a fatal error since the bindings
// cannot decode containers.
//
// Inference itself cannot be interrupted. If ctx is cancelled while waiting
// for a free slot the call returns ctx.Err() immediately.
func (t *NativeTranscriber) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	pcm, channels, err := pcmPayload(req)
	if err != nil {
		return types.Transcript{}, stt.Fatal(err)
	}
	if len(pcm) == 0 {
		return types.Transcript{}, nil
	}
	if t.silenceRMS > 0 && computeRMS(pcm) < t.silenceRMS {
		return types.Transcript{}, nil
	}

	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return types.Transcript{}, ctx.Err()
	}
	defer func() { <-t.sem }()

	lang := "auto"
	if t.forceLanguage && req.LanguageHint != "" {
		lang = req.LanguageHint
	}
	text, detected, err := t.infer(monoSamples(pcm, channels), lang, prompt(req.Keywords))
	if err != nil {
		return types.Transcript{}, err
	}
	return types.Transcript{
		Text:     text,
		IsFinal:  true,
		Language: stt.LanguageCode(detected),
	}, nil
}

// infer runs whisper.cpp inference using a fresh context and returns the
// concatenated text and the detected language.
func (t *NativeTranscriber) infer(samples []float32, lang, initialPrompt string) (string, string, error) {
	// Each context is NOT thread-safe, but the model can be shared across
	// goroutines.
	wctx, err := t.model.NewContext()
	if err != nil {
		return "", "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using auto-detect", "language", lang, "err", err)
	}
	if initialPrompt != "" {
		wctx.SetInitialPrompt(initialPrompt)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", "", fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), wctx.DetectedLanguage(), nil
}
