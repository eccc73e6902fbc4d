// Package types defines the shared types used across all parley packages.
//
// These types form the lingua franca between transcription providers, the
// matcher, and the live session state machine. They are intentionally
// minimal. Each package defines its own domain types; cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// AudioEncoding names the container or sample format of the audio bytes a
// client streams. The encoding is negotiated out of band (server config);
// the live protocol treats audio as opaque bytes.
type AudioEncoding string

const (
	// EncodingPCM16 is raw 16-bit signed little-endian PCM.
	EncodingPCM16 AudioEncoding = "pcm_s16le"

	// EncodingWAV is a complete RIFF/WAV file.
	EncodingWAV AudioEncoding = "wav"

	// EncodingWebM is a WebM/Opus stream as produced by browser MediaRecorder.
	EncodingWebM AudioEncoding = "webm"

	// EncodingOgg is an Ogg/Opus stream.
	EncodingOgg AudioEncoding = "ogg"
)

// IsValid reports whether e is a recognised audio encoding.
func (e AudioEncoding) IsValid() bool {
	switch e {
	case EncodingPCM16, EncodingWAV, EncodingWebM, EncodingOgg:
		return true
	}
	return false
}

// FileExtension returns the file extension (without dot) transcription APIs
// use to sniff the container format of an upload.
func (e AudioEncoding) FileExtension() string {
	switch e {
	case EncodingWebM:
		return "webm"
	case EncodingOgg:
		return "ogg"
	default:
		return "wav"
	}
}

// AudioFormat describes the audio a session's buffer holds.
type AudioFormat struct {
	// Encoding is the container or sample format.
	Encoding AudioEncoding

	// SampleRate in Hz. Only meaningful for EncodingPCM16.
	SampleRate int

	// Channels: 1 for mono. Only meaningful for EncodingPCM16.
	Channels int
}

// Transcript represents a speech-to-text result from a transcription provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether the provider considers this result final for the
	// audio it was given. Partial results may still be revised by later audio.
	IsFinal bool

	// Language is the BCP-47 language tag the provider detected for the audio
	// (e.g., "ja", "en-US"). Empty when the provider did not report one.
	Language string

	// Confidence is the provider's overall confidence score (0.0–1.0). May be
	// zero if the provider does not report confidence.
	Confidence float64

	// Ordinal orders transcripts within a session. It is assigned by the
	// session, not the provider, and is strictly increasing.
	Ordinal int64

	// Words contains per-word detail when available.
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// Duration is the length of the transcribed audio.
	Duration time.Duration
}

// WordDetail holds per-word metadata from providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a phrase to bias recognition towards. The live
// session passes the scenario's expected responses as boosts so providers
// that accept prompts or keyword hints favour the target phrases.
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "こんにちは").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
