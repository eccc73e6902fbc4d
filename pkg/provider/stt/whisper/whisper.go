// Package whisper provides whisper.cpp-backed transcribers.
//
// Transcriber talks to a running whisper-server binary, which exposes a REST
// API at POST /inference. Each call uploads the session's cumulative audio
// buffer as one multipart file and reads the verbose JSON response, which
// carries the language whisper detected for the audio.
//
// NativeTranscriber (native.go) runs the model in-process through the
// whisper.cpp cgo bindings.
//
// Usage:
//
//	t, err := whisper.New("http://localhost:8080",
//	    whisper.WithModel("small"),
//	)
//	tr, err := t.Transcribe(ctx, stt.Request{Audio: pcm, Format: format})
package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent. The maximum possible value
	// for 16-bit audio is 32 767; 300 corresponds to near-silence.
	defaultRMSThreshold = 300.0

	// maxResponseBytes bounds the response body read from the server.
	maxResponseBytes = 1 << 20
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base", "small"). When empty the server uses whichever model it
// was started with. This is the default.
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithForceLanguage makes the transcriber send the request's language hint to
// the server instead of "auto". whisper then decodes in that language and the
// detected language always equals the hint, which disables language-mismatch
// penalties. Off by default.
func WithForceLanguage(force bool) Option {
	return func(t *Transcriber) {
		t.forceLanguage = force
	}
}

// WithSilenceThreshold sets the RMS level below which a PCM buffer is
// considered silent and not uploaded at all. Zero disables the check.
// Defaults to 300.
func WithSilenceThreshold(rms float64) Option {
	return func(t *Transcriber) {
		t.silenceRMS = rms
	}
}

// WithHTTPClient overrides the HTTP client. Defaults to a client with a 30 s
// timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) {
		t.httpClient = c
	}
}

// Transcriber implements stt.Transcriber backed by a whisper.cpp HTTP server.
// It is safe for concurrent use; every call is an independent request.
type Transcriber struct {
	serverURL     string
	model         string
	forceLanguage bool
	silenceRMS    float64
	httpClient    *http.Client
}

// New creates a Transcriber that talks to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Transcriber, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	t := &Transcriber{
		serverURL:  strings.TrimRight(serverURL, "/"),
		silenceRMS: defaultRMSThreshold,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// inferenceResponse is the subset of whisper-server's verbose_json output
// the transcriber reads.
type inferenceResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Error    string  `json:"error"`
}

// Transcribe uploads req.Audio to the /inference endpoint and returns the
// transcription of the whole buffer. Silent PCM buffers return an empty
// transcript without contacting the server.
//
// Network failures and 5xx responses are transient. 4xx responses and bodies
// that are not valid inference JSON are wrapped with [stt.Fatal].
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	if len(req.Audio) == 0 {
		return types.Transcript{}, nil
	}
	if t.silenceRMS > 0 && isPCM(req.Format) && computeRMS(req.Audio) < t.silenceRMS {
		return types.Transcript{}, nil
	}

	audio, filename, _ := stt.Upload(req)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: write audio data: %w", err)
	}

	lang := "auto"
	if t.forceLanguage && req.LanguageHint != "" {
		lang = req.LanguageHint
	}
	fields := map[string]string{
		"language":        lang,
		"response_format": "verbose_json",
		"temperature":     "0.0",
	}
	if t.model != "" {
		fields["model"] = t.model
	}
	if p := prompt(req.Keywords); p != "" {
		fields["prompt"] = p
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return types.Transcript{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}

	if err := mw.Close(); err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL+"/inference", &body)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return types.Transcript{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return types.Transcript{}, stt.Fatal(err)
		}
		return types.Transcript{}, err
	}

	var result inferenceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return types.Transcript{}, stt.Fatal(fmt.Errorf("whisper: parse JSON response: %w", err))
	}
	if result.Error != "" {
		return types.Transcript{}, fmt.Errorf("whisper: server error: %s", result.Error)
	}

	return types.Transcript{
		Text:     strings.TrimSpace(result.Text),
		IsFinal:  true,
		Language: stt.LanguageCode(result.Language),
		Duration: time.Duration(result.Duration * float64(time.Second)),
	}, nil
}

// ---- helpers ----------------------------------------------------------------

func isPCM(f types.AudioFormat) bool {
	return f.Encoding == "" || f.Encoding == types.EncodingPCM16
}

// prompt joins keyword boosts into an initial prompt, which is how whisper
// biases decoding towards expected vocabulary.
func prompt(keywords []types.KeywordBoost) string {
	parts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k.Keyword != "" {
			parts = append(parts, k.Keyword)
		}
	}
	return strings.Join(parts, ", ")
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
// The result is expressed in the same units as PCM sample values (0–32 767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2 // number of 16-bit samples
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
