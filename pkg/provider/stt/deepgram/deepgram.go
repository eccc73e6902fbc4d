// Package deepgram provides a Deepgram-backed transcriber using the Deepgram
// pre-recorded REST API. It implements the stt.Transcriber interface.
//
// Each call posts the session's cumulative audio buffer to /v1/listen with
// language detection enabled, so the detected language can drive
// language-mismatch penalties.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	defaultBaseURL = "https://api.deepgram.com"
	defaultModel   = "nova-3"

	maxResponseBytes = 4 << 20
)

// Compile-time assertion that Transcriber implements stt.Transcriber.
var _ stt.Transcriber = (*Transcriber)(nil)

// Option is a functional option for configuring the Deepgram Transcriber.
type Option func(*Transcriber)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(t *Transcriber) {
		t.model = model
	}
}

// WithBaseURL overrides the API origin. Used for self-hosted deployments and
// tests.
func WithBaseURL(u string) Option {
	return func(t *Transcriber) {
		t.baseURL = strings.TrimRight(u, "/")
	}
}

// WithForceLanguage sends the request's language hint as the recognition
// language instead of enabling language detection.
func WithForceLanguage(force bool) Option {
	return func(t *Transcriber) {
		t.forceLanguage = force
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcriber) {
		t.httpClient = c
	}
}

// Transcriber implements stt.Transcriber backed by the Deepgram REST API.
type Transcriber struct {
	apiKey        string
	baseURL       string
	model         string
	forceLanguage bool
	httpClient    *http.Client
}

// New creates a new Deepgram Transcriber. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	t := &Transcriber{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Transcribe posts req.Audio to Deepgram and returns the first alternative of
// the first channel.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	if len(req.Audio) == 0 {
		return types.Transcript{}, nil
	}

	endpoint, err := t.buildURL(req)
	if err != nil {
		return types.Transcript{}, stt.Fatal(fmt.Errorf("deepgram: build URL: %w", err))
	}

	audio, _, contentType := stt.Upload(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Token "+t.apiKey)
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusPaymentRequired:
		return types.Transcript{}, stt.Fatal(fmt.Errorf("deepgram: server returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(data)))
	default:
		return types.Transcript{}, fmt.Errorf("deepgram: server returned HTTP %d", resp.StatusCode)
	}

	tr, err := parseListenResponse(data)
	if err != nil {
		return types.Transcript{}, stt.Fatal(err)
	}
	return tr, nil
}

// buildURL constructs the /v1/listen endpoint URL for the given request.
func (t *Transcriber) buildURL(req stt.Request) (string, error) {
	u, err := url.Parse(t.baseURL + "/v1/listen")
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", t.model)
	q.Set("punctuate", "true")
	if t.forceLanguage && req.LanguageHint != "" {
		q.Set("language", req.LanguageHint)
	} else {
		q.Set("detect_language", "true")
	}

	// nova-3 replaced keyword boosting with key terms.
	nova3 := strings.HasPrefix(t.model, "nova-3")
	for _, kw := range req.Keywords {
		if kw.Keyword == "" {
			continue
		}
		if nova3 {
			q.Add("keyterm", kw.Keyword)
			continue
		}
		// Deepgram keyword format: word:boost (e.g., "bonjour:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// listenResponse is the JSON structure returned by Deepgram for a
// pre-recorded request.
type listenResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results *struct {
		Channels []struct {
			DetectedLanguage string `json:"detected_language"`
			Alternatives     []struct {
				Transcript string   `json:"transcript"`
				Confidence float64  `json:"confidence"`
				Languages  []string `json:"languages"`
				Words      []struct {
					Word       string  `json:"word"`
					Start      float64 `json:"start"`
					End        float64 `json:"end"`
					Confidence float64 `json:"confidence"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// parseListenResponse parses a Deepgram response body into a Transcript. A
// body without results is malformed; a channel without alternatives is
// silence.
func parseListenResponse(data []byte) (types.Transcript, error) {
	var resp listenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: parse JSON response: %w", err)
	}
	if resp.Results == nil {
		return types.Transcript{}, errors.New("deepgram: response has no results")
	}
	if len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return types.Transcript{IsFinal: true}, nil
	}

	ch := resp.Results.Channels[0]
	alt := ch.Alternatives[0]
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	lang := ch.DetectedLanguage
	if lang == "" && len(alt.Languages) > 0 {
		lang = alt.Languages[0]
	}

	return types.Transcript{
		Text:       strings.TrimSpace(alt.Transcript),
		IsFinal:    true,
		Language:   stt.LanguageCode(lang),
		Confidence: alt.Confidence,
		Words:      words,
		Duration:   time.Duration(resp.Metadata.Duration * float64(time.Second)),
	}, nil
}
