// Package openai provides a transcriber backed by the OpenAI audio
// transcription API.
//
// Only whisper-1 returns the verbose_json format that reports the detected
// language. Other models (gpt-4o-transcribe, ...) are accepted but produce
// transcripts without a language, which disables language-mismatch penalties.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = string(oai.AudioModelWhisper1)

// Ensure Transcriber implements the stt.Transcriber interface.
var _ stt.Transcriber = (*Transcriber)(nil)

// Transcriber implements stt.Transcriber using the OpenAI API.
type Transcriber struct {
	client        oai.Client
	model         string
	forceLanguage bool
}

// config holds optional configuration for the transcriber.
type config struct {
	baseURL       string
	organization  string
	timeout       time.Duration
	forceLanguage bool
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithForceLanguage sends the request's language hint to the API instead of
// letting the model detect the language.
func WithForceLanguage(force bool) Option {
	return func(c *config) {
		c.forceLanguage = force
	}
}

// New constructs a new OpenAI Transcriber.
// If model is empty, DefaultModel (whisper-1) is used.
func New(apiKey string, model string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are the session's job: it re-sends the grown buffer.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Transcriber{
		client:        oai.NewClient(reqOpts...),
		model:         model,
		forceLanguage: cfg.forceLanguage,
	}, nil
}

// verboseFields holds the verbose_json fields the SDK does not model.
type verboseFields struct {
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Transcribe implements stt.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, req stt.Request) (types.Transcript, error) {
	if len(req.Audio) == 0 {
		return types.Transcript{}, nil
	}

	audio, filename, contentType := stt.Upload(req)
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(audio), filename, contentType),
		Model: oai.AudioModel(t.model),
	}
	verbose := t.model == DefaultModel
	if verbose {
		params.ResponseFormat = oai.AudioResponseFormatVerboseJSON
	} else {
		params.ResponseFormat = oai.AudioResponseFormatJSON
	}
	if t.forceLanguage && req.LanguageHint != "" {
		params.Language = oai.String(req.LanguageHint)
	}
	if p := prompt(req.Keywords); p != "" {
		params.Prompt = oai.String(p)
	}

	resp, err := t.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return types.Transcript{}, classify(err)
	}

	tr := types.Transcript{
		Text:    strings.TrimSpace(resp.Text),
		IsFinal: true,
	}
	if verbose {
		var extra verboseFields
		if err := json.Unmarshal([]byte(resp.RawJSON()), &extra); err != nil {
			return types.Transcript{}, stt.Fatal(fmt.Errorf("openai stt: parse verbose response: %w", err))
		}
		tr.Language = stt.LanguageCode(extra.Language)
		tr.Duration = time.Duration(extra.Duration * float64(time.Second))
	}
	return tr, nil
}

// classify marks client errors the session cannot recover from by re-sending
// audio as fatal.
func classify(err error) error {
	err = fmt.Errorf("openai stt: transcribe: %w", err)
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return stt.Fatal(err)
		}
	}
	return err
}

func prompt(keywords []types.KeywordBoost) string {
	parts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k.Keyword != "" {
			parts = append(parts, k.Keyword)
		}
	}
	return strings.Join(parts, ", ")
}
