package deepgram

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// ---- URL / query-param tests ----

func TestBuildURL_DetectsLanguageByDefault(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.Request{LanguageHint: "ja"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "path", "/v1/listen", u.Path)
	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "detect_language", "true", q.Get("detect_language"))
	assertEqual(t, "language", "", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
}

func TestBuildURL_ForceLanguage(t *testing.T) {
	p, _ := New("key", WithForceLanguage(true))

	rawURL, _ := p.buildURL(stt.Request{LanguageHint: "de-DE"})
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "detect_language", "", q.Get("detect_language"))
}

func TestBuildURL_Keywords(t *testing.T) {
	kws := []types.KeywordBoost{
		{Keyword: "bonjour", Boost: 5},
		{Keyword: "", Boost: 1},
		{Keyword: "salut", Boost: 2.5},
	}

	t.Run("nova-3 uses keyterm", func(t *testing.T) {
		p, _ := New("key")
		rawURL, _ := p.buildURL(stt.Request{Keywords: kws})
		u, _ := url.Parse(rawURL)
		got := u.Query()["keyterm"]
		if len(got) != 2 || got[0] != "bonjour" || got[1] != "salut" {
			t.Errorf("keyterm = %v, want [bonjour salut]", got)
		}
		if len(u.Query()["keywords"]) != 0 {
			t.Error("nova-3 should not send keywords")
		}
	})

	t.Run("older models use keywords", func(t *testing.T) {
		p, _ := New("key", WithModel("nova-2"))
		rawURL, _ := p.buildURL(stt.Request{Keywords: kws})
		u, _ := url.Parse(rawURL)
		got := u.Query()["keywords"]
		if len(got) != 2 || got[0] != "bonjour:5" || got[1] != "salut:2.5" {
			t.Errorf("keywords = %v, want [bonjour:5 salut:2.5]", got)
		}
	})
}

// ---- response parsing ----

func TestParseListenResponse_Full(t *testing.T) {
	msg := []byte(`{
		"metadata": {"duration": 1.25},
		"results": {"channels": [{
			"detected_language": "fr",
			"alternatives": [{
				"transcript": " bonjour madame ",
				"confidence": 0.97,
				"words": [
					{"word": "bonjour", "start": 0.1, "end": 0.5, "confidence": 0.99},
					{"word": "madame", "start": 0.6, "end": 1.0, "confidence": 0.95}
				]
			}]
		}]}
	}`)

	tr, err := parseListenResponse(msg)
	if err != nil {
		t.Fatalf("parseListenResponse: %v", err)
	}
	assertEqual(t, "text", "bonjour madame", tr.Text)
	assertEqual(t, "language", "fr", tr.Language)
	if !tr.IsFinal {
		t.Error("IsFinal = false, want true")
	}
	if tr.Confidence != 0.97 {
		t.Errorf("Confidence = %v, want 0.97", tr.Confidence)
	}
	if len(tr.Words) != 2 {
		t.Fatalf("len(Words) = %d, want 2", len(tr.Words))
	}
	if tr.Words[1].Start != 600*time.Millisecond {
		t.Errorf("Words[1].Start = %v, want 600ms", tr.Words[1].Start)
	}
	if tr.Duration != 1250*time.Millisecond {
		t.Errorf("Duration = %v, want 1.25s", tr.Duration)
	}
}

func TestParseListenResponse_LanguageFromAlternative(t *testing.T) {
	msg := []byte(`{"results":{"channels":[{"alternatives":[{"transcript":"hola","languages":["es"]}]}]}}`)
	tr, err := parseListenResponse(msg)
	if err != nil {
		t.Fatalf("parseListenResponse: %v", err)
	}
	assertEqual(t, "language", "es", tr.Language)
}

func TestParseListenResponse_NoAlternativesIsSilence(t *testing.T) {
	tr, err := parseListenResponse([]byte(`{"results":{"channels":[{"alternatives":[]}]}}`))
	if err != nil {
		t.Fatalf("parseListenResponse: %v", err)
	}
	assertEqual(t, "text", "", tr.Text)
}

func TestParseListenResponse_Malformed(t *testing.T) {
	for _, body := range []string{`not json`, `{}`, `{"metadata":{}}`} {
		if _, err := parseListenResponse([]byte(body)); err == nil {
			t.Errorf("expected error for %q", body)
		}
	}
}

// ---- HTTP round trip ----

func TestTranscribe_RoundTrip(t *testing.T) {
	var gotAuth, gotType string
	var gotBody int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody = len(data)
		_, _ = io.WriteString(w, `{"results":{"channels":[{"detected_language":"ja","alternatives":[{"transcript":"こんにちは","confidence":0.9}]}]}}`)
	}))
	defer srv.Close()

	p, _ := New("secret", WithBaseURL(srv.URL))
	tr, err := p.Transcribe(context.Background(), stt.Request{
		Audio:  make([]byte, 320),
		Format: types.AudioFormat{Encoding: types.EncodingPCM16, SampleRate: 16000, Channels: 1},
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	assertEqual(t, "text", "こんにちは", tr.Text)
	assertEqual(t, "language", "ja", tr.Language)
	assertEqual(t, "authorization", "Token secret", gotAuth)
	assertEqual(t, "content-type", "audio/wav", gotType)
	if gotBody != 44+320 {
		t.Errorf("body size = %d, want %d", gotBody, 44+320)
	}
}

func TestTranscribe_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		wantFatal bool
	}{
		{http.StatusUnauthorized, `{"err_code":"INVALID_AUTH"}`, true},
		{http.StatusBadRequest, `{"err_code":"Bad Request"}`, true},
		{http.StatusTooManyRequests, ``, false},
		{http.StatusBadGateway, ``, false},
		{http.StatusOK, `garbage`, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			p, _ := New("key", WithBaseURL(srv.URL))
			_, err := p.Transcribe(context.Background(), stt.Request{Audio: []byte{1, 2}})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := stt.IsFatal(err); got != tt.wantFatal {
				t.Errorf("IsFatal = %v, want %v (err: %v)", got, tt.wantFatal, err)
			}
		})
	}
}

// ---- constructor ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, "model", defaultModel, p.model)
	assertEqual(t, "baseURL", defaultBaseURL, p.baseURL)
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
