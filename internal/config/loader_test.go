package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "missing stt",
			yaml:    "server:\n  log_level: info\n",
			wantErr: []string{"providers.stt.name is required"},
		},
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: loud\nproviders:\n  stt:\n    name: openai\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "fallback without name",
			yaml:    "providers:\n  stt:\n    name: openai\n  stt_fallbacks:\n    - base_url: http://x\n",
			wantErr: []string{"providers.stt_fallbacks[0].name is required"},
		},
		{
			name:    "thresholds out of order",
			yaml:    "providers:\n  stt:\n    name: openai\nsession:\n  full_threshold: 0.6\n  partial_threshold: 0.8\n",
			wantErr: []string{"must not exceed full_threshold"},
		},
		{
			name:    "threshold out of range",
			yaml:    "providers:\n  stt:\n    name: openai\nsession:\n  full_threshold: 1.5\n",
			wantErr: []string{"session.full_threshold"},
		},
		{
			name:    "bad encoding",
			yaml:    "providers:\n  stt:\n    name: openai\nsession:\n  audio:\n    encoding: mp3\n",
			wantErr: []string{"session.audio.encoding"},
		},
		{
			name:    "positive penalty",
			yaml:    "providers:\n  stt:\n    name: openai\nsession:\n  rules:\n    penalty_lives: 1\n",
			wantErr: []string{"penalty_lives must be <= 0"},
		},
		{
			name:    "files backend without dir",
			yaml:    "providers:\n  stt:\n    name: openai\nscenarios:\n  backend: files\n",
			wantErr: []string{"scenarios.dir is required"},
		},
		{
			name:    "postgres backend without dsn",
			yaml:    "providers:\n  stt:\n    name: openai\nscenarios:\n  backend: postgres\n",
			wantErr: []string{"scenarios.postgres_dsn is required"},
		},
		{
			name:    "unknown backend",
			yaml:    "providers:\n  stt:\n    name: openai\nscenarios:\n  backend: redis\n",
			wantErr: []string{"scenarios.backend"},
		},
		{
			name:    "half tls",
			yaml:    "server:\n  tls:\n    cert_file: a.pem\nproviders:\n  stt:\n    name: openai\n",
			wantErr: []string{"server.tls requires"},
		},
		{
			name: "all errors reported together",
			yaml: "server:\n  log_level: loud\nsession:\n  idle_timeout: -1s\n",
			wantErr: []string{
				"server.log_level",
				"providers.stt.name is required",
				"session.idle_timeout",
			},
		},
		{
			name: "unknown provider name only warns",
			yaml: "providers:\n  stt:\n    name: my-asr\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}
