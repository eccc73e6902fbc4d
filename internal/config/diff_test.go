package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			STT: config.ProviderEntry{Name: "openai", Model: "whisper-1"},
		},
		Session: config.SessionConfig{IdleTimeout: 30 * time.Second},
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(c *config.Config)
		wantLog     bool
		wantSession bool
		wantRestart []string
	}{
		{name: "identical", mutate: func(*config.Config) {}},
		{
			name:    "log level",
			mutate:  func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			wantLog: true,
		},
		{
			name:        "idle timeout",
			mutate:      func(c *config.Config) { c.Session.IdleTimeout = time.Minute },
			wantSession: true,
		},
		{
			name: "rules added",
			mutate: func(c *config.Config) {
				c.Session.Rules = &config.RulesConfig{FullReward: 3}
			},
			wantSession: true,
		},
		{
			name:        "listen addr",
			mutate:      func(c *config.Config) { c.Server.ListenAddr = ":9000" },
			wantRestart: []string{"server"},
		},
		{
			name: "provider and auth",
			mutate: func(c *config.Config) {
				c.Providers.STT.Model = "gpt-4o-transcribe"
				c.Auth.JWTSecret = "s"
			},
			wantRestart: []string{"providers", "auth"},
		},
		{
			name:        "scenario backend",
			mutate:      func(c *config.Config) { c.Scenarios.Backend = config.ScenariosFiles },
			wantRestart: []string{"scenarios"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, next := baseConfig(), baseConfig()
			tt.mutate(next)

			d := config.Diff(old, next)
			if d.LogLevelChanged != tt.wantLog {
				t.Errorf("LogLevelChanged = %v, want %v", d.LogLevelChanged, tt.wantLog)
			}
			if tt.wantLog && d.NewLogLevel != next.Server.LogLevel {
				t.Errorf("NewLogLevel = %q", d.NewLogLevel)
			}
			if d.SessionChanged != tt.wantSession {
				t.Errorf("SessionChanged = %v, want %v", d.SessionChanged, tt.wantSession)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
			wantEmpty := !tt.wantLog && !tt.wantSession && len(tt.wantRestart) == 0
			if d.Empty() != wantEmpty {
				t.Errorf("Empty() = %v, want %v", d.Empty(), wantEmpty)
			}
		})
	}
}
