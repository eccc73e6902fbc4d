package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  allowed_origins: ["app.example.com"]
  max_frame_bytes: 65536
  shutdown_timeout: 5s
providers:
  stt:
    name: openai
    api_key: sk-test
    model: whisper-1
    options:
      force_language: true
  stt_fallbacks:
    - name: whisper
      base_url: http://localhost:8081
  breaker:
    max_failures: 4
    reset_timeout: 10s
session:
  full_threshold: 0.9
  partial_threshold: 0.6
  idle_timeout: 20s
  max_consecutive_failures: 2
  max_buffer_bytes: 1048576
  audio:
    encoding: pcm_s16le
    sample_rate: 16000
    channels: 1
  rules:
    full_reward: 20
    partial_reward: 8
    failure_lives: -1
    penalty_lives: -1
    penalty_message: "Please answer in {expected}."
scenarios:
  backend: files
  dir: ./scenarios
auth:
  jwt_secret: 0123456789abcdef0123456789abcdef
  issuer: parley-test
  leeway: 2s
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second || cfg.Server.MaxFrameBytes != 65536 {
		t.Errorf("server limits = %+v", cfg.Server)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "app.example.com" {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Providers.STT.Name != "openai" || cfg.Providers.STT.Model != "whisper-1" {
		t.Errorf("stt = %+v", cfg.Providers.STT)
	}
	if !config.OptBool(cfg.Providers.STT.Options, "force_language", false) {
		t.Error("force_language option not decoded")
	}
	if len(cfg.Providers.Fallbacks) != 1 || cfg.Providers.Fallbacks[0].BaseURL != "http://localhost:8081" {
		t.Errorf("fallbacks = %+v", cfg.Providers.Fallbacks)
	}
	if cfg.Providers.Breaker.MaxFailures != 4 || cfg.Providers.Breaker.ResetTimeout != 10*time.Second {
		t.Errorf("breaker = %+v", cfg.Providers.Breaker)
	}
	s := cfg.Session
	if s.FullThreshold != 0.9 || s.PartialThreshold != 0.6 || s.IdleTimeout != 20*time.Second {
		t.Errorf("session = %+v", s)
	}
	if s.Rules == nil || s.Rules.FullReward != 20 || s.Rules.PenaltyMessage != "Please answer in {expected}." {
		t.Errorf("rules = %+v", s.Rules)
	}
	if cfg.Scenarios.Backend != config.ScenariosFiles || cfg.Scenarios.Dir != "./scenarios" {
		t.Errorf("scenarios = %+v", cfg.Scenarios)
	}
	if !cfg.Auth.Enabled() || cfg.Auth.Issuer != "parley-test" || cfg.Auth.Leeway != 2*time.Second {
		t.Errorf("auth = %+v", cfg.Auth)
	}
}

func TestLoadFromReader_Minimal(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader("providers:\n  stt:\n    name: deepgram\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Auth.Enabled() {
		t.Error("auth enabled without a secret")
	}
	if cfg.Scenarios.Backend != config.ScenariosNone {
		t.Errorf("backend = %q, want none", cfg.Scenarios.Backend)
	}
	if cfg.Session.Rules != nil {
		t.Error("rules should stay nil when omitted")
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()

	_, err := config.LoadFromReader(strings.NewReader("providers:\n  stt:\n    name: openai\n    flavour: vanilla\n"))
	if err == nil || !strings.Contains(err.Error(), "flavour") {
		t.Errorf("err = %v, want unknown field error", err)
	}
}

func TestLoadFromReader_EnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_LISTEN_ADDR", ":7000")
	t.Setenv("PARLEY_LOG_LEVEL", "warn")
	t.Setenv("PARLEY_ALLOWED_ORIGINS", "a.example.com,b.example.com")
	t.Setenv("PARLEY_STT_API_KEY", "from-env")
	t.Setenv("PARLEY_POSTGRES_DSN", "postgres://env/parley")
	t.Setenv("PARLEY_JWT_SECRET", "env-secret-env-secret-env-secret")

	yaml := `
server:
  listen_addr: ":9090"
providers:
  stt:
    name: openai
    api_key: from-file
scenarios:
  backend: postgres
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":7000" || cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("server = %+v", cfg.Server)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Providers.STT.APIKey != "from-env" {
		t.Errorf("api_key = %q, want from-env", cfg.Providers.STT.APIKey)
	}
	if cfg.Scenarios.PostgresDSN != "postgres://env/parley" {
		t.Errorf("postgres_dsn = %q", cfg.Scenarios.PostgresDSN)
	}
	if cfg.Auth.JWTSecret != "env-secret-env-secret-env-secret" {
		t.Errorf("jwt_secret = %q", cfg.Auth.JWTSecret)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "parley.yaml")
	writeFile(t, path, fullYAML)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.STT.APIKey == "" {
		t.Error("api key not loaded")
	}
}
