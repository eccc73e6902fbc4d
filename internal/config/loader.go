package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ValidSTTNames lists the transcription backends that ship with parley.
// Used by [Validate] to warn about unrecognised provider names.
var ValidSTTNames = []string{"openai", "deepgram", "whisper", "whisper-native"}

var validEncodings = []string{"pcm_s16le", "wav", "webm", "ogg"}

// envOverrides holds the settings that may come from the environment. Set
// values replace the file's.
type envOverrides struct {
	ListenAddr     string   `env:"PARLEY_LISTEN_ADDR"`
	LogLevel       string   `env:"PARLEY_LOG_LEVEL"`
	AllowedOrigins []string `env:"PARLEY_ALLOWED_ORIGINS" envSeparator:","`
	STTAPIKey      string   `env:"PARLEY_STT_API_KEY"`
	PostgresDSN    string   `env:"PARLEY_POSTGRES_DSN"`
	JWTSecret      string   `env:"PARLEY_JWT_SECRET"`
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// and validates the result. An empty document yields the zero config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// ApplyEnv overlays the PARLEY_* environment variables onto cfg. Secrets are
// usually supplied this way rather than written into the file.
func ApplyEnv(cfg *Config) error {
	var e envOverrides
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("config: parse env: %w", err)
	}
	if e.ListenAddr != "" {
		cfg.Server.ListenAddr = e.ListenAddr
	}
	if e.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(e.LogLevel)
	}
	if len(e.AllowedOrigins) > 0 {
		cfg.Server.AllowedOrigins = e.AllowedOrigins
	}
	if e.STTAPIKey != "" {
		cfg.Providers.STT.APIKey = e.STTAPIKey
	}
	if e.PostgresDSN != "" {
		cfg.Scenarios.PostgresDSN = e.PostgresDSN
	}
	if e.JWTSecret != "" {
		cfg.Auth.JWTSecret = e.JWTSecret
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_frame_bytes must be >= 0"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, fmt.Errorf("providers.stt.name is required"))
	}
	validateProviderName("providers.stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.Fallbacks {
		prefix := fmt.Sprintf("providers.stt_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(prefix, fb.Name)
	}
	if b := cfg.Providers.Breaker; b.MaxFailures < 0 || b.HalfOpenMax < 0 || b.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("providers.breaker values must be >= 0"))
	}

	errs = append(errs, validateSession(cfg.Session)...)

	// Scenarios
	sc := cfg.Scenarios
	switch {
	case !sc.Backend.IsValid():
		errs = append(errs, fmt.Errorf("scenarios.backend %q is invalid; valid values: files, postgres", sc.Backend))
	case sc.Backend == ScenariosFiles && sc.Dir == "":
		errs = append(errs, fmt.Errorf("scenarios.dir is required when backend is files"))
	case sc.Backend == ScenariosPostgres && sc.PostgresDSN == "":
		errs = append(errs, fmt.Errorf("scenarios.postgres_dsn is required when backend is postgres"))
	case sc.Backend == ScenariosNone:
		slog.Debug("no scenario backend configured; clients must send expected responses inline")
	}
	if sc.ImportDir != "" && sc.Backend != ScenariosPostgres {
		slog.Warn("scenarios.import_dir is only used with the postgres backend", "backend", sc.Backend)
	}

	// Auth
	if cfg.Auth.Leeway < 0 {
		errs = append(errs, fmt.Errorf("auth.leeway must be >= 0"))
	}
	if cfg.Auth.Enabled() && len(cfg.Auth.JWTSecret) < 32 {
		slog.Warn("auth.jwt_secret is shorter than 32 bytes")
	}

	return errors.Join(errs...)
}

func validateSession(s SessionConfig) []error {
	var errs []error
	if s.FullThreshold < 0 || s.FullThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.full_threshold %.2f is out of range [0, 1]", s.FullThreshold))
	}
	if s.PartialThreshold < 0 || s.PartialThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.partial_threshold %.2f is out of range [0, 1]", s.PartialThreshold))
	}
	if s.FullThreshold > 0 && s.PartialThreshold > s.FullThreshold {
		errs = append(errs, fmt.Errorf("session.partial_threshold %.2f must not exceed full_threshold %.2f", s.PartialThreshold, s.FullThreshold))
	}
	if s.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout must be >= 0"))
	}
	if s.MaxConsecutiveFailures < 0 {
		errs = append(errs, fmt.Errorf("session.max_consecutive_failures must be >= 0"))
	}
	if s.MaxBufferBytes < 0 {
		errs = append(errs, fmt.Errorf("session.max_buffer_bytes must be >= 0"))
	}
	if enc := s.Audio.Encoding; enc != "" && !slices.Contains(validEncodings, enc) {
		errs = append(errs, fmt.Errorf("session.audio.encoding %q is invalid; valid values: %v", enc, validEncodings))
	}
	if s.Audio.SampleRate < 0 || s.Audio.Channels < 0 {
		errs = append(errs, fmt.Errorf("session.audio sample_rate and channels must be >= 0"))
	}
	if r := s.Rules; r != nil {
		if r.FullReward < 0 || r.PartialReward < 0 {
			errs = append(errs, fmt.Errorf("session.rules rewards must be >= 0"))
		}
		if r.FailureLives > 0 || r.PenaltyLives > 0 {
			errs = append(errs, fmt.Errorf("session.rules failure_lives and penalty_lives must be <= 0"))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidSTTNames].
func validateProviderName(field, name string) {
	if name == "" || slices.Contains(ValidSTTNames, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party registration",
		"field", field,
		"name", name,
		"known", ValidSTTNames,
	)
}
