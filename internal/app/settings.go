package app

import (
	"log/slog"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/live"
	"github.com/MrWong99/parley/internal/scenario"
	"github.com/MrWong99/parley/pkg/types"
)

// SessionConfig converts the session section of the server config into the
// live package configuration. Zero values keep the live defaults.
func SessionConfig(s config.SessionConfig) live.Config {
	c := live.DefaultConfig()
	if s.FullThreshold > 0 {
		c.Thresholds.Full = s.FullThreshold
	}
	if s.PartialThreshold > 0 {
		c.Thresholds.Partial = s.PartialThreshold
	}
	if s.IdleTimeout > 0 {
		c.IdleTimeout = s.IdleTimeout
	}
	if s.MaxConsecutiveFailures > 0 {
		c.MaxConsecutiveFailures = s.MaxConsecutiveFailures
	}
	if s.MaxBufferBytes > 0 {
		c.MaxBufferBytes = s.MaxBufferBytes
	}
	if s.Audio.Encoding != "" {
		c.Format.Encoding = types.AudioEncoding(s.Audio.Encoding)
	}
	if s.Audio.SampleRate > 0 {
		c.Format.SampleRate = s.Audio.SampleRate
	}
	if s.Audio.Channels > 0 {
		c.Format.Channels = s.Audio.Channels
	}
	c.Rules = Rules(s)
	return c
}

// Rules returns the configured game rules, or [scenario.DefaultRules] when the
// config has none.
func Rules(s config.SessionConfig) scenario.Rules {
	if s.Rules == nil {
		return scenario.DefaultRules()
	}
	r := s.Rules
	return scenario.Rules{
		FullReward:     r.FullReward,
		PartialReward:  r.PartialReward,
		FailureScore:   r.FailureScore,
		FailureLives:   r.FailureLives,
		PenaltyScore:   r.PenaltyScore,
		PenaltyLives:   r.PenaltyLives,
		PenaltyMessage: r.PenaltyMessage,
	}
}

// SlogLevel maps a config log level to its slog level. Unknown levels map
// to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
