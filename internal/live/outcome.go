package live

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/MrWong99/parley/internal/ledger"
	"github.com/MrWong99/parley/internal/match"
	"github.com/MrWong99/parley/internal/scenario"
)

// Tier is the reward band a final confidence falls into.
type Tier string

const (
	TierFull    Tier = "full"
	TierPartial Tier = "partial"
	TierFailure Tier = "failure"
)

// Thresholds split confidences into tiers.
type Thresholds struct {
	// Full is the lowest confidence that earns the full reward. An exact
	// match at or above it also ends the session without a stop signal.
	Full float64
	// Partial is the lowest confidence that earns the partial reward.
	Partial float64
}

// DefaultThresholds returns the 0.85 / 0.70 split.
func DefaultThresholds() Thresholds {
	return Thresholds{Full: 0.85, Partial: 0.70}
}

// TierFor classifies confidence c.
func (t Thresholds) TierFor(c float64) Tier {
	switch {
	case c >= t.Full:
		return TierFull
	case c >= t.Partial:
		return TierPartial
	default:
		return TierFailure
	}
}

// outcomeDelta returns the ledger delta a finalized match earns under sc.
// A forced failure ignores the confidence.
func outcomeDelta(sc scenario.Scenario, th Thresholds, res match.Result, forceFailure bool) (Tier, ledger.Delta) {
	tier := th.TierFor(res.Confidence)
	if forceFailure || res.Type == match.None {
		tier = TierFailure
	}
	switch tier {
	case TierFull:
		return tier, ledger.Delta{Score: sc.FullReward(res.Index)}
	case TierPartial:
		return tier, ledger.Delta{Score: sc.Rules.PartialReward}
	default:
		return TierFailure, ledger.Delta{Score: sc.Rules.FailureScore, Lives: sc.Rules.FailureLives}
	}
}

// sameLanguage compares two BCP-47 tags by base language. An empty detected
// tag never counts as a mismatch.
func sameLanguage(required, detected string) bool {
	detected = strings.TrimSpace(detected)
	if detected == "" {
		return true
	}
	return baseOf(required) == baseOf(detected)
}

func baseOf(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		s := strings.ToLower(strings.TrimSpace(tag))
		if i := strings.IndexAny(s, "-_"); i > 0 {
			s = s[:i]
		}
		return s
	}
	b, _ := t.Base()
	return b.String()
}
