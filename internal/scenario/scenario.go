// Package scenario provides the read-only catalogue of scenes a learner can
// answer. A [Scenario] lists the target-language responses the scene expects,
// the language they must be spoken in, and the reward and penalty rules that
// turn a match into ledger deltas.
//
// Scenarios can be loaded from YAML files ([LoadDir]), kept in memory
// ([MemStore]) or stored in PostgreSQL ([PostgresStore]). All of them satisfy
// [Source].
package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ErrUnknownScenario is returned by a Source for an id it does not know.
var ErrUnknownScenario = errors.New("scenario: unknown scenario")

// Source supplies scenarios by id. Implementations must be safe for
// concurrent use.
type Source interface {
	Scenario(ctx context.Context, id string) (Scenario, error)
}

// Rules turn a finalized match into ledger deltas. Rewards are >= 0,
// deductions are <= 0.
type Rules struct {
	// FullReward is the score for a confidence >= the full tier threshold.
	FullReward int `yaml:"full_reward" json:"full_reward"`

	// PartialReward is the score for a confidence in the partial tier.
	PartialReward int `yaml:"partial_reward" json:"partial_reward"`

	// FailureScore and FailureLives are applied when the attempt fails.
	FailureScore int `yaml:"failure_score" json:"failure_score"`
	FailureLives int `yaml:"failure_lives" json:"failure_lives"`

	// PenaltyScore and PenaltyLives are applied immediately when a fragment
	// is heard in the wrong language.
	PenaltyScore int `yaml:"penalty_score" json:"penalty_score"`
	PenaltyLives int `yaml:"penalty_lives" json:"penalty_lives"`

	// PenaltyMessage is shown with a language penalty. "{expected}" and
	// "{heard}" are replaced with English language names.
	PenaltyMessage string `yaml:"penalty_message" json:"penalty_message"`
}

// DefaultRules returns the rules used when a scenario does not override them.
func DefaultRules() Rules {
	return Rules{
		FullReward:     10,
		PartialReward:  5,
		FailureScore:   0,
		FailureLives:   -1,
		PenaltyScore:   0,
		PenaltyLives:   -1,
		PenaltyMessage: "Answer in {expected}, not {heard}.",
	}
}

// Validate returns a joined error describing every rule violation.
func (r Rules) Validate() error {
	var errs []error
	if r.FullReward < 0 {
		errs = append(errs, fmt.Errorf("full_reward must be >= 0, got %d", r.FullReward))
	}
	if r.PartialReward < 0 {
		errs = append(errs, fmt.Errorf("partial_reward must be >= 0, got %d", r.PartialReward))
	}
	for name, v := range map[string]int{
		"failure_score": r.FailureScore,
		"failure_lives": r.FailureLives,
		"penalty_score": r.PenaltyScore,
		"penalty_lives": r.PenaltyLives,
	} {
		if v > 0 {
			errs = append(errs, fmt.Errorf("%s must be <= 0, got %d", name, v))
		}
	}
	return errors.Join(errs...)
}

// PenaltyText renders PenaltyMessage for the two language tags.
func (r Rules) PenaltyText(expected, heard string) string {
	msg := r.PenaltyMessage
	if msg == "" {
		msg = DefaultRules().PenaltyMessage
	}
	return strings.NewReplacer(
		"{expected}", LanguageName(expected),
		"{heard}", LanguageName(heard),
	).Replace(msg)
}

// LanguageName returns the English name of a BCP-47 tag, or the tag itself
// when it cannot be parsed.
func LanguageName(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	if name := display.English.Languages().Name(t); name != "" {
		return name
	}
	return tag
}

// ResponseOption is one response the scene accepts.
type ResponseOption struct {
	// Text is the expected utterance in the scenario language.
	Text string `yaml:"text" json:"text"`

	// Reward, when set, replaces Rules.FullReward for this option.
	Reward *int `yaml:"reward,omitempty" json:"reward,omitempty"`

	// Next is the id of the scene this answer branches to.
	Next string `yaml:"next,omitempty" json:"next,omitempty"`
}

// Scenario is one scene of the catalogue.
type Scenario struct {
	ID       string           `yaml:"id" json:"id"`
	Title    string           `yaml:"title,omitempty" json:"title,omitempty"`
	Language string           `yaml:"language" json:"language"`
	Options  []ResponseOption `yaml:"options" json:"options"`
	Rules    Rules            `yaml:"rules" json:"rules"`
}

// Validate checks the scenario for logical consistency and returns a joined
// error describing every violation found.
func (s *Scenario) Validate() error {
	var errs []error
	if strings.TrimSpace(s.ID) == "" {
		errs = append(errs, errors.New("scenario: id must not be empty"))
	}
	if _, err := language.Parse(s.Language); err != nil {
		errs = append(errs, fmt.Errorf("scenario %q: language %q is not a valid language tag", s.ID, s.Language))
	}
	if len(s.Options) == 0 {
		errs = append(errs, fmt.Errorf("scenario %q: at least one option is required", s.ID))
	}
	for i, o := range s.Options {
		if strings.TrimSpace(o.Text) == "" {
			errs = append(errs, fmt.Errorf("scenario %q: options[%d].text must not be empty", s.ID, i))
		}
		if o.Reward != nil && *o.Reward < 0 {
			errs = append(errs, fmt.Errorf("scenario %q: options[%d].reward must be >= 0", s.ID, i))
		}
	}
	if err := s.Rules.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scenario %q: rules: %w", s.ID, err))
	}
	return errors.Join(errs...)
}

// Expected returns the option texts in order.
func (s Scenario) Expected() []string {
	out := make([]string, len(s.Options))
	for i, o := range s.Options {
		out[i] = o.Text
	}
	return out
}

// FullReward returns the full-tier reward for the option at index i.
func (s Scenario) FullReward(i int) int {
	if i >= 0 && i < len(s.Options) && s.Options[i].Reward != nil {
		return *s.Options[i].Reward
	}
	return s.Rules.FullReward
}

// NextFor returns the branch id for option i, or "".
func (s Scenario) NextFor(i int) string {
	if i >= 0 && i < len(s.Options) {
		return s.Options[i].Next
	}
	return ""
}

// AdHoc builds an unnamed scenario from bare expected texts, as sent by
// clients that carry their own scene content.
func AdHoc(lang string, expected []string, rules Rules) Scenario {
	opts := make([]ResponseOption, len(expected))
	for i, e := range expected {
		opts[i] = ResponseOption{Text: e}
	}
	return Scenario{Language: lang, Options: opts, Rules: rules}
}
