// Package match scores transcript fragments against the responses a scenario
// expects.
//
// Both sides are normalized (NFKC, case folding, punctuation stripped,
// whitespace collapsed) and split into tokens. A fragment whose token
// sequence equals an expected response's is an exact match with confidence
// 1.0. Otherwise each expected response gets a fuzzy score: every expected
// token contributes, weighted by its length, either an equal fragment token
// or the best similar one left over. Similarity is Jaro-Winkler, boosted when
// the Double Metaphone codes of the two tokens agree and zeroed below a token
// floor.
//
// Fragment tokens that cover nothing are stray speech. Stray speech up to a
// quarter of the expected length is free, so a filler word costs nothing;
// beyond that it dilutes the score. Reciting every option in one breath
// therefore does not earn the full reward for any of them. Adding a word that
// covers an expected token never lowers the score.
package match

import (
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Type classifies a match.
type Type string

const (
	Exact Type = "exact"
	Fuzzy Type = "fuzzy"
	None  Type = "none"
)

const (
	defaultFloor      = 0.3
	defaultTokenFloor = 0.75
	defaultFuzzyCap   = 0.99

	// strayAllowance is the share of an expected response's length that
	// unrelated fragment speech may take before it lowers the score.
	strayAllowance = 0.25

	// phoneticBoost closes this share of the gap to 1.0 when two tokens
	// sound alike.
	phoneticBoost = 0.5
)

// Result is the outcome of matching one fragment.
type Result struct {
	// Index of the best expected response, or -1 for None.
	Index      int
	Confidence float64
	Type       Type
}

// NoMatch is the result for a fragment that matches nothing.
var NoMatch = Result{Index: -1, Confidence: 0, Type: None}

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithFloor sets the minimum score for a fuzzy match. Default: 0.3.
func WithFloor(floor float64) Option {
	return func(m *Matcher) {
		m.floor = floor
	}
}

// WithTokenFloor sets the minimum Jaro-Winkler similarity for two different
// tokens to count as partially matching. Default: 0.75.
func WithTokenFloor(floor float64) Option {
	return func(m *Matcher) {
		m.tokenFloor = floor
	}
}

// Matcher scores fragments. It is read-only after construction and safe for
// concurrent use.
type Matcher struct {
	floor      float64
	tokenFloor float64
	fuzzyCap   float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		floor:      defaultFloor,
		tokenFloor: defaultTokenFloor,
		fuzzyCap:   defaultFuzzyCap,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match scores fragment against expected and returns the best result. Ties go
// to the lower index.
func (m *Matcher) Match(fragment string, expected []string) Result {
	frag := Tokenize(Normalize(fragment))
	if len(frag) == 0 || len(expected) == 0 {
		return NoMatch
	}

	best := NoMatch
	for i, e := range expected {
		exp := Tokenize(Normalize(e))
		if len(exp) == 0 {
			continue
		}
		if equalTokens(frag, exp) {
			return Result{Index: i, Confidence: 1.0, Type: Exact}
		}
		score := min(m.score(frag, exp), m.fuzzyCap)
		if score > best.Confidence {
			best = Result{Index: i, Confidence: score, Type: Fuzzy}
		}
	}
	if best.Index < 0 || best.Confidence < m.floor {
		return NoMatch
	}
	return best
}

// score rates how well frag covers exp, diluted by stray fragment speech.
func (m *Matcher) score(frag, exp []string) float64 {
	left := make(map[string]int, len(frag))
	for _, t := range frag {
		left[t]++
	}

	var total, covered float64
	var missing []string
	for _, t := range exp {
		total += weight(t)
		if left[t] > 0 {
			left[t]--
			covered += weight(t)
			continue
		}
		missing = append(missing, t)
	}
	for _, t := range missing {
		got, sim := m.closest(t, frag, left)
		if sim > 0 {
			left[got]--
			covered += weight(t) * sim
		}
	}
	if total == 0 {
		return 0
	}

	// Walk frag in order so the sum is stable across calls.
	var stray float64
	for _, t := range frag {
		if left[t] > 0 {
			left[t]--
			stray += weight(t)
		}
	}
	excess := max(0, stray-strayAllowance*total)
	return covered / (total + excess)
}

// closest returns the unused token of frag most similar to want.
func (m *Matcher) closest(want string, frag []string, left map[string]int) (string, float64) {
	var best string
	var bestSim float64
	for _, got := range frag {
		if left[got] == 0 {
			continue
		}
		if s := m.similarity(want, got); s > bestSim {
			best, bestSim = got, s
		}
	}
	return best, bestSim
}

func weight(token string) float64 { return float64(utf8.RuneCountInString(token)) }

func (m *Matcher) similarity(a, b string) float64 {
	if utf8.RuneCountInString(a) == 1 || utf8.RuneCountInString(b) == 1 {
		// Single characters are either equal or not.
		return 0
	}
	s := matchr.JaroWinkler(a, b, false)
	if soundAlike(a, b) {
		s += (1 - s) * phoneticBoost
	}
	if s < m.tokenFloor {
		return 0
	}
	// A near miss never counts as much as the right word.
	return min(s, m.fuzzyCap)
}

// soundAlike reports whether the Double Metaphone codes of a and b overlap.
// Tokens without consonant codes never sound alike.
func soundAlike(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	for _, x := range []string{ap, as} {
		if x == "" {
			continue
		}
		if x == bp || x == bs {
			return true
		}
	}
	return false
}

func equalTokens(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
