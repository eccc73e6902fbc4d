// Package protocol defines the messages exchanged over a live interaction
// connection.
//
// Framing is one WebSocket message per logical event. Client text frames
// carry either the JSON init payload (any frame starting with '{') or a
// control string; client binary frames carry opaque audio. Every server
// frame is a JSON object whose "event" field discriminates the payload.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/language"
)

// Event names.
const (
	EventReady   = "ready"
	EventReset   = "reset"
	EventPartial = "partial"
	EventPenalty = "penalty"
	EventFinal   = "final"
	EventError   = "error"
)

// Interaction modes.
const (
	ModeLive   = "live"
	ModePaused = "paused"
)

// Match types reported in a final result.
const (
	MatchExact = "exact"
	MatchFuzzy = "fuzzy"
	MatchNone  = "none"
)

// Final reasons the server sets itself. A manual stop reports the control
// string the client sent.
const (
	ReasonMatched         = "matched"
	ReasonStop            = "stop"
	ReasonCommit          = "commit"
	ReasonTimeout         = "timeout"
	ReasonProviderFailure = "provider_failure"
	ReasonLivesExhausted  = "lives_exhausted"
)

// DecodeError reports a malformed client frame.
type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Message: message, Param: param}
}

// ---- client → server --------------------------------------------------------

// Init opens a session. It carries the scenario context and the client's last
// known ledger snapshot.
type Init struct {
	ScenarioID        *string  `json:"scenario_id"`
	Language          string   `json:"language"`
	ExpectedResponse  string   `json:"expected_response,omitempty"`
	ExpectedResponses []string `json:"expected_responses,omitempty"`
	Judge             float64  `json:"judge"`
	Score             int      `json:"score"`
	LivesTotal        int      `json:"lives_total"`
	LivesRemaining    int      `json:"lives_remaining"`
	AuthToken         string   `json:"auth_token,omitempty"`
	Mode              string   `json:"mode,omitempty"`
}

// Scenario returns the scenario id, or "" when the init carries none.
func (m Init) Scenario() string {
	if m.ScenarioID == nil {
		return ""
	}
	return strings.TrimSpace(*m.ScenarioID)
}

// Expected returns the expected responses in order: expected_responses first,
// then expected_response when it is not already listed. Blank entries are
// skipped.
func (m Init) Expected() []string {
	out := make([]string, 0, len(m.ExpectedResponses)+1)
	seen := make(map[string]struct{}, len(m.ExpectedResponses)+1)
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, s := range m.ExpectedResponses {
		add(s)
	}
	add(m.ExpectedResponse)
	return out
}

// RedactedForLog returns the fields of m that are safe to log.
func (m Init) RedactedForLog() map[string]any {
	return map[string]any{
		"scenario_id":     m.Scenario(),
		"language":        m.Language,
		"expected":        len(m.Expected()),
		"judge":           m.Judge,
		"score":           m.Score,
		"lives_total":     m.LivesTotal,
		"lives_remaining": m.LivesRemaining,
		"mode":            m.Mode,
		"has_auth_token":  m.AuthToken != "",
	}
}

// IsInitFrame reports whether a client text frame is an init payload rather
// than a control string.
func IsInitFrame(data []byte) bool {
	s := strings.TrimSpace(string(data))
	return strings.HasPrefix(s, "{")
}

// DecodeInit parses and validates an init payload. Expected responses may be
// empty when a scenario id is given; the scenario source supplies them.
func DecodeInit(data []byte) (Init, error) {
	var msg Init
	if err := json.Unmarshal(data, &msg); err != nil {
		return Init{}, badRequest("invalid init payload", "")
	}
	if err := ValidateInit(msg); err != nil {
		return Init{}, err
	}
	if msg.Mode == "" {
		msg.Mode = ModeLive
	}
	return msg, nil
}

// ValidateInit checks the structural invariants of an init payload.
func ValidateInit(msg Init) error {
	lang := strings.TrimSpace(msg.Language)
	if lang == "" {
		return badRequest("init.language is required", "language")
	}
	if _, err := language.Parse(lang); err != nil {
		return badRequest("init.language is not a valid language tag", "language")
	}
	if len(msg.Expected()) == 0 && msg.Scenario() == "" {
		return badRequest("init requires expected_responses or scenario_id", "expected_responses")
	}
	if msg.LivesTotal < 1 {
		return badRequest("init.lives_total must be >= 1", "lives_total")
	}
	if msg.LivesRemaining < 0 || msg.LivesRemaining > msg.LivesTotal {
		return badRequest("init.lives_remaining must be within [0, lives_total]", "lives_remaining")
	}
	if msg.Score < 0 {
		return badRequest("init.score must be >= 0", "score")
	}
	switch msg.Mode {
	case "", ModeLive, ModePaused:
	default:
		return badRequest("init.mode must be live or paused", "mode")
	}
	return nil
}

// ControlKind classifies a client control string.
type ControlKind int

const (
	// ControlStop ends the attempt. Any string that is not one of the other
	// controls is a stop with that string as its reason.
	ControlStop ControlKind = iota
	// ControlCommit submits buffered audio in paused mode.
	ControlCommit
	// ControlModeLive switches the session to live timing.
	ControlModeLive
	// ControlModePaused switches the session to paused timing.
	ControlModePaused
)

// Control is a parsed client control string.
type Control struct {
	Kind   ControlKind
	Reason string
}

// ParseControl classifies a client text frame that is not an init payload.
func ParseControl(data []byte) Control {
	s := strings.TrimSpace(string(data))
	switch strings.ToLower(s) {
	case "commit":
		return Control{Kind: ControlCommit, Reason: ReasonCommit}
	case "mode:live":
		return Control{Kind: ControlModeLive}
	case "mode:paused":
		return Control{Kind: ControlModePaused}
	case "":
		return Control{Kind: ControlStop, Reason: ReasonStop}
	}
	return Control{Kind: ControlStop, Reason: s}
}

// ---- server → client --------------------------------------------------------

// Snapshot carries ledger values. Sent as ready when the session starts and as
// reset when the server's ledger overrides the client's.
type Snapshot struct {
	Event          string  `json:"event"`
	SessionID      string  `json:"session_id,omitempty"`
	LivesTotal     int     `json:"lives_total"`
	LivesRemaining int     `json:"lives_remaining"`
	Score          int     `json:"score"`
	Judge          float64 `json:"judge"`
	Mode           string  `json:"mode,omitempty"`
}

// Partial carries one non-empty transcript fragment.
type Partial struct {
	Event            string  `json:"event"`
	Transcript       string  `json:"transcript"`
	DetectedLanguage string  `json:"detected_language,omitempty"`
	Ordinal          int64   `json:"ordinal"`
	MatchedIndex     int     `json:"matched_index"`
	Confidence       float64 `json:"confidence"`
	MatchType        string  `json:"match_type"`
}

// Penalty reports an immediate ledger deduction.
type Penalty struct {
	Event          string `json:"event"`
	Message        string `json:"message"`
	LivesTotal     int    `json:"lives_total"`
	LivesRemaining int    `json:"lives_remaining"`
	LivesDelta     int    `json:"lives_delta"`
	Score          int    `json:"score"`
	ScoreDelta     int    `json:"score_delta"`
}

// Result is the terminal match of a session.
type Result struct {
	Heard        string  `json:"heard"`
	Confidence   float64 `json:"confidence"`
	MatchType    string  `json:"match_type"`
	MatchedIndex int     `json:"matched_index"`
}

// Final is the one terminal event of a session. Deltas are the outcome's own
// contribution; penalties already reported are not repeated.
type Final struct {
	Event          string  `json:"event"`
	Result         Result  `json:"result"`
	Score          int     `json:"score"`
	LivesTotal     int     `json:"lives_total"`
	LivesRemaining int     `json:"lives_remaining"`
	Judge          float64 `json:"judge"`
	ScoreDelta     int     `json:"score_delta"`
	LivesDelta     int     `json:"lives_delta"`
	Tier           string  `json:"tier"`
	Reason         string  `json:"reason"`
	PenaltyReason  string  `json:"penalty_reason,omitempty"`
	Next           string  `json:"next,omitempty"`
}

// Error reports a non-terminal problem, or a protocol violation right before
// the server closes the connection.
type Error struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// NewError builds an error event.
func NewError(format string, args ...any) Error {
	return Error{Event: EventError, Message: fmt.Sprintf(format, args...)}
}

// DecodeServerEvent parses a server frame into one of Snapshot, Partial,
// Penalty, Final or Error.
func DecodeServerEvent(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}

	var msg any
	switch envelope.Event {
	case EventReady, EventReset:
		msg = &Snapshot{}
	case EventPartial:
		msg = &Partial{}
	case EventPenalty:
		msg = &Penalty{}
	case EventFinal:
		msg = &Final{}
	case EventError:
		msg = &Error{}
	default:
		return nil, badRequest("unsupported event", "event")
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, badRequest("invalid "+envelope.Event+" frame", "")
	}
	switch m := msg.(type) {
	case *Snapshot:
		return *m, nil
	case *Partial:
		return *m, nil
	case *Penalty:
		return *m, nil
	case *Final:
		return *m, nil
	default:
		return *msg.(*Error), nil
	}
}
