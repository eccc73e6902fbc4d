package live

// Status is the lifecycle state of a session or, before init, of its
// connection.
type Status int

const (
	// StatusConnecting: the connection is open and waiting for init.
	StatusConnecting Status = iota
	// StatusOpen: init accepted, no audio yet.
	StatusOpen
	// StatusStreaming: audio is flowing.
	StatusStreaming
	// StatusPenalty: the latest fragment was in the wrong language.
	StatusPenalty
	// StatusFinal: the outcome has been computed and committed.
	StatusFinal
	// StatusClosed: the session was abandoned without an outcome.
	StatusClosed
	// StatusError: the connection hit a protocol violation.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusStreaming:
		return "streaming"
	case StatusPenalty:
		return "penalty"
	case StatusFinal:
		return "final"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events can change the session.
func (s Status) Terminal() bool {
	return s == StatusFinal || s == StatusClosed || s == StatusError
}
