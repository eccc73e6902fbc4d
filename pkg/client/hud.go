package client

import "github.com/MrWong99/parley/pkg/protocol"

// Phase is the client's view of the current attempt.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseStarting   Phase = "starting"
	PhaseOpen       Phase = "open"
	PhaseStreaming  Phase = "streaming"
	PhasePenalty    Phase = "penalty"
	PhaseFinalizing Phase = "finalizing"
	PhaseFinal      Phase = "final"
)

// Snapshot is a ledger snapshot as the client knows it.
type Snapshot struct {
	Score          int
	LivesTotal     int
	LivesRemaining int
	Judge          float64
}

// clamp keeps s inside the ledger bounds the server enforces.
func (s Snapshot) clamp() Snapshot {
	if s.LivesTotal < 1 {
		s.LivesTotal = 1
	}
	s.LivesRemaining = min(max(s.LivesRemaining, 0), s.LivesTotal)
	s.Score = max(s.Score, 0)
	s.Judge = min(max(s.Judge, 0), 1)
	return s
}

// HUD is what a UI renders. Values change optimistically as deltas arrive
// and are replaced by the server's absolute values whenever they disagree.
type HUD struct {
	Snapshot

	Phase Phase

	// Heard is the latest transcript fragment of the current attempt.
	Heard string

	// Confirmed is false between sending an init and the server's ready or
	// reset, while the HUD shows the client's own snapshot.
	Confirmed bool

	// Reconciliations counts how often the server overrode local values.
	Reconciliations int

	// LastFinal is the final event of the most recent attempt, if any.
	LastFinal *protocol.Final
}

// apply folds a server event into h and reports whether the server's
// absolute values overrode the locally computed ones.
func (h *HUD) apply(ev any) (reconciled bool) {
	switch e := ev.(type) {
	case protocol.Snapshot:
		server := Snapshot{Score: e.Score, LivesTotal: e.LivesTotal, LivesRemaining: e.LivesRemaining, Judge: e.Judge}
		reconciled = e.Event == protocol.EventReset || server != h.Snapshot
		h.adopt(server, reconciled)
		h.Phase = PhaseOpen
		h.Heard = ""

	case protocol.Partial:
		h.Heard = e.Transcript
		if h.Phase != PhasePenalty && h.Phase != PhaseFinalizing {
			h.Phase = PhaseStreaming
		}

	case protocol.Penalty:
		local := h.Snapshot
		local.Score += e.ScoreDelta
		local.LivesRemaining += e.LivesDelta
		server := local
		server.Score, server.LivesTotal, server.LivesRemaining = e.Score, e.LivesTotal, e.LivesRemaining
		reconciled = local.clamp() != server
		h.adopt(server, reconciled)
		if h.Phase != PhaseFinalizing {
			h.Phase = PhasePenalty
		}

	case protocol.Final:
		local := h.Snapshot
		local.Score += e.ScoreDelta
		local.LivesRemaining += e.LivesDelta
		server := Snapshot{Score: e.Score, LivesTotal: e.LivesTotal, LivesRemaining: e.LivesRemaining, Judge: e.Judge}
		reconciled = local.clamp() != server
		h.adopt(server, reconciled)
		h.Phase = PhaseFinal
		h.Heard = e.Result.Heard
		f := e
		h.LastFinal = &f
	}
	return reconciled
}

func (h *HUD) adopt(s Snapshot, reconciled bool) {
	h.Snapshot = s
	h.Confirmed = true
	if reconciled {
		h.Reconciliations++
	}
}
