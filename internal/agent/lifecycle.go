package agent

// State is a phase of a single driver run.
type State int

const (
	StateIdle State = iota
	StateSending
	StateAwaitingStable
	StateDone
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingStable:
		return "awaiting_stable"
	case StateDone:
		return "done"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// validTransitions lists the states reachable from each state.
var validTransitions = map[State][]State{
	StateIdle:           {StateSending},
	StateSending:        {StateAwaitingStable, StateTimedOut},
	StateAwaitingStable: {StateDone, StateTimedOut},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Stabilizer decides when output has settled: the buffer has stopped
// growing for a number of consecutive polls.
type Stabilizer struct {
	last   int
	stable int
	need   int
}

// NewStabilizer seeds the last-seen length. need < 1 is treated as 1.
func NewStabilizer(seed, need int) *Stabilizer {
	if need < 1 {
		need = 1
	}
	return &Stabilizer{last: seed, need: need}
}

// Observe records one poll and reports whether output is now stable.
func (s *Stabilizer) Observe(length int) bool {
	if length > s.last {
		s.last = length
		s.stable = 0
		return false
	}
	s.stable++
	return s.stable >= s.need
}

// Last is the longest length seen so far.
func (s *Stabilizer) Last() int { return s.last }

// Reset restarts the count from length. Used when output arrived without
// the buffer growing.
func (s *Stabilizer) Reset(length int) {
	s.last = length
	s.stable = 0
}
