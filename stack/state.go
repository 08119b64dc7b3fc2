package stack

import "fmt"

// State is the phase of the stacking loop.
type State int32

const (
	// SeekingFirstTrigger scans whole buffers until the first pulse is found.
	SeekingFirstTrigger State = iota
	// Stacking has a trigger in hand and accumulates pulses.
	Stacking
	// Reseeking lost the pulse train and scans whole buffers again.
	Reseeking
	// Dead has released its buffers and closed the sink.
	Dead
)

func (s State) String() string {
	switch s {
	case SeekingFirstTrigger:
		return "seeking"
	case Stacking:
		return "stacking"
	case Reseeking:
		return "reseeking"
	case Dead:
		return "dead"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var transitions = map[State][]State{
	SeekingFirstTrigger: {Stacking, Dead},
	Stacking:            {Reseeking, Dead},
	Reseeking:           {Stacking, Dead},
	Dead:                nil,
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
