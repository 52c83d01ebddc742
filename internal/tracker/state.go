package tracker

import "fmt"

type Phase string

const (
	Idle         Phase = "idle"
	Connecting   Phase = "connecting"
	Live         Phase = "live"
	Reconnecting Phase = "reconnecting"
	Stopped      Phase = "stopped"
	Failed       Phase = "failed"
)

// Terminal reports whether no transition can leave p.
func (p Phase) Terminal() bool { return p == Stopped || p == Failed }

func isTerminal(name string) bool { return Phase(name).Terminal() }

// State is a snapshot of a tracker's lifecycle. Reason is set only when
// Phase is Failed.
type State struct {
	Phase  Phase
	Reason error
}

func (s State) Terminal() bool { return s.Phase.Terminal() }

func (s State) String() string {
	if s.Phase == Failed && s.Reason != nil {
		return fmt.Sprintf("failed(%v)", s.Reason)
	}
	return string(s.Phase)
}

// allowed lists the legal transitions. Stopped is reachable from every
// non-terminal phase and is handled separately.
var allowed = map[Phase][]Phase{
	Idle:         {Connecting},
	Connecting:   {Live, Failed},
	Live:         {Reconnecting, Failed},
	Reconnecting: {Live, Failed},
}

func canTransition(from, to Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == Stopped {
		return true
	}
	for _, p := range allowed[from] {
		if p == to {
			return true
		}
	}
	return false
}
