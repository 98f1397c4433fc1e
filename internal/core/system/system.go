package system

import "time"

// Phase orders systems within one tick of the host loop.
type Phase int

const (
	PhaseInput     Phase = iota // drain the ingest queue
	PhasePreUpdate              // deliver last tick's events
	PhaseUpdate                 // scheduling decisions
	PhasePersist                // gauges, bookkeeping
)

func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "input"
	case PhasePreUpdate:
		return "pre-update"
	case PhaseUpdate:
		return "update"
	case PhasePersist:
		return "persist"
	default:
		return "unknown"
	}
}

// System is one step of the host loop.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
