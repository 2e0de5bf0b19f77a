package registry

import (
	"time"

	"chestnut/internal/tracker"
)

// Reason explains an Admit decision.
type Reason int

const (
	Admitted Reason = iota
	NotFound
	Disabled
	EventDisabled
	DuplicateState
	Debounced
)

func (r Reason) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case NotFound:
		return "not_found"
	case Disabled:
		return "disabled"
	case EventDisabled:
		return "event_disabled"
	case DuplicateState:
		return "duplicate_state"
	case Debounced:
		return "debounced"
	default:
		return "unknown"
	}
}

type Decision struct {
	Reason Reason
	// Tracker is a snapshot taken at decision time; nil when NotFound.
	Tracker *tracker.Tracker
}

func (d Decision) Admitted() bool { return d.Reason == Admitted }

// Admit runs the debounce gate for one (tracker, sub-event) occurrence.
//
// The checks run in order and as one unit against the tracker's runtime state:
// enabled flag, disabled events, binary duplicate state (only when observed is
// non-nil and the kind is binary), then the debounce window. The observed state
// is recorded as soon as it differs from the last one, even if the debounce
// window then rejects the event. lastEventAt only advances on admission.
func (r *Registry) Admit(name, event string, observed *bool, now time.Time) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byName[name]
	if !ok {
		return Decision{Reason: NotFound}
	}
	t := e.t
	snap := func(reason Reason) Decision {
		return Decision{Reason: reason, Tracker: t.Clone()}
	}

	if !t.Options.Enabled {
		return snap(Disabled)
	}
	if t.Options.EventDisabled(event) {
		return snap(EventDisabled)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if observed != nil && t.Kind.Binary() {
		if last := e.rt.lastObserved; last != nil && *last == *observed {
			return snap(DuplicateState)
		}
		v := *observed
		e.rt.lastObserved = &v
	}

	if window := t.Options.DebounceWindow(); window > 0 && !e.rt.lastEventAt.IsZero() {
		if now.Sub(e.rt.lastEventAt) < window {
			return snap(Debounced)
		}
	}
	e.rt.lastEventAt = now
	return snap(Admitted)
}
