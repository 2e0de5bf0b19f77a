// Package dispatch turns observed world events into delivery jobs.
//
// It is the boundary the event listeners call into: it finds the trackers
// bound to the event's block, runs each through the registry's debounce gate,
// renders the message and hands it to the delivery queue. Nothing here blocks
// on the network.
package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"chestnut/internal/delivery"
	"chestnut/internal/registry"
	"chestnut/internal/render"
	"chestnut/internal/tracker"
	"chestnut/pkg/logx"
)

var (
	ErrNotFound        = errors.New("tracker not found")
	ErrTestDisabled    = errors.New("test command is disabled")
	ErrInvalidEvent    = errors.New("invalid event")
	ErrMissingLocation = errors.New("event location is incomplete")
)

// Enqueuer accepts rendered jobs. *delivery.Service satisfies it.
type Enqueuer interface {
	Enqueue(j delivery.Job)
}

// Event is one observed occurrence at a block.
type Event struct {
	Location tracker.Location `json:"location"`
	Kind     tracker.Kind     `json:"trigger"`
	// SubEvent is the kind-specific event name ("open", "page_change", ...).
	// Binary kinds derive it from Observed when that is set.
	SubEvent string `json:"event"`
	// Observed is the settled on/off state for binary kinds.
	Observed *bool       `json:"observed,omitempty"`
	Vars     render.Vars `json:"vars"`
	// Items is the container content; summarized only when a template asks for <items>.
	Items []render.ItemStack `json:"items,omitempty"`
}

// Settings is the reloadable part of the dispatcher configuration.
type Settings struct {
	TestPrefix         string
	TestCommandEnabled bool
	EmbedFooter        string
}

type Dispatcher struct {
	reg *registry.Registry
	out Enqueuer
	log logx.Logger
	now func() time.Time

	settings atomic.Pointer[Settings]
}

type Option func(*Dispatcher)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func New(reg *registry.Registry, out Enqueuer, log logx.Logger, s Settings, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		reg: reg,
		out: out,
		log: log.With(logx.Component("dispatch")),
		now: time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	d.Apply(s)
	return d
}

// Apply swaps the settings used by subsequent events.
func (d *Dispatcher) Apply(s Settings) {
	cp := s
	d.settings.Store(&cp)
}

func (d *Dispatcher) Settings() Settings { return *d.settings.Load() }

// normalize resolves the event's kind and sub-event. For binary kinds an
// observed state wins over the given sub-event; a bare "on"/"off" implies the state.
func normalize(ev Event) (Event, error) {
	if strings.TrimSpace(ev.Location.World) == "" {
		return ev, ErrMissingLocation
	}
	k, ok := tracker.ResolveKind(string(ev.Kind))
	if !ok {
		return ev, fmt.Errorf("%w: %q", tracker.ErrUnknownTrigger, ev.Kind)
	}
	ev.Kind = k
	ev.SubEvent = strings.ToLower(strings.TrimSpace(ev.SubEvent))

	if k.Binary() {
		switch {
		case ev.Observed != nil:
			ev.SubEvent = tracker.StateEvent(*ev.Observed)
		case ev.SubEvent == "on" || ev.SubEvent == "off":
			on := ev.SubEvent == "on"
			ev.Observed = &on
		}
		if ev.Observed != nil && ev.Vars.State == "" {
			ev.Vars.State = "unlit"
			if *ev.Observed {
				ev.Vars.State = "lit"
			}
		}
	}
	if !k.HasEvent(ev.SubEvent) {
		return ev, fmt.Errorf("%w %q for %s: %s", ErrInvalidEvent, ev.SubEvent, k, strings.Join(k.Events(), ", "))
	}
	return ev, nil
}

// Handle gates, renders and enqueues ev for every tracker bound to its block
// and kind. It returns the number of jobs enqueued.
func (d *Dispatcher) Handle(ev Event) (int, error) {
	ev, err := normalize(ev)
	if err != nil {
		return 0, err
	}
	s := d.Settings()
	now := d.now()

	var n int
	for _, snap := range d.reg.ByLocationAndTrigger(ev.Location, ev.Kind) {
		dec := d.reg.Admit(snap.Name, ev.SubEvent, ev.Observed, now)
		if !dec.Admitted() {
			if d.log.Enabled(logx.LevelDebug) {
				d.log.Debug("event suppressed",
					logx.Tracker(snap.Name),
					logx.String("event", ev.SubEvent),
					logx.String("reason", dec.Reason.String()),
				)
			}
			continue
		}
		t := dec.Tracker
		tmpl := t.Template(ev.SubEvent)

		vars := ev.Vars
		vars.Now = now
		var items string
		if render.References(tmpl, "<items>") || render.References(s.EmbedFooter, "<items>") {
			items = render.SummarizeItems(ev.Items)
			vars.Items = items
		} else {
			vars.Items = ""
		}

		d.out.Enqueue(delivery.Job{
			Tracker:      t,
			Content:      render.Render(tmpl, t, ev.SubEvent, vars),
			Event:        ev.SubEvent,
			ItemsSummary: items,
			EnqueuedAt:   now,
		})
		n++
	}
	return n, nil
}

// Test renders event for the named tracker with the test prefix and enqueues
// it, bypassing the debounce gate.
func (d *Dispatcher) Test(name, event string, vars render.Vars) error {
	s := d.Settings()
	if !s.TestCommandEnabled {
		return ErrTestDisabled
	}
	t, ok := d.reg.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	event = strings.ToLower(strings.TrimSpace(event))
	if !t.Kind.HasEvent(event) {
		return fmt.Errorf("%w %q for %s: %s", ErrInvalidEvent, event, t.Kind, strings.Join(t.Kind.Events(), ", "))
	}

	now := d.now()
	vars.Now = now
	vars.Items = ""
	vars.TestPrefix = s.TestPrefix
	d.out.Enqueue(delivery.Job{
		Tracker:    t,
		Content:    render.Render(t.Template(event), t, event, vars),
		Event:      event,
		EnqueuedAt: now,
	})
	d.log.Info("test message enqueued", logx.Tracker(t.Name), logx.String("event", event))
	return nil
}
