// Package manage implements the tracker management operations exposed to
// operators: binding, editing, relocating, renaming and removing trackers.
//
// Mutations go through the registry and are serialized here so check-then-act
// sequences (name taken? owner?) are not racy. Each successful mutation calls
// the change hook, which the app uses to mark the store dirty.
package manage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"chestnut/internal/registry"
	"chestnut/internal/tracker"
	"chestnut/pkg/logx"
)

var (
	ErrNotFound      = errors.New("tracker not found")
	ErrExists        = errors.New("tracker with that name already exists")
	ErrForbidden     = errors.New("not allowed to manage this tracker")
	ErrUnknownOption = errors.New("unknown option")
	ErrInvalidValue  = errors.New("invalid value")
)

// Actor is whoever issues a management operation.
type Actor struct {
	ID    uuid.UUID
	Admin bool
}

// CanManage reports whether a may modify t: admins always, others only their own trackers.
func CanManage(a Actor, t *tracker.Tracker) bool {
	if a.Admin {
		return true
	}
	return t != nil && a.ID != uuid.Nil && a.ID == t.Owner
}

type Manager struct {
	reg *registry.Registry
	log logx.Logger

	mu       sync.Mutex
	onChange func()

	debounceTicks atomic.Int64
}

func New(reg *registry.Registry, log logx.Logger, onChange func()) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		reg:      reg,
		log:      log.With(logx.Component("manage")),
		onChange: onChange,
	}
	m.debounceTicks.Store(tracker.DefaultDebounceTicks)
	return m
}

// SetDefaultDebounceTicks sets the debounce given to newly bound trackers.
func (m *Manager) SetDefaultDebounceTicks(n int) {
	m.debounceTicks.Store(int64(max(0, n)))
}

func (m *Manager) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}

// lookup returns a snapshot of name after the ownership check. Callers hold m.mu.
func (m *Manager) lookup(a Actor, name string) (*tracker.Tracker, error) {
	t, ok := m.reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if !CanManage(a, t) {
		return nil, ErrForbidden
	}
	return t, nil
}

// Bind creates a tracker owned by a at loc with the kind's default templates.
func (m *Manager) Bind(a Actor, name, kind string, loc tracker.Location) (*tracker.Tracker, error) {
	k, ok := tracker.ResolveKind(kind)
	if !ok {
		return nil, fmt.Errorf("%w %q; valid: %s", tracker.ErrUnknownTrigger, kind, strings.Join(tracker.KindInputs(), ", "))
	}
	t, err := tracker.New(name, k, loc, a.ID, int(m.debounceTicks.Load()))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reg.Exists(name) {
		return nil, fmt.Errorf("%w: %q", ErrExists, name)
	}
	m.reg.Put(t)
	m.changed()
	m.log.Info("tracker bound",
		logx.Tracker(name),
		logx.String("trigger", string(k)),
		logx.String("location", loc.String()),
	)
	return t.Clone(), nil
}

// Put creates or replaces t wholesale. Replacing requires management rights on
// the existing tracker.
func (m *Manager) Put(a Actor, t *tracker.Tracker) error {
	if t == nil {
		return fmt.Errorf("%w: nil tracker", ErrInvalidValue)
	}
	if err := tracker.ValidateName(t.Name); err != nil {
		return err
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("%w: %q", tracker.ErrUnknownTrigger, t.Kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.reg.Get(t.Name); ok && !CanManage(a, old) {
		return ErrForbidden
	}
	m.reg.Put(t)
	m.changed()
	return nil
}

// SetTemplate sets the message template for one of the tracker's events.
// An empty template restores the default.
func (m *Manager) SetTemplate(a Actor, name, event, tmpl string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(a, name)
	if err != nil {
		return err
	}
	event = strings.ToLower(strings.TrimSpace(event))
	if !t.Kind.HasEvent(event) {
		return fmt.Errorf("%w %q for %s: %s", tracker.ErrUnknownEvent, event, t.Kind, strings.Join(t.Kind.Events(), ", "))
	}
	if t.Templates == nil {
		t.Templates = map[string]string{}
	}
	if tmpl == "" {
		tmpl = t.Kind.DefaultTemplate(event)
	}
	t.Templates[event] = tmpl
	m.reg.Put(t)
	m.changed()
	return nil
}

// OptionKeys lists the keys SetOption accepts.
var OptionKeys = []string{"enabled", "debounceTicks", "rateLimitPerMinute", "disabledEvents", "title", "description"}

// SetOption updates one option. Keys are case-insensitive.
//
// disabledEvents takes "+event" to disable, "-event" to re-enable, or a
// comma-separated list (possibly empty) that replaces the set.
func (m *Manager) SetOption(a Actor, name, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(a, name)
	if err != nil {
		return err
	}

	switch strings.ToLower(strings.TrimSpace(key)) {
	case "enabled":
		b, err := strictBool(value)
		if err != nil {
			return err
		}
		t.Options.Enabled = b
	case "debounceticks":
		n, err := nonNegativeInt(value)
		if err != nil {
			return err
		}
		t.Options.DebounceTicks = n
	case "ratelimitperminute":
		n, err := nonNegativeInt(value)
		if err != nil {
			return err
		}
		t.Options.RateLimitPerMinute = n
	case "disabledevents":
		if err := setDisabled(t, value); err != nil {
			return err
		}
	case "title":
		t.Title = strings.TrimSpace(value)
	case "description":
		t.Description = strings.TrimSpace(value)
	default:
		return fmt.Errorf("%w %q; keys: %s", ErrUnknownOption, key, strings.Join(OptionKeys, ", "))
	}

	m.reg.Put(t)
	m.changed()
	return nil
}

func setDisabled(t *tracker.Tracker, value string) error {
	v := strings.TrimSpace(value)
	check := func(ev string) error {
		if !t.Kind.HasEvent(ev) {
			return fmt.Errorf("%w %q for %s: %s", tracker.ErrUnknownEvent, ev, t.Kind, strings.Join(t.Kind.Events(), ", "))
		}
		return nil
	}
	switch {
	case strings.HasPrefix(v, "+"), strings.HasPrefix(v, "-"):
		ev := strings.ToLower(strings.TrimSpace(v[1:]))
		if err := check(ev); err != nil {
			return err
		}
		t.SetDisabled(ev, v[0] == '+')
	default:
		t.Options.DisabledEvents = nil
		for _, part := range strings.Split(v, ",") {
			ev := strings.ToLower(strings.TrimSpace(part))
			if ev == "" {
				continue
			}
			if err := check(ev); err != nil {
				return err
			}
			t.SetDisabled(ev, true)
		}
	}
	return nil
}

func strictBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("%w: want true or false, got %q", ErrInvalidValue, s)
}

func nonNegativeInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: want a non-negative integer, got %q", ErrInvalidValue, s)
	}
	return n, nil
}

// Relocate rebinds the tracker to loc. Its debounce state starts over.
func (m *Manager) Relocate(a Actor, name string, loc tracker.Location) error {
	if strings.TrimSpace(loc.World) == "" {
		return fmt.Errorf("%w: world is required", ErrInvalidValue)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.lookup(a, name)
	if err != nil {
		return err
	}
	t.Location = loc
	m.reg.Put(t)
	m.changed()
	m.log.Info("tracker relocated", logx.Tracker(name), logx.String("location", loc.String()))
	return nil
}

// Rename changes the tracker's name, keeping its binding and runtime state.
func (m *Manager) Rename(a Actor, oldName, newName string) error {
	if err := tracker.ValidateName(newName); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(a, oldName); err != nil {
		return err
	}
	if oldName == newName {
		return nil
	}
	if !m.reg.Rename(oldName, newName) {
		return fmt.Errorf("%w: %q", ErrExists, newName)
	}
	m.changed()
	m.log.Info("tracker renamed", logx.String("from", oldName), logx.String("to", newName))
	return nil
}

// Remove deletes the tracker. Removing a missing tracker is not an error;
// removed reports whether anything was deleted.
func (m *Manager) Remove(a Actor, name string) (removed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(a, name); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	m.reg.Remove(name)
	m.changed()
	m.log.Info("tracker removed", logx.Tracker(name))
	return true, nil
}

// List returns snapshots of all trackers sorted by name.
func (m *Manager) List() []*tracker.Tracker {
	return m.reg.All()
}

// Get returns a snapshot of the named tracker.
func (m *Manager) Get(name string) (*tracker.Tracker, bool) {
	return m.reg.Get(name)
}
