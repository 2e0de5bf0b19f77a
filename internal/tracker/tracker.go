package tracker

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TickDuration is the length of one game tick; debounce windows are expressed in ticks.
const TickDuration = 50 * time.Millisecond

// DefaultDebounceTicks applies when a persisted record omits the option.
const DefaultDebounceTicks = 4

var (
	ErrInvalidName    = errors.New("invalid tracker name")
	ErrUnknownTrigger = errors.New("unknown trigger")
	ErrUnknownEvent   = errors.New("unknown event for trigger")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9 _.-]{1,32}$`)

// ValidateName reports whether name is 1-32 characters of letters, digits, space, '_', '.' or '-'.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w %q: 1-32 chars of letters, digits, space, _ . -", ErrInvalidName, name)
	}
	return nil
}

// Location is a block position in a named world.
type Location struct {
	World string `json:"world"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s %d %d %d", l.World, l.X, l.Y, l.Z)
}

// Options control how a tracker behaves at runtime.
type Options struct {
	Enabled       bool
	DebounceTicks int
	// RateLimitPerMinute caps deliveries for this tracker. 0 disables per-tracker limiting.
	RateLimitPerMinute int
	// DisabledEvents holds lowercase sub-event names, sorted and unique.
	DisabledEvents []string
}

// DebounceWindow converts DebounceTicks to wall-clock time. Negative values count as zero.
func (o Options) DebounceWindow() time.Duration {
	return time.Duration(max(0, o.DebounceTicks)) * TickDuration
}

func (o Options) EventDisabled(event string) bool {
	event = strings.ToLower(event)
	for _, e := range o.DisabledEvents {
		if e == event {
			return true
		}
	}
	return false
}

// Tracker is a named, owned, spatially-bound notification source.
// Values handed out by the registry are snapshots; mutate and Put them back.
type Tracker struct {
	Name        string
	Kind        Kind
	Location    Location
	Title       string
	Description string
	BlockType   string

	// Templates maps a lowercase sub-event to its message template.
	Templates       map[string]string
	EmbedColors     map[string]int
	EmbedThumbnails map[string]string

	Options Options
	Owner   uuid.UUID
}

// New builds a tracker bound to loc with the kind's default templates.
func New(name string, kind Kind, loc Location, owner uuid.UUID, debounceTicks int) (*Tracker, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	d, ok := kind.Descriptor()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, kind)
	}
	templates := make(map[string]string, len(d.DefaultTemplates))
	for k, v := range d.DefaultTemplates {
		templates[k] = v
	}
	return &Tracker{
		Name:      name,
		Kind:      kind,
		Location:  loc,
		Templates: templates,
		Options: Options{
			Enabled:       true,
			DebounceTicks: debounceTicks,
		},
		Owner: owner,
	}, nil
}

// DisplayName is the title when set, otherwise the tracker name.
func (t *Tracker) DisplayName() string {
	if s := strings.TrimSpace(t.Title); s != "" {
		return s
	}
	return t.Name
}

// Template returns the tracker's template for event, falling back to the kind default.
func (t *Tracker) Template(event string) string {
	if s, ok := t.Templates[strings.ToLower(event)]; ok {
		return s
	}
	return t.Kind.DefaultTemplate(event)
}

// SetDisabled adds or removes event from the disabled list.
func (t *Tracker) SetDisabled(event string, disabled bool) {
	event = strings.ToLower(strings.TrimSpace(event))
	set := map[string]struct{}{}
	for _, e := range t.Options.DisabledEvents {
		set[e] = struct{}{}
	}
	if disabled {
		set[event] = struct{}{}
	} else {
		delete(set, event)
	}
	t.Options.DisabledEvents = sortedKeys(set)
}

// Clone returns a deep copy.
func (t *Tracker) Clone() *Tracker {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Templates = cloneMap(t.Templates)
	cp.EmbedColors = cloneMap(t.EmbedColors)
	cp.EmbedThumbnails = cloneMap(t.EmbedThumbnails)
	cp.Options.DisabledEvents = append([]string(nil), t.Options.DisabledEvents...)
	return &cp
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		if k != "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
