package tracker

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Record is the persisted shape of a tracker. The same tags serve trackers.yml,
// the sqlite JSON column and the admin API.
type Record struct {
	Name            string            `json:"name" yaml:"-"`
	Trigger         string            `json:"trigger" yaml:"trigger"`
	World           string            `json:"world" yaml:"world"`
	X               *int              `json:"x" yaml:"x"`
	Y               *int              `json:"y" yaml:"y"`
	Z               *int              `json:"z" yaml:"z"`
	Title           string            `json:"title,omitempty" yaml:"title,omitempty"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	BlockType       string            `json:"blockType,omitempty" yaml:"blockType,omitempty"`
	Templates       map[string]string `json:"templates,omitempty" yaml:"templates"`
	EmbedColors     map[string]any    `json:"embedColors,omitempty" yaml:"embedColors"`
	EmbedThumbnails map[string]string `json:"embedThumbnails,omitempty" yaml:"embedThumbnails"`
	Options         *RecordOptions    `json:"options,omitempty" yaml:"options"`
	Owner           string            `json:"owner" yaml:"owner"`
}

type RecordOptions struct {
	Enabled            *bool    `json:"enabled,omitempty" yaml:"enabled"`
	DebounceTicks      *int     `json:"debounceTicks,omitempty" yaml:"debounceTicks"`
	RateLimitPerMinute *int     `json:"ratelimitPerMinute,omitempty" yaml:"ratelimitPerMinute"`
	DisabledEvents     []string `json:"disabledEvents,omitempty" yaml:"disabledEvents"`
}

// ErrMalformed wraps every reason a record cannot be turned into a tracker.
var ErrMalformed = errors.New("malformed tracker record")

// ToRecord converts t into its persisted shape.
func (t *Tracker) ToRecord() Record {
	x, y, z := t.Location.X, t.Location.Y, t.Location.Z
	enabled := t.Options.Enabled
	debounce := t.Options.DebounceTicks
	limit := t.Options.RateLimitPerMinute

	colors := make(map[string]any, len(t.EmbedColors))
	for k, v := range t.EmbedColors {
		colors[k] = v
	}
	disabled := append([]string{}, t.Options.DisabledEvents...)
	sort.Strings(disabled)

	return Record{
		Name:            t.Name,
		Trigger:         string(t.Kind),
		World:           t.Location.World,
		X:               &x,
		Y:               &y,
		Z:               &z,
		Title:           t.Title,
		Description:     t.Description,
		BlockType:       t.BlockType,
		Templates:       nonNil(cloneMap(t.Templates)),
		EmbedColors:     colors,
		EmbedThumbnails: nonNil(cloneMap(t.EmbedThumbnails)),
		Options: &RecordOptions{
			Enabled:            &enabled,
			DebounceTicks:      &debounce,
			RateLimitPerMinute: &limit,
			DisabledEvents:     disabled,
		},
		Owner: t.Owner.String(),
	}
}

// FromRecord validates r and builds a tracker. Legacy trigger ids are accepted.
// Invalid colors and blank thumbnails are skipped rather than failing the record.
func FromRecord(r Record) (*Tracker, error) {
	if err := ValidateName(r.Name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	kind, ok := ResolveKind(r.Trigger)
	if !ok {
		kind, ok = MigrateKindID(r.Trigger)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q: unknown trigger %q", ErrMalformed, r.Name, r.Trigger)
	}
	if strings.TrimSpace(r.World) == "" || r.X == nil || r.Y == nil || r.Z == nil {
		return nil, fmt.Errorf("%w: %q: world and x/y/z are required", ErrMalformed, r.Name)
	}
	if strings.TrimSpace(r.Owner) == "" {
		return nil, fmt.Errorf("%w: %q: owner is required", ErrMalformed, r.Name)
	}
	owner, err := uuid.Parse(strings.TrimSpace(r.Owner))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: invalid owner uuid: %v", ErrMalformed, r.Name, err)
	}

	t := &Tracker{
		Name:            r.Name,
		Kind:            kind,
		Location:        Location{World: r.World, X: *r.X, Y: *r.Y, Z: *r.Z},
		Title:           r.Title,
		Description:     r.Description,
		BlockType:       r.BlockType,
		Templates:       map[string]string{},
		EmbedColors:     map[string]int{},
		EmbedThumbnails: map[string]string{},
		Options: Options{
			Enabled:       true,
			DebounceTicks: DefaultDebounceTicks,
		},
		Owner: owner,
	}
	for k, v := range r.Templates {
		t.Templates[strings.ToLower(k)] = v
	}
	for k, v := range r.EmbedColors {
		if c, ok := colorValue(v); ok {
			t.EmbedColors[strings.ToLower(k)] = c
		}
	}
	for k, v := range r.EmbedThumbnails {
		if strings.TrimSpace(v) != "" {
			t.EmbedThumbnails[strings.ToLower(k)] = v
		}
	}
	if o := r.Options; o != nil {
		if o.Enabled != nil {
			t.Options.Enabled = *o.Enabled
		}
		if o.DebounceTicks != nil {
			t.Options.DebounceTicks = *o.DebounceTicks
		}
		if o.RateLimitPerMinute != nil {
			t.Options.RateLimitPerMinute = *o.RateLimitPerMinute
		}
		for _, e := range o.DisabledEvents {
			t.SetDisabled(e, true)
		}
	}
	return t, nil
}

// colorValue accepts integers and decimal strings, matching what older files contain.
func colorValue(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case uint64:
		return int(x), true
	case float64:
		if x != math.Trunc(x) {
			return 0, false
		}
		return int(x), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		return n, err == nil
	default:
		return 0, false
	}
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
