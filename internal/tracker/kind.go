package tracker

import (
	"sort"
	"strings"
)

// Kind is the category of world event a tracker listens for.
type Kind string

const (
	KindStorage       Kind = "storage"
	KindRedstoneTorch Kind = "redstone_torch"
	KindLectern       Kind = "lectern"
)

// Descriptor holds the human-facing metadata of a trigger kind. It is the single
// source for the sub-event vocabulary, aliases and default templates.
type Descriptor struct {
	Kind              Kind
	DisplayName       string
	Aliases           []string
	Events            []string
	ExtraPlaceholders []string
	DefaultTemplates  map[string]string
	// Binary marks kinds whose events carry an on/off observed state.
	Binary bool
}

var descriptors = []Descriptor{
	{
		Kind:              KindStorage,
		DisplayName:       "Storage",
		Aliases:           []string{"inventory_open", "inventory", "container", "inv", "chest"},
		Events:            []string{"open", "close"},
		ExtraPlaceholders: []string{"<user>", "<uuid>", "<items>"},
		DefaultTemplates: map[string]string{
			"open":  "<user> opened <name> at <x>,<y>,<z>.",
			"close": "<user> closed <name> at <x>,<y>,<z>.",
		},
	},
	{
		Kind:              KindRedstoneTorch,
		DisplayName:       "Redstone Torch",
		Aliases:           []string{"torch_toggle", "torch"},
		Events:            []string{"on", "off"},
		ExtraPlaceholders: []string{"<state>"},
		DefaultTemplates: map[string]string{
			"on":  "<name> has been lit!",
			"off": "<name> has turned off.",
		},
		Binary: true,
	},
	{
		Kind:              KindLectern,
		DisplayName:       "Lectern",
		Aliases:           []string{"bookstand", "lecturn"},
		Events:            []string{"insert_book", "remove_book", "page_change", "open", "close"},
		ExtraPlaceholders: []string{"<user>", "<uuid>", "<page>", "<book_title>", "<book_author>", "<book_pages>", "<has_book>"},
		DefaultTemplates: map[string]string{
			"insert_book": "<user> placed '<book_title>' on <name>.",
			"remove_book": "<user> removed '<book_title>' from <name>.",
			"page_change": "<user> turned to page <page> of '<book_title>' on <name>.",
			"open":        "<user> opened '<book_title>' on <name>.",
			"close":       "<user> closed '<book_title>' on <name>.",
		},
	},
}

var byInput = func() map[string]Kind {
	m := map[string]Kind{}
	for _, d := range descriptors {
		m[string(d.Kind)] = d.Kind
		for _, a := range d.Aliases {
			m[strings.ToLower(a)] = d.Kind
		}
	}
	return m
}()

// Descriptors returns all known trigger kinds in declaration order.
func Descriptors() []Descriptor {
	return append([]Descriptor(nil), descriptors...)
}

// ResolveKind maps a canonical id or alias (case-insensitive) to a Kind.
func ResolveKind(input string) (Kind, bool) {
	k, ok := byInput[strings.ToLower(strings.TrimSpace(input))]
	return k, ok
}

// KindInputs lists every accepted spelling, sorted. Used for completion and help text.
func KindInputs() []string {
	out := make([]string, 0, len(byInput))
	for k := range byInput {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (k Kind) Descriptor() (Descriptor, bool) {
	for _, d := range descriptors {
		if d.Kind == k {
			return d, true
		}
	}
	return Descriptor{}, false
}

func (k Kind) Valid() bool {
	_, ok := k.Descriptor()
	return ok
}

func (k Kind) Events() []string {
	d, _ := k.Descriptor()
	return append([]string(nil), d.Events...)
}

func (k Kind) HasEvent(event string) bool {
	event = strings.ToLower(strings.TrimSpace(event))
	d, _ := k.Descriptor()
	for _, e := range d.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (k Kind) Binary() bool {
	d, _ := k.Descriptor()
	return d.Binary
}

// DefaultTemplate returns the built-in template for event, or a generic line
// for events outside the kind's vocabulary.
func (k Kind) DefaultTemplate(event string) string {
	d, _ := k.Descriptor()
	if t, ok := d.DefaultTemplates[strings.ToLower(event)]; ok {
		return t
	}
	return "<name> event: <event>"
}

// StateEvent maps a binary observed state to its sub-event name.
func StateEvent(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// MigrateKindID rewrites legacy trigger identifiers found in older tracker files
// to the canonical id. ok is false when raw is not a known legacy spelling.
func MigrateKindID(raw string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "inventory_open", "inventory", "container", "inv", "inventory-open", "inventoryopen", "inventoryopen_event", "inventory_open_event":
		return KindStorage, true
	case "torch", "torch_toggle", "torch-toggle", "torchtoggle":
		return KindRedstoneTorch, true
	case "lecturn":
		return KindLectern, true
	default:
		return "", false
	}
}
