// Package render interpolates tracker message templates.
package render

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"chestnut/internal/tracker"
)

// MaxLen caps rendered message content, in characters.
const MaxLen = 1900

// localTimeLayout matches the <time> placeholder format used in message bodies.
const localTimeLayout = "2006-01-02T15:04:05"

// TimestampLayout is the UTC instant format shared by embed timestamps and footers.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Vars carries the per-occurrence values a template may reference.
// Unset values render as empty strings.
type Vars struct {
	User       string `json:"user,omitempty"`
	UUID       string `json:"uuid,omitempty"`
	State      string `json:"state,omitempty"`
	Items      string `json:"items,omitempty"`
	Page       *int   `json:"page,omitempty"`
	BookTitle  string `json:"book_title,omitempty"`
	BookAuthor string `json:"book_author,omitempty"`
	BookPages  *int   `json:"book_pages,omitempty"`
	HasBook    *bool  `json:"has_book,omitempty"`

	// TestPrefix is prepended to the rendered text when non-empty.
	TestPrefix string `json:"-"`
	// Now overrides the clock for <time>; zero means time.Now().
	Now time.Time `json:"-"`
}

// Render substitutes placeholders in tmpl. An empty tmpl uses the tracker's
// template for event (or the kind default). Substitution is single-pass, so
// values that contain placeholder text are left alone.
func Render(tmpl string, t *tracker.Tracker, event string, v Vars) string {
	if tmpl == "" {
		tmpl = t.Template(event)
	}
	now := v.Now
	if now.IsZero() {
		now = time.Now()
	}

	r := strings.NewReplacer(
		"<name>", t.DisplayName(),
		"<trigger>", string(t.Kind),
		"<event>", event,
		"<world>", t.Location.World,
		"<x>", strconv.Itoa(t.Location.X),
		"<y>", strconv.Itoa(t.Location.Y),
		"<z>", strconv.Itoa(t.Location.Z),
		"<time>", now.Format(localTimeLayout),
		"<state>", v.State,
		"<user>", v.User,
		"<uuid>", v.UUID,
		"<items>", v.Items,
		"<page>", optInt(v.Page),
		"<book_title>", v.BookTitle,
		"<book_author>", v.BookAuthor,
		"<book_pages>", optInt(v.BookPages),
		"<has_book>", optBool(v.HasBook),
	)
	out := r.Replace(tmpl)
	if v.TestPrefix != "" {
		out = v.TestPrefix + out
	}
	return Truncate(out, MaxLen)
}

// Footer interpolates the embed footer template. Unlike Render, <name> is the
// raw tracker name and <time> is the UTC embed timestamp.
func Footer(tmpl string, t *tracker.Tracker, event, items string, ts time.Time) string {
	if strings.TrimSpace(tmpl) == "" || t == nil {
		return ""
	}
	r := strings.NewReplacer(
		"<name>", t.Name,
		"<trigger>", string(t.Kind),
		"<world>", t.Location.World,
		"<x>", strconv.Itoa(t.Location.X),
		"<y>", strconv.Itoa(t.Location.Y),
		"<z>", strconv.Itoa(t.Location.Z),
		"<time>", ts.UTC().Format(TimestampLayout),
		"<event>", event,
		"<items>", items,
	)
	return r.Replace(tmpl)
}

// References reports whether tmpl mentions placeholder (case-insensitive).
func References(tmpl, placeholder string) bool {
	return strings.Contains(strings.ToLower(tmpl), strings.ToLower(placeholder))
}

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func optInt(p *int) string {
	if p == nil {
		return ""
	}
	return strconv.Itoa(*p)
}

func optBool(p *bool) string {
	if p == nil {
		return ""
	}
	return strconv.FormatBool(*p)
}
