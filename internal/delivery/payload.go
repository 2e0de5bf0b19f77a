package delivery

import (
	"encoding/json"
	"strings"
	"time"

	"chestnut/internal/render"
)

const fallbackTitle = "Chestnut"

// Payload is the webhook body: a single Discord-style embed.
type Payload struct {
	Embeds []Embed `json:"embeds"`
}

type Embed struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Color       int        `json:"color"`
	Timestamp   string     `json:"timestamp"`
	Footer      *Footer    `json:"footer,omitempty"`
	Thumbnail   *Thumbnail `json:"thumbnail,omitempty"`
}

type Footer struct {
	Text string `json:"text"`
}

type Thumbnail struct {
	URL string `json:"url"`
}

// BuildPayload renders j into the wire embed using the current settings.
func BuildPayload(j Job, s Settings, now time.Time) Payload {
	e := Embed{
		Title:       fallbackTitle,
		Description: j.Content,
		Color:       s.EmbedColor,
		Timestamp:   now.UTC().Format(render.TimestampLayout),
	}
	event := strings.ToLower(j.Event)

	if t := j.Tracker; t != nil {
		e.Title = t.DisplayName()
		if event != "" {
			if c, ok := t.EmbedColors[event]; ok {
				e.Color = c
			}
			if u := strings.TrimSpace(t.EmbedThumbnails[event]); u != "" {
				e.Thumbnail = &Thumbnail{URL: u}
			}
		}
		if f := render.Footer(s.EmbedFooter, t, event, j.ItemsSummary, now); strings.TrimSpace(f) != "" {
			e.Footer = &Footer{Text: f}
		}
	}
	return Payload{Embeds: []Embed{e}}
}

func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}
