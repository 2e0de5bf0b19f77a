package delivery

import (
	"errors"
	"time"

	"chestnut/internal/tracker"
)

var ErrNoEndpoint = errors.New("webhook url is not configured")

const (
	DefaultEmbedColor   = 0xFFCC00
	DefaultEmbedFooter  = "<trigger> @ <world> <x>,<y>,<z>"
	DefaultGlobalLimit  = 120
	DefaultHTTPTimeout  = 10 * time.Second
	DefaultDrainTimeout = 2500 * time.Millisecond
)

// Job is one unit of pre-rendered outbound work.
type Job struct {
	// Tracker is a snapshot taken at enqueue time; nil for ad-hoc messages.
	Tracker *tracker.Tracker
	Content string
	// Event is the lowercase sub-event, used for per-event embed overrides.
	Event        string
	ItemsSummary string
	EnqueuedAt   time.Time
}

func (j Job) trackerName() string {
	if j.Tracker == nil {
		return ""
	}
	return j.Tracker.Name
}

func (j Job) trackerLimit() int {
	if j.Tracker == nil {
		return 0
	}
	return j.Tracker.Options.RateLimitPerMinute
}

// Settings is the reloadable part of the delivery configuration.
type Settings struct {
	WebhookURL               string
	GlobalRateLimitPerMinute int
	EmbedColor               int
	EmbedFooter              string
	Debug                    bool
	HTTPTimeout              time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.GlobalRateLimitPerMinute < 1 {
		s.GlobalRateLimitPerMinute = 1
	}
	if s.HTTPTimeout <= 0 {
		s.HTTPTimeout = DefaultHTTPTimeout
	}
	return s
}

// State is the worker lifecycle state.
type State int32

const (
	Stopped State = iota
	Running
	Draining
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DrainReport summarizes a StopAndDrain call.
type DrainReport struct {
	Flushed int `json:"flushed"`
	Failed  int `json:"failed"`
	// Dropped counts jobs skipped because no webhook URL is configured.
	Dropped   int `json:"dropped"`
	Discarded int `json:"discarded"`
}

// Stats is a point-in-time view of the pipeline counters.
type Stats struct {
	State     State  `json:"state"`
	Queued    int    `json:"queued"`
	Enqueued  uint64 `json:"enqueued"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Discarded uint64 `json:"discarded"`
}

// JobEvent is published on the event bus for delivery lifecycle events.
type JobEvent struct {
	Tracker  string        `json:"tracker,omitempty"`
	Event    string        `json:"event,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Wait     time.Duration `json:"wait,omitempty"`
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}
