package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"chestnut/internal/tracker"
	logx "chestnut/pkg/logx"
)

var ErrClosed = errors.New("store closed")

// Store is the persistence API used by the app.
type Store interface {
	Load(ctx context.Context) (LoadResult, error)
	// Save replaces the persisted set with records.
	Save(ctx context.Context, records []tracker.Record) error
	Close() error
}

// Config configures storage.
//
// If Driver is "none", persistence is disabled. An empty driver means "yaml".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Skipped describes a record that could not be loaded.
type Skipped struct {
	Name string
	Err  error
}

func (s Skipped) String() string { return fmt.Sprintf("%s: %v", s.Name, s.Err) }

type LoadResult struct {
	Trackers []*tracker.Tracker
	Skipped  []Skipped
	// Migrated counts records whose legacy trigger id was rewritten.
	Migrated int
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "yaml", "yml":
		return openYAML(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// decodeRecord validates one record and reports whether its trigger id was
// rewritten to the canonical form.
func decodeRecord(r tracker.Record) (*tracker.Tracker, bool, error) {
	t, err := tracker.FromRecord(r)
	if err != nil {
		return nil, false, err
	}
	return t, string(t.Kind) != r.Trigger, nil
}

// canonicalTrigger maps any accepted trigger spelling to its canonical id.
func canonicalTrigger(raw string) (string, bool) {
	if k, ok := tracker.ResolveKind(raw); ok {
		return string(k), true
	}
	if k, ok := tracker.MigrateKindID(raw); ok {
		return string(k), true
	}
	return "", false
}

// sortRecords returns a copy ordered by lowercase name.
func sortRecords(records []tracker.Record) []tracker.Record {
	out := append([]tracker.Record(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].Name < out[j].Name
	})
	return out
}
