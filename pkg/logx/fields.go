package logx

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Fields apply in order; a repeated key keeps
// both entries, so avoid setting the same key twice.
type Field func(e *zerolog.Event)

func String(k, v string) Field  { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}
func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}
func Bool(k string, v bool) Field { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field        { return func(e *zerolog.Event) { e.Time(k, v) } }
func Strs(k string, v []string) Field         { return func(e *zerolog.Event) { e.Strs(k, v) } }
func Stringer(k string, v fmt.Stringer) Field { return func(e *zerolog.Event) { e.Stringer(k, v) } }
func Any(k string, v any) Field               { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Component tags a logger with the subsystem that owns it.
func Component(name string) Field { return String("comp", name) }

// Tracker names the tracker a line is about.
func Tracker(name string) Field { return String("tracker", name) }

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}
