package supervisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"

	"chestnut/pkg/logx"
)

type State string

const (
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

type task struct {
	name      string
	state     State
	restarts  int
	lastErr   error
	startedAt time.Time
	stoppedAt time.Time
}

// TaskStatus is a point-in-time view of one named task.
type TaskStatus struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
}

// Tasks lists every task started on s, sorted by name.
func (s *Supervisor) Tasks() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		ts := TaskStatus{Name: t.name, State: t.state, Restarts: t.restarts, StartedAt: t.startedAt, StoppedAt: t.stoppedAt}
		if t.lastErr != nil {
			ts.LastError = t.lastErr.Error()
		}
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff  time.Duration
	maxBackoff  time.Duration
	maxRestarts int // <=0 means unlimited
}

// WithRestartBackoff sets the first and the largest delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.minBackoff = min
		}
		if max > 0 {
			c.maxBackoff = max
		}
	}
}

// WithMaxRestarts limits restarts before the task is marked failed. The
// first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(c *restartCfg) { c.maxRestarts = n } }

// stableRun is how long a run must last before the backoff starts over.
const stableRun = 30 * time.Second

// GoRestart runs fn and restarts it after a failure until the context is
// canceled, fn returns cleanly, or the restart budget is spent.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{minBackoff: 250 * time.Millisecond, maxBackoff: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.minBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         max(cfg.maxBackoff, cfg.minBackoff),
	}
	b.Reset()

	t := s.register(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			startedAt := time.Now()
			err := s.runGuarded(t, fn)
			if s.ctx.Err() != nil || isCleanStop(err) {
				s.finish(t, StateStopped, err)
				return
			}
			if time.Since(startedAt) >= stableRun {
				b.Reset()
			}

			s.mu.Lock()
			exhausted := cfg.maxRestarts > 0 && t.restarts >= cfg.maxRestarts
			if !exhausted {
				t.restarts++
				t.state = StateRestarting
			}
			t.lastErr = err
			restarts := t.restarts
			s.mu.Unlock()

			if exhausted {
				s.log.Error("task gave up", logx.String("task", name), logx.Int("restarts", restarts), logx.Err(err))
				s.finish(t, StateFailed, err)
				s.fail(fmt.Errorf("%s: %w", name, err))
				return
			}

			wait := b.NextBackOff()
			s.log.Warn("task restarting", logx.String("task", name), logx.Duration("backoff", wait), logx.Err(err))
			timer := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				s.finish(t, StateStopped, err)
				return
			case <-timer.C:
			}
			s.mu.Lock()
			t.state = StateRunning
			s.mu.Unlock()
		}
	}()
}
