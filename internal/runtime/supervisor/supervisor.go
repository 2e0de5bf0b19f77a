// Package supervisor runs chestnut's background loops (delivery worker, config
// watcher, autosave, admin server) under one cancelable context, recovers
// their panics and records per-task status for the admin endpoint.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"chestnut/pkg/logx"
)

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	mu       sync.Mutex
	tasks    map[string]*task
	started  uint64
	firstErr error

	wg       sync.WaitGroup
	waitOnce sync.Once
	doneCh   chan struct{}
}

type Option func(*Supervisor)

// Counters are best-effort goroutine counts.
type Counters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first task failure.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		tasks:  map[string]*task{},
		doneCh: make(chan struct{}),
		log:    logx.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first task failure, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var active int64
	for _, t := range s.tasks {
		if t.state == StateRunning || t.state == StateRestarting {
			active++
		}
	}
	return Counters{Active: active, Started: s.started}
}

// Go runs fn once. A panic or an error other than context.Canceled counts as
// a failure.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	t := s.register(name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.runGuarded(t, fn)
		if isCleanStop(err) {
			s.finish(t, StateStopped, nil)
			return
		}
		s.finish(t, StateFailed, err)
		s.fail(fmt.Errorf("%s: %w", name, err))
	}()
}

func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func (s *Supervisor) runGuarded(t *task, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task panicked", logx.String("task", t.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	s.log.Debug("task started", logx.String("task", t.name))
	return fn(s.ctx)
}

func isCleanStop(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}

// Stop cancels the shared context and waits for every task.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has returned or ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.doneCh)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.doneCh:
		return s.Err()
	}
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) register(name string) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	t := &task{name: name, state: StateRunning, startedAt: time.Now()}
	s.tasks[name] = t
	return t
}

func (s *Supervisor) finish(t *task, state State, err error) {
	s.mu.Lock()
	t.state = state
	t.lastErr = err
	t.stoppedAt = time.Now()
	s.mu.Unlock()
	s.log.Debug("task stopped", logx.String("task", t.name), logx.String("state", string(state)), logx.Err(err))
}
