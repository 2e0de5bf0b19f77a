package delivery

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"chestnut/internal/eventbus"
	rtsup "chestnut/internal/runtime/supervisor"
	logx "chestnut/pkg/logx"
)

// Service is the delivery pipeline: unbounded queue, single worker, fixed
// window limiter and retrying sender.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	bus      eventbus.Bus
	settings Settings
	sender   *Sender
	limiter  *Limiter
	q        *queue

	state State
	sup   *rtsup.Supervisor
	// stopWaiting ends the worker's queue and limiter waits without
	// interrupting a send already in flight.
	stopWaiting context.CancelFunc

	warnedNoEndpoint atomic.Bool

	enqueued  atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
}

type Option func(*serviceOptions)

type serviceOptions struct {
	client   *http.Client
	limiter  []LimiterOption
	initial  time.Duration
	maxDelay time.Duration
}

// WithHTTPClient replaces the default client. Its Timeout is left alone.
func WithHTTPClient(c *http.Client) Option {
	return func(o *serviceOptions) { o.client = c }
}

// WithLimiterOptions passes options through to the Limiter.
func WithLimiterOptions(opts ...LimiterOption) Option {
	return func(o *serviceOptions) { o.limiter = append(o.limiter, opts...) }
}

// WithBackoff overrides the retry backoff bounds for non-429 failures.
func WithBackoff(initial, maxDelay time.Duration) Option {
	return func(o *serviceOptions) {
		o.initial = initial
		o.maxDelay = maxDelay
	}
}

func New(settings Settings, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	var o serviceOptions
	for _, fn := range opts {
		fn(&o)
	}
	settings = settings.withDefaults()

	client := o.client
	if client == nil {
		client = &http.Client{Timeout: settings.HTTPTimeout}
	}
	sender := NewSender(client)
	if o.initial > 0 {
		sender.initial = o.initial
	}
	if o.maxDelay > 0 {
		sender.maxDelay = o.maxDelay
	}

	limOpts := append([]LimiterOption{WithLimiterLogger(log)}, o.limiter...)
	return &Service{
		log:      log,
		bus:      bus,
		settings: settings,
		sender:   sender,
		limiter:  NewLimiter(settings.GlobalRateLimitPerMinute, limOpts...),
		q:        newQueue(),
	}
}

func (s *Service) Limiter() *Limiter { return s.limiter }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) Stats() Stats {
	return Stats{
		State:     s.State(),
		Queued:    s.q.len(),
		Enqueued:  s.enqueued.Load(),
		Sent:      s.sent.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		Discarded: s.discarded.Load(),
	}
}

// Apply swaps in reloaded settings, resets the rate window and re-arms the
// missing-endpoint warning.
func (s *Service) Apply(settings Settings) {
	settings = settings.withDefaults()
	s.mu.Lock()
	prevTimeout := s.settings.HTTPTimeout
	s.settings = settings
	if settings.HTTPTimeout != prevTimeout && s.sender.client.Timeout == prevTimeout {
		c := *s.sender.client
		c.Timeout = settings.HTTPTimeout
		ns := *s.sender
		ns.client = &c
		s.sender = &ns
	}
	s.mu.Unlock()

	s.limiter.SetGlobalLimit(settings.GlobalRateLimitPerMinute)
	s.limiter.Reset()
	s.warnedNoEndpoint.Store(false)
}

// Start launches the worker. It is a no-op unless the service is Stopped.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Stopped {
		return
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// a failing worker must not take the app down.
		rtsup.WithCancelOnError(false),
	)
	waitCtx, stopWaiting := context.WithCancel(sup.Context())

	s.sup = sup
	s.stopWaiting = stopWaiting
	s.state = Running

	sup.GoRestart("delivery.worker", func(runCtx context.Context) error {
		s.loop(runCtx, waitCtx)
		return nil
	}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
}

// Enqueue accepts j in any state and never blocks.
func (s *Service) Enqueue(j Job) {
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	s.q.push(j)
	s.enqueued.Add(1)
	s.publish(eventbus.DeliveryQueued, j, 0, 0, nil)
}

// StopAndDrain stops the worker and flushes what it can before timeout.
// Remaining jobs are discarded. Calling it on a stopped service only drains;
// a concurrent second call returns an empty report.
func (s *Service) StopAndDrain(timeout time.Duration) DrainReport {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	if s.state == Draining {
		s.mu.Unlock()
		return DrainReport{}
	}
	sup, stopWaiting := s.sup, s.stopWaiting
	s.state = Draining
	settings := s.settings
	s.mu.Unlock()

	if stopWaiting != nil {
		stopWaiting()
		// An in-flight send may finish until the deadline.
		wctx, cancel := context.WithDeadline(context.Background(), deadline)
		if err := sup.Wait(wctx); err != nil && wctx.Err() != nil {
			sup.Cancel()
			_ = sup.Wait(context.Background())
		}
		cancel()
		sup.Cancel()
	}

	var rep DrainReport
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	for ctx.Err() == nil {
		j, ok := s.q.tryPop()
		if !ok {
			break
		}
		err := s.deliverOnce(ctx, j, settings)
		if errors.Is(err, ErrNoEndpoint) {
			rep.Dropped++
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				s.q.pushFront(j)
				break
			}
			rep.Failed++
			continue
		}
		rep.Flushed++
	}
	cancel()

	if n := s.q.clear(); n > 0 {
		rep.Discarded = n
		s.discarded.Add(uint64(n))
		s.publish(eventbus.DeliveryDiscarded, Job{}, n, 0, nil)
		s.log.Warn("discarded queued deliveries at shutdown", logx.Int("count", n))
	}

	s.mu.Lock()
	s.state = Stopped
	s.sup, s.stopWaiting = nil, nil
	s.mu.Unlock()
	return rep
}

func (s *Service) loop(runCtx, waitCtx context.Context) {
	for {
		j, err := s.q.pop(waitCtx)
		if err != nil {
			return
		}
		if !s.process(runCtx, waitCtx, j) {
			// Interrupted; hand the job to the drain.
			s.q.pushFront(j)
			return
		}
	}
}

// process runs one job to completion. It returns false when shutdown
// interrupted it before a final outcome.
func (s *Service) process(runCtx, waitCtx context.Context, j Job) bool {
	s.mu.Lock()
	settings := s.settings
	sender := s.sender
	s.mu.Unlock()

	if settings.WebhookURL == "" {
		s.drop(j)
		return true
	}

	if err := s.limiter.Acquire(waitCtx, j.trackerName(), j.trackerLimit()); err != nil {
		return false
	}

	body, err := BuildPayload(j, settings, time.Now()).Marshal()
	if err != nil {
		s.fail(j, 0, err, settings.Debug)
		return true
	}

	// Draining ends the retry sleeps; the job then gets its drain attempt.
	attempts, err := sender.SendUntil(runCtx, waitCtx, settings.WebhookURL, body, func(attempt int, err error, wait time.Duration) {
		s.publish(eventbus.DeliveryRetry, j, attempt, wait, err)
		if settings.Debug {
			s.log.Debug("webhook attempt failed, retrying",
				logx.Tracker(j.trackerName()),
				logx.Int("attempt", attempt),
				logx.Duration("wait", wait),
				logx.Err(err),
			)
		}
	})
	if err == nil {
		s.limiter.RecordSuccess(j.trackerName(), j.trackerLimit())
		s.sent.Add(1)
		s.publish(eventbus.DeliverySent, j, attempts, 0, nil)
		return true
	}
	if runCtx.Err() != nil || waitCtx.Err() != nil {
		return false
	}
	s.fail(j, attempts, err, settings.Debug)
	return true
}

// deliverOnce is the drain path: one attempt, no limiter.
func (s *Service) deliverOnce(ctx context.Context, j Job, settings Settings) error {
	if settings.WebhookURL == "" {
		s.drop(j)
		return ErrNoEndpoint
	}
	body, err := BuildPayload(j, settings, time.Now()).Marshal()
	if err != nil {
		return err
	}
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if err := sender.SendOnce(ctx, settings.WebhookURL, body); err != nil {
		if ctx.Err() == nil {
			s.fail(j, 1, err, settings.Debug)
		}
		return err
	}
	s.sent.Add(1)
	s.publish(eventbus.DeliverySent, j, 1, 0, nil)
	return nil
}

func (s *Service) drop(j Job) {
	if s.warnedNoEndpoint.CompareAndSwap(false, true) {
		s.log.Warn("webhook_url is empty; notifications will be dropped until it is configured")
	}
	s.publish(eventbus.DeliveryDropped, j, 0, 0, ErrNoEndpoint)
	s.dropped.Add(1)
}

func (s *Service) fail(j Job, attempts int, err error, debug bool) {
	if debug {
		s.log.Debug("webhook delivery failed; dropping",
			logx.Tracker(j.trackerName()),
			logx.String("event", j.Event),
			logx.Int("attempts", attempts),
			logx.Err(err),
		)
	}
	s.publish(eventbus.DeliveryFailed, j, attempts, 0, err)
	s.failed.Add(1)
}

func (s *Service) publish(typ string, j Job, attempts int, wait time.Duration, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := JobEvent{Tracker: j.trackerName(), Event: j.Event, Attempts: attempts, Wait: wait, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
