package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"chestnut/internal/eventbus"
	"chestnut/internal/tracker"
	logx "chestnut/pkg/logx"
)

type sink struct {
	srv    *httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	bodies []Payload
}

func newSink(t *testing.T, h func(n int32, w http.ResponseWriter)) *sink {
	t.Helper()
	s := &sink{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.hits.Add(1)
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			s.mu.Lock()
			s.bodies = append(s.bodies, p)
			s.mu.Unlock()
		}
		if h != nil {
			h(n, w)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sink) descriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bodies))
	for _, p := range s.bodies {
		out = append(out, p.Embeds[0].Description)
	}
	return out
}

func settingsFor(url string, globalLimit int) Settings {
	return Settings{
		WebhookURL:               url,
		GlobalRateLimitPerMinute: globalLimit,
		EmbedColor:               DefaultEmbedColor,
		EmbedFooter:              DefaultEmbedFooter,
		Debug:                    true,
	}
}

func TestService_DeliversInOrder(t *testing.T) {
	snk := newSink(t, nil)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	svc := New(settingsFor(snk.srv.URL, 120), logx.Nop(), bus)
	if svc.State() != Stopped {
		t.Fatalf("initial state=%v", svc.State())
	}
	svc.Start(context.Background())
	if svc.State() != Running {
		t.Fatalf("state after start=%v", svc.State())
	}

	for _, c := range []string{"one", "two", "three"} {
		svc.Enqueue(Job{Content: c})
	}
	waitFor(t, 3*time.Second, "three deliveries", func() bool { return svc.Stats().Sent == 3 })

	got := snk.descriptions()
	if strings.Join(got, ",") != "one,two,three" {
		t.Fatalf("order=%v", got)
	}

	rep := svc.StopAndDrain(time.Second)
	if rep != (DrainReport{}) {
		t.Fatalf("nothing should be left to drain: %+v", rep)
	}
	if svc.State() != Stopped {
		t.Fatalf("state after drain=%v", svc.State())
	}

	sent := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == eventbus.DeliverySent {
			sent++
		}
	}
	if sent != 3 {
		t.Fatalf("sent events=%d", sent)
	}
}

func TestService_RetryBudget(t *testing.T) {
	snk := newSink(t, func(n int32, w http.ResponseWriter) {
		if n <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	svc := New(settingsFor(snk.srv.URL, 120), logx.Nop(), nil, WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	svc.Start(context.Background())
	defer svc.StopAndDrain(time.Second)

	svc.Enqueue(Job{Content: "x"})
	waitFor(t, 3*time.Second, "delivery", func() bool { return svc.Stats().Sent == 1 })
	if n := snk.hits.Load(); n != 3 {
		t.Fatalf("attempts=%d want 3", n)
	}
	if st := svc.Stats(); st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestService_ExhaustedRetriesAreDropped(t *testing.T) {
	snk := newSink(t, func(_ int32, w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	buf := &syncBuffer{}
	svc := New(settingsFor(snk.srv.URL, 120), logx.NewWriter(buf, "debug"), nil, WithBackoff(5*time.Millisecond, 20*time.Millisecond))
	svc.Start(context.Background())
	defer svc.StopAndDrain(time.Second)

	svc.Enqueue(Job{Content: "x"})
	svc.Enqueue(Job{Content: "y"})
	waitFor(t, 3*time.Second, "two failures", func() bool { return svc.Stats().Failed == 2 })
	if n := snk.hits.Load(); n != 6 {
		t.Fatalf("attempts=%d want 6", n)
	}
	if !strings.Contains(buf.String(), "webhook delivery failed") {
		t.Fatalf("missing debug diagnostic in %s", buf.String())
	}
}

// K+5 jobs inside one window: exactly K go out before the boundary.
func TestService_GlobalRateWindow(t *testing.T) {
	const k = 3
	const window = 600 * time.Millisecond
	snk := newSink(t, nil)
	svc := New(settingsFor(snk.srv.URL, k), logx.Nop(), nil, WithLimiterOptions(WithWindow(window)))
	svc.Start(context.Background())
	defer svc.StopAndDrain(time.Second)

	for i := 0; i < k+5; i++ {
		svc.Enqueue(Job{Content: "m"})
	}
	waitFor(t, time.Second, "first window", func() bool { return snk.hits.Load() == k })
	time.Sleep(window / 4)
	if n := snk.hits.Load(); n != k {
		t.Fatalf("sent %d before the window boundary, want %d", n, k)
	}
	waitFor(t, 5*time.Second, "remaining jobs", func() bool { return snk.hits.Load() == k+5 })
}

func TestService_PerTrackerLimit(t *testing.T) {
	snk := newSink(t, nil)
	svc := New(settingsFor(snk.srv.URL, 100), logx.Nop(), nil, WithLimiterOptions(WithWindow(time.Hour)))
	svc.Start(context.Background())

	tr, _ := tracker.New("door", tracker.KindStorage, tracker.Location{World: "w"}, uuid.Nil, 0)
	tr.Options.RateLimitPerMinute = 2
	for i := 0; i < 4; i++ {
		svc.Enqueue(Job{Tracker: tr, Content: "door", Event: "open"})
	}
	waitFor(t, time.Second, "per-tracker budget", func() bool { return snk.hits.Load() == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := snk.hits.Load(); n != 2 {
		t.Fatalf("hits=%d want 2", n)
	}

	// The drain bypasses the limiter, including the job the worker was holding.
	rep := svc.StopAndDrain(2 * time.Second)
	if rep.Flushed != 2 || rep.Discarded != 0 {
		t.Fatalf("drain=%+v", rep)
	}
	if n := snk.hits.Load(); n != 4 {
		t.Fatalf("hits=%d want 4", n)
	}
}

func TestService_ApplyResetsWindow(t *testing.T) {
	snk := newSink(t, nil)
	svc := New(settingsFor(snk.srv.URL, 1), logx.Nop(), nil, WithLimiterOptions(WithWindow(time.Hour)))
	svc.Start(context.Background())
	defer svc.StopAndDrain(time.Second)

	svc.Enqueue(Job{Content: "a"})
	svc.Enqueue(Job{Content: "b"})
	waitFor(t, time.Second, "first send", func() bool { return snk.hits.Load() == 1 })

	svc.Apply(settingsFor(snk.srv.URL, 10))
	waitFor(t, time.Second, "send after reload", func() bool { return snk.hits.Load() == 2 })
	if got := svc.Limiter().Snapshot().GlobalLimit; got != 10 {
		t.Fatalf("global limit=%d", got)
	}
}

func TestService_MissingEndpointWarnsOnce(t *testing.T) {
	buf := &syncBuffer{}
	svc := New(settingsFor("", 120), logx.NewWriter(buf, "info"), nil)
	svc.Start(context.Background())
	defer svc.StopAndDrain(time.Second)

	for i := 0; i < 3; i++ {
		svc.Enqueue(Job{Content: "lost"})
	}
	waitFor(t, time.Second, "drops", func() bool { return svc.Stats().Dropped == 3 })
	if n := strings.Count(buf.String(), "webhook_url is empty"); n != 1 {
		t.Fatalf("warnings=%d want 1", n)
	}

	svc.Apply(settingsFor("", 120))
	svc.Enqueue(Job{Content: "lost"})
	waitFor(t, time.Second, "drop after reload", func() bool { return svc.Stats().Dropped == 4 })
	if n := strings.Count(buf.String(), "webhook_url is empty"); n != 2 {
		t.Fatalf("warnings=%d want 2 after reload", n)
	}
}

func TestService_DrainDeadline(t *testing.T) {
	snk := newSink(t, func(_ int32, w http.ResponseWriter) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	})
	svc := New(settingsFor(snk.srv.URL, 120), logx.Nop(), nil)

	const total = 1000
	for i := 0; i < total; i++ {
		svc.Enqueue(Job{Content: "bulk"})
	}

	start := time.Now()
	rep := svc.StopAndDrain(100 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("drain overran its deadline: %v", elapsed)
	}
	if rep.Flushed == 0 || rep.Flushed >= total {
		t.Fatalf("flushed=%d", rep.Flushed)
	}
	if rep.Flushed+rep.Failed+rep.Dropped+rep.Discarded != total {
		t.Fatalf("report does not account for every job: %+v", rep)
	}
	st := svc.Stats()
	if st.Queued != 0 || st.State != Stopped || st.Discarded != uint64(rep.Discarded) {
		t.Fatalf("stats=%+v report=%+v", st, rep)
	}
}

func TestService_DrainInterruptsRetryWait(t *testing.T) {
	snk := newSink(t, func(n int32, w http.ResponseWriter) {
		if n == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	svc := New(settingsFor(snk.srv.URL, 120), logx.Nop(), nil)
	svc.Start(context.Background())

	svc.Enqueue(Job{Content: "first"})
	waitFor(t, time.Second, "first attempt", func() bool { return snk.hits.Load() >= 1 })
	for i := 0; i < 5; i++ {
		svc.Enqueue(Job{Content: "queued"})
	}

	start := time.Now()
	rep := svc.StopAndDrain(2 * time.Second)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("drain sat out the retry wait: %v", elapsed)
	}
	if rep.Flushed != 6 || rep.Failed != 0 || rep.Discarded != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if n := snk.hits.Load(); n != 7 {
		t.Fatalf("hits=%d want 7", n)
	}
	if d := snk.descriptions(); d[1] != "first" {
		t.Fatalf("interrupted job must be retried first: %v", d)
	}
}

func TestService_DrainCountsMissingEndpointAsDropped(t *testing.T) {
	svc := New(settingsFor("", 120), logx.Nop(), nil)
	svc.Enqueue(Job{Content: "a"})
	svc.Enqueue(Job{Content: "b"})

	rep := svc.StopAndDrain(time.Second)
	if rep.Dropped != 2 || rep.Failed != 0 || rep.Flushed != 0 || rep.Discarded != 0 {
		t.Fatalf("report=%+v", rep)
	}
	if st := svc.Stats(); st.Dropped != 2 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestService_EnqueueWhileStoppedThenRestart(t *testing.T) {
	snk := newSink(t, nil)
	svc := New(settingsFor(snk.srv.URL, 120), logx.Nop(), nil)
	svc.Start(context.Background())
	svc.StopAndDrain(time.Second)

	svc.Enqueue(Job{Content: "late"})
	if st := svc.Stats(); st.Queued != 1 {
		t.Fatalf("enqueue after stop must be accepted: %+v", st)
	}

	svc.Start(context.Background())
	defer svc.StopAndDrain(time.Second)
	waitFor(t, time.Second, "late delivery", func() bool { return svc.Stats().Sent == 1 })
}
