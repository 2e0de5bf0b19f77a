package manage

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"chestnut/internal/registry"
	"chestnut/internal/tracker"
	"chestnut/pkg/logx"
)

var (
	alice = Actor{ID: uuid.MustParse("11111111-1111-1111-1111-111111111111")}
	bob   = Actor{ID: uuid.MustParse("22222222-2222-2222-2222-222222222222")}
	admin = Actor{Admin: true}
)

func at(x int) tracker.Location { return tracker.Location{World: "world", X: x, Y: 70, Z: 0} }

func setup(t *testing.T) (*Manager, *registry.Registry, *atomic.Int32) {
	t.Helper()
	reg := registry.New()
	var changes atomic.Int32
	m := New(reg, logx.Nop(), func() { changes.Add(1) })
	return m, reg, &changes
}

func TestBind(t *testing.T) {
	m, reg, changes := setup(t)
	m.SetDefaultDebounceTicks(10)

	tr, err := m.Bind(alice, "Vault", "CHEST", at(1))
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if tr.Kind != tracker.KindStorage || tr.Owner != alice.ID || tr.Options.DebounceTicks != 10 || !tr.Options.Enabled {
		t.Fatalf("tracker=%+v", tr)
	}
	if got := reg.ByLocationAndTrigger(at(1), tracker.KindStorage); len(got) != 1 {
		t.Fatalf("not indexed")
	}
	if changes.Load() != 1 {
		t.Fatalf("changes=%d", changes.Load())
	}

	if _, err := m.Bind(bob, "Vault", "storage", at(2)); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate err=%v", err)
	}
	if _, err := m.Bind(bob, "bad/name", "storage", at(2)); !errors.Is(err, tracker.ErrInvalidName) {
		t.Fatalf("bad name err=%v", err)
	}
	if _, err := m.Bind(bob, "Furnace", "furnace", at(2)); !errors.Is(err, tracker.ErrUnknownTrigger) {
		t.Fatalf("bad trigger err=%v", err)
	}
	if changes.Load() != 1 {
		t.Fatalf("failed binds must not mark dirty")
	}
}

func TestConcurrentBindSingleWinner(t *testing.T) {
	m, reg, _ := setup(t)
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Bind(alice, "Vault", "storage", at(i)); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 || reg.Len() != 1 {
		t.Fatalf("wins=%d len=%d", wins.Load(), reg.Len())
	}
}

func TestOwnership(t *testing.T) {
	m, _, _ := setup(t)
	if _, err := m.Bind(alice, "Vault", "storage", at(1)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := m.SetTemplate(bob, "Vault", "open", "x"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("bob template err=%v", err)
	}
	if _, err := m.Remove(bob, "Vault"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("bob remove err=%v", err)
	}
	if err := m.SetTemplate(admin, "Vault", "open", "x"); err != nil {
		t.Fatalf("admin template: %v", err)
	}
	if CanManage(Actor{}, &tracker.Tracker{}) {
		t.Fatalf("nil actor must not match nil owner")
	}
}

func TestSetTemplate(t *testing.T) {
	m, reg, _ := setup(t)
	if _, err := m.Bind(alice, "Book", "lectern", at(1)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := m.SetTemplate(alice, "Book", "PAGE_CHANGE", "<user> flipped to <page>"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := reg.Get("Book")
	if got.Templates["page_change"] != "<user> flipped to <page>" {
		t.Fatalf("templates=%v", got.Templates)
	}
	if err := m.SetTemplate(alice, "Book", "on", "x"); !errors.Is(err, tracker.ErrUnknownEvent) {
		t.Fatalf("bad event err=%v", err)
	}
	if err := m.SetTemplate(alice, "Book", "page_change", ""); err != nil {
		t.Fatalf("reset: %v", err)
	}
	got, _ = reg.Get("Book")
	if got.Templates["page_change"] != tracker.KindLectern.DefaultTemplate("page_change") {
		t.Fatalf("empty template should restore default, got %q", got.Templates["page_change"])
	}
	if err := m.SetTemplate(alice, "Nope", "open", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing err=%v", err)
	}
}

func TestSetOption(t *testing.T) {
	m, reg, _ := setup(t)
	if _, err := m.Bind(alice, "Vault", "storage", at(1)); err != nil {
		t.Fatalf("bind: %v", err)
	}

	steps := []struct {
		key, value string
		want       error
	}{
		{"enabled", "false", nil},
		{"enabled", "yes", ErrInvalidValue},
		{"debounceTicks", "20", nil},
		{"DEBOUNCETICKS", "-1", ErrInvalidValue},
		{"rateLimitPerMinute", "5", nil},
		{"disabledEvents", "+close", nil},
		{"disabledEvents", "+explode", tracker.ErrUnknownEvent},
		{"title", "  Main vault ", nil},
		{"includeItems", "true", ErrUnknownOption},
	}
	for _, s := range steps {
		err := m.SetOption(alice, "Vault", s.key, s.value)
		if s.want == nil && err != nil {
			t.Fatalf("%s=%s: %v", s.key, s.value, err)
		}
		if s.want != nil && !errors.Is(err, s.want) {
			t.Fatalf("%s=%s: err=%v want %v", s.key, s.value, err, s.want)
		}
	}

	got, _ := reg.Get("Vault")
	o := got.Options
	if o.Enabled || o.DebounceTicks != 20 || o.RateLimitPerMinute != 5 {
		t.Fatalf("options=%+v", o)
	}
	if len(o.DisabledEvents) != 1 || o.DisabledEvents[0] != "close" {
		t.Fatalf("disabled=%v", o.DisabledEvents)
	}
	if got.Title != "Main vault" || got.DisplayName() != "Main vault" {
		t.Fatalf("title=%q", got.Title)
	}

	if err := m.SetOption(alice, "Vault", "disabledEvents", "open, close"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := m.SetOption(alice, "Vault", "disabledEvents", "-open"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, _ = reg.Get("Vault")
	if len(got.Options.DisabledEvents) != 1 || got.Options.DisabledEvents[0] != "close" {
		t.Fatalf("disabled=%v", got.Options.DisabledEvents)
	}
	if err := m.SetOption(alice, "Vault", "disabledEvents", ""); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, _ = reg.Get("Vault")
	if len(got.Options.DisabledEvents) != 0 {
		t.Fatalf("not cleared: %v", got.Options.DisabledEvents)
	}
}

func TestRelocateRenameRemove(t *testing.T) {
	m, reg, changes := setup(t)
	if _, err := m.Bind(alice, "Vault", "storage", at(1)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := m.Bind(alice, "Other", "storage", at(9)); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if err := m.Relocate(alice, "Vault", at(2)); err != nil {
		t.Fatalf("relocate: %v", err)
	}
	if len(reg.ByLocationAndTrigger(at(1), tracker.KindStorage)) != 0 ||
		len(reg.ByLocationAndTrigger(at(2), tracker.KindStorage)) != 1 {
		t.Fatalf("relocate did not move bucket")
	}
	if err := m.Relocate(alice, "Vault", tracker.Location{}); !errors.Is(err, ErrInvalidValue) {
		t.Fatalf("empty world err=%v", err)
	}

	if err := m.Rename(alice, "Vault", "Other"); !errors.Is(err, ErrExists) {
		t.Fatalf("rename onto existing err=%v", err)
	}
	if err := m.Rename(alice, "Vault", "Safe"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if reg.Exists("Vault") || !reg.Exists("Safe") {
		t.Fatalf("rename not applied")
	}
	if b := reg.ByLocationAndTrigger(at(2), tracker.KindStorage); len(b) != 1 || b[0].Name != "Safe" {
		t.Fatalf("bucket after rename: %+v", b)
	}

	before := changes.Load()
	removed, err := m.Remove(alice, "Safe")
	if err != nil || !removed {
		t.Fatalf("remove: %v %v", removed, err)
	}
	removed, err = m.Remove(alice, "Safe")
	if err != nil || removed {
		t.Fatalf("second remove: %v %v", removed, err)
	}
	if changes.Load() != before+1 {
		t.Fatalf("changes=%d before=%d", changes.Load(), before)
	}

	list := m.List()
	if len(list) != 1 || list[0].Name != "Other" {
		t.Fatalf("list=%v", list)
	}
}

func TestPut(t *testing.T) {
	m, reg, _ := setup(t)
	tr, err := tracker.New("Vault", tracker.KindStorage, at(1), alice.ID, 4)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Put(alice, tr); err != nil {
		t.Fatalf("put: %v", err)
	}
	tr.Title = "stolen"
	if err := m.Put(bob, tr); !errors.Is(err, ErrForbidden) {
		t.Fatalf("bob put err=%v", err)
	}
	got, _ := reg.Get("Vault")
	if got.Title != "" {
		t.Fatalf("forbidden put applied")
	}
	if err := m.Put(admin, &tracker.Tracker{Name: "X", Kind: "nope"}); !errors.Is(err, tracker.ErrUnknownTrigger) {
		t.Fatalf("bad kind err=%v", err)
	}
}
