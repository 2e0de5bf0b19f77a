package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"chestnut/internal/eventbus"
	"chestnut/internal/registry"
	"chestnut/internal/store"
	"chestnut/internal/tracker"
	"chestnut/pkg/logx"
)

// persister writes the registry to the store when it has changed.
type persister struct {
	st  store.Store
	reg *registry.Registry
	bus eventbus.Bus
	log logx.Logger

	saveMu sync.Mutex
	dirty  atomic.Bool
}

func (p *persister) MarkDirty() { p.dirty.Store(true) }

func (p *persister) Dirty() bool { return p.dirty.Load() }

// Save snapshots the registry and replaces the persisted set. The dirty flag
// is cleared before the snapshot so concurrent edits are picked up next time.
func (p *persister) Save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.dirty.Store(false)
	if p.st == nil {
		return nil
	}
	all := p.reg.All()
	records := make([]tracker.Record, 0, len(all))
	for _, t := range all {
		records = append(records, t.ToRecord())
	}
	if err := p.st.Save(ctx, records); err != nil {
		p.dirty.Store(true)
		return err
	}
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: eventbus.TrackersSaved, Time: time.Now(), Data: len(records)})
	}
	return nil
}

func (p *persister) saveIfDirty(ctx context.Context) {
	if !p.Dirty() {
		return
	}
	if err := p.Save(ctx); err != nil {
		p.log.Warn("autosave failed", logx.Err(err))
		return
	}
	p.log.Debug("autosave complete")
}

var autosaveParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// runAutosave saves dirty state on spec until ctx is done.
func (p *persister) runAutosave(ctx context.Context, spec string) error {
	c := cron.New(cron.WithParser(autosaveParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		p.saveIfDirty(sctx)
	}); err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
