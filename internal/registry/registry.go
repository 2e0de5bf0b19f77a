// Package registry indexes trackers by name and by (location, trigger kind).
//
// Lookups by location are O(bucket size). Every mutation moves a tracker between
// buckets under one write lock, so readers never observe a tracker in two
// buckets or in none. Trackers handed out are deep copies.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"chestnut/internal/tracker"
)

type indexKey struct {
	loc  tracker.Location
	kind tracker.Kind
}

func keyOf(t *tracker.Tracker) indexKey {
	return indexKey{loc: t.Location, kind: t.Kind}
}

// runtimeState is transient scheduling state. It is never persisted and starts
// empty on every process start.
type runtimeState struct {
	lastEventAt  time.Time
	lastObserved *bool
}

type entry struct {
	// t is an owned copy, replaced wholesale (never mutated) under Registry.mu.
	t   *tracker.Tracker
	key indexKey

	mu sync.Mutex
	rt runtimeState
}

type Registry struct {
	mu     sync.RWMutex
	byName map[string]*entry
	index  map[indexKey][]*entry
}

func New() *Registry {
	return &Registry{
		byName: map[string]*entry{},
		index:  map[indexKey][]*entry{},
	}
}

// Get returns a snapshot of the named tracker.
func (r *Registry) Get(name string) (*tracker.Tracker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.t.Clone(), true
}

func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	_, ok := r.byName[name]
	r.mu.RUnlock()
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Put inserts or replaces t by name and (re)indexes it under its current
// location and kind. The registry keeps its own copy.
//
// Runtime state survives a replace unless the location or kind changed.
func (r *Registry) Put(t *tracker.Tracker) {
	if t == nil {
		return
	}
	cp := t.Clone()
	key := keyOf(cp)

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byName[cp.Name]
	if !ok {
		e = &entry{t: cp, key: key}
		r.byName[cp.Name] = e
		r.index[key] = append(r.index[key], e)
		return
	}

	e.t = cp
	if e.key == key {
		return
	}
	r.unindexLocked(e)
	e.key = key
	r.index[key] = append(r.index[key], e)

	e.mu.Lock()
	e.rt = runtimeState{}
	e.mu.Unlock()
}

// Remove deletes the named tracker. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return
	}
	delete(r.byName, name)
	r.unindexLocked(e)
}

// Rename moves oldName to newName, keeping its bucket and runtime state.
// It returns false when newName is taken or oldName does not exist.
func (r *Registry) Rename(oldName, newName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[newName]; taken {
		return false
	}
	e, ok := r.byName[oldName]
	if !ok {
		return false
	}
	cp := e.t.Clone()
	cp.Name = newName
	e.t = cp
	delete(r.byName, oldName)
	r.byName[newName] = e
	return true
}

// ByLocationAndTrigger returns snapshots of every tracker bound to loc for kind.
func (r *Registry) ByLocationAndTrigger(loc tracker.Location, kind tracker.Kind) []*tracker.Tracker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.index[indexKey{loc: loc, kind: kind}]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]*tracker.Tracker, 0, len(bucket))
	for _, e := range bucket {
		out = append(out, e.t.Clone())
	}
	return out
}

// All returns snapshots of every tracker sorted by lowercase name.
func (r *Registry) All() []*tracker.Tracker {
	r.mu.RLock()
	out := make([]*tracker.Tracker, 0, len(r.byName))
	for _, e := range r.byName {
		out = append(out, e.t.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Registry) unindexLocked(e *entry) {
	bucket := r.index[e.key]
	for i, x := range bucket {
		if x == e {
			bucket = append(bucket[:i:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(r.index, e.key)
		return
	}
	r.index[e.key] = bucket
}
