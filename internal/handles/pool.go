// Package handles implements the file-handle pool: a
// process-wide mapping from canonical file URL to a weak reference on a
// reference-counted ownership handle, so several logical columns that
// reference the same physical file (after rename/replace-in-place) share one
// deletion decision.
package handles

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/sframecore/engine/pkg/logging"
)

// Handle is a reference-counted token naming an on-disk artifact and
// whether destruction should delete it.
// Deletion happens exactly once, only after the last Handle drops and only
// if delete-on-drop was set.
type Handle struct {
	pool *Pool
	url  string
	ref  *entry
}

type entry struct {
	url string
	// paths is every on-disk file making up the artifact (the canonical URL
	// plus any associated files, e.g. a column index and its segments); all
	// of them are removed on delete-on-drop.
	paths        []string
	refCount     atomic.Int64
	deleteOnDrop atomic.Bool
	deletedOnce  sync.Once
}

// URL returns the canonical URL this handle owns.
func (h *Handle) URL() string { return h.url }

// Retain returns a new Handle sharing the same entry, incrementing the
// reference count. Callers that fan a handle out to multiple consumers
// should Retain once per consumer and Release once each.
func (h *Handle) Retain() *Handle {
	h.ref.refCount.Add(1)
	return &Handle{pool: h.pool, url: h.url, ref: h.ref}
}

// MarkForDelete flips the handle to delete-on-drop: once the last
// outstanding reference releases, the underlying file is removed.
func (h *Handle) MarkForDelete() {
	h.ref.deleteOnDrop.Store(true)
}

// Release drops one reference. When the last reference drops and
// delete-on-drop was set, the artifact's files are deleted exactly once.
func (h *Handle) Release() {
	remaining := h.ref.refCount.Add(-1)
	if remaining > 0 {
		return
	}
	h.pool.forget(h.url, h.ref)
	if h.ref.deleteOnDrop.Load() {
		h.ref.deletedOnce.Do(func() {
			for _, p := range h.ref.paths {
				_ = os.Remove(p)
			}
			h.pool.log.Debug("deleted artifact on last handle release", "url", h.url, "files", len(h.ref.paths))
		})
	}
}

// Pool is the process-wide handle table. Production wires a
// single instance at startup; tests construct their own.
type Pool struct {
	log *logging.Logger

	mu             sync.Mutex
	live           map[string]*entry
	registrations  int
	sweepEveryN    int
}

// Config configures a Pool's sweep cadence.
type Config struct {
	// SweepEveryN causes expired entries to be swept every N registrations.
	// Zero selects a sensible default.
	SweepEveryN int
}

// New constructs an empty Pool.
func New(cfg Config, log *logging.Logger) *Pool {
	if cfg.SweepEveryN <= 0 {
		cfg.SweepEveryN = 64
	}
	if log == nil {
		log = logging.Default()
	}
	return &Pool{
		log:         log.WithComponent("handles"),
		live:        make(map[string]*entry),
		sweepEveryN: cfg.SweepEveryN,
	}
}

// Register returns a shared Handle for url, creating one if url is not
// already live, otherwise retaining the existing one. associated names any
// further on-disk files belonging to the same artifact (segment files of a
// column index, per-column files of a table index); they are removed
// together with url on delete-on-drop. Associated paths are taken from the
// first registration of a URL.
func (p *Pool) Register(url string, associated ...string) *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.registrations++

	e, ok := p.live[url]
	if !ok {
		e = &entry{url: url, paths: append([]string{url}, associated...)}
		e.refCount.Store(1)
		p.live[url] = e
	} else {
		e.refCount.Add(1)
	}

	if p.registrations%p.sweepEveryN == 0 {
		p.sweepLocked()
	}

	return &Handle{pool: p, url: url, ref: e}
}

// MarkForDelete flips an already-registered URL's handle to delete-on-drop,
// if one is currently live. It is a no-op if url has no live handle.
func (p *Pool) MarkForDelete(url string) {
	p.mu.Lock()
	e, ok := p.live[url]
	p.mu.Unlock()
	if ok {
		e.deleteOnDrop.Store(true)
	}
}

// forget removes url's entry once its last handle has released, provided no
// concurrent Register raced in a fresh reference first.
func (p *Pool) forget(url string, e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.live[url]; ok && current == e && e.refCount.Load() <= 0 {
		delete(p.live, url)
	}
}

// sweepLocked drops table entries whose reference count has already reached
// zero but were not yet forgotten (defensive; forget() normally handles
// this immediately). Caller must hold p.mu.
func (p *Pool) sweepLocked() {
	for url, e := range p.live {
		if e.refCount.Load() <= 0 {
			delete(p.live, url)
		}
	}
}

// LiveCount reports the number of distinct URLs currently tracked, for
// tests/diagnostics.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}
