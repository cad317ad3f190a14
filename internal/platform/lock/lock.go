// Package lock provides named, process-wide mutual exclusion for logical
// entities. Transforms of the same tracked entity, enrollment or FHIR
// identifier are serialized by locking a stable string key (for example
// "out-te:" + id) before the mutation decision is made.
//
// Locks are acquired through a Context that is created per request and passed
// explicitly through the call chain. Releasing the context releases every key
// it still holds, which keeps an aborted rule application from leaking locks.
package lock

import (
	"context"
	"sync"
)

type entry struct {
	ch   chan struct{} // buffered(1), token present when unlocked
	refs int
}

// Manager owns the named locks of one process.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

func (m *Manager) acquireEntry(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Manager) releaseEntry(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.entries, key)
	}
}

// NewContext creates an empty lock context. The caller must release it,
// normally with defer Release.
func (m *Manager) NewContext() *Context {
	return &Context{manager: m, held: make(map[string]struct{})}
}

// Context tracks the keys held by one logical request.
// It is not safe for concurrent use; script execution within a single
// transformation is single-threaded.
type Context struct {
	manager *Manager
	held    map[string]struct{}
	order   []string
}

// Lock blocks until the named lock is acquired or ctx is done. Locking a key
// that the context already holds is a no-op.
func (c *Context) Lock(ctx context.Context, key string) error {
	if _, ok := c.held[key]; ok {
		return nil
	}

	e := c.manager.acquireEntry(key)
	select {
	case <-e.ch:
		c.held[key] = struct{}{}
		c.order = append(c.order, key)
		return nil
	case <-ctx.Done():
		c.manager.releaseEntry(key)
		return ctx.Err()
	}
}

// Holds reports whether the context currently holds the named lock.
func (c *Context) Holds(key string) bool {
	_, ok := c.held[key]
	return ok
}

// UnlockAll releases every lock held by the context, in reverse acquisition
// order. A rolled-back rule application calls this before the next rule runs.
func (c *Context) UnlockAll() {
	for i := len(c.order) - 1; i >= 0; i-- {
		key := c.order[i]
		if _, ok := c.held[key]; !ok {
			continue
		}
		c.unlock(key)
	}
	c.order = c.order[:0]
}

// Release is an alias of UnlockAll for use in defer statements.
func (c *Context) Release() { c.UnlockAll() }

func (c *Context) unlock(key string) {
	c.manager.mu.Lock()
	e, ok := c.manager.entries[key]
	c.manager.mu.Unlock()
	if ok {
		e.ch <- struct{}{}
	}
	delete(c.held, key)
	c.manager.releaseEntry(key)
}
