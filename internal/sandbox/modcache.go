package sandbox

import (
	"context"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/tetratelabs/wazero"

	"github.com/jkaninda/wasmbridge/internal/digest"
	"github.com/jkaninda/wasmbridge/internal/domain"
)

// Key identifies compiled bytecode by content: "blake3:<64 hex>".
type Key = digest.Digest

// KeyForCode returns the content key of raw bytecode. Identical bytes always
// yield the same key, across calls and across processes.
func KeyForCode(bytecode []byte) Key {
	return digest.Sum(bytecode)
}

// Module is a compiled, ready-to-instantiate module held by the cache.
// It is reference counted: an evicted module stays open until the last
// execution using it releases it.
type Module struct {
	compiled wazero.CompiledModule

	mu      sync.Mutex
	refs    int
	retired bool
	closed  bool
}

// NewModule wraps a compiled module for insertion into a ModuleCache.
func NewModule(compiled wazero.CompiledModule) *Module {
	return &Module{compiled: compiled}
}

// Compiled returns the underlying wazero handle.
func (m *Module) Compiled() wazero.CompiledModule { return m.compiled }

// retain takes a reference. It fails once the module has been closed.
func (m *Module) retain() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.refs++
	return true
}

// Release drops a reference taken by the executor. A module that has
// already left the cache is closed when its last reference goes.
func (m *Module) Release() {
	m.mu.Lock()
	if m.refs > 0 {
		m.refs--
	}
	closeNow := m.retired && m.refs == 0 && !m.closed
	if closeNow {
		m.closed = true
	}
	m.mu.Unlock()
	if closeNow {
		m.close()
	}
}

// retire marks the module as no longer cached and closes it when unused.
func (m *Module) retire() {
	m.mu.Lock()
	m.retired = true
	closeNow := m.refs == 0 && !m.closed
	if closeNow {
		m.closed = true
	}
	m.mu.Unlock()
	if closeNow {
		m.close()
	}
}

func (m *Module) close() {
	if m.compiled != nil {
		_ = m.compiled.Close(context.Background())
	}
}

// ModuleCache is a bounded, content-addressed LRU of compiled modules.
// All operations are safe for concurrent use; recency updates and eviction
// happen under one mutex.
type ModuleCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[Key, *Module]
	capacity int
}

// NewModuleCache returns a cache holding at most capacity modules.
func NewModuleCache(capacity int) (*ModuleCache, error) {
	if capacity <= 0 {
		return nil, &domain.ConfigError{Field: "module_cache_size", Reason: "must be greater than zero"}
	}
	lru, err := simplelru.NewLRU[Key, *Module](capacity, func(_ Key, m *Module) {
		m.retire()
	})
	if err != nil {
		return nil, &domain.ConfigError{Field: "module_cache_size", Reason: err.Error()}
	}
	return &ModuleCache{lru: lru, capacity: capacity}, nil
}

// Get returns the module for key and marks it most recently used.
func (c *ModuleCache) Get(key Key) (*Module, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// acquire is Get plus a reference, atomically with respect to eviction.
func (c *ModuleCache) acquire(key Key) (*Module, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.lru.Get(key)
	if !ok || !m.retain() {
		return nil, false
	}
	return m, true
}

// Insert stores m under key, evicting the least recently used entry when
// the cache is full. A different module already stored under key is retired.
func (c *ModuleCache) Insert(key Key, m *Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	old, existed := c.lru.Peek(key)
	c.lru.Add(key, m)
	if existed && old != m {
		old.retire()
	}
}

// Contains reports presence without touching recency.
func (c *ModuleCache) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

// Len returns the number of cached modules.
func (c *ModuleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Capacity returns the maximum number of cached modules.
func (c *ModuleCache) Capacity() int { return c.capacity }

// Clear drops every entry. Modules still in use are closed on release.
func (c *ModuleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
