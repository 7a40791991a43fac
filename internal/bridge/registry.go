package bridge

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/wasmbridge/internal/domain"
)

// connection is one live transport to a tool server.
type connection struct {
	id        string
	kind      string
	transport Transport
	createdAt time.Time
	calls     atomic.Int64
	lastUsed  atomic.Int64 // unix nanos
}

func newConnection(id, kind string, t Transport) *connection {
	now := time.Now()
	c := &connection{id: id, kind: kind, transport: t, createdAt: now}
	c.lastUsed.Store(now.UnixNano())
	return c
}

func (c *connection) touch() {
	c.calls.Add(1)
	c.lastUsed.Store(time.Now().UnixNano())
}

func (c *connection) info() ServerInfo {
	return ServerInfo{
		ID:        c.id,
		Transport: c.kind,
		Calls:     int(c.calls.Load()),
		CreatedAt: c.createdAt,
		LastUsed:  time.Unix(0, c.lastUsed.Load()),
	}
}

// ServerInfo describes a live connection.
type ServerInfo struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Calls     int       `json:"calls"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// registry tracks live connections and in-flight connects. A slot is
// reserved before dialing so admission and insertion are atomic together:
// live + pending never exceeds max.
type registry struct {
	mu      sync.Mutex
	conns   map[string]*connection
	pending map[string]struct{}
	max     int // 0 = unlimited
}

func newRegistry(max int) *registry {
	return &registry{
		conns:   make(map[string]*connection),
		pending: make(map[string]struct{}),
		max:     max,
	}
}

// reserve claims a slot for id. It reports live=true when id is already
// connected, in which case nothing is reserved.
func (r *registry) reserve(id string) (live bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return true, nil
	}
	if _, ok := r.pending[id]; ok {
		return false, &domain.ConnectionFailedError{Server: id, Err: errConnectInProgress}
	}
	if r.max > 0 && len(r.conns)+len(r.pending) >= r.max {
		return false, &domain.ConnectionFailedError{Server: id, Err: domain.ErrCapacityExceeded}
	}
	r.pending[id] = struct{}{}
	return false, nil
}

func (r *registry) commit(c *connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, c.id)
	r.conns[c.id] = c
}

func (r *registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

func (r *registry) get(id string) (*connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *registry) remove(id string) (*connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return c, ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// snapshot returns live connections ordered by id.
func (r *registry) snapshot() []*connection {
	r.mu.Lock()
	out := make([]*connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *connection) int { return strings.Compare(a.id, b.id) })
	return out
}
