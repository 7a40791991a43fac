package security

import (
	"math"
	"slices"
	"time"

	"github.com/jkaninda/wasmbridge/internal/domain"
)

const (
	defaultMemoryLimitMB    = 256
	defaultExecutionTimeout = 60 * time.Second
	defaultMaxHostCalls     = 1000

	bytesPerMB = 1024 * 1024
)

// Policy describes the resource limits of one execution context.
// A Policy is immutable once built; accessors return copies.
type Policy struct {
	memoryLimitBytes uint64
	executionTimeout time.Duration
	maxFuel          *uint64
	allowNetwork     bool
	maxHostCalls     *int
	preopenedPaths   []string
}

// MemoryLimitBytes is the hard cap on linear memory growth.
func (p *Policy) MemoryLimitBytes() uint64 { return p.memoryLimitBytes }

// ExecutionTimeout is the wall-clock budget of one entry-point call.
func (p *Policy) ExecutionTimeout() time.Duration { return p.executionTimeout }

// MaxFuel returns the CPU-instruction budget, if one was configured.
// The budget is advisory: the wall-clock timeout is the enforced bound.
func (p *Policy) MaxFuel() (uint64, bool) {
	if p.maxFuel == nil {
		return 0, false
	}
	return *p.maxFuel, true
}

// AllowNetwork reports whether direct network access was requested.
// Sandboxed code never receives sockets; outside access goes through
// bridge host calls regardless of this flag.
func (p *Policy) AllowNetwork() bool { return p.allowNetwork }

// MaxHostCalls returns the per-execution host-call cap, if any.
func (p *Policy) MaxHostCalls() (int, bool) {
	if p.maxHostCalls == nil {
		return 0, false
	}
	return *p.maxHostCalls, true
}

// PreopenedPaths returns the host directories mounted read-only into the guest.
func (p *Policy) PreopenedPaths() []string { return slices.Clone(p.preopenedPaths) }

// MemoryLimitPages converts the memory limit to 64 KiB Wasm pages, rounding
// down with a floor of one page.
func (p *Policy) MemoryLimitPages() uint32 {
	pages := p.memoryLimitBytes / (64 * 1024)
	if pages == 0 {
		return 1
	}
	// The Wasm32 address space tops out at 65536 pages.
	if pages > 65536 {
		return 65536
	}
	return uint32(pages)
}

// DefaultPolicy returns a policy with all defaults applied.
func DefaultPolicy() *Policy {
	p, _ := NewPolicyBuilder().Build()
	return p
}

// PolicyBuilder assembles a Policy. The zero value is not usable; call
// NewPolicyBuilder.
type PolicyBuilder struct {
	memoryLimitMB    int64
	executionTimeout time.Duration
	maxFuel          *uint64
	allowNetwork     bool
	maxHostCalls     *int
	preopenedPaths   []string
}

// NewPolicyBuilder returns a builder seeded with the defaults: 256 MB of
// memory, a 60 s timeout, 1000 host calls, network disallowed.
func NewPolicyBuilder() *PolicyBuilder {
	calls := defaultMaxHostCalls
	return &PolicyBuilder{
		memoryLimitMB:    defaultMemoryLimitMB,
		executionTimeout: defaultExecutionTimeout,
		maxHostCalls:     &calls,
	}
}

func (b *PolicyBuilder) MemoryLimitMB(n int64) *PolicyBuilder {
	b.memoryLimitMB = n
	return b
}

// ExecutionTimeout sets the wall-clock budget. Non-positive values keep the default.
func (b *PolicyBuilder) ExecutionTimeout(d time.Duration) *PolicyBuilder {
	if d > 0 {
		b.executionTimeout = d
	}
	return b
}

func (b *PolicyBuilder) MaxFuel(n uint64) *PolicyBuilder {
	b.maxFuel = &n
	return b
}

func (b *PolicyBuilder) UnlimitedFuel() *PolicyBuilder {
	b.maxFuel = nil
	return b
}

func (b *PolicyBuilder) AllowNetwork(allow bool) *PolicyBuilder {
	b.allowNetwork = allow
	return b
}

// MaxHostCalls caps host calls per execution. Negative values are clamped to zero.
func (b *PolicyBuilder) MaxHostCalls(n int) *PolicyBuilder {
	if n < 0 {
		n = 0
	}
	b.maxHostCalls = &n
	return b
}

func (b *PolicyBuilder) UnlimitedHostCalls() *PolicyBuilder {
	b.maxHostCalls = nil
	return b
}

func (b *PolicyBuilder) PreopenPath(path string) *PolicyBuilder {
	b.preopenedPaths = append(b.preopenedPaths, path)
	return b
}

// Build returns the immutable Policy. It fails only when the memory limit
// does not convert to a positive byte count.
func (b *PolicyBuilder) Build() (*Policy, error) {
	if b.memoryLimitMB <= 0 {
		return nil, &domain.ConfigError{Field: "memory_limit_mb", Reason: "must be positive"}
	}
	if b.memoryLimitMB > math.MaxInt64/bytesPerMB {
		return nil, &domain.ConfigError{Field: "memory_limit_mb", Reason: "overflows a byte count"}
	}
	p := &Policy{
		memoryLimitBytes: uint64(b.memoryLimitMB) * bytesPerMB,
		executionTimeout: b.executionTimeout,
		allowNetwork:     b.allowNetwork,
		preopenedPaths:   slices.Clone(b.preopenedPaths),
	}
	if b.maxFuel != nil {
		fuel := *b.maxFuel
		p.maxFuel = &fuel
	}
	if b.maxHostCalls != nil {
		calls := *b.maxHostCalls
		p.maxHostCalls = &calls
	}
	return p, nil
}
