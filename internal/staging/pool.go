package staging

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fxnlabs/staging-node/internal/gpu"
)

// Allocator provides pinned host memory. gpu.Driver implementations satisfy it.
type Allocator interface {
	AllocPinned(size int) (gpu.HostMemory, error)
	FreePinned(mem gpu.HostMemory) error
}

// Observer receives pool events, for metrics. Methods are called with the
// pool lock held and must not call back into the pool.
type Observer interface {
	Acquired(reused bool)
	Allocated(bytes int)
	AllocationFailed()
	Released()
	Freed(bytes int)
}

// State is the reservation state of a Buffer.
type State int

const (
	// StateFree means the buffer can be handed out.
	StateFree State = iota
	// StateInUse means the buffer is reserved by one lease.
	StateInUse
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateInUse:
		return "InUse"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Buffer is one pinned allocation owned by a Pool.
type Buffer struct {
	capacity   int
	mem        gpu.HostMemory
	state      State
	generation uint64
	inFlight   bool
}

// Capacity returns the allocated size in bytes.
func (b *Buffer) Capacity() int { return b.capacity }

// Lease is the reservation of a buffer returned by Acquire. It is a value;
// copies of a lease refer to the same reservation.
type Lease struct {
	pool *Pool
	buf  *Buffer
	gen  uint64
}

// Buffer returns the reserved buffer.
func (l Lease) Buffer() *Buffer { return l.buf }

// Generation identifies the acquisition. It increases every time the
// buffer is handed out.
func (l Lease) Generation() uint64 { return l.gen }

// Capacity returns the capacity of the reserved buffer.
func (l Lease) Capacity() int {
	if l.buf == nil {
		return 0
	}
	return l.buf.capacity
}

// Memory returns the pinned region backing the lease.
func (l Lease) Memory() gpu.HostMemory {
	if l.buf == nil {
		return gpu.HostMemory{}
	}
	return l.buf.mem
}

// Bytes returns the whole pinned region. It must not be used after Release.
func (l Lease) Bytes() []byte {
	if l.buf == nil {
		return nil
	}
	return l.buf.mem.Data[:l.buf.capacity]
}

// Valid reports whether the lease came from Acquire.
func (l Lease) Valid() bool { return l.pool != nil && l.buf != nil }

// BufferInfo is a snapshot of one buffer.
type BufferInfo struct {
	Capacity   int    `json:"capacity"`
	State      State  `json:"state"`
	Generation uint64 `json:"generation"`
	InFlight   bool   `json:"inFlight"`
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Buffers        int    `json:"buffers"`
	InUse          int    `json:"inUse"`
	BytesAllocated int64  `json:"bytesAllocated"`
	Hits           uint64 `json:"hits"`   // acquisitions served by an existing buffer
	Misses         uint64 `json:"misses"` // acquisitions that allocated
	AllocFailures  uint64 `json:"allocFailures"`
}

// Option configures a Pool.
type Option func(*Pool)

// WithSizePolicy sets how new allocations are sized.
func WithSizePolicy(policy SizePolicy) Option {
	return func(p *Pool) {
		if policy != nil {
			p.policy = policy
		}
	}
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		p.observer = o
	}
}

// Pool hands out pinned staging buffers. It is safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	alloc    Allocator
	policy   SizePolicy
	observer Observer
	buffers  []*Buffer
	stats    Stats
	closed   bool
}

// NewPool creates an empty pool allocating from alloc.
func NewPool(alloc Allocator, opts ...Option) *Pool {
	p := &Pool{
		alloc:    alloc,
		policy:   DefaultPolicy(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	return p
}

// Acquire reserves a buffer of at least minCapacity bytes. The first free
// buffer in allocation order that is large enough is reused; otherwise a
// new buffer sized by the pool's SizePolicy is allocated and appended.
func (p *Pool) Acquire(minCapacity int) (Lease, error) {
	if minCapacity <= 0 {
		return Lease{}, fmt.Errorf("%w: %d", ErrInvalidCapacity, minCapacity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Lease{}, ErrPoolClosed
	}

	for _, b := range p.buffers {
		if b.state == StateFree && b.capacity >= minCapacity {
			p.stats.Hits++
			p.observer.Acquired(true)
			return p.reserve(b), nil
		}
	}

	size := p.policy.Round(minCapacity)
	if size < minCapacity {
		size = minCapacity
	}
	mem, err := p.alloc.AllocPinned(size)
	if err != nil {
		p.stats.AllocFailures++
		p.observer.AllocationFailed()
		return Lease{}, &AllocationError{Size: size, Err: err}
	}
	if mem.Len() < size {
		_ = p.alloc.FreePinned(mem)
		p.stats.AllocFailures++
		p.observer.AllocationFailed()
		return Lease{}, &AllocationError{
			Size: size,
			Err:  fmt.Errorf("allocator returned %d bytes", mem.Len()),
		}
	}

	b := &Buffer{capacity: size, mem: mem}
	p.buffers = append(p.buffers, b)
	p.stats.Misses++
	p.stats.BytesAllocated += int64(size)
	p.observer.Allocated(size)
	p.observer.Acquired(false)
	return p.reserve(b), nil
}

// reserve marks b in use under a new generation. Must hold p.mu.
func (p *Pool) reserve(b *Buffer) Lease {
	b.state = StateInUse
	b.generation++
	p.stats.InUse++
	return Lease{pool: p, buf: b, gen: b.generation}
}

// check validates that l still holds its reservation. Must hold p.mu.
func (p *Pool) check(l Lease) error {
	if l.pool != p || l.buf == nil {
		return &ProtocolViolation{Kind: ForeignLease, Generation: l.gen}
	}
	if l.buf.state != StateInUse || l.buf.generation != l.gen {
		return &ProtocolViolation{Kind: DoubleRelease, Generation: l.gen}
	}
	return nil
}

// MarkInFlight records that an asynchronous copy using the lease was
// submitted. Release fails until MarkComplete is called.
func (p *Pool) MarkInFlight(l Lease) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if err := p.check(l); err != nil {
		return err
	}
	if l.buf.inFlight {
		return &ProtocolViolation{Kind: AlreadyInFlight, Generation: l.gen}
	}
	l.buf.inFlight = true
	return nil
}

// MarkComplete records that the driver reported the copy finished,
// successfully or not.
func (p *Pool) MarkComplete(l Lease) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if err := p.check(l); err != nil {
		return err
	}
	if !l.buf.inFlight {
		return &ProtocolViolation{Kind: NotInFlight, Generation: l.gen}
	}
	l.buf.inFlight = false
	return nil
}

// Release returns the buffer to the pool. It must be called exactly once per
// Acquire, after the copy using the buffer completed.
func (p *Pool) Release(l Lease) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	if err := p.check(l); err != nil {
		return err
	}
	if l.buf.inFlight {
		return &ProtocolViolation{Kind: ReleaseInFlight, Generation: l.gen}
	}
	l.buf.state = StateFree
	p.stats.InUse--
	p.observer.Released()
	return nil
}

// Len returns the number of buffers the pool owns.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Buffers = len(p.buffers)
	return s
}

// Buffers returns a snapshot of all buffers in allocation order.
func (p *Pool) Buffers() []BufferInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]BufferInfo, len(p.buffers))
	for i, b := range p.buffers {
		out[i] = BufferInfo{
			Capacity:   b.capacity,
			State:      b.state,
			Generation: b.generation,
			InFlight:   b.inFlight,
		}
	}
	return out
}

// Close frees every buffer. It fails with ErrPoolBusy while any lease is
// outstanding and leaves the pool untouched in that case. Closing a closed
// pool is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if p.stats.InUse > 0 {
		return fmt.Errorf("%w: %d of %d", ErrPoolBusy, p.stats.InUse, len(p.buffers))
	}

	var errs []error
	for _, b := range p.buffers {
		if err := p.alloc.FreePinned(b.mem); err != nil {
			errs = append(errs, err)
		}
		p.observer.Freed(b.capacity)
	}
	p.buffers = nil
	p.stats.BytesAllocated = 0
	p.closed = true
	return errors.Join(errs...)
}

type nopObserver struct{}

func (nopObserver) Acquired(bool)     {}
func (nopObserver) Allocated(int)     {}
func (nopObserver) AllocationFailed() {}
func (nopObserver) Released()         {}
func (nopObserver) Freed(int)         {}
