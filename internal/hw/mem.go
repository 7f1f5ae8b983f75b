package hw

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNoMem is returned when a memory allocation cannot be satisfied.
var ErrNoMem = errors.New("hw: out of memory")

// Mem is a span of zero-initialized, device-visible coherent memory. Buf is
// the host view; BusAddr is the address the engine must be programmed with.
type Mem interface {
	Buf() []byte
	BusAddr() uint64
	Free()
}

// Allocator hands out coherent memory spans for buffer planes, scratch
// buffers, and codec auxiliary tables.
type Allocator interface {
	Alloc(size int) (Mem, error)
}

// SysAllocator is the system-memory allocator used when no on-chip pool is
// available (or the pool is exhausted). Bus addresses are carved from a
// private aperture so they never collide with SRAM addresses.
type SysAllocator struct {
	next   atomic.Uint64
	limit  atomic.Int64 // remaining budget in bytes, negative means unlimited
	inUse  atomic.Int64
	allocs atomic.Int64
}

const sysAperture = 0x1_0000_0000

// NewSysAllocator creates an allocator with an unlimited budget.
func NewSysAllocator() *SysAllocator {
	a := &SysAllocator{}
	a.next.Store(sysAperture)
	a.limit.Store(-1)
	return a
}

// SetBudget caps the total bytes that may be outstanding, for exhaustion
// testing. A negative budget means unlimited.
func (a *SysAllocator) SetBudget(n int64) { a.limit.Store(n) }

// InUse returns the number of outstanding bytes.
func (a *SysAllocator) InUse() int64 { return a.inUse.Load() }

// Alloc returns a zeroed span of coherent memory.
func (a *SysAllocator) Alloc(size int) (Mem, error) {
	if size <= 0 {
		return nil, ErrNoMem
	}
	if limit := a.limit.Load(); limit >= 0 && a.inUse.Load()+int64(size) > limit {
		return nil, ErrNoMem
	}
	bus := a.next.Add(uint64(size)) - uint64(size)
	a.inUse.Add(int64(size))
	a.allocs.Add(1)
	return &sysMem{buf: make([]byte, size), bus: bus, owner: a}, nil
}

type sysMem struct {
	buf   []byte
	bus   uint64
	owner *SysAllocator
	once  sync.Once
}

func (m *sysMem) Buf() []byte     { return m.buf }
func (m *sysMem) BusAddr() uint64 { return m.bus }

func (m *sysMem) Free() {
	m.once.Do(func() {
		m.owner.inUse.Add(-int64(len(m.buf)))
		m.buf = nil
	})
}
