package hw

import (
	"fmt"
	"sync"
)

// Pool is a first-fit allocator over a contiguous on-chip SRAM aperture.
// SRAM is much faster than system memory for the engine's scratch accesses
// but small, so callers are expected to fall back to system memory when an
// allocation fails.
type Pool struct {
	base uint64
	buf  []byte

	mu   sync.Mutex
	free []span // sorted by offset, non-adjacent
}

type span struct {
	off  uint64
	size int
}

// NewPool creates an SRAM pool backed by size bytes at the given bus address.
func NewPool(base uint64, size int) *Pool {
	return &Pool{
		base: base,
		buf:  make([]byte, size),
		free: []span{{off: 0, size: size}},
	}
}

// Size returns the total capacity of the pool in bytes.
func (p *Pool) Size() int { return len(p.buf) }

// Avail returns the number of free bytes in the pool.
func (p *Pool) Avail() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, s := range p.free {
		total += s.size
	}
	return total
}

// Alloc carves a zeroed, align-aligned block out of the pool. The returned
// Mem frees itself back into the pool.
func (p *Pool) Alloc(size, align int) (Mem, error) {
	if size <= 0 {
		return nil, ErrNoMem
	}
	if align <= 0 {
		align = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.free {
		// Alignment is relative to the bus address, not the pool offset.
		start := alignUp(p.base+s.off, uint64(align)) - p.base
		pad := int(start - s.off)
		if pad+size > s.size {
			continue
		}

		// Split the span: leading pad, the block, trailing remainder.
		var repl []span
		if pad > 0 {
			repl = append(repl, span{off: s.off, size: pad})
		}
		if rest := s.size - pad - size; rest > 0 {
			repl = append(repl, span{off: start + uint64(size), size: rest})
		}
		p.free = append(p.free[:i], append(repl, p.free[i+1:]...)...)

		blk := p.buf[start : start+uint64(size)]
		clear(blk)
		return &poolMem{pool: p, off: start, buf: blk}, nil
	}

	return nil, ErrNoMem
}

func (p *Pool) release(off uint64, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Insert keeping offset order, then merge neighbours.
	i := 0
	for i < len(p.free) && p.free[i].off < off {
		i++
	}
	p.free = append(p.free[:i], append([]span{{off: off, size: size}}, p.free[i:]...)...)

	merged := p.free[:1]
	for _, s := range p.free[1:] {
		last := &merged[len(merged)-1]
		if last.off+uint64(last.size) == s.off {
			last.size += s.size
		} else {
			merged = append(merged, s)
		}
	}
	p.free = merged
}

type poolMem struct {
	pool *Pool
	off  uint64
	buf  []byte

	once sync.Once
}

func (m *poolMem) Buf() []byte     { return m.buf }
func (m *poolMem) BusAddr() uint64 { return m.pool.base + m.off }

func (m *poolMem) Free() {
	m.once.Do(func() {
		m.pool.release(m.off, len(m.buf))
		m.buf = nil
	})
}

func alignUp(x, align uint64) uint64 {
	return (x + align - 1) / align * align
}

func (s span) String() string { return fmt.Sprintf("[%#x+%#x]", s.off, s.size) }
