package hw

import "testing"

func TestPoolAllocAligned(t *testing.T) {
	t.Parallel()

	p := NewPool(0xfe00_0000, 1<<20)

	m, err := p.Alloc(100, 0x1000)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if m.BusAddr()%0x1000 != 0 {
		t.Errorf("bus address %#x not 4096-aligned", m.BusAddr())
	}
	if len(m.Buf()) != 100 {
		t.Errorf("buf len: got %d, want 100", len(m.Buf()))
	}
	for i, b := range m.Buf() {
		if b != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
}

func TestPoolFreeRestoresSpace(t *testing.T) {
	t.Parallel()

	p := NewPool(0xfe00_0000, 1<<16)
	before := p.Avail()

	var blocks []Mem
	for i := 0; i < 4; i++ {
		m, err := p.Alloc(4096, 0x1000)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		blocks = append(blocks, m)
	}
	if p.Avail() != before-4*4096 {
		t.Errorf("avail after alloc: got %d, want %d", p.Avail(), before-4*4096)
	}

	for _, m := range blocks {
		m.Free()
	}
	if p.Avail() != before {
		t.Errorf("avail after free: got %d, want %d", p.Avail(), before)
	}
}

func TestPoolExhaustion(t *testing.T) {
	t.Parallel()

	p := NewPool(0xfe00_0000, 8192)
	if _, err := p.Alloc(8192, 1); err != nil {
		t.Fatalf("Alloc full pool: %v", err)
	}
	if _, err := p.Alloc(1, 1); err != ErrNoMem {
		t.Errorf("Alloc on empty pool: got %v, want ErrNoMem", err)
	}
}

func TestPoolDoubleFree(t *testing.T) {
	t.Parallel()

	p := NewPool(0, 4096)
	m, err := p.Alloc(1024, 1)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	m.Free()
	m.Free() // second free must be a no-op
	if p.Avail() != 4096 {
		t.Errorf("avail: got %d, want 4096", p.Avail())
	}
}

func TestSysAllocatorBudget(t *testing.T) {
	t.Parallel()

	a := NewSysAllocator()
	a.SetBudget(1000)

	m, err := a.Alloc(800)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := a.Alloc(400); err != ErrNoMem {
		t.Errorf("over-budget alloc: got %v, want ErrNoMem", err)
	}
	m.Free()
	if _, err := a.Alloc(400); err != nil {
		t.Errorf("alloc after free: %v", err)
	}
}
