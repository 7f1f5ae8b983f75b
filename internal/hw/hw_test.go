package hw

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRuntimePMResumeSuspend(t *testing.T) {
	t.Parallel()

	var resumed, suspended atomic.Int32
	pm := NewRuntimePM(10*time.Millisecond,
		func() error { resumed.Add(1); return nil },
		func() { suspended.Add(1) },
	)

	if err := pm.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if err := pm.Resume(); err != nil {
		t.Fatalf("Resume again: %v", err)
	}
	if got := resumed.Load(); got != 1 {
		t.Errorf("resume callbacks: got %d, want 1", got)
	}

	pm.PutAutosuspend()
	time.Sleep(50 * time.Millisecond)
	if suspended.Load() != 0 {
		t.Error("suspended while a reference was still held")
	}

	pm.PutAutosuspend()
	deadline := time.After(time.Second)
	for suspended.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("device never autosuspended")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if pm.Active() {
		t.Error("device still active after suspend")
	}
}

func TestRuntimePMResumeFailure(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("clocks stuck")
	pm := NewRuntimePM(time.Millisecond, func() error { return wantErr }, nil)

	if err := pm.Resume(); !errors.Is(err, wantErr) {
		t.Fatalf("Resume: got %v, want %v", err, wantErr)
	}
	if pm.Active() {
		t.Error("device active after failed resume")
	}
}

func TestDomainMapUnmap(t *testing.T) {
	t.Parallel()

	d := NewDomain()
	if err := d.Map(0x1000, 0x1000, 4096); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := d.Map(0x1000, 0x2000, 4096); !errors.Is(err, ErrMapExists) {
		t.Errorf("duplicate Map: got %v, want ErrMapExists", err)
	}
	if err := d.Unmap(0x1000, 4096); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := d.Unmap(0x1000, 4096); !errors.Is(err, ErrNotMapped) {
		t.Errorf("double Unmap: got %v, want ErrNotMapped", err)
	}
}

func TestTLBAttachDetach(t *testing.T) {
	t.Parallel()

	live := NewDomain()
	empty := NewDomain()
	tlb := NewTLB(live)

	tlb.Attach(empty)
	tlb.Detach(empty)
	if tlb.Attached() != nil {
		t.Error("domain still attached after detach")
	}
	tlb.Attach(live)
	if tlb.Attached() != live {
		t.Error("live domain not reattached")
	}
	if tlb.Attaches() != 2 {
		t.Errorf("attach count: got %d, want 2", tlb.Attaches())
	}
}

func TestEngineCompletion(t *testing.T) {
	t.Parallel()

	e := NewEngine(time.Millisecond, nil)
	irq := make(chan struct{}, 1)
	e.SetIRQHandler(func() { irq <- struct{}{} })
	if err := e.EnableClocks(); err != nil {
		t.Fatalf("EnableClocks: %v", err)
	}

	e.Write32(RegDecE, DecEnable)

	select {
	case <-irq:
	case <-time.After(time.Second):
		t.Fatal("no interrupt delivered")
	}
	if status := e.Read32(RegStaInt); status&StaIntDecRdy == 0 {
		t.Errorf("status %#x missing decode-ready bit", status)
	}
	if e.Read32(RegDecE) != 0 {
		t.Error("decode enable did not self-clear")
	}
}

func TestEngineUnclockedIgnoresStart(t *testing.T) {
	t.Parallel()

	e := NewEngine(time.Millisecond, nil)
	e.SetIRQHandler(func() { t.Error("interrupt from unclocked engine") })

	e.Write32(RegDecE, DecEnable)
	time.Sleep(20 * time.Millisecond)
	if e.Decodes() != 0 {
		t.Errorf("decodes started: got %d, want 0", e.Decodes())
	}
}

func TestEngineHang(t *testing.T) {
	t.Parallel()

	e := NewEngine(time.Millisecond, nil)
	e.SetMode(EngineHang)
	fired := make(chan struct{}, 1)
	e.SetIRQHandler(func() { fired <- struct{}{} })
	e.EnableClocks()

	e.Write32(RegDecE, DecEnable)
	select {
	case <-fired:
		t.Fatal("hung engine raised an interrupt")
	case <-time.After(20 * time.Millisecond):
	}
}
