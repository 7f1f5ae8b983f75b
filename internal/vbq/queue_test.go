package vbq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hwdec/vdec/internal/ctrl"
	"github.com/hwdec/vdec/internal/hw"
)

type stubOps struct {
	planes     int
	sizes      []int
	prepareErr error
	startErr   error
	stopped    int
	drain      func(q *Queue)
}

func (o *stubOps) QueueSetup(q *Queue, p *SetupParams) error {
	if p.NumPlanes == 0 {
		p.NumPlanes = o.planes
		p.Sizes = append([]int(nil), o.sizes...)
		return nil
	}
	if p.NumPlanes != o.planes {
		return ErrInvalid
	}
	for i, sz := range p.Sizes {
		if sz < o.sizes[i] {
			return ErrInvalid
		}
	}
	return nil
}

func (o *stubOps) BufPrepare(q *Queue, b *Buffer) error { return o.prepareErr }

func (o *stubOps) StartStreaming(q *Queue) error { return o.startErr }

func (o *stubOps) StopStreaming(q *Queue) {
	o.stopped++
	if o.drain != nil {
		o.drain(q)
	}
}

func newTestQueue(t *testing.T, dir Direction, ops *stubOps) *Queue {
	t.Helper()
	if ops.planes == 0 {
		ops.planes = 1
		ops.sizes = []int{4096}
	}
	return NewQueue(dir, ops, hw.NewSysAllocator())
}

func TestRequestBuffersFillsLayout(t *testing.T) {
	t.Parallel()

	ops := &stubOps{planes: 2, sizes: []int{1 << 20, 1 << 16}}
	q := newTestQueue(t, Capture, ops)

	if err := q.RequestBuffers(4, SetupParams{}); err != nil {
		t.Fatalf("RequestBuffers: %v", err)
	}
	if got := q.NumBuffers(); got != 4 {
		t.Fatalf("NumBuffers: got %d, want 4", got)
	}
	if !q.Busy() {
		t.Error("queue not busy after allocation")
	}

	if err := q.RequestBuffers(0, SetupParams{}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if q.Busy() {
		t.Error("queue busy after release")
	}
}

func TestRequestBuffersValidatesCallerLayout(t *testing.T) {
	t.Parallel()

	ops := &stubOps{planes: 1, sizes: []int{8192}}
	q := newTestQueue(t, Output, ops)

	err := q.RequestBuffers(2, SetupParams{NumPlanes: 1, Sizes: []int{4096}})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("undersized plane: got %v, want ErrInvalid", err)
	}
	err = q.RequestBuffers(2, SetupParams{NumPlanes: 1, Sizes: []int{16384}})
	if err != nil {
		t.Errorf("oversized plane rejected: %v", err)
	}
}

func TestRequestBuffersRejectsShortSizes(t *testing.T) {
	t.Parallel()

	ops := &stubOps{planes: 2, sizes: []int{4096, 4096}}
	q := newTestQueue(t, Output, ops)

	// A plane count with fewer sizes than planes must be rejected, not
	// index past the slice.
	err := q.RequestBuffers(1, SetupParams{NumPlanes: 2, Sizes: []int{8192}})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("short sizes: got %v, want ErrInvalid", err)
	}
	if q.Busy() {
		t.Error("buffers allocated despite short sizes")
	}
}

func TestRequestBuffersAllocationRollback(t *testing.T) {
	t.Parallel()

	alloc := hw.NewSysAllocator()
	alloc.SetBudget(3 * 4096)
	ops := &stubOps{planes: 1, sizes: []int{4096}}
	q := NewQueue(Output, ops, alloc)

	if err := q.RequestBuffers(8, SetupParams{}); !errors.Is(err, hw.ErrNoMem) {
		t.Fatalf("RequestBuffers: got %v, want ErrNoMem", err)
	}
	if got := alloc.InUse(); got != 0 {
		t.Errorf("memory leaked after failed allocation: %d bytes", got)
	}
	if q.Busy() {
		t.Error("queue busy after failed allocation")
	}
}

func TestEnqueueRejections(t *testing.T) {
	t.Parallel()

	capOps := &stubOps{}
	capQ := newTestQueue(t, Capture, capOps)
	if err := capQ.RequestBuffers(1, SetupParams{}); err != nil {
		t.Fatalf("RequestBuffers: %v", err)
	}
	err := capQ.Enqueue(0, EnqueueOptions{Request: ctrl.NewRequest()})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("request on capture queue: got %v, want ErrInvalid", err)
	}

	outOps := &stubOps{}
	outQ := newTestQueue(t, Output, outOps)
	if err := outQ.RequestBuffers(1, SetupParams{}); err != nil {
		t.Fatalf("RequestBuffers: %v", err)
	}
	if err := outQ.Enqueue(3, EnqueueOptions{}); !errors.Is(err, ErrInvalid) {
		t.Errorf("bad index: got %v, want ErrInvalid", err)
	}
	if err := outQ.Enqueue(0, EnqueueOptions{HoldCapture: true}); !errors.Is(err, ErrInvalid) {
		t.Errorf("hold-capture without support: got %v, want ErrInvalid", err)
	}

	if err := outQ.Enqueue(0, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := outQ.Enqueue(0, EnqueueOptions{}); !errors.Is(err, ErrBusy) {
		t.Errorf("double enqueue: got %v, want ErrBusy", err)
	}
}

func TestEnqueueNotifiesScheduler(t *testing.T) {
	t.Parallel()

	ops := &stubOps{}
	q := newTestQueue(t, Output, ops)
	if err := q.RequestBuffers(2, SetupParams{}); err != nil {
		t.Fatalf("RequestBuffers: %v", err)
	}

	var notified int
	q.SetOnQueued(func() { notified++ })

	if err := q.Enqueue(0, EnqueueOptions{Timestamp: 100}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if notified != 1 {
		t.Errorf("notifications: got %d, want 1", notified)
	}
	b := q.NextQueued()
	if b == nil || b.Timestamp != 100 {
		t.Fatalf("NextQueued: got %+v", b)
	}
	if got := q.QueuedCount(); got != 1 {
		t.Errorf("QueuedCount: got %d, want 1", got)
	}
}

func TestStreamOnRequiresBuffers(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Output, &stubOps{})
	if err := q.StreamOn(); !errors.Is(err, ErrInvalid) {
		t.Errorf("StreamOn without buffers: got %v, want ErrInvalid", err)
	}
}

func TestStreamOnStartFailure(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("scratch allocation failed")
	ops := &stubOps{startErr: wantErr}
	q := newTestQueue(t, Output, ops)
	if err := q.RequestBuffers(1, SetupParams{}); err != nil {
		t.Fatalf("RequestBuffers: %v", err)
	}
	if err := q.StreamOn(); !errors.Is(err, wantErr) {
		t.Errorf("StreamOn: got %v, want %v", err, wantErr)
	}
	if q.Streaming() {
		t.Error("streaming after failed start")
	}
}

func TestStreamOffDrainsQueued(t *testing.T) {
	t.Parallel()

	ops := &stubOps{}
	ops.drain = func(q *Queue) {
		for b := q.RemoveQueued(); b != nil; b = q.RemoveQueued() {
			q.MarkDone(b, StateError)
		}
	}
	q := newTestQueue(t, Output, ops)
	if err := q.RequestBuffers(2, SetupParams{}); err != nil {
		t.Fatalf("RequestBuffers: %v", err)
	}
	if err := q.StreamOn(); err != nil {
		t.Fatalf("StreamOn: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(i, EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	q.StreamOff()
	if q.Streaming() {
		t.Error("still streaming after StreamOff")
	}
	if ops.stopped != 1 {
		t.Errorf("stop hook runs: got %d, want 1", ops.stopped)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		b, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if b.State != StateError {
			t.Errorf("drained buffer state: got %v, want error", b.State)
		}
	}
	// Repeated StreamOff is a no-op.
	q.StreamOff()
	if ops.stopped != 1 {
		t.Errorf("stop hook reran: got %d runs", ops.stopped)
	}
}

func TestDequeueBlocksUntilDone(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t, Capture, &stubOps{})
	if err := q.RequestBuffers(1, SetupParams{}); err != nil {
		t.Fatalf("RequestBuffers: %v", err)
	}
	if err := q.Enqueue(0, EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		b := q.RemoveQueued()
		q.MarkDone(b, StateDone)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if b.State != StateDone {
		t.Errorf("state: got %v, want done", b.State)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	if _, err := q.Dequeue(ctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("empty Dequeue: got %v, want deadline exceeded", err)
	}
}

func TestCopyMetadata(t *testing.T) {
	t.Parallel()

	src := &Buffer{Timestamp: 42}
	dst := &Buffer{}
	CopyMetadata(dst, src)
	if dst.Timestamp != 42 {
		t.Errorf("timestamp: got %d, want 42", dst.Timestamp)
	}
}
