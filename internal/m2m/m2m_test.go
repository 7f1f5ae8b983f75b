package m2m

import (
	"sync"
	"testing"
	"time"

	"github.com/hwdec/vdec/internal/hw"
	"github.com/hwdec/vdec/internal/vbq"
)

type passOps struct{}

func (passOps) QueueSetup(q *vbq.Queue, p *vbq.SetupParams) error {
	if p.NumPlanes == 0 {
		p.NumPlanes = 1
		p.Sizes = []int{4096}
	}
	return nil
}
func (passOps) BufPrepare(q *vbq.Queue, b *vbq.Buffer) error { return nil }
func (passOps) StartStreaming(q *vbq.Queue) error            { return nil }
func (passOps) StopStreaming(q *vbq.Queue)                   {}

func newStreamingPair(t *testing.T, n int) (*vbq.Queue, *vbq.Queue) {
	t.Helper()
	alloc := hw.NewSysAllocator()
	src := vbq.NewQueue(vbq.Output, passOps{}, alloc)
	dst := vbq.NewQueue(vbq.Capture, passOps{}, alloc)
	for _, q := range []*vbq.Queue{src, dst} {
		if err := q.RequestBuffers(n, vbq.SetupParams{}); err != nil {
			t.Fatalf("RequestBuffers: %v", err)
		}
		if err := q.StreamOn(); err != nil {
			t.Fatalf("StreamOn: %v", err)
		}
	}
	return src, dst
}

func TestScheduleNeedsBothQueues(t *testing.T) {
	t.Parallel()

	ran := make(chan *Ctx, 1)
	d := NewDev(func(c *Ctx) { ran <- c })
	src, dst := newStreamingPair(t, 2)
	d.NewCtx(nil, src, dst)

	if err := src.Enqueue(0, vbq.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue src: %v", err)
	}
	select {
	case <-ran:
		t.Fatal("job ran without a capture buffer")
	case <-time.After(20 * time.Millisecond):
	}

	if err := dst.Enqueue(0, vbq.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue dst: %v", err)
	}
	select {
	case c := <-ran:
		if d.Curr() != c {
			t.Error("Curr does not report the running context")
		}
		c.BufDoneAndJobFinish(vbq.StateDone)
	case <-time.After(time.Second):
		t.Fatal("job never dispatched")
	}
	if d.Curr() != nil {
		t.Error("device busy after job finished")
	}
}

func TestOneJobAtATime(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	ran := make(chan *Ctx, 8)
	d := NewDev(func(c *Ctx) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		ran <- c
	})

	src, dst := newStreamingPair(t, 4)
	c := d.NewCtx(nil, src, dst)
	for i := 0; i < 4; i++ {
		if err := src.Enqueue(i, vbq.EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue src %d: %v", i, err)
		}
		if err := dst.Enqueue(i, vbq.EnqueueOptions{}); err != nil {
			t.Fatalf("Enqueue dst %d: %v", i, err)
		}
	}

	for i := 0; i < 4; i++ {
		select {
		case got := <-ran:
			if got != c {
				t.Fatal("job dispatched to wrong context")
			}
			mu.Lock()
			inFlight--
			mu.Unlock()
			got.BufDoneAndJobFinish(vbq.StateDone)
		case <-time.After(time.Second):
			t.Fatalf("job %d never dispatched", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max jobs in flight: got %d, want 1", maxInFlight)
	}
}

func TestHoldCaptureKeepsDestination(t *testing.T) {
	t.Parallel()

	ran := make(chan *Ctx, 1)
	d := NewDev(func(c *Ctx) { ran <- c })
	src, dst := newStreamingPair(t, 2)
	src.SupportsHoldCapture = true
	c := d.NewCtx(nil, src, dst)

	if err := dst.Enqueue(0, vbq.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue dst: %v", err)
	}
	if err := src.Enqueue(0, vbq.EnqueueOptions{HoldCapture: true}); err != nil {
		t.Fatalf("Enqueue src: %v", err)
	}
	<-ran
	c.BufDoneAndJobFinish(vbq.StateDone)

	if got := dst.QueuedCount(); got != 1 {
		t.Fatalf("capture buffer released despite hold: queued %d", got)
	}

	// The next slice without the hold flag releases it.
	if err := src.Enqueue(1, vbq.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue src: %v", err)
	}
	<-ran
	c.BufDoneAndJobFinish(vbq.StateDone)
	if got := dst.QueuedCount(); got != 0 {
		t.Errorf("capture buffer still held: queued %d", got)
	}
}

func TestReleaseDropsPendingJob(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	ran := make(chan *Ctx, 2)
	d := NewDev(func(c *Ctx) {
		ran <- c
		<-block
	})

	srcA, dstA := newStreamingPair(t, 1)
	srcB, dstB := newStreamingPair(t, 1)
	a := d.NewCtx("a", srcA, dstA)
	b := d.NewCtx("b", srcB, dstB)

	srcA.Enqueue(0, vbq.EnqueueOptions{})
	dstA.Enqueue(0, vbq.EnqueueOptions{})
	<-ran // a occupies the device

	srcB.Enqueue(0, vbq.EnqueueOptions{})
	dstB.Enqueue(0, vbq.EnqueueOptions{})
	b.Release()

	close(block)
	a.BufDoneAndJobFinish(vbq.StateDone)

	select {
	case got := <-ran:
		t.Fatalf("released context dispatched: %v", got.Priv)
	case <-time.After(50 * time.Millisecond):
	}
}
