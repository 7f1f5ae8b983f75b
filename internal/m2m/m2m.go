// Package m2m schedules memory-to-memory hardware jobs: it admits a session
// once both its queues can supply a buffer pair, runs at most one job on the
// device at a time in FIFO order, and hands finished buffer pairs back to
// their queues.
package m2m

import (
	"sync"

	"github.com/hwdec/vdec/internal/vbq"
)

// RunFunc is the device-run callback. It executes in its own goroutine
// (task context) and may block, e.g. while resuming device power. The
// scheduler guarantees at most one invocation is in flight per Dev.
type RunFunc func(c *Ctx)

// Dev is the per-device job scheduler.
type Dev struct {
	run RunFunc

	mu   sync.Mutex
	jobs []*Ctx
	curr *Ctx
}

// NewDev creates a scheduler dispatching jobs to run.
func NewDev(run RunFunc) *Dev {
	return &Dev{run: run}
}

// Ctx binds one session's queue pair into the scheduler.
type Ctx struct {
	// Priv is the owning session, opaque to the scheduler.
	Priv any
	Src  *vbq.Queue
	Dst  *vbq.Queue

	dev       *Dev
	scheduled bool
	running   bool
	released  bool
}

// NewCtx registers a session's queues with the scheduler. The context
// re-evaluates its schedulability whenever either queue admits a buffer or
// starts streaming.
func (d *Dev) NewCtx(priv any, src, dst *vbq.Queue) *Ctx {
	c := &Ctx{Priv: priv, Src: src, Dst: dst, dev: d}
	src.SetOnQueued(c.TrySchedule)
	dst.SetOnQueued(c.TrySchedule)
	return c
}

// Curr returns the context whose job is currently on the device, or nil.
func (d *Dev) Curr() *Ctx {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.curr
}

// TrySchedule queues the context for dispatch if both directions are
// streaming and have a buffer ready. Idempotent while already scheduled
// or running.
func (c *Ctx) TrySchedule() {
	if !c.Src.Streaming() || !c.Dst.Streaming() {
		return
	}
	if c.Src.NextQueued() == nil || c.Dst.NextQueued() == nil {
		return
	}

	d := c.dev
	d.mu.Lock()
	if c.released || c.scheduled || c.running {
		d.mu.Unlock()
		return
	}
	c.scheduled = true
	d.jobs = append(d.jobs, c)
	d.tryRunLocked()
	d.mu.Unlock()
}

// tryRunLocked dispatches the next job when the device is idle.
// Called with d.mu held.
func (d *Dev) tryRunLocked() {
	if d.curr != nil || len(d.jobs) == 0 {
		return
	}
	c := d.jobs[0]
	d.jobs = d.jobs[1:]
	c.scheduled = false
	c.running = true
	d.curr = c
	go d.run(c)
}

// BufDoneAndJobFinish removes the job's buffer pair from the queues, hands
// the buffers back in the given state, and releases the device for the next
// job. When the source buffer asks to hold the capture buffer (and the
// queue supports it), the destination buffer stays queued for the next
// slice.
func (c *Ctx) BufDoneAndJobFinish(state vbq.BufState) {
	src := c.Src.RemoveQueued()

	hold := src != nil && src.HoldCapture && c.Src.SupportsHoldCapture
	var dst *vbq.Buffer
	if !hold {
		dst = c.Dst.RemoveQueued()
	}

	if src != nil {
		c.Src.MarkDone(src, state)
	}
	if dst != nil {
		c.Dst.MarkDone(dst, state)
	}

	d := c.dev
	d.mu.Lock()
	if d.curr == c {
		d.curr = nil
	}
	c.running = false
	d.tryRunLocked()
	d.mu.Unlock()

	// The session may already have another pair ready.
	c.TrySchedule()
}

// Release detaches the context from the scheduler. Any pending scheduling
// slot is dropped; a running job must have finished already.
func (c *Ctx) Release() {
	d := c.dev
	d.mu.Lock()
	c.released = true
	for i, j := range d.jobs {
		if j == c {
			d.jobs = append(d.jobs[:i], d.jobs[i+1:]...)
			break
		}
	}
	c.scheduled = false
	d.mu.Unlock()

	c.Src.SetOnQueued(nil)
	c.Dst.SetOnQueued(nil)
}
