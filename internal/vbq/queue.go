// Package vbq implements the multiplanar buffer queues that carry coded and
// decoded picture buffers between a client session and the decode engine:
// admission, busy/streaming predicates, per-buffer control requests, and
// completion delivery.
package vbq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hwdec/vdec/internal/ctrl"
	"github.com/hwdec/vdec/internal/hw"
)

// Direction identifies which end of the pipeline a queue feeds.
type Direction int

const (
	// Output is the coded (bitstream) direction, client to device.
	Output Direction = iota
	// Capture is the decoded direction, device to client.
	Capture
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "capture"
}

// BufState is the lifecycle state of a buffer.
type BufState int

const (
	// StateDequeued: owned by the client, not queued.
	StateDequeued BufState = iota
	// StateQueued: admitted, awaiting or undergoing hardware processing.
	StateQueued
	// StateDone: processed successfully, awaiting Dequeue.
	StateDone
	// StateError: processing failed or was aborted, awaiting Dequeue.
	StateError
)

func (s BufState) String() string {
	switch s {
	case StateDequeued:
		return "dequeued"
	case StateQueued:
		return "queued"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Queue errors.
var (
	ErrBusy    = errors.New("vbq: queue busy")
	ErrInvalid = errors.New("vbq: invalid argument")
)

// Plane is one memory plane of a buffer.
type Plane struct {
	Mem       hw.Mem
	Length    int
	BytesUsed int
}

// Buffer is one picture buffer. Output buffers may carry a control Request
// holding the per-picture decode parameters; HoldCapture asks the device to
// keep the paired capture buffer for the next slice when the format
// supports it.
type Buffer struct {
	Index       int
	Dir         Direction
	Planes      []Plane
	Timestamp   int64
	HoldCapture bool
	Request     *ctrl.Request
	State       BufState
}

// CopyMetadata copies frame metadata from a consumed source buffer to the
// produced destination buffer so clients can pair them.
func CopyMetadata(dst, src *Buffer) {
	dst.Timestamp = src.Timestamp
}

// SetupParams carries the plane topology negotiation of RequestBuffers.
// A zero NumPlanes asks the owner to fill count and sizes from the current
// format; a non-zero NumPlanes must match the format and each size must be
// large enough.
type SetupParams struct {
	NumPlanes int
	Sizes     []int
}

// Ops are the owner-provided queue lifecycle hooks.
type Ops interface {
	QueueSetup(q *Queue, p *SetupParams) error
	BufPrepare(q *Queue, b *Buffer) error
	StartStreaming(q *Queue) error
	StopStreaming(q *Queue)
}

// Queue is one direction's buffer queue.
type Queue struct {
	Dir Direction
	// SupportsHoldCapture enables the held-capture-buffer flag on queued
	// output buffers; set from the negotiated coded format's capability.
	SupportsHoldCapture bool

	ops   Ops
	alloc hw.Allocator

	mu        sync.Mutex
	bufs      []*Buffer
	queued    []*Buffer
	doneCh    chan *Buffer
	streaming bool
	onQueued  func()
}

// NewQueue creates a queue whose buffer planes are carved from alloc.
func NewQueue(dir Direction, ops Ops, alloc hw.Allocator) *Queue {
	return &Queue{Dir: dir, ops: ops, alloc: alloc}
}

// SetOnQueued installs the scheduler notification callback, invoked after
// each successful Enqueue and StreamOn.
func (q *Queue) SetOnQueued(fn func()) {
	q.mu.Lock()
	q.onQueued = fn
	q.mu.Unlock()
}

// Busy reports whether the queue has buffers allocated.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bufs) > 0
}

// Streaming reports whether the queue is streaming.
func (q *Queue) Streaming() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.streaming
}

// Buffer returns the buffer at index, or nil when out of range. Buffers
// stay valid until released by RequestBuffers.
func (q *Queue) Buffer(index int) *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.bufs) {
		return nil
	}
	return q.bufs[index]
}

// NumBuffers returns the number of allocated buffers.
func (q *Queue) NumBuffers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bufs)
}

// RequestBuffers allocates count buffers with the negotiated plane layout,
// or releases all buffers when count is zero. The queue must not be
// streaming.
func (q *Queue) RequestBuffers(count int, params SetupParams) error {
	q.mu.Lock()
	if q.streaming {
		q.mu.Unlock()
		return ErrBusy
	}
	q.mu.Unlock()

	if count == 0 {
		return q.releaseBuffers()
	}

	if err := q.ops.QueueSetup(q, &params); err != nil {
		return err
	}
	if len(params.Sizes) < params.NumPlanes {
		return fmt.Errorf("vbq: %d plane sizes for %d planes: %w",
			len(params.Sizes), params.NumPlanes, ErrInvalid)
	}

	bufs := make([]*Buffer, 0, count)
	for i := 0; i < count; i++ {
		b := &Buffer{Index: i, Dir: q.Dir}
		for p := 0; p < params.NumPlanes; p++ {
			mem, err := q.alloc.Alloc(params.Sizes[p])
			if err != nil {
				for _, ob := range bufs {
					freePlanes(ob)
				}
				freePlanes(b)
				return fmt.Errorf("vbq: plane allocation: %w", err)
			}
			b.Planes = append(b.Planes, Plane{Mem: mem, Length: params.Sizes[p]})
		}
		bufs = append(bufs, b)
	}

	q.mu.Lock()
	old := q.bufs
	q.bufs = bufs
	q.queued = nil
	q.doneCh = make(chan *Buffer, count)
	q.mu.Unlock()

	for _, b := range old {
		freePlanes(b)
	}
	return nil
}

func (q *Queue) releaseBuffers() error {
	q.mu.Lock()
	old := q.bufs
	q.bufs = nil
	q.queued = nil
	q.doneCh = nil
	q.mu.Unlock()

	for _, b := range old {
		freePlanes(b)
	}
	return nil
}

func freePlanes(b *Buffer) {
	for _, p := range b.Planes {
		if p.Mem != nil {
			p.Mem.Free()
		}
	}
	b.Planes = nil
}

// EnqueueOptions carries per-buffer admission parameters.
type EnqueueOptions struct {
	Timestamp   int64
	BytesUsed   int           // payload length of plane 0, output direction
	Request     *ctrl.Request // output direction only
	HoldCapture bool
}

// Enqueue admits buffer index for processing.
func (q *Queue) Enqueue(index int, opts EnqueueOptions) error {
	q.mu.Lock()
	if index < 0 || index >= len(q.bufs) {
		q.mu.Unlock()
		return ErrInvalid
	}
	b := q.bufs[index]
	if b.State == StateQueued {
		q.mu.Unlock()
		return ErrBusy
	}
	if opts.Request != nil && q.Dir != Output {
		q.mu.Unlock()
		return fmt.Errorf("vbq: control request on %s queue: %w", q.Dir, ErrInvalid)
	}
	if opts.HoldCapture && !q.SupportsHoldCapture {
		q.mu.Unlock()
		return fmt.Errorf("vbq: hold-capture not supported: %w", ErrInvalid)
	}
	q.mu.Unlock()

	b.Timestamp = opts.Timestamp
	b.Request = opts.Request
	b.HoldCapture = opts.HoldCapture
	if len(b.Planes) > 0 {
		b.Planes[0].BytesUsed = opts.BytesUsed
	}

	if err := q.ops.BufPrepare(q, b); err != nil {
		return err
	}

	q.mu.Lock()
	b.State = StateQueued
	q.queued = append(q.queued, b)
	notify := q.onQueued
	q.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// StreamOn starts streaming, running the owner's start hook first.
func (q *Queue) StreamOn() error {
	q.mu.Lock()
	if q.streaming {
		q.mu.Unlock()
		return nil
	}
	if len(q.bufs) == 0 {
		q.mu.Unlock()
		return fmt.Errorf("vbq: no buffers allocated: %w", ErrInvalid)
	}
	notify := q.onQueued
	q.mu.Unlock()

	if err := q.ops.StartStreaming(q); err != nil {
		return err
	}

	q.mu.Lock()
	q.streaming = true
	q.mu.Unlock()

	if notify != nil {
		notify()
	}
	return nil
}

// StreamOff stops streaming. The owner's stop hook is expected to drain all
// still-queued buffers back to the client in the error state.
func (q *Queue) StreamOff() {
	q.mu.Lock()
	if !q.streaming {
		q.mu.Unlock()
		return
	}
	q.streaming = false
	q.mu.Unlock()

	q.ops.StopStreaming(q)
}

// NextQueued returns the oldest queued buffer without removing it.
func (q *Queue) NextQueued() *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queued) == 0 {
		return nil
	}
	return q.queued[0]
}

// RemoveQueued removes and returns the oldest queued buffer, or nil.
func (q *Queue) RemoveQueued() *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queued) == 0 {
		return nil
	}
	b := q.queued[0]
	q.queued = q.queued[1:]
	return b
}

// QueuedCount returns the number of buffers awaiting processing.
func (q *Queue) QueuedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued)
}

// MarkDone hands a removed buffer back to the client with a final state and
// completes its control request, if any.
func (q *Queue) MarkDone(b *Buffer, state BufState) {
	q.mu.Lock()
	b.State = state
	ch := q.doneCh
	q.mu.Unlock()

	if b.Request != nil {
		b.Request.Complete()
	}

	if ch != nil {
		select {
		case ch <- b:
		default:
			// Capacity equals the buffer count; a full channel means the
			// buffer was already delivered.
		}
	}
}

// Dequeue blocks until a finished buffer is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*Buffer, error) {
	q.mu.Lock()
	ch := q.doneCh
	q.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("vbq: no buffers allocated: %w", ErrInvalid)
	}

	select {
	case b := <-ch:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
