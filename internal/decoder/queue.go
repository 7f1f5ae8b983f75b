package decoder

import (
	"fmt"

	"github.com/hwdec/vdec/internal/pixfmt"
	"github.com/hwdec/vdec/internal/vbq"
)

// queueSetup negotiates the plane topology of a queue against a format: a
// zero request is filled in, a non-zero one must match the plane count and
// offer at least the format's sizes.
func queueSetup(f *pixfmt.Format, p *vbq.SetupParams) error {
	if p.NumPlanes == 0 {
		p.NumPlanes = f.NumPlanes()
		p.Sizes = p.Sizes[:0]
		for _, pl := range f.Planes {
			p.Sizes = append(p.Sizes, int(pl.SizeImage))
		}
		return nil
	}
	if p.NumPlanes != f.NumPlanes() {
		return fmt.Errorf("decoder: plane count %d, format has %d: %w",
			p.NumPlanes, f.NumPlanes(), ErrInvalid)
	}
	if len(p.Sizes) < p.NumPlanes {
		return fmt.Errorf("decoder: %d plane sizes for %d planes: %w",
			len(p.Sizes), p.NumPlanes, ErrInvalid)
	}
	for i, pl := range f.Planes {
		if p.Sizes[i] < int(pl.SizeImage) {
			return fmt.Errorf("decoder: plane %d size %d below %d: %w",
				i, p.Sizes[i], pl.SizeImage, ErrInvalid)
		}
	}
	return nil
}

func bufPrepare(f *pixfmt.Format, b *vbq.Buffer) error {
	for i, pl := range f.Planes {
		if b.Planes[i].Length < int(pl.SizeImage) {
			return fmt.Errorf("decoder: buffer %d plane %d too small: %w",
				b.Index, i, ErrInvalid)
		}
	}
	return nil
}

// drain hands every still-queued buffer back in the error state. Requests
// attached to drained buffers complete along the way.
func drain(q *vbq.Queue) {
	for b := q.RemoveQueued(); b != nil; b = q.RemoveQueued() {
		q.MarkDone(b, vbq.StateError)
	}
}

// outputOps drives the coded queue. Starting it allocates the per-stream
// scratch buffers and the codec state; stopping it tears both down.
type outputOps struct {
	s *Session
}

func (o *outputOps) QueueSetup(q *vbq.Queue, p *vbq.SetupParams) error {
	f := o.s.CodedFmt()
	return queueSetup(&f, p)
}

func (o *outputOps) BufPrepare(q *vbq.Queue, b *vbq.Buffer) error {
	f := o.s.CodedFmt()
	if err := bufPrepare(&f, b); err != nil {
		return err
	}
	if b.Planes[0].BytesUsed == 0 || b.Planes[0].BytesUsed > b.Planes[0].Length {
		return fmt.Errorf("decoder: buffer %d bad bitstream length %d: %w",
			b.Index, b.Planes[0].BytesUsed, ErrInvalid)
	}
	return nil
}

func (o *outputOps) StartStreaming(q *vbq.Queue) error {
	s := o.s
	if err := s.allocateRCB(); err != nil {
		return err
	}
	if err := s.desc.Ops.Start(s); err != nil {
		s.freeRCB()
		return err
	}
	return nil
}

func (o *outputOps) StopStreaming(q *vbq.Queue) {
	s := o.s
	s.desc.Ops.Stop(s)
	s.freeRCB()
	drain(q)
}

// captureOps drives the decoded queue.
type captureOps struct {
	s *Session
}

func (o *captureOps) QueueSetup(q *vbq.Queue, p *vbq.SetupParams) error {
	f := o.s.DecodedFmt()
	return queueSetup(&f, p)
}

func (o *captureOps) BufPrepare(q *vbq.Queue, b *vbq.Buffer) error {
	f := o.s.DecodedFmt()
	if err := bufPrepare(&f, b); err != nil {
		return err
	}
	// The engine always writes the full plane.
	for i, pl := range f.Planes {
		b.Planes[i].BytesUsed = int(pl.SizeImage)
	}
	return nil
}

func (o *captureOps) StartStreaming(q *vbq.Queue) error { return nil }

func (o *captureOps) StopStreaming(q *vbq.Queue) {
	drain(q)
}
