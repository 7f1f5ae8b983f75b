package decoder

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/hwdec/vdec/internal/ctrl"
	"github.com/hwdec/vdec/internal/hw"
	"github.com/hwdec/vdec/internal/m2m"
	"github.com/hwdec/vdec/internal/pixfmt"
	"github.com/hwdec/vdec/internal/vbq"
)

// Session is one decode stream: a pair of buffer queues, a control handler,
// the negotiated coded and decoded formats, and the scratch state the
// active codec needs. Sessions are independent; the device serializes their
// jobs on the engine.
type Session struct {
	dev *Device
	log *slog.Logger

	ctrls   *ctrl.Handler
	output  *vbq.Queue
	capture *vbq.Queue
	mctx    *m2m.Ctx

	mu          sync.Mutex
	desc        *CodedFmtDesc
	codedFmt    pixfmt.Format
	decodedFmt  pixfmt.Format
	imageFmt    pixfmt.ImageFormat
	colmvOffset uint32
	codecPriv   any
	closed      bool

	rcbs []rcbBuf
}

// Open creates a session with default formats negotiated and every coded
// format's controls registered, so control state survives format switches.
func (d *Device) Open() (*Session, error) {
	s := &Session{
		dev:   d,
		log:   d.log.With("component", "session"),
		ctrls: ctrl.NewHandler(),
	}
	s.output = vbq.NewQueue(vbq.Output, &outputOps{s: s}, d.dma)
	s.capture = vbq.NewQueue(vbq.Capture, &captureOps{s: s}, d.dma)

	hook := &sessionCtrlHook{s: s}
	for _, desc := range d.formats {
		for _, cd := range desc.Ctrls {
			cfg := cd.Cfg
			cfg.Hook = hook
			if err := s.ctrls.Add(cfg); err != nil {
				return nil, fmt.Errorf("decoder: register control: %w", err)
			}
		}
	}

	s.mu.Lock()
	s.resetCodedFmtLocked()
	s.resetDecodedFmtLocked()
	s.mu.Unlock()

	s.mctx = d.sched.NewCtx(s, s.output, s.capture)

	d.mu.Lock()
	d.sessions[s] = struct{}{}
	d.mu.Unlock()
	return s, nil
}

// Close tears the session down: streaming stops, buffers are released, and
// the session leaves the scheduler. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.output.StreamOff()
	s.capture.StreamOff()
	s.output.RequestBuffers(0, vbq.SetupParams{})
	s.capture.RequestBuffers(0, vbq.SetupParams{})
	s.mctx.Release()

	s.dev.mu.Lock()
	delete(s.dev.sessions, s)
	s.dev.mu.Unlock()
}

// Output returns the coded (bitstream) queue.
func (s *Session) Output() *vbq.Queue { return s.output }

// Capture returns the decoded picture queue.
func (s *Session) Capture() *vbq.Queue { return s.capture }

// Ctrls returns the session's control handler.
func (s *Session) Ctrls() *ctrl.Handler { return s.ctrls }

// CodedFmt returns the negotiated coded format.
func (s *Session) CodedFmt() pixfmt.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codedFmt
}

// DecodedFmt returns the negotiated decoded format.
func (s *Session) DecodedFmt() pixfmt.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decodedFmt
}

// ImageFmt returns the decoded layout class the bitstream requires, as last
// derived from the stream parameters.
func (s *Session) ImageFmt() pixfmt.ImageFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imageFmt
}

// ColmvOffset returns the byte offset of the motion vector area within
// plane 0 of a decoded buffer.
func (s *Session) ColmvOffset() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.colmvOffset
}

// Regs exposes the engine register window to the active codec.
func (s *Session) Regs() hw.Regs { return s.dev.regs }

// Alloc exposes the coherent allocator for codec auxiliary tables.
func (s *Session) Alloc() hw.Allocator { return s.dev.dma }

// ArmWatchdog starts the device watchdog for the job being kicked.
func (s *Session) ArmWatchdog() { s.dev.ArmWatchdog() }

// NextSrc returns the coded buffer of the job in flight.
func (s *Session) NextSrc() *vbq.Buffer { return s.output.NextQueued() }

// NextDst returns the decoded buffer of the job in flight.
func (s *Session) NextDst() *vbq.Buffer { return s.capture.NextQueued() }

// SetCodecPriv stores the active codec's per-stream state.
func (s *Session) SetCodecPriv(v any) {
	s.mu.Lock()
	s.codecPriv = v
	s.mu.Unlock()
}

// CodecPriv returns the active codec's per-stream state.
func (s *Session) CodecPriv() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codecPriv
}

// resetCodedFmtLocked installs the first registered coded format at its
// minimum geometry. Called with s.mu held.
func (s *Session) resetCodedFmtLocked() {
	desc := s.dev.formats[0]
	s.desc = desc
	f := pixfmt.Format{
		PixelFormat: desc.FourCC,
		Width:       desc.FrameSize.MinWidth,
		Height:      desc.FrameSize.MinHeight,
		Colorspace:  pixfmt.ColorspaceRec709,
		Planes:      []pixfmt.PlaneFmt{{}},
	}
	if desc.Ops != nil {
		desc.Ops.AdjustFmt(s, &f)
	}
	s.codedFmt = f
	s.imageFmt = pixfmt.ImageFmtAny
	s.output.SupportsHoldCapture = desc.SupportsHoldCapture
}

// resetDecodedFmtLocked derives the decoded format from the coded geometry
// and the first decoded format compatible with the stream's layout class.
// Called with s.mu held.
func (s *Session) resetDecodedFmtLocked() {
	f := pixfmt.Format{
		PixelFormat: s.firstValidDecodedLocked(),
		Width:       s.codedFmt.Width,
		Height:      s.codedFmt.Height,
		Colorspace:  pixfmt.ColorspaceRec709,
	}
	s.fillDecodedLocked(&f)
	s.decodedFmt = f
	s.colmvOffset = f.Planes[0].SizeImage - colmvSize(f.Width, f.Height)
}

// fillDecodedLocked computes the plane layout and appends the co-located
// motion vector area to plane 0.
func (s *Session) fillDecodedLocked(f *pixfmt.Format) {
	pixfmt.Fill(f)
	f.Planes[0].SizeImage += colmvSize(f.Width, f.Height)
}

// colmvSize is the co-located motion vector area: 128 bytes per macroblock.
func colmvSize(width, height uint32) uint32 {
	return 128 * pixfmt.DivRoundUp(width, 16) * pixfmt.DivRoundUp(height, 16)
}

func (s *Session) validDecodedLocked(fourcc pixfmt.FourCC, img pixfmt.ImageFormat) bool {
	for _, df := range s.desc.DecodedFmts {
		if df.FourCC == fourcc && pixfmt.Match(img, df.ImageFmt) {
			return true
		}
	}
	return false
}

func (s *Session) firstValidDecodedLocked() pixfmt.FourCC {
	for _, df := range s.desc.DecodedFmts {
		if pixfmt.Match(s.imageFmt, df.ImageFmt) {
			return df.FourCC
		}
	}
	// The layout class filter never rejects everything in practice; fall
	// back to the codec's first decoded format.
	return s.desc.DecodedFmts[0].FourCC
}

// EnumDecodedFmt returns the index-th decoded format compatible with the
// stream's layout class.
func (s *Session) EnumDecodedFmt(index int) (pixfmt.FourCC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, df := range s.desc.DecodedFmts {
		if !pixfmt.Match(s.imageFmt, df.ImageFmt) {
			continue
		}
		if n == index {
			return df.FourCC, nil
		}
		n++
	}
	return 0, ErrInvalid
}

// TryOutputFmt normalizes a candidate coded format: unknown pixel formats
// fall back to the default codec, the geometry is clamped into the codec's
// envelope, and the codec adjusts the plane layout.
func (s *Session) TryOutputFmt(f *pixfmt.Format) error {
	desc := s.dev.findCodedDesc(f.PixelFormat)
	if desc == nil {
		desc = s.dev.formats[0]
		f.PixelFormat = desc.FourCC
	}
	desc.FrameSize.Apply(&f.Width, &f.Height)
	if len(f.Planes) == 0 {
		f.Planes = []pixfmt.PlaneFmt{{}}
	}
	f.Planes = f.Planes[:1]
	f.Planes[0].BytesPerLine = 0
	if desc.Ops != nil {
		desc.Ops.AdjustFmt(s, f)
	}
	return nil
}

// SetOutputFmt negotiates the coded format. Rejected while the coded queue
// streams, while it holds buffers and the pixel format would change (a
// geometry-only change is a dynamic resolution switch and stays legal), and
// while the decoded queue holds buffers, since the decoded format resets
// underneath them. Colorimetry propagates to the decoded end.
func (s *Session) SetOutputFmt(f *pixfmt.Format) error {
	if s.output.Streaming() {
		return fmt.Errorf("decoder: coded queue streaming: %w", ErrBusy)
	}
	s.mu.Lock()
	cur := s.codedFmt.PixelFormat
	s.mu.Unlock()
	if s.output.Busy() && f.PixelFormat != cur {
		return fmt.Errorf("decoder: coded queue has buffers: %w", ErrBusy)
	}
	if s.capture.Busy() {
		return fmt.Errorf("decoder: decoded queue has buffers: %w", ErrBusy)
	}

	if err := s.TryOutputFmt(f); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.desc = s.dev.findCodedDesc(f.PixelFormat)
	s.codedFmt = *f
	s.output.SupportsHoldCapture = s.desc.SupportsHoldCapture
	s.resetDecodedFmtLocked()
	s.decodedFmt.Colorspace = f.Colorspace
	s.decodedFmt.XferFunc = f.XferFunc
	s.decodedFmt.YCbCrEnc = f.YCbCrEnc
	s.decodedFmt.Quantization = f.Quantization
	return nil
}

// TryCaptureFmt normalizes a candidate decoded format: the pixel format
// must be producible from the active stream (else the first valid one is
// substituted), the geometry is floored by the coded geometry and clamped
// into the codec's envelope, and the plane layout is recomputed.
func (s *Session) TryCaptureFmt(f *pixfmt.Format) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validDecodedLocked(f.PixelFormat, s.imageFmt) {
		f.PixelFormat = s.firstValidDecodedLocked()
	}
	if f.Width < s.codedFmt.Width {
		f.Width = s.codedFmt.Width
	}
	if f.Height < s.codedFmt.Height {
		f.Height = s.codedFmt.Height
	}
	s.desc.FrameSize.Apply(&f.Width, &f.Height)
	s.fillDecodedLocked(f)
	return nil
}

// SetCaptureFmt negotiates the decoded format. Rejected while decoded
// buffers exist.
func (s *Session) SetCaptureFmt(f *pixfmt.Format) error {
	if s.capture.Busy() {
		return fmt.Errorf("decoder: decoded queue has buffers: %w", ErrBusy)
	}
	if err := s.TryCaptureFmt(f); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decodedFmt = *f
	s.colmvOffset = f.Planes[0].SizeImage - colmvSize(f.Width, f.Height)
	return nil
}

// sessionCtrlHook routes control validation through the active codec and
// re-derives the decoded format when a parameter set changes the required
// layout class.
type sessionCtrlHook struct {
	s *Session
}

// TryCtrl vetoes values the codec rejects, and values whose layout class
// would invalidate the negotiated decoded format while decoded buffers are
// allocated. A class change that keeps the current pixel format valid is
// always fine.
func (h *sessionCtrlHook) TryCtrl(id ctrl.ID, val any) error {
	s := h.s
	s.mu.Lock()
	ops := s.desc.Ops
	s.mu.Unlock()
	if ops == nil {
		return nil
	}
	if err := ops.TryCtrl(s, id, val); err != nil {
		return err
	}

	img, ok := ops.ImageFmt(s, id, val)
	if !ok {
		return nil
	}
	s.mu.Lock()
	same := img == s.imageFmt
	stillValid := s.validDecodedLocked(s.decodedFmt.PixelFormat, img)
	s.mu.Unlock()
	if same || stillValid {
		return nil
	}
	if s.capture.Busy() {
		return fmt.Errorf("decoder: layout change with decoded buffers allocated: %w", ErrBusy)
	}
	return nil
}

// SetCtrl records the new layout class and resets the decoded format only
// when the current one is no longer producible. Validation happened in
// TryCtrl, so this never fails.
func (h *sessionCtrlHook) SetCtrl(id ctrl.ID, val any) error {
	s := h.s
	s.mu.Lock()
	ops := s.desc.Ops
	s.mu.Unlock()
	if ops == nil {
		return nil
	}

	img, ok := ops.ImageFmt(s, id, val)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if img == s.imageFmt {
		return nil
	}
	s.imageFmt = img
	if !s.validDecodedLocked(s.decodedFmt.PixelFormat, s.imageFmt) {
		s.resetDecodedFmtLocked()
	}
	return nil
}
