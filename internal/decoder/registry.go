package decoder

import (
	"github.com/hwdec/vdec/internal/ctrl"
	"github.com/hwdec/vdec/internal/pixfmt"
	"github.com/hwdec/vdec/internal/vbq"
)

// DecodedFmtDesc pairs a decoded pixel format with the memory layout class
// it serves. A session may only negotiate decoded formats whose layout class
// matches the one the active bitstream requires.
type DecodedFmtDesc struct {
	FourCC   pixfmt.FourCC
	ImageFmt pixfmt.ImageFormat
}

// CtrlDesc declares one control a coded format registers on every session.
// Ops routes the control's validation through the codec's TryCtrl.
type CtrlDesc struct {
	Cfg ctrl.Config
	Ops bool
}

// CodecOps is the per-codec backend a coded format plugs into the session
// and job machinery.
type CodecOps interface {
	// AdjustFmt fixes up a negotiated coded format, e.g. filling in a
	// worst-case bitstream plane size.
	AdjustFmt(s *Session, f *pixfmt.Format)
	// TryCtrl validates a candidate control value against the session.
	TryCtrl(s *Session, id ctrl.ID, val any) error
	// ImageFmt derives the decoded layout class from a control value.
	// ok is false when the control does not influence the layout.
	ImageFmt(s *Session, id ctrl.ID, val any) (fmt pixfmt.ImageFormat, ok bool)
	// Start allocates per-stream codec state when the coded queue starts
	// streaming; Stop releases it.
	Start(s *Session) error
	Stop(s *Session)
	// Run programs the engine for the next buffer pair and kicks the
	// decode. The job machinery handles completion and errors.
	Run(s *Session) error
	// Done runs at job completion, before the buffer pair is returned.
	Done(s *Session, src, dst *vbq.Buffer, state vbq.BufState)
}

// CodedFmtDesc describes one supported coded (bitstream) format: its
// geometry envelope, the controls it needs, the decoded formats it can
// produce, and the codec backend that drives the engine.
type CodedFmtDesc struct {
	FourCC              pixfmt.FourCC
	FrameSize           pixfmt.FrameSize
	Ctrls               []CtrlDesc
	Ops                 CodecOps
	DecodedFmts         []DecodedFmtDesc
	SupportsHoldCapture bool
}

func (d *Device) findCodedDesc(fourcc pixfmt.FourCC) *CodedFmtDesc {
	for _, desc := range d.formats {
		if desc.FourCC == fourcc {
			return desc
		}
	}
	return nil
}

// EnumCodedFmt returns the index-th supported coded format.
func (d *Device) EnumCodedFmt(index int) (pixfmt.FourCC, error) {
	if index < 0 || index >= len(d.formats) {
		return 0, ErrInvalid
	}
	return d.formats[index].FourCC, nil
}

// EnumFrameSizes returns the frame-size envelope of a coded format.
func (d *Device) EnumFrameSizes(fourcc pixfmt.FourCC) (pixfmt.FrameSize, error) {
	desc := d.findCodedDesc(fourcc)
	if desc == nil {
		return pixfmt.FrameSize{}, ErrInvalid
	}
	return desc.FrameSize, nil
}
