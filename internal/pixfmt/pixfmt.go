// Package pixfmt defines pixel format identifiers, image-kind tags, and the
// multiplanar format value type exchanged between the two ends of the decode
// pipeline, along with the plane-layout math for the formats the engine
// produces.
package pixfmt

import "fmt"

// FourCC is a four character pixel format code.
type FourCC uint32

// NewFourCC builds a FourCC from its four character ASCII spelling.
func NewFourCC(s string) FourCC {
	if len(s) != 4 {
		panic("pixfmt: fourcc must be 4 characters")
	}
	return FourCC(uint32(s[0]) | uint32(s[1])<<8 | uint32(s[2])<<16 | uint32(s[3])<<24)
}

func (f FourCC) String() string {
	return fmt.Sprintf("%c%c%c%c", byte(f), byte(f>>8), byte(f>>16), byte(f>>24))
}

// Pixel formats understood by the decoder. S264 is the coded (bitstream)
// format; the NV formats are the decoded layouts the engine can write.
var (
	H264Slice = NewFourCC("S264") // H.264 parsed slice data
	NV12      = NewFourCC("NV12") // 8-bit 4:2:0, two interleaved chroma samples
	NV15      = NewFourCC("NV15") // 10-bit 4:2:0 packed
	NV16      = NewFourCC("NV16") // 8-bit 4:2:2
	NV20      = NewFourCC("NV20") // 10-bit 4:2:2 packed
)

// ImageFormat tags the memory layout class a decoded buffer requires.
// It is reported by the active codec from bitstream parameters and used
// to filter the decoded formats a session may negotiate.
type ImageFormat int

// Image format kinds. Any acts as a wildcard on either side of a match.
const (
	ImageFmtAny ImageFormat = iota
	ImageFmt420_8
	ImageFmt420_10
	ImageFmt422_8
	ImageFmt422_10
)

func (i ImageFormat) String() string {
	switch i {
	case ImageFmtAny:
		return "any"
	case ImageFmt420_8:
		return "4:2:0 8-bit"
	case ImageFmt420_10:
		return "4:2:0 10-bit"
	case ImageFmt422_8:
		return "4:2:2 8-bit"
	case ImageFmt422_10:
		return "4:2:2 10-bit"
	default:
		return "unknown"
	}
}

// Match reports whether two image format kinds are compatible. Matching is
// symmetric and Any matches everything.
func Match(a, b ImageFormat) bool {
	return a == b || a == ImageFmtAny || b == ImageFmtAny
}

// Colorimetry enums. Only the values the decoder actually negotiates are
// defined; Default means "derive from the coded stream".
type (
	Colorspace   uint8
	XferFunc     uint8
	YCbCrEnc     uint8
	Quantization uint8
)

const (
	ColorspaceDefault Colorspace = iota
	ColorspaceRec709
	ColorspaceBT2020
	ColorspaceSMPTE170M
)

const (
	XferFuncDefault XferFunc = iota
	XferFunc709
	XferFuncSRGB
)

const (
	YCbCrEncDefault YCbCrEnc = iota
	YCbCrEnc709
	YCbCrEnc601
)

const (
	QuantizationDefault Quantization = iota
	QuantizationFullRange
	QuantizationLimRange
)

// PlaneFmt describes one memory plane of a multiplanar format.
type PlaneFmt struct {
	SizeImage    uint32
	BytesPerLine uint32
}

// Format is the negotiated geometry and layout of one pipeline direction.
// Coded formats carry a single opaque plane; decoded formats carry the
// plane layout computed by Fill.
type Format struct {
	PixelFormat  FourCC
	Width        uint32
	Height       uint32
	Colorspace   Colorspace
	XferFunc     XferFunc
	YCbCrEnc     YCbCrEnc
	Quantization Quantization
	Planes       []PlaneFmt
}

// NumPlanes returns the number of memory planes of the format.
func (f *Format) NumPlanes() int { return len(f.Planes) }

// Fill computes the plane layout (bytes per line and total plane size) for
// the format's pixel format and geometry. All decoded formats the engine
// writes are single-plane with interleaved chroma.
func Fill(f *Format) error {
	var bpl, size uint32
	w, h := f.Width, f.Height

	switch f.PixelFormat {
	case NV12:
		bpl = w
		size = bpl * h * 3 / 2
	case NV15:
		bpl = w * 10 / 8
		size = bpl * h * 3 / 2
	case NV16:
		bpl = w
		size = bpl * h * 2
	case NV20:
		bpl = w * 10 / 8
		size = bpl * h * 2
	default:
		return fmt.Errorf("pixfmt: no layout for %s", f.PixelFormat)
	}

	f.Planes = []PlaneFmt{{SizeImage: size, BytesPerLine: bpl}}
	return nil
}

// FrameSize is a stepwise frame-size envelope.
type FrameSize struct {
	MinWidth   uint32
	MaxWidth   uint32
	StepWidth  uint32
	MinHeight  uint32
	MaxHeight  uint32
	StepHeight uint32
}

// Apply clamps a requested geometry into the envelope: each axis is rounded
// up to its step, then clamped to [min, max].
func (fs FrameSize) Apply(width, height *uint32) {
	*width = clampRoundUp(*width, fs.MinWidth, fs.MaxWidth, fs.StepWidth)
	*height = clampRoundUp(*height, fs.MinHeight, fs.MaxHeight, fs.StepHeight)
}

func clampRoundUp(x, min, max, step uint32) uint32 {
	x = roundUp(x, step)
	if x < min {
		x = min
	}
	if x > max {
		x = max
	}
	return x
}

func roundUp(x, step uint32) uint32 {
	if step == 0 {
		return x
	}
	return (x + step - 1) / step * step
}

// DivRoundUp divides and rounds up, used for macroblock counts.
func DivRoundUp(n, d uint32) uint32 { return (n + d - 1) / d }
