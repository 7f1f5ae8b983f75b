// Package h264 is the H.264 stateless codec backend: per-picture parameter
// payloads, their validation, and the register programming that kicks one
// slice or frame decode on the engine.
package h264

import (
	"fmt"

	"github.com/hwdec/vdec/internal/ctrl"
	"github.com/hwdec/vdec/internal/decoder"
	"github.com/hwdec/vdec/internal/hw"
	"github.com/hwdec/vdec/internal/pixfmt"
	"github.com/hwdec/vdec/internal/vbq"
)

// Decode mode values. The engine consumes whole frames.
const (
	DecodeModeSliceBased int64 = iota
	DecodeModeFrameBased
)

// Start code values. The engine expects Annex B start codes in the
// bitstream buffer.
const (
	StartCodeNone int64 = iota
	StartCodeAnnexB
)

// Profile values.
const (
	ProfileBaseline int64 = iota
	ProfileConstrainedBaseline
	ProfileMain
	ProfileExtended
	ProfileHigh
	ProfileHigh10
)

// Level values.
const (
	Level1_0 int64 = iota
	Level1B
	Level1_1
	Level1_2
	Level1_3
	Level2_0
	Level2_1
	Level2_2
	Level3_0
	Level3_1
	Level3_2
	Level4_0
	Level4_1
	Level4_2
	Level5_0
	Level5_1
	Level5_2
	Level6_0
	Level6_1
)

// SPS flag bits.
const (
	SPSFlagSeparateColourPlane = 1 << iota
	SPSFlagQpprimeYZeroTransformBypass
	SPSFlagDeltaPicOrderAlwaysZero
	SPSFlagGapsInFrameNumAllowed
	SPSFlagFrameMbsOnly
	SPSFlagMbAdaptiveFrameField
	SPSFlagDirect8x8Inference
)

// SPS carries the sequence parameter set fields the engine needs.
type SPS struct {
	ProfileIDC                  uint8
	ConstraintSetFlags          uint8
	LevelIDC                    uint8
	SeqParameterSetID           uint8
	ChromaFormatIDC             uint8
	BitDepthLumaMinus8          uint8
	BitDepthChromaMinus8        uint8
	Log2MaxFrameNumMinus4       uint8
	PicOrderCntType             uint8
	Log2MaxPicOrderCntLsbMinus4 uint8
	MaxNumRefFrames             uint8
	PicWidthInMbsMinus1         uint16
	PicHeightInMapUnitsMinus1   uint16
	Flags                       uint32
}

// Width returns the coded luma width in pixels.
func (s *SPS) Width() uint32 { return (uint32(s.PicWidthInMbsMinus1) + 1) * 16 }

// Height returns the coded luma height in pixels, accounting for field
// coding doubling the map unit height.
func (s *SPS) Height() uint32 {
	h := (uint32(s.PicHeightInMapUnitsMinus1) + 1) * 16
	if s.Flags&SPSFlagFrameMbsOnly == 0 {
		h *= 2
	}
	return h
}

// PPS flag bits.
const (
	PPSFlagEntropyCodingMode = 1 << iota
	PPSFlagBottomFieldPicOrderInFramePresent
	PPSFlagWeightedPred
	PPSFlagDeblockingFilterControlPresent
	PPSFlagConstrainedIntraPred
	PPSFlagRedundantPicCntPresent
	PPSFlagTransform8x8Mode
	PPSFlagScalingMatrixPresent
)

// PPS carries the picture parameter set fields the engine needs.
type PPS struct {
	PicParameterSetID              uint8
	SeqParameterSetID              uint8
	NumRefIdxL0DefaultActiveMinus1 uint8
	NumRefIdxL1DefaultActiveMinus1 uint8
	WeightedBipredIdc              uint8
	PicInitQpMinus26               int8
	PicInitQsMinus26               int8
	ChromaQpIndexOffset            int8
	SecondChromaQpIndexOffset      int8
	Flags                          uint32
}

// ScalingMatrix carries the inverse-scan scaling lists.
type ScalingMatrix struct {
	ScalingList4x4 [6][16]uint8
	ScalingList8x8 [6][64]uint8
}

// DPB entry flag bits.
const (
	DPBEntryFlagValid = 1 << iota
	DPBEntryFlagActive
	DPBEntryFlagLongTerm
	DPBEntryFlagField
)

// DPBEntry describes one reference picture in the decoded picture buffer.
type DPBEntry struct {
	ReferenceTS         uint64
	PicNum              uint32
	FrameNum            uint16
	TopFieldOrderCnt    int32
	BottomFieldOrderCnt int32
	Flags               uint32
}

// DecodeParams flag bits.
const (
	DecodeParamFlagIDRPic = 1 << iota
	DecodeParamFlagFieldPic
	DecodeParamFlagBottomField
)

// DecodeParams carries the per-picture decode parameters.
type DecodeParams struct {
	DPB                    [16]DPBEntry
	NalRefIdc              uint16
	FrameNum               uint16
	TopFieldOrderCnt       int32
	BottomFieldOrderCnt    int32
	IdrPicID               uint16
	PicOrderCntLsb         uint16
	DeltaPicOrderCntBottom int32
	Flags                  uint32
}

// privTblSize covers the engine-order scaling lists plus the CABAC
// initialization tables the hardware fetches alongside them.
const privTblSize = 8192

// priv is the per-stream state held while the coded queue streams.
type priv struct {
	tbl hw.Mem
}

// Desc builds the H.264 coded format descriptor.
func Desc() *decoder.CodedFmtDesc {
	return &decoder.CodedFmtDesc{
		FourCC: pixfmt.H264Slice,
		FrameSize: pixfmt.FrameSize{
			MinWidth:   64,
			MaxWidth:   65520,
			StepWidth:  64,
			MinHeight:  16,
			MaxHeight:  65520,
			StepHeight: 16,
		},
		SupportsHoldCapture: true,
		Ctrls: []decoder.CtrlDesc{
			{Cfg: ctrl.Config{ID: ctrl.H264DecodeParams}},
			{Cfg: ctrl.Config{ID: ctrl.H264SPS}, Ops: true},
			{Cfg: ctrl.Config{ID: ctrl.H264PPS}},
			{Cfg: ctrl.Config{ID: ctrl.H264ScalingMatrix}},
			{Cfg: ctrl.Config{
				ID:  ctrl.H264DecodeMode,
				Min: DecodeModeFrameBased,
				Max: DecodeModeFrameBased,
				Def: DecodeModeFrameBased,
			}},
			{Cfg: ctrl.Config{
				ID:  ctrl.H264StartCode,
				Min: StartCodeAnnexB,
				Max: StartCodeAnnexB,
				Def: StartCodeAnnexB,
			}},
			{Cfg: ctrl.Config{
				ID:       ctrl.H264Profile,
				Min:      ProfileBaseline,
				Max:      ProfileHigh10,
				SkipMask: 1 << uint(ProfileExtended),
				Def:      ProfileMain,
			}},
			{Cfg: ctrl.Config{
				ID:  ctrl.H264Level,
				Min: Level1_0,
				Max: Level6_1,
				Def: Level1_0,
			}},
		},
		Ops: ops{},
		DecodedFmts: []decoder.DecodedFmtDesc{
			{FourCC: pixfmt.NV12, ImageFmt: pixfmt.ImageFmt420_8},
			{FourCC: pixfmt.NV15, ImageFmt: pixfmt.ImageFmt420_10},
			{FourCC: pixfmt.NV16, ImageFmt: pixfmt.ImageFmt422_8},
			{FourCC: pixfmt.NV20, ImageFmt: pixfmt.ImageFmt422_10},
		},
	}
}

type ops struct{}

// AdjustFmt fills in a worst-case bitstream plane size: two bytes per pixel
// is enough for any compliant access unit at the coded geometry.
func (ops) AdjustFmt(s *decoder.Session, f *pixfmt.Format) {
	if f.Planes[0].SizeImage == 0 {
		f.Planes[0].SizeImage = f.Width * f.Height * 2
	}
}

// TryCtrl validates SPS updates against the engine's capabilities and the
// negotiated coded geometry.
func (ops) TryCtrl(s *decoder.Session, id ctrl.ID, val any) error {
	if id != ctrl.H264SPS {
		return nil
	}
	sps, ok := val.(*SPS)
	if !ok {
		return fmt.Errorf("h264: sps payload has type %T: %w", val, decoder.ErrInvalid)
	}
	return validateSPS(sps, s.CodedFmt())
}

func validateSPS(sps *SPS, coded pixfmt.Format) error {
	if sps.ChromaFormatIDC > 2 {
		return fmt.Errorf("h264: chroma format idc %d unsupported: %w",
			sps.ChromaFormatIDC, decoder.ErrInvalid)
	}
	if sps.BitDepthLumaMinus8 != sps.BitDepthChromaMinus8 {
		return fmt.Errorf("h264: mismatched luma/chroma bit depth: %w", decoder.ErrInvalid)
	}
	if sps.BitDepthLumaMinus8 != 0 && sps.BitDepthLumaMinus8 != 2 {
		return fmt.Errorf("h264: bit depth %d unsupported: %w",
			8+sps.BitDepthLumaMinus8, decoder.ErrInvalid)
	}
	if sps.Width() > coded.Width || sps.Height() > coded.Height {
		return fmt.Errorf("h264: sps geometry %dx%d exceeds coded %dx%d: %w",
			sps.Width(), sps.Height(), coded.Width, coded.Height, decoder.ErrInvalid)
	}
	return nil
}

// ImageFmt maps SPS chroma format and bit depth to a decoded layout class.
func (ops) ImageFmt(s *decoder.Session, id ctrl.ID, val any) (pixfmt.ImageFormat, bool) {
	if id != ctrl.H264SPS {
		return pixfmt.ImageFmtAny, false
	}
	sps, ok := val.(*SPS)
	if !ok {
		return pixfmt.ImageFmtAny, false
	}

	tenBit := sps.BitDepthLumaMinus8 == 2
	switch {
	case sps.ChromaFormatIDC <= 1 && !tenBit:
		return pixfmt.ImageFmt420_8, true
	case sps.ChromaFormatIDC <= 1 && tenBit:
		return pixfmt.ImageFmt420_10, true
	case sps.ChromaFormatIDC == 2 && !tenBit:
		return pixfmt.ImageFmt422_8, true
	case sps.ChromaFormatIDC == 2 && tenBit:
		return pixfmt.ImageFmt422_10, true
	default:
		return pixfmt.ImageFmtAny, true
	}
}

// Start allocates the auxiliary table the engine fetches scaling lists
// from.
func (ops) Start(s *decoder.Session) error {
	tbl, err := s.Alloc().Alloc(privTblSize)
	if err != nil {
		return fmt.Errorf("h264: auxiliary table: %w", decoder.ErrNoMem)
	}
	s.SetCodecPriv(&priv{tbl: tbl})
	return nil
}

// Stop releases the per-stream state.
func (ops) Stop(s *decoder.Session) {
	if p, ok := s.CodecPriv().(*priv); ok && p != nil {
		p.tbl.Free()
	}
	s.SetCodecPriv(nil)
}

// Run programs the engine for one picture and kicks the decode. The
// watchdog is armed immediately before the enable write so a silent engine
// cannot strand the job.
func (ops) Run(s *decoder.Session) error {
	src, dst := s.NextSrc(), s.NextDst()
	p, ok := s.CodecPriv().(*priv)
	if !ok || p == nil {
		return fmt.Errorf("h264: run without per-stream state: %w", decoder.ErrInvalid)
	}

	v, err := s.Ctrls().Get(ctrl.H264DecodeParams)
	if err != nil || v == nil {
		return fmt.Errorf("h264: decode parameters not set: %w", decoder.ErrInvalid)
	}
	if _, ok := v.(*DecodeParams); !ok {
		return fmt.Errorf("h264: decode parameters have type %T: %w", v, decoder.ErrInvalid)
	}

	if v, _ := s.Ctrls().Get(ctrl.H264ScalingMatrix); v != nil {
		if m, ok := v.(*ScalingMatrix); ok {
			packScalingLists(p.tbl.Buf(), m)
		}
	}

	coded := s.CodedFmt()
	mbW := pixfmt.DivRoundUp(coded.Width, 16)
	mbH := pixfmt.DivRoundUp(coded.Height, 16)

	regs := s.Regs()
	regs.Write32(hw.RegPicPar, mbW|mbH<<16)
	regs.Write32(hw.RegStrmBase, uint32(src.Planes[0].Mem.BusAddr()))
	regs.Write32(hw.RegStrmLen, uint32(src.Planes[0].BytesUsed))
	regs.Write32(hw.RegDecOutBase, uint32(dst.Planes[0].Mem.BusAddr()))
	regs.Write32(hw.RegColmvBase, uint32(dst.Planes[0].Mem.BusAddr())+s.ColmvOffset())
	s.ProgramRCB()
	regs.Write32(hw.RegImportantEn, hw.DecIRQEnable)

	s.ArmWatchdog()
	regs.Write32(hw.RegDecE, hw.DecEnable)
	return nil
}

// Done has nothing to clean up per picture.
func (ops) Done(s *decoder.Session, src, dst *vbq.Buffer, state vbq.BufState) {}

// packScalingLists lays the scaling lists out in the engine's fetch order:
// the six 4x4 lists back to back, then the luma and chroma 8x8 lists.
func packScalingLists(dst []byte, m *ScalingMatrix) {
	off := 0
	for i := range m.ScalingList4x4 {
		off += copy(dst[off:], m.ScalingList4x4[i][:])
	}
	for i := range m.ScalingList8x8 {
		off += copy(dst[off:], m.ScalingList8x8[i][:])
	}
}
