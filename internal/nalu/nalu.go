// Package nalu parses H.264 Annex B byte streams into NAL units and
// extracts the sequence parameter set fields the decode control path needs
// to build per-picture parameter payloads.
package nalu

import (
	"errors"
	"fmt"
)

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// SPSInfo holds parameters extracted from an H.264 Sequence Parameter Set:
// geometry in macroblock units, profile/level identifiers, and the chroma
// sampling and bit depth that select the decoded memory layout.
type SPSInfo struct {
	SeqParameterSetID           uint
	ProfileIDC                  byte
	ConstraintFlags             byte
	LevelIDC                    byte
	ChromaFormatIDC             uint
	SeparateColourPlane         bool
	BitDepthLumaMinus8          uint
	BitDepthChromaMinus8        uint
	Log2MaxFrameNumMinus4       uint
	PicOrderCntType             uint
	Log2MaxPicOrderCntLsbMinus4 uint
	MaxNumRefFrames             uint
	PicWidthInMbsMinus1         uint
	PicHeightInMapUnitsMinus1   uint
	FrameMbsOnly                bool

	// Width and Height are the display geometry after cropping.
	Width  int
	Height int
}

// CodecString returns the RFC 6381 codec parameter string
// (e.g. "avc1.42E01E").
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// CodedWidth returns the luma width in pixels before cropping.
func (s SPSInfo) CodedWidth() int { return int(s.PicWidthInMbsMinus1+1) * 16 }

// CodedHeight returns the luma height in pixels before cropping.
func (s SPSInfo) CodedHeight() int {
	h := int(s.PicHeightInMapUnitsMinus1+1) * 16
	if !s.FrameMbsOnly {
		h *= 2
	}
	return h
}

var errSPSTooShort = errors.New("SPS data too short")

type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errSPSTooShort
	}
	val := uint((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var val uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errSPSTooShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

func (br *bitReader) readSE() (int, error) {
	val, err := br.readUE()
	if err != nil {
		return 0, err
	}
	if val%2 == 0 {
		return -int(val / 2), nil
	}
	return int((val + 1) / 2), nil
}

func (br *bitReader) skipScalingList(size int) error {
	lastScale := 8
	nextScale := 8
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			delta, err := br.readSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// highProfile reports whether the profile carries the extended SPS fields
// (chroma format, bit depths, scaling matrices).
func highProfile(profileIdc uint) bool {
	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS parses an H.264 SPS NAL unit. The input is the raw NAL data
// including the NAL header byte but without the start code.
func ParseSPS(nal []byte) (SPSInfo, error) {
	if len(nal) < 4 {
		return SPSInfo{}, errSPSTooShort
	}

	rbsp := removeEmulationPrevention(nal[1:])
	br := newBitReader(rbsp)
	var info SPSInfo

	profileIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	constraintFlags, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	levelIdc, err := br.readBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	spsID, err := br.readUE()
	if err != nil {
		return SPSInfo{}, err
	}
	info.ProfileIDC = byte(profileIdc)
	info.ConstraintFlags = byte(constraintFlags)
	info.LevelIDC = byte(levelIdc)
	info.SeqParameterSetID = spsID

	info.ChromaFormatIDC = 1
	if highProfile(profileIdc) {
		info.ChromaFormatIDC, err = br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		if info.ChromaFormatIDC == 3 {
			val, err := br.readBits(1)
			if err != nil {
				return SPSInfo{}, err
			}
			info.SeparateColourPlane = val == 1
		}
		if info.BitDepthLumaMinus8, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if info.BitDepthChromaMinus8, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		// qpprime_y_zero_transform_bypass_flag
		if _, err := br.readBits(1); err != nil {
			return SPSInfo{}, err
		}

		seqScalingMatrixPresent, err := br.readBits(1)
		if err != nil {
			return SPSInfo{}, err
		}
		if seqScalingMatrixPresent == 1 {
			limit := 8
			if info.ChromaFormatIDC == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.readBits(1)
				if err != nil {
					return SPSInfo{}, err
				}
				if flag == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.skipScalingList(size); err != nil {
						return SPSInfo{}, err
					}
				}
			}
		}
	}

	if info.Log2MaxFrameNumMinus4, err = br.readUE(); err != nil {
		return SPSInfo{}, err
	}
	if info.PicOrderCntType, err = br.readUE(); err != nil {
		return SPSInfo{}, err
	}

	switch info.PicOrderCntType {
	case 0:
		if info.Log2MaxPicOrderCntLsbMinus4, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
	case 1:
		if _, err := br.readBits(1); err != nil {
			return SPSInfo{}, err
		}
		if _, err := br.readSE(); err != nil {
			return SPSInfo{}, err
		}
		if _, err := br.readSE(); err != nil {
			return SPSInfo{}, err
		}
		numRefFrames, err := br.readUE()
		if err != nil {
			return SPSInfo{}, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.readSE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	if info.MaxNumRefFrames, err = br.readUE(); err != nil {
		return SPSInfo{}, err
	}
	// gaps_in_frame_num_value_allowed_flag
	if _, err := br.readBits(1); err != nil {
		return SPSInfo{}, err
	}

	if info.PicWidthInMbsMinus1, err = br.readUE(); err != nil {
		return SPSInfo{}, err
	}
	if info.PicHeightInMapUnitsMinus1, err = br.readUE(); err != nil {
		return SPSInfo{}, err
	}

	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	info.FrameMbsOnly = frameMbsOnly == 1
	if frameMbsOnly == 0 {
		// mb_adaptive_frame_field_flag
		if _, err := br.readBits(1); err != nil {
			return SPSInfo{}, err
		}
	}
	// direct_8x8_inference_flag
	if _, err := br.readBits(1); err != nil {
		return SPSInfo{}, err
	}

	cropLeft, cropRight, cropTop, cropBottom := uint(0), uint(0), uint(0), uint(0)
	frameCroppingFlag, err := br.readBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameCroppingFlag == 1 {
		if cropLeft, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropRight, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropTop, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropBottom, err = br.readUE(); err != nil {
			return SPSInfo{}, err
		}
	}

	chromaArrayType := info.ChromaFormatIDC
	if info.SeparateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 0, 3:
		subWidthC, subHeightC = 1, 1
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 2, 2
	}

	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	info.Width = int((info.PicWidthInMbsMinus1+1)*16 - cropUnitX*(cropLeft+cropRight))
	heightMul := 2 - frameMbsOnly
	info.Height = int((info.PicHeightInMapUnitsMinus1+1)*16*heightMul - cropUnitY*(cropTop+cropBottom))

	return info, nil
}

func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

// NALUnit represents a parsed H.264 NAL unit.
type NALUnit struct {
	Type byte   // 5-bit NAL type
	Data []byte // raw NAL data including the NAL header byte, without start code
}

// ParseAnnexB scans an H.264 Annex B byte stream for start codes and
// extracts NAL units. Both 3-byte (0x000001) and 4-byte (0x00000001) start
// codes are recognized.
func ParseAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		scStart   int
		dataStart int
	}

	var positions []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				positions = append(positions, scPos{scStart: i, dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	for idx, pos := range positions {
		if pos.dataStart >= n {
			continue
		}
		end := n
		if idx+1 < len(positions) {
			end = positions[idx+1].scStart
		}
		if pos.dataStart >= end {
			continue
		}

		nalData := data[pos.dataStart:end]
		units = append(units, NALUnit{
			Type: nalData[0] & 0x1F,
			Data: nalData,
		})
	}

	return units
}

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsSPS returns true if the NAL type is SPS (type 7).
func IsSPS(nalType byte) bool {
	return nalType == NALTypeSPS
}

// IsPPS returns true if the NAL type is PPS (type 8).
func IsPPS(nalType byte) bool {
	return nalType == NALTypePPS
}
