package nalu

import (
	"bytes"
	"testing"
)

type bitWriter struct {
	buf  []byte
	bits uint
	cur  byte
}

func (w *bitWriter) writeBits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		w.cur = w.cur<<1 | byte((v>>uint(i))&1)
		w.bits++
		if w.bits == 8 {
			w.buf = append(w.buf, w.cur)
			w.cur, w.bits = 0, 0
		}
	}
}

func (w *bitWriter) writeUE(v uint) {
	bits := 0
	for t := v + 1; t > 0; t >>= 1 {
		bits++
	}
	w.writeBits(0, bits-1)
	w.writeBits(v+1, bits)
}

func (w *bitWriter) bytes() []byte {
	out := w.buf
	if w.bits > 0 {
		out = append(out, w.cur<<(8-w.bits))
	}
	return out
}

// baselineSPS synthesizes a minimal baseline-profile SPS NAL for the given
// macroblock geometry.
func baselineSPS(widthMbsMinus1, heightMapUnitsMinus1 uint) []byte {
	w := &bitWriter{}
	w.writeBits(66, 8) // profile_idc, baseline
	w.writeBits(0xC0, 8)
	w.writeBits(30, 8)                  // level_idc
	w.writeUE(0)                        // seq_parameter_set_id
	w.writeUE(0)                        // log2_max_frame_num_minus4
	w.writeUE(0)                        // pic_order_cnt_type
	w.writeUE(0)                        // log2_max_pic_order_cnt_lsb_minus4
	w.writeUE(1)                        // max_num_ref_frames
	w.writeBits(0, 1)                   // gaps_in_frame_num_value_allowed
	w.writeUE(widthMbsMinus1)           // pic_width_in_mbs_minus1
	w.writeUE(heightMapUnitsMinus1)     // pic_height_in_map_units_minus1
	w.writeBits(1, 1)                   // frame_mbs_only_flag
	w.writeBits(1, 1)                   // direct_8x8_inference_flag
	w.writeBits(0, 1)                   // frame_cropping_flag
	w.writeBits(0, 1)                   // vui_parameters_present_flag
	return append([]byte{0x67}, w.bytes()...)
}

func TestParseSPS(t *testing.T) {
	t.Parallel()

	info, err := ParseSPS(baselineSPS(19, 14))
	if err != nil {
		t.Fatalf("ParseSPS: %v", err)
	}
	if info.ProfileIDC != 66 || info.LevelIDC != 30 {
		t.Errorf("profile/level: got %d/%d, want 66/30", info.ProfileIDC, info.LevelIDC)
	}
	if info.ChromaFormatIDC != 1 {
		t.Errorf("chroma format: got %d, want 1 (implied 4:2:0)", info.ChromaFormatIDC)
	}
	if info.PicWidthInMbsMinus1 != 19 || info.PicHeightInMapUnitsMinus1 != 14 {
		t.Errorf("mb geometry: got %d/%d, want 19/14",
			info.PicWidthInMbsMinus1, info.PicHeightInMapUnitsMinus1)
	}
	if !info.FrameMbsOnly {
		t.Error("frame_mbs_only not set")
	}
	if info.Width != 320 || info.Height != 240 {
		t.Errorf("display geometry: got %dx%d, want 320x240", info.Width, info.Height)
	}
	if info.CodedWidth() != 320 || info.CodedHeight() != 240 {
		t.Errorf("coded geometry: got %dx%d, want 320x240",
			info.CodedWidth(), info.CodedHeight())
	}
	if got := info.CodecString(); got != "avc1.42C01E" {
		t.Errorf("codec string: got %q, want avc1.42C01E", got)
	}
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()

	if _, err := ParseSPS([]byte{0x67, 0x42}); err == nil {
		t.Error("truncated SPS accepted")
	}
}

func TestParseAnnexB(t *testing.T) {
	t.Parallel()

	sps := baselineSPS(3, 3)
	stream := []byte{0, 0, 0, 1}
	stream = append(stream, sps...)
	stream = append(stream, 0, 0, 1, 0x68, 0xCE) // PPS, 3-byte start code
	stream = append(stream, 0, 0, 0, 1, 0x65, 0x88, 0x80) // IDR slice

	units := ParseAnnexB(stream)
	if len(units) != 3 {
		t.Fatalf("units: got %d, want 3", len(units))
	}
	wantTypes := []byte{NALTypeSPS, NALTypePPS, NALTypeIDR}
	for i, u := range units {
		if u.Type != wantTypes[i] {
			t.Errorf("unit %d type: got %d, want %d", i, u.Type, wantTypes[i])
		}
	}
	if !bytes.Equal(units[0].Data, sps) {
		t.Error("SPS payload corrupted by splitting")
	}
	if !IsSPS(units[0].Type) || !IsPPS(units[1].Type) || !IsKeyframe(units[2].Type) {
		t.Error("type predicates disagree with parsed types")
	}
}

func TestParseAnnexBEmpty(t *testing.T) {
	t.Parallel()

	if units := ParseAnnexB(nil); units != nil {
		t.Errorf("nil input: got %d units", len(units))
	}
	if units := ParseAnnexB([]byte{0, 0, 0, 1}); units != nil {
		t.Errorf("start code only: got %d units", len(units))
	}
}

func TestEmulationPreventionRemoval(t *testing.T) {
	t.Parallel()

	in := []byte{0x10, 0x00, 0x00, 0x03, 0x01, 0x20}
	want := []byte{0x10, 0x00, 0x00, 0x01, 0x20}
	if got := removeEmulationPrevention(in); !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}

	// 00 00 03 followed by a byte above 3 is not an emulation sequence.
	in = []byte{0x00, 0x00, 0x03, 0xFF}
	if got := removeEmulationPrevention(in); !bytes.Equal(got, in) {
		t.Errorf("got % X, want input unchanged", got)
	}
}
