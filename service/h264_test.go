package service

import (
	"bytes"
	"testing"
)

// bitWriter builds synthetic RBSP payloads for parser tests.
type bitWriter struct {
	data []byte
	bit  uint
}

func (w *bitWriter) writeBits(v, n uint) {
	for i := n; i > 0; i-- {
		if w.bit%8 == 0 {
			w.data = append(w.data, 0)
		}
		if v>>(i-1)&1 == 1 {
			w.data[len(w.data)-1] |= 1 << (7 - w.bit%8)
		}
		w.bit++
	}
}

func (w *bitWriter) writeUE(v uint) {
	size := uint(1)
	for (uint(1)<<size)-1 < v+1 {
		size++
	}
	w.writeBits(v+1, 2*size-1)
}

// buildBaselineSPS encodes a minimal baseline-profile SPS RBSP with
// the given macroblock counts and bottom crop.
func buildBaselineSPS(widthMbs, heightMapUnits, cropBottom uint) []byte {
	w := &bitWriter{}
	w.writeBits(66, 8) // profile_idc: baseline
	w.writeBits(0, 8)  // constraint flags
	w.writeBits(30, 8) // level_idc
	w.writeUE(0)       // seq_parameter_set_id
	w.writeUE(0)       // log2_max_frame_num_minus4
	w.writeUE(0)       // pic_order_cnt_type
	w.writeUE(0)       // log2_max_pic_order_cnt_lsb_minus4
	w.writeUE(1)       // max_num_ref_frames
	w.writeBits(0, 1)  // gaps_in_frame_num_value_allowed_flag
	w.writeUE(widthMbs - 1)
	w.writeUE(heightMapUnits - 1)
	w.writeBits(1, 1) // frame_mbs_only_flag
	w.writeBits(1, 1) // direct_8x8_inference_flag
	if cropBottom > 0 {
		w.writeBits(1, 1) // frame_cropping_flag
		w.writeUE(0)
		w.writeUE(0)
		w.writeUE(0)
		w.writeUE(cropBottom)
	} else {
		w.writeBits(0, 1)
	}
	w.writeBits(1, 1) // rbsp_stop_one_bit
	return w.data
}

func TestParseSPSDimensions(t *testing.T) {
	cases := []struct {
		name                string
		widthMbs, heightMap uint
		cropBottom          uint
		wantW, wantH        int
	}{
		{"640x480", 40, 30, 0, 640, 480},
		{"1920x1080", 120, 68, 4, 1920, 1080},
		{"1280x720", 80, 45, 0, 1280, 720},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rbsp := buildBaselineSPS(tc.widthMbs, tc.heightMap, tc.cropBottom)
			w, h, err := parseSPSDimensions(rbsp)
			if err != nil {
				t.Fatalf("parseSPSDimensions: %v", err)
			}
			if w != tc.wantW || h != tc.wantH {
				t.Fatalf("got %dx%d, want %dx%d", w, h, tc.wantW, tc.wantH)
			}
		})
	}
}

func TestParseSPSDimensionsRejectsTruncated(t *testing.T) {
	if _, _, err := parseSPSDimensions([]byte{0x42, 0x00}); err == nil {
		t.Fatal("expected error for truncated sps")
	}
	rbsp := buildBaselineSPS(40, 30, 0)
	if _, _, err := parseSPSDimensions(rbsp[:4]); err == nil {
		t.Fatal("expected error for cut-off sps")
	}
}

func TestStripEmulationPrevention(t *testing.T) {
	in := []byte{0x00, 0x00, 0x03, 0x01, 0xab, 0x00, 0x00, 0x03, 0x00}
	want := []byte{0x00, 0x00, 0x01, 0xab, 0x00, 0x00, 0x00}
	if got := stripEmulationPrevention(in); !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func makeNAL(header byte, payload ...byte) []byte {
	nal := []byte{0x00, 0x00, 0x00, 0x01, header}
	return append(nal, payload...)
}

func TestSplitAnnexB(t *testing.T) {
	sps := makeNAL(0x67, 0x42, 0x00, 0x0a, 0xf8, 0x41, 0xa2)
	pps := makeNAL(0x68, 0xce, 0x38, 0x80)
	idr := makeNAL(0x65, 0x88, 0x84, 0x00, 0x10)

	var au []byte
	au = append(au, sps...)
	au = append(au, pps...)
	au = append(au, idr...)

	units := splitAnnexB(au)
	if len(units) != 3 {
		t.Fatalf("got %d units, want 3", len(units))
	}
	if !bytes.Equal(units[0], sps) || !bytes.Equal(units[1], pps) || !bytes.Equal(units[2], idr) {
		t.Fatal("split units do not match input NALs")
	}
	if nalUnitType(units[0]) != nalTypeSPS || nalUnitType(units[1]) != nalTypePPS || nalUnitType(units[2]) != nalTypeIDR {
		t.Fatal("nal types misidentified")
	}
}

func TestFrameCacheTracksHeadersAndSize(t *testing.T) {
	cache := &frameCache{}

	sps := makeNAL(0x67, buildBaselineSPS(80, 45, 0)...)
	pps := makeNAL(0x68, 0xce, 0x38, 0x80)
	idr := makeNAL(0x65, 0x88, 0x84, 0x00, 0x10)

	if !cache.Update(sps) {
		t.Fatal("first SPS should report a size change")
	}
	cache.Update(pps)
	cache.Update(idr)

	if w, h := cache.Size(); w != 1280 || h != 720 {
		t.Fatalf("size = %dx%d, want 1280x720", w, h)
	}

	gotSPS, gotPPS, gotIDR := cache.Headers()
	if !bytes.Equal(gotSPS, sps) || !bytes.Equal(gotPPS, pps) || !bytes.Equal(gotIDR, idr) {
		t.Fatal("cached headers do not match")
	}

	// Same SPS again: no size change.
	if cache.Update(sps) {
		t.Fatal("unchanged SPS should not report a size change")
	}
}
