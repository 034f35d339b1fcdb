package service

import (
	"errors"
	"fmt"
	"sync"
)

// H.264 NAL unit types we care about.
const (
	nalTypeIDR = 5
	nalTypeSPS = 7
	nalTypePPS = 8
)

// extractNAL extracts a single Annex-B NAL unit (including its start
// code) from buf, returning the rest. nil nal means the buffer does
// not yet hold a complete unit.
func extractNAL(buf []byte) (nal []byte, remaining []byte) {
	if len(buf) < 4 {
		return nil, buf
	}

	startIdx := findStartCode(buf)
	if startIdx < 0 {
		return nil, buf
	}

	searchStart := startIdx + 3
	if len(buf) > startIdx+3 && buf[startIdx+2] == 0 {
		searchStart = startIdx + 4
	}

	for i := searchStart; i < len(buf)-2; i++ {
		if buf[i] == 0 && buf[i+1] == 0 && (buf[i+2] == 1 || (buf[i+2] == 0 && i+3 < len(buf) && buf[i+3] == 1)) {
			return buf[startIdx:i], buf[i:]
		}
	}

	return nil, buf
}

// splitAnnexB splits a complete access unit into its NAL units.
// The trailing unit has no following start code, so the remainder
// after the last extraction is flushed as a final unit.
func splitAnnexB(au []byte) [][]byte {
	var units [][]byte
	buf := au
	for {
		nal, rest := extractNAL(buf)
		if nal == nil {
			break
		}
		units = append(units, nal)
		buf = rest
	}
	if idx := findStartCode(buf); idx >= 0 {
		units = append(units, buf[idx:])
	}
	return units
}

// findStartCode finds the position of 00 00 01 or 00 00 00 01.
func findStartCode(data []byte) int {
	n := len(data)
	for i := 0; i < n-2; i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if i > 0 && data[i-1] == 0 {
				return i - 1
			}
			return i
		}
	}
	return -1
}

// nalUnitType returns the type of an Annex-B NAL unit, or -1.
func nalUnitType(nal []byte) int {
	if len(nal) >= 4 && nal[0] == 0 && nal[1] == 0 {
		if nal[2] == 1 {
			return int(nal[3] & 0x1F)
		}
		if nal[2] == 0 && nal[3] == 1 && len(nal) > 4 {
			return int(nal[4] & 0x1F)
		}
	}
	return -1
}

// nalPayload strips the start code and NAL header byte.
func nalPayload(nal []byte) []byte {
	if len(nal) >= 4 && nal[0] == 0 && nal[1] == 0 {
		if nal[2] == 1 {
			return nal[4:]
		}
		if nal[2] == 0 && len(nal) > 4 && nal[3] == 1 {
			return nal[5:]
		}
	}
	return nil
}

// frameCache keeps the latest SPS, PPS and IDR so a viewer attaching
// mid-stream can start decoding without waiting for the next keyframe.
// It also tracks the coded frame size parsed from the SPS.
type frameCache struct {
	mu      sync.Mutex
	sps     []byte
	pps     []byte
	lastIDR []byte
	width   int
	height  int
}

// Update inspects one NAL unit, caching headers and keyframes.
// sizeChanged is true when an SPS carried new frame dimensions.
func (f *frameCache) Update(nal []byte) (sizeChanged bool) {
	switch nalUnitType(nal) {
	case nalTypeSPS:
		f.mu.Lock()
		f.sps = append(f.sps[:0], nal...)
		if w, h, err := parseSPSDimensions(nalPayload(nal)); err == nil {
			if w != f.width || h != f.height {
				f.width, f.height = w, h
				sizeChanged = true
			}
		}
		f.mu.Unlock()
	case nalTypePPS:
		f.mu.Lock()
		f.pps = append(f.pps[:0], nal...)
		f.mu.Unlock()
	case nalTypeIDR:
		f.mu.Lock()
		f.lastIDR = append(f.lastIDR[:0], nal...)
		f.mu.Unlock()
	}
	return sizeChanged
}

// Headers returns copies of the cached SPS, PPS and last IDR.
func (f *frameCache) Headers() (sps, pps, idr []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sps != nil {
		sps = append([]byte(nil), f.sps...)
	}
	if f.pps != nil {
		pps = append([]byte(nil), f.pps...)
	}
	if f.lastIDR != nil {
		idr = append([]byte(nil), f.lastIDR...)
	}
	return sps, pps, idr
}

// Size returns the last parsed coded frame dimensions.
func (f *frameCache) Size() (w, h int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.width, f.height
}

// parseSPSDimensions decodes the coded picture width/height from an
// SPS RBSP (payload without start code and NAL header).
func parseSPSDimensions(rbsp []byte) (width, height int, err error) {
	if len(rbsp) < 3 {
		return 0, 0, errors.New("sps too short")
	}

	r := newBitReader(stripEmulationPrevention(rbsp))

	profileIDC := r.bits(8)
	r.bits(8) // constraint flags + reserved
	r.bits(8) // level_idc
	r.ue()    // seq_parameter_set_id

	chromaFormatIDC := uint(1)
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
		chromaFormatIDC = r.ue()
		if chromaFormatIDC == 3 {
			r.bits(1) // separate_colour_plane_flag
		}
		r.ue()    // bit_depth_luma_minus8
		r.ue()    // bit_depth_chroma_minus8
		r.bits(1) // qpprime_y_zero_transform_bypass_flag
		if r.bits(1) == 1 { // seq_scaling_matrix_present_flag
			lists := 8
			if chromaFormatIDC == 3 {
				lists = 12
			}
			for i := 0; i < lists; i++ {
				if r.bits(1) == 1 {
					size := 16
					if i >= 6 {
						size = 64
					}
					skipScalingList(r, size)
				}
			}
		}
	}

	r.ue() // log2_max_frame_num_minus4
	switch r.ue() { // pic_order_cnt_type
	case 0:
		r.ue() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		r.bits(1) // delta_pic_order_always_zero_flag
		r.se()    // offset_for_non_ref_pic
		r.se()    // offset_for_top_to_bottom_field
		n := r.ue()
		for i := uint(0); i < n; i++ {
			r.se()
		}
	}
	r.ue()    // max_num_ref_frames
	r.bits(1) // gaps_in_frame_num_value_allowed_flag

	picWidthInMbs := r.ue() + 1
	picHeightInMapUnits := r.ue() + 1
	frameMbsOnly := r.bits(1)
	if frameMbsOnly == 0 {
		r.bits(1) // mb_adaptive_frame_field_flag
	}
	r.bits(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint
	if r.bits(1) == 1 { // frame_cropping_flag
		cropLeft = r.ue()
		cropRight = r.ue()
		cropTop = r.ue()
		cropBottom = r.ue()
	}
	if r.failed {
		return 0, 0, errors.New("sps truncated")
	}

	// Crop units per chroma format (4:2:0 doubles both axes).
	cropX, cropY := uint(1), uint(1)
	switch chromaFormatIDC {
	case 1:
		cropX, cropY = 2, 2
	case 2:
		cropX, cropY = 2, 1
	}
	cropY *= 2 - frameMbsOnly

	width = int(picWidthInMbs*16 - cropX*(cropLeft+cropRight))
	height = int((2-frameMbsOnly)*picHeightInMapUnits*16 - cropY*(cropTop+cropBottom))
	if width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("implausible sps dimensions %dx%d", width, height)
	}
	return width, height, nil
}

func skipScalingList(r *bitReader, size int) {
	lastScale, nextScale := 8, 8
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			nextScale = (lastScale + r.se() + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
}

// stripEmulationPrevention removes 0x03 bytes from 00 00 03 sequences.
func stripEmulationPrevention(b []byte) []byte {
	out := make([]byte, 0, len(b))
	zeros := 0
	for i := 0; i < len(b); i++ {
		if zeros >= 2 && b[i] == 3 {
			zeros = 0
			continue
		}
		if b[i] == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b[i])
	}
	return out
}

// bitReader reads MSB-first with Exp-Golomb helpers. Reads past the
// end set failed instead of panicking.
type bitReader struct {
	data   []byte
	bit    uint
	failed bool
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

func (r *bitReader) bits(n uint) uint {
	var v uint
	for i := uint(0); i < n; i++ {
		byteIdx := r.bit / 8
		if int(byteIdx) >= len(r.data) {
			r.failed = true
			return 0
		}
		v = v<<1 | uint(r.data[byteIdx]>>(7-r.bit%8))&1
		r.bit++
	}
	return v
}

// ue reads an unsigned Exp-Golomb code.
func (r *bitReader) ue() uint {
	zeros := uint(0)
	for !r.failed && r.bits(1) == 0 {
		zeros++
		if zeros > 31 {
			r.failed = true
			return 0
		}
	}
	if r.failed {
		return 0
	}
	return (1 << zeros) - 1 + r.bits(zeros)
}

// se reads a signed Exp-Golomb code.
func (r *bitReader) se() int {
	v := r.ue()
	if v%2 == 0 {
		return -int(v / 2)
	}
	return int(v+1) / 2
}
