package vdec

import (
	"bytes"
	"fmt"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/bits"
)

// H264 NAL unit types
const (
	nalTypeSlice       = 1
	nalTypePartitionA  = 2
	nalTypeIDR         = 5
	nalTypeSEI         = 6
	nalTypeSPS         = 7
	nalTypePPS         = 8
	nalTypeAUD         = 9
	nalTypeEndOfSeq    = 10
	nalTypeEndOfStream = 11
	nalTypePrefix      = 14
	nalTypeReserved18  = 18
)

var annexBStartCode = []byte{0, 0, 0, 1}

// sliceHeader holds the slice header fields used for access unit detection
// (ITU-T H.264 7.4.1.2.4).
type sliceHeader struct {
	firstMB uint
	ppsID   uint
	idr     bool
	refIdc  byte
}

func parseSliceHeader(nalu []byte) sliceHeader {
	sh := sliceHeader{
		idr:    nalu[0]&0x1F == nalTypeIDR,
		refIdc: (nalu[0] >> 5) & 0x03,
	}
	if len(nalu) < 2 {
		return sh
	}
	r := bits.NewEBSPReader(bytes.NewReader(nalu[1:]))
	sh.firstMB = r.ReadExpGolomb()
	_ = r.ReadExpGolomb() // slice_type
	sh.ppsID = r.ReadExpGolomb()
	if r.AccError() != nil {
		// A truncated header is treated as the first slice of a picture.
		return sliceHeader{idr: sh.idr, refIdc: sh.refIdc}
	}
	return sh
}

// firstSliceOfPicture compares a slice with the previous one of the unit.
func (sh sliceHeader) firstSliceOfPicture(prev sliceHeader) bool {
	return sh.firstMB == 0 ||
		sh.ppsID != prev.ppsID ||
		sh.idr != prev.idr ||
		(sh.refIdc == 0) != (prev.refIdc == 0)
}

// h264Assembler groups NAL units into access units. Input is either an
// Annex-B byte stream or length-prefixed NAL units; output is always
// Annex-B with 4-byte start codes.
type h264Assembler struct {
	lengthSize int
	scan       startCodeScanner
	unit       unitBuilder
	side       *sideChannel
	vcl        bool
	prev       sliceHeader

	// length-prefixed parsing state
	lenBuf  [4]byte
	lenHave int
	need    int
	nal     []byte
	nalTS   int64
}

func newH264Assembler(lengthSize, limit int, side *sideChannel) *h264Assembler {
	a := &h264Assembler{
		lengthSize: lengthSize,
		unit:       unitBuilder{limit: limit},
		side:       side,
	}
	a.scan = startCodeScanner{match: matchPrefix01, trimZeros: true, limit: limit}
	return a
}

// startsNewUnit applies the first-NAL-of-access-unit rule of ITU-T H.264
// 7.4.1.2.3 to a NAL following one or more VCL NAL units.
func (a *h264Assembler) startsNewUnit(nalType byte, nalu []byte) bool {
	if !a.vcl {
		return false
	}
	switch {
	case nalType == nalTypeAUD, nalType == nalTypeSPS, nalType == nalTypePPS, nalType == nalTypeSEI,
		nalType >= nalTypePrefix && nalType <= nalTypeReserved18:
		return true
	case nalType == nalTypeSlice, nalType == nalTypeIDR, nalType == nalTypePartitionA:
		return parseSliceHeader(nalu).firstSliceOfPicture(a.prev)
	}
	return false
}

// addNAL classifies one NAL unit (without start code) and adds it to the
// current or a new access unit.
func (a *h264Assembler) addNAL(nalu []byte, ts int64) error {
	if len(nalu) == 0 {
		return nil
	}
	nalType := byte(avc.GetNaluType(nalu[0]))
	if a.side != nil {
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS:
			a.side.sps(nalu)
			a.unit.frameDuration = a.side.frameDuration()
		case avc.NALU_SEI:
			a.side.sei(nalu)
		}
	}
	if a.startsNewUnit(nalType, nalu) {
		a.closeUnit(0)
	}
	if err := a.unit.append(ts, annexBStartCode, nalu); err != nil {
		a.unit.discard()
		a.vcl = false
		return err
	}
	switch nalType {
	case nalTypeSlice, nalTypeIDR, nalTypePartitionA:
		a.vcl = true
		a.unit.picture = true
		a.prev = parseSliceHeader(nalu)
		if nalType == nalTypeIDR {
			a.unit.flags |= FlagSyncFrame
		}
	case nalTypeEndOfSeq, nalTypeEndOfStream:
		a.closeUnit(0)
	}
	return nil
}

func (a *h264Assembler) closeUnit(flags BufferFlags) {
	a.unit.close(flags)
	a.vcl = false
}

func (a *h264Assembler) segment(seg []byte, ts int64) error {
	// Segments start with the 3-byte prefix.
	return a.addNAL(seg[3:], ts)
}

func (a *h264Assembler) feed(data []byte, ts int64, flags BufferFlags) ([]accessUnit, error) {
	var err error
	if a.lengthSize == 0 {
		err = a.scan.feed(data, ts, a.segment)
	} else {
		err = a.feedLengthPrefixed(data, ts)
	}
	if !flags.Has(FlagEndOfStream) {
		return a.unit.take(), err
	}

	var eosErr error
	if a.lengthSize == 0 {
		eosErr = a.scan.finish(a.segment)
	} else if a.lenHave > 0 || a.need > 0 {
		eosErr = fmt.Errorf("end of stream inside a NAL unit: %w", ErrStreamCorrupt)
	}
	if err == nil {
		err = eosErr
	}
	a.unit.endOfStream(ts)
	units := a.unit.take()
	a.reset()
	return units, err
}

// feedLengthPrefixed parses NAL units preceded by a big-endian length of
// lengthSize bytes. Lengths and payloads may be split across buffers.
func (a *h264Assembler) feedLengthPrefixed(data []byte, ts int64) error {
	for len(data) > 0 {
		if a.need == 0 {
			if a.lenHave == 0 {
				a.nalTS = ts
			}
			n := copy(a.lenBuf[a.lenHave:a.lengthSize], data)
			a.lenHave += n
			data = data[n:]
			if a.lenHave < a.lengthSize {
				return nil
			}
			size := 0
			for _, b := range a.lenBuf[:a.lengthSize] {
				size = size<<8 | int(b)
			}
			a.lenHave = 0
			if size == 0 {
				continue
			}
			if size > a.unit.limit {
				a.resetParse()
				return fmt.Errorf("NAL unit of %d bytes exceeds %d: %w", size, a.unit.limit, ErrStreamCorrupt)
			}
			a.need = size
			a.nal = a.nal[:0]
		}
		n := min(a.need, len(data))
		a.nal = append(a.nal, data[:n]...)
		a.need -= n
		data = data[n:]
		if a.need == 0 {
			if err := a.addNAL(a.nal, a.nalTS); err != nil {
				a.resetParse()
				return err
			}
		}
	}
	return nil
}

func (a *h264Assembler) resetParse() {
	a.lenHave = 0
	a.need = 0
	a.nal = a.nal[:0]
}

func (a *h264Assembler) reset() {
	a.scan.reset()
	a.unit.reset()
	a.resetParse()
	a.vcl = false
	a.prev = sliceHeader{}
}

// parseAnnexBNALUnits splits a complete Annex-B buffer into NAL units
// without their start codes. Trailing zero bytes of a NAL unit are dropped.
func parseAnnexBNALUnits(data []byte) [][]byte {
	var nalUnits [][]byte
	start := -1
	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 || data[i+2] != 1 {
			continue
		}
		if start >= 0 {
			if nalu := trimTrailingZeros(data[start:i]); len(nalu) > 0 {
				nalUnits = append(nalUnits, nalu)
			}
		}
		start = i + 3
		i += 2
	}
	if start >= 0 {
		if nalu := trimTrailingZeros(data[start:]); len(nalu) > 0 {
			nalUnits = append(nalUnits, nalu)
		}
	}
	return nalUnits
}

// splitLengthPrefixed splits length-prefixed NAL units. A truncated last
// unit is reported as a stream error.
func splitLengthPrefixed(data []byte, lengthSize int) ([][]byte, error) {
	var nalUnits [][]byte
	for len(data) > 0 {
		if len(data) < lengthSize {
			return nalUnits, fmt.Errorf("truncated NAL length: %w", ErrStreamCorrupt)
		}
		size := 0
		for _, b := range data[:lengthSize] {
			size = size<<8 | int(b)
		}
		data = data[lengthSize:]
		if size > len(data) {
			return nalUnits, fmt.Errorf("NAL unit of %d bytes, %d left: %w", size, len(data), ErrStreamCorrupt)
		}
		if size > 0 {
			nalUnits = append(nalUnits, data[:size])
		}
		data = data[size:]
	}
	return nalUnits, nil
}

// writeAnnexB writes NAL units with 4-byte start codes into dst and returns
// the number of bytes written.
func writeAnnexB(dst []byte, nalUnits [][]byte) (int, error) {
	n := 0
	for _, nalu := range nalUnits {
		if n+len(annexBStartCode)+len(nalu) > len(dst) {
			return 0, fmt.Errorf("access unit exceeds %d bytes: %w", len(dst), ErrStreamCorrupt)
		}
		n += copy(dst[n:], annexBStartCode)
		n += copy(dst[n:], nalu)
	}
	return n, nil
}

// inspectParameterSets feeds the SPS and SEI NAL units of a complete
// access unit to the side channel.
func inspectParameterSets(side *sideChannel, nalUnits [][]byte) {
	for _, nalu := range nalUnits {
		switch avc.GetNaluType(nalu[0]) {
		case avc.NALU_SPS:
			side.sps(nalu)
		case avc.NALU_SEI:
			side.sei(nalu)
		}
	}
}
