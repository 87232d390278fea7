package vdec

// MPEG-4 Part 2 start code values (ISO/IEC 14496-2 Table 6-3).
const (
	mpeg4CodeVOLFirst = 0x20
	mpeg4CodeVOLLast  = 0x2F
	mpeg4CodeVOS      = 0xB0
	mpeg4CodeVOSEnd   = 0xB1
	mpeg4CodeUserData = 0xB2
	mpeg4CodeGOV      = 0xB3
	mpeg4CodeVO       = 0xB5
	mpeg4CodeVOP      = 0xB6
)

// VC-1 advanced profile start code suffixes (SMPTE 421M Annex E).
const (
	vc1CodeEndOfSequence  = 0x0A
	vc1CodeSlice          = 0x0B
	vc1CodeField          = 0x0C
	vc1CodeFrame          = 0x0D
	vc1CodeEntryPoint     = 0x0E
	vc1CodeSequenceHeader = 0x0F
	vc1CodeSliceUserData  = 0x1B
	vc1CodeFieldUserData  = 0x1C
	vc1CodeFrameUserData  = 0x1D
	vc1CodeEntryUserData  = 0x1E
	vc1CodeSeqUserData    = 0x1F
)

// segmentKind says how a start-code segment affects unit boundaries.
type segmentKind uint8

const (
	// segPicture starts a coded picture.
	segPicture segmentKind = iota
	// segHeader precedes a picture and is folded into that picture's unit.
	segHeader
	// segContinuation belongs to the picture already in the unit.
	segContinuation
	// segEnd closes the unit it is appended to.
	segEnd
)

// startCodeAssembler builds units for MPEG-4 Part 2, H.263 and VC-1 streams.
// Headers fold into the following picture's unit, except ahead of the very
// first picture where they form a header-only codec-config unit.
type startCodeAssembler struct {
	codec Codec
	scan  startCodeScanner
	unit  unitBuilder
	side  *sideChannel
	// units counts units handed out since the last reset.
	units int
}

func newStartCodeAssembler(codec Codec, limit int, side *sideChannel) *startCodeAssembler {
	a := &startCodeAssembler{
		codec: codec,
		unit:  unitBuilder{limit: limit},
		side:  side,
	}
	a.scan.limit = limit
	if codec == CodecH263 {
		a.scan.match = matchH263PSC
	} else {
		a.scan.match = matchPrefix01
		a.scan.trimZeros = true
	}
	return a
}

func (a *startCodeAssembler) classify(seg []byte) segmentKind {
	if a.codec == CodecH263 {
		return segPicture
	}
	if len(seg) < 4 {
		return segContinuation
	}
	code := seg[3]
	switch a.codec {
	case CodecMPEG4:
		switch {
		case code == mpeg4CodeVOP:
			return segPicture
		case code == mpeg4CodeVOSEnd:
			return segEnd
		case code <= mpeg4CodeVOLLast, code == mpeg4CodeVOS, code == mpeg4CodeVO,
			code == mpeg4CodeGOV, code == mpeg4CodeUserData:
			return segHeader
		}
		return segContinuation
	default:
		switch code {
		case vc1CodeFrame:
			return segPicture
		case vc1CodeSequenceHeader, vc1CodeEntryPoint, vc1CodeEntryUserData, vc1CodeSeqUserData:
			return segHeader
		case vc1CodeEndOfSequence:
			return segEnd
		}
		return segContinuation
	}
}

func (a *startCodeAssembler) segment(seg []byte, ts int64) error {
	kind := a.classify(seg)
	switch kind {
	case segPicture:
		if a.unit.picture || (a.units == 0 && !a.unit.empty()) {
			a.closeUnit(0)
		}
	case segHeader:
		if a.unit.picture {
			a.closeUnit(0)
		}
	}
	if err := a.unit.append(ts, seg); err != nil {
		a.unit.discard()
		return err
	}
	if kind == segPicture {
		a.unit.picture = true
	}
	if kind == segEnd {
		a.closeUnit(0)
	}
	return nil
}

func (a *startCodeAssembler) closeUnit(flags BufferFlags) {
	if a.unit.empty() {
		return
	}
	a.unit.close(flags)
	a.units++
}

func (a *startCodeAssembler) feed(data []byte, ts int64, flags BufferFlags) ([]accessUnit, error) {
	if a.side != nil {
		a.unit.frameDuration = a.side.frameDuration()
	}
	err := a.scan.feed(data, ts, a.segment)
	if flags.Has(FlagEndOfStream) {
		if ferr := a.scan.finish(a.segment); ferr != nil && err == nil {
			err = ferr
		}
		if !a.unit.empty() {
			a.units++
		}
		a.unit.endOfStream(ts)
		units := a.unit.take()
		a.reset()
		return units, err
	}
	return a.unit.take(), err
}

func (a *startCodeAssembler) reset() {
	a.scan.reset()
	a.unit.reset()
	a.units = 0
}
