package vdec

import (
	"fmt"
)

// accessUnit is one complete unit ready for a driver input buffer.
type accessUnit struct {
	data      []byte
	timestamp int64
	flags     BufferFlags
}

// assembler turns arbitrary client byte ranges into access units. It keeps
// partial units across calls and is only used from the dispatcher goroutine.
type assembler interface {
	// feed consumes one client buffer. Units completed by it are returned even
	// when err reports a stream error for a later unit.
	feed(data []byte, timestamp int64, flags BufferFlags) ([]accessUnit, error)
	// reset drops all partial state.
	reset()
}

// newAssembler picks the assembler for a codec. limit is the largest unit
// that fits a driver input buffer.
func newAssembler(codec Codec, nalLengthSize, limit int, side *sideChannel) (assembler, error) {
	switch codec {
	case CodecH264:
		switch nalLengthSize {
		case 0, 1, 2, 4:
		default:
			return nil, fmt.Errorf("nal length size %d: %w", nalLengthSize, ErrBadParameter)
		}
		return newH264Assembler(nalLengthSize, limit, side), nil
	case CodecMPEG4, CodecH263, CodecVC1, CodecVC1Advanced:
		return newStartCodeAssembler(codec, limit, side), nil
	default:
		return nil, fmt.Errorf("%s: %w", codec, ErrCodecNotSupported)
	}
}

// unitBuilder accumulates the access unit in progress and collects the
// finished ones for the current feed call.
type unitBuilder struct {
	buf       []byte
	timestamp int64
	flags     BufferFlags
	limit     int
	// picture is set once the unit holds coded picture data.
	picture bool
	// lastTimestamp is the timestamp of the last unit handed out.
	lastTimestamp int64
	emitted       int
	// frameDuration, when known, spaces out units that share a timestamp.
	frameDuration int64
	out           []accessUnit
}

func (u *unitBuilder) empty() bool {
	return len(u.buf) == 0
}

// append adds bytes to the current unit. The first bytes fix its timestamp.
func (u *unitBuilder) append(timestamp int64, parts ...[]byte) error {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if len(u.buf)+n > u.limit {
		return fmt.Errorf("access unit of %d bytes exceeds %d: %w", len(u.buf)+n, u.limit, ErrStreamCorrupt)
	}
	if len(u.buf) == 0 {
		u.timestamp = timestamp
	}
	for _, p := range parts {
		u.buf = append(u.buf, p...)
	}
	return nil
}

// close finalizes the current unit, if any.
func (u *unitBuilder) close(flags BufferFlags) {
	if len(u.buf) == 0 {
		return
	}
	flags |= u.flags
	if !u.picture {
		flags |= FlagCodecConfig
	}
	ts := u.timestamp
	if u.picture && u.emitted > 0 && u.frameDuration > 0 && ts <= u.lastTimestamp {
		ts = u.lastTimestamp + u.frameDuration
	}
	u.out = append(u.out, accessUnit{
		data:      append([]byte(nil), u.buf...),
		timestamp: ts,
		flags:     flags,
	})
	if u.picture {
		u.lastTimestamp = ts
		u.emitted++
	}
	u.discard()
}

// endOfStream closes the current unit with FlagEndOfStream, or emits a
// zero-length marker carrying the flag when nothing is buffered.
func (u *unitBuilder) endOfStream(timestamp int64) {
	if len(u.buf) > 0 {
		u.close(FlagEndOfStream)
		return
	}
	u.out = append(u.out, accessUnit{timestamp: timestamp, flags: FlagEndOfStream})
}

// discard drops the unit in progress.
func (u *unitBuilder) discard() {
	u.buf = u.buf[:0]
	u.flags = 0
	u.picture = false
}

// take returns and clears the finished units.
func (u *unitBuilder) take() []accessUnit {
	out := u.out
	u.out = nil
	return out
}

func (u *unitBuilder) reset() {
	u.discard()
	u.out = nil
	u.emitted = 0
	u.lastTimestamp = 0
}

// startCodeMatcher reports whether a start code begins at b[i]; callers
// guarantee i+2 < len(b).
type startCodeMatcher func(b []byte, i int) bool

// matchPrefix01 matches the 0x000001 prefix shared by H.264, MPEG-4 Part 2 and VC-1.
func matchPrefix01(b []byte, i int) bool {
	return b[i] == 0 && b[i+1] == 0 && b[i+2] == 1
}

// matchH263PSC matches a byte-aligned H.263 picture start code.
func matchH263PSC(b []byte, i int) bool {
	return b[i] == 0 && b[i+1] == 0 && b[i+2]&0xFC == 0x80
}

// startCodeScanner splits a byte stream into start-code delimited segments
// regardless of how the stream is cut into buffers. The segment in progress
// is held in carry until the next start code or the end of stream.
type startCodeScanner struct {
	match startCodeMatcher
	// trimZeros drops zero bytes that precede the next start code.
	trimZeros bool
	limit     int

	carry []byte
	// started is set once carry begins with a start code.
	started bool
	// searchPos is the first carry offset not yet scanned.
	searchPos int
	// carryTS is the timestamp of the buffer in which carry's segment began.
	carryTS int64
	// offsets holds the start-code positions found by the last scan.
	offsets []int
}

func (s *startCodeScanner) reset() {
	s.carry = s.carry[:0]
	s.started = false
	s.searchPos = 0
	s.carryTS = 0
	s.offsets = s.offsets[:0]
}

// feed appends data and calls emit for every segment it completes. Each
// segment starts with its start code. On an emit error the rest of the
// buffer is dropped and scanning resynchronizes on the next start code.
func (s *startCodeScanner) feed(data []byte, timestamp int64, emit func(seg []byte, ts int64) error) error {
	prevLen := len(s.carry)
	prevTS := s.carryTS
	s.carry = append(s.carry, data...)

	s.offsets = s.offsets[:0]
	from := max(s.searchPos, 0)
	if s.started {
		from = max(from, 1)
	}
	for i := from; i+2 < len(s.carry); i++ {
		if s.match(s.carry, i) {
			s.offsets = append(s.offsets, i)
			i += 2
		}
	}
	s.searchPos = max(len(s.carry)-2, 0)

	segStart := 0
	segTS := prevTS
	for _, off := range s.offsets {
		if !s.started {
			// Bytes ahead of the first start code belong to no unit.
			s.started = true
			segStart, segTS = off, tsAt(off, prevLen, prevTS, timestamp)
			continue
		}
		seg := s.carry[segStart:off]
		if s.trimZeros {
			seg = trimTrailingZeros(seg)
		}
		if err := emit(seg, segTS); err != nil {
			s.reset()
			return err
		}
		segStart, segTS = off, tsAt(off, prevLen, prevTS, timestamp)
	}

	if !s.started {
		// Keep only what could still be the beginning of a start code.
		keep := min(len(s.carry), 2)
		copy(s.carry, s.carry[len(s.carry)-keep:])
		s.carry = s.carry[:keep]
		s.searchPos = 0
		s.carryTS = timestamp
		return nil
	}

	n := copy(s.carry, s.carry[segStart:])
	s.carry = s.carry[:n]
	s.searchPos = max(s.searchPos-segStart, 1)
	s.carryTS = segTS
	if len(s.carry) > s.limit {
		s.reset()
		return fmt.Errorf("segment exceeds %d bytes: %w", s.limit, ErrStreamCorrupt)
	}
	return nil
}

// finish emits the trailing segment at end of stream and resets the scanner.
func (s *startCodeScanner) finish(emit func(seg []byte, ts int64) error) error {
	defer s.reset()
	if !s.started || len(s.carry) == 0 {
		return nil
	}
	seg := s.carry
	if s.trimZeros {
		seg = trimTrailingZeros(seg)
	}
	return emit(seg, s.carryTS)
}

// tsAt attributes a start code at carry offset off to the buffer it began in.
func tsAt(off, prevLen int, prevTS, ts int64) int64 {
	if off < prevLen {
		return prevTS
	}
	return ts
}

func trimTrailingZeros(b []byte) []byte {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return b[:n]
}
