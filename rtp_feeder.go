package vdec

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// RTP payload types of RFC 6184 used by the feeder.
const (
	rtpSTAPA = 24
	rtpFUA   = 28

	// DefaultClockRate is the RTP clock of video payloads.
	DefaultClockRate = 90000
)

// StreamWriter accepts elementary-stream bytes; *DecodePipeline implements it.
type StreamWriter interface {
	Write(ctx context.Context, data []byte, timestamp int64, flags BufferFlags) error
}

// RTPFeeder reassembles H.264 RTP payloads (single NAL, STAP-A and FU-A)
// into an Annex-B byte stream and writes one frame per marker bit. The
// receiving component must be in arbitrary mode; its assembler regroups
// the stream into access units.
type RTPFeeder struct {
	w         StreamWriter
	clockRate uint32

	mu          sync.Mutex
	frame       []byte // Annex-B NAL units of the frame being received
	fua         []byte // FU-A NAL unit being reassembled
	fragmenting bool
	timestamp   uint32
	started     bool
	lastSeq     uint16
	haveSeq     bool
	// extTS is the unwrapped RTP time of the current frame.
	extTS int64

	dropped int
	frames  int
}

// NewRTPFeeder creates a feeder. clockRate 0 selects DefaultClockRate.
func NewRTPFeeder(w StreamWriter, clockRate uint32) *RTPFeeder {
	if clockRate == 0 {
		clockRate = DefaultClockRate
	}
	return &RTPFeeder{w: w, clockRate: clockRate}
}

// WriteRTP parses and feeds one raw RTP packet.
func (f *RTPFeeder) WriteRTP(ctx context.Context, data []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return fmt.Errorf("unmarshal rtp: %w", err)
	}
	return f.WritePacket(ctx, &pkt)
}

// WritePacket feeds one RTP packet. A completed frame is passed to the
// writer, which may block until input buffers are free or ctx is done.
func (f *RTPFeeder) WritePacket(ctx context.Context, pkt *rtp.Packet) error {
	f.mu.Lock()
	frame, ts, err := f.depacketize(pkt)
	f.mu.Unlock()
	if err != nil || frame == nil {
		return err
	}
	return f.w.Write(ctx, frame, ts, 0)
}

// depacketize returns a complete Annex-B frame when pkt carries the marker bit.
func (f *RTPFeeder) depacketize(pkt *rtp.Packet) ([]byte, int64, error) {
	if len(pkt.Payload) == 0 {
		return nil, 0, nil
	}
	if f.started && pkt.Timestamp != f.timestamp && rtpTimestampOlder(pkt.Timestamp, f.timestamp) {
		// Late packet from a frame already delivered.
		f.dropped++
		return nil, 0, nil
	}
	if f.haveSeq && pkt.SequenceNumber != f.lastSeq+1 && f.fragmenting {
		// A lost FU-A fragment leaves the NAL unit unusable.
		f.fua = f.fua[:0]
		f.fragmenting = false
		f.dropped++
	}
	f.lastSeq, f.haveSeq = pkt.SequenceNumber, true

	if f.started && pkt.Timestamp != f.timestamp {
		// New frame without a marker on the previous one.
		f.frame = f.frame[:0]
		f.fua = f.fua[:0]
		f.fragmenting = false
	}
	f.advance(pkt.Timestamp)

	nalType := pkt.Payload[0] & 0x1F
	switch {
	case nalType >= 1 && nalType <= 23:
		f.frame = append(f.frame, annexBStartCode...)
		f.frame = append(f.frame, pkt.Payload...)
	case nalType == rtpSTAPA:
		if err := f.stapA(pkt.Payload); err != nil {
			return nil, 0, err
		}
	case nalType == rtpFUA:
		if err := f.fuA(pkt.Payload); err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, fmt.Errorf("unsupported NAL type: %d", nalType)
	}

	if !pkt.Marker || len(f.frame) == 0 {
		return nil, 0, nil
	}
	frame := append([]byte(nil), f.frame...)
	f.frame = f.frame[:0]
	f.frames++
	return frame, f.micros(), nil
}

// advance tracks the frame's RTP timestamp, unwrapping 32-bit rollover.
func (f *RTPFeeder) advance(ts uint32) {
	if !f.started {
		f.started = true
		f.timestamp = ts
		return
	}
	f.extTS += int64(int32(ts - f.timestamp))
	f.timestamp = ts
}

func (f *RTPFeeder) micros() int64 {
	return f.extTS * 1_000_000 / int64(f.clockRate)
}

func (f *RTPFeeder) stapA(payload []byte) error {
	offset := 1
	for offset+2 <= len(payload) {
		size := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if offset+size > len(payload) {
			return fmt.Errorf("STAP-A unit of %d bytes, %d left: %w", size, len(payload)-offset, ErrStreamCorrupt)
		}
		if size > 0 {
			f.frame = append(f.frame, annexBStartCode...)
			f.frame = append(f.frame, payload[offset:offset+size]...)
		}
		offset += size
	}
	return nil
}

func (f *RTPFeeder) fuA(payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("FU-A packet too short: %w", ErrStreamCorrupt)
	}
	indicator, header := payload[0], payload[1]
	if header&0x80 != 0 {
		f.fua = append(f.fua[:0], indicator&0xE0|header&0x1F)
		f.fragmenting = true
	}
	if !f.fragmenting {
		return nil
	}
	f.fua = append(f.fua, payload[2:]...)
	if header&0x40 != 0 {
		f.frame = append(f.frame, annexBStartCode...)
		f.frame = append(f.frame, f.fua...)
		f.fua = f.fua[:0]
		f.fragmenting = false
	}
	return nil
}

// Close sends an end-of-stream buffer, finishing the last access unit.
func (f *RTPFeeder) Close(ctx context.Context) error {
	f.mu.Lock()
	ts := f.micros()
	f.frame = f.frame[:0]
	f.mu.Unlock()
	return f.w.Write(ctx, nil, ts, FlagEndOfStream)
}

// Reset drops any partial frame, e.g. after a component flush.
func (f *RTPFeeder) Reset() {
	f.mu.Lock()
	f.frame = f.frame[:0]
	f.fua = f.fua[:0]
	f.fragmenting = false
	f.haveSeq = false
	f.mu.Unlock()
}

// Dropped returns the number of late or incomplete packets discarded.
func (f *RTPFeeder) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Frames returns the number of complete frames written.
func (f *RTPFeeder) Frames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

// rtpTimestampOlder reports whether ts1 is older than or equal to ts2,
// handling 32-bit wraparound.
func rtpTimestampOlder(ts1, ts2 uint32) bool {
	if ts1 == ts2 {
		return true
	}
	return ts2-ts1 < 0x80000000
}
