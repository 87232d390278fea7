package vdec

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

const (
	rtpHeaderSize = 12
	defaultMTU    = 1200
)

// RTPPacketizer splits Annex-B H.264 access units into RTP packets the way
// RTPFeeder expects them: small NAL units are aggregated into STAP-A
// packets and large ones fragmented into FU-A packets. The marker bit is
// set on the last packet of each access unit.
type RTPPacketizer struct {
	mu          sync.Mutex
	ssrc        uint32
	payloadType uint8
	mtu         int
	clockRate   uint32
	sequencer   rtp.Sequencer
}

// NewRTPPacketizer creates a packetizer. mtu <= 0 selects 1200 bytes.
func NewRTPPacketizer(ssrc uint32, payloadType uint8, mtu int) *RTPPacketizer {
	if mtu <= rtpHeaderSize+2 {
		mtu = defaultMTU
	}
	return &RTPPacketizer{
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		clockRate:   DefaultClockRate,
		sequencer:   rtp.NewRandomSequencer(),
	}
}

// Packetize converts one access unit with a timestamp in microseconds.
func (p *RTPPacketizer) Packetize(au []byte, timestamp int64) ([]*rtp.Packet, error) {
	nalUnits := parseAnnexBNALUnits(au)
	if len(nalUnits) == 0 {
		return nil, fmt.Errorf("no NAL units in %d bytes: %w", len(au), ErrStreamCorrupt)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ts := uint32(timestamp * int64(p.clockRate) / 1_000_000)
	maxPayload := p.mtu - rtpHeaderSize

	var payloads [][]byte
	for i := 0; i < len(nalUnits); {
		nalu := nalUnits[i]
		if len(nalu) > maxPayload {
			payloads = append(payloads, fragmentFUA(nalu, maxPayload)...)
			i++
			continue
		}
		// Aggregate as many following NAL units as fit.
		n, size := 1, 1+2+len(nalu)
		for i+n < len(nalUnits) && size+2+len(nalUnits[i+n]) <= maxPayload {
			size += 2 + len(nalUnits[i+n])
			n++
		}
		if n == 1 {
			payloads = append(payloads, nalu)
		} else {
			payloads = append(payloads, aggregateSTAPA(nalUnits[i:i+n], size))
		}
		i += n
	}

	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		packets[i] = &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
	}
	return packets, nil
}

// PacketizeToBytes is Packetize followed by marshaling each packet.
func (p *RTPPacketizer) PacketizeToBytes(au []byte, timestamp int64) ([][]byte, error) {
	packets, err := p.Packetize(au, timestamp)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(packets))
	for i, pkt := range packets {
		if out[i], err = pkt.Marshal(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *RTPPacketizer) SSRC() uint32 { p.mu.Lock(); defer p.mu.Unlock(); return p.ssrc }
func (p *RTPPacketizer) MTU() int     { p.mu.Lock(); defer p.mu.Unlock(); return p.mtu }

func aggregateSTAPA(nalUnits [][]byte, size int) []byte {
	var nri byte
	out := make([]byte, 1, size)
	for _, nalu := range nalUnits {
		nri = max(nri, nalu[0]&0x60)
		out = append(out, byte(len(nalu)>>8), byte(len(nalu)))
		out = append(out, nalu...)
	}
	out[0] = nri | rtpSTAPA
	return out
}

// fragmentFUA splits nalu into FU-A payloads of at most maxPayload bytes.
func fragmentFUA(nalu []byte, maxPayload int) [][]byte {
	indicator := nalu[0]&0x60 | rtpFUA
	nalType := nalu[0] & 0x1F
	rest := nalu[1:]
	chunk := maxPayload - 2

	var out [][]byte
	for offset := 0; offset < len(rest); offset += chunk {
		end := min(offset+chunk, len(rest))
		header := nalType
		if offset == 0 {
			header |= 0x80
		}
		if end == len(rest) {
			header |= 0x40
		}
		frag := make([]byte, 2+end-offset)
		frag[0], frag[1] = indicator, header
		copy(frag[2:], rest[offset:end])
		out = append(out, frag)
	}
	return out
}
