package vdec

import (
	"bytes"
	"sync"

	"github.com/Eyevinn/mp4ff/avc"
	"github.com/Eyevinn/mp4ff/bits"
)

// SEI payload types (ITU-T H.264 Annex D).
const (
	seiPanScanRect   = 2
	seiRecoveryPoint = 6
)

// PanScanRect is one pan-scan rectangle, offsets in 1/16 luma samples.
type PanScanRect struct {
	Left   int
	Right  int
	Top    int
	Bottom int
}

// StreamInfo is the stream metadata seen by the assembler so far.
type StreamInfo struct {
	Width   int
	Height  int
	Profile int
	Level   int
	// FrameRate is derived from SPS VUI timing, 0 when absent.
	FrameRate float64
	// PanScan holds the latest pan-scan rectangles; nil once cancelled.
	PanScan []PanScanRect
	// RecoveryFrames is recovery_frame_cnt of the last recovery point SEI, -1 if none.
	RecoveryFrames int
}

// sideChannel collects SPS and SEI metadata. It never influences access
// unit boundaries. Written by the dispatcher goroutine, read by clients.
type sideChannel struct {
	mu       sync.Mutex
	info     StreamInfo
	duration int64 // microseconds per frame, 0 when unknown
}

func newSideChannel() *sideChannel {
	return &sideChannel{info: StreamInfo{RecoveryFrames: -1}}
}

func (s *sideChannel) snapshot() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	if s.info.PanScan != nil {
		info.PanScan = append([]PanScanRect(nil), s.info.PanScan...)
	}
	return info
}

func (s *sideChannel) frameDuration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

func (s *sideChannel) reset() {
	s.mu.Lock()
	s.info = StreamInfo{RecoveryFrames: -1}
	s.duration = 0
	s.mu.Unlock()
}

// sps records picture size, profile and frame rate from an SPS NAL unit.
func (s *sideChannel) sps(nalu []byte) {
	sps, err := avc.ParseSPSNALUnit(nalu, true)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.Width = int(sps.Width)
	s.info.Height = int(sps.Height)
	s.info.Profile = int(sps.Profile)
	s.info.Level = int(sps.Level)
	if vui := sps.VUI; vui != nil && vui.TimingInfoPresentFlag && vui.TimeScale > 0 && vui.NumUnitsInTick > 0 {
		// Two ticks per frame for progressive content (ITU-T H.264 E.2.1).
		s.info.FrameRate = float64(vui.TimeScale) / float64(2*vui.NumUnitsInTick)
		s.duration = 2 * int64(vui.NumUnitsInTick) * 1_000_000 / int64(vui.TimeScale)
	}
}

// sei parses the pan-scan and recovery point messages of an SEI NAL unit.
// Other payloads are skipped. Parsing stops at the first malformed message.
func (s *sideChannel) sei(nalu []byte) {
	if len(nalu) < 2 {
		return
	}
	r := bits.NewEBSPReader(bytes.NewReader(nalu[1:]))
	for {
		more, err := r.MoreRbspData()
		if err != nil || !more {
			return
		}
		payloadType := readSEIValue(r)
		payloadSize := readSEIValue(r)
		if r.AccError() != nil {
			return
		}
		switch payloadType {
		case seiPanScanRect:
			s.panScan(r)
			return
		case seiRecoveryPoint:
			s.recoveryPoint(r)
			return
		}
		for i := 0; i < payloadSize; i++ {
			r.Read(8)
		}
		if r.AccError() != nil {
			return
		}
	}
}

// readSEIValue reads an ff-byte coded payload type or size (ITU-T H.264 7.3.2.3.1).
func readSEIValue(r *bits.EBSPReader) int {
	v := 0
	for {
		b := int(r.Read(8))
		v += b
		if b != 0xFF || r.AccError() != nil {
			return v
		}
	}
}

func (s *sideChannel) panScan(r *bits.EBSPReader) {
	_ = r.ReadExpGolomb() // pan_scan_rect_id
	cancel := r.ReadFlag()
	var rects []PanScanRect
	if !cancel {
		count := int(r.ReadExpGolomb()) + 1
		if count > 3 {
			return
		}
		rects = make([]PanScanRect, count)
		for i := range rects {
			rects[i] = PanScanRect{
				Left:   r.ReadSignedGolomb(),
				Right:  r.ReadSignedGolomb(),
				Top:    r.ReadSignedGolomb(),
				Bottom: r.ReadSignedGolomb(),
			}
		}
		_ = r.ReadExpGolomb() // pan_scan_rect_repetition_period
	}
	if r.AccError() != nil {
		return
	}
	s.mu.Lock()
	s.info.PanScan = rects
	s.mu.Unlock()
}

func (s *sideChannel) recoveryPoint(r *bits.EBSPReader) {
	frames := int(r.ReadExpGolomb())
	_ = r.ReadFlag() // exact_match_flag
	_ = r.ReadFlag() // broken_link_flag
	_ = r.Read(2)    // changing_slice_group_idc
	if r.AccError() != nil {
		return
	}
	s.mu.Lock()
	s.info.RecoveryFrames = frames
	s.mu.Unlock()
}
