package vdec

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SoftDriverConfig sizes the buffers a SoftDriver asks for.
type SoftDriverConfig struct {
	InputCount  int
	InputSize   int
	OutputCount int
	Width       int
	Height      int
}

// SoftDriver is an in-process Driver. It does not decode: every access unit
// queued on the input port is recorded and, unless it only carries codec
// configuration, produces one output frame of the configured size. It
// follows the same ownership rules as a hardware device, so it backs the
// component tests and the example programs.
type SoftDriver struct {
	mu        sync.Mutex
	cfg       SoftDriverConfig
	codec     Codec
	opened    bool
	closed    bool
	subscribe bool
	streaming [portCount]bool
	queued    [portCount][]*Buffer
	frames    []softFrame
	units     []RecordedUnit
	events    []DriverEvent
	notify    chan struct{}
	outReq    BufferRequirements
	flushes   [portCount]int
	queueErr  error
}

// RecordedUnit is an input access unit as the SoftDriver saw it.
type RecordedUnit struct {
	Data      []byte
	Timestamp int64
	Flags     BufferFlags
}

type softFrame struct {
	timestamp int64
	flags     BufferFlags
	empty     bool
}

// NewSoftDriver creates a SoftDriver. Zero fields get defaults.
func NewSoftDriver(cfg SoftDriverConfig) *SoftDriver {
	if cfg.InputCount <= 0 {
		cfg.InputCount = 4
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 1 << 20
	}
	if cfg.OutputCount <= 0 {
		cfg.OutputCount = 4
	}
	if cfg.Width <= 0 {
		cfg.Width = 320
	}
	if cfg.Height <= 0 {
		cfg.Height = 240
	}
	return &SoftDriver{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
		outReq: frameRequirements(cfg.OutputCount, cfg.Width, cfg.Height),
	}
}

func frameRequirements(count, width, height int) BufferRequirements {
	return BufferRequirements{
		Count:  count,
		Size:   I420Size(width, height),
		Width:  width,
		Height: height,
		Stride: width,
	}
}

// Open implements Driver.
func (d *SoftDriver) Open(cfg DriverConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.codec = cfg.Codec
	if cfg.Width > 0 && cfg.Height > 0 {
		d.cfg.Width, d.cfg.Height = cfg.Width, cfg.Height
	}
	if cfg.InputBufferCount > d.cfg.InputCount {
		d.cfg.InputCount = cfg.InputBufferCount
	}
	if cfg.InputBufferSize > d.cfg.InputSize {
		d.cfg.InputSize = cfg.InputBufferSize
	}
	if cfg.OutputBufferCount > d.cfg.OutputCount {
		d.cfg.OutputCount = cfg.OutputBufferCount
	}
	d.outReq = frameRequirements(d.cfg.OutputCount, d.cfg.Width, d.cfg.Height)
	d.opened = true
	return nil
}

// Requirements implements Driver.
func (d *SoftDriver) Requirements(port Port) (BufferRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch port {
	case PortInput:
		return BufferRequirements{Count: d.cfg.InputCount, Size: d.cfg.InputSize}, nil
	case PortOutput:
		return d.outReq, nil
	default:
		return BufferRequirements{}, ErrBadPort
	}
}

// Queue implements Driver.
func (d *SoftDriver) Queue(buf *Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened || d.closed {
		return fmt.Errorf("queue on closed device: %w", ErrHardware)
	}
	if d.queueErr != nil {
		return d.queueErr
	}
	if !buf.Port.valid() {
		return ErrBadPort
	}
	d.queued[buf.Port] = append(d.queued[buf.Port], buf)
	d.process()
	return nil
}

// process consumes queued input and fills queued output while streaming.
func (d *SoftDriver) process() {
	if d.streaming[PortInput] {
		for _, in := range d.queued[PortInput] {
			data := append([]byte(nil), in.Bytes()...)
			d.units = append(d.units, RecordedUnit{Data: data, Timestamp: in.Timestamp, Flags: in.Flags})
			switch {
			case in.Flags.Has(FlagCodecConfig):
			case in.Filled > 0:
				d.frames = append(d.frames, softFrame{timestamp: in.Timestamp, flags: in.Flags & FlagEndOfStream})
			case in.Flags.Has(FlagEndOfStream):
				d.frames = append(d.frames, softFrame{timestamp: in.Timestamp, flags: FlagEndOfStream, empty: true})
			}
			d.post(DriverEvent{Kind: DriverBufferDone, Port: PortInput, Index: in.Index, Flags: in.Flags, Timestamp: in.Timestamp})
		}
		d.queued[PortInput] = d.queued[PortInput][:0]
	}
	if !d.streaming[PortOutput] {
		return
	}
	for len(d.frames) > 0 && len(d.queued[PortOutput]) > 0 {
		f := d.frames[0]
		d.frames = d.frames[1:]
		out := d.queued[PortOutput][0]
		d.queued[PortOutput] = d.queued[PortOutput][1:]
		used := 0
		if !f.empty {
			used = min(d.outReq.Size, len(out.Data))
		}
		d.post(DriverEvent{Kind: DriverBufferDone, Port: PortOutput, Index: out.Index, BytesUsed: used, Flags: f.flags, Timestamp: f.timestamp})
	}
}

func (d *SoftDriver) post(ev DriverEvent) {
	d.events = append(d.events, ev)
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Dequeue implements Driver.
func (d *SoftDriver) Dequeue(ctx context.Context, timeout time.Duration) (DriverEvent, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		d.mu.Lock()
		if len(d.events) > 0 {
			ev := d.events[0]
			d.events = d.events[1:]
			d.mu.Unlock()
			return ev, nil
		}
		closed := d.closed
		d.mu.Unlock()
		if closed {
			return DriverEvent{}, ErrClosed
		}
		select {
		case <-d.notify:
		case <-expired:
			return DriverEvent{}, ErrDriverTimeout
		case <-ctx.Done():
			return DriverEvent{}, ctx.Err()
		}
	}
}

// StreamOn implements Driver.
func (d *SoftDriver) StreamOn(port Port) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !port.valid() {
		return ErrBadPort
	}
	d.streaming[port] = true
	d.process()
	return nil
}

// StreamOff implements Driver.
func (d *SoftDriver) StreamOff(port Port) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !port.valid() {
		return ErrBadPort
	}
	d.streaming[port] = false
	return nil
}

// Flush implements Driver.
func (d *SoftDriver) Flush(port Port) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !port.valid() {
		return ErrBadPort
	}
	d.flushes[port]++
	for _, b := range d.queued[port] {
		d.post(DriverEvent{Kind: DriverBufferDone, Port: port, Index: b.Index})
	}
	d.queued[port] = d.queued[port][:0]
	// Pictures still inside the decoder are dropped by either flush.
	d.frames = d.frames[:0]
	d.post(DriverEvent{Kind: DriverFlushDone, Port: port})
	return nil
}

// SubscribeEvents implements Driver.
func (d *SoftDriver) SubscribeEvents() error {
	d.mu.Lock()
	d.subscribe = true
	d.mu.Unlock()
	return nil
}

// Close implements Driver.
func (d *SoftDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return nil
}

// ChangeResolution simulates a source change: the output requirements are
// replaced and a DriverPortSettingsChanged event is posted.
func (d *SoftDriver) ChangeResolution(width, height, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg.Width, d.cfg.Height = width, height
	if count > 0 {
		d.cfg.OutputCount = count
	}
	d.outReq = frameRequirements(d.cfg.OutputCount, width, height)
	if d.subscribe {
		d.post(DriverEvent{Kind: DriverPortSettingsChanged, Port: PortOutput, Requirements: d.outReq})
	}
}

// Fail posts a fatal DriverError event.
func (d *SoftDriver) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.post(DriverEvent{Kind: DriverError, Err: err})
}

// FailQueue makes every following Queue call return err.
func (d *SoftDriver) FailQueue(err error) {
	d.mu.Lock()
	d.queueErr = err
	d.mu.Unlock()
}

// Units returns the input access units processed so far.
func (d *SoftDriver) Units() []RecordedUnit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]RecordedUnit(nil), d.units...)
}

// Queued returns the number of buffers currently held on a port.
func (d *SoftDriver) Queued(port Port) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queued[port])
}

// Flushes returns how many times Flush was called for a port.
func (d *SoftDriver) Flushes(port Port) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes[port]
}

// Streaming reports whether a port is streaming.
func (d *SoftDriver) Streaming(port Port) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming[port]
}
