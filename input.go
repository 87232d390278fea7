package vdec

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// inputPath links client input buffers to the driver-visible physical
// buffers. In frame mode client buffer i travels in physical buffer i. In
// arbitrary mode the assembler fills whichever physical buffer is free.
type inputPath struct {
	codec     Codec
	nalLength int
	asm       assembler
	phys      *bufferPool
	// free lists the physical buffers not held by the driver (arbitrary mode).
	free []int
	// ready holds assembled units waiting for a free physical buffer.
	ready []accessUnit
	// hold holds client buffers that arrived while ready was non-empty.
	hold []*Buffer
	// linked[i] is the client buffer carried by physical buffer i (frame mode).
	linked []*Buffer
}

// allocatePhys creates the physical input buffers, one per client buffer.
func (c *Component) allocatePhys() error {
	if c.in.phys != nil {
		return nil
	}
	def := c.ports[PortInput].def
	pool := newBufferPool(PortInput, BufferRequirements{
		Count:     def.BufferCount,
		Size:      def.BufferSize,
		Alignment: def.Alignment,
	})
	c.in.phys = pool
	for i := 0; i < def.BufferCount; i++ {
		mem, err := c.alloc.Allocate(def.BufferSize, def.Alignment)
		if err == nil {
			var b *Buffer
			b, err = pool.add(mem, true)
			if err == nil {
				b.setOwner(OwnerComponent)
				continue
			}
			_ = c.alloc.Release(mem)
		}
		err = multierr.Append(err, c.releasePhys())
		return fmt.Errorf("allocate input buffer %d: %w: %w", i, ErrInsufficientResources, err)
	}
	c.in.linked = make([]*Buffer, def.BufferCount)
	c.in.free = c.in.free[:0]
	for i := 0; i < def.BufferCount; i++ {
		c.in.free = append(c.in.free, i)
	}
	if c.in.codec != CodecUnknown {
		if err := c.setupAssembler(); err != nil {
			return err
		}
	}
	return nil
}

// releasePhys frees the physical input buffers and ends the stream: the
// next allocation starts with empty stream metadata.
func (c *Component) releasePhys() error {
	pool := c.in.phys
	if pool == nil {
		return nil
	}
	var err error
	pool.each(func(b *Buffer) {
		err = multierr.Append(err, c.alloc.Release(b.Data))
	})
	c.in.phys = nil
	c.in.free = nil
	c.in.ready = nil
	c.in.linked = nil
	c.side.reset()
	return err
}

// setupAssembler builds the assembler for the current codec, sized to the
// physical buffers.
func (c *Component) setupAssembler() error {
	if c.cfg.InputMode == InputModeFrame {
		return nil
	}
	asm, err := newAssembler(c.in.codec, c.in.nalLength, c.ports[PortInput].def.BufferSize, c.side)
	if err != nil {
		return err
	}
	c.in.asm = asm
	return nil
}

// detectCodec picks the codec from the first non-empty input buffer.
func (c *Component) detectCodec(b *Buffer) bool {
	if b.Filled == 0 {
		return false
	}
	codec, nalLength := DetectInputFormat(b.Bytes())
	if codec == CodecUnknown {
		c.report(fmt.Errorf("detect codec from %d bytes: %w", b.Filled, ErrCodecNotSupported))
		return false
	}
	c.in.codec = codec
	if c.cfg.NALLengthSize == 0 {
		c.in.nalLength = nalLength
	}
	c.log.Info("codec detected", zap.Stringer("detected", codec), zap.Int("nal_length_size", c.in.nalLength))
	if err := c.setupAssembler(); err != nil {
		c.in.codec = CodecUnknown
		c.report(err)
		return false
	}
	return true
}

// emptyBuffer handles a client input buffer.
func (c *Component) emptyBuffer(b *Buffer) {
	ps := c.ports[PortInput]
	if err := ps.pool.check(b); err != nil {
		b.setOwner(OwnerClient)
		c.report(err)
		return
	}
	if ps.flushing || c.stopping(PortInput) || !c.t.state.running() || !c.enabled[PortInput].Load() || c.in.phys == nil {
		c.returnInput(b)
		return
	}
	// Empty buffers without end of stream never reach the assembler.
	if b.Filled == 0 && !b.Flags.Has(FlagEndOfStream) {
		c.returnInput(b)
		return
	}
	if c.in.codec == CodecUnknown && !c.detectCodec(b) {
		c.returnInput(b)
		return
	}
	if c.cfg.InputMode == InputModeFrame {
		c.queueFrame(b)
		return
	}
	if len(c.in.ready) > 0 || len(c.in.hold) > 0 {
		c.in.hold = append(c.in.hold, b)
		return
	}
	c.assemble(b)
	c.pumpInput()
}

// assemble feeds one client buffer to the assembler and returns it.
func (c *Component) assemble(b *Buffer) {
	units, err := c.in.asm.feed(b.Bytes(), b.Timestamp, b.Flags)
	c.in.ready = append(c.in.ready, units...)
	c.returnInput(b)
	if err != nil {
		c.report(fmt.Errorf("input buffer %d: %w", b.Index, err))
	}
}

// pumpInput moves ready units into free physical buffers and resumes held
// client buffers once nothing is waiting.
func (c *Component) pumpInput() {
	if c.in.phys == nil || c.in.asm == nil || c.cfg.InputMode == InputModeFrame {
		return
	}
	for c.t.state == StateExecuting && !c.ports[PortInput].flushing && !c.stopping(PortInput) {
		for len(c.in.ready) > 0 && len(c.in.free) > 0 {
			if !c.queueUnit(c.in.ready[0]) {
				return
			}
			c.in.ready = c.in.ready[1:]
		}
		if len(c.in.ready) > 0 || len(c.in.hold) == 0 {
			return
		}
		b := c.in.hold[0]
		c.in.hold = c.in.hold[1:]
		c.assemble(b)
	}
}

func (c *Component) queueUnit(u accessUnit) bool {
	idx := c.in.free[0]
	phys := c.in.phys.bufs[idx]
	phys.Offset = 0
	phys.Filled = copy(phys.Data, u.data)
	phys.Timestamp = u.timestamp
	phys.Flags = u.flags
	if err := c.submit(c.in.phys, phys); err != nil {
		return false
	}
	c.in.free = c.in.free[1:]
	if phys.Filled > 0 && !u.flags.Has(FlagCodecConfig) && c.cfg.TimestampReorder {
		c.reorder.push(u.timestamp)
	}
	return true
}

// queueFrame copies a whole-unit client buffer into its physical buffer.
// The client buffer is returned when the driver releases that buffer.
func (c *Component) queueFrame(b *Buffer) {
	phys := c.in.phys.bufs[b.Index]
	n, err := c.copyFrame(phys.Data, b.Bytes())
	if err != nil {
		c.returnInput(b)
		c.report(fmt.Errorf("input buffer %d: %w", b.Index, err))
		return
	}
	phys.Offset = 0
	phys.Filled = n
	phys.Timestamp = b.Timestamp
	phys.Flags = b.Flags
	if err := c.submit(c.in.phys, phys); err != nil {
		if !errors.Is(err, ErrAlreadyPending) {
			c.returnInput(b)
		}
		return
	}
	c.in.linked[b.Index] = b
	if n > 0 && !b.Flags.Has(FlagCodecConfig) && c.cfg.TimestampReorder {
		c.reorder.push(b.Timestamp)
	}
}

// copyFrame writes one access unit into dst, converting length-prefixed
// H.264 to Annex-B.
func (c *Component) copyFrame(dst, src []byte) (int, error) {
	if c.in.codec == CodecH264 && c.in.nalLength > 0 {
		nalUnits, err := splitLengthPrefixed(src, c.in.nalLength)
		if err != nil {
			return 0, err
		}
		inspectParameterSets(c.side, nalUnits)
		return writeAnnexB(dst, nalUnits)
	}
	if len(src) > len(dst) {
		return 0, fmt.Errorf("access unit of %d bytes exceeds %d: %w", len(src), len(dst), ErrStreamCorrupt)
	}
	if c.in.codec == CodecH264 {
		inspectParameterSets(c.side, parseAnnexBNALUnits(src))
	}
	return copy(dst, src), nil
}

// submit hands b to the driver and marks it pending. A driver failure
// invalidates the component.
func (c *Component) submit(pool *bufferPool, b *Buffer) error {
	if err := pool.markPending(b); err != nil {
		c.report(err)
		return err
	}
	input := b.Port == PortInput
	if input {
		c.inFlight.Add(1)
	}
	if err := c.drv.Queue(b); err != nil {
		pool.pending.clear(b.Index)
		b.setOwner(OwnerComponent)
		if input {
			c.inFlight.Add(-1)
		}
		err = hardwareError("queue "+b.String(), err)
		c.invalidate(err)
		return err
	}
	if input {
		c.stats.unitsQueued.Add(1)
	}
	c.log.Debug("queued to driver", zap.Stringer("buffer", b))
	return nil
}

// inputDone handles the driver releasing a physical input buffer.
func (c *Component) inputDone(ev DriverEvent) {
	if c.t.state == StateInvalid || c.in.phys == nil {
		return
	}
	phys, err := c.in.phys.returned(ev.Index)
	if err != nil {
		c.invalidate(err)
		return
	}
	c.inFlight.Add(-1)
	phys.reset()
	if c.cfg.InputMode == InputModeFrame {
		if b := c.in.linked[ev.Index]; b != nil {
			c.in.linked[ev.Index] = nil
			c.returnInput(b)
		}
	} else {
		c.in.free = append(c.in.free, ev.Index)
		c.pumpInput()
	}
	if c.t.kind == transToIdle {
		c.tryComplete()
	}
}

// returnLinked returns the client buffers carried by physical buffers.
func (c *Component) returnLinked() {
	for i, b := range c.in.linked {
		if b != nil {
			c.in.linked[i] = nil
			c.returnInput(b)
		}
	}
}
