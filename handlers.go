package vdec

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// run is the dispatcher goroutine.
func (c *Component) run() {
	defer c.wg.Done()
	for {
		select {
		case err := <-c.fatal:
			c.invalidate(err)
			continue
		default:
		}
		e, ok := c.disp.next()
		if !ok {
			select {
			case <-c.disp.wake:
			case err := <-c.fatal:
				c.invalidate(err)
			case <-c.ctx.Done():
				return
			}
			continue
		}
		c.handle(e)
	}
}

func (c *Component) handle(e entry) {
	var err error
	switch e.kind {
	case evCommand:
		err = c.command(Command(e.param1), e.param2)
		if err != nil {
			c.report(err)
		} else if c.t.inFlight() && e.reply != nil {
			// Answered by tryComplete or invalidate.
			c.t.reply = e.reply
			return
		} else if c.t.state == StateInvalid && !(Command(e.param1) == CommandStateSet && State(e.param2) == StateInvalid) {
			// The command failed the component; EventError is already out.
			err = ErrInvalidState
		}
	case evCall:
		err = e.call()
	case evFlushDone:
		c.flushDone(Port(e.param1))
	case evPortSettings:
		c.portSettingsChanged(e.event.Requirements)
	case evDriverError:
		c.invalidate(hardwareError("driver", e.event.Err))
	case evEmptyBuffer:
		c.emptyBuffer(e.buf)
	case evEmptyDone:
		c.inputDone(e.event)
	case evFillBuffer:
		c.fillBuffer(e.buf)
	case evFillDone:
		c.outputDone(e.event)
	}
	if e.reply != nil {
		e.reply <- err
	}
}

// report delivers an asynchronous error: fatal kinds invalidate the
// component, the rest produce one EventError.
func (c *Component) report(err error) {
	kind := KindOf(err)
	if kind.Fatal() {
		c.invalidate(err)
		return
	}
	if kind == KindStream {
		c.stats.streamErrors.Add(1)
		c.log.Warn("stream error", zap.Error(err))
	} else {
		c.log.Debug("request rejected", zap.Error(err))
	}
	c.emitError(err)
}

// hardwareError tags a driver failure as a hardware error.
func hardwareError(op string, err error) error {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	if KindOf(err).Fatal() {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrHardware, err)
}

func (c *Component) command(cmd Command, param int) error {
	if c.t.state == StateInvalid {
		return fmt.Errorf("%s: %w", cmd, ErrInvalidState)
	}
	if cmd != CommandStateSet {
		p := Port(param)
		if !p.valid() && p != PortAll {
			return fmt.Errorf("%s %d: %w", cmd, param, ErrBadPort)
		}
	}
	switch cmd {
	case CommandStateSet:
		return c.stateSet(State(param))
	case CommandFlush:
		return c.flushCommand(Port(param))
	case CommandPortDisable:
		return c.portDisable(Port(param))
	case CommandPortEnable:
		return c.portEnable(Port(param))
	default:
		return fmt.Errorf("%s: %w", cmd, ErrBadParameter)
	}
}

// enabledMask returns the set of enabled ports.
func (c *Component) enabledMask() portMask {
	var m portMask
	for _, p := range PortAll.ports() {
		if c.enabled[p].Load() {
			m |= maskOf(p)
		}
	}
	return m
}

func (c *Component) stateSet(target State) error {
	from := c.t.state
	if err := checkTransition(from, target); err != nil {
		return err
	}
	if c.t.inFlight() {
		return fmt.Errorf("%s -> %s during %s: %w", from, target, c.t.kind, ErrTransitionPending)
	}
	c.log.Info("state transition requested", zap.Stringer("from", from), zap.Stringer("to", target))

	switch {
	case target == StateInvalid:
		c.invalidate(ErrInvalidState)
		return nil

	case target == StateWaitForResources, from == StateWaitForResources && target == StateLoaded:
		c.setState(target)
		c.cmdComplete(CommandStateSet, int(target))
		return nil

	case target == StateIdle && (from == StateLoaded || from == StateWaitForResources):
		c.t.begin(transToIdle, StateIdle, c.enabledMask())
		c.tryComplete()
		return nil

	case target == StateIdle:
		// Executing or Pause: flush every enabled port, then stop streaming.
		mask := c.enabledMask()
		c.t.begin(transToIdle, StateIdle, mask)
		c.t.flushing = mask
		for _, p := range PortAll.ports() {
			if mask.has(p) {
				c.startFlush(p, c.flushed(p))
			}
		}
		c.tryComplete()
		return nil

	case target == StateLoaded:
		c.t.begin(transToLoaded, StateLoaded, maskOf(PortAll))
		if err := c.releasePhys(); err != nil {
			c.report(fmt.Errorf("release input buffers: %w: %w", ErrInsufficientResources, err))
		}
		c.tryComplete()
		return nil

	case target == StateExecuting:
		if err := c.streamOn(c.enabledMask()); err != nil {
			return err
		}
		c.setState(StateExecuting)
		c.cmdComplete(CommandStateSet, int(StateExecuting))
		c.pumpInput()
		return nil

	case target == StatePause:
		if from == StateExecuting {
			if err := c.streamOff(c.enabledMask()); err != nil {
				return err
			}
		}
		c.setState(StatePause)
		c.cmdComplete(CommandStateSet, int(StatePause))
		return nil
	}
	return fmt.Errorf("%s -> %s: %w", from, target, ErrBadTransition)
}

// flushed returns the flush waiter used by transitions that flush ports.
func (c *Component) flushed(p Port) func() {
	return func() {
		c.t.flushing = c.t.flushing.without(p)
		c.tryComplete()
	}
}

func (c *Component) streamOn(mask portMask) error {
	for _, p := range PortAll.ports() {
		ps := c.ports[p]
		if !mask.has(p) || ps.streaming {
			continue
		}
		if err := c.drv.StreamOn(p); err != nil {
			return hardwareError("stream on "+p.String(), err)
		}
		ps.streaming = true
		if p == PortInput {
			c.inStreaming.Store(true)
		}
	}
	return nil
}

func (c *Component) streamOff(mask portMask) error {
	for _, p := range PortAll.ports() {
		ps := c.ports[p]
		if !mask.has(p) || !ps.streaming {
			continue
		}
		if err := c.drv.StreamOff(p); err != nil {
			return hardwareError("stream off "+p.String(), err)
		}
		ps.streaming = false
		if p == PortInput {
			c.inStreaming.Store(false)
		}
	}
	return nil
}

// tryComplete finishes the in-flight transition once its completion
// predicate holds, then answers the command that started it.
func (c *Component) tryComplete() {
	t := &c.t
	switch t.kind {
	case transNone:
		return

	case transToIdle:
		if t.from == StateLoaded || t.from == StateWaitForResources {
			if !c.populated(t.ports) {
				return
			}
			if t.ports.has(PortInput) {
				if err := c.allocatePhys(); err != nil {
					reply := t.end()
					c.report(err)
					answer(reply, err)
					return
				}
			}
		} else {
			if !t.flushing.empty() || !c.driverIdle() {
				return
			}
			if err := c.streamOff(maskOf(PortAll)); err != nil {
				c.invalidate(err)
				return
			}
		}
		reply := t.end()
		c.setState(StateIdle)
		c.cmdComplete(CommandStateSet, int(StateIdle))
		answer(reply, nil)

	case transToLoaded:
		if !c.released(t.ports) {
			return
		}
		reply := t.end()
		c.setState(StateLoaded)
		c.cmdComplete(CommandStateSet, int(StateLoaded))
		answer(reply, nil)

	case transPortDisable:
		if !t.flushing.empty() || !c.released(t.ports) {
			return
		}
		ports := t.ports
		reply := t.end()
		for _, p := range PortAll.ports() {
			if ports.has(p) {
				c.cmdComplete(CommandPortDisable, int(p))
			}
		}
		answer(reply, nil)

	case transPortEnable:
		ports := t.ports
		if c.t.state != StateLoaded && c.t.state != StateWaitForResources {
			if !c.populated(ports) {
				return
			}
			if ports.has(PortInput) {
				if err := c.allocatePhys(); err != nil {
					reply := t.end()
					c.report(err)
					answer(reply, err)
					return
				}
			}
			if c.t.state == StateExecuting {
				if err := c.streamOn(ports); err != nil {
					c.invalidate(err)
					return
				}
			}
		}
		reply := t.end()
		for _, p := range PortAll.ports() {
			if ports.has(p) {
				c.cmdComplete(CommandPortEnable, int(p))
			}
		}
		answer(reply, nil)
		c.pumpInput()

	case transFlush:
		if !t.flushing.empty() {
			return
		}
		ports := t.ports
		reply := t.end()
		for _, p := range PortAll.ports() {
			if ports.has(p) {
				c.cmdComplete(CommandFlush, int(p))
			}
		}
		answer(reply, nil)
		c.pumpInput()
	}
}

// driverIdle reports whether the driver holds no descriptor of any port.
func (c *Component) driverIdle() bool {
	for _, p := range PortAll.ports() {
		if pool := c.driverPool(p); pool != nil && !pool.pending.empty() {
			return false
		}
	}
	return true
}

// stopping reports whether new work for p must be refused because p is
// being flushed for Idle or disabled.
func (c *Component) stopping(p Port) bool {
	switch c.t.kind {
	case transToIdle:
		return true
	case transPortDisable:
		return c.t.ports.has(p)
	}
	return false
}

func (c *Component) populated(mask portMask) bool {
	for _, p := range PortAll.ports() {
		if mask.has(p) && c.enabled[p].Load() && !c.ports[p].pool.populated() {
			return false
		}
	}
	return true
}

func (c *Component) released(mask portMask) bool {
	for _, p := range PortAll.ports() {
		if mask.has(p) && !c.ports[p].pool.released() {
			return false
		}
	}
	return true
}

func (c *Component) flushCommand(p Port) error {
	if c.t.inFlight() {
		return fmt.Errorf("flush %s during %s: %w", p, c.t.kind, ErrTransitionPending)
	}
	mask := maskOf(p)
	for _, q := range p.ports() {
		if !c.enabled[q].Load() {
			return fmt.Errorf("flush %s: %w", q, ErrPortDisabled)
		}
	}
	c.t.begin(transFlush, c.t.state, mask)
	c.t.flushing = mask
	for _, q := range p.ports() {
		c.startFlush(q, c.flushed(q))
	}
	c.tryComplete()
	return nil
}

func (c *Component) portDisable(p Port) error {
	if c.t.inFlight() {
		return fmt.Errorf("disable %s during %s: %w", p, c.t.kind, ErrTransitionPending)
	}
	mask := maskOf(p)
	c.t.begin(transPortDisable, c.t.state, mask)
	for _, q := range p.ports() {
		c.enabled[q].Store(false)
		c.publishDef(q)
	}
	if c.t.state.running() {
		c.t.flushing = mask
		for _, q := range p.ports() {
			c.startFlush(q, c.disabledFlushed(q))
		}
	} else if mask.has(PortInput) {
		c.reportRelease(c.releasePhys())
	}
	c.tryComplete()
	return nil
}

// disabledFlushed stops a disabled port once its flush completes.
func (c *Component) disabledFlushed(p Port) func() {
	return func() {
		if err := c.streamOff(maskOf(p)); err != nil {
			c.invalidate(err)
			return
		}
		if p == PortInput {
			c.reportRelease(c.releasePhys())
		}
		c.flushed(p)()
	}
}

func (c *Component) reportRelease(err error) {
	if err != nil {
		c.report(fmt.Errorf("release input buffers: %w: %w", ErrInsufficientResources, err))
	}
}

func (c *Component) portEnable(p Port) error {
	if c.t.inFlight() {
		return fmt.Errorf("enable %s during %s: %w", p, c.t.kind, ErrTransitionPending)
	}
	for _, q := range p.ports() {
		if c.enabled[q].Load() {
			return fmt.Errorf("enable %s: already enabled: %w", q, ErrIncorrectState)
		}
		if !c.ports[q].pool.released() {
			return fmt.Errorf("enable %s: buffers still allocated: %w", q, ErrIncorrectState)
		}
	}
	for _, q := range p.ports() {
		ps := c.ports[q]
		req, err := c.drv.Requirements(q)
		if err != nil {
			return hardwareError(q.String()+" requirements", err)
		}
		ps.req = req
		ps.def.BufferCount = min(max(ps.def.BufferCount, req.Count), maxBuffersPerPort)
		ps.def.BufferSize = max(ps.def.BufferSize, req.Size)
		ps.def.Alignment = max(ps.def.Alignment, req.Alignment)
		ps.pool = newBufferPool(q, ps.poolRequirements())
		c.enabled[q].Store(true)
		c.publishDef(q)
	}
	c.t.begin(transPortEnable, c.t.state, maskOf(p))
	c.tryComplete()
	return nil
}

// canPopulate reports whether buffers may be added to p now.
func (c *Component) canPopulate(p Port) error {
	t := &c.t
	switch {
	case t.state == StateInvalid:
		return ErrInvalidState
	case t.kind == transPortEnable && t.ports.has(p):
		return nil
	case t.kind == transToIdle && (t.from == StateLoaded || t.from == StateWaitForResources):
		if !c.enabled[p].Load() {
			return fmt.Errorf("%s: %w", p, ErrPortDisabled)
		}
		return nil
	}
	return fmt.Errorf("allocate on %s in %s: %w", p, t, ErrIncorrectState)
}

// canFree reports whether buffers of p may be freed now.
func (c *Component) canFree(p Port) error {
	t := &c.t
	switch {
	case t.state == StateLoaded, t.state == StateInvalid, t.state == StateWaitForResources:
		return nil
	case t.kind == transToLoaded:
		return nil
	case t.kind == transPortDisable && t.ports.has(p):
		return nil
	case !c.enabled[p].Load() && t.kind == transNone:
		return nil
	}
	return fmt.Errorf("free on %s in %s: %w", p, t, ErrIncorrectState)
}

// populate adds one buffer to p. data nil means allocate size bytes.
func (c *Component) populate(p Port, size int, data []byte) (*Buffer, error) {
	if !p.valid() {
		return nil, fmt.Errorf("populate %d: %w", p, ErrBadPort)
	}
	if err := c.canPopulate(p); err != nil {
		return nil, err
	}
	ps := c.ports[p]
	if size == 0 {
		size = ps.def.BufferSize
	}
	if size < ps.def.BufferSize {
		return nil, fmt.Errorf("%s buffer %d < %d: %w", p, size, ps.def.BufferSize, ErrBufferTooSmall)
	}
	if ps.pool.populated() {
		return nil, fmt.Errorf("%s: %w", p, ErrPortFull)
	}
	allocated := data == nil
	if allocated {
		mem, err := c.alloc.Allocate(size, ps.def.Alignment)
		if err != nil {
			return nil, fmt.Errorf("allocate %s buffer: %w: %w", p, ErrInsufficientResources, err)
		}
		data = mem
	}
	b, err := ps.pool.add(data, allocated)
	if err != nil {
		if allocated {
			_ = c.alloc.Release(data)
		}
		return nil, err
	}
	b.comp = c
	c.log.Debug("buffer added", zap.Stringer("buffer", b), zap.Bool("allocated", allocated))
	c.publishDef(p)
	c.tryComplete()
	return b, nil
}

func (c *Component) free(b *Buffer) error {
	if err := c.canFree(b.Port); err != nil {
		return err
	}
	ps := c.ports[b.Port]
	if err := ps.pool.remove(b); err != nil {
		return err
	}
	b.comp = nil
	var err error
	if b.allocated {
		err = c.alloc.Release(b.Data)
	}
	c.log.Debug("buffer freed", zap.Stringer("buffer", b))
	c.publishDef(b.Port)
	c.tryComplete()
	if err != nil {
		return fmt.Errorf("release %s buffer: %w: %w", b.Port, ErrInsufficientResources, err)
	}
	return nil
}

func (c *Component) setPortDefinition(def PortDefinition) error {
	p := def.Port
	if !p.valid() {
		return fmt.Errorf("port definition %d: %w", p, ErrBadPort)
	}
	ps := c.ports[p]
	loaded := c.t.state == StateLoaded && !c.t.inFlight()
	if !loaded && c.enabled[p].Load() {
		return fmt.Errorf("set %s definition in %s: %w", p, c.t, ErrIncorrectState)
	}
	if !ps.pool.released() {
		return fmt.Errorf("set %s definition: buffers allocated: %w", p, ErrIncorrectState)
	}
	switch {
	case def.BufferCount < ps.req.Count, def.BufferCount > maxBuffersPerPort:
		return fmt.Errorf("%s buffer count %d outside [%d, %d]: %w",
			p, def.BufferCount, ps.req.Count, maxBuffersPerPort, ErrBadParameter)
	case def.BufferSize < ps.req.Size:
		return fmt.Errorf("%s buffer size %d < %d: %w", p, def.BufferSize, ps.req.Size, ErrBadParameter)
	case def.Alignment < 0, def.Alignment&(def.Alignment-1) != 0 && def.Alignment != 0:
		return fmt.Errorf("%s alignment %d: %w", p, def.Alignment, ErrBadParameter)
	}
	ps.def.BufferCount = def.BufferCount
	ps.def.BufferSize = def.BufferSize
	ps.def.Alignment = max(def.Alignment, ps.req.Alignment)
	if p == PortOutput && def.Width > 0 && def.Height > 0 {
		ps.def.Width, ps.def.Height = def.Width, def.Height
		ps.def.Stride = max(def.Stride, def.Width)
	}
	ps.pool = newBufferPool(p, ps.poolRequirements())
	c.publishDef(p)
	return nil
}

// portSettingsChanged handles a driver source change: the output port is
// flushed, the new requirements adopted, and the client told to
// reconfigure the port.
func (c *Component) portSettingsChanged(req BufferRequirements) {
	c.log.Info("output port settings changed",
		zap.Int("width", req.Width), zap.Int("height", req.Height), zap.Int("count", req.Count))
	done := func() {
		ps := c.ports[PortOutput]
		cur, err := c.drv.Requirements(PortOutput)
		if err != nil {
			c.invalidate(hardwareError("output requirements", err))
			return
		}
		ps.req = cur
		ps.def.BufferCount = min(max(cur.Count, ps.def.BufferCount), maxBuffersPerPort)
		ps.def.BufferSize = cur.Size
		ps.def.Alignment = cur.Alignment
		ps.def.Width, ps.def.Height, ps.def.Stride = cur.Width, cur.Height, cur.Stride
		c.publishDef(PortOutput)
		c.emit(Event{Type: EventPortSettingsChanged, Data1: int(PortOutput)})
	}
	if !c.enabled[PortOutput].Load() {
		done()
		return
	}
	c.startFlush(PortOutput, done)
}

// invalidate moves the component to StateInvalid, returns every buffer it
// holds to the client and reports err once.
func (c *Component) invalidate(err error) {
	if c.t.state == StateInvalid {
		c.log.Debug("error after invalidation", zap.Error(err))
		return
	}
	if err == nil {
		err = ErrInvalidState
	}
	c.log.Error("component invalid", zap.Error(err), zap.Stringer("transition", c.t))
	reply := c.t.end()
	c.setState(StateInvalid)
	for _, p := range PortAll.ports() {
		if c.ports[p].streaming {
			_ = c.drv.StreamOff(p)
			c.ports[p].streaming = false
		}
	}
	c.inStreaming.Store(false)
	c.inFlight.Store(0)

	for _, q := range []queueID{queueFill, queueEmpty} {
		for _, e := range c.disp.take(q) {
			switch e.kind {
			case evEmptyBuffer:
				c.returnInput(e.buf)
			case evFillBuffer:
				e.buf.Filled = 0
				c.returnOutput(e.buf)
			}
		}
	}
	c.dropInput()
	c.returnLinked()
	if c.in.phys != nil {
		c.in.phys.pending.reset()
	}
	out := c.ports[PortOutput]
	out.pool.each(func(b *Buffer) {
		if out.pool.pending.test(b.Index) {
			out.pool.pending.clear(b.Index)
			b.Filled = 0
			c.returnOutput(b)
		}
	})
	for _, ps := range c.ports {
		ps.flushing, ps.driverFlush, ps.waiters = false, false, nil
	}
	c.emitError(err)
	answer(reply, err)
}
