package vdec

import (
	"fmt"

	"go.uber.org/zap"
)

// startFlush begins flushing port p. done runs once p holds no queued,
// held or driver-owned buffers. A flush already waiting for the driver
// just gains another waiter.
func (c *Component) startFlush(p Port, done func()) {
	ps := c.ports[p]
	ps.waiters = append(ps.waiters, done)
	if ps.flushing {
		return
	}
	ps.flushing = true
	c.stats.flushes.Add(1)
	c.log.Debug("flush started", zap.Stringer("port", p), zap.Bool("streaming", ps.streaming))

	if p == PortInput {
		c.dropInput()
	}
	c.drainQueued(p)

	pool := c.driverPool(p)
	if ps.streaming || (pool != nil && !pool.pending.empty()) {
		if err := c.drv.Flush(p); err != nil {
			c.invalidate(hardwareError("flush "+p.String(), err))
			return
		}
		ps.driverFlush = true
		return
	}
	c.finishFlush(p)
}

// flushDone handles the driver's confirmation of a port flush. Every
// buffer the driver returned before it is already queued.
func (c *Component) flushDone(p Port) {
	if !p.valid() || c.t.state == StateInvalid {
		return
	}
	ps := c.ports[p]
	if !ps.driverFlush {
		c.log.Warn("unexpected flush done", zap.Stringer("port", p))
		return
	}
	ps.driverFlush = false
	c.finishFlush(p)
}

func (c *Component) finishFlush(p Port) {
	c.drainQueued(p)
	if pool := c.driverPool(p); pool != nil && !pool.pending.empty() {
		c.invalidate(fmt.Errorf("%s flush left %d buffers with the driver: %w",
			p, pool.pending.count(), ErrHardware))
		return
	}
	ps := c.ports[p]
	ps.flushing = false
	waiters := ps.waiters
	ps.waiters = nil
	c.log.Debug("flush complete", zap.Stringer("port", p))
	for _, w := range waiters {
		w()
	}
}

// drainQueued handles every entry waiting in p's buffer queue. Client
// buffers go back unprocessed; driver completions clear their pending bits.
func (c *Component) drainQueued(p Port) {
	for _, e := range c.disp.take(bufferQueue(p)) {
		switch e.kind {
		case evEmptyBuffer:
			c.returnInput(e.buf)
		case evFillBuffer:
			e.buf.Filled = 0
			c.returnOutput(e.buf)
		case evEmptyDone:
			c.inputDone(e.event)
		case evFillDone:
			c.outputDone(e.event)
		}
	}
}

// driverPool returns the descriptors of p that the driver sees.
func (c *Component) driverPool(p Port) *bufferPool {
	if p == PortInput {
		return c.in.phys
	}
	return c.ports[PortOutput].pool
}

// dropInput discards assembler state and returns held client buffers.
func (c *Component) dropInput() {
	if c.in.asm != nil {
		c.in.asm.reset()
	}
	c.in.ready = nil
	hold := c.in.hold
	c.in.hold = nil
	for _, b := range hold {
		c.returnInput(b)
	}
	c.reorder.reset()
}
