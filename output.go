package vdec

import (
	"errors"
)

// fillBuffer handles a client output buffer.
func (c *Component) fillBuffer(b *Buffer) {
	ps := c.ports[PortOutput]
	if err := ps.pool.check(b); err != nil {
		b.setOwner(OwnerClient)
		c.report(err)
		return
	}
	if ps.flushing || c.stopping(PortOutput) || !c.t.state.running() || !c.enabled[PortOutput].Load() {
		b.Filled = 0
		c.returnOutput(b)
		return
	}
	b.reset()
	if err := c.submit(ps.pool, b); err != nil && !errors.Is(err, ErrAlreadyPending) {
		c.returnOutput(b)
	}
}

// outputDone handles a decoded (or flushed) output buffer.
func (c *Component) outputDone(ev DriverEvent) {
	if c.t.state == StateInvalid {
		return
	}
	ps := c.ports[PortOutput]
	b, err := ps.pool.returned(ev.Index)
	if err != nil {
		c.invalidate(err)
		return
	}
	b.Offset = 0
	b.Filled = min(max(ev.BytesUsed, 0), len(b.Data))
	b.Flags = ev.Flags
	b.Timestamp = ev.Timestamp
	switch {
	case ps.flushing:
		b.Filled = 0
		b.Flags = 0
	case b.Filled > 0:
		c.stats.framesDecoded.Add(1)
		if c.cfg.TimestampReorder {
			b.Timestamp = c.reorder.next(ev.Timestamp)
		}
	}
	flags := b.Flags
	c.returnOutput(b)
	if flags.Has(FlagEndOfStream) {
		c.emit(Event{Type: EventBufferFlag, Data1: int(PortOutput), Data2: int(flags)})
	}
	if c.t.kind == transToIdle {
		c.tryComplete()
	}
}
