package vdec

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// poll is the completion goroutine. It never touches component state:
// every driver event becomes a queue entry for the dispatcher.
func (c *Component) poll() {
	defer c.wg.Done()
	for {
		ev, err := c.drv.Dequeue(c.ctx, c.cfg.PollTimeout)
		if err != nil {
			switch {
			case c.ctx.Err() != nil, errors.Is(err, ErrClosed):
				return
			case errors.Is(err, ErrDriverTimeout):
				// Only a stalled input unit counts as a hang.
				if c.inFlight.Load() > 0 && c.inStreaming.Load() {
					c.escalate(fmt.Errorf("%d input units outstanding after %s: %w",
						c.inFlight.Load(), c.cfg.PollTimeout, err))
					return
				}
				continue
			default:
				c.escalate(hardwareError("dequeue", err))
				return
			}
		}
		e := driverEntry(ev)
		c.log.Debug("driver event", zap.Stringer("kind", ev.Kind), zap.Stringer("port", ev.Port), zap.Int("index", ev.Index))
		if err := c.disp.post(e); err != nil {
			c.escalate(err)
			return
		}
	}
}

// driverEntry maps a driver event onto the queue that serves it.
func driverEntry(ev DriverEvent) entry {
	e := entry{event: ev, param1: int(ev.Port)}
	switch ev.Kind {
	case DriverBufferDone:
		if ev.Port == PortInput {
			e.kind = evEmptyDone
		} else {
			e.kind = evFillDone
		}
	case DriverFlushDone:
		e.kind = evFlushDone
	case DriverPortSettingsChanged:
		e.kind = evPortSettings
	default:
		e.kind = evDriverError
	}
	return e
}
