package vdec

import "sync/atomic"

// Stats are cumulative component counters.
type Stats struct {
	// UnitsQueued counts access units handed to the driver.
	UnitsQueued uint64
	// FramesDecoded counts output buffers returned with data.
	FramesDecoded  uint64
	InputReturned  uint64
	OutputReturned uint64
	StreamErrors   uint64
	Flushes        uint64

	// High-water marks of the three dispatcher queues.
	ControlQueueHigh int
	FillQueueHigh    int
	EmptyQueueHigh   int
	// Entries waiting in each dispatcher queue now. Fill and empty entries
	// stay queued while the component is paused.
	ControlQueued int
	FillQueued    int
	EmptyQueued   int
}

type counters struct {
	unitsQueued    atomic.Uint64
	framesDecoded  atomic.Uint64
	inputReturned  atomic.Uint64
	outputReturned atomic.Uint64
	streamErrors   atomic.Uint64
	flushes        atomic.Uint64
}

func (c *counters) snapshot(d *dispatcher) Stats {
	high := d.highWater()
	return Stats{
		UnitsQueued:      c.unitsQueued.Load(),
		FramesDecoded:    c.framesDecoded.Load(),
		InputReturned:    c.inputReturned.Load(),
		OutputReturned:   c.outputReturned.Load(),
		StreamErrors:     c.streamErrors.Load(),
		Flushes:          c.flushes.Load(),
		ControlQueueHigh: high[queueControl],
		FillQueueHigh:    high[queueFill],
		EmptyQueueHigh:   high[queueEmpty],
		ControlQueued:    d.pending(queueControl),
		FillQueued:       d.pending(queueFill),
		EmptyQueued:      d.pending(queueEmpty),
	}
}
