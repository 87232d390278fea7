package vdec

import (
	"fmt"
	"sync"
)

// entryKind identifies what a queued entry asks the dispatcher to do.
type entryKind uint8

const (
	// Control queue.
	evCommand entryKind = iota
	evCall
	evFlushDone
	evPortSettings
	evDriverError

	// Fill queue.
	evFillBuffer
	evFillDone

	// Empty queue.
	evEmptyBuffer
	evEmptyDone
)

func (k entryKind) String() string {
	switch k {
	case evCommand:
		return "command"
	case evCall:
		return "call"
	case evFlushDone:
		return "flush-done"
	case evPortSettings:
		return "port-settings"
	case evDriverError:
		return "driver-error"
	case evFillBuffer:
		return "fill-buffer"
	case evFillDone:
		return "fill-done"
	case evEmptyBuffer:
		return "empty-buffer"
	case evEmptyDone:
		return "empty-done"
	default:
		return fmt.Sprintf("entry(%d)", uint8(k))
	}
}

// queueID names one of the three dispatcher queues, in drain priority order.
type queueID uint8

const (
	queueControl queueID = iota
	queueFill
	queueEmpty
	queueCount
)

func (k entryKind) queue() queueID {
	switch k {
	case evFillBuffer, evFillDone:
		return queueFill
	case evEmptyBuffer, evEmptyDone:
		return queueEmpty
	default:
		return queueControl
	}
}

// entry is one queued request. Param1 and Param2 carry the command and its
// argument for evCommand and the port for evFlushDone.
type entry struct {
	kind   entryKind
	param1 int
	param2 int
	buf    *Buffer
	event  DriverEvent
	call   func() error
	// reply, when set, receives the handler result.
	reply chan error
}

// dispatcher owns the control, fill and empty queues. One mutex guards all
// three and is held only while an entry is pushed or popped.
type dispatcher struct {
	mu     sync.Mutex
	queues [queueCount]*BoundedQueue[entry]
	high   [queueCount]int
	// paused leaves the fill and empty queues undrained.
	paused bool
	wake   chan struct{}
}

func newDispatcher(controlDepth, bufferDepth int) *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1)}
	d.queues[queueControl] = NewBoundedQueue[entry](controlDepth)
	d.queues[queueFill] = NewBoundedQueue[entry](bufferDepth)
	d.queues[queueEmpty] = NewBoundedQueue[entry](bufferDepth)
	return d
}

// post appends e to its queue and wakes the dispatcher goroutine.
func (d *dispatcher) post(e entry) error {
	q := e.kind.queue()
	d.mu.Lock()
	err := d.queues[q].Push(e)
	if err == nil {
		d.high[q] = max(d.high[q], d.queues[q].Len())
	}
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("post %s: %w", e.kind, err)
	}
	d.signal()
	return nil
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// next pops the highest-priority entry: control before fill before empty.
func (d *dispatcher) next() (entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.queues[queueControl].Pop(); ok {
		return e, true
	}
	if d.paused {
		return entry{}, false
	}
	if e, ok := d.queues[queueFill].Pop(); ok {
		return e, true
	}
	return d.queues[queueEmpty].Pop()
}

func (d *dispatcher) setPaused(paused bool) {
	d.mu.Lock()
	d.paused = paused
	d.mu.Unlock()
	if !paused {
		d.signal()
	}
}

// take removes every entry of queue q.
func (d *dispatcher) take(q queueID) []entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[q].Extract(func(entry) bool { return true })
}

// pending returns the number of entries in queue q.
func (d *dispatcher) pending(q queueID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[q].Len()
}

func (d *dispatcher) highWater() [queueCount]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.high
}

// bufferQueue returns the queue carrying a port's buffer traffic.
func bufferQueue(p Port) queueID {
	if p == PortInput {
		return queueEmpty
	}
	return queueFill
}
