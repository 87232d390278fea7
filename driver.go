package vdec

import (
	"context"
	"time"
)

// Driver is the hardware decoder bridge, modeled on a V4L2 memory-to-memory
// device. The component calls Queue/StreamOn/StreamOff/Flush only from its
// dispatcher goroutine and Dequeue only from its completion goroutine.
type Driver interface {
	// Open prepares the device for a codec.
	Open(cfg DriverConfig) error
	// Requirements reports the buffer count and size the device needs on a port.
	Requirements(port Port) (BufferRequirements, error)
	// Queue hands a buffer to the device. Input buffers hold one access unit.
	Queue(buf *Buffer) error
	// Dequeue blocks until the device reports an event, the timeout expires
	// (ErrDriverTimeout) or ctx is done. A timeout <= 0 waits indefinitely.
	Dequeue(ctx context.Context, timeout time.Duration) (DriverEvent, error)
	// StreamOn starts processing on a port, including buffers queued earlier.
	StreamOn(port Port) error
	// StreamOff stops processing on a port. Queued buffers stay queued.
	StreamOff(port Port) error
	// Flush returns every buffer queued on a port through DriverBufferDone
	// events with zero bytes used, followed by one DriverFlushDone event.
	Flush(port Port) error
	// SubscribeEvents enables source-change and error notifications.
	SubscribeEvents() error
	Close() error
}

// DriverConfig is passed to Driver.Open.
type DriverConfig struct {
	Codec             Codec
	Width             int
	Height            int
	InputBufferCount  int
	InputBufferSize   int
	OutputBufferCount int
}

// DriverEventKind identifies a driver completion.
type DriverEventKind uint8

const (
	DriverBufferDone DriverEventKind = iota
	DriverFlushDone
	DriverPortSettingsChanged
	DriverError
)

func (k DriverEventKind) String() string {
	switch k {
	case DriverBufferDone:
		return "buffer-done"
	case DriverFlushDone:
		return "flush-done"
	case DriverPortSettingsChanged:
		return "port-settings-changed"
	case DriverError:
		return "error"
	default:
		return "unknown"
	}
}

// DriverEvent is one completion reported by Dequeue.
type DriverEvent struct {
	Kind DriverEventKind
	Port Port
	// Index, BytesUsed, Flags and Timestamp describe a DriverBufferDone.
	Index     int
	BytesUsed int
	Flags     BufferFlags
	Timestamp int64
	// Requirements carries the new output layout for DriverPortSettingsChanged.
	Requirements BufferRequirements
	// Err is set for DriverError.
	Err error
}
