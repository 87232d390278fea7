package vdec

import (
	"fmt"
	"sync/atomic"
)

// Port identifies one directional data path of a component.
type Port int

const (
	PortInput  Port = 0
	PortOutput Port = 1
	// PortAll addresses both ports in Flush, PortDisable and PortEnable commands.
	PortAll Port = -1

	portCount = 2
)

func (p Port) String() string {
	switch p {
	case PortInput:
		return "input"
	case PortOutput:
		return "output"
	case PortAll:
		return "all"
	default:
		return fmt.Sprintf("port(%d)", int(p))
	}
}

func (p Port) valid() bool {
	return p == PortInput || p == PortOutput
}

// ports expands PortAll into its members.
func (p Port) ports() []Port {
	if p == PortAll {
		return []Port{PortInput, PortOutput}
	}
	return []Port{p}
}

// BufferFlags carry per-buffer stream markers.
type BufferFlags uint32

const (
	FlagEndOfStream BufferFlags = 1 << iota
	FlagCodecConfig
	FlagDataCorrupt
	FlagExtradata
	FlagSyncFrame
)

func (f BufferFlags) String() string {
	if f == 0 {
		return "none"
	}
	names := []string{"eos", "config", "corrupt", "extradata", "sync"}
	out := ""
	for i, name := range names {
		if f&(1<<i) == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += name
	}
	return out
}

// Has reports whether all bits in flag are set.
func (f BufferFlags) Has(flag BufferFlags) bool {
	return f&flag == flag
}

// Owner records which party may touch a buffer's content.
type Owner uint8

const (
	OwnerClient Owner = iota
	OwnerComponent
	OwnerDriver
)

func (o Owner) String() string {
	switch o {
	case OwnerClient:
		return "client"
	case OwnerComponent:
		return "component"
	case OwnerDriver:
		return "driver"
	default:
		return "unknown"
	}
}

// Buffer is a descriptor for one region of port memory.
//
// Input buffers are filled by the client and consumed by the component.
// Output buffers are filled by the driver. Only the current owner may
// read or write Data; ownership moves with EmptyThisBuffer/FillThisBuffer
// and the matching done callbacks.
type Buffer struct {
	// Data is the backing memory. len(Data) is the allocated length.
	Data []byte
	// Offset and Filled delimit the valid bytes inside Data.
	Offset int
	Filled int
	// Timestamp in microseconds.
	Timestamp int64
	Flags     BufferFlags
	Port      Port
	// Index is the descriptor's slot in its port pool.
	Index int
	// AppData is carried untouched for the client.
	AppData any

	// owner holds an Owner. Client goroutines read it to reject buffers
	// they do not hold.
	owner     atomic.Uint32
	allocated bool // backing memory came from the component allocator
	pool      *bufferPool
	comp      *Component
}

// Bytes returns the filled region of the buffer.
func (b *Buffer) Bytes() []byte {
	return b.Data[b.Offset : b.Offset+b.Filled]
}

// Cap returns the allocated length of the buffer.
func (b *Buffer) Cap() int {
	return len(b.Data)
}

// Owner reports the current owner.
func (b *Buffer) Owner() Owner {
	return Owner(b.owner.Load())
}

func (b *Buffer) setOwner(o Owner) {
	b.owner.Store(uint32(o))
}

// claim moves a client-held buffer to the component. It fails if the
// client does not hold b.
func (b *Buffer) claim() bool {
	return b.owner.CompareAndSwap(uint32(OwnerClient), uint32(OwnerComponent))
}

func (b *Buffer) reset() {
	b.Offset = 0
	b.Filled = 0
	b.Flags = 0
	b.Timestamp = 0
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s[%d] %d/%d ts=%d flags=%s owner=%s",
		b.Port, b.Index, b.Filled, len(b.Data), b.Timestamp, b.Flags, b.Owner())
}

// PortDefinition describes one port's negotiated buffer requirements.
type PortDefinition struct {
	Port        Port
	Enabled     bool
	Populated   bool
	BufferCount int
	BufferSize  int
	Alignment   int
	// Width, Height and Stride describe output frames.
	Width  int
	Height int
	Stride int
}

// BufferRequirements are what the driver asks for on a port.
type BufferRequirements struct {
	Count     int
	Size      int
	Alignment int
	Width     int
	Height    int
	Stride    int
}
