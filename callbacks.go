package vdec

import (
	"fmt"

	"go.uber.org/zap"
)

// EventType identifies an asynchronous component notification.
type EventType int

const (
	// EventCmdComplete: Data1 is the Command, Data2 the reached State or the port.
	EventCmdComplete EventType = iota
	// EventError: Err holds the error; Data1 is its ErrorKind.
	EventError
	// EventPortSettingsChanged: Data1 is the port whose requirements changed.
	EventPortSettingsChanged
	// EventBufferFlag: Data1 is the port, Data2 the BufferFlags seen.
	EventBufferFlag
)

func (t EventType) String() string {
	switch t {
	case EventCmdComplete:
		return "CmdComplete"
	case EventError:
		return "Error"
	case EventPortSettingsChanged:
		return "PortSettingsChanged"
	case EventBufferFlag:
		return "BufferFlag"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is delivered through Callbacks.OnEvent.
type Event struct {
	Type  EventType
	Data1 int
	Data2 int
	Err   error
}

func (e Event) String() string {
	switch e.Type {
	case EventCmdComplete:
		cmd := Command(e.Data1)
		if cmd == CommandStateSet {
			return fmt.Sprintf("CmdComplete(%s, %s)", cmd, State(e.Data2))
		}
		return fmt.Sprintf("CmdComplete(%s, %s)", cmd, Port(e.Data2))
	case EventError:
		return fmt.Sprintf("Error(%s: %v)", ErrorKind(e.Data1), e.Err)
	case EventPortSettingsChanged:
		return fmt.Sprintf("PortSettingsChanged(%s)", Port(e.Data1))
	case EventBufferFlag:
		return fmt.Sprintf("BufferFlag(%s, %s)", Port(e.Data1), BufferFlags(e.Data2))
	}
	return e.Type.String()
}

func (c *Component) emit(ev Event) {
	c.log.Debug("event", zap.Stringer("event", ev))
	if c.cb.OnEvent != nil {
		c.cb.OnEvent(ev)
	}
}

func (c *Component) cmdComplete(cmd Command, data int) {
	c.emit(Event{Type: EventCmdComplete, Data1: int(cmd), Data2: data})
}

func (c *Component) emitError(err error) {
	c.emit(Event{Type: EventError, Data1: int(KindOf(err)), Err: err})
}

// returnInput hands an input buffer back to the client.
func (c *Component) returnInput(b *Buffer) {
	b.Filled = 0
	b.Offset = 0
	b.setOwner(OwnerClient)
	c.stats.inputReturned.Add(1)
	if c.cb.OnEmptyBufferDone != nil {
		c.cb.OnEmptyBufferDone(b)
	}
}

// returnOutput hands an output buffer back to the client with its filled
// length as set by the caller.
func (c *Component) returnOutput(b *Buffer) {
	b.setOwner(OwnerClient)
	c.stats.outputReturned.Add(1)
	if c.cb.OnFillBufferDone != nil {
		c.cb.OnFillBufferDone(b)
	}
}
