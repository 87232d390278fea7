package vdec

import "fmt"

// State is the component state.
type State int32

const (
	StateLoaded State = iota
	StateIdle
	StateExecuting
	StatePause
	StateWaitForResources
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "Loaded"
	case StateIdle:
		return "Idle"
	case StateExecuting:
		return "Executing"
	case StatePause:
		return "Pause"
	case StateWaitForResources:
		return "WaitForResources"
	case StateInvalid:
		return "Invalid"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// running reports whether buffers may be exchanged in this state.
func (s State) running() bool {
	return s == StateExecuting || s == StatePause
}

// Command is a client command sent through SendCommand.
type Command int

const (
	CommandStateSet Command = iota
	CommandFlush
	CommandPortDisable
	CommandPortEnable
)

func (c Command) String() string {
	switch c {
	case CommandStateSet:
		return "StateSet"
	case CommandFlush:
		return "Flush"
	case CommandPortDisable:
		return "PortDisable"
	case CommandPortEnable:
		return "PortEnable"
	default:
		return fmt.Sprintf("Command(%d)", int(c))
	}
}

// checkTransition validates a client-requested state change.
func checkTransition(from, to State) error {
	if from == StateInvalid {
		return ErrInvalidState
	}
	if from == to {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrSameState)
	}
	if to == StateInvalid {
		return nil
	}
	ok := false
	switch from {
	case StateLoaded:
		ok = to == StateIdle || to == StateWaitForResources
	case StateIdle:
		ok = to == StateLoaded || to == StateExecuting || to == StatePause
	case StateExecuting:
		ok = to == StateIdle || to == StatePause
	case StatePause:
		ok = to == StateIdle || to == StateExecuting
	case StateWaitForResources:
		ok = to == StateLoaded || to == StateIdle
	}
	if !ok {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrBadTransition)
	}
	return nil
}

// transitionKind tags the single in-flight sub-transition.
type transitionKind uint8

const (
	transNone transitionKind = iota
	// transToIdle waits for population (from Loaded/WaitForResources) or
	// for both port flushes and stream-off (from Executing/Pause).
	transToIdle
	// transToLoaded waits for every descriptor to be freed.
	transToLoaded
	// transPortDisable waits for the port flush and for the port to be released.
	transPortDisable
	// transPortEnable waits for the port to be populated.
	transPortEnable
	// transFlush waits for the driver to confirm the port flush.
	transFlush
)

func (k transitionKind) String() string {
	switch k {
	case transToIdle:
		return "to-idle"
	case transToLoaded:
		return "to-loaded"
	case transPortDisable:
		return "port-disable"
	case transPortEnable:
		return "port-enable"
	case transFlush:
		return "flush"
	default:
		return "none"
	}
}

// portMask is a set of ports.
type portMask uint8

func maskOf(p Port) portMask {
	if p == PortAll {
		return 1<<PortInput | 1<<PortOutput
	}
	return 1 << p
}

func (m portMask) has(p Port) bool         { return m&(1<<p) != 0 }
func (m portMask) without(p Port) portMask { return m &^ (1 << p) }
func (m portMask) empty() bool             { return m == 0 }

// transition is the component's current state plus at most one in-flight
// sub-transition. Every field beyond state is meaningful only for the
// kinds that use it.
type transition struct {
	state State
	kind  transitionKind
	// from is the state the transition started in.
	from State
	// target is the requested state for transToIdle and transToLoaded.
	target State
	// ports addressed by port and flush commands.
	ports portMask
	// flushing holds the ports whose flush has not completed yet.
	flushing portMask
	// reply answers the SendCommand that started the transition.
	reply chan error
}

func (t *transition) inFlight() bool {
	return t.kind != transNone
}

func (t *transition) begin(kind transitionKind, target State, ports portMask) {
	t.kind = kind
	t.from = t.state
	t.target = target
	t.ports = ports
	t.flushing = 0
}

// end clears the in-flight transition and hands back the waiting reply,
// if any.
func (t *transition) end() chan error {
	reply := t.reply
	t.kind = transNone
	t.target = t.state
	t.ports = 0
	t.flushing = 0
	t.reply = nil
	return reply
}

// answer delivers a command result to a waiting SendCommand.
func answer(reply chan error, err error) {
	if reply != nil {
		reply <- err
	}
}

func (t transition) String() string {
	if t.kind == transNone {
		return t.state.String()
	}
	return fmt.Sprintf("%s(%s->%s ports=%b flushing=%b)", t.state, t.kind, t.target, t.ports, t.flushing)
}
