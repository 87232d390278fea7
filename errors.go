package vdec

import "errors"

// ErrorKind classifies component errors by how they propagate.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	// KindProtocol errors are rejected at the call boundary; state is unchanged.
	KindProtocol
	// KindResource errors come from the allocator or driver refusing a request.
	KindResource
	// KindStream errors describe a malformed bitstream; the component keeps running.
	KindStream
	// KindHardware errors always move the component to StateInvalid.
	KindHardware
	// KindQueueFull errors are reported the same way as hardware errors.
	KindQueueFull
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindStream:
		return "stream"
	case KindHardware:
		return "hardware"
	case KindQueueFull:
		return "queue-full"
	default:
		return "none"
	}
}

// Fatal reports whether errors of this kind force StateInvalid.
func (k ErrorKind) Fatal() bool {
	return k == KindHardware || k == KindQueueFull
}

// Protocol errors.
var (
	ErrBadTransition     = errors.New("vdec: bad state transition")
	ErrSameState         = errors.New("vdec: already in requested state")
	ErrTransitionPending = errors.New("vdec: state transition already in progress")
	ErrIncorrectState    = errors.New("vdec: operation not allowed in current state")
	ErrInvalidState      = errors.New("vdec: component is invalid")
	ErrBadPort           = errors.New("vdec: bad port index")
	ErrPortDisabled      = errors.New("vdec: port disabled")
	ErrBadParameter      = errors.New("vdec: bad parameter")
	ErrNilBuffer         = errors.New("vdec: nil buffer")
	ErrBufferTooSmall    = errors.New("vdec: buffer smaller than port requirement")
	ErrBufferOverrun     = errors.New("vdec: filled length exceeds buffer")
	ErrNotOwner          = errors.New("vdec: buffer not owned by client")
	ErrForeignBuffer     = errors.New("vdec: buffer does not belong to this component")
	ErrAlreadyPending    = errors.New("vdec: buffer already submitted to driver")
	ErrPortFull          = errors.New("vdec: all port buffers already allocated")
	ErrClosed            = errors.New("vdec: component closed")
)

// Resource errors.
var (
	ErrInsufficientResources = errors.New("vdec: insufficient resources")
	ErrCodecNotSupported     = errors.New("vdec: codec not supported")
	ErrDriverNotFound        = errors.New("vdec: driver backend not found")
)

// Stream errors.
var (
	ErrStreamCorrupt = errors.New("vdec: stream corrupt")
)

// Hardware and queue errors.
var (
	ErrHardware      = errors.New("vdec: hardware error")
	ErrDriverTimeout = errors.New("vdec: driver completion timeout")
	ErrQueueFull     = errors.New("vdec: command queue full")
)

// KindOf maps an error (possibly wrapped) to its ErrorKind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrHardware), errors.Is(err, ErrDriverTimeout):
		return KindHardware
	case errors.Is(err, ErrStreamCorrupt):
		return KindStream
	case errors.Is(err, ErrInsufficientResources),
		errors.Is(err, ErrCodecNotSupported),
		errors.Is(err, ErrDriverNotFound):
		return KindResource
	default:
		return KindProtocol
	}
}
