//go:build darwin || linux

package vdec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	nativeOnce    sync.Once
	nativeHandle  uintptr
	nativeInitErr error
)

// libvdec_driver function pointers
var (
	vdecDriverOpen         func(codec, width, height, inCount, inSize, outCount int32) uint64
	vdecDriverRequirements func(driver uint64, port int32, out uintptr) int32
	vdecDriverQueue        func(driver uint64, port, index int32, data uintptr, filled, capacity int32, flags uint32, timestamp int64) int32
	vdecDriverDequeue      func(driver uint64, timeoutMs int32, out uintptr) int32
	vdecDriverStreamOn     func(driver uint64, port int32) int32
	vdecDriverStreamOff    func(driver uint64, port int32) int32
	vdecDriverFlush        func(driver uint64, port int32) int32
	vdecDriverSubscribe    func(driver uint64) int32
	vdecDriverClose        func(driver uint64)
	vdecDriverAlloc        func(size, alignment int32) uintptr
	vdecDriverFree         func(ptr uintptr)
	vdecDriverGetError     func() uintptr
)

// Constants from vdec_driver.h
const (
	vdecDriverOK      = 0
	vdecDriverTimeout = 1
	vdecDriverError   = -1

	vdecEventBufferDone      = 0
	vdecEventFlushDone       = 1
	vdecEventSettingsChanged = 2
	vdecEventError           = 3

	// Longest single native wait, so ctx cancellation is noticed.
	nativeDequeueSlice = 50 * time.Millisecond
)

// nativeRequirements mirrors vdec_requirements_t.
type nativeRequirements struct {
	Count     int32
	Size      int32
	Alignment int32
	Width     int32
	Height    int32
	Stride    int32
}

// nativeEvent mirrors vdec_event_t. It must be heap-allocated for purego
// out-parameters; stack variables can move during the call.
type nativeEvent struct {
	Kind      int32
	Port      int32
	Index     int32
	BytesUsed int32
	Flags     uint32
	Code      int32
	Timestamp int64
	Req       nativeRequirements
}

func loadNativeDriver(path string) error {
	nativeOnce.Do(func() {
		nativeInitErr = loadNativeDriverLib(path)
	})
	return nativeInitErr
}

func loadNativeDriverLib(path string) error {
	paths := nativeDriverLibPaths()
	if path != "" {
		paths = append([]string{path}, paths...)
	}

	var lastErr error
	for _, p := range paths {
		handle, err := purego.Dlopen(p, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		nativeHandle = handle
		loadNativeDriverSymbols()
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libvdec_driver: %w", lastErr)
	}
	return errors.New("libvdec_driver not found in any standard location")
}

func loadNativeDriverSymbols() {
	purego.RegisterLibFunc(&vdecDriverOpen, nativeHandle, "vdec_driver_open")
	purego.RegisterLibFunc(&vdecDriverRequirements, nativeHandle, "vdec_driver_requirements")
	purego.RegisterLibFunc(&vdecDriverQueue, nativeHandle, "vdec_driver_queue")
	purego.RegisterLibFunc(&vdecDriverDequeue, nativeHandle, "vdec_driver_dequeue")
	purego.RegisterLibFunc(&vdecDriverStreamOn, nativeHandle, "vdec_driver_stream_on")
	purego.RegisterLibFunc(&vdecDriverStreamOff, nativeHandle, "vdec_driver_stream_off")
	purego.RegisterLibFunc(&vdecDriverFlush, nativeHandle, "vdec_driver_flush")
	purego.RegisterLibFunc(&vdecDriverSubscribe, nativeHandle, "vdec_driver_subscribe_events")
	purego.RegisterLibFunc(&vdecDriverClose, nativeHandle, "vdec_driver_close")
	purego.RegisterLibFunc(&vdecDriverAlloc, nativeHandle, "vdec_driver_alloc")
	purego.RegisterLibFunc(&vdecDriverFree, nativeHandle, "vdec_driver_free")
	purego.RegisterLibFunc(&vdecDriverGetError, nativeHandle, "vdec_driver_get_error")
}

// IsNativeDriverAvailable checks if libvdec_driver can be loaded.
func IsNativeDriverAvailable() bool {
	return loadNativeDriver("") == nil
}

func nativeError() string {
	ptr := vdecDriverGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return cString(ptr, maxNativeErrorLen)
}

func nativeStatus(op string, rc int32) error {
	if rc == vdecDriverOK {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", op, nativeError(), ErrHardware)
}

// NativeDriver drives a decoder device through libvdec_driver. Buffers
// queued to it must use memory from its Allocate method, since the device
// keeps pointers to them after Queue returns.
type NativeDriver struct {
	handle uint64

	mu     sync.Mutex
	allocs map[uintptr]int
}

// NewNativeDriver loads libvdec_driver. An empty path searches the standard
// locations.
func NewNativeDriver(path string) (*NativeDriver, error) {
	if err := loadNativeDriver(path); err != nil {
		return nil, fmt.Errorf("native driver not available: %w", errors.Join(err, ErrDriverNotFound))
	}
	return &NativeDriver{allocs: make(map[uintptr]int)}, nil
}

// Open implements Driver.
func (d *NativeDriver) Open(cfg DriverConfig) error {
	d.handle = vdecDriverOpen(int32(cfg.Codec), int32(cfg.Width), int32(cfg.Height),
		int32(cfg.InputBufferCount), int32(cfg.InputBufferSize), int32(cfg.OutputBufferCount))
	if d.handle == 0 {
		return fmt.Errorf("open %s: %s: %w", cfg.Codec, nativeError(), ErrInsufficientResources)
	}
	return nil
}

// Requirements implements Driver.
func (d *NativeDriver) Requirements(port Port) (BufferRequirements, error) {
	out := new(nativeRequirements)
	if err := nativeStatus("requirements", vdecDriverRequirements(d.handle, int32(port), uintptr(unsafe.Pointer(out)))); err != nil {
		return BufferRequirements{}, err
	}
	return out.toGo(), nil
}

func (r *nativeRequirements) toGo() BufferRequirements {
	return BufferRequirements{
		Count:     int(r.Count),
		Size:      int(r.Size),
		Alignment: int(r.Alignment),
		Width:     int(r.Width),
		Height:    int(r.Height),
		Stride:    int(r.Stride),
	}
}

// Queue implements Driver.
func (d *NativeDriver) Queue(buf *Buffer) error {
	if len(buf.Data) == 0 {
		return ErrBufferTooSmall
	}
	base := uintptr(unsafe.Pointer(&buf.Data[0]))
	d.mu.Lock()
	_, ok := d.allocs[base]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %s: memory not from driver allocator: %w", buf, ErrBadParameter)
	}
	rc := vdecDriverQueue(d.handle, int32(buf.Port), int32(buf.Index),
		base+uintptr(buf.Offset), int32(buf.Filled), int32(len(buf.Data)-buf.Offset),
		uint32(buf.Flags), buf.Timestamp)
	return nativeStatus("queue", rc)
}

// Dequeue implements Driver.
func (d *NativeDriver) Dequeue(ctx context.Context, timeout time.Duration) (DriverEvent, error) {
	out := new(nativeEvent)
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := ctx.Err(); err != nil {
			return DriverEvent{}, err
		}
		wait := nativeDequeueSlice
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return DriverEvent{}, ErrDriverTimeout
			}
			wait = min(wait, left)
		}
		rc := vdecDriverDequeue(d.handle, int32(wait/time.Millisecond)+1, uintptr(unsafe.Pointer(out)))
		switch rc {
		case vdecDriverOK:
			return out.toGo(), nil
		case vdecDriverTimeout:
			continue
		default:
			return DriverEvent{}, nativeStatus("dequeue", rc)
		}
	}
}

func (e *nativeEvent) toGo() DriverEvent {
	ev := DriverEvent{
		Port:      Port(e.Port),
		Index:     int(e.Index),
		BytesUsed: int(e.BytesUsed),
		Flags:     BufferFlags(e.Flags),
		Timestamp: e.Timestamp,
	}
	switch e.Kind {
	case vdecEventBufferDone:
		ev.Kind = DriverBufferDone
	case vdecEventFlushDone:
		ev.Kind = DriverFlushDone
	case vdecEventSettingsChanged:
		ev.Kind = DriverPortSettingsChanged
		ev.Requirements = e.Req.toGo()
	default:
		ev.Kind = DriverError
		ev.Err = fmt.Errorf("device error %d: %w", e.Code, ErrHardware)
	}
	return ev
}

// StreamOn implements Driver.
func (d *NativeDriver) StreamOn(port Port) error {
	return nativeStatus("stream on", vdecDriverStreamOn(d.handle, int32(port)))
}

// StreamOff implements Driver.
func (d *NativeDriver) StreamOff(port Port) error {
	return nativeStatus("stream off", vdecDriverStreamOff(d.handle, int32(port)))
}

// Flush implements Driver.
func (d *NativeDriver) Flush(port Port) error {
	return nativeStatus("flush", vdecDriverFlush(d.handle, int32(port)))
}

// SubscribeEvents implements Driver.
func (d *NativeDriver) SubscribeEvents() error {
	return nativeStatus("subscribe", vdecDriverSubscribe(d.handle))
}

// Close implements Driver.
func (d *NativeDriver) Close() error {
	if d.handle != 0 {
		vdecDriverClose(d.handle)
		d.handle = 0
	}
	return nil
}

// Allocate implements Allocator with device-visible memory.
func (d *NativeDriver) Allocate(size, alignment int) ([]byte, error) {
	ptr := vdecDriverAlloc(int32(size), int32(alignment))
	if ptr == 0 {
		return nil, fmt.Errorf("alloc %d: %s: %w", size, nativeError(), ErrInsufficientResources)
	}
	d.mu.Lock()
	d.allocs[ptr] = size
	d.mu.Unlock()
	return unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size), nil
}

// Release implements Allocator.
func (d *NativeDriver) Release(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	ptr := uintptr(unsafe.Pointer(&mem[0]))
	d.mu.Lock()
	_, ok := d.allocs[ptr]
	delete(d.allocs, ptr)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("release: unknown block: %w", ErrBadParameter)
	}
	vdecDriverFree(ptr)
	return nil
}
