//go:build !(darwin || linux)

package vdec

import (
	"context"
	"time"
)

// IsNativeDriverAvailable reports false: libvdec_driver is not supported on this platform.
func IsNativeDriverAvailable() bool { return false }

// NativeDriver is unavailable on this platform.
type NativeDriver struct{}

// NewNativeDriver always fails with ErrDriverNotFound on this platform.
func NewNativeDriver(string) (*NativeDriver, error) { return nil, ErrDriverNotFound }

func (*NativeDriver) Open(DriverConfig) error {
	return ErrDriverNotFound
}

func (*NativeDriver) Requirements(Port) (BufferRequirements, error) {
	return BufferRequirements{}, ErrDriverNotFound
}

func (*NativeDriver) Queue(*Buffer) error {
	return ErrDriverNotFound
}

func (*NativeDriver) Dequeue(context.Context, time.Duration) (DriverEvent, error) {
	return DriverEvent{}, ErrDriverNotFound
}

func (*NativeDriver) StreamOn(Port) error {
	return ErrDriverNotFound
}

func (*NativeDriver) StreamOff(Port) error {
	return ErrDriverNotFound
}

func (*NativeDriver) Flush(Port) error {
	return ErrDriverNotFound
}

func (*NativeDriver) SubscribeEvents() error {
	return ErrDriverNotFound
}

func (*NativeDriver) Close() error {
	return nil
}
