package vdec

import (
	"fmt"
	"strings"
)

// Backend identifies a Driver implementation.
type Backend uint8

const (
	BackendSoft   Backend = iota // In-process reference driver
	BackendNative                // libvdec_driver loaded at runtime
	backendCount
)

// Codecs is a bitmask of codecs a backend accepts.
type Codecs uint32

func codecBit(c Codec) Codecs { return 1 << uint(c) }

// Has returns true if the codec is in the set.
func (s Codecs) Has(c Codec) bool { return s&codecBit(c) != 0 }

const allCodecs = 1<<CodecH264 | 1<<CodecMPEG4 | 1<<CodecH263 | 1<<CodecVC1 | 1<<CodecVC1Advanced

// backendMeta contains static metadata about a backend.
type backendMeta struct {
	Name     string
	Hardware bool
	Codecs   Codecs
}

// Static metadata table - indexed by Backend.
var backendInfo = [backendCount]backendMeta{
	BackendSoft:   {"soft", false, allCodecs},
	BackendNative: {"native", true, allCodecs},
}

// String returns the backend name.
func (b Backend) String() string {
	if b >= backendCount {
		return "unknown"
	}
	return backendInfo[b].Name
}

// Hardware returns true if the backend drives a real device.
func (b Backend) Hardware() bool {
	if b >= backendCount {
		return false
	}
	return backendInfo[b].Hardware
}

// Codecs returns the codecs the backend accepts.
func (b Backend) Codecs() Codecs {
	if b >= backendCount {
		return 0
	}
	return backendInfo[b].Codecs
}

// Available returns true if the backend is usable at runtime.
func (b Backend) Available() bool {
	switch b {
	case BackendSoft:
		return true
	case BackendNative:
		return IsNativeDriverAvailable()
	default:
		return false
	}
}

// ParseBackend looks a backend up by name. An empty name selects BackendSoft.
func ParseBackend(name string) (Backend, error) {
	if name == "" {
		return BackendSoft, nil
	}
	for b := Backend(0); b < backendCount; b++ {
		if strings.EqualFold(backendInfo[b].Name, name) {
			return b, nil
		}
	}
	return 0, fmt.Errorf("backend %q: %w", name, ErrDriverNotFound)
}

// NewDriver creates an unopened driver for a backend.
func NewDriver(b Backend, cfg Config) (Driver, error) {
	if !b.Codecs().Has(cfg.Codec) && cfg.Codec != CodecUnknown {
		return nil, fmt.Errorf("%s on %s: %w", cfg.Codec, b, ErrCodecNotSupported)
	}
	switch b {
	case BackendSoft:
		return NewSoftDriver(SoftDriverConfig{
			InputCount:  cfg.InputBufferCount,
			InputSize:   cfg.InputBufferSize,
			OutputCount: cfg.OutputBufferCount,
			Width:       cfg.Width,
			Height:      cfg.Height,
		}), nil
	case BackendNative:
		d, err := NewNativeDriver(cfg.LibraryPath)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("backend %d: %w", b, ErrDriverNotFound)
	}
}
