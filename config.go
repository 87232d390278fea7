package vdec

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// InputMode selects how client input buffers map onto access units.
type InputMode int

const (
	// InputModeArbitrary accepts arbitrary byte ranges and assembles units.
	InputModeArbitrary InputMode = iota
	// InputModeFrame expects exactly one access unit per input buffer.
	InputModeFrame
)

func (m InputMode) String() string {
	switch m {
	case InputModeArbitrary:
		return "arbitrary"
	case InputModeFrame:
		return "frame"
	default:
		return fmt.Sprintf("InputMode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m InputMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *InputMode) UnmarshalText(b []byte) error {
	switch string(b) {
	case "arbitrary", "":
		*m = InputModeArbitrary
	case "frame":
		*m = InputModeFrame
	default:
		return fmt.Errorf("input mode %q: %w", b, ErrBadParameter)
	}
	return nil
}

const (
	// maxBuffersPerPort bounds every port pool and sizes the buffer queues.
	maxBuffersPerPort = 32

	defaultQueueDepth  = 32
	defaultPollTimeout = 2 * time.Second
)

// Callbacks are invoked synchronously on the dispatcher goroutine. They
// must not call SendCommand, AllocateBuffer, UseBuffer or FreeBuffer, which
// wait for that goroutine; hand the work to another goroutine instead.
type Callbacks struct {
	OnEvent           func(Event)
	OnEmptyBufferDone func(*Buffer)
	OnFillBufferDone  func(*Buffer)
}

// Config configures a Component.
type Config struct {
	// Codec of the input stream. CodecUnknown detects it from the first
	// non-empty input buffer.
	Codec     Codec     `yaml:"codec"`
	InputMode InputMode `yaml:"input_mode"`
	// NALLengthSize is 0 for Annex-B H.264 input, or 1, 2 or 4 for
	// length-prefixed NAL units.
	NALLengthSize int `yaml:"nal_length_size"`
	Width         int `yaml:"width"`
	Height        int `yaml:"height"`

	// Buffer counts and sizes; the driver may raise them.
	InputBufferCount  int `yaml:"input_buffer_count"`
	InputBufferSize   int `yaml:"input_buffer_size"`
	OutputBufferCount int `yaml:"output_buffer_count"`

	// QueueDepth is the capacity of the control command queue.
	QueueDepth int `yaml:"queue_depth"`
	// PollTimeout bounds the wait for a driver completion while input is
	// outstanding. Expiry is a hardware error. 0 disables the bound.
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// TimestampReorder stamps decoded frames in presentation order.
	TimestampReorder bool `yaml:"timestamp_reorder"`

	// Backend selects the driver when Driver is nil: "soft" or "native".
	Backend     string `yaml:"backend"`
	LibraryPath string `yaml:"library_path"`

	Driver    Driver      `yaml:"-"`
	Allocator Allocator   `yaml:"-"`
	Callbacks Callbacks   `yaml:"-"`
	Logger    *zap.Logger `yaml:"-"`
}

// DefaultConfig returns a Config for Annex-B H.264 on the soft driver.
func DefaultConfig() Config {
	return Config{
		Codec:             CodecH264,
		InputMode:         InputModeArbitrary,
		InputBufferCount:  4,
		OutputBufferCount: 4,
		QueueDepth:        defaultQueueDepth,
		PollTimeout:       defaultPollTimeout,
		Backend:           BackendSoft.String(),
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the static fields.
func (c Config) Validate() error {
	switch c.NALLengthSize {
	case 0, 1, 2, 4:
	default:
		return fmt.Errorf("nal_length_size %d: %w", c.NALLengthSize, ErrBadParameter)
	}
	if c.NALLengthSize != 0 && c.Codec != CodecH264 && c.Codec != CodecUnknown {
		return fmt.Errorf("nal_length_size set for %s: %w", c.Codec, ErrBadParameter)
	}
	if c.InputMode != InputModeArbitrary && c.InputMode != InputModeFrame {
		return fmt.Errorf("input mode %d: %w", c.InputMode, ErrBadParameter)
	}
	if c.Codec == CodecUnknown && c.InputMode == InputModeFrame {
		return fmt.Errorf("codec detection needs arbitrary input mode: %w", ErrBadParameter)
	}
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("size %dx%d: %w", c.Width, c.Height, ErrBadParameter)
	}
	if c.InputBufferCount > maxBuffersPerPort || c.OutputBufferCount > maxBuffersPerPort {
		return fmt.Errorf("more than %d buffers per port: %w", maxBuffersPerPort, ErrBadParameter)
	}
	if c.InputBufferCount < 0 || c.OutputBufferCount < 0 || c.InputBufferSize < 0 {
		return fmt.Errorf("negative buffer requirement: %w", ErrBadParameter)
	}
	if c.QueueDepth < 0 || c.PollTimeout < 0 {
		return fmt.Errorf("negative queue depth or poll timeout: %w", ErrBadParameter)
	}
	if c.Driver == nil {
		if _, err := ParseBackend(c.Backend); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.QueueDepth == 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.Allocator == nil {
		if a, ok := c.Driver.(Allocator); ok {
			c.Allocator = a
		} else {
			c.Allocator = HeapAllocator{}
		}
	}
	if c.Logger == nil {
		c.Logger = zap.L()
	}
	return c
}
