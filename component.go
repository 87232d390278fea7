package vdec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Component is one decoder instance. Client calls may come from any
// goroutine. All state, pool and assembler mutation happens on the
// dispatcher goroutine; driver completions are read by a second goroutine
// and handed to the dispatcher through its queues.
type Component struct {
	cfg   Config
	id    string
	log   *zap.Logger
	drv   Driver
	alloc Allocator
	cb    Callbacks
	disp  *dispatcher
	side  *sideChannel
	stats counters

	// Published for client goroutines.
	state   atomic.Int32
	enabled [portCount]atomic.Bool
	closed  atomic.Bool
	// inFlight counts input units held by the driver; inStreaming mirrors
	// the input port stream. Both gate the completion timeout.
	inFlight    atomic.Int32
	inStreaming atomic.Bool

	stateMu sync.Mutex
	stateCh chan struct{}
	defMu   sync.Mutex
	defs    [portCount]PortDefinition

	fatal  chan error
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Owned by the dispatcher goroutine.
	t       transition
	ports   [portCount]*portState
	in      inputPath
	reorder timestampReorder
}

// portState is the dispatcher's view of one port.
type portState struct {
	port      Port
	req       BufferRequirements
	def       PortDefinition
	pool      *bufferPool
	streaming bool

	// flushing is set from the start of a flush until the port holds no
	// queued or driver-owned buffers.
	flushing bool
	// driverFlush is set while a driver Flush awaits its DriverFlushDone.
	driverFlush bool
	waiters     []func()
}

// New opens the driver, negotiates both ports and starts the component in
// StateLoaded.
func New(cfg Config) (*Component, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	owned := false
	if cfg.Driver == nil {
		b, err := ParseBackend(cfg.Backend)
		if err != nil {
			return nil, err
		}
		drv, err := NewDriver(b, cfg)
		if err != nil {
			return nil, err
		}
		cfg.Driver = drv
		owned = true
	}
	cfg = cfg.withDefaults()

	c := &Component{
		cfg:     cfg,
		id:      uuid.NewString(),
		drv:     cfg.Driver,
		alloc:   cfg.Allocator,
		cb:      cfg.Callbacks,
		side:    newSideChannel(),
		stateCh: make(chan struct{}),
		fatal:   make(chan error, 1),
	}
	c.log = cfg.Logger.Named("vdec").With(zap.String("component", c.id), zap.Stringer("codec", cfg.Codec))

	if err := c.open(); err != nil {
		if owned {
			err = multierr.Append(err, c.drv.Close())
		}
		return nil, err
	}

	c.disp = newDispatcher(cfg.QueueDepth, 2*maxBuffersPerPort+8)
	c.t.state = StateLoaded
	c.in.codec = cfg.Codec
	c.in.nalLength = cfg.NALLengthSize
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(2)
	go c.run()
	go c.poll()
	c.log.Info("component created",
		zap.Stringer("input_mode", cfg.InputMode),
		zap.Int("input_buffers", c.defs[PortInput].BufferCount),
		zap.Int("output_buffers", c.defs[PortOutput].BufferCount))
	return c, nil
}

func (c *Component) open() error {
	err := c.drv.Open(DriverConfig{
		Codec:             c.cfg.Codec,
		Width:             c.cfg.Width,
		Height:            c.cfg.Height,
		InputBufferCount:  c.cfg.InputBufferCount,
		InputBufferSize:   c.cfg.InputBufferSize,
		OutputBufferCount: c.cfg.OutputBufferCount,
	})
	if err != nil {
		return fmt.Errorf("open driver: %w", err)
	}
	if err := c.drv.SubscribeEvents(); err != nil {
		return fmt.Errorf("subscribe driver events: %w", err)
	}
	for _, p := range PortAll.ports() {
		req, err := c.drv.Requirements(p)
		if err != nil {
			return fmt.Errorf("%s requirements: %w", p, err)
		}
		ps := &portState{port: p}
		ps.setRequirements(req, c.cfg)
		if ps.def.BufferCount > maxBuffersPerPort {
			return fmt.Errorf("%s needs %d buffers: %w", p, ps.def.BufferCount, ErrInsufficientResources)
		}
		ps.pool = newBufferPool(p, ps.poolRequirements())
		c.ports[p] = ps
		c.enabled[p].Store(true)
		c.publishDef(p)
	}
	return nil
}

// setRequirements adopts driver requirements, raised to the configured
// minimums.
func (ps *portState) setRequirements(req BufferRequirements, cfg Config) {
	ps.req = req
	count, size := req.Count, req.Size
	if ps.port == PortInput {
		count = max(count, cfg.InputBufferCount)
		size = max(size, cfg.InputBufferSize)
	} else {
		count = max(count, cfg.OutputBufferCount)
	}
	ps.def = PortDefinition{
		Port:        ps.port,
		Enabled:     true,
		BufferCount: count,
		BufferSize:  size,
		Alignment:   req.Alignment,
		Width:       req.Width,
		Height:      req.Height,
		Stride:      req.Stride,
	}
}

func (ps *portState) poolRequirements() BufferRequirements {
	return BufferRequirements{
		Count:     ps.def.BufferCount,
		Size:      ps.def.BufferSize,
		Alignment: ps.def.Alignment,
	}
}

// publishDef copies the dispatcher's port definition for client reads.
func (c *Component) publishDef(p Port) {
	ps := c.ports[p]
	def := ps.def
	def.Enabled = c.enabled[p].Load()
	def.Populated = ps.pool.populated()
	c.defMu.Lock()
	c.defs[p] = def
	c.defMu.Unlock()
}

// ID returns the component's unique identifier.
func (c *Component) ID() string {
	return c.id
}

// State returns the current component state.
func (c *Component) State() State {
	return State(c.state.Load())
}

// WaitForState blocks until the component reaches s. It fails with
// ErrInvalidState if the component becomes invalid first.
func (c *Component) WaitForState(ctx context.Context, s State) error {
	for {
		c.stateMu.Lock()
		cur, ch := c.State(), c.stateCh
		c.stateMu.Unlock()
		if cur == s {
			return nil
		}
		if cur == StateInvalid {
			return ErrInvalidState
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return ErrClosed
		}
	}
}

// setState is called on the dispatcher goroutine only.
func (c *Component) setState(s State) {
	if c.t.state != s {
		c.log.Info("state change", zap.Stringer("from", c.t.state), zap.Stringer("to", s))
	}
	c.t.state = s
	c.disp.setPaused(s == StatePause)
	c.stateMu.Lock()
	c.state.Store(int32(s))
	close(c.stateCh)
	c.stateCh = make(chan struct{})
	c.stateMu.Unlock()
}

// PortDefinition returns the negotiated definition of a port.
func (c *Component) PortDefinition(p Port) (PortDefinition, error) {
	if !p.valid() {
		return PortDefinition{}, ErrBadPort
	}
	c.defMu.Lock()
	defer c.defMu.Unlock()
	return c.defs[p], nil
}

// SetPortDefinition changes a port's buffer count, size or frame layout.
// The port must be unpopulated: in StateLoaded, or disabled.
func (c *Component) SetPortDefinition(def PortDefinition) error {
	return c.call(func() error { return c.setPortDefinition(def) })
}

// StreamInfo returns the stream metadata parsed so far.
func (c *Component) StreamInfo() StreamInfo {
	return c.side.snapshot()
}

// SendCommand posts a command and blocks until it has completed: a state
// change until the new state is reached, a flush until the driver has
// returned every buffer of the port, a port enable or disable until the
// port is populated or released. Population and release must therefore
// happen on another goroutine, or after SendCommandAsync. A rejected
// command returns the error and also produces one EventError.
func (c *Component) SendCommand(cmd Command, param int) error {
	return <-c.SendCommandAsync(cmd, param)
}

// SendCommandAsync posts a command and returns a channel that receives its
// result once the command has completed. The command is queued before
// SendCommandAsync returns, so buffers may be allocated or freed right
// after it.
func (c *Component) SendCommandAsync(cmd Command, param int) <-chan error {
	done := make(chan error, 1)
	e := entry{kind: evCommand, param1: int(cmd), param2: param, reply: make(chan error, 1)}
	if err := c.enqueue(e); err != nil {
		done <- err
		return done
	}
	go func() { done <- c.await(e.reply) }()
	return done
}

// SetState requests a state transition.
func (c *Component) SetState(s State) error {
	return c.SendCommand(CommandStateSet, int(s))
}

// Flush returns every buffer held for a port, or PortAll.
func (c *Component) Flush(p Port) error {
	return c.SendCommand(CommandFlush, int(p))
}

// DisablePort disables a port, or PortAll.
func (c *Component) DisablePort(p Port) error {
	return c.SendCommand(CommandPortDisable, int(p))
}

// EnablePort enables a port, or PortAll.
func (c *Component) EnablePort(p Port) error {
	return c.SendCommand(CommandPortEnable, int(p))
}

// AllocateBuffer allocates a buffer of at least the port's buffer size from
// the component allocator. size 0 selects the port's buffer size.
func (c *Component) AllocateBuffer(p Port, size int) (*Buffer, error) {
	var buf *Buffer
	err := c.call(func() error {
		var err error
		buf, err = c.populate(p, size, nil)
		return err
	})
	return buf, err
}

// UseBuffer wraps client memory in a buffer of port p.
func (c *Component) UseBuffer(p Port, data []byte) (*Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("use buffer: %w", ErrBadParameter)
	}
	var buf *Buffer
	err := c.call(func() error {
		var err error
		buf, err = c.populate(p, len(data), data)
		return err
	})
	return buf, err
}

// FreeBuffer releases a client-owned buffer.
func (c *Component) FreeBuffer(b *Buffer) error {
	if err := c.checkClientBuffer(b); err != nil {
		return err
	}
	return c.call(func() error { return c.free(b) })
}

// EmptyThisBuffer hands a filled input buffer to the component. It returns
// after queueing; the buffer comes back through OnEmptyBufferDone.
func (c *Component) EmptyThisBuffer(b *Buffer) error {
	if err := c.checkBufferCall(b, PortInput); err != nil {
		return err
	}
	if b.Offset < 0 || b.Filled < 0 || b.Offset+b.Filled > len(b.Data) {
		return fmt.Errorf("%s: %w", b, ErrBufferOverrun)
	}
	return c.postBuffer(entry{kind: evEmptyBuffer, buf: b})
}

// FillThisBuffer hands an empty output buffer to the component. It comes
// back through OnFillBufferDone.
func (c *Component) FillThisBuffer(b *Buffer) error {
	if err := c.checkBufferCall(b, PortOutput); err != nil {
		return err
	}
	return c.postBuffer(entry{kind: evFillBuffer, buf: b})
}

func (c *Component) checkClientBuffer(b *Buffer) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if b == nil {
		return ErrNilBuffer
	}
	if b.comp != c {
		return ErrForeignBuffer
	}
	if b.Owner() != OwnerClient {
		return fmt.Errorf("%s: %w", b, ErrNotOwner)
	}
	return nil
}

func (c *Component) checkBufferCall(b *Buffer, p Port) error {
	if err := c.checkClientBuffer(b); err != nil {
		return err
	}
	if b.Port != p {
		return fmt.Errorf("%s buffer on %s: %w", b.Port, p, ErrBadPort)
	}
	switch s := c.State(); {
	case s == StateInvalid:
		return ErrInvalidState
	case !s.running():
		return fmt.Errorf("%s in %s: %w", p, s, ErrIncorrectState)
	}
	if !c.enabled[p].Load() {
		return fmt.Errorf("%s: %w", p, ErrPortDisabled)
	}
	return nil
}

func (c *Component) postBuffer(e entry) error {
	if !e.buf.claim() {
		return fmt.Errorf("%s: %w", e.buf, ErrNotOwner)
	}
	if err := c.post(e, false); err != nil {
		e.buf.setOwner(OwnerClient)
		return err
	}
	return nil
}

// call runs fn on the dispatcher goroutine and returns its result.
func (c *Component) call(fn func() error) error {
	return c.post(entry{kind: evCall, call: fn}, true)
}

// post queues e, optionally waiting for the handler's result.
func (c *Component) post(e entry, wait bool) error {
	if wait {
		e.reply = make(chan error, 1)
	}
	if err := c.enqueue(e); err != nil {
		return err
	}
	if !wait {
		return nil
	}
	return c.await(e.reply)
}

// enqueue hands e to the dispatcher. A full queue is fatal to the
// component.
func (c *Component) enqueue(e entry) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.disp.post(e); err != nil {
		c.escalate(err)
		return err
	}
	return nil
}

func (c *Component) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// escalate forces StateInvalid from any goroutine.
func (c *Component) escalate(err error) {
	select {
	case c.fatal <- err:
	default:
	}
	c.disp.signal()
}

// Stats returns a snapshot of the component counters.
func (c *Component) Stats() Stats {
	return c.stats.snapshot(c.disp)
}

// Close stops both goroutines, closes the driver and releases every
// allocated buffer. Buffers still held by the client must not be used
// afterwards.
func (c *Component) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	c.wg.Wait()

	var err error
	for _, p := range PortAll.ports() {
		if ps := c.ports[p]; ps.streaming {
			err = multierr.Append(err, c.drv.StreamOff(p))
		}
	}
	err = multierr.Append(err, c.drv.Close())
	for _, ps := range c.ports {
		ps.pool.each(func(b *Buffer) {
			if b.allocated {
				err = multierr.Append(err, c.alloc.Release(b.Data))
			}
		})
	}
	err = multierr.Append(err, c.releasePhys())
	c.log.Info("component closed", zap.Error(err))
	return err
}
