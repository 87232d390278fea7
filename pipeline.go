package vdec

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// PipelineState represents the state of a decode pipeline.
type PipelineState int

const (
	PipelineStateIdle     PipelineState = iota // Not started
	PipelineStateStarting                      // Populating ports
	PipelineStateRunning                       // Decoding
	PipelineStateStopped                       // Closed or failed
)

func (s PipelineState) String() string {
	switch s {
	case PipelineStateIdle:
		return "idle"
	case PipelineStateStarting:
		return "starting"
	case PipelineStateRunning:
		return "running"
	case PipelineStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// defaultCloseTimeout bounds the Executing -> Idle -> Loaded walk in Close.
const defaultCloseTimeout = 5 * time.Second

// DecodePipeline handles: Write -> Component -> FrameCallback.
//
// It owns every buffer of the component: it allocates them, recycles input
// buffers returned by the component for the next Write, refills output
// buffers after their frame was delivered and rebuilds the output port when
// the stream's resolution changes.
type DecodePipeline struct {
	comp *Component
	mode InputMode

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	inputs  []*Buffer
	outputs []*Buffer

	inFree  chan *Buffer
	outFree chan *Buffer
	reconf  atomic.Bool

	writeMu sync.Mutex
	lastTS  int64

	eos     chan struct{}
	eosOnce sync.Once

	stats   PipelineStats
	statsMu sync.Mutex

	onFrame FrameCallback
	onError func(error)
	log     *zap.Logger
}

// PipelineStats provides pipeline statistics.
type PipelineStats struct {
	Component        Stats
	BytesWritten     uint64
	FramesDelivered  uint64
	Reconfigurations uint64
	Errors           uint64
}

// PipelineConfig configures a decode pipeline.
type PipelineConfig struct {
	Component Config        // Component configuration; Callbacks are replaced
	OnFrame   FrameCallback // Called on the component's dispatcher for each decoded frame
	OnError   func(error)   // Error callback
}

// NewDecodePipeline creates a component and a pipeline around it.
func NewDecodePipeline(cfg PipelineConfig) (*DecodePipeline, error) {
	p := &DecodePipeline{
		mode:    cfg.Component.InputMode,
		inFree:  make(chan *Buffer, maxBuffersPerPort),
		outFree: make(chan *Buffer, maxBuffersPerPort),
		eos:     make(chan struct{}),
		onFrame: cfg.OnFrame,
		onError: cfg.OnError,
	}
	p.state.Store(int32(PipelineStateIdle))
	p.ctx, p.cancel = context.WithCancel(context.Background())

	cc := cfg.Component
	cc.Callbacks = Callbacks{
		OnEvent:           p.handleEvent,
		OnEmptyBufferDone: p.inputDone,
		OnFillBufferDone:  p.outputDone,
	}
	comp, err := New(cc)
	if err != nil {
		p.cancel()
		return nil, err
	}
	p.comp = comp
	p.log = comp.log.Named("pipeline")
	return p, nil
}

// Component returns the wrapped component.
func (p *DecodePipeline) Component() *Component {
	return p.comp
}

// State returns the pipeline state.
func (p *DecodePipeline) State() PipelineState {
	return PipelineState(p.state.Load())
}

// Start populates both ports, moves the component to Executing and hands
// every output buffer to it.
func (p *DecodePipeline) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(PipelineStateIdle), int32(PipelineStateStarting)) {
		return fmt.Errorf("start: pipeline %s: %w", p.State(), ErrIncorrectState)
	}
	idle := p.comp.SendCommandAsync(CommandStateSet, int(StateIdle))
	inputs, err := p.allocate(PortInput)
	p.mu.Lock()
	p.inputs = inputs
	p.mu.Unlock()
	if err != nil {
		return err
	}
	outputs, err := p.allocate(PortOutput)
	p.mu.Lock()
	p.outputs = outputs
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if err := waitCommand(ctx, idle); err != nil {
		return err
	}
	if err := waitCommand(ctx, p.comp.SendCommandAsync(CommandStateSet, int(StateExecuting))); err != nil {
		return err
	}

	for _, b := range inputs {
		p.inFree <- b
	}
	p.state.Store(int32(PipelineStateRunning))
	for _, b := range outputs {
		if err := p.comp.FillThisBuffer(b); err != nil {
			return err
		}
	}
	p.log.Info("pipeline started", zap.Int("inputs", len(inputs)), zap.Int("outputs", len(outputs)))
	return nil
}

// allocate fills a port with its negotiated number of buffers.
func (p *DecodePipeline) allocate(port Port) ([]*Buffer, error) {
	def, err := p.comp.PortDefinition(port)
	if err != nil {
		return nil, err
	}
	bufs := make([]*Buffer, 0, def.BufferCount)
	for range def.BufferCount {
		b, err := p.comp.AllocateBuffer(port, 0)
		if err != nil {
			return bufs, fmt.Errorf("allocate %s buffer: %w", port, err)
		}
		bufs = append(bufs, b)
	}
	return bufs, nil
}

// Write copies data into input buffers and queues them. In arbitrary mode
// data may be split across buffers; in frame mode it must fit one buffer.
// flags apply to the last buffer written.
func (p *DecodePipeline) Write(ctx context.Context, data []byte, timestamp int64, flags BufferFlags) error {
	if p.State() != PipelineStateRunning {
		return fmt.Errorf("write: pipeline %s: %w", p.State(), ErrIncorrectState)
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.recycleOutputs()
	p.lastTS = timestamp

	for {
		var b *Buffer
		select {
		case b = <-p.inFree:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.ctx.Done():
			return ErrClosed
		}
		if p.mode == InputModeFrame && len(data) > b.Cap() {
			p.inFree <- b
			return fmt.Errorf("frame of %d bytes, buffer holds %d: %w", len(data), b.Cap(), ErrBufferTooSmall)
		}
		n := copy(b.Data, data)
		data = data[n:]
		b.Offset = 0
		b.Filled = n
		b.Timestamp = timestamp
		b.Flags = 0
		if len(data) == 0 {
			b.Flags = flags
		}
		if err := p.comp.EmptyThisBuffer(b); err != nil {
			p.inFree <- b
			return err
		}
		p.statsMu.Lock()
		p.stats.BytesWritten += uint64(n)
		p.statsMu.Unlock()
		if len(data) == 0 {
			return nil
		}
	}
}

// Drain writes end-of-stream and waits until the last frame was delivered.
func (p *DecodePipeline) Drain(ctx context.Context) error {
	p.writeMu.Lock()
	ts := p.lastTS
	p.writeMu.Unlock()
	if err := p.Write(ctx, nil, ts, FlagEndOfStream); err != nil {
		return err
	}
	select {
	case <-p.eos:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once an end-of-stream output buffer was delivered.
func (p *DecodePipeline) Done() <-chan struct{} {
	return p.eos
}

// inputDone runs on the dispatcher.
func (p *DecodePipeline) inputDone(b *Buffer) {
	select {
	case p.inFree <- b:
	default:
	}
}

// outputDone runs on the dispatcher. Filled buffers are delivered and
// handed straight back; flushed and end-of-stream buffers are parked.
func (p *DecodePipeline) outputDone(b *Buffer) {
	if b.Filled > 0 {
		def, _ := p.comp.PortDefinition(PortOutput)
		frame := &DecodedFrame{
			Data:      b.Bytes(),
			Width:     def.Width,
			Height:    def.Height,
			Stride:    def.Stride,
			Timestamp: b.Timestamp,
			Flags:     b.Flags,
		}
		p.statsMu.Lock()
		p.stats.FramesDelivered++
		p.statsMu.Unlock()
		if p.onFrame != nil {
			p.onFrame(frame)
		}
	}
	if b.Filled > 0 && !b.Flags.Has(FlagEndOfStream) && p.State() == PipelineStateRunning && !p.reconf.Load() {
		if err := p.comp.FillThisBuffer(b); err == nil {
			return
		}
	}
	select {
	case p.outFree <- b:
	default:
	}
}

// recycleOutputs hands parked output buffers back to the component.
func (p *DecodePipeline) recycleOutputs() {
	for {
		if p.reconf.Load() || p.State() != PipelineStateRunning {
			return
		}
		select {
		case b := <-p.outFree:
			if err := p.comp.FillThisBuffer(b); err != nil {
				p.outFree <- b
				return
			}
		default:
			return
		}
	}
}

// handleEvent runs on the dispatcher and must not block.
func (p *DecodePipeline) handleEvent(ev Event) {
	switch ev.Type {
	case EventPortSettingsChanged:
		if p.State() != PipelineStateRunning || !p.reconf.CompareAndSwap(false, true) {
			return
		}
		p.wg.Add(1)
		go p.reconfigure()
	case EventBufferFlag:
		if Port(ev.Data1) == PortOutput && BufferFlags(ev.Data2).Has(FlagEndOfStream) {
			p.eosOnce.Do(func() { close(p.eos) })
		}
	case EventError:
		p.handleError(ev.Err)
	}
}

// reconfigure rebuilds the output port after a resolution change.
func (p *DecodePipeline) reconfigure() {
	defer p.wg.Done()
	if err := p.rebuildOutput(p.ctx); err != nil {
		p.handleError(fmt.Errorf("reconfigure output: %w", err))
		return
	}
	p.statsMu.Lock()
	p.stats.Reconfigurations++
	p.statsMu.Unlock()
}

func (p *DecodePipeline) rebuildOutput(ctx context.Context) error {
	disabled := p.comp.SendCommandAsync(CommandPortDisable, int(PortOutput))
	p.mu.Lock()
	old := p.outputs
	p.outputs = nil
	p.mu.Unlock()

	// Every output buffer comes back once the disable flush has run.
	var errs error
	for range old {
		select {
		case b := <-p.outFree:
			errs = multierr.Append(errs, p.comp.FreeBuffer(b))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if errs != nil {
		return errs
	}
	if err := waitCommand(ctx, disabled); err != nil {
		return err
	}

	enabled := p.comp.SendCommandAsync(CommandPortEnable, int(PortOutput))
	outputs, err := p.allocate(PortOutput)
	p.mu.Lock()
	p.outputs = outputs
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if err := waitCommand(ctx, enabled); err != nil {
		return err
	}
	def, _ := p.comp.PortDefinition(PortOutput)
	p.log.Info("output port rebuilt",
		zap.Int("width", def.Width), zap.Int("height", def.Height), zap.Int("buffers", len(outputs)))

	p.reconf.Store(false)
	for _, b := range outputs {
		if err := p.comp.FillThisBuffer(b); err != nil {
			return err
		}
	}
	return nil
}

// waitCommand waits for the result of SendCommandAsync.
func waitCommand(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *DecodePipeline) handleError(err error) {
	p.statsMu.Lock()
	p.stats.Errors++
	p.statsMu.Unlock()

	if p.onError != nil {
		go p.onError(err)
	}
}

// Stats returns pipeline statistics.
func (p *DecodePipeline) Stats() PipelineStats {
	p.statsMu.Lock()
	stats := p.stats
	p.statsMu.Unlock()
	stats.Component = p.comp.Stats()
	return stats
}

// Close walks the component back to Loaded, frees every buffer and closes
// the component.
func (p *DecodePipeline) Close() error {
	prev := PipelineState(p.state.Swap(int32(PipelineStateStopped)))
	if prev == PipelineStateStopped {
		return nil
	}
	p.cancel()
	p.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()

	var errs error
	switch p.comp.State() {
	case StateExecuting, StatePause:
		errs = multierr.Append(errs, waitCommand(ctx, p.comp.SendCommandAsync(CommandStateSet, int(StateIdle))))
	}
	if p.comp.State() == StateIdle {
		loaded := p.comp.SendCommandAsync(CommandStateSet, int(StateLoaded))
		p.mu.Lock()
		bufs := append(append([]*Buffer(nil), p.inputs...), p.outputs...)
		p.inputs, p.outputs = nil, nil
		p.mu.Unlock()
		for _, b := range bufs {
			errs = multierr.Append(errs, p.comp.FreeBuffer(b))
		}
		errs = multierr.Append(errs, waitCommand(ctx, loaded))
	}
	errs = multierr.Append(errs, p.comp.Close())
	p.log.Info("pipeline closed", zap.Error(errs))
	return errs
}
