package vdec

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

const testTimeout = 5 * time.Second

// harness drives one Component over a SoftDriver and records every callback.
type harness struct {
	t       *testing.T
	c       *Component
	drv     *SoftDriver
	events  chan Event
	emptied chan *Buffer
	filled  chan *Buffer

	in, out []*Buffer
	freeIn  []*Buffer
}

func newHarness(t *testing.T, modify func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		drv:     NewSoftDriver(SoftDriverConfig{InputCount: 2, InputSize: 4096, OutputCount: 2}),
		events:  make(chan Event, 256),
		emptied: make(chan *Buffer, 256),
		filled:  make(chan *Buffer, 256),
	}
	cfg := DefaultConfig()
	cfg.Driver = h.drv
	cfg.Logger = zap.NewNop()
	cfg.Callbacks = Callbacks{
		OnEvent:           func(ev Event) { h.events <- ev },
		OnEmptyBufferDone: func(b *Buffer) { h.emptied <- b },
		OnFillBufferDone:  func(b *Buffer) { h.filled <- b },
	}
	if modify != nil {
		modify(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.c = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

func (h *harness) allocate(p Port) []*Buffer {
	h.t.Helper()
	def, err := h.c.PortDefinition(p)
	if err != nil {
		h.t.Fatalf("PortDefinition(%s) error = %v", p, err)
	}
	bufs := make([]*Buffer, 0, def.BufferCount)
	for i := 0; i < def.BufferCount; i++ {
		b, err := h.c.AllocateBuffer(p, 0)
		if err != nil {
			h.t.Fatalf("AllocateBuffer(%s) #%d error = %v", p, i, err)
		}
		bufs = append(bufs, b)
	}
	return bufs
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := h.c.WaitForState(ctx, s); err != nil {
		h.t.Fatalf("WaitForState(%s) error = %v (state %s)", s, err, h.c.State())
	}
}

// await waits for the result of SendCommandAsync.
func (h *harness) await(done <-chan error, what string) error {
	h.t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		h.t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

// eventually polls cond on the dispatcher goroutine until it holds.
func (h *harness) eventually(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(testTimeout)
	for {
		var ok bool
		if err := h.c.call(func() error { ok = cond(); return nil }); err != nil {
			h.t.Fatalf("%s: %v", what, err)
		}
		if ok {
			return
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// pending returns the pending bit counts of both driver pools.
func (h *harness) pending() (in, out int) {
	h.t.Helper()
	err := h.c.call(func() error {
		if h.c.in.phys != nil {
			in = h.c.in.phys.pending.count()
		}
		out = h.c.ports[PortOutput].pool.pending.count()
		return nil
	})
	if err != nil {
		h.t.Fatalf("read pending sets: %v", err)
	}
	return in, out
}

func (h *harness) toIdle() {
	h.t.Helper()
	idle := h.c.SendCommandAsync(CommandStateSet, int(StateIdle))
	h.in = h.allocate(PortInput)
	h.out = h.allocate(PortOutput)
	h.freeIn = append([]*Buffer(nil), h.in...)
	if err := h.await(idle, "SetState(Idle)"); err != nil {
		h.t.Fatalf("SetState(Idle) error = %v", err)
	}
	if s := h.c.State(); s != StateIdle {
		h.t.Fatalf("state = %s after SetState(Idle) returned, want Idle", s)
	}
}

func (h *harness) toExecuting() {
	h.t.Helper()
	h.toIdle()
	if err := h.c.SetState(StateExecuting); err != nil {
		h.t.Fatalf("SetState(Executing) error = %v", err)
	}
	h.waitState(StateExecuting)
}

func (h *harness) recv(ch chan *Buffer, what string) *Buffer {
	h.t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(testTimeout):
		h.t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

// waitEvent returns the next event accepted by match, skipping the rest.
func (h *harness) waitEvent(match func(Event) bool) Event {
	h.t.Helper()
	timeout := time.After(testTimeout)
	for {
		select {
		case ev := <-h.events:
			if match(ev) {
				return ev
			}
		case <-timeout:
			h.t.Fatal("timed out waiting for event")
			return Event{}
		}
	}
}

func isType(t EventType) func(Event) bool {
	return func(ev Event) bool { return ev.Type == t }
}

func isCmd(cmd Command, data int) func(Event) bool {
	return func(ev Event) bool {
		return ev.Type == EventCmdComplete && Command(ev.Data1) == cmd && ev.Data2 == data
	}
}

func (h *harness) drainEvents() []Event {
	var evs []Event
	for {
		select {
		case ev := <-h.events:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func (h *harness) takeInput() *Buffer {
	h.t.Helper()
	if len(h.freeIn) > 0 {
		b := h.freeIn[0]
		h.freeIn = h.freeIn[1:]
		return b
	}
	return h.recv(h.emptied, "input buffer")
}

func (h *harness) write(data []byte, ts int64, flags BufferFlags) *Buffer {
	h.t.Helper()
	b := h.takeInput()
	b.Offset = 0
	b.Filled = copy(b.Data, data)
	b.Timestamp = ts
	b.Flags = flags
	if err := h.c.EmptyThisBuffer(b); err != nil {
		h.t.Fatalf("EmptyThisBuffer() error = %v", err)
	}
	return b
}

// feed writes stream in chunks of n bytes, the last one carrying end of stream.
func (h *harness) feed(stream []byte, n int) {
	h.t.Helper()
	for len(stream) > n {
		h.write(stream[:n], 0, 0)
		stream = stream[n:]
	}
	h.write(stream, 0, FlagEndOfStream)
}

func (h *harness) collectInputs() {
	h.t.Helper()
	for len(h.freeIn) < len(h.in) {
		h.freeIn = append(h.freeIn, h.recv(h.emptied, "input return"))
	}
}

func (h *harness) fillAll(bufs []*Buffer) {
	h.t.Helper()
	for _, b := range bufs {
		if err := h.c.FillThisBuffer(b); err != nil {
			h.t.Fatalf("FillThisBuffer() error = %v", err)
		}
	}
}

func (h *harness) collectOutputs(n int) []*Buffer {
	h.t.Helper()
	out := make([]*Buffer, n)
	for i := range out {
		out[i] = h.recv(h.filled, "output buffer")
	}
	return out
}

func (h *harness) freeAll(bufs []*Buffer) {
	h.t.Helper()
	for _, b := range bufs {
		if err := h.c.FreeBuffer(b); err != nil {
			h.t.Fatalf("FreeBuffer(%s) error = %v", b, err)
		}
	}
}

func testStream() []byte {
	return annexB(testSPS, testPPS, testIDR, testSlice, testSliceCon, testSliceB)
}

func TestComponent_DecodeLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	if h.c.State() != StateLoaded || h.c.ID() == "" {
		t.Fatalf("new component state %s id %q", h.c.State(), h.c.ID())
	}
	h.toExecuting()
	if !h.drv.Streaming(PortInput) || !h.drv.Streaming(PortOutput) {
		t.Fatal("ports not streaming in Executing")
	}

	h.fillAll(h.out)
	h.feed(testStream(), 5)

	ev := h.waitEvent(isType(EventBufferFlag))
	if Port(ev.Data1) != PortOutput || !BufferFlags(ev.Data2).Has(FlagEndOfStream) {
		t.Errorf("BufferFlag event = %v, want output end of stream", ev)
	}
	frames := h.collectOutputs(3)
	for i, f := range frames {
		if f.Filled != I420Size(320, 240) || f.Owner() != OwnerClient {
			t.Errorf("frame %d = %v", i, f)
		}
	}
	if !frames[2].Flags.Has(FlagEndOfStream) {
		t.Errorf("last frame flags = %v, want eos", frames[2].Flags)
	}

	units := h.drv.Units()
	want := h264Units()
	if len(units) != len(want) {
		t.Fatalf("driver saw %d units, want %d", len(units), len(want))
	}
	for i := range want {
		if !bytes.Equal(units[i].Data, want[i].data) || units[i].Flags != want[i].flags {
			t.Errorf("unit %d = %x %v, want %x %v", i, units[i].Data, units[i].Flags, want[i].data, want[i].flags)
		}
	}
	if s := h.c.Stats(); s.UnitsQueued != 3 || s.FramesDecoded != 3 {
		t.Errorf("Stats() = %+v, want 3 units and 3 frames", s)
	}

	// Executing -> Idle returns the output still held by the driver.
	if err := h.c.SetState(StateIdle); err != nil {
		t.Fatalf("SetState(Idle) error = %v", err)
	}
	if f := h.recv(h.filled, "flushed output"); f.Filled != 0 || f.Flags != 0 {
		t.Errorf("flushed output = %v, want empty", f)
	}
	if h.c.State() != StateIdle {
		t.Fatalf("state = %s after SetState(Idle) returned, want Idle", h.c.State())
	}
	if h.drv.Streaming(PortInput) || h.drv.Streaming(PortOutput) {
		t.Error("ports still streaming in Idle")
	}

	loaded := h.c.SendCommandAsync(CommandStateSet, int(StateLoaded))
	h.collectInputs()
	h.freeAll(h.in)
	h.freeAll(h.out)
	if err := h.await(loaded, "SetState(Loaded)"); err != nil {
		t.Fatalf("SetState(Loaded) error = %v", err)
	}
	if h.c.State() != StateLoaded {
		t.Errorf("state = %s after SetState(Loaded) returned, want Loaded", h.c.State())
	}
	for _, p := range []Port{PortInput, PortOutput} {
		if def, _ := h.c.PortDefinition(p); def.Populated {
			t.Errorf("%s still populated in Loaded", p)
		}
	}
}

func TestComponent_RejectedCommands(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"loaded to executing", func() error { return h.c.SetState(StateExecuting) }, ErrBadTransition},
		{"same state", func() error { return h.c.SetState(StateLoaded) }, ErrSameState},
		{"unknown command", func() error { return h.c.SendCommand(Command(9), 0) }, ErrBadParameter},
		{"bad port", func() error { return h.c.Flush(Port(5)) }, ErrBadPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			evs := h.drainEvents()
			if len(evs) != 1 || evs[0].Type != EventError || !errors.Is(evs[0].Err, tt.wantErr) {
				t.Fatalf("events = %v, want one error event", evs)
			}
			if ErrorKind(evs[0].Data1) != KindProtocol {
				t.Errorf("error kind = %v, want protocol", ErrorKind(evs[0].Data1))
			}
			if h.c.State() != StateLoaded {
				t.Errorf("state = %s, want Loaded", h.c.State())
			}
		})
	}
}

func TestComponent_PopulateRules(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.c.AllocateBuffer(PortInput, 0); !errors.Is(err, ErrIncorrectState) {
		t.Errorf("AllocateBuffer() in Loaded error = %v, want ErrIncorrectState", err)
	}
	if _, err := h.c.UseBuffer(PortInput, nil); !errors.Is(err, ErrBadParameter) {
		t.Errorf("UseBuffer(nil) error = %v, want ErrBadParameter", err)
	}

	idle := h.c.SendCommandAsync(CommandStateSet, int(StateIdle))
	if err := h.c.Flush(PortInput); !errors.Is(err, ErrTransitionPending) {
		t.Errorf("Flush() during population error = %v, want ErrTransitionPending", err)
	}
	if _, err := h.c.UseBuffer(PortInput, make([]byte, 16)); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("UseBuffer(16 bytes) error = %v, want ErrBufferTooSmall", err)
	}

	def, _ := h.c.PortDefinition(PortInput)
	b, err := h.c.UseBuffer(PortInput, make([]byte, def.BufferSize))
	if err != nil {
		t.Fatalf("UseBuffer() error = %v", err)
	}
	if b.Port != PortInput || b.Index != 0 || b.Owner() != OwnerClient {
		t.Errorf("UseBuffer() = %v", b)
	}
	if err := h.c.EmptyThisBuffer(b); !errors.Is(err, ErrIncorrectState) {
		t.Errorf("EmptyThisBuffer() while populating error = %v, want ErrIncorrectState", err)
	}
	if h.c.State() != StateLoaded {
		t.Errorf("state = %s before population finished, want Loaded", h.c.State())
	}

	for i := 1; i < def.BufferCount; i++ {
		if _, err := h.c.AllocateBuffer(PortInput, 0); err != nil {
			t.Fatalf("AllocateBuffer() error = %v", err)
		}
	}
	h.allocate(PortOutput)
	if err := h.await(idle, "SetState(Idle)"); err != nil {
		t.Fatalf("SetState(Idle) error = %v", err)
	}

	if _, err := h.c.AllocateBuffer(PortOutput, 0); !errors.Is(err, ErrIncorrectState) {
		t.Errorf("AllocateBuffer() in Idle error = %v, want ErrIncorrectState", err)
	}
	if err := h.c.FreeBuffer(b); !errors.Is(err, ErrIncorrectState) {
		t.Errorf("FreeBuffer() in Idle error = %v, want ErrIncorrectState", err)
	}
}

func TestComponent_SetPortDefinition(t *testing.T) {
	h := newHarness(t, nil)
	def, _ := h.c.PortDefinition(PortInput)

	def.BufferCount = 6
	def.BufferSize = 8192
	if err := h.c.SetPortDefinition(def); err != nil {
		t.Fatalf("SetPortDefinition() error = %v", err)
	}
	got, _ := h.c.PortDefinition(PortInput)
	if got.BufferCount != 6 || got.BufferSize != 8192 {
		t.Errorf("PortDefinition() = %+v, want 6 x 8192", got)
	}

	bad := got
	bad.BufferCount = 1
	if err := h.c.SetPortDefinition(bad); !errors.Is(err, ErrBadParameter) {
		t.Errorf("SetPortDefinition(count 1) error = %v, want ErrBadParameter", err)
	}
	bad = got
	bad.BufferCount = maxBuffersPerPort + 1
	if err := h.c.SetPortDefinition(bad); !errors.Is(err, ErrBadParameter) {
		t.Errorf("SetPortDefinition(count %d) error = %v, want ErrBadParameter", bad.BufferCount, err)
	}

	h.toIdle()
	if err := h.c.SetPortDefinition(got); !errors.Is(err, ErrIncorrectState) {
		t.Errorf("SetPortDefinition() in Idle error = %v, want ErrIncorrectState", err)
	}
	if len(h.in) != 6 {
		t.Errorf("allocated %d input buffers, want 6", len(h.in))
	}
}

func TestComponent_PauseAndFlush(t *testing.T) {
	h := newHarness(t, nil)
	h.toExecuting()
	if err := h.c.SetState(StatePause); err != nil {
		t.Fatalf("SetState(Pause) error = %v", err)
	}
	if h.c.State() != StatePause || h.drv.Streaming(PortInput) {
		t.Fatalf("state %s, input streaming %v", h.c.State(), h.drv.Streaming(PortInput))
	}

	// Input queued while paused waits, and a flush hands it back untouched.
	b := h.write(annexB(testIDR), 0, 0)
	if err := h.c.Flush(PortInput); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	h.waitEvent(isCmd(CommandFlush, int(PortInput)))
	if got := h.recv(h.emptied, "flushed input"); got != b || got.Filled != 0 {
		t.Errorf("flushed input = %v, want %v emptied", got, b)
	}
	h.freeIn = append(h.freeIn, b)
	if n := len(h.drv.Units()); n != 0 {
		t.Errorf("driver saw %d units while paused, want 0", n)
	}

	if err := h.c.SetState(StateExecuting); err != nil {
		t.Fatalf("SetState(Executing) error = %v", err)
	}
	h.fillAll(h.out)
	h.feed(annexB(testIDR), 64)
	h.waitEvent(isType(EventBufferFlag))
	if n := len(h.drv.Units()); n != 1 {
		t.Errorf("driver saw %d units after resume, want 1", n)
	}
}

func TestComponent_FlushOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.toExecuting()
	h.fillAll(h.out)
	if err := h.c.Flush(PortOutput); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	for _, b := range h.collectOutputs(len(h.out)) {
		if b.Filled != 0 {
			t.Errorf("flushed output %v has data", b)
		}
	}
	h.waitEvent(isCmd(CommandFlush, int(PortOutput)))
	if h.drv.Flushes(PortOutput) != 1 || h.drv.Queued(PortOutput) != 0 {
		t.Errorf("driver flushes %d queued %d", h.drv.Flushes(PortOutput), h.drv.Queued(PortOutput))
	}
	if h.c.State() != StateExecuting {
		t.Errorf("state = %s after flush, want Executing", h.c.State())
	}
}

func TestComponent_PortDisableEnable(t *testing.T) {
	h := newHarness(t, nil)
	h.toExecuting()
	h.fillAll(h.out)

	disabled := h.c.SendCommandAsync(CommandPortDisable, int(PortOutput))
	old := h.collectOutputs(len(h.out))
	if err := h.c.FillThisBuffer(old[0]); !errors.Is(err, ErrPortDisabled) {
		t.Errorf("FillThisBuffer() on disabled port error = %v, want ErrPortDisabled", err)
	}
	h.freeAll(old)
	if err := h.await(disabled, "DisablePort()"); err != nil {
		t.Fatalf("DisablePort() error = %v", err)
	}
	h.waitEvent(isCmd(CommandPortDisable, int(PortOutput)))
	if def, _ := h.c.PortDefinition(PortOutput); def.Enabled || def.Populated {
		t.Errorf("output definition after disable = %+v", def)
	}
	if h.drv.Streaming(PortOutput) {
		t.Error("output still streaming after disable")
	}

	enabled := h.c.SendCommandAsync(CommandPortEnable, int(PortOutput))
	if err := h.c.EnablePort(PortOutput); !errors.Is(err, ErrTransitionPending) {
		t.Errorf("second EnablePort() error = %v, want ErrTransitionPending", err)
	}
	h.out = h.allocate(PortOutput)
	if err := h.await(enabled, "EnablePort()"); err != nil {
		t.Fatalf("EnablePort() error = %v", err)
	}
	h.waitEvent(isCmd(CommandPortEnable, int(PortOutput)))
	if !h.drv.Streaming(PortOutput) {
		t.Error("output not streaming after enable in Executing")
	}

	h.fillAll(h.out)
	h.feed(testStream(), 16)
	h.waitEvent(isType(EventBufferFlag))
	if n := len(h.collectOutputs(3)); n != 3 {
		t.Errorf("got %d frames, want 3", n)
	}
}

func TestComponent_PortSettingsChanged(t *testing.T) {
	h := newHarness(t, nil)
	h.toExecuting()
	h.fillAll(h.out)

	h.drv.ChangeResolution(640, 480, 6)
	ev := h.waitEvent(isType(EventPortSettingsChanged))
	if Port(ev.Data1) != PortOutput {
		t.Errorf("event port = %v, want output", Port(ev.Data1))
	}
	old := h.collectOutputs(len(h.out))
	def, _ := h.c.PortDefinition(PortOutput)
	if def.Width != 640 || def.Height != 480 || def.BufferCount != 6 || def.BufferSize != I420Size(640, 480) {
		t.Errorf("output definition = %+v, want 6 buffers of 640x480", def)
	}

	disabled := h.c.SendCommandAsync(CommandPortDisable, int(PortOutput))
	h.freeAll(old)
	if err := h.await(disabled, "DisablePort()"); err != nil {
		t.Fatalf("DisablePort() error = %v", err)
	}
	enabled := h.c.SendCommandAsync(CommandPortEnable, int(PortOutput))
	h.out = h.allocate(PortOutput)
	if err := h.await(enabled, "EnablePort()"); err != nil {
		t.Fatalf("EnablePort() error = %v", err)
	}
	if len(h.out) != 6 {
		t.Fatalf("allocated %d output buffers, want 6", len(h.out))
	}

	h.fillAll(h.out)
	h.feed(annexB(testIDR), 64)
	if f := h.recv(h.filled, "frame"); f.Filled != I420Size(640, 480) {
		t.Errorf("frame size = %d, want %d", f.Filled, I420Size(640, 480))
	}
}

func TestComponent_DriverFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.toExecuting()
	h.fillAll(h.out)

	h.drv.Fail(errors.New("dma fault"))
	ev := h.waitEvent(isType(EventError))
	if ErrorKind(ev.Data1) != KindHardware || !errors.Is(ev.Err, ErrHardware) {
		t.Errorf("error event = %v, want hardware", ev)
	}
	h.waitState(StateInvalid)
	for _, b := range h.collectOutputs(len(h.out)) {
		if b.Filled != 0 || b.Owner() != OwnerClient {
			t.Errorf("output after failure = %v", b)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := h.c.WaitForState(ctx, StateExecuting); !errors.Is(err, ErrInvalidState) {
		t.Errorf("WaitForState(Executing) error = %v, want ErrInvalidState", err)
	}
	if err := h.c.SetState(StateIdle); !errors.Is(err, ErrInvalidState) {
		t.Errorf("SetState() error = %v, want ErrInvalidState", err)
	}
	if err := h.c.EmptyThisBuffer(h.in[0]); !errors.Is(err, ErrInvalidState) {
		t.Errorf("EmptyThisBuffer() error = %v, want ErrInvalidState", err)
	}
	// Buffers can still be released in StateInvalid.
	h.freeAll(h.in)
}

func TestComponent_QueueFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.toExecuting()
	h.drv.FailQueue(errors.New("ioctl failed"))

	if err := h.c.FillThisBuffer(h.out[0]); err != nil {
		t.Fatalf("FillThisBuffer() error = %v", err)
	}
	if b := h.recv(h.filled, "rejected output"); b != h.out[0] {
		t.Errorf("returned %v, want %v", b, h.out[0])
	}
	ev := h.waitEvent(isType(EventError))
	if ErrorKind(ev.Data1) != KindHardware {
		t.Errorf("error kind = %v, want hardware", ErrorKind(ev.Data1))
	}
	if h.c.State() != StateInvalid {
		t.Errorf("state = %s, want Invalid", h.c.State())
	}
}

func TestComponent_StreamError(t *testing.T) {
	h := newHarness(t, nil)
	h.toExecuting()
	h.fillAll(h.out)

	def, _ := h.c.PortDefinition(PortInput)
	first := append(annexBStartCode[:4:4], 0x65)
	first = append(first, bytes.Repeat([]byte{0x11}, def.BufferSize-len(first))...)
	h.write(first, 0, 0)
	h.write(bytes.Repeat([]byte{0x11}, 1000), 0, 0)

	ev := h.waitEvent(isType(EventError))
	if ErrorKind(ev.Data1) != KindStream || !errors.Is(ev.Err, ErrStreamCorrupt) {
		t.Errorf("error event = %v, want stream corrupt", ev)
	}
	if h.c.State() != StateExecuting {
		t.Fatalf("state = %s after stream error, want Executing", h.c.State())
	}
	if h.c.Stats().StreamErrors != 1 {
		t.Errorf("StreamErrors = %d, want 1", h.c.Stats().StreamErrors)
	}

	h.feed(annexB(testIDR), 64)
	h.waitEvent(isType(EventBufferFlag))
	if units := h.drv.Units(); len(units) != 1 || !bytes.Equal(units[0].Data, annexB(testIDR)) {
		t.Errorf("units after recovery = %v", units)
	}
}

func TestComponent_FrameModeReorder(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.InputMode = InputModeFrame
		c.NALLengthSize = 4
		c.TimestampReorder = true
	})
	h.toExecuting()

	h.write(lengthPrefixed(4, testSPS, testPPS, testIDR), 0, 0)
	h.write(lengthPrefixed(4, testSlice), 66_000, 0)
	h.write(lengthPrefixed(4, testSliceB), 33_000, FlagEndOfStream)
	// Inputs come back once the driver releases their units.
	for i := 0; i < 3; i++ {
		h.freeIn = append(h.freeIn, h.recv(h.emptied, "input return"))
	}

	units := h.drv.Units()
	wantData := [][]byte{annexB(testSPS, testPPS, testIDR), annexB(testSlice), annexB(testSliceB)}
	if len(units) != len(wantData) {
		t.Fatalf("driver saw %d units, want %d", len(units), len(wantData))
	}
	for i, w := range wantData {
		if !bytes.Equal(units[i].Data, w) {
			t.Errorf("unit %d = %x, want %x", i, units[i].Data, w)
		}
	}
	if info := h.c.StreamInfo(); info.Width != 320 || info.Height != 240 {
		t.Errorf("StreamInfo() = %+v, want 320x240", info)
	}

	h.fillAll(h.out)
	frames := h.collectOutputs(3)
	for i, want := range []int64{0, 33_000, 66_000} {
		if frames[i].Timestamp != want {
			t.Errorf("frame %d timestamp = %d, want %d", i, frames[i].Timestamp, want)
		}
	}
	if !frames[2].Flags.Has(FlagEndOfStream) {
		t.Errorf("last frame flags = %v, want eos", frames[2].Flags)
	}
}

func TestComponent_FrameModeTooLarge(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.InputMode = InputModeFrame
		c.NALLengthSize = 4
	})
	h.toExecuting()

	// A length prefix pointing past the buffer is a stream error.
	h.write([]byte{0x00, 0x00, 0x10, 0x00, 0x65, 0x88}, 0, 0)
	ev := h.waitEvent(isType(EventError))
	if ErrorKind(ev.Data1) != KindStream {
		t.Errorf("error kind = %v, want stream", ErrorKind(ev.Data1))
	}
	if b := h.recv(h.emptied, "rejected input"); b.Filled != 0 {
		t.Errorf("rejected input = %v", b)
	}
}

func TestComponent_DetectsCodec(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Codec = CodecUnknown })
	h.toExecuting()
	h.fillAll(h.out)
	h.feed(testStream(), 4096)

	h.waitEvent(isType(EventBufferFlag))
	if n := len(h.drv.Units()); n != 3 {
		t.Errorf("driver saw %d units, want 3", n)
	}
	if info := h.c.StreamInfo(); info.Width != 320 || info.Profile != 66 {
		t.Errorf("StreamInfo() = %+v", info)
	}
}

func TestComponent_PollTimeoutWhileIdle(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PollTimeout = 10 * time.Millisecond })
	h.toExecuting()
	time.Sleep(60 * time.Millisecond)
	if h.c.State() != StateExecuting {
		t.Errorf("state = %s with no input outstanding, want Executing", h.c.State())
	}
}

func TestComponent_Close(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := h.c.SetState(StateIdle); !errors.Is(err, ErrClosed) {
		t.Errorf("SetState() after Close error = %v, want ErrClosed", err)
	}
	if _, err := h.c.AllocateBuffer(PortInput, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("AllocateBuffer() after Close error = %v, want ErrClosed", err)
	}
}

func TestComponent_IdleWaitsForPopulation(t *testing.T) {
	tests := []struct {
		name  string
		first Port
		last  Port
	}{
		{"input first", PortInput, PortOutput},
		{"output first", PortOutput, PortInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			idle := h.c.SendCommandAsync(CommandStateSet, int(StateIdle))
			h.allocate(tt.first)
			def, _ := h.c.PortDefinition(tt.last)
			for i := 1; i < def.BufferCount; i++ {
				if _, err := h.c.AllocateBuffer(tt.last, 0); err != nil {
					t.Fatalf("AllocateBuffer(%s) error = %v", tt.last, err)
				}
			}
			select {
			case err := <-idle:
				t.Fatalf("SetState(Idle) = %v with one %s buffer missing", err, tt.last)
			default:
			}
			if h.c.State() != StateLoaded {
				t.Errorf("state = %s before population finished, want Loaded", h.c.State())
			}

			if _, err := h.c.AllocateBuffer(tt.last, 0); err != nil {
				t.Fatalf("AllocateBuffer(%s) error = %v", tt.last, err)
			}
			if err := h.await(idle, "SetState(Idle)"); err != nil {
				t.Fatalf("SetState(Idle) error = %v", err)
			}
			if h.c.State() != StateIdle {
				t.Errorf("state = %s after SetState(Idle) returned, want Idle", h.c.State())
			}
			completions := 0
			for _, ev := range h.drainEvents() {
				if isCmd(CommandStateSet, int(StateIdle))(ev) {
					completions++
				}
			}
			if completions != 1 {
				t.Errorf("CmdComplete(Idle) events = %d, want 1", completions)
			}
		})
	}
}

func TestComponent_FlushReturnsEverything(t *testing.T) {
	tests := []struct {
		name        string
		port        Port
		wantOutputs bool
	}{
		{"all", PortAll, true},
		{"output", PortOutput, true},
		{"input", PortInput, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.toExecuting()
			h.fillAll(h.out)
			h.eventually("outputs with the driver", func() bool {
				return h.c.ports[PortOutput].pool.pending.count() == len(h.out)
			})

			if err := h.c.Flush(tt.port); err != nil {
				t.Fatalf("Flush(%s) error = %v", tt.port, err)
			}
			// Checked without waiting: everything must be back already.
			returned, held := 0, len(h.out)
			if tt.wantOutputs {
				returned, held = len(h.out), 0
			}
			if got := len(h.filled); got != returned {
				t.Errorf("FillBufferDone callbacks = %d, want %d", got, returned)
			}
			in, out := h.pending()
			if in != 0 || out != held {
				t.Errorf("pending = %d input, %d output, want 0, %d", in, out, held)
			}
			if got := h.drv.Queued(PortOutput); got != held {
				t.Errorf("driver output queue = %d, want %d", got, held)
			}
			completions := 0
			for _, ev := range h.drainEvents() {
				if ev.Type == EventCmdComplete && Command(ev.Data1) == CommandFlush {
					completions++
				}
			}
			if want := len(tt.port.ports()); completions != want {
				t.Errorf("CmdComplete(Flush) events = %d, want %d", completions, want)
			}
		})
	}
}

func TestComponent_FlushWhilePaused(t *testing.T) {
	tests := []struct {
		name            string
		port            Port
		wantEmptied     int
		wantFilled      int
		wantFillQueued  int
		wantEmptyQueued int
	}{
		{"input", PortInput, 1, 0, 2, 0},
		{"output", PortOutput, 0, 2, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.toExecuting()
			if err := h.c.SetState(StatePause); err != nil {
				t.Fatalf("SetState(Pause) error = %v", err)
			}
			h.fillAll(h.out[:2])
			h.write(annexB(testIDR), 0, 0)

			if err := h.c.Flush(tt.port); err != nil {
				t.Fatalf("Flush(%s) error = %v", tt.port, err)
			}
			if got := len(h.emptied); got != tt.wantEmptied {
				t.Errorf("EmptyBufferDone callbacks = %d, want %d", got, tt.wantEmptied)
			}
			if got := len(h.filled); got != tt.wantFilled {
				t.Errorf("FillBufferDone callbacks = %d, want %d", got, tt.wantFilled)
			}
			for i := 0; i < tt.wantEmptied; i++ {
				if b := <-h.emptied; b.Filled != 0 {
					t.Errorf("flushed input = %v, want empty", b)
				}
			}
			for i := 0; i < tt.wantFilled; i++ {
				if b := <-h.filled; b.Filled != 0 {
					t.Errorf("flushed output = %v, want empty", b)
				}
			}
			s := h.c.Stats()
			if s.FillQueued != tt.wantFillQueued || s.EmptyQueued != tt.wantEmptyQueued {
				t.Errorf("queued = %d fill, %d empty, want %d, %d",
					s.FillQueued, s.EmptyQueued, tt.wantFillQueued, tt.wantEmptyQueued)
			}
			if h.drv.Flushes(PortInput) != 0 || h.drv.Flushes(PortOutput) != 0 {
				t.Errorf("driver flushes = %d input, %d output, want none",
					h.drv.Flushes(PortInput), h.drv.Flushes(PortOutput))
			}
			if n := len(h.drv.Units()); n != 0 {
				t.Errorf("driver saw %d units, want 0", n)
			}

			// Entries left by the flush run once the component resumes.
			if err := h.c.SetState(StateExecuting); err != nil {
				t.Fatalf("SetState(Executing) error = %v", err)
			}
			h.eventually("queues drained", func() bool {
				return h.c.disp.pending(queueFill) == 0 && h.c.disp.pending(queueEmpty) == 0
			})
			if got := h.drv.Queued(PortOutput); got != tt.wantFillQueued {
				t.Errorf("driver output queue after resume = %d, want %d", got, tt.wantFillQueued)
			}
		})
	}
}

// flushGate holds the driver flush of one port until release.
type flushGate struct {
	*SoftDriver
	port Port
	held chan struct{}
}

func (g *flushGate) Flush(p Port) error {
	if p != g.port {
		return g.SoftDriver.Flush(p)
	}
	select {
	case g.held <- struct{}{}:
	default:
	}
	return nil
}

func (g *flushGate) release() error {
	return g.SoftDriver.Flush(g.port)
}

func TestComponent_BuffersDuringIdleTransition(t *testing.T) {
	tests := []struct {
		name string
		hold Port
	}{
		{"output flush outstanding", PortOutput},
		{"input flush outstanding", PortInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gate *flushGate
			h := newHarness(t, func(c *Config) {
				gate = &flushGate{SoftDriver: c.Driver.(*SoftDriver), port: tt.hold, held: make(chan struct{}, 1)}
				c.Driver = gate
			})
			h.toExecuting()
			if err := h.c.FillThisBuffer(h.out[0]); err != nil {
				t.Fatalf("FillThisBuffer() error = %v", err)
			}
			h.eventually("output with the driver", func() bool {
				return h.c.ports[PortOutput].pool.pending.count() == 1
			})

			idle := h.c.SendCommandAsync(CommandStateSet, int(StateIdle))
			select {
			case <-gate.held:
			case <-time.After(testTimeout):
				t.Fatalf("no %s flush issued", tt.hold)
			}
			other := PortInput
			if tt.hold == PortInput {
				other = PortOutput
			}
			h.eventually(other.String()+" flush", func() bool { return !h.c.ports[other].flushing })
			if h.c.State() != StateExecuting {
				t.Fatalf("state = %s during the transition, want Executing", h.c.State())
			}

			in := h.write(annexB(testSPS, testPPS, testIDR, testIDR), 0, FlagEndOfStream)
			if got := h.recv(h.emptied, "input"); got != in || got.Filled != 0 {
				t.Errorf("EmptyBufferDone = %v, want %v unprocessed", got, in)
			}
			if err := h.c.FillThisBuffer(h.out[1]); err != nil {
				t.Fatalf("FillThisBuffer() error = %v", err)
			}

			if err := gate.release(); err != nil {
				t.Fatalf("release flush: %v", err)
			}
			if err := h.await(idle, "SetState(Idle)"); err != nil {
				t.Fatalf("SetState(Idle) error = %v", err)
			}
			if h.c.State() != StateIdle {
				t.Fatalf("state = %s after SetState(Idle) returned, want Idle", h.c.State())
			}
			for _, b := range h.collectOutputs(2) {
				if b.Filled != 0 || (b != h.out[0] && b != h.out[1]) {
					t.Errorf("returned output = %v", b)
				}
			}
			if n := len(h.drv.Units()); n != 0 {
				t.Errorf("driver saw %d units during Executing -> Idle, want 0", n)
			}
			if in, out := h.pending(); in != 0 || out != 0 {
				t.Errorf("pending in Idle = %d input, %d output, want none", in, out)
			}
			if h.drv.Queued(PortInput) != 0 || h.drv.Queued(PortOutput) != 0 {
				t.Errorf("driver queues in Idle = %d input, %d output",
					h.drv.Queued(PortInput), h.drv.Queued(PortOutput))
			}
		})
	}
}

func TestComponent_AccessUnitAcrossBuffers(t *testing.T) {
	idr := annexB(testIDR)
	tests := []struct {
		name string
		cut  int
	}{
		{"inside slice", 6},
		{"after start code", 4},
		{"inside start code", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.toExecuting()
			h.fillAll(h.out)

			sent := []*Buffer{
				h.write(annexB(testSPS), 0, 0),
				h.write(append(annexB(testPPS), idr[:tt.cut]...), 0, 0),
				h.write(idr[tt.cut:], 0, FlagEndOfStream),
			}
			for i, want := range sent {
				if got := h.recv(h.emptied, "input return"); got != want {
					t.Errorf("EmptyBufferDone #%d = %v, want %v", i, got, want)
				}
			}
			h.waitEvent(isType(EventBufferFlag))

			units := h.drv.Units()
			if len(units) != 1 {
				t.Fatalf("driver saw %d units, want 1", len(units))
			}
			if want := annexB(testSPS, testPPS, testIDR); !bytes.Equal(units[0].Data, want) {
				t.Errorf("unit = %x, want %x", units[0].Data, want)
			}
			if want := FlagSyncFrame | FlagEndOfStream; units[0].Flags != want {
				t.Errorf("unit flags = %v, want %v", units[0].Flags, want)
			}
		})
	}
}

func TestComponent_ConcurrentSubmit(t *testing.T) {
	h := newHarness(t, nil)
	h.toExecuting()

	const callers = 8
	errs := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		go func() {
			<-start
			errs <- h.c.FillThisBuffer(h.out[0])
		}()
	}
	close(start)
	accepted := 0
	for i := 0; i < callers; i++ {
		err := <-errs
		switch {
		case err == nil:
			accepted++
		case !errors.Is(err, ErrNotOwner):
			t.Errorf("FillThisBuffer() error = %v, want ErrNotOwner", err)
		}
	}
	if accepted != 1 {
		t.Errorf("accepted submissions = %d, want 1", accepted)
	}
	h.eventually("output with the driver", func() bool {
		return h.c.ports[PortOutput].pool.pending.count() == 1
	})
	if got := h.out[0].Owner(); got != OwnerDriver {
		t.Errorf("Owner() = %v, want driver", got)
	}
}
