// Package vdec adapts a V4L2-style hardware video decoder to an
// OpenMAX IL-style component contract.
//
// A Component accepts compressed elementary-stream buffers from a client,
// reassembles them into access units, queues those to a Driver and hands
// decoded frames back. Key pieces include:
//   - Component: state machine, port population and the buffer ownership handshake
//   - access unit assembly for H.264 (Annex-B or length-prefixed), MPEG-4 Part 2, H.263 and VC-1
//   - Driver implementations: SoftDriver (in-process) and NativeDriver (libvdec_driver)
//   - RTPFeeder for RTP/H.264 input
//
// # Architecture
//
//	Client: SendCommand / EmptyThisBuffer / FillThisBuffer
//	  -> control, fill and empty queues -> dispatcher goroutine
//	  -> assembler -> Driver.Queue
//	Driver.Dequeue -> completion goroutine -> queues -> dispatcher
//	  -> OnEmptyBufferDone / OnFillBufferDone / OnEvent
//
// The dispatcher goroutine is the only mutator of component state. It
// drains commands before output buffer events before input buffer events,
// and leaves buffer events queued while paused. Callbacks run on it and
// must not call the blocking client methods.
//
// # States
//
//	Loaded -> Idle        after every enabled port is populated
//	Idle -> Executing     starts streaming
//	Executing <-> Pause   stops and restarts streaming, keeps buffers
//	Executing/Pause -> Idle   flushes both ports first
//	Idle -> Loaded        after every buffer is freed
//	any -> Invalid        on hardware or queue errors; terminal
//
// SendCommand returns once the command has completed. Transitions that
// wait for the client (population, release) are started with
// SendCommandAsync:
//
//	idle := c.SendCommandAsync(vdec.CommandStateSet, int(vdec.StateIdle))
//	// AllocateBuffer on both ports
//	err := <-idle
//
// # Native Libraries
//
// NativeDriver loads libvdec_driver with purego (CGO_ENABLED=0).
// Set VDEC_DRIVER_LIB_PATH to the directory containing the library.
package vdec
