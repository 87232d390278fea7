package vdec

import (
	"fmt"
	"math/bits"
	"unsafe"
)

// Allocator provides backing memory for component-allocated buffers.
// Memory must stay valid until Release is called for it.
type Allocator interface {
	Allocate(size, alignment int) ([]byte, error)
	Release(mem []byte) error
}

// HeapAllocator allocates from the Go heap.
type HeapAllocator struct{}

// Allocate returns a zeroed slice of size bytes whose first byte is aligned
// to alignment (a power of two, or 0 for no requirement).
func (HeapAllocator) Allocate(size, alignment int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, ErrBadParameter)
	}
	if alignment <= 1 {
		return make([]byte, size), nil
	}
	if alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("alignment %d not a power of two: %w", alignment, ErrBadParameter)
	}
	raw := make([]byte, size+alignment-1)
	off := alignOffset(raw, alignment)
	return raw[off : off+size : off+size], nil
}

// Release is a no-op; the garbage collector reclaims the memory.
func (HeapAllocator) Release([]byte) error { return nil }

// alignOffset returns how far into mem the first aligned byte sits.
func alignOffset(mem []byte, alignment int) int {
	addr := uintptr(unsafe.Pointer(&mem[0]))
	return int((uintptr(alignment) - addr%uintptr(alignment)) % uintptr(alignment))
}

// pendingSet is a bit vector with one bit per buffer index.
// A set bit means the descriptor is held by the driver.
type pendingSet struct {
	words []uint64
}

func newPendingSet(n int) pendingSet {
	return pendingSet{words: make([]uint64, (n+63)/64)}
}

func (s *pendingSet) set(i int)       { s.words[i/64] |= 1 << (uint(i) % 64) }
func (s *pendingSet) clear(i int)     { s.words[i/64] &^= 1 << (uint(i) % 64) }
func (s *pendingSet) test(i int) bool { return s.words[i/64]&(1<<(uint(i)%64)) != 0 }
func (s *pendingSet) reset()          { clear(s.words) }

func (s *pendingSet) count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

func (s *pendingSet) empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// bufferPool is the fixed array of descriptors for one port. The array is
// sized once from the negotiated requirements and never grows; slots are
// nil until a buffer is allocated into them.
type bufferPool struct {
	port      Port
	size      int
	alignment int
	bufs      []*Buffer
	pending   pendingSet
	allocated int
}

func newBufferPool(port Port, req BufferRequirements) *bufferPool {
	return &bufferPool{
		port:      port,
		size:      req.Size,
		alignment: req.Alignment,
		bufs:      make([]*Buffer, req.Count),
		pending:   newPendingSet(req.Count),
	}
}

// populated reports whether every slot holds a descriptor.
func (p *bufferPool) populated() bool {
	return len(p.bufs) > 0 && p.allocated == len(p.bufs)
}

// released reports whether every descriptor has been freed.
func (p *bufferPool) released() bool {
	return p.allocated == 0
}

// add places a new descriptor wrapping mem into the first free slot.
func (p *bufferPool) add(mem []byte, allocated bool) (*Buffer, error) {
	if len(mem) < p.size {
		return nil, fmt.Errorf("%s buffer %d < %d: %w", p.port, len(mem), p.size, ErrBufferTooSmall)
	}
	for i, b := range p.bufs {
		if b != nil {
			continue
		}
		buf := &Buffer{
			Data:      mem,
			Port:      p.port,
			Index:     i,
			allocated: allocated,
			pool:      p,
		}
		p.bufs[i] = buf
		p.allocated++
		return buf, nil
	}
	return nil, fmt.Errorf("%s: %w", p.port, ErrPortFull)
}

// remove frees the slot held by b.
func (p *bufferPool) remove(b *Buffer) error {
	if err := p.check(b); err != nil {
		return err
	}
	if p.pending.test(b.Index) {
		return fmt.Errorf("free %s: %w", b, ErrAlreadyPending)
	}
	p.bufs[b.Index] = nil
	p.allocated--
	b.pool = nil
	return nil
}

// check verifies b belongs to this pool.
func (p *bufferPool) check(b *Buffer) error {
	if b == nil {
		return ErrNilBuffer
	}
	if b.pool != p || b.Index < 0 || b.Index >= len(p.bufs) || p.bufs[b.Index] != b {
		return ErrForeignBuffer
	}
	return nil
}

// markPending records that b was handed to the driver. A buffer whose bit
// is already set is rejected.
func (p *bufferPool) markPending(b *Buffer) error {
	if p.pending.test(b.Index) {
		return fmt.Errorf("%s: %w", b, ErrAlreadyPending)
	}
	p.pending.set(b.Index)
	b.setOwner(OwnerDriver)
	return nil
}

// returned clears the pending bit for index and hands the buffer back to
// the component.
func (p *bufferPool) returned(index int) (*Buffer, error) {
	if index < 0 || index >= len(p.bufs) || p.bufs[index] == nil {
		return nil, fmt.Errorf("%s index %d: %w", p.port, index, ErrForeignBuffer)
	}
	if !p.pending.test(index) {
		return nil, fmt.Errorf("%s index %d not pending: %w", p.port, index, ErrHardware)
	}
	p.pending.clear(index)
	b := p.bufs[index]
	b.setOwner(OwnerComponent)
	return b, nil
}

// each calls fn for every allocated descriptor in index order.
func (p *bufferPool) each(fn func(*Buffer)) {
	for _, b := range p.bufs {
		if b != nil {
			fn(b)
		}
	}
}
