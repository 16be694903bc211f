package malloc

import (
	"errors"
	"fmt"
	"math"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"

	"github.com/cloudwego/stackalloc/unsafex"
)

// Alignment is the boundary of every block returned by StackAllocator and of
// every position accepted by FreeToMarker. It must be a power of two.
const Alignment = 8

// fails to compile if Alignment is not a power of two
var _ = [1]struct{}{}[Alignment&(Alignment-1)]

var (
	// ErrInvalidParameter is returned for a nil allocator, a nil buffer,
	// a buffer shorter than Alignment or a zero Marker.
	ErrInvalidParameter = errors.New("malloc: invalid parameter")

	// ErrOutOfMemory is returned by Init when alignment padding consumes the whole buffer.
	ErrOutOfMemory = errors.New("malloc: out of memory")

	// ErrCorruptedState is returned by Validate.
	ErrCorruptedState = errors.New("malloc: corrupted state")

	// ErrInvalidMarker is returned by FreeToMarker for a marker that is not
	// behind the current top, is misaligned, or was taken from another
	// allocator or before the last Init.
	ErrInvalidMarker = errors.New("malloc: invalid marker")
)

// StackAllocator hands out blocks from a caller-owned buffer in LIFO order.
// It only moves a single top-of-stack cursor: forward on Alloc, back to a
// Marker on FreeToMarker, back to the start on Reset.
//
// The buffer stays owned by the caller. StackAllocator is not thread-safe.
//
// Methods may be called on a nil *StackAllocator: Alloc, Calloc and Marker
// return nothing, accessors return 0 and Reset does nothing.
type StackAllocator struct {
	// buf is the managed region, offset 0 is its first byte.
	buf []byte

	// end is the offset one past the last usable byte.
	end int

	// cur is the offset of the next free byte.
	cur int

	// capacity is the buffer size given to Init.
	capacity int

	// epoch changes on every Init and release, markers carry it.
	epoch uint64

	// pooled is set when buf comes from AcquireStackAllocator.
	pooled bool
}

// Marker is a snapshot of the top of a StackAllocator.
// It can only be used with the allocator that created it, until that
// allocator is initialized again. The zero Marker marks no position.
type Marker struct {
	sa    *StackAllocator
	epoch uint64
	off   int
}

// IsZero reports whether m marks no position.
func (m Marker) IsZero() bool {
	return m.sa == nil
}

// NewStackAllocator creates a StackAllocator over buf.
func NewStackAllocator(buf []byte) (*StackAllocator, error) {
	sa := &StackAllocator{}
	if err := sa.Init(buf); err != nil {
		return nil, err
	}
	return sa, nil
}

// NewStackAllocatorSize creates a StackAllocator over a new buffer of size bytes.
// The buffer is not zeroed, use Calloc for zeroed blocks.
func NewStackAllocatorSize(size int) (*StackAllocator, error) {
	if size < Alignment {
		return nil, ErrInvalidParameter
	}
	return NewStackAllocator(dirtmake.Bytes(size, size))
}

// Init makes sa manage buf, discarding everything allocated before.
// Blocks and markers from earlier use of sa must not be used afterwards.
// buf contents are left untouched. On error sa is not modified.
// If sa came from AcquireStackAllocator, its pooled buffer is released
// unless buf is carved from it.
func (sa *StackAllocator) Init(buf []byte) error {
	if sa == nil || buf == nil || len(buf) < Alignment {
		return ErrInvalidParameter
	}
	start := alignOff(buf, 0)
	if start >= len(buf) {
		return ErrOutOfMemory
	}
	if sa.pooled && !within(sa.buf, buf) {
		releaseBuffer(sa.buf)
	}
	sa.buf = buf
	sa.end = len(buf)
	sa.capacity = len(buf)
	sa.cur = start
	sa.epoch++
	sa.pooled = false
	return nil
}

// Alloc returns a block of size bytes aligned to Alignment,
// or nil if size <= 0 or the space left cannot hold it.
// The block is not zeroed and its cap equals its len.
func (sa *StackAllocator) Alloc(size int) []byte {
	if sa == nil || size <= 0 || len(sa.buf) == 0 {
		return nil
	}
	p := alignOff(sa.buf, sa.cur)
	if p > sa.end || size > sa.end-p {
		return nil
	}
	top := p + size
	next := alignOff(sa.buf, top)
	if next > sa.end {
		next = sa.end
	}
	sa.cur = next
	return sa.buf[p:top:top]
}

// Calloc returns a zeroed block of n elements of size bytes each,
// or nil if either is <= 0, n*size overflows int, or Alloc fails.
func (sa *StackAllocator) Calloc(n, size int) []byte {
	if n <= 0 || size <= 0 || n > math.MaxInt/size {
		return nil
	}
	b := sa.Alloc(n * size)
	if b != nil {
		unsafex.Memclr(b)
	}
	return b
}

// Marker returns the current top of the stack.
// It returns the zero Marker if sa is nil or not initialized.
func (sa *StackAllocator) Marker() Marker {
	if sa == nil || len(sa.buf) == 0 {
		return Marker{}
	}
	return Marker{sa: sa, epoch: sa.epoch, off: sa.cur}
}

// MarkerOf returns a Marker at the start of b, which should be a block
// returned by Alloc or Calloc. Freeing to it discards b and everything
// allocated after b. It returns the zero Marker if b does not start inside sa's buffer.
func (sa *StackAllocator) MarkerOf(b []byte) Marker {
	if sa == nil || len(sa.buf) == 0 || cap(b) == 0 {
		return Marker{}
	}
	base := addrOf(sa.buf)
	p := addrOf(b[:1])
	if p < base || p-base >= uintptr(sa.end) {
		return Marker{}
	}
	return Marker{sa: sa, epoch: sa.epoch, off: int(p - base)}
}

// FreeToMarker moves the top of the stack back to m, discarding every block
// allocated after m was taken. m must lie strictly behind the current top:
// a marker equal to or ahead of the top is rejected with ErrInvalidMarker.
func (sa *StackAllocator) FreeToMarker(m Marker) error {
	if sa == nil || m.IsZero() {
		return ErrInvalidParameter
	}
	if m.sa != sa {
		return fmt.Errorf("%w: marker belongs to another allocator", ErrInvalidMarker)
	}
	if m.epoch != sa.epoch {
		return fmt.Errorf("%w: allocator was reinitialized", ErrInvalidMarker)
	}
	if m.off < 0 || m.off >= sa.cur {
		return ErrInvalidMarker
	}
	if (addrOf(sa.buf)+uintptr(m.off))&(Alignment-1) != 0 {
		return ErrInvalidMarker
	}
	sa.cur = m.off
	return nil
}

// Reset discards every block allocated since Init.
func (sa *StackAllocator) Reset() {
	if sa == nil || len(sa.buf) == 0 {
		return
	}
	sa.cur = sa.start()
}

// Capacity returns the size of the buffer given to Init.
func (sa *StackAllocator) Capacity() int {
	if sa == nil {
		return 0
	}
	return sa.capacity
}

// Used returns the bytes consumed since Init or Reset, alignment padding included.
// Every block is padded up to Alignment, so after Alloc(10) Used reports 16.
func (sa *StackAllocator) Used() int {
	if sa == nil || len(sa.buf) == 0 {
		return 0
	}
	return sa.cur - sa.start()
}

// Available returns the bytes between the top of the stack and the end of the buffer.
// Less may be allocatable in one block because of alignment.
func (sa *StackAllocator) Available() int {
	if sa == nil {
		return 0
	}
	return sa.end - sa.cur
}

// Validate checks the internal state and returns ErrCorruptedState if it is
// inconsistent or sa was never initialized. It does not modify sa.
func (sa *StackAllocator) Validate() error {
	if sa == nil || len(sa.buf) == 0 {
		return ErrCorruptedState
	}
	if sa.end < 0 || sa.end > len(sa.buf) {
		return fmt.Errorf("%w: end %d outside buffer of %d bytes", ErrCorruptedState, sa.end, len(sa.buf))
	}
	if start := sa.start(); sa.cur < start || sa.cur > sa.end {
		return fmt.Errorf("%w: top %d outside [%d, %d]", ErrCorruptedState, sa.cur, start, sa.end)
	}
	return nil
}

// start returns the offset of the first aligned byte of buf.
func (sa *StackAllocator) start() int {
	return alignOff(sa.buf, 0)
}

// alignOff returns the smallest offset >= off whose address in b is aligned.
// b must not be empty.
func alignOff(b []byte, off int) int {
	base := addrOf(b)
	p := base + uintptr(off)
	return int((p+Alignment-1)&^(Alignment-1) - base)
}

func addrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}
