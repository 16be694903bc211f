package malloc

import "github.com/bytedance/gopkg/lang/mcache"

// AcquireStackAllocator returns a StackAllocator over a pooled buffer of size bytes.
// It's useful for short-lived scratch stacks, pair it with ReleaseStackAllocator.
// Calling Init with another buffer also returns the pooled one.
func AcquireStackAllocator(size int) (*StackAllocator, error) {
	if size < Alignment {
		return nil, ErrInvalidParameter
	}
	buf := mcache.Malloc(size)
	sa, err := NewStackAllocator(buf)
	if err != nil {
		mcache.Free(buf)
		return nil, err
	}
	sa.pooled = true
	return sa, nil
}

// ReleaseStackAllocator returns the buffer of sa to the pool and leaves sa
// uninitialized. Blocks and markers from sa must not be used afterwards.
// It does nothing if sa was not created by AcquireStackAllocator or was
// initialized again since.
func ReleaseStackAllocator(sa *StackAllocator) {
	if sa == nil || !sa.pooled {
		return
	}
	releaseBuffer(sa.buf)
	*sa = StackAllocator{epoch: sa.epoch + 1}
}

// releaseBuffer returns a pooled buffer, tests replace it.
var releaseBuffer = mcache.Free

// within reports whether b starts inside the backing array of pool.
func within(pool, b []byte) bool {
	if cap(pool) == 0 || cap(b) == 0 {
		return false
	}
	base := addrOf(pool[:1])
	p := addrOf(b[:1])
	return p >= base && p-base < uintptr(cap(pool))
}
