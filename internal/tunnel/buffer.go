package tunnel

import (
	"sync"
)

// DefaultBufferSize is the default relay copy buffer size.
const DefaultBufferSize = 32 * 1024

// MaxBufferSize is the maximum allowed relay buffer size.
const MaxBufferSize = 1 << 20

// BufferPool provides reusable copy buffers for relays so each direction of
// a tunnel does not allocate its own.
type BufferPool struct {
	pool *sync.Pool
	size int
}

// NewBufferPool creates a buffer pool with the specified buffer size.
// Non-positive sizes use DefaultBufferSize.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if size > MaxBufferSize {
		size = MaxBufferSize
	}
	return &BufferPool{
		pool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, size)
				return &buf
			},
		},
		size: size,
	}
}

// Get retrieves a buffer from the pool.
// The returned buffer should be returned to the pool after use via Put.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool for reuse.
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil {
		return
	}
	// Only return buffers of the expected size to the pool
	if cap(*buf) == bp.size {
		*buf = (*buf)[:bp.size]
		bp.pool.Put(buf)
	}
}

// Size returns the buffer size used by this pool.
func (bp *BufferPool) Size() int {
	return bp.size
}
