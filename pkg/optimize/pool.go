package optimize

import (
	"sync"
)

// BytePool hands out fixed-size relay buffers.
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size is the length of every buffer returned by Get.
func (p *BytePool) Size() int {
	return p.size
}

// Get gets a byte slice from the pool
func (p *BytePool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put returns a byte slice to the pool
func (p *BytePool) Put(b *[]byte) {
	// Only put back if it's the right size
	if b != nil && cap(*b) >= p.size {
		*b = (*b)[:p.size]
		p.pool.Put(b)
	}
}
