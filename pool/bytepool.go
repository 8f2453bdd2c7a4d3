// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>

package pool

import "sync"

// BytePool hands out fixed-size receive buffers. Workers take one at start
// and return it on exit; short-lived buffers for exact-size reads come from
// the same pool.
type BytePool struct {
	size int
	pool sync.Pool
}

func NewBytePool(size int) *BytePool {
	if size <= 0 {
		size = 4096
	}
	b := &BytePool{size: size}
	b.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return b
}

// Size is the length of every buffer returned by GetBuffer.
func (b *BytePool) Size() int { return b.size }

// GetBuffer returns a buffer from the pool.
func (b *BytePool) GetBuffer() []byte {
	return *(b.pool.Get().(*[]byte))
}

// PutBuffer returns a buffer to the pool. Buffers of a foreign size are
// dropped.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) < b.size {
		return
	}
	buf = buf[:b.size]
	b.pool.Put(&buf)
}
