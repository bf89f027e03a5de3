package optimize

import (
	"testing"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1024)

	buf := pool.Get()
	if len(*buf) != 1024 {
		t.Errorf("expected buffer size 1024, got %d", len(*buf))
	}
	if pool.Size() != 1024 {
		t.Errorf("expected pool size 1024, got %d", pool.Size())
	}

	// shrunk slices come back full length
	*buf = (*buf)[:10]
	pool.Put(buf)

	buf2 := pool.Get()
	if len(*buf2) != 1024 {
		t.Errorf("expected buffer size 1024, got %d", len(*buf2))
	}
}

func TestBytePool_RejectsSmallBuffers(t *testing.T) {
	pool := NewBytePool(64)
	small := make([]byte, 8)
	pool.Put(&small)
	pool.Put(nil)

	if got := pool.Get(); len(*got) != 64 {
		t.Errorf("expected buffer size 64, got %d", len(*got))
	}
}
