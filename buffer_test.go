package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPoolGetSizesByTier(t *testing.T) {
	bp := NewBufferPool(4096)
	assert.Equal(t, 4096, cap(*bp.Get(100)))
	assert.Equal(t, 16384, cap(*bp.Get(5000)))
	assert.Equal(t, 65536, cap(*bp.Get(20000)))
}

func TestBufferPoolPutTruncatesLength(t *testing.T) {
	bp := NewBufferPool(4096)
	buf := bp.Get(100)
	*buf = (*buf)[:10]
	bp.Put(buf)

	reused := bp.Get(100)
	assert.Equal(t, 0, len(*reused), "Put truncates length to 0; callers must reslice to cap before use")
	assert.Equal(t, 4096, cap(*reused))
}
