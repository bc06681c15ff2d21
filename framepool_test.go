package opmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_FramePool_frameAlloc(t *testing.T) {
	f1 := frameAlloc()
	f1.Type = FramePing
	f1.Payload = "x"
	frameFree(f1)
	f2 := frameAlloc()
	assert.Equal(t, frameTypeInvalid, f2.Type)
	assert.Nil(t, f2.Payload)
	frameFree(f2)
	frameFree(nil)
}

func Test_FramePool_frameFree_Overflow(t *testing.T) {
	// make sure the framePool is full
	for len(framePool) < cap(framePool) {
		frameFree(&frame{})
	}
	assert.Equal(t, cap(framePool), len(framePool))
	f1 := frameAlloc()
	assert.NotNil(t, f1)
	assert.Equal(t, cap(framePool)-1, len(framePool))
	frameFree(f1)
	assert.Equal(t, cap(framePool), len(framePool))
	frameFree(&frame{})
	assert.Equal(t, cap(framePool), len(framePool))
}
