// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

// Provides a buffer of allocated but unused frames.
var framePool chan *frame

func init() {
	framePool = make(chan *frame, 0x400)
}

// frameAlloc allocates a cleared frame.
func frameAlloc() *frame {
	select {
	case f := <-framePool:
		return f
	default:
		return &frame{}
	}
}

// frameFree clears and releases a frame.
func frameFree(f *frame) {
	if f != nil {
		*f = frame{}
		select {
		case framePool <- f:
		default:
		}
	}
}
