// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

//go:build race

package opmux

// sanity check the configuration
func init() {
	if DefaultWindow < 1 {
		panic("DefaultWindow < 1")
	}
	if DefaultWindow > MaxWindow {
		panic("DefaultWindow > MaxWindow")
	}
	if DefaultTimeout <= 0 {
		panic("DefaultTimeout <= 0")
	}
	if MaximumTimeout < DefaultTimeout {
		panic("MaximumTimeout < DefaultTimeout")
	}
	if ProtocolMaxConcurrentMuxers < 1 {
		panic("ProtocolMaxConcurrentMuxers < 1")
	}
	if err := DefaultConfig().Validate(); err != nil {
		panic(err)
	}
}
