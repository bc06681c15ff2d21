// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

import "time"

const (
	// DefaultTimeout is the operation time budget used when no ticket carries a timeout.
	DefaultTimeout = time.Second * 30
	// MaximumTimeout is the largest time budget a Back grants by default.
	MaximumTimeout = time.Minute * 10
	// MaxWindow is the size of every receive queue, and so the largest usable Window.
	MaxWindow = 16
	// DefaultWindow is the number of queued tickets a sender may have unacknowledged.
	DefaultWindow = 8
	// DefaultDialTimeout is how long a Client waits for a connection.
	DefaultDialTimeout = time.Second * 60
	// DefaultListenAddr is the address a Server listens on if none is given.
	DefaultListenAddr = ":10111"
	// ProtocolMaxConcurrentMuxers is an artificial limit on concurrent Muxers per Server.
	ProtocolMaxConcurrentMuxers = 10 * 1000
)
