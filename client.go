// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Client is a Front whose operations are serviced by a remote Server.
// It dials when the first operation is commenced, and redials when the
// link it was using has died.
type Client struct {
	Addr        string        // the address to dial
	DialTimeout time.Duration // dialing timeout
	Config      Config        // configuration of the FrontEnds
	// Dial, if set, is used instead of a TCP dial to Addr.
	Dial func(addr string, timeout time.Duration) (io.ReadWriteCloser, error)

	mu           sync.Mutex // protects those below
	lastError    error
	lastAttempt  time.Time
	firstAttempt time.Time
	links        []clientLink
	retiredStats map[Outcome]int
}

type clientLink struct {
	front *FrontEnd
	mux   *Muxer
}

var _ Front = (*Client)(nil)

// NewClient returns a Client for the Server at addr. No network
// connection is made until it is needed.
func NewClient(addr string) *Client {
	return &Client{
		Addr:        addr,
		DialTimeout: DefaultDialTimeout,
		Config:      DefaultConfig(),
	}
}

// Close closes all links. Operations in progress end with RECEPTION_FAILURE.
func (c *Client) Close() (err error) {
	c.mu.Lock()
	links := c.links
	c.mu.Unlock()
	for _, link := range links {
		if muxerr := link.mux.Close(); err == nil {
			err = muxerr
		}
	}
	return
}

func (c *Client) dial() (io.ReadWriteCloser, error) {
	if c.Dial != nil {
		return c.Dial(c.Addr, c.DialTimeout)
	}
	rwc, err := net.DialTimeout("tcp", c.Addr, c.DialTimeout)
	return rwc, errors.WithStack(err)
}

// dialLocked creates a new link to the server.
// Must run with the mutex locked.
func (c *Client) dialLocked() (*FrontEnd, error) {
	rwc, err := c.dial()
	if err != nil {
		c.lastError = err
		c.lastAttempt = time.Now()
		if c.firstAttempt.IsZero() {
			c.firstAttempt = c.lastAttempt
		}
		return nil, c.offlineError()
	}
	c.lastError = nil
	c.lastAttempt = time.Time{}
	c.firstAttempt = time.Time{}

	cfg := c.Config.withDefaults()
	front := NewFrontEnd(cfg)
	mux := NewMuxer(rwc, cfg.Logger)
	mux.NetLog(cfg.NetLog)
	if err = Mate(front, mux); err != nil {
		rwc.Close()
		return nil, err
	}
	go func() {
		if err := mux.Serve(); err != nil {
			cfg.Logger.Debug().Err(err).Stringer("mux", mux).Msg("link failed")
		}
	}()
	c.links = append(c.links, clientLink{front: front, mux: mux})
	return front, nil
}

func (c *Client) offlineError() (err error) {
	if err = c.lastError; err == nil {
		err = errors.New("upstream server unresponsive")
	}
	if c.firstAttempt != c.lastAttempt {
		err = errors.Wrap(err, fmt.Sprintf("no response for %v", time.Since(c.firstAttempt)))
	}
	return
}

// pruneLocked forgets links that are closed and idle, keeping their counts.
func (c *Client) pruneLocked() {
	links := c.links[:0]
	for _, link := range c.links {
		if link.mux.isClosed() && link.front.LiveOperations() == 0 {
			if c.retiredStats == nil {
				c.retiredStats = make(map[Outcome]int)
			}
			for outcome, n := range link.front.OperationStats() {
				c.retiredStats[outcome] += n
			}
			continue
		}
		links = append(links, link)
	}
	c.links = links
}

// frontEnd returns the FrontEnd of the live link, dialing if needed.
func (c *Client) frontEnd() (*FrontEnd, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked()
	if n := len(c.links); n > 0 {
		if link := c.links[n-1]; !link.mux.isClosed() {
			return link.front, nil
		}
	}
	return c.dialLocked()
}

// Operate implements Front.
func (c *Client) Operate(name string, payload interface{}, complete bool, timeout time.Duration,
	subscription ServicedSubscription, traceID uuid.UUID) (Operation, error) {
	front, err := c.frontEnd()
	if err != nil {
		return nil, err
	}
	return front.Operate(name, payload, complete, timeout, subscription, traceID)
}

// OperationStats implements End, summing over all links.
func (c *Client) OperationStats() map[Outcome]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := make(map[Outcome]int, len(Outcomes()))
	for _, outcome := range Outcomes() {
		m[outcome] = c.retiredStats[outcome]
	}
	for _, link := range c.links {
		for outcome, n := range link.front.OperationStats() {
			m[outcome] += n
		}
	}
	return m
}

// AddIdleAction implements End. The action runs when the current link
// has no live operations; if there is no link, it runs promptly.
func (c *Client) AddIdleAction(action func()) {
	c.mu.Lock()
	var front *FrontEnd
	if n := len(c.links); n > 0 {
		front = c.links[n-1].front
	}
	c.mu.Unlock()
	if front == nil {
		go action()
		return
	}
	front.AddIdleAction(action)
}

// LiveOperations returns the number of operations in progress on all links.
func (c *Client) LiveOperations() (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, link := range c.links {
		n += link.front.LiveOperations()
	}
	return
}

// Latency pings the server over the current link and returns the
// previous measurement.
func (c *Client) Latency() time.Duration {
	c.mu.Lock()
	var mux *Muxer
	if n := len(c.links); n > 0 {
		mux = c.links[n-1].mux
	}
	c.mu.Unlock()
	if mux == nil {
		return 0
	}
	d := mux.Latency()
	mux.Ping()
	return d
}
