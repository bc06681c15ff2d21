// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server closed")

// Server listens for incoming network connections and services the
// operations arriving on each with a BackEnd of its own.
type Server struct {
	Addr          string   // TCP address to listen on, DefaultListenAddr if empty
	Servicer      Servicer // services every operation
	Config        Config   // configuration of the BackEnds
	MaxMuxers     int      // maximum number of concurrent Muxers to allow
	listeners     map[net.Listener]struct{}
	bytesWritten  int64
	bytesRead     int64
	mu            sync.Mutex
	serveErrorsMu sync.Mutex
	serveErrors   map[string]int
	muxerLimiter  chan struct{}
	doneChan      chan struct{}
	activeMuxer   map[*Muxer]*BackEnd
	retiredStats  map[Outcome]int
	netLog        bool
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// network connections so dead peers eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

// Listen announces on the local network address.
func (srv *Server) Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("tcp", srv.getListenAddr(address))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	srv.Addr = ln.Addr().String()
	return tcpKeepAliveListener{ln.(*net.TCPListener)}, nil
}

func (srv *Server) getListenAddr(addr string) string {
	if addr == "" {
		return DefaultListenAddr
	}
	return addr
}

// ListenAndServe listens on the TCP network address srv.Addr and then calls
// Serve to handle operations on incoming network connections.
func (srv *Server) ListenAndServe() (err error) {
	listener, err := srv.Listen(srv.Addr)
	if err == nil {
		err = srv.Serve(listener)
	}
	return
}

// Serve accepts incoming network connections on the Listener l, serving
// each on its own goroutine until Close is called.
func (srv *Server) Serve(l net.Listener) error {
	defer l.Close()
	var tempDelay time.Duration // how long to sleep on accept failure

	if err := func() error {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		select {
		case <-srv.getDoneChanLocked():
			return errors.WithStack(ErrServerClosed)
		default:
		}
		srv.trackListenerLocked(l, true)
		return nil
	}(); err != nil {
		return err
	}
	defer srv.trackListener(l, false)

	srv.serveErrorsMu.Lock()
	if srv.serveErrors == nil {
		srv.serveErrors = make(map[string]int)
	}
	srv.serveErrorsMu.Unlock()

	for {
		rwc, err := l.Accept()
		if err != nil {
			select {
			case <-srv.getDoneChan():
				return errors.WithStack(ErrServerClosed)
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			return errors.WithStack(err)
		}
		tempDelay = 0
		srv.getMuxerLimiter() <- struct{}{}
		go func(rwc io.ReadWriteCloser) {
			defer func() { <-srv.getMuxerLimiter() }()
			srv.ServeConn(rwc)
		}(rwc)
	}
}

// ServeConn services operations arriving on rwc until the link fails or
// the Server is closed.
func (srv *Server) ServeConn(rwc io.ReadWriteCloser) {
	cfg := srv.Config.withDefaults()
	back := NewBackEnd(srv.Servicer, cfg)
	mux := NewMuxer(rwc, cfg.Logger)
	mux.NetLog(srv.netLog || cfg.NetLog)
	mux.StatsCollector = srv
	if err := Mate(mux, back); err != nil {
		rwc.Close()
		srv.addServeError(err)
		return
	}
	if !srv.trackMuxer(mux, back) {
		mux.Close()
		return
	}
	err := mux.Serve()
	srv.untrackMuxer(mux, back)
	if err != nil {
		cfg.Logger.Debug().Err(err).Stringer("mux", mux).Msg("serve error")
		srv.addServeError(err)
	}
}

func (srv *Server) addServeError(err error) {
	srv.serveErrorsMu.Lock()
	defer srv.serveErrorsMu.Unlock()
	if srv.serveErrors == nil {
		srv.serveErrors = make(map[string]int)
	}
	srv.serveErrors[err.Error()]++
}

// NetLog enables or disables logging of every frame on every Muxer.
func (srv *Server) NetLog(state bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.netLog = state
	for mux := range srv.activeMuxer {
		mux.NetLog(state)
	}
}

// ServeErrors returns a copy of the serve errors map
func (srv *Server) ServeErrors() map[string]int {
	srv.serveErrorsMu.Lock()
	defer srv.serveErrorsMu.Unlock()
	m := make(map[string]int)
	for k, v := range srv.serveErrors {
		m[k] = v
	}
	return m
}

// OperationStats returns the Outcome counts of every operation served,
// on current and past connections.
func (srv *Server) OperationStats() map[Outcome]int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	m := make(map[Outcome]int, len(Outcomes()))
	for _, outcome := range Outcomes() {
		m[outcome] = srv.retiredStats[outcome]
	}
	for _, back := range srv.activeMuxer {
		for outcome, n := range back.OperationStats() {
			m[outcome] += n
		}
	}
	return m
}

// LiveOperations returns the number of operations in progress.
func (srv *Server) LiveOperations() (n int) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, back := range srv.activeMuxer {
		n += back.LiveOperations()
	}
	return
}

func (srv *Server) trackListener(ln net.Listener, add bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.trackListenerLocked(ln, add)
}

func (srv *Server) trackListenerLocked(ln net.Listener, add bool) {
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	if add {
		// If the *Server is being reused after a previous
		// Close, reset its doneChan:
		if len(srv.listeners) == 0 && len(srv.activeMuxer) == 0 {
			srv.doneChan = nil
		}
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
}

// trackMuxer registers an active Muxer. Returns false if the Server is closed.
func (srv *Server) trackMuxer(mux *Muxer, back *BackEnd) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	select {
	case <-srv.getDoneChanLocked():
		return false
	default:
	}
	if srv.activeMuxer == nil {
		srv.activeMuxer = make(map[*Muxer]*BackEnd)
	}
	srv.activeMuxer[mux] = back
	return true
}

// untrackMuxer forgets a Muxer, keeping the Outcome counts of its BackEnd.
func (srv *Server) untrackMuxer(mux *Muxer, back *BackEnd) {
	stats := back.OperationStats()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.retiredStats == nil {
		srv.retiredStats = make(map[Outcome]int)
	}
	for outcome, n := range stats {
		srv.retiredStats[outcome] += n
	}
	delete(srv.activeMuxer, mux)
}

func (srv *Server) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *Server) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *Server) closeDoneChanLocked() {
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (srv *Server) getMuxerLimiter() chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getMuxerLimiterLocked()
}

func (srv *Server) getMuxerLimiterLocked() chan struct{} {
	if srv.muxerLimiter == nil {
		maxMuxers := srv.MaxMuxers
		if maxMuxers < 1 {
			maxMuxers = ProtocolMaxConcurrentMuxers
		}
		srv.muxerLimiter = make(chan struct{}, maxMuxers)
	}
	return srv.muxerLimiter
}

func (srv *Server) closeListenersLocked() error {
	var err error
	for ln := range srv.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(srv.listeners, ln)
	}
	return err
}

// Close immediately closes all listeners and Muxers. The operations in
// progress end with RECEPTION_FAILURE.
func (srv *Server) Close() error {
	srv.mu.Lock()
	srv.closeDoneChanLocked()
	err := srv.closeListenersLocked()
	muxers := make([]*Muxer, 0, len(srv.activeMuxer))
	for mux := range srv.activeMuxer {
		muxers = append(muxers, mux)
	}
	srv.mu.Unlock()
	for _, mux := range muxers {
		mux.Close()
	}
	return err
}

// ActiveMuxers returns the number of active Muxers.
func (srv *Server) ActiveMuxers() int {
	return len(srv.getMuxerLimiter())
}

// AddBytesWritten adds n to the number of bytes written statistic.
func (srv *Server) AddBytesWritten(n int64) {
	atomic.AddInt64(&srv.bytesWritten, n)
}

// BytesWritten returns the current number of bytes written.
func (srv *Server) BytesWritten() int64 {
	return atomic.LoadInt64(&srv.bytesWritten)
}

// AddBytesRead adds n to the number of bytes read statistic.
func (srv *Server) AddBytesRead(n int64) {
	atomic.AddInt64(&srv.bytesRead, n)
}

// BytesRead returns the current number of bytes read.
func (srv *Server) BytesRead() int64 {
	return atomic.LoadInt64(&srv.bytesRead)
}
