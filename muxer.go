// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// StatsCollector is the interface required to collect statistics
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

// ProtocolError is the error type used for reporting protocol errors,
// all of which are fatal to a Muxer.
type ProtocolError struct {
	Reason string
}

func (err ProtocolError) Error() string { return "protocol error: " + err.Reason }

// Muxer relays tickets and acknowledgements between the Ends attached
// to it and a remote Muxer over a single io.ReadWriteCloser.
//
// A Muxer is the RearLink of a local FrontEnd and the ForeLink of a local
// BackEnd; either or both may be attached. The remote Muxer hands the
// tickets to its own Ends.
type Muxer struct {
	io.ReadWriteCloser // The I/O endpoint
	StatsCollector     // Where to report statistics (optional)
	log                zerolog.Logger
	writeCh            chan *frame
	doneChan           chan struct{}
	ctlMu              sync.Mutex // guards ctl
	ctl                []*frame   // acknowledgements and pongs
	ctlKick            chan struct{}
	mu                 sync.Mutex // guards fields below
	front              ForeLink   // local End receiving back-to-front tickets
	back               RearLink   // local End receiving front-to-back tickets
	closeErr           error
	lastPingSent       int64 // Unix nanoseconds
	lastPongRcvd       int64 // Unix nanoseconds
	latency            int64 // nanoseconds
	netLog             int32 // nonzero to log frames
	serialNumber       uint32
}

var muxerNextSerialNumber uint32

var (
	_ ForeLink                = (*Muxer)(nil)
	_ RearLink                = (*Muxer)(nil)
	_ FrontToBackAcknowledger = (*Muxer)(nil)
	_ BackToFrontAcknowledger = (*Muxer)(nil)
)

func (mux *Muxer) String() string {
	return fmt.Sprintf("[Muxer %x]", mux.serialNumber)
}

// NewMuxer creates a new Muxer on rwc.
func NewMuxer(rwc io.ReadWriteCloser, log zerolog.Logger) *Muxer {
	mux := &Muxer{
		ReadWriteCloser: rwc,
		writeCh:         make(chan *frame),
		doneChan:        make(chan struct{}),
		ctlKick:         make(chan struct{}, 1),
		serialNumber:    atomic.AddUint32(&muxerNextSerialNumber, 1),
	}
	mux.log = log.With().Stringer("mux", mux).Logger()
	return mux
}

// JoinForeLink implements RearLink, attaching a local FrontEnd.
func (mux *Muxer) JoinForeLink(fore ForeLink) error {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if mux.front != nil {
		return errors.WithStack(ErrAlreadyJoined)
	}
	mux.front = fore
	return nil
}

// JoinRearLink implements ForeLink, attaching a local BackEnd.
func (mux *Muxer) JoinRearLink(rear RearLink) error {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	if mux.back != nil {
		return errors.WithStack(ErrAlreadyJoined)
	}
	mux.back = rear
	return nil
}

func (mux *Muxer) ends() (front ForeLink, back RearLink) {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	return mux.front, mux.back
}

// AcceptFrontToBackTicket implements RearLink by sending t to the remote Muxer.
func (mux *Muxer) AcceptFrontToBackTicket(t FrontToBackTicket) error {
	f := frameAlloc()
	f.setFrontToBack(t)
	return mux.write(f)
}

// AcceptBackToFrontTicket implements ForeLink by sending t to the remote Muxer.
func (mux *Muxer) AcceptBackToFrontTicket(t BackToFrontTicket) error {
	f := frameAlloc()
	f.setBackToFront(t)
	return mux.write(f)
}

// AcknowledgeFrontToBack implements FrontToBackAcknowledger for the local BackEnd.
func (mux *Muxer) AcknowledgeFrontToBack(id OperationID) {
	f := frameAlloc()
	f.setAck(FrameAckFrontToBack, id)
	mux.writeControl(f)
}

// AcknowledgeBackToFront implements BackToFrontAcknowledger for the local FrontEnd.
func (mux *Muxer) AcknowledgeBackToFront(id OperationID) {
	f := frameAlloc()
	f.setAck(FrameAckBackToFront, id)
	mux.writeControl(f)
}

func (mux *Muxer) write(f *frame) error {
	select {
	case mux.writeCh <- f:
		return nil
	case <-mux.doneChan:
		frameFree(f)
		return errors.WithStack(ErrLinkClosed)
	}
}

// writeControl queues f without blocking. The read side sends
// acknowledgements and pongs this way, so it never waits for the
// write side.
func (mux *Muxer) writeControl(f *frame) {
	if mux.isClosed() {
		frameFree(f)
		return
	}
	mux.ctlMu.Lock()
	mux.ctl = append(mux.ctl, f)
	mux.ctlMu.Unlock()
	select {
	case mux.ctlKick <- struct{}{}:
	default:
	}
}

func (mux *Muxer) nextControl() (f *frame) {
	mux.ctlMu.Lock()
	if len(mux.ctl) > 0 {
		f = mux.ctl[0]
		mux.ctl[0] = nil
		mux.ctl = mux.ctl[1:]
	}
	mux.ctlMu.Unlock()
	return
}

// Ping sends a ping frame and returns without waiting for response.
func (mux *Muxer) Ping() {
	f := frameAlloc()
	f.Type = FramePing
	f.Stamp = time.Now().UnixNano()
	atomic.StoreInt64(&mux.lastPingSent, f.Stamp)
	_ = mux.write(f)
}

// Latency returns the result of the last successful ping/pong measurement,
// or the zero value if there is no current valid measurement.
func (mux *Muxer) Latency() (d time.Duration) {
	ping := atomic.LoadInt64(&mux.lastPingSent)
	if ping > 0 {
		pong := atomic.LoadInt64(&mux.lastPongRcvd)
		if ping <= pong {
			d = time.Duration(atomic.LoadInt64(&mux.latency))
		}
	}
	return
}

// NetLog enables or disables logging of every frame at debug level.
func (mux *Muxer) NetLog(state bool) {
	var v int32
	if state {
		v = 1
	}
	atomic.StoreInt32(&mux.netLog, v)
}

func (mux *Muxer) logFrame(dir string, f *frame) {
	if atomic.LoadInt32(&mux.netLog) != 0 {
		mux.log.Debug().Str("dir", dir).Stringer("frame", f).Msg("frame")
	}
}

// readFrom decodes frames from r and dispatches them until an error occurs.
func (mux *Muxer) readFrom(r io.Reader) (n int64, err error) {
	hasCollector := mux.StatsCollector != nil
	dec := frameDecMode.NewDecoder(r)

	for err == nil {
		f := frameAlloc()
		if err = dec.Decode(f); err != nil {
			frameFree(f)
			err = errors.WithStack(err)
			break
		}
		m := int64(dec.NumBytesRead())
		if hasCollector {
			mux.StatsCollector.AddBytesRead(m - n)
		}
		n = m
		mux.logFrame("READ", f)
		err = mux.dispatch(f)
	}
	return
}

// dispatch hands a received frame to the local End it is for.
func (mux *Muxer) dispatch(f *frame) (err error) {
	defer frameFree(f)
	front, back := mux.ends()
	switch f.Type {
	case FrameFrontToBack:
		if back == nil {
			return errors.WithStack(ProtocolError{Reason: "front-to-back ticket without local back"})
		}
		return back.AcceptFrontToBackTicket(f.frontToBack())
	case FrameBackToFront:
		if front == nil {
			return errors.WithStack(ProtocolError{Reason: "back-to-front ticket without local front"})
		}
		return front.AcceptBackToFrontTicket(f.backToFront())
	case FrameAckFrontToBack:
		if ack, ok := front.(FrontToBackAcknowledger); ok {
			ack.AcknowledgeFrontToBack(OperationID(f.ID))
		}
	case FrameAckBackToFront:
		if ack, ok := back.(BackToFrontAcknowledger); ok {
			ack.AcknowledgeBackToFront(OperationID(f.ID))
		}
	case FramePing:
		pong := frameAlloc()
		pong.Type = FramePong
		pong.Stamp = f.Stamp
		mux.writeControl(pong)
	case FramePong:
		now := time.Now().UnixNano()
		if f.Stamp == atomic.LoadInt64(&mux.lastPingSent) {
			atomic.StoreInt64(&mux.latency, now-f.Stamp)
			atomic.StoreInt64(&mux.lastPongRcvd, now)
		}
	default:
		return errors.WithStack(ProtocolError{Reason: fmt.Sprintf("unknown frame type %v", f.Type)})
	}
	return nil
}

type flusher interface {
	Flush() error
}

// writeTo encodes frames arriving on the write channel to w until the
// Muxer is closed or an error occurs. Output is flushed whenever the
// write channel is empty.
func (mux *Muxer) writeTo(w io.Writer) (n int64, err error) {
	var unreported int64
	fl, hasFlusher := w.(flusher)
	hasCollector := mux.StatsCollector != nil

	for err == nil {
		f := mux.nextControl()
		if f == nil {
			select {
			case <-mux.doneChan:
				return n, errors.WithStack(ErrLinkClosed)
			case <-mux.ctlKick:
				continue
			case f = <-mux.writeCh:
			default:
				// no immediately available frame, flush the output
				if hasFlusher {
					if err = fl.Flush(); err == nil && hasCollector && unreported > 0 {
						mux.StatsCollector.AddBytesWritten(unreported)
						unreported = 0
					}
				}
				if err != nil {
					continue
				}
				select {
				case <-mux.ctlKick:
					continue
				case f = <-mux.writeCh:
				case <-mux.doneChan:
					err = errors.WithStack(ErrLinkClosed)
					continue
				}
			}
		}

		mux.logFrame("WRIT", f)
		var b []byte
		if b, err = marshalFrame(f); err == nil {
			var written int
			written, err = w.Write(b)
			err = errors.WithStack(err)
			n += int64(written)
			unreported += int64(written)
		}
		frameFree(f)

		if hasCollector && unreported > 64*1024 {
			mux.StatsCollector.AddBytesWritten(unreported)
			unreported = 0
		}
	}

	if hasFlusher {
		if flusherr := fl.Flush(); err == nil {
			err = flusherr
		}
	}
	return
}

func (mux *Muxer) isClosed() bool {
	select {
	case <-mux.doneChan:
		return true
	default:
		return false
	}
}

// Done returns a channel that is closed when the Muxer closes.
func (mux *Muxer) Done() <-chan struct{} {
	return mux.doneChan
}

// Serve processes incoming and outgoing frames until the link fails or
// the Muxer is closed. On return, every operation of the attached Ends
// has been terminated with RECEPTION_FAILURE.
func (mux *Muxer) Serve() (err error) {
	errCh := make(chan error, 2)

	go func() {
		_, err := mux.readFrom(bufio.NewReaderSize(mux.ReadWriteCloser, 64*1024))
		errCh <- err
	}()
	go func() {
		_, err := mux.writeTo(bufio.NewWriterSize(mux.ReadWriteCloser, 64*1024))
		errCh <- err
	}()

	err = <-errCh
	if closeErr := mux.closeWith(err); closeErr != nil && isClosedError(err) {
		err = closeErr
	}
	if otherErr := <-errCh; err == nil {
		err = otherErr
	}

	mux.linkFailed(err)
	if isClosedError(err) {
		err = nil
	}
	return err
}

func (mux *Muxer) linkFailed(err error) {
	if err == nil {
		err = errors.WithStack(ErrLinkClosed)
	}
	front, back := mux.ends()
	if h, ok := front.(LinkFailureHandler); ok {
		h.LinkFailed(err)
	}
	if h, ok := back.(LinkFailureHandler); ok {
		h.LinkFailed(err)
	}
	mux.log.Debug().Err(err).Msg("link down")
}

// closeWith closes the Muxer, recording cause as the reason.
// Returns the error from closing the I/O endpoint, if it was closed now.
func (mux *Muxer) closeWith(cause error) error {
	mux.mu.Lock()
	select {
	case <-mux.doneChan:
		mux.mu.Unlock()
		return nil
	default:
		mux.closeErr = cause
		close(mux.doneChan)
	}
	mux.mu.Unlock()
	return mux.ReadWriteCloser.Close()
}

// Close closes the Muxer immediately.
func (mux *Muxer) Close() error {
	return mux.closeWith(nil)
}

// Err returns the error that caused the Muxer to close, if any.
func (mux *Muxer) Err() error {
	mux.mu.Lock()
	defer mux.mu.Unlock()
	return mux.closeErr
}

func isClosedError(err error) bool {
	if err == nil {
		return true
	}
	switch cause := errors.Cause(err); cause {
	case ErrLinkClosed, io.ErrClosedPipe, io.EOF, io.ErrUnexpectedEOF, net.ErrClosed:
		return true
	default:
		return errors.Is(cause, net.ErrClosed)
	}
}
