// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package opmux

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rwcPipe struct {
	io.ReadCloser
	io.WriteCloser
	bytesWritten int64
	bytesRead    int64
}

func (rwcp *rwcPipe) Close() error {
	if err := rwcp.WriteCloser.Close(); err != nil {
		return err
	}
	return rwcp.ReadCloser.Close()
}

func (rwcp *rwcPipe) AddBytesWritten(n int64) {
	atomic.AddInt64(&rwcp.bytesWritten, n)
}

func (rwcp *rwcPipe) AddBytesRead(n int64) {
	atomic.AddInt64(&rwcp.bytesRead, n)
}

func newRwcPipes() (a, b *rwcPipe) {
	ra, wa := io.Pipe()
	rb, wb := io.Pipe()
	a = &rwcPipe{
		ReadCloser:  rb,
		WriteCloser: wa,
	}
	b = &rwcPipe{
		ReadCloser:  ra,
		WriteCloser: wb,
	}
	return
}

type muxerTester struct {
	t         *testing.T
	a, b      *rwcPipe
	front     *FrontEnd
	back      *BackEnd
	muxFront  *Muxer
	muxBack   *Muxer
	frontDone chan error
	backDone  chan error
	isClosed  int32
}

func newMuxerTester(t *testing.T, servicer Servicer) *muxerTester {
	cfg := DefaultConfig()
	cfg.Logger = zerolog.Nop()
	a, b := newRwcPipes()
	mt := &muxerTester{
		t:         t,
		a:         a,
		b:         b,
		front:     NewFrontEnd(cfg),
		back:      NewBackEnd(servicer, cfg),
		muxFront:  NewMuxer(a, cfg.Logger),
		muxBack:   NewMuxer(b, cfg.Logger),
		frontDone: make(chan error, 1),
		backDone:  make(chan error, 1),
	}
	mt.muxFront.StatsCollector = a
	mt.muxBack.StatsCollector = b
	mt.muxFront.NetLog(true)
	require.NoError(t, Mate(mt.front, mt.muxFront))
	require.NoError(t, Mate(mt.muxBack, mt.back))
	go func() { mt.frontDone <- mt.muxFront.Serve() }()
	go func() { mt.backDone <- mt.muxBack.Serve() }()
	return mt
}

func (mt *muxerTester) Close() {
	if atomic.CompareAndSwapInt32(&mt.isClosed, 0, 1) {
		assert.NoError(mt.t, mt.muxFront.Close())
		for _, done := range []chan error{mt.frontDone, mt.backDone} {
			select {
			case err := <-done:
				assert.NoError(mt.t, err)
			case <-time.After(testWait):
				assert.Fail(mt.t, "timeout waiting for Muxer to stop")
			}
		}
	}
}

func (mt *muxerTester) operate(name string, payload interface{}, complete bool, sub ServicedSubscription) Operation {
	op, err := mt.front.Operate(name, payload, complete, 0, sub, uuid.Nil)
	require.NoError(mt.t, err)
	return op
}

func Test_Muxer_String(t *testing.T) {
	defer leaktest.Check(t)()
	mt := newMuxerTester(t, echoServicer)
	defer mt.Close()
	assert.Equal(t, fmt.Sprintf("[Muxer %x]", mt.muxFront.serialNumber), mt.muxFront.String())
	assert.NotEqual(t, mt.muxFront.serialNumber, mt.muxBack.serialNumber)
}

func Test_Muxer_entire_round_trip(t *testing.T) {
	defer leaktest.Check(t)()
	mt := newMuxerTester(t, echoServicer)
	defer mt.Close()
	results := newCollector()
	op := mt.operate("echo", "hello", true, FullSubscription(results))
	assert.Equal(t, OutcomeCompleted, awaitOutcome(t, op.Context()))
	assert.Equal(t, "hello", results.next(t))
	awaitIdle(t, mt.back)
	assert.Equal(t, 1, mt.back.OperationStats()[OutcomeCompleted])
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&mt.a.bytesWritten) > 0 && atomic.LoadInt64(&mt.b.bytesRead) > 0
	}, testWait, time.Millisecond)
}

func Test_Muxer_streaming(t *testing.T) {
	defer leaktest.Check(t)()
	s := newChanServicer()
	mt := newMuxerTester(t, s)
	defer mt.Close()
	results := newCollector()
	op := mt.operate("stream", []byte{1}, false, FullSubscription(results))
	call := s.next(t)
	assert.Equal(t, []byte{1}, call.input.next(t))
	for i := 0; i < MaxWindow*2; i++ {
		assert.NoError(t, op.Consumer().Consume(fmt.Sprint(i)))
		assert.NoError(t, call.output.Consume(fmt.Sprint(-i)))
	}
	assert.NoError(t, op.Consumer().ConsumeAndTerminate("last"))
	assert.NoError(t, call.output.ConsumeAndTerminate("done"))
	for i := 0; i < MaxWindow*2; i++ {
		assert.Equal(t, fmt.Sprint(i), call.input.next(t))
		assert.Equal(t, fmt.Sprint(-i), results.next(t))
	}
	assert.Equal(t, "last", call.input.next(t))
	assert.Equal(t, "done", results.next(t))
	assert.Equal(t, OutcomeCompleted, awaitOutcome(t, op.Context()))
	assert.Equal(t, OutcomeCompleted, awaitOutcome(t, call.ctx))
}

func Test_Muxer_abortions_cross(t *testing.T) {
	defer leaktest.Check(t)()
	s := newChanServicer()
	mt := newMuxerTester(t, s)
	defer mt.Close()

	op := mt.operate("test", nil, false, NoSubscription())
	call := s.next(t)
	op.Cancel()
	assert.Equal(t, OutcomeCancelled, awaitOutcome(t, call.ctx))

	op = mt.operate("test", nil, false, NoSubscription())
	call = s.next(t)
	call.ctx.Fail(errors.New("nope"))
	assert.Equal(t, OutcomeServicerFailure, awaitOutcome(t, op.Context()))
	assert.Equal(t, "peer sent servicer failure", op.Context().Err().Error())
}

func Test_Muxer_no_such_method(t *testing.T) {
	defer leaktest.Check(t)()
	s := newChanServicer()
	s.err = NoSuchMethodError{Name: "nonesuch"}
	mt := newMuxerTester(t, s)
	defer mt.Close()
	op := mt.operate("nonesuch", nil, true, TerminationOnlySubscription())
	assert.Equal(t, OutcomeTransmissionFailure, awaitOutcome(t, op.Context()))
}

func Test_Muxer_ping_pong(t *testing.T) {
	defer leaktest.Check(t)()
	mt := newMuxerTester(t, echoServicer)
	defer mt.Close()
	assert.Zero(t, mt.muxFront.Latency())
	mt.muxFront.Ping()
	assert.Eventually(t, func() bool { return mt.muxFront.Latency() > 0 }, testWait, time.Millisecond)
}

func Test_Muxer_close_fails_operations(t *testing.T) {
	defer leaktest.Check(t)()
	s := newChanServicer()
	mt := newMuxerTester(t, s)
	op := mt.operate("test", nil, false, NoSubscription())
	call := s.next(t)
	mt.Close()
	assert.Equal(t, OutcomeReceptionFailure, awaitOutcome(t, op.Context()))
	assert.Equal(t, OutcomeReceptionFailure, awaitOutcome(t, call.ctx))
	assert.True(t, mt.muxFront.isClosed())
	<-mt.muxBack.Done()

	err := mt.muxFront.AcceptFrontToBackTicket(FrontToBackTicket{})
	assert.Equal(t, ErrLinkClosed, errors.Cause(err))
	op = mt.operate("test", nil, true, NoSubscription())
	assert.Equal(t, OutcomeTransmissionFailure, awaitOutcome(t, op.Context()))
	awaitIdle(t, mt.front)
	assert.Equal(t, 1, mt.front.OperationStats()[OutcomeTransmissionFailure])
}

func Test_Muxer_protocol_error(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := newRwcPipes()
	mux := NewMuxer(b, zerolog.Nop())
	require.NoError(t, mux.JoinForeLink(NewFrontEnd(DefaultConfig())))
	assert.Equal(t, ErrAlreadyJoined, errors.Cause(mux.JoinForeLink(NewFrontEnd(DefaultConfig()))))
	done := make(chan error, 1)
	go func() { done <- mux.Serve() }()

	// a front-to-back ticket for a Muxer with no local back
	f := frame{}
	f.setFrontToBack(FrontToBackTicket{OperationID: NewOperationID(), Kind: FrontEntire, Name: "x", Subscription: SubscriptionNone})
	buf, err := marshalFrame(&f)
	require.NoError(t, err)
	go a.Write(buf)

	select {
	case err = <-done:
		_, ok := errors.Cause(err).(ProtocolError)
		assert.True(t, ok, "%v", err)
	case <-time.After(testWait):
		assert.Fail(t, "timeout waiting for protocol error")
	}
	assert.NotNil(t, mux.Err())
	a.Close()
}

func Test_Muxer_garbage(t *testing.T) {
	defer leaktest.Check(t)()
	a, b := newRwcPipes()
	mux := NewMuxer(b, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- mux.Serve() }()
	go a.Write([]byte{0xff, 0xff, 0xff, 0xff})
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(testWait):
		assert.Fail(t, "timeout waiting for decode error")
	}
	a.Close()
}

func Test_Muxer_concurrent(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()
	mt := newMuxerTester(t, echoServicer)
	defer mt.Close()
	var wg sync.WaitGroup
	n := stressOperations / 4
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results := newCollector()
			op, err := mt.front.Operate("echo", fmt.Sprint(i), false, 0, FullSubscription(results), uuid.New())
			if !assert.NoError(t, err) {
				return
			}
			for j := 0; j < MaxWindow; j++ {
				assert.NoError(t, op.Consumer().Consume(j))
			}
			assert.NoError(t, op.Consumer().Terminate())
			assert.Equal(t, OutcomeCompleted, awaitOutcome(t, op.Context()))
			assert.Equal(t, fmt.Sprint(i), results.next(t))
			assert.Len(t, results.drained(), MaxWindow)
		}(i)
	}
	wg.Wait()
	awaitIdle(t, mt.back)
	assert.Equal(t, n, mt.back.OperationStats()[OutcomeCompleted])
}
