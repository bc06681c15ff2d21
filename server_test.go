package opmux

import (
	"net"
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

const srvAddr string = "127.0.0.1:0"

type srvTester struct {
	t         *testing.T
	isClosed  int32
	srv       *Server
	serveDone chan struct{}
	serveErr  error
}

func newSrvTester(t *testing.T, servicer Servicer) *srvTester {
	cfg := DefaultConfig()
	cfg.Logger = zerolog.Nop()
	st := &srvTester{
		t: t,
		srv: &Server{
			Servicer: servicer,
			Config:   cfg,
		},
		serveDone: make(chan struct{}),
	}
	ln, lnerr := st.srv.Listen(srvAddr)
	require.NoError(t, lnerr)
	require.NotNil(t, ln)
	go st.Serve(ln)
	return st
}

func (st *srvTester) Serve(ln net.Listener) {
	st.serveErr = st.srv.Serve(ln)
	assert.Equal(st.t, ErrServerClosed, errors.Cause(st.serveErr))
	close(st.serveDone)
}

// client returns a Client dialing the test server.
func (st *srvTester) client() *Client {
	c := NewClient(st.srv.Addr)
	c.DialTimeout = time.Second
	c.Config.Logger = zerolog.Nop()
	return c
}

func (st *srvTester) Close() {
	if atomic.CompareAndSwapInt32(&st.isClosed, 0, 1) {
		st.srv.Close()
		timer := time.NewTimer(testWait)
		defer timer.Stop()
		select {
		case <-st.serveDone:
		case <-timer.C:
			assert.Fail(st.t, "server_test: timeout waiting for server to stop")
		}
	}
}

func Test_Server_simple(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, echoServicer)
	assert.NotEqual(t, srvAddr, st.srv.Addr)
	st.Close()
	assert.Equal(t, ErrServerClosed, errors.Cause(st.srv.Serve(&net.TCPListener{})))
}

func Test_Server_getListenAddr(t *testing.T) {
	srv := &Server{}
	assert.Equal(t, DefaultListenAddr, srv.getListenAddr(""))
	assert.Equal(t, srvAddr, srv.getListenAddr(srvAddr))
}

func Test_Server_support_functions(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, echoServicer)
	defer st.Close()
	em := st.srv.ServeErrors()
	assert.NotNil(t, em)
	assert.Zero(t, st.srv.ActiveMuxers())
	assert.Zero(t, st.srv.LiveOperations())
	assert.Zero(t, st.srv.BytesWritten())
	assert.Zero(t, st.srv.BytesRead())
	st.srv.AddBytesRead(1)
	st.srv.AddBytesWritten(2)
	assert.Equal(t, int64(1), st.srv.BytesRead())
	assert.Equal(t, int64(2), st.srv.BytesWritten())
	stats := st.srv.OperationStats()
	assert.Len(t, stats, len(Outcomes()))
	st.srv.NetLog(true)
	st.srv.NetLog(false)
}

func Test_Server_operations(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, echoServicer)
	defer st.Close()
	c := st.client()
	defer c.Close()

	for i := 0; i < 4; i++ {
		results := newCollector()
		op, err := c.Operate("echo", "ping", true, 0, FullSubscription(results), uuid.New())
		require.NoError(t, err)
		assert.Equal(t, OutcomeCompleted, awaitOutcome(t, op.Context()))
		assert.Equal(t, "ping", results.next(t))
	}
	assert.Eventually(t, func() bool {
		return st.srv.OperationStats()[OutcomeCompleted] == 4 && st.srv.LiveOperations() == 0
	}, testWait, time.Millisecond)
	assert.Equal(t, 1, st.srv.ActiveMuxers())
	assert.Eventually(t, func() bool {
		return st.srv.BytesRead() > 0 && st.srv.BytesWritten() > 0
	}, testWait, time.Millisecond)
	assert.Empty(t, st.srv.ServeErrors())
}

func Test_Server_stats_survive_disconnect(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, echoServicer)
	defer st.Close()
	c := st.client()
	op, err := c.Operate("echo", "x", true, 0, TerminationOnlySubscription(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, awaitOutcome(t, op.Context()))
	assert.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return st.srv.ActiveMuxers() == 0 }, testWait, time.Millisecond)
	assert.Eventually(t, func() bool {
		return st.srv.OperationStats()[OutcomeCompleted] == 1
	}, testWait, time.Millisecond)
}

func Test_Server_Close_fails_operations(t *testing.T) {
	defer leaktest.Check(t)()
	s := newChanServicer()
	st := newSrvTester(t, s)
	c := st.client()
	defer c.Close()
	op, err := c.Operate("wait", nil, false, 0, NoSubscription(), uuid.New())
	require.NoError(t, err)
	call := s.next(t)
	st.Close()
	assert.Equal(t, OutcomeReceptionFailure, awaitOutcome(t, call.ctx))
	assert.Equal(t, OutcomeReceptionFailure, awaitOutcome(t, op.Context()))
	assert.Eventually(t, func() bool {
		return st.srv.OperationStats()[OutcomeReceptionFailure] == 1
	}, testWait, time.Millisecond)
}

func Test_Server_serve_errors(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, echoServicer)
	defer st.Close()
	conn, err := net.Dial("tcp", st.srv.Addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(st.srv.ServeErrors()) == 1 }, testWait, time.Millisecond)
}
