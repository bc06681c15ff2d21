package opmux

import (
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unusedAddr returns a local address nothing listens on.
func unusedAddr(t *testing.T) string {
	ln, err := net.Listen("tcp", srvAddr)
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func Test_Client_NewClient(t *testing.T) {
	c := NewClient(unusedAddr(t))
	assert.NotNil(t, c)
	assert.Equal(t, DefaultDialTimeout, c.DialTimeout)
	assert.Zero(t, c.LiveOperations())
	assert.Zero(t, c.Latency())
	assert.Len(t, c.OperationStats(), len(Outcomes()))
	assert.NoError(t, c.Close())
}

func Test_Client_no_answer(t *testing.T) {
	c := NewClient(unusedAddr(t))
	defer c.Close()
	c.DialTimeout = time.Millisecond * 100
	op, err := c.Operate("echo", nil, true, 0, NoSubscription(), uuid.Nil)
	assert.Nil(t, op)
	assert.Error(t, err)
	assert.NotContains(t, err.Error(), "no response for")
}

func Test_Client_server_seems_offline(t *testing.T) {
	c := NewClient(unusedAddr(t))
	defer c.Close()
	assert.Error(t, c.offlineError())
	c.DialTimeout = time.Millisecond * 100
	c.firstAttempt = time.Now().Add(-time.Second)
	op, err := c.Operate("echo", nil, true, 0, NoSubscription(), uuid.Nil)
	assert.Nil(t, op)
	assert.Error(t, err)
	op, err = c.Operate("echo", nil, true, 0, NoSubscription(), uuid.Nil)
	assert.Nil(t, op)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "no response for")
	}
}

func Test_Client_idle_action_without_link(t *testing.T) {
	defer leaktest.Check(t)()
	c := NewClient(unusedAddr(t))
	ran := make(chan struct{})
	c.AddIdleAction(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(testWait):
		t.Error("idle action did not run")
	}
}

func Test_Client_operate_and_close(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, echoServicer)
	defer st.Close()
	c := st.client()

	results := newCollector()
	op, err := c.Operate("echo", "a", false, 0, FullSubscription(results), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 1, c.LiveOperations())
	assert.NoError(t, op.Consumer().Consume("b"))
	assert.NoError(t, op.Consumer().ConsumeAndTerminate("c"))
	assert.Equal(t, OutcomeCompleted, awaitOutcome(t, op.Context()))
	assert.Equal(t, []interface{}{"a", "b", "c"}, []interface{}{results.next(t), results.next(t), results.next(t)})
	awaitIdle(t, c)
	assert.Zero(t, c.LiveOperations())
	assert.Equal(t, 1, c.OperationStats()[OutcomeCompleted])
	assert.NoError(t, c.Close())
}

func Test_Client_redial(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, echoServicer)
	defer st.Close()
	c := st.client()
	defer c.Close()

	op, err := c.Operate("echo", "x", true, 0, TerminationOnlySubscription(), uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, awaitOutcome(t, op.Context()))

	// drop the link from the server side
	st.srv.Close()
	<-st.serveDone
	st2 := newSrvTester(t, echoServicer)
	defer st2.Close()
	c.mu.Lock()
	c.Addr = st2.srv.Addr
	mux := c.links[0].mux
	c.mu.Unlock()
	<-mux.Done()

	op, err = c.Operate("echo", "y", true, 0, TerminationOnlySubscription(), uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, awaitOutcome(t, op.Context()))
	awaitIdle(t, c)
	assert.Equal(t, 2, c.OperationStats()[OutcomeCompleted])
	c.mu.Lock()
	assert.Len(t, c.links, 1)
	c.mu.Unlock()
}

func Test_Client_Latency(t *testing.T) {
	defer leaktest.Check(t)()
	st := newSrvTester(t, echoServicer)
	defer st.Close()
	c := st.client()
	defer c.Close()
	op, err := c.Operate("echo", nil, true, 0, NoSubscription(), uuid.Nil)
	require.NoError(t, err)
	awaitOutcome(t, op.Context())
	assert.Eventually(t, func() bool { return c.Latency() > 0 }, testWait, time.Millisecond*10)
}
