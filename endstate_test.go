package opmux

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func Test_endState_stats(t *testing.T) {
	s := newEndState(zerolog.Nop())
	s.operationStarted()
	s.operationStarted()
	assert.Equal(t, 2, s.liveOperations())
	s.operationTerminated(OutcomeCompleted)
	s.operationTerminated(OutcomeExpired)
	assert.Zero(t, s.liveOperations())
	stats := s.operationStats()
	assert.Len(t, stats, len(Outcomes()))
	assert.Equal(t, 1, stats[OutcomeCompleted])
	assert.Equal(t, 1, stats[OutcomeExpired])
	assert.Equal(t, 0, stats[OutcomeCancelled])
	assert.Panics(t, func() { s.operationTerminated(OutcomeCompleted) })
}

func Test_endState_idle_action_promptly(t *testing.T) {
	s := newEndState(zerolog.Nop())
	ran := make(chan struct{})
	s.addIdleAction(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Error("idle action did not run")
	}
}

func Test_endState_idle_action_waits(t *testing.T) {
	s := newEndState(zerolog.Nop())
	s.operationStarted()
	ran := make(chan int, 3)
	s.addIdleAction(func() { ran <- 1 })
	s.addIdleAction(func() { panic("ignored") })
	s.addIdleAction(func() { ran <- 2 })
	select {
	case <-ran:
		t.Error("idle action ran with a live operation")
	case <-time.After(10 * time.Millisecond):
	}
	s.operationTerminated(OutcomeCancelled)
	assert.Equal(t, 1, <-ran)
	assert.Equal(t, 2, <-ran)

	// actions are one-shot
	s.operationStarted()
	s.operationTerminated(OutcomeCancelled)
	select {
	case <-ran:
		t.Error("idle action ran twice")
	case <-time.After(10 * time.Millisecond):
	}
}
