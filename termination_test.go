package opmux

import (
	"sync"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func Test_termination_assign_once(t *testing.T) {
	term := makeTermination()
	assert.True(t, term.isActive())
	cause := errors.New("first")
	assert.True(t, term.assign(OutcomeCancelled, cause))
	assert.False(t, term.assign(OutcomeExpired, nil))
	assert.False(t, term.isActive())
	outcome, err := term.result()
	assert.Equal(t, OutcomeCancelled, outcome)
	assert.Equal(t, cause, err)
	select {
	case <-term.done:
	default:
		t.Error("done not closed")
	}
}

func Test_termination_concurrent_assign(t *testing.T) {
	defer leaktest.Check(t)()
	term := makeTermination()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, outcome := range Outcomes() {
		wg.Add(1)
		go func(outcome Outcome) {
			defer wg.Done()
			if term.assign(outcome, nil) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(outcome)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func Test_termination_callbacks_in_order(t *testing.T) {
	term := makeTermination()
	var got []int
	run := func(cb func(Outcome), outcome Outcome) { cb(outcome) }
	for i := 0; i < 3; i++ {
		i := i
		assert.False(t, term.add(func(Outcome) { got = append(got, i) }))
	}
	assert.True(t, term.assign(OutcomeCompleted, nil))
	term.drain(run)
	assert.Equal(t, []int{0, 1, 2}, got)

	// added after termination, the caller drains
	var late Outcome
	assert.True(t, term.add(func(o Outcome) { late = o }))
	term.drain(run)
	assert.Equal(t, OutcomeCompleted, late)
}

func Test_termination_callback_adds_callback(t *testing.T) {
	term := makeTermination()
	run := func(cb func(Outcome), outcome Outcome) { cb(outcome) }
	assert.True(t, term.assign(OutcomeExpired, nil))
	term.drain(run)
	var got []string
	assert.True(t, term.add(func(Outcome) {
		got = append(got, "outer")
		// queued behind us, drained by the same loop
		assert.False(t, term.add(func(Outcome) { got = append(got, "inner") }))
	}))
	term.drain(run)
	assert.Equal(t, []string{"outer", "inner"}, got)
}
