package opmux

import (
	"sync"

	"github.com/rs/zerolog"
)

// endState is the per-End bookkeeping: outcome counters, the number of
// live operations and the pending idle actions.
type endState struct {
	mu          sync.Mutex // guards fields below
	stats       map[Outcome]int
	live        int
	idleActions []func()
	idleMu      sync.Mutex // serializes idle action invocation
	log         zerolog.Logger
}

func newEndState(log zerolog.Logger) *endState {
	return &endState{
		stats: make(map[Outcome]int),
		log:   log,
	}
}

func (s *endState) operationStarted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live++
}

// operationTerminated counts outcome and fires idle actions when the
// last live operation went away.
func (s *endState) operationTerminated(outcome Outcome) {
	s.mu.Lock()
	s.stats[outcome]++
	s.live--
	if s.live < 0 {
		s.mu.Unlock()
		panic("opmux: live operation count went negative")
	}
	var actions []func()
	if s.live == 0 {
		actions = s.idleActions
		s.idleActions = nil
	}
	s.mu.Unlock()
	if len(actions) > 0 {
		go s.runIdleActions(actions)
	}
}

func (s *endState) liveOperations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *endState) operationStats() map[Outcome]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[Outcome]int, len(Outcomes()))
	for _, outcome := range Outcomes() {
		m[outcome] = s.stats[outcome]
	}
	return m
}

// addIdleAction queues action for the next idle transition, or runs it
// promptly if there are no live operations.
func (s *endState) addIdleAction(action func()) {
	s.mu.Lock()
	if s.live > 0 {
		s.idleActions = append(s.idleActions, action)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	go s.runIdleActions([]func(){action})
}

func (s *endState) runIdleActions(actions []func()) {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	for _, action := range actions {
		if err := safely(func() error { action(); return nil }); err != nil {
			s.log.Error().Err(err).Msg("idle action panicked")
		}
	}
}
