package phxredux

import (
	"sync"
)

// Reducer folds an action into the state. It must not mutate its input.
type Reducer[S any] func(state S, action Action) S

// MiddlewareFunc intercepts an action before it reaches the reducer.
// dispatch re-enters the store from the top of the chain, next hands the
// action to the rest of the chain.
type MiddlewareFunc func(dispatch Dispatch, action Action, next Dispatch)

// Store is a minimal unidirectional state container. Reducer application
// is serialised; middleware runs outside the lock and may dispatch
// reentrantly.
type Store[S any] struct {
	mu          sync.RWMutex
	state       S
	reducer     Reducer[S]
	middleware  []MiddlewareFunc
	subMu       sync.Mutex
	subscribers map[int]func(S)
	nextSub     int
}

func NewStore[S any](reducer Reducer[S], initial S, middleware ...MiddlewareFunc) *Store[S] {
	handlers := make([]MiddlewareFunc, len(middleware))
	copy(handlers, middleware)

	return &Store[S]{
		state:       initial,
		reducer:     reducer,
		middleware:  handlers,
		subscribers: make(map[int]func(S)),
	}
}

// Dispatch runs action through the middleware chain and the reducer.
func (s *Store[S]) Dispatch(action Action) {
	var execute func(index int, action Action)
	execute = func(index int, action Action) {
		if index >= len(s.middleware) {
			s.reduce(action)
			return
		}
		next := func(action Action) {
			execute(index+1, action)
		}
		s.middleware[index](s.Dispatch, action, next)
	}
	execute(0, action)
}

func (s *Store[S]) GetState() S {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Subscribe registers a listener called with the new state after every
// reduced action. The returned function removes it.
func (s *Store[S]) Subscribe(listener func(S)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = listener
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()

		delete(s.subscribers, id)
	}
}

func (s *Store[S]) reduce(action Action) {
	s.mu.Lock()
	s.state = s.reducer(s.state, action)
	state := s.state
	s.mu.Unlock()

	s.subMu.Lock()
	listeners := make([]func(S), 0, len(s.subscribers))
	for _, l := range s.subscribers {
		listeners = append(listeners, l)
	}
	s.subMu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}
