package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// Guard decides at fire time whether a transition may be taken.
type Guard[S, E comparable] func(ctx context.Context, from S, event E, data any) bool

// Action runs a side effect before the state changes. An error aborts the
// transition.
type Action[S, E comparable] func(ctx context.Context, from, to S, event E, data any) error

// Transition is a single row of the table.
type Transition[S, E comparable] struct {
	From    S
	To      S
	Event   E
	Guards  []Guard[S, E]
	Actions []Action[S, E]
}

// Listener observes every completed transition.
type Listener[S, E comparable] func(from, to S, event E)

// Definition is an immutable transition table with an initial state.
type Definition[S, E comparable] struct {
	initial   S
	table     map[S]map[E][]Transition[S, E]
	order     []Transition[S, E]
	listeners []Listener[S, E]
}

// New starts a machine in the initial state.
func (d *Definition[S, E]) New() *Machine[S, E] {
	return &Machine[S, E]{def: d, current: d.initial, history: []S{d.initial}}
}

// Initial returns the initial state.
func (d *Definition[S, E]) Initial() S { return d.initial }

// Transitions returns the table rows in declaration order.
func (d *Definition[S, E]) Transitions() []Transition[S, E] {
	out := make([]Transition[S, E], len(d.order))
	copy(out, d.order)
	return out
}

// Machine is a running instance of a Definition. Safe for concurrent use.
type Machine[S, E comparable] struct {
	def     *Definition[S, E]
	current S
	history []S
	mu      sync.Mutex
}

func (m *Machine[S, E]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns every state visited, starting with the initial one.
func (m *Machine[S, E]) History() []S {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]S, len(m.history))
	copy(out, m.history)
	return out
}

// Fire applies event. It returns *ErrNoTransitionAvailable when the table has
// no row for the current state and event, and *ErrTransitionRejected when
// every candidate row was blocked by a guard.
func (m *Machine[S, E]) Fire(ctx context.Context, event E, data any) error {
	m.mu.Lock()
	from := m.current
	t, err := m.def.match(ctx, from, event, data)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	for _, action := range t.Actions {
		if err := action(ctx, from, t.To, event, data); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("action failed: %w", err)
		}
	}
	m.current = t.To
	m.history = append(m.history, t.To)
	m.mu.Unlock()

	for _, l := range m.def.listeners {
		l(from, t.To, event)
	}
	return nil
}

// CanFire reports whether Fire would find a transition. Actions are not run.
func (m *Machine[S, E]) CanFire(ctx context.Context, event E, data any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.def.match(ctx, m.current, event, data)
	return err == nil
}

// Reset returns the machine to the initial state and clears its history.
func (m *Machine[S, E]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.def.initial
	m.history = []S{m.def.initial}
}

func (d *Definition[S, E]) match(ctx context.Context, from S, event E, data any) (Transition[S, E], error) {
	candidates := d.table[from][event]
	if len(candidates) == 0 {
		return Transition[S, E]{}, &ErrNoTransitionAvailable{State: fmt.Sprint(from), Event: fmt.Sprint(event)}
	}
next:
	for _, t := range candidates {
		for _, g := range t.Guards {
			if !g(ctx, from, event, data) {
				continue next
			}
		}
		return t, nil
	}
	return Transition[S, E]{}, &ErrTransitionRejected{State: fmt.Sprint(from), Event: fmt.Sprint(event)}
}
