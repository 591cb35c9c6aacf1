package statemachine

import "fmt"

// Option configures a Definition.
type Option[S, E comparable] func(*Definition[S, E]) error

// TransitionOption configures one transition.
type TransitionOption[S, E comparable] func(*Transition[S, E])

// Define builds a Definition.
func Define[S, E comparable](initial S, opts ...Option[S, E]) (*Definition[S, E], error) {
	d := &Definition[S, E]{
		initial: initial,
		table:   make(map[S]map[E][]Transition[S, E]),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// MustDefine is Define that panics on error.
func MustDefine[S, E comparable](initial S, opts ...Option[S, E]) *Definition[S, E] {
	d, err := Define(initial, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to define state machine: %v", err))
	}
	return d
}

// WithTransition adds a row to the table.
func WithTransition[S, E comparable](from, to S, event E, opts ...TransitionOption[S, E]) Option[S, E] {
	return func(d *Definition[S, E]) error {
		t := Transition[S, E]{From: from, To: to, Event: event}
		for _, opt := range opts {
			opt(&t)
		}
		for _, existing := range d.table[from][event] {
			if existing.To == to && len(existing.Guards) == 0 && len(t.Guards) == 0 {
				return fmt.Errorf("%w: %v -> %v on %v", ErrDuplicateTransition, from, to, event)
			}
		}
		if d.table[from] == nil {
			d.table[from] = make(map[E][]Transition[S, E])
		}
		d.table[from][event] = append(d.table[from][event], t)
		d.order = append(d.order, t)
		return nil
	}
}

// WithListener registers a callback run after every transition, outside the
// machine lock.
func WithListener[S, E comparable](l Listener[S, E]) Option[S, E] {
	return func(d *Definition[S, E]) error {
		if l != nil {
			d.listeners = append(d.listeners, l)
		}
		return nil
	}
}

func WithGuard[S, E comparable](g Guard[S, E]) TransitionOption[S, E] {
	return func(t *Transition[S, E]) {
		if g != nil {
			t.Guards = append(t.Guards, g)
		}
	}
}

func WithAction[S, E comparable](a Action[S, E]) TransitionOption[S, E] {
	return func(t *Transition[S, E]) {
		if a != nil {
			t.Actions = append(t.Actions, a)
		}
	}
}
