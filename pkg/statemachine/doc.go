// Package statemachine implements small finite state machines over
// comparable state and event types.
//
// A Definition holds the transition table and is built once with options.
// It is immutable and may be shared. Each lifecycle (for example one purchase
// attempt) gets its own Machine from Definition.New:
//
//	def := statemachine.MustDefine[Phase, Signal](Idle,
//	    statemachine.WithTransition(Idle, Purchasing, Start),
//	    statemachine.WithTransition(Purchasing, Verifying, Paid),
//	)
//	m := def.New()
//	if err := m.Fire(ctx, Start, nil); err != nil { ... }
//
// Several transitions may share the same source state and event. The first
// whose guards pass wins, so declaration order is priority order. Actions run
// before the state changes, and a failing action leaves the machine where it
// was.
package statemachine
