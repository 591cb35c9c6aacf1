// Package broadcast fans typed values out to any number of subscribers.
//
// MemoryBroadcaster never blocks the publisher. By default a subscriber whose
// buffer is full is dropped. With WithConflation the oldest pending value is
// replaced instead, which suits state streams where only the newest value
// matters. WithReplay hands the last published value to every new
// subscriber so that late readers start from the current state.
//
//	b := broadcast.NewMemoryBroadcaster[State](1, broadcast.WithReplay(), broadcast.WithConflation())
//	sub := b.Subscribe(ctx)
//	for msg := range sub.Receive(ctx) {
//	    render(msg.Data)
//	}
package broadcast
