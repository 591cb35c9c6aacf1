// Package observer runs the persistent transaction listener.
//
// One goroutine consumes the payment queue for the lifetime of the process.
// Every transaction goes through payment.Decide and the resulting effects run
// in order, stopping at the first failure: a transaction is finished only
// after its entitlement has been durably committed, and a failed
// verification leaves it unfinished so that the platform redelivers it on
// the next launch.
//
// Listeners registered with Listen receive an Outcome per handled
// transaction. The purchase orchestrator uses them to correlate the events
// of an attempt by product id.
package observer
