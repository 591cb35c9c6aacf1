// Package payment models the platform payment queue.
//
// A Transaction moves through purchasing, deferred, purchased, failed and
// restored states. Decide is the pure transition table: given a transaction
// it returns the ordered effects to perform (verify, commit, finish, alert).
// Executing the effects is the observer's job; keeping the table pure makes
// every state testable without a live queue.
//
// Queue abstracts the transport. MemoryQueue simulates a device queue that
// redelivers unfinished transactions on every subscription.
// NotificationQueue receives App Store Server Notifications over HTTP and
// holds each response until the transaction is finished, so a crash or a
// verification failure turns into a redelivery by the store.
package payment
