// Package analytics publishes purchase events.
//
// KafkaSink writes JSON events keyed by original transaction id so that all
// events of a purchase land on one partition. Noop discards events and
// MemorySink keeps them for inspection.
package analytics
