// Package metrics exposes Prometheus collectors for the purchase pipeline.
//
// A Collector owns its registry, so several engines (or tests) can coexist in
// one process. All methods are safe on a nil *Collector and do nothing, which
// lets components treat metrics as optional.
package metrics
