// Package async runs functions in goroutines and collects their results.
//
// Go starts one computation and returns a Future. Settle waits for a set of
// futures and keeps every outcome, so one failure does not hide the others.
// Map fans a slice out over at most limit goroutines:
//
//	results := async.Map(ctx, ids, 4, func(ctx context.Context, id string) (Verification, error) {
//	    return verifier.Verify(ctx, payload, id)
//	})
//	for _, r := range results {
//	    if r.Err != nil { ... }
//	}
package async
