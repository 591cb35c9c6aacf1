// Package purchase is the subscription orchestrator: the façade the rest of
// the application talks to.
//
// It sequences the product catalog, the payment queue, the transaction
// observer and the entitlement store:
//
//   - Purchase starts a payment and waits for the observer to report the
//     terminal outcome of that attempt, correlated by product id.
//   - RefreshEntitlements reconciles the platform's current purchases into
//     the store and revokes lapsed records.
//   - State and Subscribe expose the derived entitlement state.
//
// # Attempt lifecycle
//
// Every call to Purchase drives its own small state machine:
//
//	idle -> purchasing -> verifying -> entitled
//	                      verifying -> verification_failed -> idle
//	        purchasing -> user_cancelled -> idle
//	        purchasing -> deferred -> idle
//	        purchasing -> failed -> idle
//
// A cancelled context abandons the wait and leaves the transaction with the
// platform, which delivers it again on the next launch.
//
// # Usage
//
//	svc := purchase.NewService(products, queue, obs, store,
//		purchase.WithLogger(log),
//		purchase.WithMetrics(collector),
//	)
//	if err := svc.Start(ctx); err != nil {
//		return err
//	}
//	res, err := svc.Purchase(ctx, "SpeakLife1YR29")
//
// The service is constructed once at startup and injected where needed.
package purchase
