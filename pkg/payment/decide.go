package payment

// Effect is one step the observer performs for a transaction.
type Effect string

const (
	EffectVerify Effect = "verify"
	EffectCommit Effect = "commit"
	EffectFinish Effect = "finish"
	EffectAlert  Effect = "alert"
)

// Decision is the outcome of the transition table. Effects run in order and
// stop at the first failure, so finish never follows a failed verify or
// commit. Terminal marks states that end a purchase attempt.
type Decision struct {
	Effects  []Effect
	Terminal bool
}

// Has reports whether e is part of the decision.
func (d Decision) Has(e Effect) bool {
	for _, x := range d.Effects {
		if x == e {
			return true
		}
	}
	return false
}

// Decide maps a transaction to the effects it requires. entitling reports
// whether a restored product id may grant entitlement.
func Decide(tx Transaction, entitling func(productID string) bool) Decision {
	switch tx.State {
	case StatePurchased:
		return Decision{Effects: []Effect{EffectVerify, EffectCommit, EffectFinish}, Terminal: true}
	case StateRestored:
		if entitling != nil && entitling(tx.ProductID) {
			return Decision{Effects: []Effect{EffectVerify, EffectCommit, EffectFinish}, Terminal: true}
		}
		return Decision{Effects: []Effect{EffectFinish}, Terminal: true}
	case StateFailed:
		if tx.ErrorCode == ErrorUserCancelled {
			return Decision{Effects: []Effect{EffectFinish}, Terminal: true}
		}
		return Decision{Effects: []Effect{EffectAlert, EffectFinish}, Terminal: true}
	default:
		// purchasing and deferred wait for a later event; deferred is
		// never finished
		return Decision{}
	}
}
