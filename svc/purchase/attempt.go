package purchase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/entitlekit/pkg/logger"
	"github.com/dmitrymomot/entitlekit/pkg/statemachine"
)

// AttemptState is the state of one purchase attempt.
type AttemptState string

const (
	AttemptIdle               AttemptState = "idle"
	AttemptPurchasing         AttemptState = "purchasing"
	AttemptVerifying          AttemptState = "verifying"
	AttemptEntitled           AttemptState = "entitled"
	AttemptVerificationFailed AttemptState = "verification_failed"
	AttemptUserCancelled      AttemptState = "user_cancelled"
	AttemptDeferred           AttemptState = "deferred"
	AttemptFailed             AttemptState = "failed"
)

type attemptEvent string

const (
	eventBuy       attemptEvent = "buy"
	eventPaid      attemptEvent = "paid"
	eventVerified  attemptEvent = "verified"
	eventRejected  attemptEvent = "rejected"
	eventCancelled attemptEvent = "cancelled"
	eventDeferred  attemptEvent = "deferred"
	eventFailed    attemptEvent = "failed"
	eventAbort     attemptEvent = "abort"
	eventReset     attemptEvent = "reset"
)

type attemptTransition = statemachine.Option[AttemptState, attemptEvent]

func transition(from, to AttemptState, ev attemptEvent) attemptTransition {
	return statemachine.WithTransition[AttemptState, attemptEvent](from, to, ev)
}

var attemptFlow = statemachine.MustDefine(AttemptIdle,
	transition(AttemptIdle, AttemptPurchasing, eventBuy),
	transition(AttemptPurchasing, AttemptVerifying, eventPaid),
	transition(AttemptPurchasing, AttemptUserCancelled, eventCancelled),
	transition(AttemptPurchasing, AttemptDeferred, eventDeferred),
	transition(AttemptPurchasing, AttemptFailed, eventFailed),
	transition(AttemptPurchasing, AttemptIdle, eventAbort),
	transition(AttemptVerifying, AttemptEntitled, eventVerified),
	transition(AttemptVerifying, AttemptVerificationFailed, eventRejected),
	transition(AttemptVerifying, AttemptIdle, eventAbort),
	transition(AttemptVerificationFailed, AttemptIdle, eventReset),
	transition(AttemptUserCancelled, AttemptIdle, eventReset),
	transition(AttemptDeferred, AttemptIdle, eventReset),
	transition(AttemptFailed, AttemptIdle, eventReset),
)

type attempt struct {
	id      string
	machine *statemachine.Machine[AttemptState, attemptEvent]
	log     *slog.Logger
}

func newAttempt(productID string, log *slog.Logger) *attempt {
	id := uuid.NewString()
	return &attempt{
		id:      id,
		machine: attemptFlow.New(),
		log:     log.With(logger.AttemptID(id), logger.ProductID(productID)),
	}
}

// fire applies the events in order and stops at the first one the flow
// rejects.
func (a *attempt) fire(ctx context.Context, events ...attemptEvent) error {
	for _, ev := range events {
		from := a.machine.Current()
		if err := a.machine.Fire(ctx, ev, nil); err != nil {
			a.log.ErrorContext(ctx, "invalid purchase attempt transition",
				slog.String("from", string(from)),
				slog.String("event", string(ev)),
				logger.Error(err),
			)
			return errors.Join(ErrInvalidAttempt, err)
		}
		a.log.DebugContext(ctx, "purchase attempt transition",
			slog.String("from", string(from)),
			slog.String("to", string(a.machine.Current())),
		)
	}
	return nil
}

func (a *attempt) state() AttemptState { return a.machine.Current() }

func (a *attempt) history() []AttemptState { return a.machine.History() }
