package payment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type decoderFunc func(ctx context.Context, signed string) (Notification, error)

func (f decoderFunc) DecodeNotification(ctx context.Context, signed string) (Notification, error) {
	return f(ctx, signed)
}

func (q *NotificationQueue) waiterCount(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiters[id])
}

func TestNotificationQueue_ReleasesUnacknowledgedWaiters(t *testing.T) {
	t.Parallel()

	dec := decoderFunc(func(context.Context, string) (Notification, error) {
		return Notification{
			Type:              "DID_RENEW",
			ProductID:         "yearly",
			TransactionID:     "t-9",
			SignedTransaction: "header.claims.sig",
		}, nil
	})

	t.Run("ack timeout", func(t *testing.T) {
		t.Parallel()

		q := NewNotificationQueue(dec, WithAckTimeout(10*time.Millisecond))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		events, err := q.Events(ctx)
		require.NoError(t, err)
		go func() {
			for range events {
				// never finished
			}
		}()

		for range 3 {
			rec := httptest.NewRecorder()
			q.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"signedPayload":"s"}`)))
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		}
		assert.Zero(t, q.waiterCount("t-9"))
	})

	t.Run("request cancelled", func(t *testing.T) {
		t.Parallel()

		q := NewNotificationQueue(dec, WithAckTimeout(time.Minute))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		events, err := q.Events(ctx)
		require.NoError(t, err)

		reqCtx, cancelReq := context.WithCancel(context.Background())
		go func() {
			<-events
			cancelReq()
		}()

		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"signedPayload":"s"}`)).WithContext(reqCtx)
		q.ServeHTTP(httptest.NewRecorder(), req)
		assert.Zero(t, q.waiterCount("t-9"))
	})
}
