package payment_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlekit/pkg/payment"
)

type mockDecoder struct {
	mock.Mock
}

func (m *mockDecoder) DecodeNotification(ctx context.Context, signed string) (payment.Notification, error) {
	args := m.Called(ctx, signed)
	return args.Get(0).(payment.Notification), args.Error(1)
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/appstore", strings.NewReader(body))
	h.ServeHTTP(rec, req)
	return rec
}

var renewal = payment.Notification{
	ID:                    "n-1",
	Type:                  "DID_RENEW",
	ProductID:             "yearly",
	TransactionID:         "t-2",
	OriginalTransactionID: "t-1",
	SignedTransaction:     "header.claims.sig",
}

func TestNotificationQueue_AckAfterFinish(t *testing.T) {
	t.Parallel()

	dec := &mockDecoder{}
	dec.On("DecodeNotification", mock.Anything, "signed").Return(renewal, nil)
	q := payment.NewNotificationQueue(dec, payment.WithAckTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := q.Events(ctx)
	require.NoError(t, err)

	go func() {
		tx := <-events
		_ = q.Finish(ctx, tx)
	}()

	rec := post(q, `{"signedPayload":"signed"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	current, err := q.CurrentTransactions(ctx)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, "t-1", current[0].OriginalTransactionID)
	assert.Equal(t, []byte("header.claims.sig"), current[0].Payload)
	dec.AssertExpectations(t)
}

func TestNotificationQueue_UnacknowledgedIsRetried(t *testing.T) {
	t.Parallel()

	dec := &mockDecoder{}
	dec.On("DecodeNotification", mock.Anything, "signed").Return(renewal, nil)
	q := payment.NewNotificationQueue(dec, payment.WithAckTimeout(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := q.Events(ctx)
	require.NoError(t, err)

	got := make(chan payment.Transaction, 1)
	go func() { got <- <-events }()

	rec := post(q, `{"signedPayload":"signed"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	tx := <-got
	assert.Equal(t, payment.StatePurchased, tx.State)
}

func TestNotificationQueue_Rejections(t *testing.T) {
	t.Parallel()

	dec := &mockDecoder{}
	dec.On("DecodeNotification", mock.Anything, "bad").Return(payment.Notification{}, errors.New("bad signature"))
	dec.On("DecodeNotification", mock.Anything, "test").Return(payment.Notification{Type: "TEST"}, nil)
	dec.On("DecodeNotification", mock.Anything, "signed").Return(renewal, nil)
	q := payment.NewNotificationQueue(dec)

	assert.Equal(t, http.StatusBadRequest, post(q, `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, post(q, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(q, `{"signedPayload":"bad"}`).Code)
	assert.Equal(t, http.StatusOK, post(q, `{"signedPayload":"test"}`).Code)
	assert.Equal(t, http.StatusServiceUnavailable, post(q, `{"signedPayload":"signed"}`).Code, "no observer listening")
}

func TestNotificationQueue_ServerSide(t *testing.T) {
	t.Parallel()

	q := payment.NewNotificationQueue(&mockDecoder{})
	assert.False(t, q.CanMakePayments())
	assert.ErrorIs(t, q.Add(context.Background(), "yearly"), payment.ErrPurchaseUnsupported)
	assert.Panics(t, func() { payment.NewNotificationQueue(nil) })
}
