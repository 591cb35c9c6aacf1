package receipt_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlekit/pkg/environment"
	"github.com/dmitrymomot/entitlekit/pkg/receipt"
	"github.com/dmitrymomot/entitlekit/pkg/retry"
)

const receiptOK = `{
  "status": 0,
  "environment": "Production",
  "latest_receipt_info": [
    {
      "product_id": "yearly",
      "transaction_id": "1000",
      "original_transaction_id": "900",
      "purchase_date": "2025-01-10 08:00:00 Etc/GMT",
      "expires_date": "2026-01-10 08:00:00 Etc/GMT"
    },
    {
      "product_id": "yearly",
      "transaction_id": "1100",
      "original_transaction_id": "900",
      "purchase_date": "2026-01-10 08:00:00 Etc/GMT",
      "expires_date": "2027-01-10 08:00:00 Etc/GMT"
    },
    {
      "product_id": "monthly",
      "transaction_id": "1200",
      "original_transaction_id": "1200",
      "purchase_date_ms": "1767225600000",
      "expires_date_ms": "1769904000000"
    }
  ]
}`

func jsonServer(t *testing.T, hits *atomic.Int32, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(prod, sandbox string, opts ...receipt.ClientOption) *receipt.Client {
	opts = append([]receipt.ClientOption{receipt.WithBackoff(retry.Fixed(time.Millisecond))}, opts...)
	return receipt.NewClient(receipt.Config{
		ProductionURL: prod,
		SandboxURL:    sandbox,
		SharedSecret:  "secret",
		Timeout:       2 * time.Second,
		Attempts:      2,
	}, opts...)
}

func TestClient_Verify(t *testing.T) {
	t.Parallel()

	t.Run("selects the latest entry for the product", func(t *testing.T) {
		t.Parallel()
		srv := jsonServer(t, nil, http.StatusOK, receiptOK)
		c := newClient(srv.URL, srv.URL)

		v, err := c.Verify(context.Background(), []byte("receipt"), "yearly")
		require.NoError(t, err)
		assert.Equal(t, "1100", v.TransactionID)
		assert.Equal(t, "900", v.OriginalTransactionID)
		require.NotNil(t, v.ExpiresAt)
		assert.Equal(t, time.Date(2027, 1, 10, 8, 0, 0, 0, time.UTC), *v.ExpiresAt)
		assert.Equal(t, environment.StoreProduction, v.Environment)
		assert.Nil(t, v.RevokedAt)
	})

	t.Run("falls back to millisecond fields", func(t *testing.T) {
		t.Parallel()
		srv := jsonServer(t, nil, http.StatusOK, receiptOK)
		c := newClient(srv.URL, srv.URL)

		v, err := c.Verify(context.Background(), []byte("receipt"), "monthly")
		require.NoError(t, err)
		require.NotNil(t, v.ExpiresAt)
		assert.Equal(t, time.UnixMilli(1769904000000).UTC(), *v.ExpiresAt)
	})

	t.Run("sends the encoded receipt and shared secret", func(t *testing.T) {
		t.Parallel()
		var got map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&got)
			_, _ = w.Write([]byte(receiptOK))
		}))
		t.Cleanup(srv.Close)

		_, err := newClient(srv.URL, srv.URL).Verify(context.Background(), []byte("raw-receipt"), "yearly")
		require.NoError(t, err)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("raw-receipt")), got["receipt-data"])
		assert.Equal(t, "secret", got["password"])
	})

	t.Run("lifetime purchase has no expiry", func(t *testing.T) {
		t.Parallel()
		srv := jsonServer(t, nil, http.StatusOK, `{"status":0,"receipt":{"in_app":[
			{"product_id":"lifetime","transaction_id":"5","purchase_date":"2025-03-01 10:00:00 Etc/GMT"}]}}`)

		v, err := newClient(srv.URL, srv.URL).Verify(context.Background(), []byte("r"), "lifetime")
		require.NoError(t, err)
		assert.Nil(t, v.ExpiresAt)
		assert.Equal(t, "5", v.OriginalTransactionID)
	})

	t.Run("refunded purchase carries revocation date", func(t *testing.T) {
		t.Parallel()
		srv := jsonServer(t, nil, http.StatusOK, `{"status":0,"latest_receipt_info":[
			{"product_id":"yearly","transaction_id":"7","purchase_date_ms":"1735689600000",
			 "expires_date_ms":"1767225600000","cancellation_date_ms":"1736000000000"}]}`)

		v, err := newClient(srv.URL, srv.URL).Verify(context.Background(), []byte("r"), "yearly")
		require.NoError(t, err)
		require.NotNil(t, v.RevokedAt)
	})
}

func TestClient_SandboxFallback(t *testing.T) {
	t.Parallel()

	var prodHits, sandboxHits atomic.Int32
	prod := jsonServer(t, &prodHits, http.StatusOK, `{"status":21007}`)
	sandbox := jsonServer(t, &sandboxHits, http.StatusOK, `{"status":0,"environment":"Sandbox","latest_receipt_info":[
		{"product_id":"yearly","transaction_id":"1","purchase_date_ms":"1735689600000","expires_date_ms":"1767225600000"}]}`)

	v, err := newClient(prod.URL, sandbox.URL).Verify(context.Background(), []byte("r"), "yearly")
	require.NoError(t, err)
	assert.Equal(t, environment.StoreSandbox, v.Environment)
	assert.Equal(t, int32(1), prodHits.Load())
	assert.Equal(t, int32(1), sandboxHits.Load())
}

func TestClient_StrictEnvironment(t *testing.T) {
	t.Parallel()

	prod := jsonServer(t, nil, http.StatusOK, `{"status":21007}`)
	sandbox := jsonServer(t, nil, http.StatusOK, `{"status":0,"environment":"Sandbox","latest_receipt_info":[
		{"product_id":"yearly","transaction_id":"1","purchase_date_ms":"1735689600000","expires_date_ms":"1767225600000"}]}`)

	c := newClient(prod.URL, sandbox.URL, receipt.WithStrictEnvironment(environment.Production))
	_, err := c.Verify(context.Background(), []byte("r"), "yearly")
	assert.ErrorIs(t, err, receipt.ErrVerificationFailed)
	assert.ErrorIs(t, err, receipt.ErrEnvironmentMismatch)
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		product   string
		err       error
		retryable bool
	}{
		{name: "invalid json", status: http.StatusOK, body: `{"status":`, product: "yearly", err: receipt.ErrMalformedResponse},
		{name: "missing status", status: http.StatusOK, body: `{"latest_receipt_info":[]}`, product: "yearly", err: receipt.ErrMalformedResponse},
		{name: "unparseable expiry", status: http.StatusOK, body: `{"status":0,"latest_receipt_info":[{"product_id":"yearly","expires_date":"soon"}]}`, product: "yearly", err: receipt.ErrMalformedResponse},
		{name: "receipt rejected", status: http.StatusOK, body: `{"status":21010}`, product: "yearly", err: receipt.ErrVerificationFailed},
		{name: "production receipt in sandbox", status: http.StatusOK, body: `{"status":21008}`, product: "yearly", err: receipt.ErrVerificationFailed},
		{name: "product missing", status: http.StatusOK, body: receiptOK, product: "lifetime", err: receipt.ErrProductNotInReceipt},
		{name: "client error", status: http.StatusForbidden, body: `{}`, product: "yearly", err: receipt.ErrVerificationFailed},
		{name: "server error", status: http.StatusBadGateway, body: ``, product: "yearly", err: receipt.ErrNetworkFailure, retryable: true},
		{name: "store unavailable", status: http.StatusOK, body: `{"status":21005}`, product: "yearly", err: receipt.ErrNetworkFailure, retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := jsonServer(t, nil, tt.status, tt.body)

			_, err := newClient(srv.URL, srv.URL).Verify(context.Background(), []byte("r"), tt.product)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.retryable, receipt.IsRetryable(err))
		})
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(receiptOK))
	}))
	t.Cleanup(srv.Close)

	_, err := newClient(srv.URL, srv.URL).Verify(context.Background(), []byte("r"), "yearly")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_NoReceipt(t *testing.T) {
	t.Parallel()

	_, err := receipt.NewClient(receipt.Config{}).Verify(context.Background(), nil, "yearly")
	assert.ErrorIs(t, err, receipt.ErrNoReceiptPresent)
	assert.False(t, receipt.IsRetryable(err))
}

func TestClient_Timeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := receipt.NewClient(receipt.Config{
		ProductionURL: srv.URL,
		SandboxURL:    srv.URL,
		Timeout:       50 * time.Millisecond,
		Attempts:      1,
	})
	start := time.Now()
	_, err := c.Verify(context.Background(), []byte("r"), "yearly")
	assert.ErrorIs(t, err, receipt.ErrNetworkFailure)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Cancelled(t *testing.T) {
	t.Parallel()

	srv := jsonServer(t, nil, http.StatusOK, receiptOK)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(srv.URL, srv.URL).Verify(ctx, []byte("r"), "yearly")
	assert.ErrorIs(t, err, receipt.ErrNetworkFailure)
}

func TestClient_BreakerOpens(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := jsonServer(t, &hits, http.StatusBadGateway, ``)
	breaker := retry.NewBreaker(2, 1, time.Hour)
	c := receipt.NewClient(receipt.Config{ProductionURL: srv.URL, SandboxURL: srv.URL, Attempts: 1},
		receipt.WithBreaker(breaker))

	for range 3 {
		_, err := c.Verify(context.Background(), []byte("r"), "yearly")
		assert.ErrorIs(t, err, receipt.ErrNetworkFailure)
	}
	assert.Equal(t, retry.BreakerOpen, breaker.State())
	assert.Equal(t, int32(2), hits.Load())
}
