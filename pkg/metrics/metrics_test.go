package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlekit/pkg/metrics"
)

func TestCollector_Records(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector("test")
	c.Transaction("purchased")
	c.Transaction("purchased")
	c.Verification(metrics.OutcomeVerified, 20*time.Millisecond)
	c.Grant("yearly")
	c.Finished()
	c.Revocation()
	c.SetPremium(true)

	assert.Equal(t, 1, testutil.CollectAndCount(c.Registry(), "test_entitlement_grants_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(c.Registry(), "test_payment_transactions_total"))

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `test_payment_transactions_total{state="purchased"} 2`)
	assert.Contains(t, out, `test_entitlement_premium 1`)
	assert.Contains(t, out, `test_receipt_verifications_total{outcome="verified"} 1`)
	assert.Contains(t, out, `test_payment_finished_total 1`)
}

func TestCollector_NilIsNoop(t *testing.T) {
	t.Parallel()

	var c *metrics.Collector
	assert.NotPanics(t, func() {
		c.Transaction("failed")
		c.Verification(metrics.OutcomeNetwork, time.Second)
		c.Grant("x")
		c.Finished()
		c.Revocation()
		c.SetPremium(false)
	})
	assert.Nil(t, c.Registry())

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCollector_Middleware(t *testing.T) {
	t.Parallel()

	c := metrics.NewCollector("mw")
	r := chi.NewRouter()
	r.Use(c.Middleware)
	r.Get("/v1/products/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/products/yearly", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	expected := `
# HELP mw_http_requests_total HTTP requests handled.
# TYPE mw_http_requests_total counter
mw_http_requests_total{method="GET",route="/v1/products/{id}",status="418"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "mw_http_requests_total"))
}
