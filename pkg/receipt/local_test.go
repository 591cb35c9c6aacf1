package receipt_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/entitlekit/pkg/catalog"
	"github.com/dmitrymomot/entitlekit/pkg/receipt"
)

func TestLocalVerifier(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	periods := map[string]catalog.Period{
		"monthly":  catalog.Monthly,
		"yearly":   catalog.Yearly,
		"lifetime": catalog.Lifetime,
	}
	v := receipt.NewLocalVerifier(func(id string) (catalog.Period, bool) {
		p, ok := periods[id]
		return p, ok
	}, func() time.Time { return now })

	tests := []struct {
		product string
		expires *time.Time
	}{
		{product: "monthly", expires: ptr(now.AddDate(0, 1, 0))},
		{product: "yearly", expires: ptr(now.AddDate(1, 0, 0))},
		{product: "lifetime"},
	}
	for _, tt := range tests {
		t.Run(tt.product, func(t *testing.T) {
			t.Parallel()
			got, err := v.Verify(context.Background(), []byte("receipt:42"), tt.product)
			require.NoError(t, err)
			assert.Equal(t, "42", got.OriginalTransactionID)
			assert.Equal(t, tt.expires, got.ExpiresAt)
		})
	}

	_, err := v.Verify(context.Background(), []byte("receipt:42"), "unknown")
	assert.ErrorIs(t, err, receipt.ErrProductNotInReceipt)

	_, err = v.Verify(context.Background(), nil, "monthly")
	assert.ErrorIs(t, err, receipt.ErrNoReceiptPresent)
}

func ptr(t time.Time) *time.Time { return &t }
