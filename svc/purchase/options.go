package purchase

import (
	"log/slog"
	"time"

	"github.com/dmitrymomot/entitlekit/pkg/metrics"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*service)

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics drives the premium gauge from the published state.
func WithMetrics(m *metrics.Collector) ServiceOption {
	return func(s *service) { s.metrics = m }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRefreshConcurrency bounds the verifications run in parallel by
// RefreshEntitlements. Default 4.
func WithRefreshConcurrency(n int) ServiceOption {
	return func(s *service) {
		if n > 0 {
			s.refreshLimit = n
		}
	}
}
