package ratelimiter

import (
	"net"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the bucket key from a request. An empty key skips the
// limit.
type KeyFunc func(r *http.Request) string

// ByPath keys by method and path, so each endpoint has its own budget.
func ByPath(r *http.Request) string { return r.Method + " " + r.URL.Path }

// ByRemoteHost keys by the client host without the port.
func ByRemoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Composite joins the non-empty keys of fns.
func Composite(fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		var key string
		for _, fn := range fns {
			part := fn(r)
			switch {
			case part == "":
			case key == "":
				key = part
			default:
				key += "|" + part
			}
		}
		return key
	}
}

type middlewareConfig struct {
	denied  func(w http.ResponseWriter, r *http.Request, res Result)
	onError func(w http.ResponseWriter, r *http.Request, err error)
	now     func() time.Time
}

type MiddlewareOption func(*middlewareConfig)

// WithDeniedHandler writes the response for a denied request. Headers are
// already set.
func WithDeniedHandler(fn func(w http.ResponseWriter, r *http.Request, res Result)) MiddlewareOption {
	return func(c *middlewareConfig) {
		if fn != nil {
			c.denied = fn
		}
	}
}

// WithErrorHandler is called when the store fails. The default lets the
// request through.
func WithErrorHandler(fn func(w http.ResponseWriter, r *http.Request, err error)) MiddlewareOption {
	return func(c *middlewareConfig) { c.onError = fn }
}

// Middleware limits requests with l.
func Middleware(l *Limiter, keyFunc KeyFunc, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		denied: func(w http.ResponseWriter, _ *http.Request, _ Result) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			res, err := l.Allow(r.Context(), key)
			if err != nil {
				if cfg.onError != nil {
					cfg.onError(w, r, err)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(0, res.Remaining)))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !res.Allowed() {
				if wait := res.RetryAfter(cfg.now()); wait > 0 {
					h.Set("Retry-After", strconv.Itoa(int((wait+time.Second-1)/time.Second)))
				}
				cfg.denied(w, r, res)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
