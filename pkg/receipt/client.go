package receipt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dmitrymomot/entitlekit/pkg/environment"
	"github.com/dmitrymomot/entitlekit/pkg/logger"
	"github.com/dmitrymomot/entitlekit/pkg/retry"
)

const (
	ProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	SandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
)

// verifyReceipt status codes
const (
	statusOK                = 0
	statusServerUnavailable = 21005
	statusSandboxReceipt    = 21007
	statusProductionReceipt = 21008
	statusDataAccessError   = 21009
)

// Config holds verifyReceipt settings.
type Config struct {
	ProductionURL string        `env:"APPSTORE_VERIFY_URL" envDefault:"https://buy.itunes.apple.com/verifyReceipt"`
	SandboxURL    string        `env:"APPSTORE_SANDBOX_VERIFY_URL" envDefault:"https://sandbox.itunes.apple.com/verifyReceipt"`
	SharedSecret  string        `env:"APPSTORE_SHARED_SECRET"`
	Timeout       time.Duration `env:"RECEIPT_TIMEOUT" envDefault:"10s"`
	Attempts      int           `env:"RECEIPT_ATTEMPTS" envDefault:"2"`
}

// Client verifies receipts with the verifyReceipt endpoint.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *retry.Breaker
	backoff retry.Backoff
	strict  environment.Environment
	log     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(cl *Client) {
		if l != nil {
			cl.log = l
		}
	}
}

// WithBreaker shares a circuit breaker across calls.
func WithBreaker(b *retry.Breaker) ClientOption {
	return func(cl *Client) { cl.breaker = b }
}

func WithBackoff(b retry.Backoff) ClientOption {
	return func(cl *Client) {
		if b != nil {
			cl.backoff = b
		}
	}
}

// WithStrictEnvironment rejects sandbox receipts when env is production.
// Leave it off for apps under App Review, which purchase in sandbox with
// production builds.
func WithStrictEnvironment(env environment.Environment) ClientOption {
	return func(cl *Client) { cl.strict = env }
}

// NewClient creates a verifyReceipt client. Missing URLs fall back to the
// public endpoints and a non-positive timeout to 10s.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	if cfg.ProductionURL == "" {
		cfg.ProductionURL = ProductionURL
	}
	if cfg.SandboxURL == "" {
		cfg.SandboxURL = SandboxURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{},
		breaker: retry.NewBreaker(5, 1, 30*time.Second),
		backoff: retry.DefaultBackoff(),
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type verifyRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password,omitempty"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

// Verify posts payload and extracts the most recent purchase of productID.
// The whole call, sandbox fallback and retries included, is bounded by the
// configured timeout.
func (c *Client) Verify(ctx context.Context, payload []byte, productID string) (Verification, error) {
	if len(payload) == 0 {
		return Verification{}, ErrNoReceiptPresent
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(verifyRequest{
		ReceiptData:            base64.StdEncoding.EncodeToString(payload),
		Password:               c.cfg.SharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return Verification{}, fmt.Errorf("failed to encode receipt request: %w", err)
	}

	resp, err := c.post(ctx, c.cfg.ProductionURL, body)
	if err != nil {
		return Verification{}, err
	}
	if status := resp.Get("status").Int(); status == statusSandboxReceipt {
		c.log.DebugContext(ctx, "sandbox receipt, retrying against sandbox", logger.ProductID(productID))
		if resp, err = c.post(ctx, c.cfg.SandboxURL, body); err != nil {
			return Verification{}, err
		}
	}

	v, err := c.parse(resp, productID)
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			c.log.ErrorContext(ctx, "malformed receipt response", logger.ProductID(productID), logger.Error(err))
		}
		return Verification{}, err
	}
	return v, nil
}

// post sends body to url with retries on transport failures.
func (c *Client) post(ctx context.Context, url string, body []byte) (gjson.Result, error) {
	var out gjson.Result
	err := retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return errors.Join(ErrNetworkFailure, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return errors.Join(ErrNetworkFailure, err)
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: http status %d", ErrNetworkFailure, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: http status %d", ErrVerificationFailed, resp.StatusCode)
		}
		if !gjson.ValidBytes(raw) {
			return fmt.Errorf("%w: invalid json", ErrMalformedResponse)
		}
		out = gjson.ParseBytes(raw)
		if status := out.Get("status").Int(); isTransientStatus(status) {
			return fmt.Errorf("%w: store status %d", ErrNetworkFailure, status)
		}
		return nil
	},
		retry.WithAttempts(c.cfg.Attempts),
		retry.WithBackoff(c.backoff),
		retry.WithBreaker(c.breaker),
		retry.WithRetryIf(IsRetryable),
		retry.OnRetry(func(attempt int, err error) {
			c.log.WarnContext(ctx, "receipt verification retry", slog.Int("attempt", attempt), logger.Error(err))
		}),
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrVerificationFailed), errors.Is(err, ErrNetworkFailure):
			return gjson.Result{}, err
		default:
			// deadline, cancellation or open breaker
			return gjson.Result{}, errors.Join(ErrNetworkFailure, err)
		}
	}
	return out, nil
}

func isTransientStatus(status int64) bool {
	return status == statusServerUnavailable || status == statusDataAccessError ||
		(status >= 21100 && status <= 21199)
}

func (c *Client) parse(resp gjson.Result, productID string) (Verification, error) {
	status := resp.Get("status")
	if !status.Exists() {
		return Verification{}, fmt.Errorf("%w: missing status", ErrMalformedResponse)
	}
	switch code := status.Int(); code {
	case statusOK:
	case statusProductionReceipt:
		return Verification{}, fmt.Errorf("%w: production receipt sent to sandbox", ErrVerificationFailed)
	default:
		return Verification{}, fmt.Errorf("%w: store status %d", ErrVerificationFailed, code)
	}

	env, ok := environment.ParseStore(resp.Get("environment").String())
	if !ok {
		env = environment.StoreProduction
	}
	if c.strict == environment.Production && !c.strict.Accepts(env) {
		return Verification{}, errors.Join(ErrVerificationFailed, ErrEnvironmentMismatch)
	}

	entries := resp.Get("latest_receipt_info")
	if !entries.Exists() {
		entries = resp.Get("receipt.in_app")
	}
	if entries.Exists() && !entries.IsArray() {
		return Verification{}, fmt.Errorf("%w: latest_receipt_info is not an array", ErrMalformedResponse)
	}

	var (
		best    Verification
		found   bool
		bestKey time.Time
	)
	for _, entry := range entries.Array() {
		if entry.Get("product_id").String() != productID {
			continue
		}
		v, err := parseEntry(entry)
		if err != nil {
			return Verification{}, err
		}
		v.Environment = env
		key := v.PurchasedAt
		if v.ExpiresAt != nil {
			key = *v.ExpiresAt
		}
		if !found || key.After(bestKey) {
			best, bestKey, found = v, key, true
		}
	}
	if !found {
		return Verification{}, errors.Join(ErrVerificationFailed, ErrProductNotInReceipt)
	}
	return best, nil
}

func parseEntry(entry gjson.Result) (Verification, error) {
	v := Verification{
		ProductID:             entry.Get("product_id").String(),
		TransactionID:         entry.Get("transaction_id").String(),
		OriginalTransactionID: entry.Get("original_transaction_id").String(),
	}
	if v.OriginalTransactionID == "" {
		v.OriginalTransactionID = v.TransactionID
	}

	purchased, present, ok := entryDate(entry, "purchase_date")
	if present && !ok {
		return Verification{}, fmt.Errorf("%w: unparseable purchase_date", ErrMalformedResponse)
	}
	v.PurchasedAt = purchased

	expires, present, ok := entryDate(entry, "expires_date")
	switch {
	case ok:
		v.ExpiresAt = timePtr(expires)
	case present:
		return Verification{}, fmt.Errorf("%w: unparseable expires_date", ErrMalformedResponse)
	}

	if cancelled, _, ok := entryDate(entry, "cancellation_date"); ok {
		v.RevokedAt = timePtr(cancelled)
	}
	return v, nil
}
