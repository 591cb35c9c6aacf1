package receipt

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dmitrymomot/entitlekit/pkg/environment"
	"github.com/dmitrymomot/entitlekit/pkg/logger"
	"github.com/dmitrymomot/entitlekit/pkg/payment"
)

// JWSConfig holds signed transaction verification settings.
type JWSConfig struct {
	BundleID     string `env:"APPSTORE_BUNDLE_ID"`
	RootCertPath string `env:"APPSTORE_ROOT_CERT"`
}

type transactionClaims struct {
	jwt.RegisteredClaims
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	Type                  string `json:"type"`
	Environment           string `json:"environment"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate,omitempty"`
	RevocationDate        int64  `json:"revocationDate,omitempty"`
}

type notificationClaims struct {
	jwt.RegisteredClaims
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype,omitempty"`
	NotificationUUID string           `json:"notificationUUID"`
	Data             notificationData `json:"data"`
}

type notificationData struct {
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
}

// JWSVerifier verifies App Store signed transactions and notifications.
type JWSVerifier struct {
	roots    *x509.CertPool
	bundleID string
	strict   environment.Environment
	now      func() time.Time
	log      *slog.Logger
}

// JWSOption configures a JWSVerifier.
type JWSOption func(*JWSVerifier)

// WithJWSClock sets the time used to validate certificate lifetimes.
func WithJWSClock(now func() time.Time) JWSOption {
	return func(v *JWSVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

func WithJWSLogger(l *slog.Logger) JWSOption {
	return func(v *JWSVerifier) {
		if l != nil {
			v.log = l
		}
	}
}

// WithJWSStrictEnvironment rejects sandbox transactions when env is
// production.
func WithJWSStrictEnvironment(env environment.Environment) JWSOption {
	return func(v *JWSVerifier) { v.strict = env }
}

// NewJWSVerifier panics when roots is nil. An empty bundleID disables the
// bundle check.
func NewJWSVerifier(roots *x509.CertPool, bundleID string, opts ...JWSOption) *JWSVerifier {
	if roots == nil {
		panic("receipt: root certificate pool is required")
	}
	v := &JWSVerifier{
		roots:    roots,
		bundleID: bundleID,
		now:      time.Now,
		log:      logger.Discard(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// LoadRoots reads PEM or DER certificates into a pool.
func LoadRoots(paths ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read root certificate: %w", err)
		}
		if block, _ := pem.Decode(data); block != nil {
			data = block.Bytes
		}
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse root certificate %s: %w", path, err)
		}
		pool.AddCert(cert)
	}
	return pool, nil
}

// Verify checks a signed transaction for productID.
func (v *JWSVerifier) Verify(ctx context.Context, payload []byte, productID string) (Verification, error) {
	if len(payload) == 0 {
		return Verification{}, ErrNoReceiptPresent
	}
	if err := ctx.Err(); err != nil {
		return Verification{}, errors.Join(ErrNetworkFailure, err)
	}

	claims, err := v.transaction(string(payload))
	if err != nil {
		v.log.WarnContext(ctx, "signed transaction rejected", logger.ProductID(productID), logger.Error(err))
		return Verification{}, err
	}
	if claims.ProductID != productID {
		return Verification{}, errors.Join(ErrVerificationFailed, ErrProductNotInReceipt)
	}

	env, _ := environment.ParseStore(claims.Environment)
	if v.strict == environment.Production && !v.strict.Accepts(env) {
		return Verification{}, errors.Join(ErrVerificationFailed, ErrEnvironmentMismatch)
	}

	out := Verification{
		ProductID:             claims.ProductID,
		TransactionID:         claims.TransactionID,
		OriginalTransactionID: claims.OriginalTransactionID,
		PurchasedAt:           time.UnixMilli(claims.PurchaseDate).UTC(),
		Environment:           env,
	}
	if out.OriginalTransactionID == "" {
		out.OriginalTransactionID = out.TransactionID
	}
	if claims.ExpiresDate > 0 {
		out.ExpiresAt = timePtr(time.UnixMilli(claims.ExpiresDate).UTC())
	}
	if claims.RevocationDate > 0 {
		out.RevokedAt = timePtr(time.UnixMilli(claims.RevocationDate).UTC())
	}
	return out, nil
}

// DecodeNotification verifies a notification signedPayload and the signed
// transaction inside it.
func (v *JWSVerifier) DecodeNotification(ctx context.Context, signedPayload string) (payment.Notification, error) {
	var claims notificationClaims
	if err := v.parse(signedPayload, &claims); err != nil {
		return payment.Notification{}, err
	}
	if v.bundleID != "" && claims.Data.BundleID != v.bundleID {
		return payment.Notification{}, fmt.Errorf("%w: bundle %q", ErrVerificationFailed, claims.Data.BundleID)
	}

	n := payment.Notification{
		ID:                claims.NotificationUUID,
		Type:              claims.NotificationType,
		Subtype:           claims.Subtype,
		Environment:       claims.Data.Environment,
		SignedTransaction: claims.Data.SignedTransactionInfo,
	}
	if n.SignedTransaction == "" {
		return n, nil
	}

	tx, err := v.transaction(n.SignedTransaction)
	if err != nil {
		v.log.WarnContext(ctx, "notification transaction rejected", logger.Error(err))
		return payment.Notification{}, err
	}
	n.ProductID = tx.ProductID
	n.TransactionID = tx.TransactionID
	n.OriginalTransactionID = tx.OriginalTransactionID
	n.PurchasedAt = time.UnixMilli(tx.PurchaseDate).UTC()
	return n, nil
}

func (v *JWSVerifier) transaction(signed string) (transactionClaims, error) {
	var claims transactionClaims
	if err := v.parse(signed, &claims); err != nil {
		return transactionClaims{}, err
	}
	if v.bundleID != "" && claims.BundleID != v.bundleID {
		return transactionClaims{}, fmt.Errorf("%w: bundle %q", ErrVerificationFailed, claims.BundleID)
	}
	if claims.ProductID == "" || claims.TransactionID == "" {
		return transactionClaims{}, fmt.Errorf("%w: missing transaction fields", ErrMalformedResponse)
	}
	return claims, nil
}

func (v *JWSVerifier) parse(signed string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(signed, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, jwt.ErrTokenMalformed) {
		return errors.Join(ErrVerificationFailed, ErrMalformedResponse, err)
	}
	return errors.Join(ErrVerificationFailed, err)
}

// keyFunc validates the x5c chain against the trusted roots and returns the
// leaf public key.
func (v *JWSVerifier) keyFunc(t *jwt.Token) (any, error) {
	raw, ok := t.Header["x5c"].([]any)
	if !ok || len(raw) < 2 {
		return nil, fmt.Errorf("%w: missing x5c chain", ErrUntrustedChain)
	}

	certs := make([]*x509.Certificate, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%w: x5c entry is not a string", ErrUntrustedChain)
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUntrustedChain, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUntrustedChain, err)
		}
		certs = append(certs, cert)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUntrustedChain, err)
	}

	key, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: leaf key is not ECDSA", ErrUntrustedChain)
	}
	return key, nil
}
