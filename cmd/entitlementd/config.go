package main

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/language"

	"github.com/dmitrymomot/entitlekit/pkg/environment"
)

// Verification modes.
const (
	verifyServer = "server"
	verifyJWS    = "jws"
	verifyLocal  = "local"
)

// Queue transports.
const (
	queueMemory        = "memory"
	queueNotifications = "notifications"
)

// Storage and cache backends.
const (
	storagePostgres = "postgres"
	storageMemory   = "memory"

	cacheRedis  = "redis"
	cacheMemory = "memory"
	cacheNone   = "none"
)

type appConfig struct {
	Env         string `env:"ENV" envDefault:"development"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"entitlementd"`

	VerifyMode string `env:"VERIFY_MODE" envDefault:"server"`
	Queue      string `env:"QUEUE" envDefault:"memory"`
	Storage    string `env:"STORAGE" envDefault:"memory"`
	Cache      string `env:"CACHE" envDefault:"none"`

	// Subject keys the stored entitlements; one per process.
	Subject       string `env:"SUBJECT" envDefault:"default"`
	OfferingsPath string `env:"OFFERINGS_PATH" envDefault:"offerings.yaml"`
	Locale        string `env:"LOCALE" envDefault:"en-US"`

	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"6h"`
	RefreshTimeout  time.Duration `env:"REFRESH_TIMEOUT" envDefault:"2m"`
	PurchaseTimeout time.Duration `env:"PURCHASE_TIMEOUT" envDefault:"2m"`
	AckTimeout      time.Duration `env:"NOTIFICATION_ACK_TIMEOUT" envDefault:"20s"`
	CacheTTL        time.Duration `env:"ENTITLEMENT_CACHE_TTL" envDefault:"720h"`

	MetricsNamespace string `env:"METRICS_NAMESPACE" envDefault:"entitlekit"`

	// StrictEnvironment rejects sandbox receipts in production builds.
	StrictEnvironment bool `env:"STRICT_ENVIRONMENT" envDefault:"false"`

	BreakerFailures int           `env:"BREAKER_FAILURES" envDefault:"5"`
	BreakerRecovery time.Duration `env:"BREAKER_RECOVERY" envDefault:"30s"`
}

func (c appConfig) environment() environment.Environment {
	return environment.Parse(c.Env)
}

func (c appConfig) locale() language.Tag {
	tag, err := language.Parse(c.Locale)
	if err != nil {
		return language.AmericanEnglish
	}
	return tag
}

func (c appConfig) validate() error {
	switch c.VerifyMode {
	case verifyServer, verifyJWS, verifyLocal:
	default:
		return fmt.Errorf("config: unknown VERIFY_MODE %q", c.VerifyMode)
	}
	switch c.Queue {
	case queueMemory:
	case queueNotifications:
		// notifications carry signed transactions only
		if c.VerifyMode != verifyJWS {
			return fmt.Errorf("config: QUEUE=%s requires VERIFY_MODE=%s", queueNotifications, verifyJWS)
		}
	default:
		return fmt.Errorf("config: unknown QUEUE %q", c.Queue)
	}
	switch c.Storage {
	case storagePostgres, storageMemory:
	default:
		return fmt.Errorf("config: unknown STORAGE %q", c.Storage)
	}
	switch c.Cache {
	case cacheRedis, cacheMemory, cacheNone:
	default:
		return fmt.Errorf("config: unknown CACHE %q", c.Cache)
	}
	if c.VerifyMode == verifyLocal && c.environment().IsProduction() {
		return fmt.Errorf("config: VERIFY_MODE=%s is not allowed in production", verifyLocal)
	}
	if c.Subject == "" {
		return errors.New("config: SUBJECT is required")
	}
	if c.RefreshInterval <= 0 {
		return errors.New("config: REFRESH_INTERVAL must be positive")
	}
	return nil
}
