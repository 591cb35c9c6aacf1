package catalog

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmitrymomot/entitlekit/pkg/config"
)

// DefaultPromoWindow is how long a promotional non-consumable grants premium.
const DefaultPromoWindow = 30 * 24 * time.Hour

// Offerings is the product configuration shipped with a release.
type Offerings struct {
	Offered     OfferedIDs      `yaml:"offered"`
	Products    []ProductConfig `yaml:"products"`
	Promotional []PromoConfig   `yaml:"promotional"`
}

// OfferedIDs names the currently offered product per tier.
type OfferedIDs struct {
	Monthly  string `yaml:"monthly"`
	Yearly   string `yaml:"yearly"`
	Lifetime string `yaml:"lifetime"`
}

// ProductConfig declares a product. Price and currency seed StaticSource;
// features are the flags the product unlocks.
type ProductConfig struct {
	ID       string   `yaml:"id"`
	Period   Period   `yaml:"period"`
	Kind     Kind     `yaml:"kind"`
	Price    string   `yaml:"price"`
	Currency string   `yaml:"currency"`
	Features []string `yaml:"features"`
}

// PromoConfig declares a time-boxed promotional non-consumable.
type PromoConfig struct {
	ID       string        `yaml:"id"`
	Window   time.Duration `yaml:"window"`
	Features []string      `yaml:"features"`
}

// LoadOfferings reads and validates an offerings file.
func LoadOfferings(path string) (Offerings, error) {
	var o Offerings
	if err := config.LoadYAML(path, &o); err != nil {
		return Offerings{}, fmt.Errorf("%w: %w", ErrInvalidOfferings, err)
	}
	if err := o.Validate(); err != nil {
		return Offerings{}, err
	}
	return o, nil
}

// Validate checks that every product is well formed and every offered id is
// declared with a matching period.
func (o Offerings) Validate() error {
	byID := make(map[string]ProductConfig, len(o.Products))
	for _, p := range o.Products {
		if p.ID == "" {
			return fmt.Errorf("%w: product without id", ErrInvalidOfferings)
		}
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("%w: duplicate product %q", ErrInvalidOfferings, p.ID)
		}
		if !p.Period.Valid() || !p.Kind.Valid() {
			return fmt.Errorf("%w: product %q has period %q kind %q", ErrInvalidOfferings, p.ID, p.Period, p.Kind)
		}
		if p.Price != "" {
			if _, err := decimal.NewFromString(p.Price); err != nil {
				return fmt.Errorf("%w: product %q: %w", ErrInvalidPrice, p.ID, err)
			}
		}
		byID[p.ID] = p
	}

	for period, id := range o.Offered.byPeriod() {
		if id == "" {
			continue
		}
		p, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: offered %s product %q is not declared", ErrInvalidOfferings, period, id)
		}
		if p.Period != period {
			return fmt.Errorf("%w: offered %s product %q has period %q", ErrInvalidOfferings, period, id, p.Period)
		}
	}

	for _, p := range o.Promotional {
		if p.ID == "" || p.Window < 0 {
			return fmt.Errorf("%w: promotional entry %q", ErrInvalidOfferings, p.ID)
		}
	}
	return nil
}

// ProductIDs returns every declared product id, promotional ones included.
func (o Offerings) ProductIDs() []string {
	ids := make([]string, 0, len(o.Products)+len(o.Promotional))
	for _, p := range o.Products {
		ids = append(ids, p.ID)
	}
	for _, p := range o.Promotional {
		ids = append(ids, p.ID)
	}
	return ids
}

// IsOffered reports whether id is the currently offered product of any tier.
func (o Offerings) IsOffered(id string) bool {
	if id == "" {
		return false
	}
	for _, offered := range o.Offered.byPeriod() {
		if offered == id {
			return true
		}
	}
	return false
}

// Entitling reports whether a restored purchase of id may grant entitlement:
// it is offered now or it is a promotional product.
func (o Offerings) Entitling(id string) bool {
	if o.IsOffered(id) {
		return true
	}
	_, ok := o.Promo(id)
	return ok
}

// Promo returns the promotion window for id, if id is promotional.
func (o Offerings) Promo(id string) (time.Duration, bool) {
	for _, p := range o.Promotional {
		if p.ID == id {
			if p.Window == 0 {
				return DefaultPromoWindow, true
			}
			return p.Window, true
		}
	}
	return 0, false
}

// Features returns the feature flags unlocked by id.
func (o Offerings) Features(id string) []string {
	for _, p := range o.Products {
		if p.ID == id {
			return p.Features
		}
	}
	for _, p := range o.Promotional {
		if p.ID == id {
			return p.Features
		}
	}
	return nil
}

// Lookup returns the period and kind declared for id. Promotional products
// are lifetime non-consumables.
func (o Offerings) Lookup(id string) (Period, Kind, bool) {
	for _, p := range o.Products {
		if p.ID == id {
			return p.Period, p.Kind, true
		}
	}
	if _, ok := o.Promo(id); ok {
		return Lifetime, NonConsumable, true
	}
	return "", "", false
}

// PeriodOf adapts Lookup for period-only callers.
func (o Offerings) PeriodOf(id string) (Period, bool) {
	p, _, ok := o.Lookup(id)
	return p, ok
}

func (ids OfferedIDs) byPeriod() map[Period]string {
	return map[Period]string{Monthly: ids.Monthly, Yearly: ids.Yearly, Lifetime: ids.Lifetime}
}
