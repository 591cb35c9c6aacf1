package catalog

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
)

// Source fetches product descriptors from a storefront. Results carry no
// ordering guarantee and may omit ids the storefront does not know.
type Source interface {
	Products(ctx context.Context, ids []string) ([]Product, error)
}

// StaticSource serves products declared in an offerings file. It stands in
// for the storefront on the server side, where prices come from
// configuration.
type StaticSource struct {
	products map[string]Product
}

// NewStaticSource builds display prices for the given locale.
func NewStaticSource(o Offerings, tag language.Tag) (*StaticSource, error) {
	s := &StaticSource{products: make(map[string]Product, len(o.Products)+len(o.Promotional))}
	for _, pc := range o.Products {
		p := Product{ID: pc.ID, Period: pc.Period, Kind: pc.Kind, Currency: pc.Currency}
		if pc.Price != "" {
			price, err := decimal.NewFromString(pc.Price)
			if err != nil {
				return nil, fmt.Errorf("%w: product %q: %w", ErrInvalidPrice, pc.ID, err)
			}
			p.RawPrice = price
			if pc.Currency != "" {
				if p.DisplayPrice, err = FormatPrice(price, pc.Currency, tag); err != nil {
					return nil, err
				}
			} else {
				p.DisplayPrice = price.StringFixed(2)
			}
		}
		s.products[p.ID] = p
	}
	for _, pr := range o.Promotional {
		if _, ok := s.products[pr.ID]; !ok {
			s.products[pr.ID] = Product{ID: pr.ID, Period: Lifetime, Kind: NonConsumable}
		}
	}
	return s, nil
}

func (s *StaticSource) Products(ctx context.Context, ids []string) ([]Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]Product, 0, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}
