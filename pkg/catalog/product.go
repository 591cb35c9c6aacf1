package catalog

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Period is the billing period of a product.
type Period string

const (
	Monthly  Period = "monthly"
	Yearly   Period = "yearly"
	Lifetime Period = "lifetime"
)

func (p Period) Valid() bool {
	switch p {
	case Monthly, Yearly, Lifetime:
		return true
	}
	return false
}

// Kind is the storefront product type.
type Kind string

const (
	AutoRenewableSubscription Kind = "autoRenewableSubscription"
	NonConsumable             Kind = "nonConsumable"
)

func (k Kind) Valid() bool {
	return k == AutoRenewableSubscription || k == NonConsumable
}

// Product is a storefront product descriptor. Values are immutable once
// fetched.
type Product struct {
	ID           string          `json:"id"`
	DisplayPrice string          `json:"display_price"`
	RawPrice     decimal.Decimal `json:"raw_price"`
	Currency     string          `json:"currency"`
	Period       Period          `json:"period"`
	Kind         Kind            `json:"kind"`
}

func (p Product) IsSubscription() bool { return p.Kind == AutoRenewableSubscription }

// FormatPrice renders amount in the given ISO 4217 currency for a locale,
// rounded to the currency's standard scale.
func FormatPrice(amount decimal.Decimal, code string, tag language.Tag) (string, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return "", fmt.Errorf("%w: currency %q: %v", ErrInvalidPrice, code, err)
	}
	scale, _ := currency.Standard.Rounding(unit)
	value, _ := amount.Round(int32(scale)).Float64()
	return message.NewPrinter(tag).Sprint(currency.Symbol(unit.Amount(value))), nil
}
