/*
Package payments turns provider payment notifications into ledger credits.

PURPOSE:
  Students buy lesson tokens in packs. The payment provider notifies us (via
  webhook or the broker) once a payment settles; the Handler validates the
  notification against the Catalog and credits the ledger, keyed by the
  provider payment id so redeliveries are harmless.

PRICING:
  Prices are decimal.Decimal, never float. A notification that reports a paid
  amount must match UnitPrice * quantity exactly, in the pack's currency.

SEE ALSO:
  - handler.go: Notification handling
  - ledger/service.go: CreditFromExternalPayment
*/
package payments

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Pack is a purchasable bundle of lesson tokens.
type Pack struct {
	ID        string
	Tokens    int64
	UnitPrice decimal.Decimal
	Currency  string
}

// Price returns the total for quantity packs.
func (p Pack) Price(quantity int64) decimal.Decimal {
	return p.UnitPrice.Mul(decimal.NewFromInt(quantity))
}

// Catalog maps pack ids to packs.
type Catalog struct {
	packs map[string]Pack
}

// DefaultCatalog returns the standard packs.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(
		Pack{ID: "single", Tokens: 1, UnitPrice: decimal.RequireFromString("30.00"), Currency: "EUR"},
		Pack{ID: "pack-5", Tokens: 5, UnitPrice: decimal.RequireFromString("140.00"), Currency: "EUR"},
		Pack{ID: "pack-10", Tokens: 10, UnitPrice: decimal.RequireFromString("260.00"), Currency: "EUR"},
	)
	return c
}

// NewCatalog builds a catalog, rejecting duplicate ids and empty packs.
func NewCatalog(packs ...Pack) (*Catalog, error) {
	c := &Catalog{packs: make(map[string]Pack, len(packs))}
	for _, p := range packs {
		if p.ID == "" {
			return nil, fmt.Errorf("pack id is required")
		}
		if _, dup := c.packs[p.ID]; dup {
			return nil, fmt.Errorf("duplicate pack %q", p.ID)
		}
		if p.Tokens <= 0 {
			return nil, fmt.Errorf("pack %q: tokens must be positive", p.ID)
		}
		if p.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("pack %q: price must not be negative", p.ID)
		}
		p.Currency = strings.ToUpper(p.Currency)
		c.packs[p.ID] = p
	}
	return c, nil
}

func (c *Catalog) Lookup(id string) (Pack, bool) {
	p, ok := c.packs[id]
	return p, ok
}

// Packs returns all packs ordered by token count.
func (c *Catalog) Packs() []Pack {
	out := make([]Pack, 0, len(c.packs))
	for _, p := range c.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tokens < out[j].Tokens })
	return out
}
