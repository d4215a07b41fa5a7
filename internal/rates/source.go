package rates

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrSourceUnavailable marks a failed or unusable rate fetch.
var ErrSourceUnavailable = errors.New("rate source unavailable")

// Source fetches current rates quoted against base: 1 base = rates[c] c.
type Source interface {
	Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, base string) (map[string]decimal.Decimal, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	return f(ctx, base)
}
