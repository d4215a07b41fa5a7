package rates

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// PairRate is a derived rate: 1 From = Rate To.
type PairRate struct {
	From string
	To   string
	Rate decimal.Decimal
}

// Resolver derives arbitrary pair rates, crossing through a pivot currency when
// the source cannot quote the pair directly.
type Resolver struct {
	src   Source
	pivot string
}

// NewResolver constructs a Resolver. An empty pivot disables cross rates.
func NewResolver(src Source, pivot string) *Resolver {
	return &Resolver{src: src, pivot: strings.ToUpper(pivot)}
}

// Pivot returns the configured pivot currency.
func (r *Resolver) Pivot() string {
	return r.pivot
}

// Table returns every rate the source quotes against base.
func (r *Resolver) Table(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	return r.src.Fetch(ctx, strings.ToUpper(strings.TrimSpace(base)))
}

// Resolve returns the current rate for from -> to.
func (r *Resolver) Resolve(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return r.resolveWith(ctx, r.src, from, to)
}

// Session returns a resolver whose fetches are shared per base currency until it is discarded.
func (r *Resolver) Session() *Resolver {
	return &Resolver{src: NewMemo(r.src), pivot: r.pivot}
}

func (r *Resolver) resolveWith(ctx context.Context, src Source, from, to string) (decimal.Decimal, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}

	direct, directErr := src.Fetch(ctx, from)
	if directErr == nil {
		if rate, ok := direct[to]; ok && rate.IsPositive() {
			return rate, nil
		}
	}

	if r.pivot == "" || r.pivot == from {
		if directErr != nil {
			return decimal.Decimal{}, directErr
		}
		return decimal.Decimal{}, fmt.Errorf("%w: no %s/%s quote", ErrSourceUnavailable, from, to)
	}

	pivotRates, err := src.Fetch(ctx, r.pivot)
	if err != nil {
		return decimal.Decimal{}, err
	}
	rate, ok := crossRate(pivotRates, r.pivot, from, to)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: cannot derive %s/%s via %s", ErrSourceUnavailable, from, to, r.pivot)
	}
	return rate, nil
}

// crossRate computes rate(from->to) = rate(pivot->to) / rate(pivot->from).
func crossRate(pivotRates map[string]decimal.Decimal, pivot, from, to string) (decimal.Decimal, bool) {
	leg := func(code string) (decimal.Decimal, bool) {
		if code == pivot {
			return decimal.NewFromInt(1), true
		}
		v, ok := pivotRates[code]
		return v, ok && v.IsPositive()
	}

	toLeg, ok := leg(to)
	if !ok {
		return decimal.Decimal{}, false
	}
	fromLeg, ok := leg(from)
	if !ok {
		return decimal.Decimal{}, false
	}
	return toLeg.Div(fromLeg), true
}

// QuoteAll derives rate(c -> quote) for every tracked currency from one pivot fetch.
// Currencies whose pivot leg is zero or missing are skipped; the quote currency itself is skipped.
func (r *Resolver) QuoteAll(ctx context.Context, quote string, tracked []string) ([]PairRate, error) {
	quote = strings.ToUpper(quote)
	pivot := r.pivot
	if pivot == "" {
		pivot = quote
	}

	pivotRates, err := r.src.Fetch(ctx, pivot)
	if err != nil {
		return nil, err
	}

	out := make([]PairRate, 0, len(tracked))
	for _, code := range tracked {
		code = strings.ToUpper(code)
		if code == quote {
			continue
		}
		rate, ok := crossRate(pivotRates, pivot, code, quote)
		if !ok {
			continue
		}
		out = append(out, PairRate{From: code, To: quote, Rate: rate})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no usable %s rates via %s", ErrSourceUnavailable, quote, pivot)
	}
	return out, nil
}

type memoResult struct {
	rates map[string]decimal.Decimal
	err   error
}

// Memo shares fetches per base currency, including failures, for its lifetime.
type Memo struct {
	src   Source
	group singleflight.Group

	mu      sync.Mutex
	results map[string]memoResult
}

// NewMemo wraps src.
func NewMemo(src Source) *Memo {
	return &Memo{src: src, results: make(map[string]memoResult)}
}

// Fetch returns the memoised result for base, fetching it once.
func (m *Memo) Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	base = strings.ToUpper(base)

	m.mu.Lock()
	if res, ok := m.results[base]; ok {
		m.mu.Unlock()
		return res.rates, res.err
	}
	m.mu.Unlock()

	v, _, _ := m.group.Do(base, func() (any, error) {
		m.mu.Lock()
		if res, ok := m.results[base]; ok {
			m.mu.Unlock()
			return res, nil
		}
		m.mu.Unlock()

		rates, err := m.src.Fetch(ctx, base)
		res := memoResult{rates: rates, err: err}
		m.mu.Lock()
		m.results[base] = res
		m.mu.Unlock()
		return res, nil
	})
	res := v.(memoResult)
	return res.rates, res.err
}

var _ Source = (*Memo)(nil)
