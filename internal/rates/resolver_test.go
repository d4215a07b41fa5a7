package rates

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
)

func staticSource(tables map[string]map[string]string) Source {
	return SourceFunc(func(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
		table, ok := tables[base]
		if !ok {
			return nil, ErrSourceUnavailable
		}
		out := make(map[string]decimal.Decimal, len(table))
		for k, v := range table {
			out[k] = decimal.RequireFromString(v)
		}
		return out, nil
	})
}

func TestResolveDirect(t *testing.T) {
	r := NewResolver(staticSource(map[string]map[string]string{
		"USD": {"USD": "1", "KRW": "1310"},
	}), "USD")

	rate, err := r.Resolve(context.Background(), "usd", "krw")
	if err != nil {
		t.Fatal(err)
	}
	if !rate.Equal(decimal.NewFromInt(1310)) {
		t.Fatalf("rate = %s", rate)
	}
}

func TestResolveCrossesViaPivot(t *testing.T) {
	r := NewResolver(staticSource(map[string]map[string]string{
		"USD": {"USD": "1", "KRW": "1400", "EUR": "0.8"},
	}), "USD")

	rate, err := r.Resolve(context.Background(), "EUR", "KRW")
	if err != nil {
		t.Fatal(err)
	}
	if !rate.Equal(decimal.NewFromInt(1750)) {
		t.Fatalf("EUR/KRW = %s, want 1750", rate)
	}
}

func TestResolveZeroPivotLegFails(t *testing.T) {
	r := NewResolver(staticSource(map[string]map[string]string{
		"USD": {"USD": "1", "KRW": "1400", "EUR": "0"},
	}), "USD")

	if _, err := r.Resolve(context.Background(), "EUR", "KRW"); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("zero pivot leg must not divide, got %v", err)
	}
}

func TestQuoteAll(t *testing.T) {
	r := NewResolver(staticSource(map[string]map[string]string{
		"USD": {"USD": "1", "KRW": "1400", "JPY": "140", "EUR": "0.8", "CNY": "0"},
	}), "USD")

	got, err := r.QuoteAll(context.Background(), "KRW", []string{"USD", "JPY", "EUR", "CNY", "KRW"})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{"USD": "1400", "JPY": "10", "EUR": "1750"}
	if len(got) != len(want) {
		t.Fatalf("expected %d pairs, got %+v", len(want), got)
	}
	for _, p := range got {
		if p.To != "KRW" {
			t.Fatalf("quote should be KRW: %+v", p)
		}
		if !p.Rate.Equal(decimal.RequireFromString(want[p.From])) {
			t.Fatalf("%s/KRW = %s, want %s", p.From, p.Rate, want[p.From])
		}
	}
}

func TestQuoteAllWithoutQuoteLeg(t *testing.T) {
	r := NewResolver(staticSource(map[string]map[string]string{
		"USD": {"USD": "1", "JPY": "140"},
	}), "USD")

	if _, err := r.QuoteAll(context.Background(), "KRW", []string{"USD", "JPY"}); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("missing quote leg should be unusable, got %v", err)
	}
}

func TestMemoSharesFetches(t *testing.T) {
	var calls atomic.Int32
	src := SourceFunc(func(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
		calls.Add(1)
		if base == "BAD" {
			return nil, ErrSourceUnavailable
		}
		return map[string]decimal.Decimal{"KRW": decimal.NewFromInt(1)}, nil
	})

	memo := NewMemo(src)
	for i := 0; i < 3; i++ {
		if _, err := memo.Fetch(context.Background(), "usd"); err != nil {
			t.Fatal(err)
		}
		if _, err := memo.Fetch(context.Background(), "BAD"); err == nil {
			t.Fatal("failure should be memoised too")
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", calls.Load())
	}
}

func TestTableNormalisesBase(t *testing.T) {
	r := NewResolver(staticSource(map[string]map[string]string{
		"EUR": {"EUR": "1", "KRW": "1500"},
	}), "USD")

	table, err := r.Table(context.Background(), " eur ")
	if err != nil {
		t.Fatal(err)
	}
	if !table["KRW"].Equal(decimal.NewFromInt(1500)) {
		t.Fatalf("unexpected table: %v", table)
	}
	if _, err := r.Table(context.Background(), "GBP"); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}
