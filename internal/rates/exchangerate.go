package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const latestPath = "/latest/"

// ExchangeRateAPIOptions parameterise the HTTP provider.
type ExchangeRateAPIOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// ExchangeRateAPI fetches rates from an exchangerate-api.com compatible endpoint.
type ExchangeRateAPI struct {
	opts    ExchangeRateAPIOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewExchangeRateAPI constructs the provider adapter.
func NewExchangeRateAPI(opts ExchangeRateAPIOptions, logger zerolog.Logger) *ExchangeRateAPI {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.exchangerate-api.com/v4"
	}

	return &ExchangeRateAPI{
		opts:    opts,
		logger:  logger.With().Str("component", "rate_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type latestResponse struct {
	Base  string                     `json:"base"`
	Date  string                     `json:"date"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

// Fetch retrieves every rate quoted against base.
func (e *ExchangeRateAPI) Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	if base == "" {
		return nil, fmt.Errorf("%w: base currency required", ErrSourceUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+latestPath+base, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "fxwatch/1.0")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrSourceUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var decoded latestResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decode rates: %v", ErrSourceUnavailable, err)
	}
	if len(decoded.Rates) == 0 {
		return nil, fmt.Errorf("%w: empty rate table for %s", ErrSourceUnavailable, base)
	}

	out := make(map[string]decimal.Decimal, len(decoded.Rates)+1)
	for code, rate := range decoded.Rates {
		out[strings.ToUpper(code)] = rate
	}
	if _, ok := out[base]; !ok {
		out[base] = decimal.NewFromInt(1)
	}

	e.logger.Debug().Str("base", base).Str("date", decoded.Date).Int("currencies", len(out)).Msg("rates fetched")
	return out, nil
}

type errorResponse struct {
	Result    string `json:"result"`
	ErrorType string `json:"error-type"`
	Message   string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.ErrorType != "" {
			return fmt.Errorf("%w: rate api error (%d): %s", ErrSourceUnavailable, status, apiErr.ErrorType)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%w: rate api error (%d): %s", ErrSourceUnavailable, status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%w: rate api error (%d): %s", ErrSourceUnavailable, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%w: rate api error (%d)", ErrSourceUnavailable, status)
}

var _ Source = (*ExchangeRateAPI)(nil)
