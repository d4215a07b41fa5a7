package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fxwatch/internal/config"
)

type convertRequest struct {
	Amount       decimal.Decimal `json:"amount"`
	FromCurrency string          `json:"from_currency"`
	ToCurrency   string          `json:"to_currency"`
}

type convertResponse struct {
	Amount          decimal.Decimal `json:"amount"`
	FromCurrency    string          `json:"from_currency"`
	ToCurrency      string          `json:"to_currency"`
	Rate            decimal.Decimal `json:"rate"`
	ConvertedAmount decimal.Decimal `json:"converted_amount"`
	Timestamp       time.Time       `json:"timestamp"`
}

// handleRates serves GET /rates?base=USD&currencies=KRW,JPY. Codes the source
// does not quote are listed under "missing".
func (s *Server) handleRates(w http.ResponseWriter, r *http.Request) {
	base := s.rates.Pivot()
	if raw := r.URL.Query().Get("base"); raw != "" {
		base = strings.ToUpper(strings.TrimSpace(raw))
	}
	if !config.IsCurrencyCode(base) {
		writeError(w, http.StatusBadRequest, "base must be a three-letter currency code")
		return
	}

	var wanted []string
	if raw := r.URL.Query().Get("currencies"); raw != "" {
		for _, code := range strings.Split(raw, ",") {
			code = strings.ToUpper(strings.TrimSpace(code))
			if code == "" {
				continue
			}
			if !config.IsCurrencyCode(code) {
				writeError(w, http.StatusBadRequest, "currencies must be three-letter codes")
				return
			}
			wanted = append(wanted, code)
		}
	}

	table, err := s.rates.Table(r.Context(), base)
	if err != nil {
		s.upstreamError(w, err)
		return
	}

	resp := map[string]any{"base": base, "timestamp": s.now().UTC()}
	if len(wanted) == 0 {
		resp["rates"] = table
		writeJSON(w, http.StatusOK, resp)
		return
	}

	filtered := make(map[string]decimal.Decimal, len(wanted))
	missing := []string{}
	for _, code := range wanted {
		if rate, ok := table[code]; ok {
			filtered[code] = rate
			continue
		}
		missing = append(missing, code)
	}
	resp["rates"] = filtered
	resp["missing"] = missing
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	from := strings.ToUpper(strings.TrimSpace(req.FromCurrency))
	to := strings.ToUpper(strings.TrimSpace(req.ToCurrency))
	if !config.IsCurrencyCode(from) || !config.IsCurrencyCode(to) {
		writeError(w, http.StatusBadRequest, "from_currency and to_currency must be three-letter codes")
		return
	}
	if req.Amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "amount cannot be negative")
		return
	}

	rate, err := s.rates.Resolve(r.Context(), from, to)
	if err != nil {
		s.upstreamError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, convertResponse{
		Amount:          req.Amount,
		FromCurrency:    from,
		ToCurrency:      to,
		Rate:            rate,
		ConvertedAmount: req.Amount.Mul(rate),
		Timestamp:       s.now().UTC(),
	})
}

// handleCurrencies lists the codes quoted against the pivot currency.
func (s *Server) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	table, err := s.rates.Table(r.Context(), s.rates.Pivot())
	if err != nil {
		s.upstreamError(w, err)
		return
	}

	codes := make([]string, 0, len(table))
	for code := range table {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	writeJSON(w, http.StatusOK, map[string]any{"currencies": codes, "count": len(codes)})
}

func (s *Server) upstreamError(w http.ResponseWriter, err error) {
	s.logger.Warn().Err(err).Msg("rate source request failed")
	writeError(w, http.StatusBadGateway, "exchange rate source unavailable")
}
