// Package rates fetches the external exchange-rate table the daily rebase
// is computed from.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/credcoin/clearing/internal/models"
)

// Provider returns, for a date, each supported denomination's rate relative
// to USD (units per USD), gold included. CXX is not part of the table; its
// rate is derived by the daily run.
type Provider interface {
	FetchRates(ctx context.Context, date time.Time) (map[models.Denomination]float64, error)
}

// HTTPProvider fetches the USD rate table from one endpoint and the ZIG rate
// from a second, locally scraped source.
type HTTPProvider struct {
	BaseURL string
	ZIGURL  string
	Client  *http.Client
}

// NewHTTPProvider creates a provider with a 30s request timeout.
func NewHTTPProvider(baseURL, zigURL string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		ZIGURL:  zigURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchRates retrieves and merges both sources, then validates the table.
func (p *HTTPProvider) FetchRates(ctx context.Context, date time.Time) (map[models.Denomination]float64, error) {
	var table struct {
		Rates map[models.Denomination]float64 `json:"rates"`
	}
	url := fmt.Sprintf("%s?date=%s", p.BaseURL, date.Format("2006-01-02"))
	if err := p.getJSON(ctx, url, &table); err != nil {
		return nil, fmt.Errorf("failed to fetch USD rates: %w", err)
	}

	var zig struct {
		Rate float64 `json:"rate"`
	}
	if err := p.getJSON(ctx, p.ZIGURL, &zig); err != nil {
		return nil, fmt.Errorf("failed to fetch ZIG rate: %w", err)
	}

	rates := make(map[models.Denomination]float64, len(table.Rates)+1)
	for denom, rate := range table.Rates {
		rates[denom] = rate
	}
	rates[models.DenomZIG] = zig.Rate
	rates[models.DenomUSD] = 1

	if err := Validate(rates); err != nil {
		return nil, err
	}
	return rates, nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Validate checks that every supported denomination (except CXX) has a
// positive, finite rate. An incomplete table fails the whole daily run.
func Validate(rates map[models.Denomination]float64) error {
	for _, denom := range models.SupportedDenominations {
		if denom == models.DenomCXX {
			continue
		}
		rate, ok := rates[denom]
		if !ok {
			return fmt.Errorf("rate table is missing %s", denom)
		}
		if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			return fmt.Errorf("rate table has invalid %s rate %v", denom, rate)
		}
	}
	return nil
}
