package rates

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credcoin/clearing/internal/models"
)

func testServers(t *testing.T, baseStatus int, baseBody, zigBody string) (*httptest.Server, *httptest.Server) {
	t.Helper()
	base := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(baseStatus)
		fmt.Fprint(w, baseBody)
	}))
	zig := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, zigBody)
	}))
	t.Cleanup(base.Close)
	t.Cleanup(zig.Close)
	return base, zig
}

func TestHTTPProvider_FetchRates(t *testing.T) {
	base, zig := testServers(t, http.StatusOK,
		`{"rates":{"CAD":1.4,"XAU":0.0005}}`,
		`{"rate":13.5}`)

	p := NewHTTPProvider(base.URL, zig.URL)
	rates, err := p.FetchRates(context.Background(), time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	// USD is pinned at 1 and the ZIG source is merged in.
	assert.Equal(t, 1.0, rates[models.DenomUSD])
	assert.Equal(t, 1.4, rates[models.DenomCAD])
	assert.Equal(t, 0.0005, rates[models.DenomXAU])
	assert.Equal(t, 13.5, rates[models.DenomZIG])
}

func TestHTTPProvider_SendsDateQuery(t *testing.T) {
	var gotDate string
	base := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotDate = r.URL.Query().Get("date")
		fmt.Fprint(w, `{"rates":{"CAD":1.4,"XAU":0.0005}}`)
	}))
	zig := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"rate":13.5}`)
	}))
	t.Cleanup(base.Close)
	t.Cleanup(zig.Close)

	p := NewHTTPProvider(base.URL, zig.URL)
	_, err := p.FetchRates(context.Background(), time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2026-08-31", gotDate)
}

func TestHTTPProvider_IncompleteTable(t *testing.T) {
	base, zig := testServers(t, http.StatusOK,
		`{"rates":{"CAD":1.4}}`, // no XAU
		`{"rate":13.5}`)

	p := NewHTTPProvider(base.URL, zig.URL)
	_, err := p.FetchRates(context.Background(), time.Now())
	assert.ErrorContains(t, err, "XAU")
}

func TestHTTPProvider_UpstreamError(t *testing.T) {
	base, zig := testServers(t, http.StatusBadGateway, `oops`, `{"rate":13.5}`)

	p := NewHTTPProvider(base.URL, zig.URL)
	_, err := p.FetchRates(context.Background(), time.Now())
	assert.ErrorContains(t, err, "502")
}

func TestValidate(t *testing.T) {
	valid := map[models.Denomination]float64{
		models.DenomUSD: 1,
		models.DenomCAD: 1.4,
		models.DenomXAU: 0.0005,
		models.DenomZIG: 13.5,
	}
	assert.NoError(t, Validate(valid))

	tests := []struct {
		name   string
		mutate func(map[models.Denomination]float64)
	}{
		{"missing denomination", func(m map[models.Denomination]float64) { delete(m, models.DenomCAD) }},
		{"zero rate", func(m map[models.Denomination]float64) { m[models.DenomZIG] = 0 }},
		{"negative rate", func(m map[models.Denomination]float64) { m[models.DenomXAU] = -1 }},
		{"NaN rate", func(m map[models.Denomination]float64) { m[models.DenomUSD] = math.NaN() }},
		{"infinite rate", func(m map[models.Denomination]float64) { m[models.DenomCAD] = math.Inf(1) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rates := make(map[models.Denomination]float64, len(valid))
			for k, v := range valid {
				rates[k] = v
			}
			tc.mutate(rates)
			assert.Error(t, Validate(rates))
		})
	}
}
