package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/coinscribe/coinscribe/pkg/engine"
	"github.com/coinscribe/coinscribe/pkg/recipe"
)

const (
	coinGeckoName       = "coingecko"
	coinGeckoPublicBase = "https://api.coingecko.com/api/v3"
	coinGeckoProBase    = "https://pro-api.coingecko.com/api/v3"
)

// CoinGecko serves the price, ohlcv and market-snapshot kinds. It works on
// the public tier but routes through the pro API when a pro key is present.
type CoinGecko struct {
	client *http.Client
	logger zerolog.Logger
}

// NewCoinGecko creates the adapter.
func NewCoinGecko(client *http.Client, logger zerolog.Logger) *CoinGecko {
	return &CoinGecko{
		client: client,
		logger: logger.With().Str("provider", coinGeckoName).Logger(),
	}
}

// Name implements engine.Adapter.
func (c *CoinGecko) Name() string { return coinGeckoName }

// Capabilities implements engine.Adapter. CoinGecko degrades gracefully from
// a paid key through a demo key down to the anonymous public tier.
func (c *CoinGecko) Capabilities() []engine.CredentialMode {
	return []engine.CredentialMode{engine.ModeProKey, engine.ModeDemoKey, engine.ModeNoKey}
}

// endpoint selects base URL and auth header for the credential.
func (c *CoinGecko) endpoint(cred *engine.Credential) (base string, headers map[string]string) {
	if cred == nil {
		return coinGeckoPublicBase, nil
	}
	if cred.Tier == "pro" {
		return coinGeckoProBase, map[string]string{"x-cg-pro-api-key": cred.Key}
	}
	return coinGeckoPublicBase, map[string]string{"x-cg-demo-api-key": cred.Key}
}

// Fetch implements engine.Adapter.
func (c *CoinGecko) Fetch(ctx context.Context, spec recipe.DatasetSpec, currency string, cred *engine.Credential) (engine.RawPayload, error) {
	base, headers := c.endpoint(cred)

	switch spec.Kind {
	case recipe.KindPrice:
		q := url.Values{}
		q.Set("ids", strings.Join(spec.CoinIDs, ","))
		q.Set("vs_currencies", currency)
		q.Set("include_market_cap", "true")
		q.Set("include_24hr_vol", "true")
		q.Set("include_24hr_change", "true")
		q.Set("include_last_updated_at", "true")
		return getJSON(ctx, c.client, coinGeckoName, buildURL(base, "/simple/price", q), headers)

	case recipe.KindOHLCV:
		if len(spec.CoinIDs) != 1 {
			return nil, &engine.ProviderError{
				Kind:     engine.ProviderErrUnknown,
				Provider: coinGeckoName,
				Message:  "ohlcv datasets cover exactly one coin",
			}
		}
		q := url.Values{}
		q.Set("vs_currency", currency)
		q.Set("days", timeframeDays(spec.Timeframe))
		path := fmt.Sprintf("/coins/%s/ohlc", url.PathEscape(spec.CoinIDs[0]))
		return getJSON(ctx, c.client, coinGeckoName, buildURL(base, path, q), headers)

	case recipe.KindMarketSnapshot:
		q := url.Values{}
		q.Set("vs_currency", currency)
		if len(spec.CoinIDs) > 0 {
			q.Set("ids", strings.Join(spec.CoinIDs, ","))
		}
		q.Set("order", "market_cap_desc")
		q.Set("per_page", "250")
		q.Set("page", "1")
		return getJSON(ctx, c.client, coinGeckoName, buildURL(base, "/coins/markets", q), headers)

	default:
		return nil, &engine.ProviderError{
			Kind:     engine.ProviderErrUnknown,
			Provider: coinGeckoName,
			Message:  fmt.Sprintf("unsupported kind %q", spec.Kind),
		}
	}
}

// timeframeDays maps a recipe timeframe like "30d" to the days query value.
func timeframeDays(timeframe string) string {
	if timeframe == "max" {
		return "max"
	}
	d := strings.TrimSuffix(timeframe, "d")
	if d == "" {
		return "30"
	}
	return d
}

// Normalize implements engine.Adapter.
func (c *CoinGecko) Normalize(spec recipe.DatasetSpec, payload engine.RawPayload) ([]engine.Column, []engine.Row, error) {
	switch spec.Kind {
	case recipe.KindPrice:
		return c.normalizePrice(spec, payload)
	case recipe.KindOHLCV:
		return c.normalizeOHLCV(payload)
	case recipe.KindMarketSnapshot:
		return c.normalizeMarkets(payload)
	default:
		return nil, nil, fmt.Errorf("unsupported kind %q", spec.Kind)
	}
}

// priceEntry is the per-coin object of /simple/price. The currency-keyed
// fields arrive flattened ("usd", "usd_market_cap", ...), so the entry is
// decoded as a loose map.
type priceEntry map[string]json.Number

func (c *CoinGecko) normalizePrice(spec recipe.DatasetSpec, payload engine.RawPayload) ([]engine.Column, []engine.Row, error) {
	var body map[string]priceEntry
	if err := decodeJSON(payload, &body); err != nil {
		return nil, nil, err
	}

	columns := []engine.Column{
		{Name: "coin_id", Type: engine.TypeString},
		{Name: "price", Type: engine.TypeCurrency},
		{Name: "market_cap", Type: engine.TypeCurrency},
		{Name: "volume_24h", Type: engine.TypeCurrency},
		{Name: "change_24h_pct", Type: engine.TypePercent},
		{Name: "last_updated", Type: engine.TypeTimestamp},
	}

	// Rows follow the request's coin order; coins missing from the response
	// are dropped rather than emitted as empty rows.
	ids := spec.CoinIDs
	if len(ids) == 0 {
		ids = make([]string, 0, len(body))
		for id := range body {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	rows := make([]engine.Row, 0, len(ids))
	for _, id := range ids {
		entry, ok := body[id]
		if !ok {
			continue
		}
		cur := findCurrencyKey(entry)
		rows = append(rows, engine.Row{
			id,
			numOrNil(entry[cur]),
			numOrNil(entry[cur+"_market_cap"]),
			numOrNil(entry[cur+"_24h_vol"]),
			numOrNil(entry[cur+"_24h_change"]),
			unixOrNil(entry["last_updated_at"]),
		})
	}
	return columns, rows, nil
}

// findCurrencyKey locates the bare-currency key in a price entry, i.e. the
// key that is not a suffixed derivative and not the update timestamp.
func findCurrencyKey(entry priceEntry) string {
	for k := range entry {
		if k == "last_updated_at" {
			continue
		}
		if strings.ContainsRune(k, '_') {
			continue
		}
		return k
	}
	return ""
}

func (c *CoinGecko) normalizeOHLCV(payload engine.RawPayload) ([]engine.Column, []engine.Row, error) {
	var body [][]json.Number
	if err := decodeJSON(payload, &body); err != nil {
		return nil, nil, err
	}

	columns := []engine.Column{
		{Name: "timestamp", Type: engine.TypeTimestamp},
		{Name: "open", Type: engine.TypeCurrency},
		{Name: "high", Type: engine.TypeCurrency},
		{Name: "low", Type: engine.TypeCurrency},
		{Name: "close", Type: engine.TypeCurrency},
	}

	rows := make([]engine.Row, 0, len(body))
	for _, candle := range body {
		if len(candle) < 5 {
			return nil, nil, fmt.Errorf("malformed ohlc candle: %d values", len(candle))
		}
		ms, err := candle[0].Int64()
		if err != nil {
			return nil, nil, fmt.Errorf("malformed candle timestamp: %w", err)
		}
		rows = append(rows, engine.Row{
			time.UnixMilli(ms).UTC(),
			numOrNil(candle[1]),
			numOrNil(candle[2]),
			numOrNil(candle[3]),
			numOrNil(candle[4]),
		})
	}
	return columns, rows, nil
}

// marketEntry is one element of /coins/markets.
type marketEntry struct {
	ID             string      `json:"id"`
	Symbol         string      `json:"symbol"`
	Name           string      `json:"name"`
	CurrentPrice   json.Number `json:"current_price"`
	MarketCap      json.Number `json:"market_cap"`
	MarketCapRank  json.Number `json:"market_cap_rank"`
	TotalVolume    json.Number `json:"total_volume"`
	PriceChange24h json.Number `json:"price_change_percentage_24h"`
}

func (c *CoinGecko) normalizeMarkets(payload engine.RawPayload) ([]engine.Column, []engine.Row, error) {
	var body []marketEntry
	if err := decodeJSON(payload, &body); err != nil {
		return nil, nil, err
	}

	columns := []engine.Column{
		{Name: "rank", Type: engine.TypeInteger},
		{Name: "coin_id", Type: engine.TypeString},
		{Name: "symbol", Type: engine.TypeString},
		{Name: "name", Type: engine.TypeString},
		{Name: "price", Type: engine.TypeCurrency},
		{Name: "market_cap", Type: engine.TypeCurrency},
		{Name: "volume_24h", Type: engine.TypeCurrency},
		{Name: "change_24h_pct", Type: engine.TypePercent},
	}

	rows := make([]engine.Row, 0, len(body))
	for _, m := range body {
		rows = append(rows, engine.Row{
			intOrNil(m.MarketCapRank),
			m.ID,
			strings.ToUpper(m.Symbol),
			m.Name,
			numOrNil(m.CurrentPrice),
			numOrNil(m.MarketCap),
			numOrNil(m.TotalVolume),
			numOrNil(m.PriceChange24h),
		})
	}
	return columns, rows, nil
}
