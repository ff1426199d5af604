package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/coinscribe/coinscribe/pkg/engine"
	"github.com/coinscribe/coinscribe/pkg/recipe"
)

const (
	openSeaName = "opensea"
	openSeaBase = "https://api.opensea.io/api/v2"
)

// OpenSea serves the nft-collection kind. The v2 API has no anonymous tier,
// so a key is mandatory and its absence fails before any network I/O.
type OpenSea struct {
	client *http.Client
	logger zerolog.Logger
}

// NewOpenSea creates the adapter.
func NewOpenSea(client *http.Client, logger zerolog.Logger) *OpenSea {
	return &OpenSea{
		client: client,
		logger: logger.With().Str("provider", openSeaName).Logger(),
	}
}

// Name implements engine.Adapter.
func (o *OpenSea) Name() string { return openSeaName }

// Capabilities implements engine.Adapter.
func (o *OpenSea) Capabilities() []engine.CredentialMode {
	return []engine.CredentialMode{engine.ModeProKey}
}

// Fetch implements engine.Adapter. CoinIDs carry collection slugs; stats are
// fetched per slug and concatenated into a JSON array so Normalize sees one
// payload.
func (o *OpenSea) Fetch(ctx context.Context, spec recipe.DatasetSpec, currency string, cred *engine.Credential) (engine.RawPayload, error) {
	if spec.Kind != recipe.KindNFTCollection {
		return nil, &engine.ProviderError{
			Kind:     engine.ProviderErrUnknown,
			Provider: openSeaName,
			Message:  fmt.Sprintf("unsupported kind %q", spec.Kind),
		}
	}
	if cred == nil || cred.Key == "" {
		return nil, &engine.ProviderError{
			Kind:     engine.ProviderErrAuth,
			Provider: openSeaName,
			Message:  "api key required",
		}
	}
	headers := map[string]string{"X-API-KEY": cred.Key}

	collected := make([]json.RawMessage, 0, len(spec.CoinIDs))
	for _, slug := range spec.CoinIDs {
		path := fmt.Sprintf("/collections/%s/stats", url.PathEscape(slug))
		payload, err := getJSON(ctx, o.client, openSeaName, openSeaBase+path, headers)
		if err != nil {
			return nil, err
		}
		wrapped, err := json.Marshal(struct {
			Slug  string          `json:"slug"`
			Stats json.RawMessage `json:"stats"`
		}{Slug: slug, Stats: json.RawMessage(payload)})
		if err != nil {
			return nil, &engine.ProviderError{
				Kind:     engine.ProviderErrUnknown,
				Provider: openSeaName,
				Message:  "re-encoding stats failed",
				Err:      err,
			}
		}
		collected = append(collected, wrapped)
	}

	combined, err := json.Marshal(collected)
	if err != nil {
		return nil, &engine.ProviderError{
			Kind:     engine.ProviderErrUnknown,
			Provider: openSeaName,
			Message:  "combining stats failed",
			Err:      err,
		}
	}
	return engine.RawPayload(combined), nil
}

// collectionStats mirrors the v2 stats response shape.
type collectionStats struct {
	Slug  string `json:"slug"`
	Stats struct {
		Total struct {
			Volume     json.Number `json:"volume"`
			Sales      json.Number `json:"sales"`
			NumOwners  json.Number `json:"num_owners"`
			FloorPrice json.Number `json:"floor_price"`
		} `json:"total"`
	} `json:"stats"`
}

// Normalize implements engine.Adapter.
func (o *OpenSea) Normalize(spec recipe.DatasetSpec, payload engine.RawPayload) ([]engine.Column, []engine.Row, error) {
	var body []collectionStats
	if err := decodeJSON(payload, &body); err != nil {
		return nil, nil, err
	}

	columns := []engine.Column{
		{Name: "collection", Type: engine.TypeString},
		{Name: "floor_price", Type: engine.TypeCurrency},
		{Name: "total_volume", Type: engine.TypeCurrency},
		{Name: "total_sales", Type: engine.TypeInteger},
		{Name: "owners", Type: engine.TypeInteger},
	}

	rows := make([]engine.Row, 0, len(body))
	for _, c := range body {
		rows = append(rows, engine.Row{
			c.Slug,
			numOrNil(c.Stats.Total.FloorPrice),
			numOrNil(c.Stats.Total.Volume),
			intOrNil(c.Stats.Total.Sales),
			intOrNil(c.Stats.Total.NumOwners),
		})
	}
	return columns, rows, nil
}
