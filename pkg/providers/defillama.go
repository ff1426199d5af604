package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coinscribe/coinscribe/pkg/engine"
	"github.com/coinscribe/coinscribe/pkg/recipe"
)

const (
	defiLlamaName = "defillama"
	defiLlamaBase = "https://api.llama.fi"
)

// DefiLlama serves the defi-protocols kind. The API is open; no credential
// modes beyond the anonymous tier exist.
type DefiLlama struct {
	client *http.Client
	logger zerolog.Logger
}

// NewDefiLlama creates the adapter.
func NewDefiLlama(client *http.Client, logger zerolog.Logger) *DefiLlama {
	return &DefiLlama{
		client: client,
		logger: logger.With().Str("provider", defiLlamaName).Logger(),
	}
}

// Name implements engine.Adapter.
func (d *DefiLlama) Name() string { return defiLlamaName }

// Capabilities implements engine.Adapter.
func (d *DefiLlama) Capabilities() []engine.CredentialMode {
	return []engine.CredentialMode{engine.ModeNoKey}
}

// Fetch implements engine.Adapter.
func (d *DefiLlama) Fetch(ctx context.Context, spec recipe.DatasetSpec, currency string, cred *engine.Credential) (engine.RawPayload, error) {
	if spec.Kind != recipe.KindDeFiProtocols {
		return nil, &engine.ProviderError{
			Kind:     engine.ProviderErrUnknown,
			Provider: defiLlamaName,
			Message:  fmt.Sprintf("unsupported kind %q", spec.Kind),
		}
	}
	return getJSON(ctx, d.client, defiLlamaName, defiLlamaBase+"/protocols", nil)
}

// protocolEntry is one element of /protocols, reduced to the fields the
// report surfaces. TVL figures are USD regardless of the recipe currency.
type protocolEntry struct {
	Name     string      `json:"name"`
	Slug     string      `json:"slug"`
	Category string      `json:"category"`
	Chain    string      `json:"chain"`
	TVL      json.Number `json:"tvl"`
	Change1d json.Number `json:"change_1d"`
	Change7d json.Number `json:"change_7d"`
}

// Normalize implements engine.Adapter. The protocol list arrives sorted by
// TVL; when the spec names protocols in CoinIDs only those survive, in list
// order, otherwise the full ranking is kept.
func (d *DefiLlama) Normalize(spec recipe.DatasetSpec, payload engine.RawPayload) ([]engine.Column, []engine.Row, error) {
	var body []protocolEntry
	if err := decodeJSON(payload, &body); err != nil {
		return nil, nil, err
	}

	wanted := make(map[string]bool, len(spec.CoinIDs))
	for _, slug := range spec.CoinIDs {
		wanted[strings.ToLower(slug)] = true
	}

	columns := []engine.Column{
		{Name: "protocol", Type: engine.TypeString},
		{Name: "category", Type: engine.TypeString},
		{Name: "chain", Type: engine.TypeString},
		{Name: "tvl_usd", Type: engine.TypeCurrency},
		{Name: "change_1d_pct", Type: engine.TypePercent},
		{Name: "change_7d_pct", Type: engine.TypePercent},
	}

	rows := make([]engine.Row, 0, len(body))
	for _, p := range body {
		if len(wanted) > 0 && !wanted[strings.ToLower(p.Slug)] && !wanted[strings.ToLower(p.Name)] {
			continue
		}
		rows = append(rows, engine.Row{
			p.Name,
			p.Category,
			p.Chain,
			numOrNil(p.TVL),
			numOrNil(p.Change1d),
			numOrNil(p.Change7d),
		})
	}
	return columns, rows, nil
}
