// Package recipe defines the user-authored recipe model and its validation:
// structural well-formedness, redistribution pre-checks and plan compatibility.
// Validation performs no network I/O; it must be safe to run before any
// credential is touched.
package recipe

import (
	"context"
)

// PlanTier is a subscription level gating which dataset kinds a user may request.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanStarter PlanTier = "starter"
	PlanPro     PlanTier = "pro"
)

// planRank orders tiers for comparison. Unknown tiers rank below free.
var planRank = map[PlanTier]int{
	PlanFree:    1,
	PlanStarter: 2,
	PlanPro:     3,
}

// AtLeast reports whether tier t satisfies the required tier.
func (t PlanTier) AtLeast(required PlanTier) bool {
	return planRank[t] >= planRank[required]
}

// Valid reports whether t is a known tier.
func (t PlanTier) Valid() bool {
	_, ok := planRank[t]
	return ok
}

// Plan is a user's entitlement as resolved by the surrounding system.
type Plan struct {
	// Tier is the subscription level.
	Tier PlanTier `json:"tier"`

	// Limits holds plan-specific limits (e.g., "max_datasets").
	Limits map[string]int `json:"limits,omitempty"`
}

// PlanResolver looks up the plan for a user. Implemented by the entitlement
// system outside this core; a static implementation ships for tests and the CLI.
type PlanResolver interface {
	GetUserPlan(ctx context.Context, userID string) (Plan, error)
}

// Kind identifies one provider capability a dataset can request.
type Kind string

const (
	// KindPrice is the current spot price for a set of coins.
	KindPrice Kind = "price"

	// KindOHLCV is an open/high/low/close/volume series for one coin.
	KindOHLCV Kind = "ohlcv"

	// KindMarketSnapshot is a ranked market overview (price, cap, volume, change).
	KindMarketSnapshot Kind = "market-snapshot"

	// KindDeFiProtocols is a DeFi protocol listing with TVL figures.
	KindDeFiProtocols Kind = "defi-protocols"

	// KindNFTCollection is NFT collection stats (floor price, volume, owners).
	KindNFTCollection Kind = "nft-collection"
)

// kindSpec maps a kind to the single provider capability that serves it.
type kindSpec struct {
	Provider string
	MinPlan  PlanTier
}

// kindRegistry is the static kind-to-capability mapping. Each kind resolves to
// exactly one provider; unknown kinds fail validation.
var kindRegistry = map[Kind]kindSpec{
	KindPrice:          {Provider: "coingecko", MinPlan: PlanFree},
	KindOHLCV:          {Provider: "coingecko", MinPlan: PlanFree},
	KindMarketSnapshot: {Provider: "coingecko", MinPlan: PlanStarter},
	KindDeFiProtocols:  {Provider: "defillama", MinPlan: PlanStarter},
	KindNFTCollection:  {Provider: "opensea", MinPlan: PlanPro},
}

// ResolveKind returns the provider and minimum plan for a kind.
func ResolveKind(kind Kind) (provider string, minPlan PlanTier, ok bool) {
	spec, ok := kindRegistry[kind]
	if !ok {
		return "", "", false
	}
	return spec.Provider, spec.MinPlan, true
}

// Kinds returns all registered kinds.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(kindRegistry))
	for k := range kindRegistry {
		kinds = append(kinds, k)
	}
	return kinds
}

// DatasetSpec is one unit of desired data within a recipe.
type DatasetSpec struct {
	// ID is the dataset identifier, unique within the recipe.
	ID string `json:"id" validate:"required"`

	// Kind is the capability this dataset requests.
	Kind Kind `json:"kind" validate:"required"`

	// CoinIDs are the coins this dataset covers, in request order.
	CoinIDs []string `json:"coin_ids,omitempty"`

	// Metrics are the requested metrics (kind-specific; empty means defaults).
	Metrics []string `json:"metrics,omitempty"`

	// Timeframe is the requested window for series kinds (e.g., "30d").
	Timeframe string `json:"timeframe,omitempty"`

	// Provider is the provider this dataset resolves to. Assigned during
	// validation from the kind registry, never by the recipe author.
	Provider string `json:"provider,omitempty"`

	// Mandatory marks a dataset whose failure fails the whole recipe.
	// Non-mandatory dataset failures are recorded but leave the recipe usable.
	Mandatory bool `json:"mandatory,omitempty"`
}

// Recipe is an immutable, user-authored report specification. It is submitted
// once per execution request and never mutated server-side beyond provider
// resolution.
type Recipe struct {
	// ID is the recipe identifier.
	ID string `json:"id" validate:"required"`

	// Name is the display name; the workbook filename derives from it.
	Name string `json:"name" validate:"required"`

	// Description is an optional free-form description.
	Description string `json:"description,omitempty"`

	// Datasets are the requested datasets in report order. Must be non-empty.
	Datasets []DatasetSpec `json:"datasets" validate:"required,min=1,dive"`

	// TargetCurrency is the quote currency for all monetary values.
	TargetCurrency string `json:"target_currency" validate:"required"`

	// RequiredPlan is the tier inferred from the most demanding dataset.
	// Derived during validation.
	RequiredPlan PlanTier `json:"required_plan,omitempty"`
}

// RequiredPlanFor returns the most demanding minimum tier across the recipe's
// datasets, along with the kind that demands it.
func RequiredPlanFor(r *Recipe) (PlanTier, Kind) {
	required := PlanFree
	var demanding Kind
	for _, ds := range r.Datasets {
		if _, minPlan, ok := ResolveKind(ds.Kind); ok {
			if !required.AtLeast(minPlan) {
				required = minPlan
				demanding = ds.Kind
			}
		}
	}
	return required, demanding
}

// Providers returns the distinct providers the recipe's datasets resolve to,
// in first-reference order. Datasets with unknown kinds are skipped.
func Providers(r *Recipe) []string {
	seen := make(map[string]bool)
	var providers []string
	for _, ds := range r.Datasets {
		provider, _, ok := ResolveKind(ds.Kind)
		if !ok || seen[provider] {
			continue
		}
		seen[provider] = true
		providers = append(providers, provider)
	}
	return providers
}

// StaticPlanResolver resolves every user to a fixed plan. Used by the CLI and
// in tests; production deployments inject the entitlement service instead.
type StaticPlanResolver struct {
	Plan Plan
}

// GetUserPlan implements PlanResolver.
func (s StaticPlanResolver) GetUserPlan(_ context.Context, _ string) (Plan, error) {
	return s.Plan, nil
}
