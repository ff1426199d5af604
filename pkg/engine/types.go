package engine

import (
	"time"

	"github.com/coinscribe/coinscribe/pkg/recipe"
)

// DatasetStatus is the terminal status of one dataset execution.
type DatasetStatus string

const (
	// StatusSuccess means rows were fetched and normalized.
	StatusSuccess DatasetStatus = "success"

	// StatusFailed means the dataset failed; the error descriptor says why.
	StatusFailed DatasetStatus = "failed"

	// StatusSkippedPolicy means the redistribution gate excluded the dataset
	// for the requested purpose before any network I/O.
	StatusSkippedPolicy DatasetStatus = "skipped-by-policy"
)

// SemanticType is the provider-independent type of a column. The assembler
// relies on these instead of provider-specific payload shapes.
type SemanticType string

const (
	TypeString    SemanticType = "string"
	TypeInteger   SemanticType = "integer"
	TypeFloat     SemanticType = "float"
	TypeCurrency  SemanticType = "currency"
	TypePercent   SemanticType = "percent"
	TypeTimestamp SemanticType = "timestamp"
)

// Column is one ordered column definition in a normalized dataset.
type Column struct {
	// Name is the column header.
	Name string `json:"name"`

	// Type is the semantic value type.
	Type SemanticType `json:"type"`
}

// Row is one record; values align positionally with the dataset's columns.
type Row []interface{}

// DatasetResult is the outcome of executing one DatasetSpec.
// Rows is empty if and only if Status != StatusSuccess.
type DatasetResult struct {
	// DatasetID is the spec identifier this result belongs to.
	DatasetID string `json:"dataset_id"`

	// Status is the terminal status.
	Status DatasetStatus `json:"status"`

	// Columns are the ordered column definitions.
	Columns []Column `json:"columns,omitempty"`

	// Rows are the normalized records in provider order. Non-empty exactly
	// when Status is success; an upstream response with no usable records
	// fails the dataset instead of succeeding empty.
	Rows []Row `json:"rows,omitempty"`

	// SourceProvider is the provider the data came from.
	SourceProvider string `json:"source_provider"`

	// FetchedAt is when the data was fetched upstream. Cache hits carry the
	// original fetch time, not the hit time.
	FetchedAt time.Time `json:"fetched_at"`

	// Error describes the failure for non-success statuses.
	Error *DatasetError `json:"error,omitempty"`
}

// ExecutionMetadata summarizes one engine run.
type ExecutionMetadata struct {
	// DatasetsAttempted is the number of datasets in the recipe.
	DatasetsAttempted int `json:"datasets_attempted"`

	// DatasetsSucceeded is the number that reached StatusSuccess.
	DatasetsSucceeded int `json:"datasets_succeeded"`

	// TotalRows is the row count across all successful datasets.
	TotalRows int `json:"total_rows"`

	// Duration is wall-clock time from dispatch start to last completion.
	Duration time.Duration `json:"duration"`
}

// ExecutionResult aggregates every DatasetResult of a run. Datasets preserves
// the recipe's dataset order regardless of completion order.
type ExecutionResult struct {
	// RunID identifies this execution.
	RunID string `json:"run_id"`

	// RecipeID is the executed recipe.
	RecipeID string `json:"recipe_id"`

	// RecipeName is the recipe's display name; artifact filenames derive
	// from it.
	RecipeName string `json:"recipe_name,omitempty"`

	// Success is true when at least one dataset succeeded and no mandatory
	// dataset failed.
	Success bool `json:"success"`

	// Datasets holds one result per DatasetSpec, in recipe order.
	Datasets []DatasetResult `json:"datasets"`

	// Errors lists dataset-scoped error messages.
	Errors []string `json:"errors,omitempty"`

	// Warnings lists non-fatal findings (policy skips, excluded sheets).
	Warnings []string `json:"warnings,omitempty"`

	// Metadata summarizes the run.
	Metadata ExecutionMetadata `json:"metadata"`

	// GeneratedAt is when the result was assembled.
	GeneratedAt time.Time `json:"generated_at"`
}

// Credential is a decrypted provider key with its tier. It lives only inside
// an ExecutionContext and must never be logged.
type Credential struct {
	Key  string
	Tier string
}

// ExecutionContext is the transient, per-invocation state of one engine run.
// Decrypted keys never escape this context's lifetime.
type ExecutionContext struct {
	// UserID is the requesting user.
	UserID string

	// Plan is the user's resolved entitlement.
	Plan recipe.Plan

	// Keys maps provider name to decrypted credential. Absent entries mean
	// "use the public/free tier" where the provider supports one.
	Keys map[string]Credential
}
