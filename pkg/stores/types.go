package stores

import (
	"context"
	"time"
)

// KeyTier distinguishes demo-grade keys from paid provider keys. Some
// providers serve different endpoints per tier.
type KeyTier string

const (
	KeyTierDemo KeyTier = "demo"
	KeyTierPro  KeyTier = "pro"
)

// ProviderKeyRecord is a persisted, encrypted-at-rest credential keyed by
// (user, provider). Invalidation flips the validity flag; records are never
// deleted on auth failure and never re-validated automatically.
type ProviderKeyRecord struct {
	UserID     string    `json:"user_id"`
	Provider   string    `json:"provider"`
	Ciphertext []byte    `json:"-"`
	KeyTier    KeyTier   `json:"key_tier"`
	Valid      bool      `json:"valid"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// UsageEvent is one audit record per completed execution.
type UsageEvent struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	RecipeID    string    `json:"recipe_id"`
	Format      string    `json:"format"`
	Datasets    int       `json:"datasets"`
	Succeeded   int       `json:"succeeded"`
	TotalRows   int       `json:"total_rows"`
	DurationMS  int64     `json:"duration_ms"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Store defines the persistence layer for credentials and usage events.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Provider key operations
	UpsertProviderKey(ctx context.Context, record *ProviderKeyRecord) error
	GetEncryptedKeys(ctx context.Context, userID string) ([]*ProviderKeyRecord, error)
	GetProviderKey(ctx context.Context, userID, provider string) (*ProviderKeyRecord, error)
	InvalidateKey(ctx context.Context, userID, provider string) error

	// Usage events
	RecordUsageEvent(ctx context.Context, event *UsageEvent) error
	ListUsageEvents(ctx context.Context, userID string, limit, offset int) ([]*UsageEvent, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
