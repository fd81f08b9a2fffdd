package models

import (
	"time"

	"gorm.io/datatypes"
)

// Provider identifiers accepted on proxy keys.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
	// ProviderAuto marks a multi-provider key holding one credential per provider.
	ProviderAuto = "auto"
)

// Routing modes accepted on proxy keys.
const (
	RoutingOff    = "off"
	RoutingManual = "manual"
	RoutingAuto   = "auto"
)

// ProxyKey represents a stored proxy key and its per-key feature settings.
type ProxyKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrgID string `gorm:"type:text;not null;index"` // Owning organization.
	Name  string `gorm:"type:text;not null"`       // Display name.

	KeyHash   string `gorm:"type:text;not null;uniqueIndex"` // Salted SHA-256 of the raw token.
	KeyPrefix string `gorm:"type:text;not null"`             // First characters of the raw token, for display.

	Provider string `gorm:"type:text;not null"` // openai, anthropic, google, or auto.

	// Credential holds the sealed credential blob: a single ciphertext for
	// fixed-provider keys, or a JSON object keyed by provider for auto keys.
	Credential datatypes.JSON `gorm:"type:jsonb"`

	BudgetLimit    float64 `gorm:"type:decimal(20,10);not null;default:0"` // Spend ceiling in USD; 0 disables.
	BudgetDuration string  `gorm:"type:text;not null;default:'monthly'"`   // daily, weekly, or monthly.
	TeamID         string  `gorm:"type:text;index"`                        // Optional team for layered budgets.
	TeamLimit      float64 `gorm:"type:decimal(20,10);not null;default:0"` // Team spend ceiling; 0 disables.
	OrgLimit       float64 `gorm:"type:decimal(20,10);not null;default:0"` // Org spend ceiling; 0 disables.

	RateLimit int `gorm:"not null;default:0"` // Requests per minute; 0 disables.

	CacheEnabled    bool `gorm:"not null;default:false"` // Whether responses are cached.
	CacheTTLSeconds int  `gorm:"not null;default:0"`     // Exact-tier TTL override; 0 uses the default.

	RoutingMode     string `gorm:"type:text;not null;default:'off'"` // off, manual, or auto.
	FallbackEnabled bool   `gorm:"not null;default:false"`           // Whether cross-provider fallback runs.

	Active bool `gorm:"not null;default:true"` // Whether the key accepts traffic.

	RoutingRules []RoutingRule `gorm:"foreignKey:ProxyKeyID"` // Manual routing rules.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
