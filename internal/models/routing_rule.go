package models

import "time"

// Routing rule conditions.
const (
	ConditionAlways     = "always"
	ConditionSimpleOnly = "simple-only"
	ConditionShortOnly  = "short-only"
)

// RoutingRule maps one requested model to a cheaper replacement for a proxy key.
// At most one rule exists per (proxy key, from model) pair.
type RoutingRule struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	ProxyKeyID uint64 `gorm:"not null;uniqueIndex:idx_rule_key_from"` // Owning proxy key.
	FromModel  string `gorm:"type:text;not null;uniqueIndex:idx_rule_key_from"`
	ToModel    string `gorm:"type:text;not null"`
	Condition  string `gorm:"type:text;not null;default:'always'"` // always, simple-only, or short-only.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
