package models

import "time"

// ProxyLog is the append-only record of one proxied request.
// Rows are written asynchronously after the response is sent and never updated.
type ProxyLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrgID      string `gorm:"type:text;not null;index"` // Owning organization.
	ProxyKeyID uint64 `gorm:"not null;index"`           // Key that made the request.
	RequestID  string `gorm:"type:text;not null"`       // Per-request UUID.

	Provider string `gorm:"type:text"` // Provider that served the request.
	Model    string `gorm:"type:text"` // Model that served the request.

	StatusCode int     `gorm:"not null;default:0"`
	LatencyMs  int64   `gorm:"not null;default:0"`
	Streamed   bool    `gorm:"not null;default:false"`
	Cost       float64 `gorm:"type:decimal(20,10);not null;default:0"` // USD.

	InputTokens  int `gorm:"not null;default:0"`
	OutputTokens int `gorm:"not null;default:0"`
	TotalTokens  int `gorm:"not null;default:0"`

	CacheTier       string  `gorm:"type:text"`                              // exact, normalized, or semantic; empty on miss.
	CacheSimilarity float64 `gorm:"type:decimal(6,5);not null;default:0"`   // Semantic-tier score.
	RoutedFrom      string  `gorm:"type:text"`                              // Original model when the router rewrote it.
	RoutedTo        string  `gorm:"type:text"`                              // Replacement model.
	RoutedSavings   float64 `gorm:"type:decimal(20,10);not null;default:0"` // USD saved by routing, from actual tokens.

	FallbackProvider string `gorm:"type:text"` // Provider that served after fallback.
	FallbackModel    string `gorm:"type:text"` // Model that served after fallback.

	BudgetBlockedBy string `gorm:"type:text"` // Layer that rejected the request, if any.

	ErrorMessage string `gorm:"type:text"` // Terminal error surfaced to the caller.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Creation timestamp.
}
