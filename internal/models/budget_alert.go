package models

import "time"

// BudgetAlert records one budget-threshold crossing for audit and display.
type BudgetAlert struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrgID      string  `gorm:"type:text;not null;index"` // Owning organization.
	ProxyKeyID uint64  `gorm:"not null;index"`           // Key whose spend crossed the threshold.
	Level      string  `gorm:"type:text;not null"`       // Budget layer: key, team, or org.
	Threshold  float64 `gorm:"type:decimal(4,2);not null"` // Crossed fraction of the limit (0.8, 0.9, 1.0).
	Period     string  `gorm:"type:text;not null"`       // Period bucket label the spend belongs to.

	CurrentSpend float64 `gorm:"type:decimal(20,10);not null"` // Spend at crossing time, USD.
	BudgetLimit  float64 `gorm:"type:decimal(20,10);not null"` // Configured ceiling, USD.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
