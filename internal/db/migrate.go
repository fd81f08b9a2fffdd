package db

import (
	"fmt"

	"github.com/costrelay/costrelay/internal/models"
	"gorm.io/gorm"
)

// Migrate runs database migrations for the current dialect.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}

	if errAutoMigrate := conn.AutoMigrate(
		&models.Admin{},
		&models.ProxyKey{},
		&models.RoutingRule{},
		&models.ProxyLog{},
		&models.BudgetAlert{},
	); errAutoMigrate != nil {
		return fmt.Errorf("db: auto migrate: %w", errAutoMigrate)
	}

	if !IsSQLite(conn) {
		if errIndex := conn.Exec(
			`CREATE INDEX IF NOT EXISTS idx_proxy_logs_org_created ON proxy_logs (org_id, created_at)`,
		).Error; errIndex != nil {
			return fmt.Errorf("db: create log index: %w", errIndex)
		}
	}
	return nil
}
