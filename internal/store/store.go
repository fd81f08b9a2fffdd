// Package store is the durable persistence layer over gorm. It owns all SQL
// access; callers hand it models and filters and never touch the *gorm.DB
// directly.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/costrelay/costrelay/internal/db"
	"github.com/costrelay/costrelay/internal/models"
	"gorm.io/gorm"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// CreateProxyKey inserts a proxy key with its routing rules.
func (s *Store) CreateProxyKey(ctx context.Context, key *models.ProxyKey) error {
	if s == nil || s.db == nil || key == nil {
		return errors.New("store: nil receiver or key")
	}
	if errCreate := s.db.WithContext(ctx).Create(key).Error; errCreate != nil {
		return fmt.Errorf("store: create proxy key: %w", errCreate)
	}
	return nil
}

// ProxyKeyByID loads one proxy key scoped to an org, routing rules included.
func (s *Store) ProxyKeyByID(ctx context.Context, orgID string, id uint64) (*models.ProxyKey, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil receiver")
	}
	var key models.ProxyKey
	errFind := s.db.WithContext(ctx).
		Preload("RoutingRules").
		Where("org_id = ? AND id = ?", orgID, id).
		Take(&key).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load proxy key: %w", errFind)
	}
	return &key, nil
}

// ListProxyKeys returns an org's proxy keys, newest first. A non-empty
// nameQuery filters by case-insensitive substring match on the key name.
func (s *Store) ListProxyKeys(ctx context.Context, orgID, nameQuery string) ([]models.ProxyKey, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil receiver")
	}
	query := s.db.WithContext(ctx).
		Preload("RoutingRules").
		Where("org_id = ?", orgID)
	if nameQuery = strings.TrimSpace(nameQuery); nameQuery != "" {
		pattern := db.NormalizeLikePattern(s.db, "%"+nameQuery+"%")
		query = query.Where(db.CaseInsensitiveLikeExpr(s.db, "name"), pattern)
	}
	var keys []models.ProxyKey
	errFind := query.Order("id DESC").Find(&keys).Error
	if errFind != nil {
		return nil, fmt.Errorf("store: list proxy keys: %w", errFind)
	}
	return keys, nil
}

// ListActiveProxyKeys returns every active key across orgs, used by the
// budget reconciler.
func (s *Store) ListActiveProxyKeys(ctx context.Context) ([]models.ProxyKey, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil receiver")
	}
	var keys []models.ProxyKey
	errFind := s.db.WithContext(ctx).
		Where("active = ?", true).
		Find(&keys).Error
	if errFind != nil {
		return nil, fmt.Errorf("store: list active proxy keys: %w", errFind)
	}
	return keys, nil
}

// UpdateProxyKey persists mutable settings of a key.
func (s *Store) UpdateProxyKey(ctx context.Context, key *models.ProxyKey) error {
	if s == nil || s.db == nil || key == nil || key.ID == 0 {
		return errors.New("store: nil receiver or unsaved key")
	}
	if errSave := s.db.WithContext(ctx).Save(key).Error; errSave != nil {
		return fmt.Errorf("store: update proxy key: %w", errSave)
	}
	return nil
}

// DeleteProxyKey removes a key and its routing rules.
func (s *Store) DeleteProxyKey(ctx context.Context, orgID string, id uint64) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil receiver")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("org_id = ? AND id = ?", orgID, id).Delete(&models.ProxyKey{})
		if result.Error != nil {
			return fmt.Errorf("store: delete proxy key: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		if errRules := tx.Where("proxy_key_id = ?", id).Delete(&models.RoutingRule{}).Error; errRules != nil {
			return fmt.Errorf("store: delete routing rules: %w", errRules)
		}
		return nil
	})
}

// ReplaceRoutingRules swaps a key's manual routing rules atomically.
func (s *Store) ReplaceRoutingRules(ctx context.Context, proxyKeyID uint64, rules []models.RoutingRule) error {
	if s == nil || s.db == nil || proxyKeyID == 0 {
		return errors.New("store: nil receiver or key id")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errDelete := tx.Where("proxy_key_id = ?", proxyKeyID).Delete(&models.RoutingRule{}).Error; errDelete != nil {
			return fmt.Errorf("store: clear routing rules: %w", errDelete)
		}
		for i := range rules {
			rules[i].ID = 0
			rules[i].ProxyKeyID = proxyKeyID
		}
		if len(rules) == 0 {
			return nil
		}
		if errCreate := tx.Create(&rules).Error; errCreate != nil {
			return fmt.Errorf("store: create routing rules: %w", errCreate)
		}
		return nil
	})
}

// CreateProxyLog appends one request record.
func (s *Store) CreateProxyLog(ctx context.Context, entry *models.ProxyLog) error {
	if s == nil || s.db == nil || entry == nil {
		return errors.New("store: nil receiver or entry")
	}
	if errCreate := s.db.WithContext(ctx).Create(entry).Error; errCreate != nil {
		return fmt.Errorf("store: create proxy log: %w", errCreate)
	}
	return nil
}

// LogFilter narrows ListProxyLogs.
type LogFilter struct {
	OrgID      string
	ProxyKeyID uint64
	Model      string
	Since      time.Time
	Limit      int
	Offset     int
}

// ListProxyLogs returns matching log rows, newest first, plus the total
// count for pagination.
func (s *Store) ListProxyLogs(ctx context.Context, filter LogFilter) ([]models.ProxyLog, int64, error) {
	if s == nil || s.db == nil {
		return nil, 0, errors.New("store: nil receiver")
	}
	query := s.db.WithContext(ctx).Model(&models.ProxyLog{}).Where("org_id = ?", filter.OrgID)
	if filter.ProxyKeyID > 0 {
		query = query.Where("proxy_key_id = ?", filter.ProxyKeyID)
	}
	if model := strings.TrimSpace(filter.Model); model != "" {
		query = query.Where("model = ?", model)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		return nil, 0, fmt.Errorf("store: count proxy logs: %w", errCount)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []models.ProxyLog
	errFind := query.Order("id DESC").Limit(limit).Offset(filter.Offset).Find(&rows).Error
	if errFind != nil {
		return nil, 0, fmt.Errorf("store: list proxy logs: %w", errFind)
	}
	return rows, total, nil
}

// SpendForKeySince sums billed cost for one proxy key from the durable log.
func (s *Store) SpendForKeySince(ctx context.Context, proxyKeyID uint64, since time.Time) (float64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: nil receiver")
	}
	var total float64
	errSum := s.db.WithContext(ctx).
		Model(&models.ProxyLog{}).
		Select("COALESCE(SUM(cost), 0)").
		Where("proxy_key_id = ? AND created_at >= ?", proxyKeyID, since).
		Scan(&total).Error
	if errSum != nil {
		return 0, fmt.Errorf("store: sum key spend: %w", errSum)
	}
	return total, nil
}

// SpendForTeamSince sums billed cost across a team's keys.
func (s *Store) SpendForTeamSince(ctx context.Context, orgID, teamID string, since time.Time) (float64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: nil receiver")
	}
	var total float64
	errSum := s.db.WithContext(ctx).
		Model(&models.ProxyLog{}).
		Select("COALESCE(SUM(proxy_logs.cost), 0)").
		Joins("JOIN proxy_keys ON proxy_keys.id = proxy_logs.proxy_key_id").
		Where("proxy_keys.org_id = ? AND proxy_keys.team_id = ? AND proxy_logs.created_at >= ?", orgID, teamID, since).
		Scan(&total).Error
	if errSum != nil {
		return 0, fmt.Errorf("store: sum team spend: %w", errSum)
	}
	return total, nil
}

// SpendForOrgSince sums billed cost across an org.
func (s *Store) SpendForOrgSince(ctx context.Context, orgID string, since time.Time) (float64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store: nil receiver")
	}
	var total float64
	errSum := s.db.WithContext(ctx).
		Model(&models.ProxyLog{}).
		Select("COALESCE(SUM(cost), 0)").
		Where("org_id = ? AND created_at >= ?", orgID, since).
		Scan(&total).Error
	if errSum != nil {
		return 0, fmt.Errorf("store: sum org spend: %w", errSum)
	}
	return total, nil
}

// CreateBudgetAlert appends one threshold-crossing record.
func (s *Store) CreateBudgetAlert(ctx context.Context, alert *models.BudgetAlert) error {
	if s == nil || s.db == nil || alert == nil {
		return errors.New("store: nil receiver or alert")
	}
	if errCreate := s.db.WithContext(ctx).Create(alert).Error; errCreate != nil {
		return fmt.Errorf("store: create budget alert: %w", errCreate)
	}
	return nil
}

// ListBudgetAlerts returns an org's recent alerts, newest first.
func (s *Store) ListBudgetAlerts(ctx context.Context, orgID string, limit int) ([]models.BudgetAlert, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil receiver")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var alerts []models.BudgetAlert
	errFind := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("id DESC").
		Limit(limit).
		Find(&alerts).Error
	if errFind != nil {
		return nil, fmt.Errorf("store: list budget alerts: %w", errFind)
	}
	return alerts, nil
}

// AdminByUsername loads an operator account.
func (s *Store) AdminByUsername(ctx context.Context, username string) (*models.Admin, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil receiver")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, ErrNotFound
	}
	var admin models.Admin
	errFind := s.db.WithContext(ctx).Where("username = ?", username).Take(&admin).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load admin: %w", errFind)
	}
	return &admin, nil
}

// CreateAdmin inserts an operator account.
func (s *Store) CreateAdmin(ctx context.Context, admin *models.Admin) error {
	if s == nil || s.db == nil || admin == nil {
		return errors.New("store: nil receiver or admin")
	}
	if errCreate := s.db.WithContext(ctx).Create(admin).Error; errCreate != nil {
		return fmt.Errorf("store: create admin: %w", errCreate)
	}
	return nil
}
