package budget

import (
	"context"
	"time"

	"github.com/costrelay/costrelay/internal/models"
	"github.com/costrelay/costrelay/internal/store"
	log "github.com/sirupsen/logrus"
)

// Reconciler periodically recomputes budget counters from the durable log,
// correcting drift left behind by counter-store outages. It overwrites each
// active layer's current-period counter with the true spend.
type Reconciler struct {
	store    *store.Store
	enforcer *Enforcer
	interval time.Duration
}

// NewReconciler constructs a Reconciler.
func NewReconciler(durable *store.Store, enforcer *Enforcer, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Reconciler{store: durable, enforcer: enforcer, interval: interval}
}

// Run loops until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if errOnce := r.ReconcileOnce(ctx); errOnce != nil {
				log.WithError(errOnce).Warn("budget reconciliation failed")
			}
		}
	}
}

// ReconcileOnce recomputes every active layer's counter once.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	if r == nil || r.store == nil || r.enforcer == nil {
		return nil
	}
	activeKeys, errList := r.store.ListActiveProxyKeys(ctx)
	if errList != nil {
		return errList
	}
	now := r.enforcer.nowFn()

	type teamScope struct {
		orgID  string
		teamID string
	}
	teamLimits := make(map[teamScope]float64)
	orgLimits := make(map[string]float64)

	for i := range activeKeys {
		key := &activeKeys[i]
		if key.BudgetLimit > 0 {
			if errKey := r.reconcileKey(ctx, key, now); errKey != nil {
				log.WithError(errKey).WithField("key", key.ID).Warn("key budget reconcile failed")
			}
		}
		if key.TeamID != "" && key.TeamLimit > 0 {
			teamLimits[teamScope{orgID: key.OrgID, teamID: key.TeamID}] = key.TeamLimit
		}
		if key.OrgLimit > 0 {
			orgLimits[key.OrgID] = key.OrgLimit
		}
	}

	for scope, limit := range teamLimits {
		spend, errSpend := r.store.SpendForTeamSince(ctx, scope.orgID, scope.teamID, PeriodStart(DurationMonthly, now))
		if errSpend != nil {
			log.WithError(errSpend).WithField("team", scope.teamID).Warn("team budget reconcile failed")
			continue
		}
		layer := Layer{Level: LevelTeam, ID: scope.teamID, Limit: limit, Duration: DurationMonthly}
		if errWrite := r.enforcer.Overwrite(ctx, layer, spend); errWrite != nil {
			log.WithError(errWrite).WithField("team", scope.teamID).Warn("team counter overwrite failed")
		}
	}
	for orgID, limit := range orgLimits {
		spend, errSpend := r.store.SpendForOrgSince(ctx, orgID, PeriodStart(DurationMonthly, now))
		if errSpend != nil {
			log.WithError(errSpend).WithField("org", orgID).Warn("org budget reconcile failed")
			continue
		}
		layer := Layer{Level: LevelOrg, ID: orgID, Limit: limit, Duration: DurationMonthly}
		if errWrite := r.enforcer.Overwrite(ctx, layer, spend); errWrite != nil {
			log.WithError(errWrite).WithField("org", orgID).Warn("org counter overwrite failed")
		}
	}
	return nil
}

func (r *Reconciler) reconcileKey(ctx context.Context, key *models.ProxyKey, now time.Time) error {
	duration := normalizeDuration(key.BudgetDuration)
	spend, errSpend := r.store.SpendForKeySince(ctx, key.ID, PeriodStart(duration, now))
	if errSpend != nil {
		return errSpend
	}
	layer := Layer{
		Level:    LevelKey,
		ID:       keyLayerID(key.ID),
		Limit:    key.BudgetLimit,
		Duration: duration,
	}
	return r.enforcer.Overwrite(ctx, layer, spend)
}
