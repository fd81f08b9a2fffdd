// Package budget enforces layered spend ceilings over the counter store.
// Checks and increments run as separate steps on purpose: the check is O(1)
// and never holds a lock across the upstream call, so a concurrent burst can
// overshoot slightly. Reconciliation against the durable log corrects drift.
package budget

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/costrelay/costrelay/internal/alerting"
	"github.com/costrelay/costrelay/internal/async"
	"github.com/costrelay/costrelay/internal/counter"
	"github.com/costrelay/costrelay/internal/keys"
	log "github.com/sirupsen/logrus"
)

// Budget layer levels, checked most specific first.
const (
	LevelKey  = "key"
	LevelTeam = "team"
	LevelOrg  = "org"
)

// Budget periods.
const (
	DurationDaily   = "daily"
	DurationWeekly  = "weekly"
	DurationMonthly = "monthly"
)

// Counter TTLs outlive their period so late reconciliation still sees the
// value.
var counterTTL = map[string]time.Duration{
	DurationDaily:   48 * time.Hour,
	DurationWeekly:  240 * time.Hour,
	DurationMonthly: 1080 * time.Hour,
}

// Alert thresholds as fractions of the layer limit.
var alertThresholds = []float64{0.8, 0.9, 1.0}

// Layer is one spend ceiling: a level, the entity it applies to, and the
// rolling period its counter lives in.
type Layer struct {
	Level    string
	ID       string
	Limit    float64
	Duration string
}

// Block reports which layer rejected a request.
type Block struct {
	Layer        Layer
	CurrentSpend float64
	RetryAfter   time.Duration
}

// LayersFor builds the ordered layer list for a resolved proxy key: the key's
// own ceiling first, then its team's, then the org's. Layers with a zero
// limit are omitted.
func LayersFor(key *keys.ResolvedKey) []Layer {
	if key == nil {
		return nil
	}
	var layers []Layer
	if key.BudgetLimit > 0 {
		layers = append(layers, Layer{
			Level:    LevelKey,
			ID:       keyLayerID(key.ID),
			Limit:    key.BudgetLimit,
			Duration: normalizeDuration(key.BudgetDuration),
		})
	}
	if key.TeamID != "" && key.TeamLimit > 0 {
		layers = append(layers, Layer{
			Level:    LevelTeam,
			ID:       key.TeamID,
			Limit:    key.TeamLimit,
			Duration: DurationMonthly,
		})
	}
	if key.OrgLimit > 0 {
		layers = append(layers, Layer{
			Level:    LevelOrg,
			ID:       key.OrgID,
			Limit:    key.OrgLimit,
			Duration: DurationMonthly,
		})
	}
	return layers
}

func keyLayerID(proxyKeyID uint64) string {
	return strconv.FormatUint(proxyKeyID, 10)
}

func normalizeDuration(duration string) string {
	switch strings.ToLower(strings.TrimSpace(duration)) {
	case DurationDaily:
		return DurationDaily
	case DurationWeekly:
		return DurationWeekly
	default:
		return DurationMonthly
	}
}

// periodBucket returns the counter bucket for a duration at the given
// instant, always in UTC. Buckets are never shared across periods: daily
// buckets are the calendar date, weekly buckets the date of the ISO week's
// Monday, monthly buckets the year-month.
func periodBucket(duration string, now time.Time) string {
	now = now.UTC()
	switch duration {
	case DurationDaily:
		return now.Format("2006-01-02")
	case DurationWeekly:
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		monday := now.AddDate(0, 0, 1-weekday)
		return monday.Format("2006-01-02")
	default:
		return now.Format("2006-01")
	}
}

// periodEnd returns the first instant of the next period.
func periodEnd(duration string, now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch duration {
	case DurationDaily:
		return day.AddDate(0, 0, 1)
	case DurationWeekly:
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		return day.AddDate(0, 0, 8-weekday)
	default:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	}
}

func counterKey(layer Layer, bucket string) string {
	return fmt.Sprintf("budget:%s:%s:%s", layer.Level, layer.ID, bucket)
}

func alertMarkerKey(layer Layer, bucket string, threshold float64) string {
	return fmt.Sprintf("budget:alert:%s:%s:%s:%.2f", layer.Level, layer.ID, bucket, threshold)
}

// Enforcer checks and records spend against the counter store.
type Enforcer struct {
	store counter.Store
	nowFn func() time.Time
}

// NewEnforcer constructs an Enforcer.
func NewEnforcer(store counter.Store) *Enforcer {
	return &Enforcer{store: store, nowFn: time.Now}
}

// Check walks the layers in order and returns the first one whose
// current-period spend has reached its limit. A nil Block means the request
// may proceed. Counter-store failures degrade to allowing the request.
func (e *Enforcer) Check(ctx context.Context, layers []Layer) (*Block, error) {
	if e == nil || e.store == nil {
		return nil, nil
	}
	now := e.nowFn()
	for _, layer := range layers {
		if layer.Limit <= 0 {
			continue
		}
		bucket := periodBucket(layer.Duration, now)
		spend, errRead := e.currentSpend(ctx, counterKey(layer, bucket))
		if errRead != nil {
			log.WithError(errRead).WithFields(log.Fields{
				"level": layer.Level,
				"id":    layer.ID,
			}).Warn("budget counter read failed, allowing request")
			continue
		}
		if spend >= layer.Limit {
			retryAfter := periodEnd(layer.Duration, now).Sub(now)
			if retryAfter > time.Hour {
				retryAfter = time.Hour
			}
			return &Block{Layer: layer, CurrentSpend: spend, RetryAfter: retryAfter}, nil
		}
	}
	return nil, nil
}

func (e *Enforcer) currentSpend(ctx context.Context, key string) (float64, error) {
	raw, errGet := e.store.Get(ctx, key)
	if errGet != nil {
		if errGet == counter.ErrNotFound {
			return 0, nil
		}
		return 0, errGet
	}
	spend, errParse := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if errParse != nil {
		return 0, fmt.Errorf("budget: parse counter %s: %w", key, errParse)
	}
	return spend, nil
}

// Record atomically adds cost to every layer's current-period counter. The
// TTL is armed only by the increment that creates a key, so repeated writes
// never extend a period's counter past its intended lifetime. Crossed alert
// thresholds are reported through the notifier, at most once per layer,
// bucket, and threshold.
func (e *Enforcer) Record(ctx context.Context, orgID string, layers []Layer, cost float64, notifier alerting.Notifier) {
	if e == nil || e.store == nil || cost <= 0 {
		return
	}
	now := e.nowFn()
	for _, layer := range layers {
		if layer.Limit <= 0 {
			continue
		}
		bucket := periodBucket(layer.Duration, now)
		key := counterKey(layer, bucket)
		total, errIncr := e.store.IncrByFloat(ctx, key, cost)
		if errIncr != nil {
			log.WithError(errIncr).WithFields(log.Fields{
				"level": layer.Level,
				"id":    layer.ID,
			}).Warn("budget counter increment failed")
			continue
		}
		if created := total-cost < 1e-9; created {
			if errExpire := e.store.Expire(ctx, key, counterTTL[layer.Duration]); errExpire != nil {
				log.WithError(errExpire).Warn("budget counter expire failed")
			}
		}
		e.maybeAlert(ctx, orgID, layer, bucket, total, notifier)
	}
}

func (e *Enforcer) maybeAlert(ctx context.Context, orgID string, layer Layer, bucket string, spend float64, notifier alerting.Notifier) {
	if notifier == nil {
		return
	}
	for _, threshold := range alertThresholds {
		if spend < layer.Limit*threshold {
			continue
		}
		marker := alertMarkerKey(layer, bucket, threshold)
		created, errSet := e.store.SetNX(ctx, marker, "1", counterTTL[layer.Duration])
		if errSet != nil {
			log.WithError(errSet).Debug("budget alert marker write failed")
			continue
		}
		if !created {
			continue
		}
		alert := alerting.Alert{
			OrgID:        orgID,
			Level:        layer.Level,
			LayerID:      layer.ID,
			Bucket:       bucket,
			Threshold:    threshold,
			CurrentSpend: spend,
			Limit:        layer.Limit,
			Message:      fmt.Sprintf("budget %s layer %s at %.0f%% of limit", layer.Level, layer.ID, threshold*100),
		}
		// The marker is already claimed; delivery must not hold up the caller.
		async.Go("budget-alert", func(ctx context.Context) {
			notifier.Notify(ctx, alert)
		})
	}
}

// Overwrite replaces a layer's current-period counter with the given spend.
// Used by reconciliation to correct drift after counter-store outages.
func (e *Enforcer) Overwrite(ctx context.Context, layer Layer, spend float64) error {
	if e == nil || e.store == nil {
		return nil
	}
	bucket := periodBucket(layer.Duration, e.nowFn())
	value := strconv.FormatFloat(math.Max(spend, 0), 'f', -1, 64)
	return e.store.Set(ctx, counterKey(layer, bucket), value, counterTTL[layer.Duration])
}

// PeriodStart returns the first instant of the current period, the window
// reconciliation sums the durable log over.
func PeriodStart(duration string, now time.Time) time.Time {
	now = now.UTC()
	switch duration {
	case DurationDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case DurationWeekly:
		weekday := int(now.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return day.AddDate(0, 0, 1-weekday)
	default:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}
