package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/costrelay/costrelay/internal/counter"
	log "github.com/sirupsen/logrus"
)

// Cache tiers reported on hits.
const (
	TierExact      = "exact"
	TierNormalized = "normalized"
	TierSemantic   = "semantic"
)

// Entry is one cached upstream response. Entries are written once after a
// successful call and are read-only until TTL expiry.
type Entry struct {
	ResponseBody []byte  `json:"responseBody"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
	Timestamp    int64   `json:"timestamp"`
	TTLSeconds   int     `json:"ttlSeconds"`
}

// Hit describes a successful lookup.
type Hit struct {
	Entry      Entry
	Tier       string
	Similarity float64
}

// Engine is the three-tier cache over the counter store. The store is
// expected to be a counter.Manager so outages degrade to memory instead of
// failing lookups.
type Engine struct {
	store             counter.Store
	defaultTTL        time.Duration
	semanticThreshold float64
	semanticBucketCap int
}

// NewEngine constructs an Engine.
func NewEngine(store counter.Store, defaultTTL time.Duration, semanticThreshold float64, semanticBucketCap int) *Engine {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	if semanticThreshold <= 0 || semanticThreshold > 1 {
		semanticThreshold = 0.85
	}
	if semanticBucketCap <= 0 {
		semanticBucketCap = 200
	}
	return &Engine{
		store:             store,
		defaultTTL:        defaultTTL,
		semanticThreshold: semanticThreshold,
		semanticBucketCap: semanticBucketCap,
	}
}

func exactStoreKey(hash string) string      { return "cache:exact:" + hash }
func normalizedStoreKey(hash string) string { return "cache:norm:" + hash }
func statsKey(proxyKeyID uint64) string     { return "cache:stats:" + strconv.FormatUint(proxyKeyID, 10) }

// Lookup tries the exact, normalized, and semantic tiers in order. A nil Hit
// with a nil error is a miss. Only non-streaming requests reach this path.
func (e *Engine) Lookup(ctx context.Context, proxyKeyID uint64, req Request) (*Hit, error) {
	if e == nil || e.store == nil {
		return nil, nil
	}

	if entry, ok := e.fetchEntry(ctx, exactStoreKey(req.ExactKey())); ok {
		e.countHit(ctx, proxyKeyID, TierExact)
		return &Hit{Entry: entry, Tier: TierExact, Similarity: 1}, nil
	}

	if alias, errGet := e.store.Get(ctx, normalizedStoreKey(req.NormalizedKey())); errGet == nil {
		if entry, ok := e.fetchEntry(ctx, alias); ok {
			e.countHit(ctx, proxyKeyID, TierNormalized)
			return &Hit{Entry: entry, Tier: TierNormalized, Similarity: 1}, nil
		}
	}

	queryTokens := Tokenize(req.QueryText())
	match, errSearch := searchBucket(ctx, e.store, req.Provider, req.Model, queryTokens, e.semanticThreshold)
	if errSearch != nil {
		log.WithError(errSearch).Debug("semantic bucket scan failed")
	}
	if match != nil {
		// The matched entry points at the exact-tier store; eviction there
		// downgrades the match to a full miss.
		if entry, ok := e.fetchEntry(ctx, match.Entry.CacheKey); ok {
			e.countHit(ctx, proxyKeyID, TierSemantic)
			return &Hit{Entry: entry, Tier: TierSemantic, Similarity: match.Similarity}, nil
		}
	}

	e.countMiss(ctx, proxyKeyID)
	return nil, nil
}

// Store writes the exact-tier entry, the normalized alias, and the semantic
// index record. Callers gate on caching being enabled and the upstream
// response being successful and non-streaming.
func (e *Engine) Store(ctx context.Context, req Request, entry Entry, ttlOverride time.Duration) error {
	if e == nil || e.store == nil {
		return nil
	}
	ttl := e.defaultTTL
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	entry.TTLSeconds = int(ttl / time.Second)
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}

	data, errMarshal := json.Marshal(entry)
	if errMarshal != nil {
		return fmt.Errorf("cache: marshal entry: %w", errMarshal)
	}

	exactKey := exactStoreKey(req.ExactKey())
	if errSet := e.store.Set(ctx, exactKey, string(data), ttl); errSet != nil {
		return fmt.Errorf("cache: store exact entry: %w", errSet)
	}
	if errSet := e.store.Set(ctx, normalizedStoreKey(req.NormalizedKey()), exactKey, ttl); errSet != nil {
		return fmt.Errorf("cache: store normalized alias: %w", errSet)
	}

	queryTokens := Tokenize(req.QueryText())
	indexEntry := IndexEntry{
		Tokens:         queryTokens,
		NormalizedHash: req.NormalizedKey(),
		CacheKey:       exactKey,
	}
	if errAppend := appendToBucket(ctx, e.store, req.Provider, req.Model, indexEntry, e.semanticBucketCap); errAppend != nil {
		return fmt.Errorf("cache: append semantic index: %w", errAppend)
	}
	return nil
}

// Stats returns the hit/miss counters for a proxy key.
func (e *Engine) Stats(ctx context.Context, proxyKeyID uint64) (map[string]string, error) {
	if e == nil || e.store == nil {
		return nil, nil
	}
	return e.store.HGetAll(ctx, statsKey(proxyKeyID))
}

func (e *Engine) fetchEntry(ctx context.Context, storeKey string) (Entry, bool) {
	raw, errGet := e.store.Get(ctx, storeKey)
	if errGet != nil {
		return Entry{}, false
	}
	var entry Entry
	if errUnmarshal := json.Unmarshal([]byte(raw), &entry); errUnmarshal != nil {
		return Entry{}, false
	}
	return entry, true
}

func (e *Engine) countHit(ctx context.Context, proxyKeyID uint64, tier string) {
	if _, errIncr := e.store.HIncrBy(ctx, statsKey(proxyKeyID), "hits:"+tier, 1); errIncr != nil {
		log.WithError(errIncr).Debug("cache hit counter increment failed")
	}
}

func (e *Engine) countMiss(ctx context.Context, proxyKeyID uint64) {
	if _, errIncr := e.store.HIncrBy(ctx, statsKey(proxyKeyID), "misses", 1); errIncr != nil {
		log.WithError(errIncr).Debug("cache miss counter increment failed")
	}
}
