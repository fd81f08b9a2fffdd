package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/costrelay/costrelay/internal/counter"
	"github.com/google/uuid"
)

// IndexEntry is one prior query in a semantic bucket. Buckets are most-recent
// first and bounded; the oldest insertion falls off when the cap is reached.
type IndexEntry struct {
	ID             string   `json:"id"`
	Tokens         []string `json:"tokens"`
	NormalizedHash string   `json:"normalizedHash"`
	CacheKey       string   `json:"cacheKey"`
	Timestamp      int64    `json:"timestamp"`
}

// Match is the outcome of a semantic scan.
type Match struct {
	Entry      IndexEntry
	Similarity float64
}

const semanticShortCircuit = 0.99

func bucketKey(providerName, model string) string {
	return "cache:semantic:" + providerName + ":" + model
}

// searchBucket scans a bucket for the best candidate at or above threshold.
// Candidates whose token-count ratio cannot reach the threshold are skipped
// before scoring; Jaccard over sets of such different sizes cannot reach it,
// so the skip never changes the outcome.
func searchBucket(ctx context.Context, store counter.Store, providerName, model string, queryTokens []string, threshold float64) (*Match, error) {
	raw, errRange := store.LRange(ctx, bucketKey(providerName, model), 0, -1)
	if errRange != nil {
		return nil, errRange
	}

	var best *Match
	for _, item := range raw {
		var entry IndexEntry
		if errUnmarshal := json.Unmarshal([]byte(item), &entry); errUnmarshal != nil {
			continue
		}

		shorter, longer := len(queryTokens), len(entry.Tokens)
		if shorter > longer {
			shorter, longer = longer, shorter
		}
		if longer == 0 {
			continue
		}
		if float64(shorter)/float64(longer) < threshold {
			continue
		}

		score := Similarity(queryTokens, entry.Tokens)
		if score < threshold {
			continue
		}
		if score >= semanticShortCircuit {
			return &Match{Entry: entry, Similarity: score}, nil
		}
		if best == nil || score > best.Similarity {
			best = &Match{Entry: entry, Similarity: score}
		}
	}
	return best, nil
}

// appendToBucket prepends an index entry and truncates the bucket to cap in
// the same operation.
func appendToBucket(ctx context.Context, store counter.Store, providerName, model string, entry IndexEntry, cap int) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}
	data, errMarshal := json.Marshal(entry)
	if errMarshal != nil {
		return errMarshal
	}
	key := bucketKey(providerName, model)
	if errPush := store.LPush(ctx, key, string(data)); errPush != nil {
		return errPush
	}
	return store.LTrim(ctx, key, 0, int64(cap)-1)
}
