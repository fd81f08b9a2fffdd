package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/costrelay/costrelay/internal/models"
	"gorm.io/gorm"
)

// ErrUnknownKey indicates the bearer token does not match an active proxy key.
var ErrUnknownKey = errors.New("keys: unknown or inactive proxy key")

// ResolvedKey is the runtime-decrypted view of a proxy key. Credentials live
// only in memory for the duration of one request.
type ResolvedKey struct {
	ID    uint64
	OrgID string

	// Provider is the fixed upstream provider, or models.ProviderAuto.
	Provider string
	// Credentials maps provider name to plaintext credential. Fixed-provider
	// keys hold a single entry under their provider name.
	Credentials map[string]string

	BudgetLimit    float64
	BudgetDuration string
	TeamID         string
	TeamLimit      float64
	OrgLimit       float64

	RateLimit int

	CacheEnabled    bool
	CacheTTLSeconds int

	RoutingMode     string
	RoutingRules    []models.RoutingRule
	FallbackEnabled bool
}

// CredentialFor returns the plaintext credential for a provider.
func (k *ResolvedKey) CredentialFor(provider string) (string, bool) {
	if k == nil {
		return "", false
	}
	cred, ok := k.Credentials[provider]
	return cred, ok && cred != ""
}

// Resolver turns bearer tokens into ResolvedKeys.
type Resolver struct {
	db     *gorm.DB
	sealer *Sealer
	salt   string
}

// NewResolver constructs a Resolver.
func NewResolver(db *gorm.DB, sealer *Sealer, salt string) *Resolver {
	return &Resolver{db: db, sealer: sealer, salt: salt}
}

// Resolve looks up and decrypts the proxy key for a raw bearer token.
func (r *Resolver) Resolve(ctx context.Context, token string) (*ResolvedKey, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("keys: resolver not initialized")
	}
	token = strings.TrimSpace(token)
	if !LooksLikeToken(token) {
		return nil, ErrUnknownKey
	}

	var row models.ProxyKey
	errFind := r.db.WithContext(ctx).
		Preload("RoutingRules").
		Where("key_hash = ? AND active = ?", HashToken(r.salt, token), true).
		First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownKey
		}
		return nil, fmt.Errorf("keys: lookup proxy key: %w", errFind)
	}

	creds, errCreds := r.unsealCredentials(&row)
	if errCreds != nil {
		return nil, errCreds
	}

	return &ResolvedKey{
		ID:              row.ID,
		OrgID:           row.OrgID,
		Provider:        row.Provider,
		Credentials:     creds,
		BudgetLimit:     row.BudgetLimit,
		BudgetDuration:  row.BudgetDuration,
		TeamID:          row.TeamID,
		TeamLimit:       row.TeamLimit,
		OrgLimit:        row.OrgLimit,
		RateLimit:       row.RateLimit,
		CacheEnabled:    row.CacheEnabled,
		CacheTTLSeconds: row.CacheTTLSeconds,
		RoutingMode:     row.RoutingMode,
		RoutingRules:    row.RoutingRules,
		FallbackEnabled: row.FallbackEnabled,
	}, nil
}

// unsealCredentials decodes the stored blob: a JSON string for fixed-provider
// keys, or a JSON object keyed by provider for auto keys.
func (r *Resolver) unsealCredentials(row *models.ProxyKey) (map[string]string, error) {
	if len(row.Credential) == 0 {
		return nil, fmt.Errorf("keys: proxy key %d has no credential", row.ID)
	}

	creds := make(map[string]string)
	if row.Provider == models.ProviderAuto {
		var sealedMap map[string]string
		if errUnmarshal := json.Unmarshal(row.Credential, &sealedMap); errUnmarshal != nil {
			return nil, fmt.Errorf("keys: decode credential map: %w", errUnmarshal)
		}
		for provider, sealed := range sealedMap {
			plain, errOpen := r.sealer.Open(sealed)
			if errOpen != nil {
				return nil, errOpen
			}
			creds[strings.TrimSpace(provider)] = plain
		}
		return creds, nil
	}

	var sealed string
	if errUnmarshal := json.Unmarshal(row.Credential, &sealed); errUnmarshal != nil {
		return nil, fmt.Errorf("keys: decode credential: %w", errUnmarshal)
	}
	plain, errOpen := r.sealer.Open(sealed)
	if errOpen != nil {
		return nil, errOpen
	}
	creds[row.Provider] = plain
	return creds, nil
}

// EncodeCredential seals a fixed-provider credential into the stored blob form.
func EncodeCredential(sealer *Sealer, plaintext string) ([]byte, error) {
	sealed, errSeal := sealer.Seal(plaintext)
	if errSeal != nil {
		return nil, errSeal
	}
	return json.Marshal(sealed)
}

// EncodeCredentialMap seals a per-provider credential map for auto keys.
func EncodeCredentialMap(sealer *Sealer, plaintexts map[string]string) ([]byte, error) {
	sealedMap := make(map[string]string, len(plaintexts))
	for provider, plain := range plaintexts {
		sealed, errSeal := sealer.Seal(plain)
		if errSeal != nil {
			return nil, errSeal
		}
		sealedMap[provider] = sealed
	}
	return json.Marshal(sealedMap)
}
