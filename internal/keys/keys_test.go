package keys

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/costrelay/costrelay/internal/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func testSealer(t *testing.T) *Sealer {
	t.Helper()
	sealer, err := NewSealer(hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return sealer
}

func TestGenerateToken_Shape(t *testing.T) {
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(token, TokenPrefix) {
		t.Fatalf("expected prefix %q, got %q", TokenPrefix, token)
	}
	if len(token) != len(TokenPrefix)+43 {
		t.Fatalf("expected %d chars, got %d", len(TokenPrefix)+43, len(token))
	}
	if !LooksLikeToken(token) {
		t.Fatalf("generated token should look like a token")
	}

	other, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if token == other {
		t.Fatalf("two generated tokens should differ")
	}
}

func TestHashToken_SaltChangesHash(t *testing.T) {
	if HashToken("a", "tok") == HashToken("b", "tok") {
		t.Fatalf("different salts must produce different hashes")
	}
	if HashToken("a", "tok") != HashToken("a", "tok") {
		t.Fatalf("hash must be deterministic")
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	sealer := testSealer(t)

	sealed, err := sealer.Seal("sk-upstream-secret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(sealed, "sk-upstream-secret") {
		t.Fatalf("sealed blob must not contain plaintext")
	}
	plain, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "sk-upstream-secret" {
		t.Fatalf("expected round trip, got %q", plain)
	}
}

func TestResolver_FixedProviderKey(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(&models.ProxyKey{}, &models.RoutingRule{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	sealer := testSealer(t)
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	blob, err := EncodeCredential(sealer, "sk-real")
	if err != nil {
		t.Fatalf("encode credential: %v", err)
	}
	row := models.ProxyKey{
		OrgID:        "org-1",
		Name:         "test",
		KeyHash:      HashToken("salt", token),
		KeyPrefix:    DisplayPrefix(token),
		Provider:     models.ProviderOpenAI,
		Credential:   blob,
		CacheEnabled: true,
		Active:       true,
	}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	resolver := NewResolver(conn, sealer, "salt")
	resolved, err := resolver.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.OrgID != "org-1" {
		t.Fatalf("expected org-1, got %q", resolved.OrgID)
	}
	cred, ok := resolved.CredentialFor(models.ProviderOpenAI)
	if !ok || cred != "sk-real" {
		t.Fatalf("expected decrypted credential, got %q ok=%v", cred, ok)
	}

	if _, err := resolver.Resolve(context.Background(), "cr-"+strings.Repeat("x", 43)); err != ErrUnknownKey {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestResolver_AutoKeyCredentialMap(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := conn.AutoMigrate(&models.ProxyKey{}, &models.RoutingRule{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	sealer := testSealer(t)
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	blob, err := EncodeCredentialMap(sealer, map[string]string{
		models.ProviderOpenAI:    "sk-oai",
		models.ProviderAnthropic: "sk-ant",
	})
	if err != nil {
		t.Fatalf("encode credential map: %v", err)
	}
	row := models.ProxyKey{
		OrgID:      "org-2",
		Name:       "auto",
		KeyHash:    HashToken("salt", token),
		KeyPrefix:  DisplayPrefix(token),
		Provider:   models.ProviderAuto,
		Credential: blob,
		Active:     true,
	}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	resolver := NewResolver(conn, sealer, "salt")
	resolved, err := resolver.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cred, ok := resolved.CredentialFor(models.ProviderAnthropic); !ok || cred != "sk-ant" {
		t.Fatalf("expected anthropic credential, got %q ok=%v", cred, ok)
	}
	if _, ok := resolved.CredentialFor(models.ProviderGoogle); ok {
		t.Fatalf("expected no google credential")
	}
}
