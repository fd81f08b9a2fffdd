package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/costrelay/costrelay/internal/db"
	"github.com/costrelay/costrelay/internal/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(conn)
}

func TestProxyKeyLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := &models.ProxyKey{
		OrgID:     "org-1",
		Name:      "prod",
		KeyHash:   "hash-1",
		KeyPrefix: "cr-abc",
		Provider:  models.ProviderOpenAI,
		Active:    true,
		RoutingRules: []models.RoutingRule{
			{FromModel: "gpt-4o", ToModel: "gpt-4o-mini", Condition: models.ConditionAlways},
		},
	}
	if err := s.CreateProxyKey(ctx, key); err != nil {
		t.Fatalf("create: %v", err)
	}
	if key.ID == 0 {
		t.Fatal("create did not assign an id")
	}

	loaded, err := s.ProxyKeyByID(ctx, "org-1", key.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Name != "prod" || len(loaded.RoutingRules) != 1 {
		t.Fatalf("unexpected key %+v", loaded)
	}

	// Keys are invisible outside their org.
	if _, err := s.ProxyKeyByID(ctx, "org-2", key.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-org load: %v; want ErrNotFound", err)
	}

	loaded.BudgetLimit = 50
	if err := s.UpdateProxyKey(ctx, loaded); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := s.ProxyKeyByID(ctx, "org-1", key.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.BudgetLimit != 50 {
		t.Fatalf("budgetLimit = %v; want 50", again.BudgetLimit)
	}

	if err := s.DeleteProxyKey(ctx, "org-1", key.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.ProxyKeyByID(ctx, "org-1", key.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load after delete: %v; want ErrNotFound", err)
	}
	if err := s.DeleteProxyKey(ctx, "org-1", key.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete: %v; want ErrNotFound", err)
	}
}

func TestReplaceRoutingRules(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := &models.ProxyKey{OrgID: "org-1", Name: "k", KeyHash: "hash-2", KeyPrefix: "cr-def", Provider: models.ProviderOpenAI, Active: true}
	if err := s.CreateProxyKey(ctx, key); err != nil {
		t.Fatalf("create: %v", err)
	}

	rules := []models.RoutingRule{
		{FromModel: "gpt-4", ToModel: "gpt-4o", Condition: models.ConditionAlways},
		{FromModel: "gpt-4o", ToModel: "gpt-4o-mini", Condition: models.ConditionSimpleOnly},
	}
	if err := s.ReplaceRoutingRules(ctx, key.ID, rules); err != nil {
		t.Fatalf("replace: %v", err)
	}
	loaded, err := s.ProxyKeyByID(ctx, "org-1", key.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.RoutingRules) != 2 {
		t.Fatalf("got %d rules; want 2", len(loaded.RoutingRules))
	}

	if err := s.ReplaceRoutingRules(ctx, key.ID, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	loaded, err = s.ProxyKeyByID(ctx, "org-1", key.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(loaded.RoutingRules) != 0 {
		t.Fatalf("got %d rules after clear; want 0", len(loaded.RoutingRules))
	}
}

func TestProxyLogsAndSpend(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := &models.ProxyKey{OrgID: "org-1", Name: "k", KeyHash: "hash-3", KeyPrefix: "cr-ghi", Provider: models.ProviderOpenAI, TeamID: "team-1", Active: true}
	if err := s.CreateProxyKey(ctx, key); err != nil {
		t.Fatalf("create key: %v", err)
	}

	for i, cost := range []float64{0.5, 1.5, 2.0} {
		entry := &models.ProxyLog{
			OrgID:      "org-1",
			ProxyKeyID: key.ID,
			RequestID:  "req",
			Provider:   "openai",
			Model:      "gpt-4o",
			StatusCode: 200,
			Cost:       cost,
		}
		if i == 2 {
			entry.Model = "gpt-4o-mini"
		}
		if err := s.CreateProxyLog(ctx, entry); err != nil {
			t.Fatalf("create log %d: %v", i, err)
		}
	}

	rows, total, err := s.ListProxyLogs(ctx, LogFilter{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(rows) != 3 {
		t.Fatalf("total = %d, rows = %d; want 3, 3", total, len(rows))
	}

	rows, total, err = s.ListProxyLogs(ctx, LogFilter{OrgID: "org-1", Model: "gpt-4o-mini"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if total != 1 || rows[0].Cost != 2.0 {
		t.Fatalf("filtered total = %d, cost = %v", total, rows[0].Cost)
	}

	since := time.Now().Add(-time.Hour)
	keySpend, err := s.SpendForKeySince(ctx, key.ID, since)
	if err != nil {
		t.Fatalf("key spend: %v", err)
	}
	if keySpend != 4.0 {
		t.Fatalf("key spend = %v; want 4", keySpend)
	}
	teamSpend, err := s.SpendForTeamSince(ctx, "org-1", "team-1", since)
	if err != nil {
		t.Fatalf("team spend: %v", err)
	}
	if teamSpend != 4.0 {
		t.Fatalf("team spend = %v; want 4", teamSpend)
	}
	orgSpend, err := s.SpendForOrgSince(ctx, "org-1", since)
	if err != nil {
		t.Fatalf("org spend: %v", err)
	}
	if orgSpend != 4.0 {
		t.Fatalf("org spend = %v; want 4", orgSpend)
	}
	if empty, _ := s.SpendForOrgSince(ctx, "org-2", since); empty != 0 {
		t.Fatalf("other org spend = %v; want 0", empty)
	}
}

func TestBudgetAlerts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	alert := &models.BudgetAlert{
		OrgID:        "org-1",
		ProxyKeyID:   1,
		Level:        "key",
		Threshold:    0.8,
		Period:       "2024-05",
		CurrentSpend: 8,
		BudgetLimit:  10,
	}
	if err := s.CreateBudgetAlert(ctx, alert); err != nil {
		t.Fatalf("create: %v", err)
	}
	alerts, err := s.ListBudgetAlerts(ctx, "org-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(alerts) != 1 || alerts[0].Threshold != 0.8 {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

func TestAdminAccounts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateAdmin(ctx, &models.Admin{Username: "ops", Password: "hashed"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	admin, err := s.AdminByUsername(ctx, "ops")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if admin.Password != "hashed" {
		t.Fatalf("unexpected admin %+v", admin)
	}
	if _, err := s.AdminByUsername(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing admin: %v; want ErrNotFound", err)
	}
}

func TestListProxyKeysNameSearch(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, name := range []string{"Prod Backend", "prod-frontend", "staging"} {
		key := &models.ProxyKey{
			OrgID:     "org-1",
			Name:      name,
			KeyHash:   "hash-" + name,
			KeyPrefix: "cr-" + name[:4],
			Provider:  models.ProviderOpenAI,
			Active:    true,
		}
		if err := s.CreateProxyKey(ctx, key); err != nil {
			t.Fatalf("create %q: %v", name, err)
		}
	}

	all, err := s.ListProxyKeys(ctx, "org-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("unfiltered list = %d keys, want 3", len(all))
	}

	// Matching is case-insensitive regardless of the stored casing.
	matched, err := s.ListProxyKeys(ctx, "org-1", "PROD")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matched) != 2 {
		t.Fatalf("search = %d keys, want 2", len(matched))
	}
	for _, key := range matched {
		if key.Name == "staging" {
			t.Fatalf("search matched %q", key.Name)
		}
	}

	none, err := s.ListProxyKeys(ctx, "org-2", "prod")
	if err != nil {
		t.Fatalf("cross-org search: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("cross-org search = %d keys, want 0", len(none))
	}
}
