// Package api is the management surface: admin login, proxy-key CRUD,
// routing rules, request logs, budget alerts, cache statistics, and a
// manual reconciliation trigger.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/costrelay/costrelay/internal/auth"
	"github.com/costrelay/costrelay/internal/budget"
	"github.com/costrelay/costrelay/internal/cache"
	"github.com/costrelay/costrelay/internal/keys"
	"github.com/costrelay/costrelay/internal/models"
	"github.com/costrelay/costrelay/internal/store"
	log "github.com/sirupsen/logrus"
)

// Handler serves the admin API.
type Handler struct {
	store      *store.Store
	sealer     *keys.Sealer
	tokenSalt  string
	jwtSecret  string
	jwtExpiry  time.Duration
	cache      *cache.Engine
	reconciler *budget.Reconciler
}

// NewHandler constructs a Handler.
func NewHandler(durable *store.Store, sealer *keys.Sealer, tokenSalt, jwtSecret string, jwtExpiry time.Duration, cacheEngine *cache.Engine, reconciler *budget.Reconciler) *Handler {
	return &Handler{
		store:      durable,
		sealer:     sealer,
		tokenSalt:  tokenSalt,
		jwtSecret:  jwtSecret,
		jwtExpiry:  jwtExpiry,
		cache:      cacheEngine,
		reconciler: reconciler,
	}
}

// Register attaches the admin routes.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/admin/login", h.login)

	authed := r.Group("/admin", h.requireAdmin)
	authed.GET("/orgs/:orgId/keys", h.listKeys)
	authed.POST("/orgs/:orgId/keys", h.createKey)
	authed.GET("/orgs/:orgId/keys/:id", h.getKey)
	authed.PUT("/orgs/:orgId/keys/:id", h.updateKey)
	authed.DELETE("/orgs/:orgId/keys/:id", h.deleteKey)
	authed.PUT("/orgs/:orgId/keys/:id/rules", h.replaceRules)
	authed.GET("/orgs/:orgId/keys/:id/cache-stats", h.cacheStats)
	authed.GET("/orgs/:orgId/logs", h.listLogs)
	authed.GET("/orgs/:orgId/alerts", h.listAlerts)
	authed.POST("/reconcile", h.reconcile)
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	admin, errFind := h.store.AdminByUsername(c.Request.Context(), req.Username)
	if errFind != nil || !auth.CheckPassword(admin.Password, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, errIssue := auth.IssueToken(h.jwtSecret, h.jwtExpiry, admin.ID, admin.Username)
	if errIssue != nil {
		log.WithError(errIssue).Error("admin token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handler) requireAdmin(c *gin.Context) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	claims, errParse := auth.ParseToken(h.jwtSecret, token)
	if errParse != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}
	c.Set("adminID", claims.AdminID)
	c.Next()
}

// keyPayload is the writable view of a proxy key.
type keyPayload struct {
	Name            string            `json:"name" binding:"required"`
	Provider        string            `json:"provider" binding:"required"`
	Credential      string            `json:"credential"`
	Credentials     map[string]string `json:"credentials"`
	BudgetLimit     float64           `json:"budgetLimit"`
	BudgetDuration  string            `json:"budgetDuration"`
	TeamID          string            `json:"teamId"`
	TeamLimit       float64           `json:"teamLimit"`
	OrgLimit        float64           `json:"orgLimit"`
	RateLimit       int               `json:"rateLimit"`
	CacheEnabled    bool              `json:"cacheEnabled"`
	CacheTTLSeconds int               `json:"cacheTtlSeconds"`
	RoutingMode     string            `json:"routingMode"`
	FallbackEnabled bool              `json:"fallbackEnabled"`
	Active          *bool             `json:"active"`
}

// keyView is the readable projection; it never includes credentials.
type keyView struct {
	ID              uint64               `json:"id"`
	Name            string               `json:"name"`
	KeyPrefix       string               `json:"keyPrefix"`
	Provider        string               `json:"provider"`
	BudgetLimit     float64              `json:"budgetLimit"`
	BudgetDuration  string               `json:"budgetDuration"`
	TeamID          string               `json:"teamId,omitempty"`
	TeamLimit       float64              `json:"teamLimit"`
	OrgLimit        float64              `json:"orgLimit"`
	RateLimit       int                  `json:"rateLimit"`
	CacheEnabled    bool                 `json:"cacheEnabled"`
	CacheTTLSeconds int                  `json:"cacheTtlSeconds"`
	RoutingMode     string               `json:"routingMode"`
	FallbackEnabled bool                 `json:"fallbackEnabled"`
	Active          bool                 `json:"active"`
	RoutingRules    []models.RoutingRule `json:"routingRules,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
}

func viewOf(key *models.ProxyKey) keyView {
	return keyView{
		ID:              key.ID,
		Name:            key.Name,
		KeyPrefix:       key.KeyPrefix,
		Provider:        key.Provider,
		BudgetLimit:     key.BudgetLimit,
		BudgetDuration:  key.BudgetDuration,
		TeamID:          key.TeamID,
		TeamLimit:       key.TeamLimit,
		OrgLimit:        key.OrgLimit,
		RateLimit:       key.RateLimit,
		CacheEnabled:    key.CacheEnabled,
		CacheTTLSeconds: key.CacheTTLSeconds,
		RoutingMode:     key.RoutingMode,
		FallbackEnabled: key.FallbackEnabled,
		Active:          key.Active,
		RoutingRules:    key.RoutingRules,
		CreatedAt:       key.CreatedAt,
	}
}

func (h *Handler) listKeys(c *gin.Context) {
	rows, errList := h.store.ListProxyKeys(c.Request.Context(), c.Param("orgId"), c.Query("q"))
	if errList != nil {
		log.WithError(errList).Error("list proxy keys failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}
	views := make([]keyView, 0, len(rows))
	for i := range rows {
		views = append(views, viewOf(&rows[i]))
	}
	c.JSON(http.StatusOK, gin.H{"keys": views})
}

// createKey mints a proxy key. The raw token appears in this response and
// nowhere else; only its hash is stored.
func (h *Handler) createKey(c *gin.Context) {
	var payload keyPayload
	if errBind := c.ShouldBindJSON(&payload); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and provider are required"})
		return
	}
	if !validProvider(payload.Provider) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported provider"})
		return
	}

	blob, errSeal := h.sealCredentials(payload)
	if errSeal != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errSeal.Error()})
		return
	}

	token, errToken := keys.GenerateToken()
	if errToken != nil {
		log.WithError(errToken).Error("proxy key token generation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate key"})
		return
	}

	key := &models.ProxyKey{
		OrgID:           c.Param("orgId"),
		Name:            strings.TrimSpace(payload.Name),
		KeyHash:         keys.HashToken(h.tokenSalt, token),
		KeyPrefix:       keys.DisplayPrefix(token),
		Provider:        payload.Provider,
		Credential:      blob,
		BudgetLimit:     payload.BudgetLimit,
		BudgetDuration:  defaultDuration(payload.BudgetDuration),
		TeamID:          payload.TeamID,
		TeamLimit:       payload.TeamLimit,
		OrgLimit:        payload.OrgLimit,
		RateLimit:       payload.RateLimit,
		CacheEnabled:    payload.CacheEnabled,
		CacheTTLSeconds: payload.CacheTTLSeconds,
		RoutingMode:     defaultRouting(payload.RoutingMode),
		FallbackEnabled: payload.FallbackEnabled,
		Active:          true,
	}
	if errCreate := h.store.CreateProxyKey(c.Request.Context(), key); errCreate != nil {
		log.WithError(errCreate).Error("proxy key create failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create key"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": viewOf(key), "token": token})
}

func (h *Handler) sealCredentials(payload keyPayload) ([]byte, error) {
	if payload.Provider == models.ProviderAuto {
		if len(payload.Credentials) == 0 {
			return nil, errors.New("auto keys require a credentials map")
		}
		return keys.EncodeCredentialMap(h.sealer, payload.Credentials)
	}
	if strings.TrimSpace(payload.Credential) == "" {
		return nil, errors.New("credential is required")
	}
	return keys.EncodeCredential(h.sealer, payload.Credential)
}

func (h *Handler) loadKey(c *gin.Context) (*models.ProxyKey, bool) {
	id, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return nil, false
	}
	key, errFind := h.store.ProxyKeyByID(c.Request.Context(), c.Param("orgId"), id)
	if errFind != nil {
		if errors.Is(errFind, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return nil, false
		}
		log.WithError(errFind).Error("proxy key load failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load key"})
		return nil, false
	}
	return key, true
}

func (h *Handler) getKey(c *gin.Context) {
	key, ok := h.loadKey(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": viewOf(key)})
}

func (h *Handler) updateKey(c *gin.Context) {
	key, ok := h.loadKey(c)
	if !ok {
		return
	}
	var payload keyPayload
	if errBind := c.ShouldBindJSON(&payload); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and provider are required"})
		return
	}

	key.Name = strings.TrimSpace(payload.Name)
	key.BudgetLimit = payload.BudgetLimit
	key.BudgetDuration = defaultDuration(payload.BudgetDuration)
	key.TeamID = payload.TeamID
	key.TeamLimit = payload.TeamLimit
	key.OrgLimit = payload.OrgLimit
	key.RateLimit = payload.RateLimit
	key.CacheEnabled = payload.CacheEnabled
	key.CacheTTLSeconds = payload.CacheTTLSeconds
	key.RoutingMode = defaultRouting(payload.RoutingMode)
	key.FallbackEnabled = payload.FallbackEnabled
	if payload.Active != nil {
		key.Active = *payload.Active
	}
	// Credentials rotate only when a new one is supplied.
	if payload.Credential != "" || len(payload.Credentials) > 0 {
		blob, errSeal := h.sealCredentials(payload)
		if errSeal != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errSeal.Error()})
			return
		}
		key.Credential = blob
	}

	if errUpdate := h.store.UpdateProxyKey(c.Request.Context(), key); errUpdate != nil {
		log.WithError(errUpdate).Error("proxy key update failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": viewOf(key)})
}

func (h *Handler) deleteKey(c *gin.Context) {
	id, errParse := strconv.ParseUint(c.Param("id"), 10, 64)
	if errParse != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return
	}
	errDelete := h.store.DeleteProxyKey(c.Request.Context(), c.Param("orgId"), id)
	if errDelete != nil {
		if errors.Is(errDelete, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		log.WithError(errDelete).Error("proxy key delete failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete key"})
		return
	}
	c.Status(http.StatusNoContent)
}

type rulePayload struct {
	FromModel string `json:"fromModel" binding:"required"`
	ToModel   string `json:"toModel" binding:"required"`
	Condition string `json:"condition"`
}

func (h *Handler) replaceRules(c *gin.Context) {
	key, ok := h.loadKey(c)
	if !ok {
		return
	}
	var payload struct {
		Rules []rulePayload `json:"rules"`
	}
	if errBind := c.ShouldBindJSON(&payload); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rules payload is malformed"})
		return
	}

	rules := make([]models.RoutingRule, 0, len(payload.Rules))
	seen := make(map[string]bool, len(payload.Rules))
	for _, rule := range payload.Rules {
		from := strings.TrimSpace(rule.FromModel)
		if seen[from] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "duplicate fromModel " + from})
			return
		}
		seen[from] = true
		condition := rule.Condition
		switch condition {
		case "", models.ConditionAlways:
			condition = models.ConditionAlways
		case models.ConditionSimpleOnly, models.ConditionShortOnly:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown condition " + condition})
			return
		}
		rules = append(rules, models.RoutingRule{
			FromModel: from,
			ToModel:   strings.TrimSpace(rule.ToModel),
			Condition: condition,
		})
	}

	if errReplace := h.store.ReplaceRoutingRules(c.Request.Context(), key.ID, rules); errReplace != nil {
		log.WithError(errReplace).Error("routing rules replace failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save rules"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

func (h *Handler) cacheStats(c *gin.Context) {
	key, ok := h.loadKey(c)
	if !ok {
		return
	}
	stats, errStats := h.cache.Stats(c.Request.Context(), key.ID)
	if errStats != nil {
		log.WithError(errStats).Warn("cache stats read failed")
		stats = map[string]string{}
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

func (h *Handler) listLogs(c *gin.Context) {
	filter := store.LogFilter{OrgID: c.Param("orgId")}
	if raw := c.Query("keyId"); raw != "" {
		if id, errParse := strconv.ParseUint(raw, 10, 64); errParse == nil {
			filter.ProxyKeyID = id
		}
	}
	filter.Model = c.Query("model")
	if raw := c.Query("limit"); raw != "" {
		if limit, errParse := strconv.Atoi(raw); errParse == nil {
			filter.Limit = limit
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if offset, errParse := strconv.Atoi(raw); errParse == nil {
			filter.Offset = offset
		}
	}

	rows, total, errList := h.store.ListProxyLogs(c.Request.Context(), filter)
	if errList != nil {
		log.WithError(errList).Error("list proxy logs failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list logs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": rows, "total": total})
}

func (h *Handler) listAlerts(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, errParse := strconv.Atoi(raw); errParse == nil {
			limit = parsed
		}
	}
	alerts, errList := h.store.ListBudgetAlerts(c.Request.Context(), c.Param("orgId"), limit)
	if errList != nil {
		log.WithError(errList).Error("list budget alerts failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (h *Handler) reconcile(c *gin.Context) {
	if h.reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciler not configured"})
		return
	}
	if errOnce := h.reconciler.ReconcileOnce(c.Request.Context()); errOnce != nil {
		log.WithError(errOnce).Error("manual reconciliation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func validProvider(name string) bool {
	switch name {
	case models.ProviderOpenAI, models.ProviderAnthropic, models.ProviderGoogle, models.ProviderAuto:
		return true
	}
	return false
}

func defaultDuration(duration string) string {
	switch duration {
	case budget.DurationDaily, budget.DurationWeekly, budget.DurationMonthly:
		return duration
	}
	return budget.DurationMonthly
}

func defaultRouting(mode string) string {
	switch mode {
	case models.RoutingManual, models.RoutingAuto:
		return mode
	}
	return models.RoutingOff
}
