// Package proxy is the request-processing pipeline: resolve the proxy key,
// rate limit, route the model, consult the cache, enforce budgets, call the
// upstream with fallback, extract usage, and account for cost. Persistence,
// observability, and alerting all hang off the hot path as fire-and-forget
// work.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/costrelay/costrelay/internal/alerting"
	"github.com/costrelay/costrelay/internal/async"
	"github.com/costrelay/costrelay/internal/budget"
	"github.com/costrelay/costrelay/internal/cache"
	"github.com/costrelay/costrelay/internal/fallback"
	"github.com/costrelay/costrelay/internal/keys"
	"github.com/costrelay/costrelay/internal/models"
	"github.com/costrelay/costrelay/internal/observability"
	"github.com/costrelay/costrelay/internal/pricing"
	"github.com/costrelay/costrelay/internal/provider"
	"github.com/costrelay/costrelay/internal/ratelimit"
	"github.com/costrelay/costrelay/internal/router"
	"github.com/costrelay/costrelay/internal/store"
	"github.com/costrelay/costrelay/internal/transform"
	"github.com/costrelay/costrelay/internal/usage"
	log "github.com/sirupsen/logrus"
)

// Response headers added by the proxy.
const (
	headerCache            = "X-Cache"
	headerCacheTier        = "X-Cache-Tier"
	headerCacheSimilarity  = "X-Cache-Similarity"
	headerRoutedFrom       = "X-Routed-From"
	headerRoutedTo         = "X-Routed-To"
	headerFallbackProvider = "X-Fallback-Provider"
	headerFallbackModel    = "X-Fallback-Model"
	headerBudgetBlockedBy  = "X-Budget-Blocked-By"
	headerCurrentSpend     = "X-Current-Spend"
	headerBudgetLimit      = "X-Budget-Limit"
	headerLatency          = "X-Latency-Ms"
)

// Forwarder wires the pipeline stages together.
type Forwarder struct {
	resolver   *keys.Resolver
	limiter    *ratelimit.Manager
	router     *router.Router
	cache      *cache.Engine
	budget     *budget.Enforcer
	upstream   *fallback.Engine
	store      *store.Store
	dispatcher *observability.Dispatcher
	notifier   alerting.Notifier
}

// NewForwarder constructs a Forwarder.
func NewForwarder(resolver *keys.Resolver, limiter *ratelimit.Manager, modelRouter *router.Router, cacheEngine *cache.Engine, enforcer *budget.Enforcer, upstream *fallback.Engine, durable *store.Store, dispatcher *observability.Dispatcher, notifier alerting.Notifier) *Forwarder {
	return &Forwarder{
		resolver:   resolver,
		limiter:    limiter,
		router:     modelRouter,
		cache:      cacheEngine,
		budget:     enforcer,
		upstream:   upstream,
		store:      durable,
		dispatcher: dispatcher,
		notifier:   notifier,
	}
}

// Register attaches the proxy endpoints, one per upstream dialect.
func (f *Forwarder) Register(r gin.IRouter) {
	r.POST("/v1/chat/completions", func(c *gin.Context) { f.handle(c, "openai") })
	r.POST("/v1/messages", func(c *gin.Context) { f.handle(c, "anthropic") })
	r.POST("/v1beta/models/:model", func(c *gin.Context) { f.handle(c, "google") })
}

// request carries per-call state through the pipeline stages.
type request struct {
	id      string
	dialect string
	key     *keys.ResolvedKey
	body    []byte

	primary     string
	model       string
	stream      bool
	decision    router.Decision
	start       time.Time
	cacheReq    cache.Request
	cacheUsable bool
}

func errorBody(message, errType string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": errType}}
}

func (f *Forwarder) handle(c *gin.Context, dialect string) {
	req := &request{
		id:      uuid.NewString(),
		dialect: dialect,
		start:   time.Now(),
	}
	ctx := c.Request.Context()

	body, errRead := io.ReadAll(c.Request.Body)
	if errRead != nil {
		c.JSON(http.StatusBadRequest, errorBody("failed to read request body", "invalid_request_error"))
		return
	}
	req.body = body

	key, ok := f.authenticate(c, ctx)
	if !ok {
		return
	}
	req.key = key

	if !f.allowRate(c, ctx, key) {
		return
	}

	if !f.resolveTarget(c, req) {
		return
	}

	f.applyRouting(c, req)

	upBody, okBody := f.upstreamBody(c, req)
	if !okBody {
		return
	}

	if f.tryCache(c, ctx, req, upBody) {
		return
	}

	layers := budget.LayersFor(key)
	if f.blockOnBudget(c, ctx, req, layers) {
		return
	}

	result, errExec := f.upstream.Execute(ctx, fallback.Request{
		Provider:        req.primary,
		Model:           req.decision.Model(),
		Body:            upBody,
		Stream:          req.stream,
		Credentials:     key.Credentials,
		FallbackEnabled: key.FallbackEnabled,
	})
	if errExec != nil {
		log.WithError(errExec).WithField("request", req.id).Warn("upstream call failed")
		f.setLatency(c, req)
		c.JSON(http.StatusBadGateway, errorBody("upstream providers unavailable", "api_error"))
		entry := f.logEntry(req, http.StatusBadGateway, req.primary, req.decision.Model())
		entry.ErrorMessage = errExec.Error()
		f.persist(entry)
		return
	}

	f.setRoutingHeaders(c, req)
	if result.FellBack {
		c.Header(headerFallbackProvider, result.Provider)
		c.Header(headerFallbackModel, result.Model)
	}

	if req.stream && result.Stream != nil {
		f.respondStream(c, req, layers, result)
		return
	}
	f.respondBuffered(c, ctx, req, layers, result)
}

// authenticate resolves the caller's proxy key token.
func (f *Forwarder) authenticate(c *gin.Context, ctx context.Context) (*keys.ResolvedKey, bool) {
	token := clientToken(c)
	if !keys.LooksLikeToken(token) {
		c.JSON(http.StatusUnauthorized, errorBody("missing or malformed proxy key", "authentication_error"))
		return nil, false
	}
	key, errResolve := f.resolver.Resolve(ctx, token)
	if errResolve != nil {
		c.JSON(http.StatusUnauthorized, errorBody("unknown or inactive proxy key", "authentication_error"))
		return nil, false
	}
	return key, true
}

// clientToken pulls the proxy key token from whichever header the dialect
// uses.
func clientToken(c *gin.Context) string {
	if header := strings.TrimSpace(c.GetHeader("Authorization")); header != "" {
		if token, found := strings.CutPrefix(header, "Bearer "); found {
			return strings.TrimSpace(token)
		}
	}
	if token := strings.TrimSpace(c.GetHeader("x-api-key")); token != "" {
		return token
	}
	return strings.TrimSpace(c.GetHeader("x-goog-api-key"))
}

func (f *Forwarder) allowRate(c *gin.Context, ctx context.Context, key *keys.ResolvedKey) bool {
	result, errAllow := f.limiter.Allow(ctx, ratelimit.KeyFor(key.ID), key.RateLimit)
	if errAllow != nil {
		log.WithError(errAllow).Warn("rate limit check failed, allowing request")
		return true
	}
	if key.RateLimit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(key.RateLimit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
	}
	if result.Allowed {
		return true
	}
	retryAfter := int(time.Until(result.Reset).Seconds()) + 1
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.JSON(http.StatusTooManyRequests, errorBody("rate limit exceeded", "rate_limit_error"))
	return false
}

// resolveTarget determines the model, transport, and primary provider.
func (f *Forwarder) resolveTarget(c *gin.Context, req *request) bool {
	if req.dialect == "google" {
		modelParam := c.Param("model")
		name, action, found := strings.Cut(modelParam, ":")
		req.model = strings.TrimSpace(name)
		req.stream = found && strings.HasPrefix(action, "streamGenerateContent")
	} else {
		req.model = strings.TrimSpace(gjson.GetBytes(req.body, "model").String())
		req.stream = gjson.GetBytes(req.body, "stream").Bool()
	}
	if req.model == "" {
		c.JSON(http.StatusBadRequest, errorBody("model is required", "invalid_request_error"))
		return false
	}

	primary := req.key.Provider
	if primary == models.ProviderAuto {
		detected, ok := provider.DetectFromModel(req.model)
		if !ok {
			c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("cannot infer provider for model %q", req.model), "invalid_request_error"))
			return false
		}
		primary = detected
	}
	if _, ok := req.key.CredentialFor(primary); !ok {
		c.JSON(http.StatusBadRequest, errorBody(fmt.Sprintf("no credential configured for provider %q", primary), "invalid_request_error"))
		return false
	}
	req.primary = primary
	return true
}

func (f *Forwarder) applyRouting(c *gin.Context, req *request) {
	req.decision = router.Decision{OriginalModel: req.model}
	if req.key.RoutingMode == models.RoutingOff || req.key.RoutingMode == "" {
		return
	}
	dialectProv, errProv := provider.ByName(req.dialect)
	if errProv != nil {
		return
	}
	signals := router.ExtractSignals(dialectProv, req.body)
	req.decision = f.router.Decide(req.key.RoutingMode, req.model, req.key.RoutingRules, signals)
}

// upstreamBody produces the request body in the primary provider's format,
// with any routed model applied.
func (f *Forwarder) upstreamBody(c *gin.Context, req *request) ([]byte, bool) {
	if req.dialect != req.primary {
		dialectProv, _ := provider.ByName(req.dialect)
		primaryProv, _ := provider.ByName(req.primary)
		translated, errTranslate := transform.Translate(dialectProv, primaryProv, req.body, req.decision.Model(), req.stream)
		if errTranslate != nil {
			c.JSON(http.StatusBadRequest, errorBody("request cannot be translated for the configured provider", "invalid_request_error"))
			return nil, false
		}
		return translated, true
	}
	body := req.body
	if req.decision.WasRouted && req.primary != "google" {
		if rewritten, errSet := sjson.SetBytes(body, "model", req.decision.RoutedModel); errSet == nil {
			body = rewritten
		}
	}
	// OpenAI streams only report usage in the final chunk when asked to.
	if req.stream && req.primary == "openai" {
		if rewritten, errSet := sjson.SetBytes(body, "stream_options.include_usage", true); errSet == nil {
			body = rewritten
		}
	}
	return body, true
}

// tryCache serves a cached response when one qualifies. Streaming requests
// and keys with caching disabled skip the cache entirely.
func (f *Forwarder) tryCache(c *gin.Context, ctx context.Context, req *request, upBody []byte) bool {
	if !req.key.CacheEnabled || req.stream {
		return false
	}
	primaryProv, errProv := provider.ByName(req.primary)
	if errProv != nil {
		return false
	}
	req.cacheReq = cache.NewRequest(req.primary, req.decision.Model(), primaryProv, upBody)
	req.cacheUsable = true

	hit, errLookup := f.cache.Lookup(ctx, req.key.ID, req.cacheReq)
	if errLookup != nil || hit == nil {
		return false
	}

	f.setRoutingHeaders(c, req)
	c.Header(headerCache, "HIT")
	c.Header(headerCacheTier, hit.Tier)
	if hit.Tier == cache.TierSemantic {
		c.Header(headerCacheSimilarity, strconv.FormatFloat(hit.Similarity, 'f', 4, 64))
	}
	f.setLatency(c, req)
	c.Data(http.StatusOK, "application/json", hit.Entry.ResponseBody)

	entry := f.logEntry(req, http.StatusOK, req.primary, hit.Entry.Model)
	entry.CacheTier = hit.Tier
	entry.CacheSimilarity = hit.Similarity
	entry.InputTokens = hit.Entry.InputTokens
	entry.OutputTokens = hit.Entry.OutputTokens
	entry.TotalTokens = hit.Entry.InputTokens + hit.Entry.OutputTokens
	f.persist(entry)
	return true
}

func (f *Forwarder) blockOnBudget(c *gin.Context, ctx context.Context, req *request, layers []budget.Layer) bool {
	block, errCheck := f.budget.Check(ctx, layers)
	if errCheck != nil || block == nil {
		return false
	}

	retryAfter := int(block.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.Header(headerBudgetBlockedBy, block.Layer.Level)
	c.Header(headerCurrentSpend, strconv.FormatFloat(block.CurrentSpend, 'f', -1, 64))
	c.Header(headerBudgetLimit, strconv.FormatFloat(block.Layer.Limit, 'f', -1, 64))
	f.setLatency(c, req)
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error": gin.H{
			"message":      fmt.Sprintf("budget exceeded for %s layer", block.Layer.Level),
			"type":         "budget_exceeded",
			"currentSpend": block.CurrentSpend,
			"budgetLimit":  block.Layer.Limit,
			"blockedBy":    block.Layer.Level,
		},
	})

	entry := f.logEntry(req, http.StatusTooManyRequests, "", "")
	entry.BudgetBlockedBy = block.Layer.Level
	f.persist(entry)
	return true
}

func (f *Forwarder) respondBuffered(c *gin.Context, ctx context.Context, req *request, layers []budget.Layer, result *fallback.Result) {
	respProv, errProv := provider.ByName(result.Provider)
	if errProv != nil {
		respProv, _ = provider.ByName(req.primary)
	}

	tokens := respProv.ExtractUsage(result.Body)
	cost := pricing.Cost(result.Model, tokens)

	success := result.Status >= http.StatusOK && result.Status < http.StatusMultipleChoices
	if success {
		f.settle(ctx, req, layers, result, tokens, cost)
	}

	c.Header(headerCache, "MISS")
	f.setLatency(c, req)
	contentType := result.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(result.Status, contentType, result.Body)

	f.record(req, result, tokens, cost, "")
}

// respondStream tees the upstream stream to the client while the scanner
// watches for usage events.
func (f *Forwarder) respondStream(c *gin.Context, req *request, layers []budget.Layer, result *fallback.Result) {
	defer func() { _ = result.Stream.Close() }()

	respProv, errProv := provider.ByName(result.Provider)
	if errProv != nil {
		respProv, _ = provider.ByName(req.primary)
	}
	scanner := respProv.NewStreamScanner()

	contentType := result.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/event-stream"
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-cache")
	c.Header(headerCache, "MISS")
	f.setLatency(c, req)
	c.Status(result.Status)

	flusher, _ := c.Writer.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, errRead := result.Stream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			scanner.Feed(chunk)
			if _, errWrite := c.Writer.Write(chunk); errWrite != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errRead != nil {
			break
		}
	}

	tokens := scanner.Finish()
	cost := pricing.Cost(result.Model, tokens)
	if result.Status >= http.StatusOK && result.Status < http.StatusMultipleChoices {
		f.budget.Record(context.Background(), req.key.OrgID, layers, cost, f.notifier)
	}
	f.record(req, result, tokens, cost, "")
}

// settle runs the post-success accounting for buffered responses: cache
// store and budget increment.
func (f *Forwarder) settle(ctx context.Context, req *request, layers []budget.Layer, result *fallback.Result, tokens usage.TokenUsage, cost float64) {
	if req.cacheUsable && !result.FellBack {
		ttl := time.Duration(req.key.CacheTTLSeconds) * time.Second
		errStore := f.cache.Store(ctx, req.cacheReq, cache.Entry{
			ResponseBody: result.Body,
			Model:        result.Model,
			InputTokens:  tokens.InputTokens,
			OutputTokens: tokens.OutputTokens,
			Cost:         cost,
		}, ttl)
		if errStore != nil {
			log.WithError(errStore).Debug("cache store failed")
		}
	}
	f.budget.Record(ctx, req.key.OrgID, layers, cost, f.notifier)
}

// record writes the request log and observability event after the response
// has been produced. Both are fire-and-forget.
func (f *Forwarder) record(req *request, result *fallback.Result, tokens usage.TokenUsage, cost float64, errMessage string) {
	entry := f.logEntry(req, result.Status, result.Provider, result.Model)
	entry.Cost = cost
	entry.InputTokens = tokens.InputTokens
	entry.OutputTokens = tokens.OutputTokens
	entry.TotalTokens = tokens.TotalTokens
	entry.ErrorMessage = errMessage
	if req.decision.WasRouted {
		entry.RoutedFrom = req.decision.OriginalModel
		entry.RoutedTo = req.decision.RoutedModel
		entry.RoutedSavings = pricing.Savings(req.decision.OriginalModel, result.Model, tokens)
	}
	if result.FellBack {
		entry.FallbackProvider = result.Provider
		entry.FallbackModel = result.Model
	}
	f.persist(entry)

	if f.dispatcher != nil {
		event := observability.Event{
			OrgID:        req.key.OrgID,
			ProxyKeyID:   req.key.ID,
			Provider:     result.Provider,
			Model:        result.Model,
			Status:       result.Status,
			LatencyMs:    entry.LatencyMs,
			InputTokens:  tokens.InputTokens,
			OutputTokens: tokens.OutputTokens,
			Cost:         cost,
		}
		async.Go("observability-event", func(ctx context.Context) {
			f.dispatcher.Record(ctx, event)
		})
	}
}

func (f *Forwarder) setRoutingHeaders(c *gin.Context, req *request) {
	if req.decision.WasRouted {
		c.Header(headerRoutedFrom, req.decision.OriginalModel)
		c.Header(headerRoutedTo, req.decision.RoutedModel)
	}
}

func (f *Forwarder) setLatency(c *gin.Context, req *request) {
	c.Header(headerLatency, strconv.FormatInt(time.Since(req.start).Milliseconds(), 10))
}

func (f *Forwarder) logEntry(req *request, status int, providerName, model string) *models.ProxyLog {
	return &models.ProxyLog{
		OrgID:      req.key.OrgID,
		ProxyKeyID: req.key.ID,
		RequestID:  req.id,
		Provider:   providerName,
		Model:      model,
		StatusCode: status,
		LatencyMs:  time.Since(req.start).Milliseconds(),
		Streamed:   req.stream,
	}
}

func (f *Forwarder) persist(entry *models.ProxyLog) {
	if f.store == nil || entry == nil {
		return
	}
	async.Go("proxy-log", func(ctx context.Context) {
		if errCreate := f.store.CreateProxyLog(ctx, entry); errCreate != nil {
			log.WithError(errCreate).Warn("proxy log write failed")
		}
	})
}
