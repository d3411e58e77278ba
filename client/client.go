// Package client wraps the remote agent-run HTTP API in a resilient,
// observable abstraction. Every outbound operation goes through one
// guarded pipeline: rate limiter, read cache, retry executor, metrics,
// and finally the local state store, so callers never talk to the raw
// API and never observe an illegal status transition.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/agentrun/cache"
	"github.com/BaSui01/agentrun/metrics"
	"github.com/BaSui01/agentrun/ratelimit"
	"github.com/BaSui01/agentrun/retry"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

const (
	runsPath     = "/v1/runs"
	logsPathTmpl = "/v1/runs/%s/logs"

	// alphaLogsPathTmpl is the fallback for deployments that still serve
	// logs on the pre-GA route.
	alphaLogsPathTmpl = "/v1alpha/runs/%s/logs"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the root of the remote service, e.g. https://api.example.com
	BaseURL string `json:"base_url" yaml:"base_url"`

	// Token is the bearer token sent on every request
	Token string `json:"token" yaml:"token"`

	// RequestTimeout bounds a single HTTP attempt (default: 30s)
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// CacheTTL is how long read responses stay fresh (default: 5s)
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cache_ttl"`

	// UserAgent overrides the default User-Agent header
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		CacheTTL:       5 * time.Second,
		UserAgent:      "agentrun-client/1.0",
	}
}

// Deps carries the collaborators the client pipeline is built from. Nil
// fields are replaced with sensible defaults, so tests can inject only
// what they care about.
type Deps struct {
	Store      store.StateStore
	Cache      cache.ResponseCache
	Limiter    *ratelimit.Limiter
	Retrier    *retry.Executor
	Metrics    *metrics.Collector
	Logger     *zap.Logger
	HTTPClient *http.Client
}

// Client is the resilient facade over the remote agent-run API.
type Client struct {
	config  Config
	store   store.StateStore
	cache   cache.ResponseCache
	limiter *ratelimit.Limiter
	retrier *retry.Executor
	metrics *metrics.Collector
	logger  *zap.Logger
	http    *http.Client
	tracer  trace.Tracer

	group singleflight.Group
}

// New creates a Client. BaseURL must be set; everything else falls back
// to defaults.
func New(config Config, deps Deps) (*Client, error) {
	if config.BaseURL == "" {
		return nil, types.NewError(types.ErrValidation, "client base_url is required")
	}
	def := DefaultConfig()
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	st := deps.Store
	if st == nil {
		st = store.NewMemoryStore(store.DefaultConfig(), logger)
	}
	ca := deps.Cache
	if ca == nil {
		var err error
		ca, err = cache.New(cache.DefaultConfig(), logger)
		if err != nil {
			return nil, err
		}
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.New(ratelimit.DefaultConfig(), logger)
	}
	collector := deps.Metrics
	retrier := deps.Retrier
	if retrier == nil {
		retrier = retry.NewExecutor(retry.DefaultPolicy(), collector, logger)
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.RequestTimeout}
	}

	return &Client{
		config:  config,
		store:   st,
		cache:   ca,
		limiter: limiter,
		retrier: retrier,
		metrics: collector,
		logger:  logger.With(zap.String("component", "client")),
		http:    httpClient,
		tracer:  otel.Tracer("github.com/BaSui01/agentrun/client"),
	}, nil
}

// Store exposes the underlying state store for read access.
func (c *Client) Store() store.StateStore {
	return c.store
}

// runPayload is the remote service's representation of a run.
type runPayload struct {
	ID            string            `json:"id"`
	Status        types.RunStatus   `json:"status"`
	ResultSummary string            `json:"result_summary,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type listRunsResponse struct {
	Runs  []runPayload `json:"runs"`
	Total int          `json:"total"`
}

type logsResponse struct {
	Entries []*types.LogEntry `json:"entries"`
}

// apiError is the remote service's error envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateRunRequest describes a new remote run.
type CreateRunRequest struct {
	// Prompt is the task description; must not be blank
	Prompt string `json:"prompt"`

	// Repo is the repository the run operates on
	Repo string `json:"repo,omitempty"`

	// Branch is the base branch, if relevant
	Branch string `json:"branch,omitempty"`

	// Metadata carries caller key/value pairs, stored locally alongside
	// the run
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (r CreateRunRequest) validate() error {
	if strings.TrimSpace(r.Prompt) == "" {
		return types.NewError(types.ErrValidation, "prompt must not be empty")
	}
	return nil
}

// ListOptions narrows and paginates ListRuns.
type ListOptions struct {
	Status types.RunStatus
	Repo   string
	Limit  int
	Page   int
}

func (o ListOptions) query() url.Values {
	q := url.Values{}
	if o.Status != "" {
		q.Set("status", string(o.Status))
	}
	if o.Repo != "" {
		q.Set("repo", o.Repo)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	return q
}

func (o ListOptions) cacheKey() string {
	return fmt.Sprintf("listRuns|status=%s|repo=%s|limit=%d|page=%d",
		o.Status, o.Repo, o.Limit, o.Page)
}

// LogOptions paginates GetLogs.
type LogOptions struct {
	// Skip drops the first N entries; used for incremental tailing
	Skip int

	// Limit caps the number of returned entries (0 means server default)
	Limit int
}

func (o LogOptions) query() url.Values {
	q := url.Values{}
	if o.Skip > 0 {
		q.Set("skip", strconv.Itoa(o.Skip))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	return q
}

// CreateRun starts a new remote run and registers it locally.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*types.Run, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	var payload runPayload
	err := c.do(ctx, "createRun", http.MethodPost, runsPath, nil, req, &payload)
	if err != nil {
		return nil, err
	}

	run := payload.toRun()
	if run.Metadata == nil && len(req.Metadata) > 0 {
		run.Metadata = req.Metadata
	}
	if err := c.store.RegisterRun(ctx, run); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		c.logger.Warn("failed to register created run", zap.String("run_id", run.ID), zap.Error(err))
	}
	c.invalidateListings()
	return run, nil
}

// GetRun fetches the current state of a run. Responses are cached for a
// short window; concurrent identical reads share one upstream call.
func (c *Client) GetRun(ctx context.Context, id string) (*types.Run, error) {
	if id == "" {
		return nil, types.NewError(types.ErrValidation, "run id must not be empty")
	}

	var payload runPayload
	key := "getRun|" + id
	err := c.cachedGet(ctx, "getRun", key, runsPath+"/"+url.PathEscape(id), nil, &payload)
	if err != nil {
		return nil, err
	}

	c.syncStore(ctx, payload)
	return payload.toRun(), nil
}

// ListRuns fetches runs matching the options, newest first.
func (c *Client) ListRuns(ctx context.Context, opts ListOptions) ([]*types.Run, error) {
	var resp listRunsResponse
	err := c.cachedGet(ctx, "listRuns", opts.cacheKey(), runsPath, opts.query(), &resp)
	if err != nil {
		return nil, err
	}

	runs := make([]*types.Run, 0, len(resp.Runs))
	for _, payload := range resp.Runs {
		c.syncStore(ctx, payload)
		runs = append(runs, payload.toRun())
	}
	return runs, nil
}

// ResumeRun re-opens a completed run for another turn. The local status
// is checked first: resuming anything but a completed run fails with
// INVALID_STATE and no network call is made.
func (c *Client) ResumeRun(ctx context.Context, id string, prompt string) (*types.Run, error) {
	if id == "" {
		return nil, types.NewError(types.ErrValidation, "run id must not be empty")
	}

	local, err := c.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Unknown locally; one fetch establishes the record.
		if local, err = c.GetRun(ctx, id); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if !local.Status.IsResumable() {
		return nil, types.NewError(types.ErrInvalidState,
			"run "+id+" is "+string(local.Status)+", only completed runs can be resumed")
	}

	body := map[string]string{}
	if prompt != "" {
		body["prompt"] = prompt
	}
	var payload runPayload
	err = c.do(ctx, "resumeRun", http.MethodPost, runsPath+"/"+url.PathEscape(id)+"/resume", nil, body, &payload)
	if err != nil {
		return nil, err
	}

	c.syncStore(ctx, payload)
	c.invalidateRun(id)
	return payload.toRun(), nil
}

// CancelRun asks the remote service to cancel a pending or active run.
func (c *Client) CancelRun(ctx context.Context, id string) (*types.Run, error) {
	if id == "" {
		return nil, types.NewError(types.ErrValidation, "run id must not be empty")
	}

	var payload runPayload
	err := c.do(ctx, "cancelRun", http.MethodPost, runsPath+"/"+url.PathEscape(id)+"/cancel", nil, nil, &payload)
	if err != nil {
		return nil, err
	}

	c.syncStore(ctx, payload)
	c.invalidateRun(id)
	return payload.toRun(), nil
}

// GetLogs fetches a run's log entries. On a not-found from the primary
// endpoint the pre-GA alpha endpoint is tried before giving up; entries
// that fail variant validation are dropped with a warning. Logs are
// never cached.
func (c *Client) GetLogs(ctx context.Context, id string, opts LogOptions) ([]*types.LogEntry, error) {
	if id == "" {
		return nil, types.NewError(types.ErrValidation, "run id must not be empty")
	}

	var resp logsResponse
	err := c.do(ctx, "getLogs", http.MethodGet, fmt.Sprintf(logsPathTmpl, url.PathEscape(id)), opts.query(), nil, &resp)
	if types.IsCode(err, types.ErrNotFound) {
		c.logger.Debug("primary logs endpoint missing, trying alpha", zap.String("run_id", id))
		err = c.do(ctx, "getLogsAlpha", http.MethodGet, fmt.Sprintf(alphaLogsPathTmpl, url.PathEscape(id)), opts.query(), nil, &resp)
	}
	if err != nil {
		return nil, err
	}

	entries := make([]*types.LogEntry, 0, len(resp.Entries))
	for _, entry := range resp.Entries {
		if verr := entry.Validate(); verr != nil {
			c.logger.Warn("dropping malformed log entry",
				zap.String("run_id", id),
				zap.Int("ordinal", entry.Ordinal),
				zap.Error(verr),
			)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CreateChildRun starts a run on behalf of an orchestrator and links it.
func (c *Client) CreateChildRun(ctx context.Context, orchestratorID string, req CreateRunRequest) (*types.Run, error) {
	if orchestratorID == "" {
		return nil, types.NewError(types.ErrValidation, "orchestrator id must not be empty")
	}

	run, err := c.CreateRun(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := c.store.LinkChild(ctx, orchestratorID, run.ID); err != nil {
		return nil, err
	}
	run.OrchestratorID = orchestratorID
	return run, nil
}

// Health reports the state of the client and its collaborators.
type Health struct {
	StoreOK    bool              `json:"store_ok"`
	Runs       *store.Stats      `json:"runs,omitempty"`
	Cache      cache.Stats       `json:"cache"`
	Limiter    ratelimit.Stats   `json:"limiter"`
	Metrics    *metrics.Snapshot `json:"metrics,omitempty"`
	ReportedAt time.Time         `json:"reported_at"`
}

// Health returns a point-in-time health report.
func (c *Client) Health(ctx context.Context) Health {
	h := Health{
		StoreOK:    c.store.Ping(ctx) == nil,
		Cache:      c.cache.Stats(),
		Limiter:    c.limiter.Stats(),
		ReportedAt: time.Now(),
	}
	if stats, err := c.store.Stats(ctx); err == nil {
		h.Runs = stats
	}
	if c.metrics != nil {
		snap := c.metrics.Snapshot()
		h.Metrics = &snap
	}
	return h
}

// Metrics returns the metrics snapshot, zero-valued when no collector is
// wired.
func (c *Client) Metrics() metrics.Snapshot {
	if c.metrics == nil {
		return metrics.Snapshot{}
	}
	return c.metrics.Snapshot()
}

// Close releases the client's collaborators.
func (c *Client) Close() error {
	c.cache.Close()
	return c.store.Close()
}

func (p runPayload) toRun() *types.Run {
	now := time.Now()
	return &types.Run{
		ID:            p.ID,
		Status:        p.Status,
		ResultSummary: p.ResultSummary,
		Metadata:      p.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// syncStore folds a remote observation into the local record. Unknown
// runs are registered; known runs move along the state machine. Remote
// drift that the state machine rejects is logged and otherwise ignored;
// the caller still sees the remote view.
func (c *Client) syncStore(ctx context.Context, payload runPayload) {
	if payload.ID == "" || !payload.Status.Valid() {
		return
	}

	err := c.store.UpdateStatus(ctx, payload.ID, payload.Status, payload.ResultSummary)
	if errors.Is(err, store.ErrNotFound) {
		err = c.store.RegisterRun(ctx, payload.toRun())
	}
	if err != nil && !types.IsCode(err, types.ErrInvalidTransition) {
		c.logger.Warn("failed to sync run state",
			zap.String("run_id", payload.ID),
			zap.Error(err),
		)
	}
}

// invalidateRun drops every cached response that mentions the run.
func (c *Client) invalidateRun(id string) {
	c.cache.Invalidate(context.Background(), func(key string) bool {
		return strings.Contains(key, id) || strings.HasPrefix(key, "listRuns|")
	})
}

// invalidateListings drops cached listings after a mutation that adds a
// run.
func (c *Client) invalidateListings() {
	c.cache.Invalidate(context.Background(), func(key string) bool {
		return strings.HasPrefix(key, "listRuns|")
	})
}

// cachedGet serves read operations: cache first, then one deduplicated
// upstream fetch through the guarded pipeline.
func (c *Client) cachedGet(ctx context.Context, operation, key, path string, query url.Values, out any) error {
	if data, ok := c.cache.Get(ctx, key); ok {
		if c.metrics != nil {
			c.metrics.RecordCacheHit()
		}
		return json.Unmarshal(data, out)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}

	data, err, _ := c.group.Do(key, func() (any, error) {
		raw := json.RawMessage{}
		if err := c.do(ctx, operation, http.MethodGet, path, query, nil, &raw); err != nil {
			return nil, err
		}
		c.cache.Put(ctx, key, raw, c.config.CacheTTL)
		return []byte(raw), nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(data.([]byte), out)
}

// do runs one operation through the guarded pipeline: tracing span, rate
// limiter, retry executor around single HTTP attempts, metrics.
func (c *Client) do(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "client."+operation,
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		))
	defer span.End()

	start := time.Now()
	err := c.retrier.Do(ctx, operation, func() error {
		if lerr := c.limiter.Acquire(ctx); lerr != nil {
			return lerr
		}
		return c.doOnce(ctx, method, path, query, body, out)
	})

	if c.metrics != nil {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomeError
		}
		c.metrics.RecordRequest(operation, outcome, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.GetErrorCode(err)))
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// doOnce performs a single HTTP attempt and classifies the outcome.
func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := strings.TrimRight(c.config.BaseURL, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return types.NewError(types.ErrInternal, "failed to encode request body").WithCause(err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return types.NewError(types.ErrInternal, "failed to build request").WithCause(err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewError(types.ErrTransientNetwork, "failed to read response body").WithCause(err)
	}

	if resp.StatusCode >= 400 {
		return classifyHTTP(resp.StatusCode, resp.Header, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return types.NewError(types.ErrInternal, "failed to decode response").WithCause(err)
		}
	}
	return nil
}

// classifyTransportError maps request-level failures into the taxonomy.
func classifyTransportError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() == context.Canceled || errors.Is(err, context.Canceled):
		return types.NewError(types.ErrCancelled, "request cancelled").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return types.NewError(types.ErrTimeout, "request timed out").
			WithRetryable(true).WithCause(err)
	default:
		return types.NewError(types.ErrTransientNetwork, "request failed").WithCause(err)
	}
}

// classifyHTTP maps a non-2xx response into the taxonomy. The message
// prefers the service's error envelope over the raw body.
func classifyHTTP(status int, header http.Header, body []byte) error {
	message := httpErrorMessage(status, body)

	var e *types.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e = types.NewError(types.ErrAuthentication, message)
	case status == http.StatusNotFound:
		e = types.NewError(types.ErrNotFound, message)
	case status == http.StatusTooManyRequests:
		e = types.NewError(types.ErrRateLimited, message)
		if d := parseRetryAfter(header.Get("Retry-After")); d > 0 {
			e = e.WithRetryAfter(d)
		}
	case status == http.StatusRequestTimeout:
		e = types.NewError(types.ErrTimeout, message).WithRetryable(true)
	case status >= 500:
		e = types.NewError(types.ErrServer, message)
	default:
		e = types.NewError(types.ErrValidation, message)
	}
	return e.WithHTTPStatus(status)
}

func httpErrorMessage(status int, body []byte) string {
	var envelope apiError
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return "remote service returned " + strconv.Itoa(status)
}

// parseRetryAfter understands the delay-seconds form of the header.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
