package memoryclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/mycelian/mycelian-memory/companion/internal/config"
	"github.com/mycelian/mycelian-memory/companion/internal/metrics"
	"github.com/mycelian/mycelian-memory/companion/internal/model"
)

// Options configures the memory service client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Circuit breaker: trips once MinRequests calls in the window fail at FailureRatio or more.
	BreakerMinRequests  uint32
	BreakerFailureRatio float64
	BreakerOpenTimeout  time.Duration

	// Metrics receives call counts and latencies. Nil uses a private registry.
	Metrics *metrics.Metrics
}

// Client talks to the external long-term memory service. It has no local side effects.
type Client struct {
	http       *resty.Client
	cb         *gobreaker.CircuitBreaker
	configured bool
	m          *metrics.Metrics
	log        zerolog.Logger
}

// New builds a client. An empty APIKey yields a client whose calls fail with
// model.ConfigurationError.
func New(opts Options, log zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BreakerMinRequests == 0 {
		opts.BreakerMinRequests = 5
	}
	if opts.BreakerFailureRatio <= 0 {
		opts.BreakerFailureRatio = 0.8
	}
	if opts.BreakerOpenTimeout <= 0 {
		opts.BreakerOpenTimeout = 30 * time.Second
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}

	hc := resty.New().
		SetBaseURL(opts.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(opts.Timeout).
		SetRetryCount(0)
	if opts.APIKey != "" {
		hc.SetHeader("Authorization", "Token "+opts.APIKey)
	}

	c := &Client{http: hc, configured: opts.APIKey != "", m: opts.Metrics, log: log}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "memory-service",
		MaxRequests: 1,
		Timeout:     opts.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < opts.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= opts.BreakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
		// Caller errors (4xx) say nothing about the service's health.
		IsSuccessful: func(err error) bool {
			var ee *model.ExternalServiceError
			if errors.As(err, &ee) && ee.Status >= 400 && ee.Status < 500 {
				return true
			}
			return err == nil
		},
	})
	return c
}

// NewFromConfig builds a client from service configuration.
func NewFromConfig(cfg *config.Config, m *metrics.Metrics, log zerolog.Logger) *Client {
	return New(Options{
		BaseURL:             cfg.MemoryServiceURL,
		APIKey:              cfg.MemoryServiceAPIKey,
		Timeout:             cfg.MemoryServiceTimeout(),
		BreakerMinRequests:  cfg.BreakerMinRequests,
		BreakerFailureRatio: cfg.BreakerFailureRatio,
		BreakerOpenTimeout:  time.Duration(cfg.BreakerOpenSeconds) * time.Second,
		Metrics:             m,
	}, log)
}

// Configured reports whether the service credential is present.
func (c *Client) Configured() bool { return c.configured }

var errNotConfigured = model.NewConfigurationError("COMPANION_MEMORY_SERVICE_API_KEY", "Memory service not configured")

// do runs one request through the breaker and maps failures to ExternalServiceError.
func (c *Client) do(ctx context.Context, op string, send func(*resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	if !c.configured {
		return nil, errNotConfigured
	}
	start := time.Now()
	defer func() {
		c.m.MemoryServiceDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()
	out, err := c.cb.Execute(func() (any, error) {
		resp, err := send(c.http.R().SetContext(ctx))
		if err != nil {
			return nil, &model.ExternalServiceError{Op: op, Cause: err}
		}
		if resp.IsError() {
			return resp, &model.ExternalServiceError{
				Op:     op,
				Status: resp.StatusCode(),
				Body:   truncate(resp.String(), 512),
				Cause:  fmt.Errorf("unexpected status %s", resp.Status()),
			}
		}
		return resp, nil
	})
	c.m.MemoryServiceRequests.WithLabelValues(op, metrics.Outcome(err)).Inc()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &model.ExternalServiceError{Op: op, Cause: err}
	}
	resp, _ := out.(*resty.Response)
	return resp, err
}

type provisionRequest struct {
	ExternalRef string `json:"external_ref"`
	Email       string `json:"email,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

// ProvisionUser creates the external user for an internal user. The internal id
// is sent as Idempotency-Key so a repeated call returns the same external user.
func (c *Client) ProvisionUser(ctx context.Context, user model.User) (string, error) {
	resp, err := c.do(ctx, "provision_user", func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeader("Idempotency-Key", user.ID).
			SetBody(provisionRequest{ExternalRef: user.ID, Email: user.Email}).
			Post("/v1/users")
	})
	if err != nil {
		return "", err
	}
	return decodeID("provision_user", resp)
}

type createRequest struct {
	UserID   string               `json:"user_id"`
	Content  string               `json:"content"`
	Metadata model.MemoryMetadata `json:"metadata"`
}

// Create stores a memory and returns its id.
func (c *Client) Create(ctx context.Context, externalUserID, content string, md model.MemoryMetadata) (string, error) {
	resp, err := c.do(ctx, "create", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(createRequest{UserID: externalUserID, Content: content, Metadata: md}).
			Post("/v1/memories")
	})
	if err != nil {
		return "", err
	}
	return decodeID("create", resp)
}

type updateRequest struct {
	UserID   string                `json:"user_id"`
	Content  *string               `json:"content,omitempty"`
	Metadata *model.MemoryMetadata `json:"metadata,omitempty"`
}

// Update applies a partial update; fields absent from patch are not sent.
func (c *Client) Update(ctx context.Context, externalUserID, memoryID string, patch model.MemoryPatch) error {
	_, err := c.do(ctx, "update", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", memoryID).
			SetBody(updateRequest{UserID: externalUserID, Content: patch.Content, Metadata: patch.Metadata}).
			Patch("/v1/memories/{id}")
	})
	return err
}

// Delete removes a memory. It never returns an error: failures, including an
// unknown or already deleted id, are reported through DeleteResult.
func (c *Client) Delete(ctx context.Context, externalUserID, memoryID string) model.DeleteResult {
	res := model.DeleteResult{MemoryID: memoryID}
	_, err := c.do(ctx, "delete", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", memoryID).
			SetQueryParam("user_id", externalUserID).
			Delete("/v1/memories/{id}")
	})
	var ee *model.ExternalServiceError
	switch {
	case err == nil:
		res.Success = true
		res.Message = "Memory deleted"
	case errors.As(err, &ee) && ee.Status == http.StatusNotFound:
		res.Error = "Memory not found or already deleted"
	default:
		c.log.Warn().Err(err).Str("memory_id", memoryID).Msg("memory delete failed")
		res.Error = err.Error()
	}
	return res
}

type memoryPayload struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Content   string               `json:"content"`
	Metadata  model.MemoryMetadata `json:"metadata"`
	Score     float64              `json:"score,omitempty"`
	CreatedAt *time.Time           `json:"created_at,omitempty"`
	UpdatedAt *time.Time           `json:"updated_at,omitempty"`
}

func (p memoryPayload) record() model.MemoryRecord {
	return model.MemoryRecord{
		ID:             p.ID,
		ExternalUserID: p.UserID,
		Content:        p.Content,
		Metadata:       p.Metadata,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
}

// Fetch returns one memory. A 404, or a memory owned by another user, yields model.ErrNotFound.
func (c *Client) Fetch(ctx context.Context, externalUserID, memoryID string) (*model.MemoryRecord, error) {
	resp, err := c.do(ctx, "fetch", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", memoryID).
			SetQueryParam("user_id", externalUserID).
			Get("/v1/memories/{id}")
	})
	var ee *model.ExternalServiceError
	if errors.As(err, &ee) && ee.Status == http.StatusNotFound {
		return nil, model.NewNotFoundError("memoryId", "memory not found")
	}
	if err != nil {
		return nil, err
	}
	var p memoryPayload
	if err := json.Unmarshal(resp.Body(), &p); err != nil {
		return nil, &model.ExternalServiceError{Op: "fetch", Status: resp.StatusCode(), Cause: fmt.Errorf("decode response: %w", err)}
	}
	if p.UserID != "" && p.UserID != externalUserID {
		return nil, model.NewNotFoundError("memoryId", "memory not found")
	}
	rec := p.record()
	return &rec, nil
}

type searchRequest struct {
	UserID   string `json:"user_id"`
	Query    string `json:"query"`
	Limit    int    `json:"limit,omitempty"`
	Category string `json:"category,omitempty"`
}

type searchResponse struct {
	Results []memoryPayload `json:"results"`
}

// Search returns the memories the service ranks as relevant to q.
func (c *Client) Search(ctx context.Context, externalUserID string, q model.MemoryQuery) ([]model.ScoredMemory, error) {
	resp, err := c.do(ctx, "search", func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(searchRequest{UserID: externalUserID, Query: q.Query, Limit: q.Limit, Category: q.Category}).
			Post("/v1/memories/search")
	})
	if err != nil {
		return nil, err
	}
	var sr searchResponse
	if err := json.Unmarshal(resp.Body(), &sr); err != nil {
		return nil, &model.ExternalServiceError{Op: "search", Status: resp.StatusCode(), Cause: fmt.Errorf("decode response: %w", err)}
	}
	out := make([]model.ScoredMemory, 0, len(sr.Results))
	for _, p := range sr.Results {
		out = append(out, model.ScoredMemory{MemoryRecord: p.record(), Score: p.Score})
	}
	return out, nil
}

type countResponse struct {
	Count int64 `json:"count"`
}

// Count returns how many memories the user created at or after since.
func (c *Client) Count(ctx context.Context, externalUserID string, since time.Time) (int64, error) {
	resp, err := c.do(ctx, "count", func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", externalUserID).
			SetQueryParam("since", since.UTC().Format(time.RFC3339)).
			Get("/v1/users/{id}/memories/count")
	})
	if err != nil {
		return 0, err
	}
	var cr countResponse
	if err := json.Unmarshal(resp.Body(), &cr); err != nil {
		return 0, &model.ExternalServiceError{Op: "count", Status: resp.StatusCode(), Cause: fmt.Errorf("decode response: %w", err)}
	}
	return cr.Count, nil
}

// HealthPing implements health.HealthPinger. It bypasses the breaker so a probe
// can observe recovery while the breaker is open.
func (c *Client) HealthPing(ctx context.Context) error {
	if !c.configured {
		return errNotConfigured
	}
	resp, err := c.http.R().SetContext(ctx).Get("/v1/health")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("memory service health: %s", resp.Status())
	}
	return nil
}

func decodeID(op string, resp *resty.Response) (string, error) {
	var out idResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", &model.ExternalServiceError{Op: op, Status: resp.StatusCode(), Cause: fmt.Errorf("decode response: %w", err)}
	}
	if out.ID == "" {
		return "", &model.ExternalServiceError{Op: op, Status: resp.StatusCode(), Cause: errors.New("response carried no id")}
	}
	return out.ID, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
