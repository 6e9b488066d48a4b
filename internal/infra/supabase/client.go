// Package supabase provides a client for Supabase (GoTrue auth + PostgREST rows).
// It is the real backend for sessions and the `users` profile table.
package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("supabase")

// Client wraps HTTP calls to the Supabase REST and auth APIs.
// It is shared by every session; per-session token state lives in AuthClient.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	anonKey        string
	serviceRoleKey string
	jwtSecret      []byte
	cb             *gobreaker.CircuitBreaker
	cfg            resilience.Config
	logger         *zap.Logger
	now            func() time.Time
}

// NewClient creates a Supabase client.
func NewClient(httpClient *http.Client, baseURL, anonKey, serviceRoleKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        strings.TrimRight(baseURL, "/"),
		anonKey:        anonKey,
		serviceRoleKey: serviceRoleKey,
		cb:             cb,
		cfg:            cfg,
		logger:         logger,
		now:            time.Now,
	}
}

// WithJWTSecret enables local HS256 verification of access tokens in GetUser.
func (c *Client) WithJWTSecret(secret string) *Client {
	if secret != "" {
		c.jwtSecret = []byte(secret)
	}
	return c
}

// rowKey is the bearer used for PostgREST calls. The service role key
// bypasses row-level security; every query is filtered by user id.
func (c *Client) rowKey() string {
	if c.serviceRoleKey != "" {
		return c.serviceRoleKey
	}
	return c.anonKey
}

// statusError is a non-2xx response from Supabase.
type statusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("supabase %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// message extracts the human message from a GoTrue or PostgREST error body.
func (e *statusError) message() string {
	var body struct {
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &body) == nil {
		for _, m := range []string{body.Msg, body.ErrorDescription, body.Message, body.Error} {
			if m != "" {
				return m
			}
		}
	}
	return http.StatusText(e.Status)
}

// classify turns a status code into a retry decision: 4xx never succeeds on replay.
func classify(err *statusError) error {
	if err.Status >= 400 && err.Status < 500 && err.Status != http.StatusTooManyRequests {
		return resilience.Permanent(err)
	}
	return err
}

// do executes a request and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("supabase: request failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err),
		)
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Error("supabase: failed to read response body",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err),
		)
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("supabase: non-2xx response",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(body)),
		)
		return nil, classify(&statusError{
			Method: req.Method,
			Path:   req.URL.Path,
			Status: resp.StatusCode,
			Body:   string(body),
		})
	}

	c.logger.Debug("supabase: request OK",
		zap.String("method", req.Method),
		zap.String("path", req.URL.Path),
		zap.Int("status", resp.StatusCode),
	)
	return body, nil
}

// doRequest executes an authenticated GET against PostgREST.
func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	url := fmt.Sprintf("%s/rest/v1/%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+c.rowKey())
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

// Ping checks the auth service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Supabase.Ping")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.anonKey)

	if _, err := c.do(req); err != nil {
		return &domain.ErrExternalService{Service: "supabase/health", Err: err}
	}
	return nil
}

// wrapErr maps transport and status errors onto domain errors.
func wrapErr(service string, err error) error {
	if resilience.IsBreakerOpen(err) {
		return &domain.ErrCircuitOpen{Service: service}
	}
	var se *statusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusBadRequest && strings.HasPrefix(service, "supabase/auth"),
			se.Status == http.StatusUnauthorized,
			se.Status == http.StatusForbidden:
			return &domain.ErrUnauthorized{Message: se.message()}
		case se.Status == http.StatusConflict,
			se.Status == http.StatusUnprocessableEntity && strings.HasPrefix(service, "supabase/auth"):
			return &domain.ErrConflict{Message: se.message()}
		case se.Status == http.StatusTooManyRequests:
			return &domain.ErrRateLimited{Key: service}
		}
	}
	return &domain.ErrExternalService{Service: service, Err: err}
}
