package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/chat/domain"
	maindomain "github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// tracer é o tracer OpenTelemetry para o módulo chat/infra.
var tracer = otel.Tracer("chat/infra")

// ============================================================
// OpenAIClient: cliente HTTP da API de chat completions
// ============================================================
//
//	Request:  POST {baseURL}/v1/chat/completions {"model": "...", "messages": [...]}
//	Response: {"choices": [{"message": {"content": "..."}}], "usage": {...}}

type OpenAIClient struct {
	httpClient *http.Client
	baseURL    string // ex: https://api.openai.com
	apiKey     string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
	bulkhead   *resilience.Bulkhead
}

// NewOpenAIClient cria o client. O baseURL não deve terminar em /v1.
// No máximo cfg.MaxConcurrency chamadas ficam em voo ao mesmo tempo.
func NewOpenAIClient(httpClient *http.Client, baseURL, apiKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *OpenAIClient {
	return &OpenAIClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		cb:         cb,
		cfg:        cfg,
		bulkhead:   resilience.NewBulkhead(cfg.MaxConcurrency),
	}
}

// Complete envia o prompt com circuit breaker + retry.
// Respostas 4xx (exceto 429) não são repetidas.
func (c *OpenAIClient) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", req.Model))

	if err := c.bulkhead.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.bulkhead.Release()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	resp, err := resilience.Call(ctx, c.cb, c.cfg, func() (*domain.CompletionResponse, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		if resilience.IsBreakerOpen(err) {
			return nil, &maindomain.ErrCircuitOpen{Service: "openai"}
		}
		return nil, &maindomain.ErrExternalService{Service: "openai", Err: err}
	}

	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp, nil
}

func (c *OpenAIClient) post(ctx context.Context, body []byte) (*domain.CompletionResponse, error) {
	url := fmt.Sprintf("%s/v1/chat/completions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("create http request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http call to openai: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("openai returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, resilience.Permanent(err)
		}
		return nil, err
	}

	var out domain.CompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("decode completion: %w", err))
	}
	if out.Content() == "" {
		return nil, resilience.Permanent(fmt.Errorf("openai returned no choices"))
	}
	return &out, nil
}
