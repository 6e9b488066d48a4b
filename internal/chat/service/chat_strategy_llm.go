package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/chat/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/chat/port"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/observability"

	"go.uber.org/zap"
)

// graphPrefix casa o marcador [GRAPH:KPI] no início da resposta.
var graphPrefix = regexp.MustCompile(`^\[GRAPH:(\w+)\]\s*`)

// ============================================================
// LLMStrategy: respostas geradas pela OpenAI
// ============================================================

// LLMStrategy monta o prompt de sistema com o contexto da empresa e
// pergunta ao modelo. Só aceita mensagens quando há um Completer.
type LLMStrategy struct {
	completer   port.Completer
	model       string
	maxTokens   int
	temperature float64
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewLLMStrategy cria a strategy. completer nil desliga a strategy.
func NewLLMStrategy(completer port.Completer, model string, metrics *observability.Metrics, logger *zap.Logger) *LLMStrategy {
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	return &LLMStrategy{
		completer:   completer,
		model:       model,
		maxTokens:   800,
		temperature: 0.7,
		metrics:     metrics,
		logger:      logger,
	}
}

func (s *LLMStrategy) Name() string { return domain.SourceLLM }

func (s *LLMStrategy) CanHandle(_ *domain.ChatContext) bool {
	return s.completer != nil
}

func (s *LLMStrategy) Handle(ctx context.Context, chatCtx *domain.ChatContext) (*domain.Answer, error) {
	req := &domain.CompletionRequest{
		Model: s.model,
		Messages: []domain.CompletionMessage{
			{Role: "system", Content: SystemPrompt(chatCtx)},
			{Role: "user", Content: chatCtx.Message},
		},
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}

	resp, err := s.completer.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	text, graphURL := ExtractGraph(resp.Content())
	s.logger.Debug("llm answer",
		zap.String("user_id", chatCtx.Identity.ID),
		zap.Bool("graph", graphURL != ""),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return &domain.Answer{Text: text, GraphURL: graphURL, Source: domain.SourceLLM}, nil
}

// ExtractGraph remove um [GRAPH:KPI] inicial e devolve a URL do gráfico
// do KPI. KPIs desconhecidos perdem o marcador mas não ganham gráfico.
func ExtractGraph(text string) (string, string) {
	m := graphPrefix.FindStringSubmatch(text)
	if m == nil {
		return text, ""
	}
	return text[len(m[0]):], domain.KPIGraphs[m[1]]
}

// SystemPrompt descreve o papel do assistente e o contexto da empresa.
func SystemPrompt(chatCtx *domain.ChatContext) string {
	company := chatCtx.CompanyOr("el cliente")
	platforms := strings.Join(chatCtx.Identity.ConnectedPlatforms, ", ")
	if platforms == "" {
		platforms = "Ninguna"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Eres un asistente digital de CompassMetrics, una plataforma de inteligencia de marketing digital que proporciona diagnósticos rápidos y transparencia sobre el estado de las campañas. Atiendes exclusivamente al cliente %s.\n\n", company)
	b.WriteString("Tu trabajo es proporcionar respuestas rápidas y diagnósticos inteligentes sobre el estado de sus campañas en Meta Ads y Google Ads. Eres una herramienta de transparencia para todo el equipo.\n\n")
	b.WriteString("Actúas como parte del equipo de CompassMetrics. Usa un tono claro, profesional y directo. Siempre proporciona diagnósticos detallados, recomendaciones específicas, observaciones y próximos pasos.\n\n")
	b.WriteString("IMPORTANTE: Si la pregunta se refiere específicamente a un KPI (ROAS, CPA, CTR, CONVERSIONES, ENGAGEMENT, ALCANCE), inicia tu respuesta con [GRAPH:NOMBRE_KPI] seguido de tu análisis completo.\n\n")
	fmt.Fprintf(&b, "Datos de contexto de %s:\n", chatCtx.CompanyOr("la empresa"))
	b.WriteString("- ROAS promedio: 4.2x\n")
	b.WriteString("- CPA promedio: $29.50\n")
	b.WriteString("- CTR general: 2.8%\n")
	b.WriteString("- Conversiones totales: 423\n")
	fmt.Fprintf(&b, "- Plataformas conectadas: %s\n", platforms)
	b.WriteString("- Formatos que funcionan: Videos cortos, carruseles, testimoniales\n")
	return b.String()
}
