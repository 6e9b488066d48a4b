// Package service: chat_service.go implementa o ChatService.
//
// ============================================================
// ARQUITETURA: Strategy Pattern com fallback
// ============================================================
//
// O ChatService é o orquestrador da rota POST /v1/chat.
//
// Fluxo completo:
//  1. Handler recebe {"message": "..."} de uma sessão com plano ativo
//  2. ChatService.Ask() percorre as strategies na ordem registrada
//  3. A primeira que aceita (CanHandle) responde
//  4. Se ela falhar, a strategy de fallback responde no lugar
//  5. O texto é sanitizado, ganha ID/timestamp e a métrica é contada
//
// Strategies disponíveis:
//   - LLMStrategy: chama a OpenAI (só quando a chave é válida)
//   - CannedStrategy: respostas fixas por KPI (ROAS, CPA, CTR) e ajuda
package service

import (
	"context"
	"strings"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/chat/domain"
	maindomain "github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/observability"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// chatTracer é o tracer OpenTelemetry para o módulo de chat.
var chatTracer = otel.Tracer("chat/service")

// maxMessageLength limita o tamanho da pergunta enviada ao modelo.
const maxMessageLength = 2000

// ============================================================
// ChatStrategy: interface que cada forma de responder implementa
// ============================================================

// ChatStrategy define o contrato de uma estratégia de resposta.
type ChatStrategy interface {
	// Name identifica a strategy nos logs.
	Name() string

	// CanHandle retorna true se essa strategy pode responder agora.
	CanHandle(chatCtx *domain.ChatContext) bool

	// Handle produz a resposta. Source deve vir preenchido.
	Handle(ctx context.Context, chatCtx *domain.ChatContext) (*domain.Answer, error)
}

// ============================================================
// ChatService: orquestrador
// ============================================================

// ChatService é o serviço principal da rota de chat.
type ChatService struct {
	strategies []ChatStrategy
	fallback   ChatStrategy
	sanitizer  *Sanitizer
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewChatService cria o ChatService.
//
// A ordem de strategies importa: a primeira que aceita ganha.
// fallback responde quando a escolhida falha ou nenhuma aceita.
func NewChatService(
	strategies []ChatStrategy,
	fallback ChatStrategy,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ChatService {
	return &ChatService{
		strategies: strategies,
		fallback:   fallback,
		sanitizer:  NewSanitizer(),
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// Ask responde uma pergunta do usuário. O único erro possível é de
// validação: falhas do modelo caem no fallback.
func (s *ChatService) Ask(ctx context.Context, identity maindomain.Identity, message string) (*domain.Answer, error) {
	ctx, span := chatTracer.Start(ctx, "ChatService.Ask")
	defer span.End()

	message = strings.TrimSpace(message)
	if message == "" {
		return nil, &maindomain.ErrValidation{Field: "message", Message: "message is required"}
	}
	if len([]rune(message)) > maxMessageLength {
		return nil, &maindomain.ErrValidation{Field: "message", Message: "message is too long"}
	}

	chatCtx := &domain.ChatContext{Identity: identity, Message: message}

	s.logger.Info("chat message received",
		zap.String("user_id", identity.ID),
		zap.Int("message_length", len(message)),
	)

	answer := s.route(ctx, chatCtx)
	span.SetAttributes(attribute.String("chat.source", answer.Source))

	answer.ID = uuid.NewString()
	answer.Timestamp = s.now()
	answer.Text = s.sanitizer.Text(answer.Text)

	if s.metrics != nil {
		s.metrics.IncrChatAnswer(answer.Source)
	}
	return answer, nil
}

// route escolhe a strategy e aplica o fallback.
func (s *ChatService) route(ctx context.Context, chatCtx *domain.ChatContext) *domain.Answer {
	for _, strategy := range s.strategies {
		if !strategy.CanHandle(chatCtx) {
			continue
		}
		answer, err := strategy.Handle(ctx, chatCtx)
		if err == nil {
			return answer
		}
		s.logger.Warn("chat strategy failed, using fallback",
			zap.String("strategy", strategy.Name()),
			zap.String("user_id", chatCtx.Identity.ID),
			zap.Error(err),
		)
		answer = s.fallbackAnswer(ctx, chatCtx)
		answer.Source = domain.SourceFallback
		return answer
	}
	return s.fallbackAnswer(ctx, chatCtx)
}

// fallbackAnswer nunca falha: a strategy de fallback é local.
func (s *ChatService) fallbackAnswer(ctx context.Context, chatCtx *domain.ChatContext) *domain.Answer {
	answer, err := s.fallback.Handle(ctx, chatCtx)
	if err != nil {
		s.logger.Error("fallback strategy failed", zap.Error(err))
		return &domain.Answer{Text: errorText, Source: domain.SourceFallback}
	}
	return answer
}

// Greeting é a primeira mensagem de um chat novo.
func (s *ChatService) Greeting(identity maindomain.Identity) *domain.Answer {
	name := identity.Name
	if name == "" {
		name = "Usuario"
	}
	chatCtx := &domain.ChatContext{Identity: identity}
	return &domain.Answer{
		ID: uuid.NewString(),
		Text: s.sanitizer.Text("Hola " + name + ", soy tu asistente de CompassMetrics para campañas digitales. " +
			"Pregúntame lo que necesites sobre las campañas de " + chatCtx.CompanyOr("tu empresa") + "."),
		Source:    domain.SourceCanned,
		Timestamp: s.now(),
	}
}

const errorText = "Disculpa, hubo un error al procesar tu consulta. Por favor, intenta nuevamente."
