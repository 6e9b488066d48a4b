// Package handler: chat_handler.go implementa as rotas do assistente:
//
//	POST /v1/chat          → pergunta ao assistente
//	GET  /v1/chat/greeting → primeira mensagem de um chat novo
//
// As duas exigem sessão com plano ativo (mesma regra da página /dashboard).
// O handler é fino: valida o body e delega pro ChatService.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/chat/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/chat/service"
	maindomain "github.com/boddenberg/compassmetrics-bfa-go/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// tracer é o tracer OpenTelemetry para o módulo chat/handler.
var tracer = otel.Tracer("chat/handler")

// IdentityFunc devolve a identidade da sessão do request, ou nil se anônima.
type IdentityFunc func(r *http.Request) *maindomain.Identity

// ============================================================
// ChatHandler: POST /v1/chat
// ============================================================

// ChatHandler retorna o handler da rota POST /v1/chat.
//
// Request:  {"message": "¿Cómo está el ROAS?"}
// Response: {"id": "...", "text": "...", "graphUrl": "...", "source": "llm", "timestamp": "..."}
func ChatHandler(chatSvc *service.ChatService, identity IdentityFunc, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/chat")
		defer span.End()

		ident, ok := requirePlan(w, r, identity)
		if !ok {
			return
		}
		span.SetAttributes(attribute.String("user.id", ident.ID))

		var req domain.ChatRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: expected {\"message\": \"your question\"}")
			return
		}

		answer, err := chatSvc.Ask(ctx, *ident, req.Message)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, answer)
	}
}

// GreetingHandler retorna a saudação inicial do chat.
func GreetingHandler(chatSvc *service.ChatService, identity IdentityFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ident, ok := requirePlan(w, r, identity)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, chatSvc.Greeting(*ident))
	}
}

// requirePlan responde 401/403 quando a sessão não pode usar o chat.
func requirePlan(w http.ResponseWriter, r *http.Request, identity IdentityFunc) (*maindomain.Identity, bool) {
	ident := identity(r)
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "login required")
		return nil, false
	}
	if !ident.PlanSelected {
		writeError(w, http.StatusForbidden, "a plan is required to use the assistant")
		return nil, false
	}
	return ident, true
}

// ============================================================
// Helpers
// ============================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleServiceError mapeia erros de domínio para HTTP status codes.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var verr *maindomain.ErrValidation
	if errors.As(err, &verr) {
		writeError(w, http.StatusUnprocessableEntity, verr.Error())
		return
	}
	logger.Error("unexpected error in chat handler", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}
