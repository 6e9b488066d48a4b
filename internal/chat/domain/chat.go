// Package domain: chat.go define os tipos do assistente de campanhas
// (rota POST /v1/chat).
//
// O fluxo:
//  1. Usuário com plano ativo manda {"message": "..."} → BFA recebe
//  2. ChatService escolhe a Strategy (LLM se a OpenAI está configurada, senão respostas fixas)
//  3. A resposta pode começar com [GRAPH:KPI]; o prefixo vira GraphURL
//  4. O texto é sanitizado e devolvido como Answer
package domain

import (
	"time"

	maindomain "github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
)

// ============================================================
// Chat: Request/Response entre o navegador e o BFA
// ============================================================

// ChatRequest é o body do POST /v1/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// Origem de uma resposta, usada também como label de métrica.
const (
	SourceLLM      = "llm"
	SourceCanned   = "canned"
	SourceFallback = "fallback"
)

// Answer é a resposta do assistente.
type Answer struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	GraphURL  string    `json:"graphUrl,omitempty"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================
// KPIs: gráficos estáticos por indicador
// ============================================================

// KPIGraphs mapeia o nome do KPI (como aparece em [GRAPH:NOME]) à imagem do gráfico.
var KPIGraphs = map[string]string{
	"ROAS":         "https://images.pexels.com/photos/590022/pexels-photo-590022.jpeg?auto=compress&cs=tinysrgb&w=600&h=300&fit=crop",
	"CPA":          "https://images.pexels.com/photos/669610/pexels-photo-669610.jpeg?auto=compress&cs=tinysrgb&w=600&h=300&fit=crop",
	"CTR":          "https://images.pexels.com/photos/186461/pexels-photo-186461.jpeg?auto=compress&cs=tinysrgb&w=600&h=300&fit=crop",
	"CONVERSIONES": "https://images.pexels.com/photos/265087/pexels-photo-265087.jpeg?auto=compress&cs=tinysrgb&w=600&h=300&fit=crop",
	"ENGAGEMENT":   "https://images.pexels.com/photos/669615/pexels-photo-669615.jpeg?auto=compress&cs=tinysrgb&w=600&h=300&fit=crop",
	"ALCANCE":      "https://images.pexels.com/photos/590020/pexels-photo-590020.jpeg?auto=compress&cs=tinysrgb&w=600&h=300&fit=crop",
}

// ============================================================
// Strategy Context
// ============================================================

// ChatContext é tudo que uma Strategy precisa para responder.
type ChatContext struct {
	// Identity do usuário logado (nunca nil: o handler exige sessão com plano)
	Identity maindomain.Identity

	// Message é o texto original do usuário
	Message string
}

// CompanyOr devolve a empresa do usuário ou o fallback.
func (c *ChatContext) CompanyOr(fallback string) string {
	if c.Identity.Company != "" {
		return c.Identity.Company
	}
	return fallback
}

// ============================================================
// Completion: Request/Response entre o BFA e a OpenAI
// ============================================================

// CompletionMessage é uma mensagem do histórico enviado ao modelo.
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest é o payload de POST /v1/chat/completions.
type CompletionRequest struct {
	Model       string              `json:"model"`
	Messages    []CompletionMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens"`
	Temperature float64             `json:"temperature"`
}

// CompletionResponse é o subconjunto da resposta da OpenAI que o BFA usa.
type CompletionResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message CompletionMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Content devolve o texto da primeira escolha, ou "" se não houver.
func (r *CompletionResponse) Content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}
