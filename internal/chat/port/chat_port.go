// Package port: chat_port.go define a interface (port) para o modelo de
// linguagem que responde o chat.
//
// O ChatService depende dessa interface e NÃO do client concreto, o que
// permite testar as strategies com um fake.
package port

import (
	"context"

	chatdomain "github.com/boddenberg/compassmetrics-bfa-go/internal/chat/domain"
)

// Completer envia um prompt ao modelo e devolve a resposta.
// O client concreto (OpenAIClient) implementa essa interface.
type Completer interface {
	Complete(ctx context.Context, req *chatdomain.CompletionRequest) (*chatdomain.CompletionResponse, error)
}
