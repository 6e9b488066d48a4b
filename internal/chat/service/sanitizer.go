package service

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer remove qualquer HTML das respostas do modelo. O texto é
// entregue como texto (markdown), nunca como HTML.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer usa a política estrita do bluemonday: nenhuma tag passa.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Text remove tags e devolve o texto sem entidades HTML.
func (s *Sanitizer) Text(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(raw)))
}
