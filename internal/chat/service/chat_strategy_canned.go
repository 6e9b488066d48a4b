package service

import (
	"context"
	"strings"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/chat/domain"
)

// ============================================================
// CannedStrategy: respostas fixas, sem rede
// ============================================================

// CannedStrategy responde por palavra-chave (roas, cpa, ctr) com uma
// análise fixa e o gráfico do KPI; qualquer outra coisa recebe a ajuda.
// Também é o fallback quando o modelo falha.
type CannedStrategy struct{}

func NewCannedStrategy() *CannedStrategy { return &CannedStrategy{} }

func (s *CannedStrategy) Name() string { return domain.SourceCanned }

func (s *CannedStrategy) CanHandle(_ *domain.ChatContext) bool { return true }

func (s *CannedStrategy) Handle(_ context.Context, chatCtx *domain.ChatContext) (*domain.Answer, error) {
	company := chatCtx.CompanyOr("tu empresa")
	msg := strings.ToLower(chatCtx.Message)

	var kpi, body string
	switch {
	case strings.Contains(msg, "roas"):
		kpi, body = "ROAS", roasAnalysis
	case strings.Contains(msg, "cpa"):
		kpi, body = "CPA", cpaAnalysis
	case strings.Contains(msg, "ctr"):
		kpi, body = "CTR", ctrAnalysis
	default:
		return &domain.Answer{
			Text:   strings.ReplaceAll(helpText, "{company}", company),
			Source: domain.SourceCanned,
		}, nil
	}

	return &domain.Answer{
		Text:     "**Análisis de " + kpi + " para " + company + "**\n\n" + body,
		GraphURL: domain.KPIGraphs[kpi],
		Source:   domain.SourceCanned,
	}, nil
}

const roasAnalysis = `El ROAS actual está en 4.2x, lo cual está por encima del promedio de la industria (3.5x).

**Observaciones:**
• Las campañas de video están generando el mejor ROAS (5.8x)
• Los anuncios de carrusel mantienen un ROAS estable de 4.1x
• Las campañas de prospección necesitan optimización (2.9x)

**Recomendaciones:**
1. Aumentar presupuesto en campañas de video (+30%)
2. Pausar audiencias con ROAS menor a 2.0
3. Implementar lookalike audiences basadas en conversiones

**Próximos pasos:**
• Revisar creativos de bajo rendimiento esta semana
• Ajustar pujas automáticas en campañas de prospección`

const cpaAnalysis = `El CPA promedio actual es de $29.50, manteniéndose dentro del objetivo de $35.

**Observaciones:**
• Meta Ads: CPA promedio $27.80 (excelente)
• Google Ads: CPA promedio $32.20 (bueno)
• Tendencia descendente del 12% vs mes anterior

**Recomendaciones:**
1. Escalar campañas con CPA menor a $25
2. Optimizar landing pages para mejorar conversión
3. Implementar remarketing más agresivo

**Próximos pasos:**
• A/B testing en páginas de destino
• Revisar audiencias de alto CPA`

const ctrAnalysis = `El CTR general está en 2.8%, superando el benchmark de la industria (2.1%).

**Observaciones:**
• Creativos de video: CTR 3.4% (excelente)
• Imágenes estáticas: CTR 2.2% (promedio)
• Anuncios de texto: CTR 1.8% (mejorable)

**Recomendaciones:**
1. Crear más contenido de video similar al top performer
2. Refrescar creativos con CTR menor a 1.5%
3. Testear nuevos formatos de anuncios

**Próximos pasos:**
• Producir 5 nuevos videos esta semana
• Pausar creativos de bajo rendimiento`

const helpText = `Hola, soy tu asistente de CompassMetrics para {company}.

Puedo ayudarte con consultas sobre:
• **ROAS** - Retorno de inversión publicitaria
• **CPA** - Costo por adquisición
• **CTR** - Tasa de clics
• **Conversiones** - Análisis de resultados
• **Rendimiento de campañas** - Meta Ads y Google Ads

**Ejemplo de preguntas:**
"¿Cómo está el ROAS este mes?"
"¿Cuál es el CPA actual?"
"¿Qué tal el CTR de las campañas?"

*Nota: Actualmente funcionando en modo demostración. Para análisis con datos reales, se requiere configurar la API de OpenAI.*`
