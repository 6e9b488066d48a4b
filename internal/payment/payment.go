// Package payment simulates plan checkout and parses payment-provider
// return URLs.
package payment

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("compassmetrics-bfa/payment")

// Plan kinds.
const (
	KindTrial   = "trial"
	KindMonthly = "monthly"
)

// Plan describes what a plan includes.
type Plan struct {
	Kind            string `json:"kind"`
	Name            string `json:"name"`
	Price           string `json:"price"`
	Description     string `json:"description"`
	IncludedQueries int    `json:"includedQueries"`
}

// Plans is the plan catalog.
var Plans = map[string]Plan{
	KindTrial: {
		Kind:            KindTrial,
		Name:            "Prueba Gratuita",
		Price:           "Gratis",
		Description:     "3 consultas incluidas",
		IncludedQueries: 3,
	},
	KindMonthly: {
		Kind:            KindMonthly,
		Name:            "Plan Mensual",
		Price:           "CLP 15.000",
		Description:     "15 consultas mensuales incluidas",
		IncludedQueries: 15,
	},
}

// NormalizeKind maps accepted spellings to a plan kind.
func NormalizeKind(kind string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "trial", "free_trial":
		return KindTrial, true
	case "monthly", "subscription":
		return KindMonthly, true
	}
	return "", false
}

// Receipt is the result of a completed checkout.
type Receipt struct {
	Plan              Plan   `json:"plan"`
	ExternalReference string `json:"externalReference"`
	SuccessURL        string `json:"successUrl"`
}

// Service runs simulated checkouts.
type Service struct {
	baseURL string
	delay   time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates a checkout service. baseURL is the public origin
// used for return URLs; delay simulates provider processing.
func NewService(baseURL string, delay time.Duration, logger *zap.Logger) *Service {
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		delay:   delay,
		logger:  logger,
		now:     time.Now,
	}
}

// Checkout processes a payment for kind on behalf of userID. It returns
// ctx.Err() if the caller gives up before processing completes.
func (s *Service) Checkout(ctx context.Context, kind, userID string) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "Payment.Checkout")
	defer span.End()

	k, ok := NormalizeKind(kind)
	if !ok {
		return nil, &domain.ErrValidation{Field: "plan", Message: fmt.Sprintf("unknown plan %q", kind)}
	}
	span.SetAttributes(attribute.String("plan.kind", k))

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	ref := ExternalReference(k, userID)
	q := url.Values{}
	q.Set("status", "approved")
	q.Set("payment_id", fmt.Sprintf("sim-%d", s.now().UnixMilli()))
	q.Set("external_reference", ref)

	s.logger.Info("payment: checkout approved",
		zap.String("user_id", userID),
		zap.String("plan", k),
	)
	return &Receipt{
		Plan:              Plans[k],
		ExternalReference: ref,
		SuccessURL:        s.baseURL + "/payment/success?" + q.Encode(),
	}, nil
}

// ExternalReference tags a payment with its plan and user.
func ExternalReference(kind, userID string) string {
	return kind + "-" + userID
}

// Result is what a provider return URL says about a payment.
type Result struct {
	Approved          bool   `json:"approved"`
	PlanKind          string `json:"planKind,omitempty"`
	PaymentID         string `json:"paymentId,omitempty"`
	PreapprovalID     string `json:"preapprovalId,omitempty"`
	ExternalReference string `json:"externalReference,omitempty"`
}

// ParseResult reads the success return URL query. A payment is approved
// when status=approved or a preapproval_id is present, and an
// external_reference exists.
func ParseResult(q url.Values) Result {
	r := Result{
		PaymentID:         q.Get("payment_id"),
		PreapprovalID:     q.Get("preapproval_id"),
		ExternalReference: q.Get("external_reference"),
	}
	if (q.Get("status") != "approved" && r.PreapprovalID == "") || r.ExternalReference == "" {
		return r
	}
	r.Approved = true
	r.PlanKind = KindTrial
	if strings.Contains(r.ExternalReference, "monthly") || strings.Contains(r.ExternalReference, "subscription") {
		r.PlanKind = KindMonthly
	}
	return r
}
