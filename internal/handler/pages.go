package handler

import (
	"net/http"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/observability"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/payment"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/policy"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// pagePayload is the body of an allowed page request.
type pagePayload struct {
	Page    string                 `json:"page"`
	Class   string                 `json:"class"`
	Session domain.SessionSnapshot `json:"session"`
	Data    map[string]any         `json:"data,omitempty"`
}

type loadingPayload struct {
	State string `json:"state"`
}

// settledPages finish the in-flight restore before rendering, because
// their content depends on who is signed in.
var settledPages = map[string]bool{
	"/auth/callback":   true,
	"/payment/success": true,
}

// pageHandler runs the route guard for a page path and renders its payload.
// The decision is recomputed on every request from the live snapshot.
func pageHandler(metrics *observability.Metrics, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET page")
		defer span.End()

		class, ok := policy.Classify(r.URL.Path)
		if !ok {
			http.Redirect(w, r, policy.EntryPath, http.StatusFound)
			return
		}

		store := StoreFromContext(ctx)
		if store == nil {
			writeError(w, http.StatusInternalServerError, "session unavailable")
			return
		}
		if class != policy.Unconditional || settledPages[r.URL.Path] {
			waitResolved(r, store)
		}

		snap := store.Snapshot()
		state := policy.StateOf(snap)
		decision := policy.Decide(state, class)
		if metrics != nil {
			metrics.IncrPolicyDecision(string(decision.Outcome))
		}
		span.SetAttributes(
			attribute.String("page.path", r.URL.Path),
			attribute.String("policy.state", state.String()),
			attribute.String("policy.outcome", string(decision.Outcome)),
		)

		switch {
		case decision.Outcome == policy.Wait:
			writeJSON(w, http.StatusAccepted, loadingPayload{State: "loading"})
			return
		case decision.IsRedirect():
			logger.Debug("page: redirect",
				zap.String("path", r.URL.Path),
				zap.String("state", state.String()),
				zap.String("location", decision.Location),
			)
			http.Redirect(w, r, decision.Location, http.StatusFound)
			return
		}

		payload := pagePayload{
			Page:    r.URL.Path,
			Class:   class.String(),
			Session: snap,
		}
		switch r.URL.Path {
		case "/onboarding":
			payload.Data = map[string]any{
				"plans": []payment.Plan{payment.Plans[payment.KindTrial], payment.Plans[payment.KindMonthly]},
			}
		case "/dashboard":
			payload.Data = map[string]any{"platforms": platformsFor(snap.Identity)}
		case "/settings":
			q := r.URL.Query()
			payload.Data = map[string]any{
				"platforms":      platformsFor(snap.Identity),
				"linkedinStatus": q.Get("linkedin_status"),
				"linkedinError":  q.Get("error"),
			}
		case "/auth/callback":
			payload.Data = map[string]any{"next": nextAfterSignIn(snap)}
		case "/payment/success":
			result := payment.ParseResult(r.URL.Query())
			if result.Approved {
				store.SelectPlan(ctx, result.PlanKind)
				payload.Session = store.Snapshot()
			}
			payload.Data = map[string]any{"result": result, "next": nextAfterPayment(result, payload.Session)}
		case "/payment/failure":
			payload.Data = map[string]any{"next": policy.OnboardingPath}
		}

		writeJSON(w, http.StatusOK, payload)
	}
}

// nextAfterSignIn is where the auth callback page sends the visitor.
func nextAfterSignIn(snap domain.SessionSnapshot) string {
	switch policy.StateOf(snap) {
	case policy.AuthenticatedWithPlan:
		return policy.DashboardPath
	case policy.AuthenticatedNoPlan:
		return policy.OnboardingPath
	default:
		return policy.EntryPath
	}
}

func nextAfterPayment(result payment.Result, snap domain.SessionSnapshot) string {
	if !result.Approved {
		return policy.OnboardingPath
	}
	return nextAfterSignIn(snap)
}

// platformsFor returns the catalog with the identity's connections marked.
func platformsFor(ident *domain.Identity) []domain.Platform {
	out := make([]domain.Platform, len(domain.PlatformCatalog))
	for i, p := range domain.PlatformCatalog {
		p.Metrics = append([]string{}, p.Metrics...)
		p.Connected = ident != nil && ident.HasPlatform(p.ID)
		out[i] = p
	}
	return out
}

// waitResolved blocks until the store has resolved or the request ends.
func waitResolved(r *http.Request, store *session.Store) bool {
	return store.WaitReady(r.Context())
}
