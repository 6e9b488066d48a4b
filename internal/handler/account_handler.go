package handler

import (
	"net/http"
	"sort"
	"strings"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/payment"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/session"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type planRequest struct {
	Plan string `json:"plan"`
}

type checkoutResponse struct {
	Receipt *payment.Receipt       `json:"receipt"`
	Session domain.SessionSnapshot `json:"session"`
}

// signedIn resolves the session and writes 401 when nobody is signed in.
func signedIn(w http.ResponseWriter, r *http.Request) (*session.Store, *domain.Identity, bool) {
	store := StoreFromContext(r.Context())
	waitResolved(r, store)
	ident := store.Snapshot().Identity
	if ident == nil {
		writeError(w, http.StatusUnauthorized, "sign in required")
		return nil, nil, false
	}
	return store, ident, true
}

// ============================================================
// POST /v1/onboarding/plan
// ============================================================

// selectPlanHandler handles the onboarding free-trial choice. Paid plans
// go through /v1/payments/checkout.
func selectPlanHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/onboarding/plan")
		defer span.End()

		var req planRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		kind, ok := payment.NormalizeKind(req.Plan)
		if !ok {
			handleServiceError(w, &domain.ErrValidation{Field: "plan", Message: "unknown plan"}, logger)
			return
		}
		if kind != payment.KindTrial {
			handleServiceError(w, &domain.ErrValidation{Field: "plan", Message: "paid plans require checkout"}, logger)
			return
		}

		store, _, ok := signedIn(w, r)
		if !ok {
			return
		}
		span.SetAttributes(attribute.String("plan.kind", kind))

		store.SelectPlan(ctx, kind)
		writeSession(w, http.StatusOK, store, true)
	}
}

// ============================================================
// POST /v1/payments/checkout
// ============================================================

func checkoutHandler(payments *payment.Service, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/payments/checkout")
		defer span.End()

		var req planRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		store, ident, ok := signedIn(w, r)
		if !ok {
			return
		}

		receipt, err := payments.Checkout(ctx, req.Plan, ident.ID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		store.SelectPlan(ctx, receipt.Plan.Kind)

		writeJSON(w, http.StatusOK, checkoutResponse{Receipt: receipt, Session: store.Snapshot()})
	}
}

// ============================================================
// PUT /v1/profile
// ============================================================

func updateProfileHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PUT /v1/profile")
		defer span.End()

		var req domain.ProfileFields
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		req.Company = strings.TrimSpace(req.Company)
		if req.Name == "" {
			handleServiceError(w, &domain.ErrValidation{Field: "name", Message: "name is required"}, logger)
			return
		}

		store, _, ok := signedIn(w, r)
		if !ok {
			return
		}

		if !store.UpdateUserProfile(ctx, req) {
			writeError(w, http.StatusBadGateway, "profile could not be saved")
			return
		}
		writeSession(w, http.StatusOK, store, true)
	}
}

// ============================================================
// POST /v1/platforms/{platformId}/connect
// DELETE /v1/platforms/{platformId}
// ============================================================

func connectPlatformHandler(logger *zap.Logger) http.HandlerFunc {
	return platformHandler("connect", logger, func(r *http.Request, store *session.Store, id string) bool {
		return store.ConnectPlatform(r.Context(), id)
	})
}

func disconnectPlatformHandler(logger *zap.Logger) http.HandlerFunc {
	return platformHandler("disconnect", logger, func(r *http.Request, store *session.Store, id string) bool {
		return store.DisconnectPlatform(r.Context(), id)
	})
}

// platformHandler validates the platform id and applies op. The response
// carries the resulting catalog; changed is false for an idempotent no-op
// and for a write that did not persist.
func platformHandler(action string, logger *zap.Logger, op func(*http.Request, *session.Store, string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "platform "+action)
		defer span.End()
		r = r.WithContext(ctx)

		id := strings.ToLower(chi.URLParam(r, "platformId"))
		if !domain.IsKnownPlatform(id) {
			handleServiceError(w, &domain.ErrValidation{Field: "platformId", Message: "unknown platform " + id}, logger)
			return
		}
		span.SetAttributes(attribute.String("platform.id", id))

		store, _, ok := signedIn(w, r)
		if !ok {
			return
		}

		changed := op(r, store, id)
		writeJSON(w, http.StatusOK, map[string]any{
			"changed":   changed,
			"platforms": platformsFor(store.Snapshot().Identity),
		})
	}
}

// ============================================================
// GET /v1/platforms/status
// ============================================================

// platformStatusHandler reports which ad-platform integrations have their
// API credentials set. Values are never echoed.
func platformStatusHandler(credentials map[string]map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]domain.PlatformStatus, 0, len(domain.PlatformCatalog))
		for _, p := range domain.PlatformCatalog {
			st := domain.PlatformStatus{ID: p.ID}
			for key, v := range credentials[p.ID] {
				if v == "" {
					st.Missing = append(st.Missing, key)
				}
			}
			sort.Strings(st.Missing)
			st.Configured = len(credentials[p.ID]) > 0 && len(st.Missing) == 0
			out = append(out, st)
		}
		writeJSON(w, http.StatusOK, map[string]any{"platforms": out})
	}
}
