package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/infra/resilience"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// --- Profile rows (implements port.ProfileStore) ---

// GetProfile fetches one row of the users table.
func (c *Client) GetProfile(ctx context.Context, userID string) (*domain.ProfileRecord, error) {
	ctx, span := tracer.Start(ctx, "Supabase.GetProfile")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	path := fmt.Sprintf("users?id=eq.%s&select=*&limit=1", url.QueryEscape(userID))
	rows, err := resilience.Call(ctx, c.cb, c.cfg, func() ([]domain.ProfileRecord, error) {
		body, err := c.doRequest(ctx, path)
		if err != nil {
			return nil, err
		}
		var rows []domain.ProfileRecord
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, resilience.Permanent(fmt.Errorf("decode users row: %w", err))
		}
		return rows, nil
	})
	if err != nil {
		return nil, wrapErr("supabase/users", err)
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "profile", ID: userID}
	}
	return &rows[0], nil
}

// InsertProfile creates the row for a newly registered user.
func (c *Client) InsertProfile(ctx context.Context, rec *domain.ProfileRecord) error {
	ctx, span := tracer.Start(ctx, "Supabase.InsertProfile")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", rec.ID))

	platforms := rec.ConnectedPlatforms
	if platforms == nil {
		platforms = []string{}
	}
	data := map[string]any{
		"id":                  rec.ID,
		"email":               rec.Email,
		"name":                rec.Name,
		"plan_selected":       rec.PlanSelected,
		"connected_platforms": platforms,
	}
	if rec.Company != "" {
		data["company"] = rec.Company
	}

	_, err := resilience.Call(ctx, c.cb, c.cfg.NoRetry(), func() ([]byte, error) {
		return c.doPost(ctx, "users", data)
	})
	if err != nil {
		return wrapErr("supabase/users", err)
	}

	c.logger.Info("supabase: profile created", zap.String("user_id", rec.ID))
	return nil
}

// UpdateProfile patches the given fields of one row. Writes are attempted once.
func (c *Client) UpdateProfile(ctx context.Context, userID string, upd domain.ProfileUpdate) error {
	ctx, span := tracer.Start(ctx, "Supabase.UpdateProfile")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	fields := upd.Fields()
	if len(fields) == 0 {
		return nil
	}
	span.SetAttributes(attribute.StringSlice("profile.columns", domain.Columns(fields)))

	path := fmt.Sprintf("users?id=eq.%s", url.QueryEscape(userID))
	_, err := resilience.Call(ctx, c.cb, c.cfg.NoRetry(), func() (struct{}, error) {
		return struct{}{}, c.doPatch(ctx, path, fields)
	})
	if err != nil {
		return wrapErr("supabase/users", err)
	}
	return nil
}
