package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/port"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("compassmetrics-bfa/postgres")

// uniqueViolation is the PostgreSQL SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// ProfileRepository implements port.ProfileStore over the users table.
type ProfileRepository struct {
	db *sql.DB
}

// NewProfileRepository creates a repository on db.
func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetProfile loads one row. A missing row is *domain.ErrNotFound.
func (r *ProfileRepository) GetProfile(ctx context.Context, userID string) (*domain.ProfileRecord, error) {
	ctx, span := tracer.Start(ctx, "Postgres.GetProfile")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	rec := &domain.ProfileRecord{}
	var platforms pq.StringArray
	var created, updated sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, company, plan_selected, connected_platforms, created_at, updated_at
		   FROM users WHERE id = $1`,
		userID,
	).Scan(&rec.ID, &rec.Email, &rec.Name, &rec.Company, &rec.PlanSelected, &platforms, &created, &updated)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "profile", ID: userID}
	}
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "postgres/users", Err: fmt.Errorf("failed to find profile: %w", err)}
	}

	rec.ConnectedPlatforms = []string(platforms)
	if created.Valid {
		rec.CreatedAt = &created.Time
	}
	if updated.Valid {
		rec.UpdatedAt = &updated.Time
	}
	return rec, nil
}

// InsertProfile creates the row for a newly registered user.
func (r *ProfileRepository) InsertProfile(ctx context.Context, rec *domain.ProfileRecord) error {
	ctx, span := tracer.Start(ctx, "Postgres.InsertProfile")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", rec.ID))

	platforms := rec.ConnectedPlatforms
	if platforms == nil {
		platforms = []string{}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, company, plan_selected, connected_platforms)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Email, rec.Name, rec.Company, rec.PlanSelected, pq.Array(platforms),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return &domain.ErrConflict{Message: "profile already exists"}
		}
		return &domain.ErrExternalService{Service: "postgres/users", Err: fmt.Errorf("failed to insert profile: %w", err)}
	}
	return nil
}

// UpdateProfile writes the non-nil fields of upd. Updating a missing row
// is *domain.ErrNotFound.
func (r *ProfileRepository) UpdateProfile(ctx context.Context, userID string, upd domain.ProfileUpdate) error {
	ctx, span := tracer.Start(ctx, "Postgres.UpdateProfile")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	query, args := buildUpdate(userID, upd.Fields())
	if query == "" {
		return nil
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &domain.ErrExternalService{Service: "postgres/users", Err: fmt.Errorf("failed to update profile: %w", err)}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &domain.ErrExternalService{Service: "postgres/users", Err: fmt.Errorf("failed to get rows affected: %w", err)}
	}
	if n == 0 {
		return &domain.ErrNotFound{Resource: "profile", ID: userID}
	}
	return nil
}

// Ping checks the connection.
func (r *ProfileRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// buildUpdate renders an UPDATE for fields in column order. Column names
// come from domain.ProfileUpdate, never from input.
func buildUpdate(userID string, fields map[string]any) (string, []any) {
	if len(fields) == 0 {
		return "", nil
	}
	cols := domain.Columns(fields)
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for i, col := range cols {
		v := fields[col]
		if arr, ok := v.([]string); ok {
			v = pq.Array(arr)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(col), i+1))
		args = append(args, v)
	}
	args = append(args, userID)
	query := fmt.Sprintf("UPDATE users SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	return query, args
}

var (
	_ port.ProfileStore  = (*ProfileRepository)(nil)
	_ port.HealthChecker = (*ProfileRepository)(nil)
)
