package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func TestBuildUpdate_ColumnOrderAndPlaceholders(t *testing.T) {
	plan := true
	name := "Ana"
	query, args := buildUpdate("u-1", domain.ProfileUpdate{
		Name:               &name,
		PlanSelected:       &plan,
		ConnectedPlatforms: []string{"meta"},
	}.Fields())

	want := `UPDATE users SET "connected_platforms" = $1, "name" = $2, "plan_selected" = $3 WHERE id = $4`
	if query != want {
		t.Fatalf("query:\n got %s\nwant %s", query, want)
	}
	if len(args) != 4 {
		t.Fatalf("expected 4 args, got %d", len(args))
	}
	if _, ok := args[0].(*pq.StringArray); !ok {
		t.Errorf("platforms should be wrapped in pq.Array, got %T", args[0])
	}
	if args[3] != "u-1" {
		t.Errorf("last arg should be the user id, got %v", args[3])
	}
}

func TestBuildUpdate_Empty(t *testing.T) {
	query, args := buildUpdate("u-1", domain.ProfileUpdate{}.Fields())
	if query != "" || args != nil {
		t.Errorf("expected no statement, got %q %v", query, args)
	}
}

func TestBuildUpdate_LinkedInColumns(t *testing.T) {
	exp := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	query, _ := buildUpdate("u-1", domain.ProfileUpdate{
		ConnectedPlatforms: []string{"linkedin"},
		LinkedIn:           &domain.LinkedInTokens{AccessToken: "at", ExpiresAt: exp},
	}.Fields())

	for _, col := range []string{`"linkedin_access_token"`, `"linkedin_token_expires_at"`, `"connected_platforms"`} {
		if !strings.Contains(query, col) {
			t.Errorf("expected %s in %s", col, query)
		}
	}
	if strings.Contains(query, "linkedin_refresh_token") {
		t.Errorf("empty refresh token must not be written: %s", query)
	}
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := RunMigrations(url); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	db, err := Open(context.Background(), url)
	if err != nil {
		t.Skipf("database unavailable: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProfileRepository_RoundTrip(t *testing.T) {
	db := testDB(t)
	repo := NewProfileRepository(db)
	ctx := context.Background()
	id := uuid.NewString()
	t.Cleanup(func() { _, _ = db.Exec(`DELETE FROM users WHERE id = $1`, id) })

	if _, err := repo.GetProfile(ctx, id); !isNotFound(err) {
		t.Fatalf("expected not found before insert, got %v", err)
	}

	rec := &domain.ProfileRecord{ID: id, Email: "ana@acme.com", Name: "Ana", Company: "Acme"}
	if err := repo.InsertProfile(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var conflict *domain.ErrConflict
	if err := repo.InsertProfile(ctx, rec); !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}

	plan := true
	if err := repo.UpdateProfile(ctx, id, domain.ProfileUpdate{
		PlanSelected:       &plan,
		ConnectedPlatforms: []string{"meta", "google"},
		UpdatedAt:          time.Now(),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := repo.GetProfile(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.PlanSelected || len(got.ConnectedPlatforms) != 2 || got.ConnectedPlatforms[1] != "google" {
		t.Errorf("unexpected row: %+v", got)
	}
	if got.Company != "Acme" {
		t.Errorf("company changed: %q", got.Company)
	}
}

func TestProfileRepository_UpdateMissingRow(t *testing.T) {
	db := testDB(t)
	repo := NewProfileRepository(db)
	name := "x"
	err := repo.UpdateProfile(context.Background(), uuid.NewString(), domain.ProfileUpdate{Name: &name})
	if !isNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func isNotFound(err error) bool {
	var nf *domain.ErrNotFound
	return errors.As(err, &nf)
}
