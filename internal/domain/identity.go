package domain

import (
	"sort"
	"strings"
	"time"
)

// ============================================================
// Identity & Profile Record
// ============================================================

// Identity is the in-memory view of the signed-in principal.
// Values are replaced wholesale; callers must not mutate a shared Identity.
type Identity struct {
	ID                 string   `json:"id"`
	Email              string   `json:"email"`
	Name               string   `json:"name"`
	Company            string   `json:"company,omitempty"`
	PlanSelected       bool     `json:"planSelected"`
	ConnectedPlatforms []string `json:"connectedPlatforms"`
}

// Clone returns a deep copy of the identity.
func (i Identity) Clone() Identity {
	out := i
	out.ConnectedPlatforms = append([]string{}, i.ConnectedPlatforms...)
	return out
}

// HasPlatform reports whether the platform identifier is connected.
func (i Identity) HasPlatform(id string) bool {
	for _, p := range i.ConnectedPlatforms {
		if p == id {
			return true
		}
	}
	return false
}

// WithPlatform returns the connected set plus id, without duplicates.
func (i Identity) WithPlatform(id string) []string {
	return NormalizePlatforms(append(append([]string{}, i.ConnectedPlatforms...), id))
}

// WithoutPlatform returns the connected set minus id.
func (i Identity) WithoutPlatform(id string) []string {
	out := make([]string, 0, len(i.ConnectedPlatforms))
	for _, p := range i.ConnectedPlatforms {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

// NormalizePlatforms drops empty and repeated identifiers, keeping first-seen order.
func NormalizePlatforms(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// DisplayNameFromEmail returns the local part of the email, or fallback when it is empty.
func DisplayNameFromEmail(email, fallback string) string {
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return fallback
	}
	return local
}

// ProfileRecord is the durable row in the `users` table.
type ProfileRecord struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Name               string     `json:"name"`
	Company            string     `json:"company,omitempty"`
	PlanSelected       bool       `json:"plan_selected"`
	ConnectedPlatforms []string   `json:"connected_platforms"`
	CreatedAt          *time.Time `json:"created_at,omitempty"`
	UpdatedAt          *time.Time `json:"updated_at,omitempty"`
}

// ToIdentity builds an Identity from the row, deriving the display name
// from the email when the row has none.
func (p *ProfileRecord) ToIdentity(email string) Identity {
	name := p.Name
	if name == "" {
		name = DisplayNameFromEmail(email, "Usuario")
	}
	if email == "" {
		email = p.Email
	}
	return Identity{
		ID:                 p.ID,
		Email:              email,
		Name:               name,
		Company:            p.Company,
		PlanSelected:       p.PlanSelected,
		ConnectedPlatforms: NormalizePlatforms(p.ConnectedPlatforms),
	}
}

// LinkedInTokens are the OAuth credentials stored after a LinkedIn callback.
type LinkedInTokens struct {
	AccessToken           string
	RefreshToken          string
	ExpiresAt             time.Time
	RefreshTokenExpiresAt time.Time
}

// ProfileUpdate is a partial write to a ProfileRecord. Nil fields are left untouched.
type ProfileUpdate struct {
	Name               *string
	Company            *string
	PlanSelected       *bool
	ConnectedPlatforms []string
	LinkedIn           *LinkedInTokens
	UpdatedAt          time.Time
}

// Fields returns the column → value map for the update.
func (u ProfileUpdate) Fields() map[string]any {
	f := make(map[string]any)
	if u.Name != nil {
		f["name"] = *u.Name
	}
	if u.Company != nil {
		f["company"] = *u.Company
	}
	if u.PlanSelected != nil {
		f["plan_selected"] = *u.PlanSelected
	}
	if u.ConnectedPlatforms != nil {
		f["connected_platforms"] = u.ConnectedPlatforms
	}
	if u.LinkedIn != nil {
		f["linkedin_access_token"] = u.LinkedIn.AccessToken
		if u.LinkedIn.RefreshToken != "" {
			f["linkedin_refresh_token"] = u.LinkedIn.RefreshToken
		}
		f["linkedin_token_expires_at"] = u.LinkedIn.ExpiresAt.UTC()
		if !u.LinkedIn.RefreshTokenExpiresAt.IsZero() {
			f["linkedin_refresh_token_expires_at"] = u.LinkedIn.RefreshTokenExpiresAt.UTC()
		}
	}
	if !u.UpdatedAt.IsZero() {
		f["updated_at"] = u.UpdatedAt.UTC()
	}
	return f
}

// Columns returns the keys of fields in sorted order.
func Columns(fields map[string]any) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ProfileFields is the user-editable subset of the profile.
type ProfileFields struct {
	Name    string `json:"name"`
	Company string `json:"company"`
}

// SessionSnapshot is the observable state of one session.
type SessionSnapshot struct {
	IsLoading bool      `json:"isLoading"`
	Identity  *Identity `json:"user"`
}
