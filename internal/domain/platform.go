package domain

// Platform identifiers accepted by the connection set.
const (
	PlatformMeta     = "meta"
	PlatformGoogle   = "google"
	PlatformTikTok   = "tiktok"
	PlatformLinkedIn = "linkedin"
	PlatformTwitter  = "twitter"
)

// DemoPlatforms is the connected set synthesized for demo logins.
var DemoPlatforms = []string{PlatformMeta, PlatformGoogle}

// Platform describes one ad-platform integration.
type Platform struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Metrics     []string `json:"metrics"`
	Connected   bool     `json:"connected"`
}

// PlatformCatalog lists every supported platform in display order.
var PlatformCatalog = []Platform{
	{ID: PlatformMeta, Name: "Meta Ads", Description: "Facebook e Instagram Ads", Metrics: []string{"ROAS", "CPA", "CTR", "Alcance"}},
	{ID: PlatformGoogle, Name: "Google Ads", Description: "Search, Display y YouTube", Metrics: []string{"ROAS", "CPC", "Conversiones", "Impresiones"}},
	{ID: PlatformTikTok, Name: "TikTok Ads", Description: "Campañas en TikTok", Metrics: []string{"Engagement", "CPM", "Views", "CTR"}},
	{ID: PlatformLinkedIn, Name: "LinkedIn Ads", Description: "Campañas B2B en LinkedIn", Metrics: []string{"CPL", "CTR", "Impresiones", "Leads"}},
	{ID: PlatformTwitter, Name: "X (Twitter) Ads", Description: "Campañas en X", Metrics: []string{"Engagement", "CPE", "Impresiones", "Clicks"}},
}

// IsKnownPlatform reports whether id is in the catalog.
func IsKnownPlatform(id string) bool {
	for _, p := range PlatformCatalog {
		if p.ID == id {
			return true
		}
	}
	return false
}

// PlatformStatus reports whether a platform integration has credentials.
type PlatformStatus struct {
	ID         string   `json:"id"`
	Configured bool     `json:"configured"`
	Missing    []string `json:"missing,omitempty"`
}
