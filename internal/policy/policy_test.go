package policy_test

import (
	"testing"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
	"github.com/boddenberg/compassmetrics-bfa-go/internal/policy"
)

var (
	allStates  = []policy.State{policy.Unresolved, policy.Anonymous, policy.AuthenticatedNoPlan, policy.AuthenticatedWithPlan}
	allClasses = []policy.Class{policy.PublicEntry, policy.OnboardingOnly, policy.PlanGated, policy.Unconditional}
)

func TestDecide_Table(t *testing.T) {
	tests := []struct {
		class policy.Class
		state policy.State
		want  policy.Outcome
	}{
		{policy.PublicEntry, policy.Anonymous, policy.Allow},
		{policy.PublicEntry, policy.AuthenticatedNoPlan, policy.RedirectOnboarding},
		{policy.PublicEntry, policy.AuthenticatedWithPlan, policy.RedirectDashboard},

		{policy.OnboardingOnly, policy.Anonymous, policy.RedirectEntry},
		{policy.OnboardingOnly, policy.AuthenticatedNoPlan, policy.Allow},
		{policy.OnboardingOnly, policy.AuthenticatedWithPlan, policy.RedirectDashboard},

		{policy.PlanGated, policy.Anonymous, policy.RedirectEntry},
		{policy.PlanGated, policy.AuthenticatedNoPlan, policy.RedirectOnboarding},
		{policy.PlanGated, policy.AuthenticatedWithPlan, policy.Allow},

		{policy.Unconditional, policy.Anonymous, policy.Allow},
		{policy.Unconditional, policy.AuthenticatedNoPlan, policy.Allow},
		{policy.Unconditional, policy.AuthenticatedWithPlan, policy.Allow},
	}

	for _, tt := range tests {
		t.Run(tt.class.String()+"/"+tt.state.String(), func(t *testing.T) {
			got := policy.Decide(tt.state, tt.class)
			if got.Outcome != tt.want {
				t.Errorf("Decide(%s, %s) = %s, want %s", tt.state, tt.class, got.Outcome, tt.want)
			}
		})
	}
}

func TestDecide_TotalAndDeterministic(t *testing.T) {
	for _, st := range allStates {
		for _, cl := range allClasses {
			first := policy.Decide(st, cl)
			if first.Outcome == "" {
				t.Fatalf("no outcome for %s/%s", st, cl)
			}
			for i := 0; i < 3; i++ {
				if again := policy.Decide(st, cl); again != first {
					t.Fatalf("non-deterministic decision for %s/%s: %v vs %v", st, cl, first, again)
				}
			}
			if first.IsRedirect() && first.Location == "" {
				t.Fatalf("redirect without location for %s/%s", st, cl)
			}
		}
	}
}

func TestDecide_UnresolvedNeverNavigates(t *testing.T) {
	for _, cl := range allClasses {
		d := policy.Decide(policy.Unresolved, cl)
		if d.IsRedirect() {
			t.Errorf("unresolved state redirected for %s: %+v", cl, d)
		}
	}
	if d := policy.Decide(policy.Unresolved, policy.PlanGated); d.Outcome != policy.Wait {
		t.Errorf("expected wait for guarded class, got %s", d.Outcome)
	}
}

func TestDecide_RedirectLocations(t *testing.T) {
	if d := policy.Decide(policy.Anonymous, policy.PlanGated); d.Location != policy.EntryPath {
		t.Errorf("expected entry redirect, got %q", d.Location)
	}
	if d := policy.Decide(policy.AuthenticatedNoPlan, policy.PlanGated); d.Location != policy.OnboardingPath {
		t.Errorf("expected onboarding redirect, got %q", d.Location)
	}
	if d := policy.Decide(policy.AuthenticatedWithPlan, policy.OnboardingOnly); d.Location != policy.DashboardPath {
		t.Errorf("expected dashboard redirect, got %q", d.Location)
	}
}

func TestStateOf(t *testing.T) {
	tests := []struct {
		name string
		snap domain.SessionSnapshot
		want policy.State
	}{
		{"loading", domain.SessionSnapshot{IsLoading: true, Identity: &domain.Identity{PlanSelected: true}}, policy.Unresolved},
		{"anonymous", domain.SessionSnapshot{}, policy.Anonymous},
		{"no plan", domain.SessionSnapshot{Identity: &domain.Identity{ID: "u"}}, policy.AuthenticatedNoPlan},
		{"with plan", domain.SessionSnapshot{Identity: &domain.Identity{ID: "u", PlanSelected: true}}, policy.AuthenticatedWithPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.StateOf(tt.snap); got != tt.want {
				t.Errorf("StateOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path   string
		want   policy.Class
		wantOK bool
	}{
		{"/", policy.PublicEntry, true},
		{"/onboarding", policy.OnboardingOnly, true},
		{"/dashboard", policy.PlanGated, true},
		{"/dashboard/", policy.PlanGated, true},
		{"/settings", policy.PlanGated, true},
		{"/privacy-policy", policy.Unconditional, true},
		{"/terms-of-use", policy.Unconditional, true},
		{"/auth/callback", policy.Unconditional, true},
		{"/payment/success", policy.Unconditional, true},
		{"/payment/failure", policy.Unconditional, true},
		{"/admin", 0, false},
	}
	for _, tt := range tests {
		got, ok := policy.Classify(tt.path)
		if ok != tt.wantOK || (ok && got != tt.want) {
			t.Errorf("Classify(%q) = (%s, %v), want (%s, %v)", tt.path, got, ok, tt.want, tt.wantOK)
		}
	}
}

// Visitor journey: anonymous → registered → plan selected.
func TestScenario_DashboardAccessFollowsPlan(t *testing.T) {
	dashboard, _ := policy.Classify("/dashboard")
	onboarding, _ := policy.Classify("/onboarding")

	snap := domain.SessionSnapshot{}
	if d := policy.Decide(policy.StateOf(snap), dashboard); d.Outcome != policy.RedirectEntry {
		t.Fatalf("anonymous → dashboard: got %s", d.Outcome)
	}

	snap.Identity = &domain.Identity{ID: "u1"}
	if d := policy.Decide(policy.StateOf(snap), dashboard); d.Outcome != policy.RedirectOnboarding {
		t.Fatalf("no plan → dashboard: got %s", d.Outcome)
	}

	snap.Identity.PlanSelected = true
	if d := policy.Decide(policy.StateOf(snap), dashboard); d.Outcome != policy.Allow {
		t.Fatalf("with plan → dashboard: got %s", d.Outcome)
	}
	if d := policy.Decide(policy.StateOf(snap), onboarding); d.Outcome != policy.RedirectDashboard {
		t.Fatalf("with plan → onboarding: got %s", d.Outcome)
	}
}
