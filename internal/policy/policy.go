// Package policy is the route guard: a pure decision from session state
// and destination class to allow, wait, or redirect.
package policy

import (
	"strings"

	"github.com/boddenberg/compassmetrics-bfa-go/internal/domain"
)

// Entry points used as redirect targets.
const (
	EntryPath      = "/"
	OnboardingPath = "/onboarding"
	DashboardPath  = "/dashboard"
)

// State is the guard's view of a session.
type State int

const (
	Unresolved State = iota
	Anonymous
	AuthenticatedNoPlan
	AuthenticatedWithPlan
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Anonymous:
		return "anonymous"
	case AuthenticatedNoPlan:
		return "authenticated_no_plan"
	case AuthenticatedWithPlan:
		return "authenticated_with_plan"
	}
	return "unknown"
}

// Class groups destinations that share a guard rule.
type Class int

const (
	PublicEntry Class = iota
	OnboardingOnly
	PlanGated
	Unconditional
)

func (c Class) String() string {
	switch c {
	case PublicEntry:
		return "public_entry"
	case OnboardingOnly:
		return "onboarding_only"
	case PlanGated:
		return "plan_gated"
	case Unconditional:
		return "unconditional"
	}
	return "unknown"
}

// Outcome is what the caller should do with the request.
type Outcome string

const (
	Wait               Outcome = "wait"
	Allow              Outcome = "allow"
	RedirectEntry      Outcome = "redirect_entry"
	RedirectOnboarding Outcome = "redirect_onboarding"
	RedirectDashboard  Outcome = "redirect_dashboard"
)

// Decision is an outcome plus the redirect target, if any.
type Decision struct {
	Outcome  Outcome `json:"outcome"`
	Location string  `json:"location,omitempty"`
}

// IsRedirect reports whether the decision navigates elsewhere.
func (d Decision) IsRedirect() bool {
	return d.Location != ""
}

var (
	allow       = Decision{Outcome: Allow}
	wait        = Decision{Outcome: Wait}
	toEntry     = Decision{Outcome: RedirectEntry, Location: EntryPath}
	toOnboard   = Decision{Outcome: RedirectOnboarding, Location: OnboardingPath}
	toDashboard = Decision{Outcome: RedirectDashboard, Location: DashboardPath}
)

// table holds one decision for every resolved state and class.
var table = map[Class]map[State]Decision{
	PublicEntry: {
		Anonymous:             allow,
		AuthenticatedNoPlan:   toOnboard,
		AuthenticatedWithPlan: toDashboard,
	},
	OnboardingOnly: {
		Anonymous:             toEntry,
		AuthenticatedNoPlan:   allow,
		AuthenticatedWithPlan: toDashboard,
	},
	PlanGated: {
		Anonymous:             toEntry,
		AuthenticatedNoPlan:   toOnboard,
		AuthenticatedWithPlan: allow,
	},
	Unconditional: {
		Anonymous:             allow,
		AuthenticatedNoPlan:   allow,
		AuthenticatedWithPlan: allow,
	},
}

// Decide returns the guard decision. While Unresolved no navigation is
// decided: guarded classes wait and unconditional ones render.
// Unknown states or classes send the visitor to the entry page.
func Decide(state State, class Class) Decision {
	if state == Unresolved {
		if class == Unconditional {
			return allow
		}
		return wait
	}
	byState, ok := table[class]
	if !ok {
		return toEntry
	}
	d, ok := byState[state]
	if !ok {
		return toEntry
	}
	return d
}

// StateOf derives the guard state from a session snapshot.
func StateOf(snap domain.SessionSnapshot) State {
	switch {
	case snap.IsLoading:
		return Unresolved
	case snap.Identity == nil:
		return Anonymous
	case snap.Identity.PlanSelected:
		return AuthenticatedWithPlan
	default:
		return AuthenticatedNoPlan
	}
}

// routes maps page paths to their class.
var routes = map[string]Class{
	"/":                PublicEntry,
	"/onboarding":      OnboardingOnly,
	"/dashboard":       PlanGated,
	"/settings":        PlanGated,
	"/privacy-policy":  Unconditional,
	"/terms-of-use":    Unconditional,
	"/auth/callback":   Unconditional,
	"/payment/success": Unconditional,
	"/payment/failure": Unconditional,
}

// Classify returns the class of a page path. ok is false for paths that
// are not pages; callers redirect those to the entry page.
func Classify(path string) (class Class, ok bool) {
	if path != "/" {
		path = strings.TrimRight(path, "/")
	}
	if path == "" {
		path = "/"
	}
	class, ok = routes[path]
	return class, ok
}

// Paths returns every classified page path.
func Paths() []string {
	out := make([]string, 0, len(routes))
	for p := range routes {
		out = append(out, p)
	}
	return out
}
