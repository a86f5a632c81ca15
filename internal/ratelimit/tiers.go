package ratelimit

import (
	"time"

	"github.com/org/vxlgateway/pkg/models"
)

// Rule is one fixed-window budget.
type Rule struct {
	Window time.Duration
	Max    int
}

// Tier names the caller class a rule was adjusted for.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierUser      Tier = "user"
	TierAPIKey    Tier = "apikey"
	TierAdmin     Tier = "admin"
)

// TierOf classifies a principal. Admin wins over the credential kind.
func TierOf(p *models.Principal) Tier {
	switch {
	case p == nil:
		return TierAnonymous
	case p.IsAdmin():
		return TierAdmin
	case p.Kind == models.KindAPIKey:
		return TierAPIKey
	default:
		return TierUser
	}
}

// Adjust scales base for a tier: admins get twice the budget, API key
// callers one and a half times (rounded down), everyone else the base.
func Adjust(base Rule, tier Tier) Rule {
	switch tier {
	case TierAdmin:
		base.Max *= 2
	case TierAPIKey:
		base.Max = base.Max * 3 / 2
	}
	return base
}

// Table holds the base rule per resource class.
type Table struct {
	rules    map[string]Rule
	fallback Rule
}

// NewTable builds a table; fallback serves resources with no entry.
func NewTable(rules map[string]Rule, fallback Rule) *Table {
	cp := make(map[string]Rule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	return &Table{rules: cp, fallback: fallback}
}

// For returns the tier-adjusted rule for resource.
func (t *Table) For(resource string, tier Tier) Rule {
	base, ok := t.rules[resource]
	if !ok {
		base = t.fallback
	}
	return Adjust(base, tier)
}
