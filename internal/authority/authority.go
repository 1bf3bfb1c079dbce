// Package authority maps decision categories to the minimum tier allowed to finalize them.
package authority

import (
	"sort"

	"ladder/internal/config"
	"ladder/internal/domain"
)

// Rule is one entry of the matrix.
type Rule struct {
	Category         string `json:"category"`
	Description      string `json:"description,omitempty"`
	MinLevel         int    `json:"min_level"`
	Provisional      bool   `json:"provisional"`
	ProvisionalFloor int    `json:"provisional_floor,omitempty"`
}

// Matrix is immutable after construction and safe for concurrent reads.
type Matrix struct {
	rules map[string]Rule
}

func New(rules []Rule) Matrix {
	m := Matrix{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		m.rules[r.Category] = r
	}
	return m
}

func FromConfig(cfg *config.Config) Matrix {
	var rules []Rule
	for _, category := range cfg.Categories() {
		r := cfg.Authority[category]
		rules = append(rules, Rule{
			Category:         category,
			Description:      r.Description,
			MinLevel:         r.MinLevel,
			Provisional:      r.Provisional,
			ProvisionalFloor: r.ProvisionalFloor,
		})
	}
	return New(rules)
}

// RequiredLevel returns the minimum level for category. Unknown categories
// require the highest tier.
func (m Matrix) RequiredLevel(category string) int {
	r, ok := m.rules[category]
	if !ok {
		return domain.MaxLevel
	}
	return r.MinLevel
}

// Known reports whether category has an explicit rule.
func (m Matrix) Known(category string) bool {
	_, ok := m.rules[category]
	return ok
}

// MayActProvisionally reports whether an agent at level may act pending review.
func (m Matrix) MayActProvisionally(category string, level int) bool {
	r, ok := m.rules[category]
	if !ok {
		return level >= domain.MaxLevel
	}
	if level >= r.MinLevel {
		return true
	}
	if !r.Provisional {
		return false
	}
	floor := r.ProvisionalFloor
	if floor == 0 {
		floor = r.MinLevel - 1
	}
	return level >= floor
}

// Check returns an AuthorityError when agent is below the required level.
func (m Matrix) Check(agent domain.Agent, category string) error {
	required := m.RequiredLevel(category)
	if agent.Level >= required {
		return nil
	}
	return domain.AuthorityError{ActorID: agent.ID, Category: category, Required: required, Actual: agent.Level}
}

// Rules lists the matrix ordered by category.
func (m Matrix) Rules() []Rule {
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
