package routing

import (
	"fmt"
	"time"

	"github.com/gobwas/glob"
)

// DefaultSLA applies when a squad configures no per-level SLA table.
const DefaultSLA = 60 * time.Second

// Rule maps a (role, category pattern) pair to an ordered chain of roles to
// escalate through. Category is a glob pattern: "security-*" matches
// "security-question". Rules are read-only at runtime, loaded once per squad.
type Rule struct {
	Role     string   `yaml:"role"`
	Category string   `yaml:"category"`
	Chain    []string `yaml:"escalate_to"`

	pattern glob.Glob
}

// Compile validates and compiles the category pattern.
func (r *Rule) Compile() error {
	if r.Role == "" {
		return fmt.Errorf("rule has no role")
	}
	if len(r.Chain) == 0 {
		return fmt.Errorf("rule for role %q has an empty escalation chain", r.Role)
	}
	pattern := r.Category
	if pattern == "" {
		pattern = "*"
	}
	compiled, err := glob.Compile(pattern)
	if err != nil {
		return fmt.Errorf("rule for role %q: invalid category pattern %q: %w", r.Role, r.Category, err)
	}
	r.pattern = compiled
	return nil
}

// Matches reports whether the rule applies to the given role and category.
func (r *Rule) Matches(role, category string) bool {
	return r.Role == role && r.pattern != nil && r.pattern.Match(category)
}

// SquadRules is a squad's escalation configuration: its ordered rule table
// and the SLA duration per escalation level.
type SquadRules struct {
	SquadID string          `yaml:"squad_id"`
	Rules   []Rule          `yaml:"rules"`
	SLAs    []time.Duration `yaml:"slas"`
}

// Compile compiles every rule pattern.
func (s *SquadRules) Compile() error {
	for i := range s.Rules {
		if err := s.Rules[i].Compile(); err != nil {
			return fmt.Errorf("squad %s: %w", s.SquadID, err)
		}
	}
	return nil
}

// SLA returns the duration allowed at an escalation level. Levels past the
// table reuse the last configured entry.
func (s *SquadRules) SLA(level int) time.Duration {
	if len(s.SLAs) == 0 {
		return DefaultSLA
	}
	if level >= len(s.SLAs) {
		return s.SLAs[len(s.SLAs)-1]
	}
	if level < 0 {
		level = 0
	}
	return s.SLAs[level]
}

// chainFor returns the escalation chain for the first matching rule, walking
// the table in declaration order.
func (s *SquadRules) chainFor(role, category string) ([]string, bool) {
	for i := range s.Rules {
		if s.Rules[i].Matches(role, category) {
			return s.Rules[i].Chain, true
		}
	}
	return nil, false
}
