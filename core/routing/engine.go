package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNoCandidate signals the escalation hierarchy is exhausted. This is a
// terminal business outcome, not a fault: the caller routes to a human.
var ErrNoCandidate = errors.New("no candidate responder")

// NoCandidateError carries the roles that were attempted before exhaustion so
// a human-intervention notice can list them without re-deriving context.
type NoCandidateError struct {
	SquadID        string
	Role           string
	Category       string
	AttemptedRoles []string
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no candidate responder for (%s, %s) in squad %s: tried [%s]",
		e.Role, e.Category, e.SquadID, strings.Join(e.AttemptedRoles, ", "))
}

func (e *NoCandidateError) Unwrap() error {
	return ErrNoCandidate
}

// Candidate is a resolved responder.
type Candidate struct {
	AgentID string
	Role    string
}

const chainCacheSize = 256

// Engine resolves questions to concrete live responders by consulting each
// squad's rule table and the live roster.
type Engine struct {
	mu     sync.RWMutex
	squads map[string]*SquadRules
	roster *Roster
	chains *lru.Cache[string, []string]
	logger *slog.Logger
}

// NewEngine creates a routing engine over the given roster.
func NewEngine(roster *Roster, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	chains, _ := lru.New[string, []string](chainCacheSize)
	return &Engine{
		squads: make(map[string]*SquadRules),
		roster: roster,
		chains: chains,
		logger: logger,
	}
}

// LoadSquad installs (or replaces) a squad's rule table. Rules must already
// be compiled or compile cleanly here.
func (e *Engine) LoadSquad(rules *SquadRules) error {
	if err := rules.Compile(); err != nil {
		return err
	}

	e.mu.Lock()
	e.squads[rules.SquadID] = rules
	e.mu.Unlock()

	// Chains may have changed; drop all cached lookups.
	e.chains.Purge()

	e.logger.Info("loaded squad escalation rules",
		slog.String("squad", rules.SquadID),
		slog.Int("rules", len(rules.Rules)),
		slog.Int("sla_levels", len(rules.SLAs)))
	return nil
}

// Roster returns the live participant roster.
func (e *Engine) Roster() *Roster {
	return e.roster
}

// SLAFor returns the SLA duration for a squad at an escalation level.
func (e *Engine) SLAFor(squadID string, level int) time.Duration {
	e.mu.RLock()
	rules, ok := e.squads[squadID]
	e.mu.RUnlock()
	if !ok {
		return DefaultSLA
	}
	return rules.SLA(level)
}

// RoleOf reports the role of a live agent within a squad.
func (e *Engine) RoleOf(squadID, agentID string) (string, bool) {
	return e.roster.RoleOf(squadID, agentID)
}

// Resolve walks the escalation chain for (fromRole, category), skipping roles
// with no live participant and agents in excluded, and returns the first
// match. A role mapping to several live agents resolves to the lowest agent
// ID so behavior is reproducible. Exhaustion returns a *NoCandidateError
// wrapping ErrNoCandidate.
func (e *Engine) Resolve(squadID, category, fromRole string, excluded []string) (Candidate, error) {
	chain, ok := e.chainLookup(squadID, category, fromRole)
	if !ok {
		return Candidate{}, &NoCandidateError{
			SquadID:  squadID,
			Role:     fromRole,
			Category: category,
		}
	}

	skip := make(map[string]struct{}, len(excluded))
	for _, id := range excluded {
		skip[id] = struct{}{}
	}

	for _, role := range chain {
		for _, agentID := range e.roster.AgentsByRole(squadID, role) {
			if _, excludedAgent := skip[agentID]; excludedAgent {
				continue
			}
			return Candidate{AgentID: agentID, Role: role}, nil
		}
	}

	return Candidate{}, &NoCandidateError{
		SquadID:        squadID,
		Role:           fromRole,
		Category:       category,
		AttemptedRoles: append([]string(nil), chain...),
	}
}

func (e *Engine) chainLookup(squadID, category, fromRole string) ([]string, bool) {
	key := squadID + "|" + fromRole + "|" + category
	if chain, ok := e.chains.Get(key); ok {
		return chain, len(chain) > 0
	}

	e.mu.RLock()
	rules, ok := e.squads[squadID]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}

	chain, found := rules.chainFor(fromRole, category)
	if !found {
		// Negative entries are cached too; LoadSquad purges them.
		e.chains.Add(key, nil)
		return nil, false
	}

	e.chains.Add(key, chain)
	return chain, true
}
