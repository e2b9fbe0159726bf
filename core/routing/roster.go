// Package routing resolves the next-best responder for a question: it walks
// the squad's configured escalation chain for a (role, category) pair,
// skipping roles with no live participant and any excluded agents.
package routing

import (
	"sort"
	"sync"
)

// Participant is a live agent within a squad. Participants are owned by squad
// configuration and consumed read-only here.
type Participant struct {
	AgentID string `json:"agent_id" yaml:"agent_id"`
	Role    string `json:"role" yaml:"role"`
	SquadID string `json:"squad_id" yaml:"squad_id"`

	// AutoRespond marks agents whose answers are produced by the external
	// responder callback.
	AutoRespond bool `json:"auto_respond,omitempty" yaml:"auto_respond,omitempty"`
}

// Roster tracks live participants per squad. Agents join when they come
// online and leave when they disconnect; resolution treats a missing
// participant as "skip to the next rule", never as a hard failure.
type Roster struct {
	mu      sync.RWMutex
	byAgent map[string]Participant         // agentID -> participant
	byRole  map[string]map[string][]string // squadID -> role -> sorted agent IDs
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{
		byAgent: make(map[string]Participant),
		byRole:  make(map[string]map[string][]string),
	}
}

// Join adds or replaces a participant.
func (r *Roster) Join(p Participant) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAgent[p.AgentID]; ok {
		r.removeLocked(existing)
	}
	r.byAgent[p.AgentID] = p

	roles := r.byRole[p.SquadID]
	if roles == nil {
		roles = make(map[string][]string)
		r.byRole[p.SquadID] = roles
	}
	ids := append(roles[p.Role], p.AgentID)
	// Deterministic tie-break: resolution picks the lowest agent ID.
	sort.Strings(ids)
	roles[p.Role] = ids
}

// Leave removes a participant. Unknown agents are ignored.
func (r *Roster) Leave(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byAgent[agentID]
	if !ok {
		return
	}
	delete(r.byAgent, agentID)
	r.removeLocked(p)
}

func (r *Roster) removeLocked(p Participant) {
	roles := r.byRole[p.SquadID]
	if roles == nil {
		return
	}
	kept := roles[p.Role][:0]
	for _, id := range roles[p.Role] {
		if id != p.AgentID {
			kept = append(kept, id)
		}
	}
	if len(kept) == 0 {
		delete(roles, p.Role)
	} else {
		roles[p.Role] = kept
	}
}

// AgentsByRole returns the live agents for a role, sorted by agent ID.
func (r *Roster) AgentsByRole(squadID, role string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := r.byRole[squadID]
	if roles == nil {
		return nil
	}
	return append([]string(nil), roles[role]...)
}

// RoleOf returns the role of a live agent.
func (r *Roster) RoleOf(squadID, agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byAgent[agentID]
	if !ok || p.SquadID != squadID {
		return "", false
	}
	return p.Role, true
}

// Get returns a live participant by agent ID.
func (r *Roster) Get(agentID string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byAgent[agentID]
	return p, ok
}

// Squad returns all live participants of a squad.
func (r *Roster) Squad(squadID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Participant
	for _, p := range r.byAgent {
		if p.SquadID == squadID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}
