// Package directory holds the agent reporting tree as an arena keyed by id.
package directory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"ladder/internal/domain"
)

const (
	ScopeAll  = "all"
	ScopeTeam = "team:"
	ScopeRole = "role:"
)

// Directory is safe for concurrent lookups. Mutation happens only through
// administrative registration and the availability/workload counters.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]*domain.Agent
	rootID string
}

func New() *Directory {
	return &Directory{agents: map[string]*domain.Agent{}}
}

// FromAgents registers agents in dependency order so parents precede children.
func FromAgents(agents []domain.Agent) (*Directory, error) {
	d := New()
	pending := append([]domain.Agent(nil), agents...)
	for len(pending) > 0 {
		progressed := false
		var next []domain.Agent
		for _, a := range pending {
			if a.ReportsTo != "" && !d.has(a.ReportsTo) {
				next = append(next, a)
				continue
			}
			if err := d.Register(a); err != nil {
				return nil, err
			}
			progressed = true
		}
		if !progressed {
			return nil, domain.CycleError{AgentID: next[0].ID, ParentID: next[0].ReportsTo, Reason: "parent never registered"}
		}
		pending = next
	}
	return d, nil
}

func (d *Directory) has(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.agents[id]
	return ok
}

// Register adds or replaces an agent. Re-registering an existing id may move it
// within the tree as long as the result is still a rooted tree.
func (d *Directory) Register(a domain.Agent) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("agent id required")
	}
	if domain.IsSystemAddress(a.ID) {
		return fmt.Errorf("agent id %s uses reserved prefix", a.ID)
	}
	if !a.Role.Valid() {
		return fmt.Errorf("agent %s has invalid role %q", a.ID, a.Role)
	}
	if a.Level < domain.MinLevel || a.Level > domain.MaxLevel {
		return fmt.Errorf("agent %s level %d outside %d..%d", a.ID, a.Level, domain.MinLevel, domain.MaxLevel)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, replacing := d.agents[a.ID]
	if a.ReportsTo == "" {
		if d.rootID != "" && d.rootID != a.ID {
			return domain.CycleError{AgentID: a.ID, Reason: "root already registered as " + d.rootID}
		}
	} else {
		if a.ReportsTo == a.ID {
			return domain.CycleError{AgentID: a.ID, ParentID: a.ReportsTo}
		}
		parent, ok := d.agents[a.ReportsTo]
		if !ok {
			return domain.NotFoundError{Kind: "agent", ID: a.ReportsTo}
		}
		// Walking up from the new parent must never reach the agent itself.
		for cur := parent; cur != nil; cur = d.agents[cur.ReportsTo] {
			if cur.ID == a.ID {
				return domain.CycleError{AgentID: a.ID, ParentID: a.ReportsTo}
			}
			if cur.ReportsTo == "" {
				break
			}
		}
		if parent.Level <= a.Level {
			return domain.CycleError{AgentID: a.ID, ParentID: a.ReportsTo, Reason: fmt.Sprintf("parent level %d must exceed child level %d", parent.Level, a.Level)}
		}
		if replacing && d.rootID == a.ID {
			return domain.CycleError{AgentID: a.ID, ParentID: a.ReportsTo, Reason: "root cannot be re-parented"}
		}
	}
	if replacing {
		for _, child := range d.agents {
			if child.ReportsTo == a.ID && child.Level >= a.Level {
				return domain.CycleError{AgentID: child.ID, ParentID: a.ID, Reason: fmt.Sprintf("child level %d must be below %d", child.Level, a.Level)}
			}
		}
		a.Workload = existing.Workload
	}
	rec := a
	if a.Profile != nil {
		rec.Profile = make(map[string]string, len(a.Profile))
		for k, v := range a.Profile {
			rec.Profile[k] = v
		}
	}
	d.agents[a.ID] = &rec
	if a.ReportsTo == "" {
		d.rootID = a.ID
	}
	return nil
}

// Reparent moves an agent under a new parent with the same tree checks as Register.
func (d *Directory) Reparent(id, parentID string) error {
	a, err := d.Get(id)
	if err != nil {
		return err
	}
	a.ReportsTo = parentID
	return d.Register(a)
}

// Get returns a copy of the agent record.
func (d *Directory) Get(id string) (domain.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return domain.Agent{}, domain.NotFoundError{Kind: "agent", ID: id}
	}
	return *a, nil
}

// Exists reports whether id names a registered agent.
func (d *Directory) Exists(id string) bool {
	return d.has(id)
}

// ParentOf returns the agent's parent; ok is false for the root.
func (d *Directory) ParentOf(id string) (domain.Agent, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return domain.Agent{}, false, domain.NotFoundError{Kind: "agent", ID: id}
	}
	if a.ReportsTo == "" {
		return domain.Agent{}, false, nil
	}
	return *d.agents[a.ReportsTo], true, nil
}

// ChainToRoot returns the ancestors of id, nearest first, ending at the root.
// The root's chain is empty.
func (d *Directory) ChainToRoot(id string) ([]domain.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[id]
	if !ok {
		return nil, domain.NotFoundError{Kind: "agent", ID: id}
	}
	var chain []domain.Agent
	seen := map[string]bool{id: true}
	for a.ReportsTo != "" {
		parent := d.agents[a.ReportsTo]
		if seen[parent.ID] {
			return nil, domain.CycleError{AgentID: a.ID, ParentID: parent.ID}
		}
		seen[parent.ID] = true
		chain = append(chain, *parent)
		a = parent
	}
	return chain, nil
}

// Root returns the human-in-the-loop sink.
func (d *Directory) Root() (domain.Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.rootID == "" {
		return domain.Agent{}, domain.NotFoundError{Kind: "agent", ID: "root"}
	}
	return *d.agents[d.rootID], nil
}

func (d *Directory) IsRoot(id string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return id != "" && id == d.rootID
}

// IsAncestor reports whether ancestorID appears on id's chain to the root.
func (d *Directory) IsAncestor(ancestorID, id string) bool {
	chain, err := d.ChainToRoot(id)
	if err != nil {
		return false
	}
	for _, a := range chain {
		if a.ID == ancestorID {
			return true
		}
	}
	return false
}

// Manages returns the direct reports of id, derived from parent pointers.
func (d *Directory) Manages(id string) []domain.Agent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []domain.Agent
	for _, a := range d.agents {
		if a.ReportsTo == id {
			out = append(out, *a)
		}
	}
	sortAgents(out)
	return out
}

// Descendants returns every agent below id.
func (d *Directory) Descendants(id string) []domain.Agent {
	var out []domain.Agent
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, child := range d.Manages(cur) {
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	sortAgents(out)
	return out
}

// List returns all agents ordered by level descending then id.
func (d *Directory) List() []domain.Agent {
	d.mu.RLock()
	out := make([]domain.Agent, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, *a)
	}
	d.mu.RUnlock()
	sortAgents(out)
	return out
}

// Members resolves a broadcast scope: "all", "team:<manager>" (the manager
// and everyone below) or "role:<role>".
func (d *Directory) Members(scope string) ([]string, error) {
	var agents []domain.Agent
	switch {
	case scope == ScopeAll:
		agents = d.List()
	case strings.HasPrefix(scope, ScopeTeam):
		lead, err := d.Get(strings.TrimPrefix(scope, ScopeTeam))
		if err != nil {
			return nil, err
		}
		agents = append([]domain.Agent{lead}, d.Descendants(lead.ID)...)
	case strings.HasPrefix(scope, ScopeRole):
		role := domain.Role(strings.TrimPrefix(scope, ScopeRole))
		if !role.Valid() {
			return nil, fmt.Errorf("invalid role scope %q", scope)
		}
		for _, a := range d.List() {
			if a.Role == role {
				agents = append(agents, a)
			}
		}
	default:
		return nil, fmt.Errorf("invalid broadcast scope %q", scope)
	}
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// SetAvailability marks an agent as able or unable to take new assignments.
func (d *Directory) SetAvailability(id string, available bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return domain.NotFoundError{Kind: "agent", ID: id}
	}
	a.Available = available
	return nil
}

// AdjustWorkload changes the workload counter, never below zero.
func (d *Directory) AdjustWorkload(id string, delta int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[id]
	if !ok {
		return domain.NotFoundError{Kind: "agent", ID: id}
	}
	a.Workload += delta
	if a.Workload < 0 {
		a.Workload = 0
	}
	return nil
}

func sortAgents(agents []domain.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].Level != agents[j].Level {
			return agents[i].Level > agents[j].Level
		}
		return agents[i].ID < agents[j].ID
	})
}
