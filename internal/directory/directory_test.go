package directory_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder/internal/config"
	"ladder/internal/directory"
	"ladder/internal/domain"
)

func defaultDirectory(t *testing.T) *directory.Directory {
	t.Helper()
	var agents []domain.Agent
	for _, a := range config.Default().Agents {
		agents = append(agents, a.Agent())
	}
	dir, err := directory.FromAgents(agents)
	require.NoError(t, err)
	return dir
}

func TestChainToRootFollowsParents(t *testing.T) {
	dir := defaultDirectory(t)
	chain, err := dir.ChainToRoot("copywriter")
	require.NoError(t, err)
	var ids []string
	for _, a := range chain {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"content-manager", "cmo", "owner"}, ids)

	rootChain, err := dir.ChainToRoot("owner")
	require.NoError(t, err)
	assert.Empty(t, rootChain)

	parent, ok, err := dir.ParentOf("owner")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, parent.ID)
}

func TestUnknownAgentIsNotFound(t *testing.T) {
	dir := defaultDirectory(t)
	_, err := dir.Get("ghost")
	var nf domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = dir.ChainToRoot("ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterRejectsCycles(t *testing.T) {
	dir := defaultDirectory(t)
	err := dir.Reparent("content-manager", "copywriter")
	var ce domain.CycleError
	require.ErrorAs(t, err, &ce)

	err = dir.Register(domain.Agent{ID: "second-root", Role: domain.RoleHuman, Level: 5})
	require.ErrorAs(t, err, &ce)

	err = dir.Register(domain.Agent{ID: "self", Role: domain.RoleSpecialist, Level: 1, ReportsTo: "self"})
	require.Error(t, err)
}

func TestRegisterRequiresIncreasingAuthority(t *testing.T) {
	dir := defaultDirectory(t)
	err := dir.Register(domain.Agent{ID: "peer", Role: domain.RoleManagement, Level: 3, ReportsTo: "content-manager"})
	var ce domain.CycleError
	require.ErrorAs(t, err, &ce)

	require.NoError(t, dir.Register(domain.Agent{ID: "intern", Role: domain.RoleSpecialist, Level: 1, ReportsTo: "copywriter"}))
	chain, err := dir.ChainToRoot("intern")
	require.NoError(t, err)
	assert.Equal(t, "copywriter", chain[0].ID)
}

func TestMembersScopes(t *testing.T) {
	dir := defaultDirectory(t)
	team, err := dir.Members("team:content-manager")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"content-manager", "copywriter", "seo-specialist"}, team)

	specialists, err := dir.Members("role:specialist")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"copywriter", "seo-specialist", "social-specialist"}, specialists)

	all, err := dir.Members("all")
	require.NoError(t, err)
	assert.Len(t, all, 7)

	_, err = dir.Members("planet:mars")
	assert.Error(t, err)
}

func TestManagesIsDerived(t *testing.T) {
	dir := defaultDirectory(t)
	reports := dir.Manages("cmo")
	require.Len(t, reports, 2)
	assert.Equal(t, "content-manager", reports[0].ID)
	assert.True(t, dir.IsAncestor("cmo", "copywriter"))
	assert.False(t, dir.IsAncestor("growth-manager", "copywriter"))
}

func TestConcurrentLookupsAndWorkload(t *testing.T) {
	dir := defaultDirectory(t)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = dir.ChainToRoot("copywriter")
			_ = dir.AdjustWorkload("copywriter", 1)
		}()
	}
	wg.Wait()
	a, err := dir.Get("copywriter")
	require.NoError(t, err)
	assert.Equal(t, 32, a.Workload)
	require.NoError(t, dir.AdjustWorkload("copywriter", -100))
	a, _ = dir.Get("copywriter")
	assert.Equal(t, 0, a.Workload)
}

// randomTree builds a tree from parent picks; each pick selects one of the
// agents registered so far that still has room for a lower level below it.
func randomTree(picks []int) (*directory.Directory, []string, error) {
	dir := directory.New()
	if err := dir.Register(domain.Agent{ID: "a0", Role: domain.RoleHuman, Level: domain.MaxLevel}); err != nil {
		return nil, nil, err
	}
	ids := []string{"a0"}
	levels := map[string]int{"a0": domain.MaxLevel}
	for i, pick := range picks {
		var eligible []string
		for _, id := range ids {
			if levels[id] > domain.MinLevel {
				eligible = append(eligible, id)
			}
		}
		parent := eligible[pick%len(eligible)]
		id := fmt.Sprintf("a%d", i+1)
		level := levels[parent] - 1
		role := domain.RoleSpecialist
		if level >= 3 {
			role = domain.RoleManagement
		}
		if err := dir.Register(domain.Agent{ID: id, Role: role, Level: level, ReportsTo: parent}); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		levels[id] = level
	}
	return dir, ids, nil
}

func TestChainToRootProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("chain is finite, strictly increasing and ends at the root", prop.ForAll(
		func(picks []int) bool {
			dir, ids, err := randomTree(picks)
			if err != nil {
				return false
			}
			root, err := dir.Root()
			if err != nil {
				return false
			}
			for _, id := range ids {
				self, _ := dir.Get(id)
				chain, err := dir.ChainToRoot(id)
				if err != nil || len(chain) >= len(ids) {
					return false
				}
				if id == root.ID {
					if len(chain) != 0 {
						return false
					}
					continue
				}
				prev := self.Level
				for _, a := range chain {
					if a.Level <= prev {
						return false
					}
					prev = a.Level
				}
				if chain[len(chain)-1].ID != root.ID {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1000)),
	))

	properties.TestingRun(t)
}
