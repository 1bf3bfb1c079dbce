package escalation_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ladder/internal/authority"
	"ladder/internal/bus"
	"ladder/internal/collab"
	"ladder/internal/config"
	"ladder/internal/db"
	"ladder/internal/directory"
	"ladder/internal/domain"
	"ladder/internal/escalation"
	"ladder/internal/events"
	"ladder/internal/ledger"
	"ladder/internal/migrate"
	"ladder/internal/repo"
)

type testEnv struct {
	eng  *escalation.Engine
	bus  *bus.Bus
	dir  *directory.Directory
	sink *collab.RecordingSink
	logs *test.Hook
	now  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "ladder.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	var agents []domain.Agent
	for _, a := range cfg.Agents {
		agents = append(agents, a.Agent())
	}
	dir, err := directory.FromAgents(agents)
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger, hook := test.NewNullLogger()
	b := bus.New(dir)
	b.Log = logger
	sink := &collab.RecordingSink{}
	eng := &escalation.Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{Now: clock},
		Ledger:    ledger.New(conn, clock),
		Directory: dir,
		Matrix:    authority.FromConfig(cfg),
		Bus:       b,
		Sink:      sink,
		Config:    cfg.Escalation,
		Log:       logger,
		Now:       clock,
	}
	return testEnv{eng: eng, bus: b, dir: dir, sink: sink, logs: hook, now: &now}
}

func (env testEnv) open(t *testing.T, origin, category string) domain.Escalation {
	t.Helper()
	esc, err := env.eng.Open(context.Background(), domain.EscalationRequest{
		OriginID: origin,
		Category: category,
		Issue:    "needs a decision on " + category,
	})
	require.NoError(t, err)
	return esc
}

func drain(b *bus.Bus, addr string) []domain.Message {
	var out []domain.Message
	for {
		m, err := b.Receive(context.Background(), addr, 5*time.Millisecond)
		if err != nil {
			return out
		}
		b.Ack(addr, m.ID)
		out = append(out, m)
	}
}

func TestOpenStartsAtParent(t *testing.T) {
	env := newTestEnv(t)
	esc := env.open(t, "copywriter", "content_strategy")
	assert.Equal(t, []string{"content-manager"}, esc.Chain)
	assert.Equal(t, "content-manager", esc.HolderID)
	assert.Equal(t, domain.EscalationInProgress, esc.Status)
	assert.Equal(t, env.now.Add(8*time.Hour), esc.HolderDeadline)
	assert.Equal(t, 3, esc.RequiredLevel)

	msgs := drain(env.bus, "content-manager")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MsgEscalation, msgs[0].Type)
	assert.Equal(t, esc.ID, msgs[0].Context.EscalationID)
}

func TestOpenPassesInsufficientHolders(t *testing.T) {
	env := newTestEnv(t)
	esc := env.open(t, "copywriter", "brand_guidelines")
	assert.Equal(t, []string{"content-manager", "cmo", "owner"}, esc.Chain)
	assert.Equal(t, "owner", esc.HolderID)
	assert.Equal(t, env.now.Add(48*time.Hour), esc.HolderDeadline)

	trail, err := env.eng.Ledger.Trail(context.Background(), "escalation", esc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 4)
	assert.Equal(t, events.EscalationOpened, trail[0].Type)
	for _, evt := range trail[1:] {
		assert.Equal(t, events.EscalationAdvanced, evt.Type)
	}
}

func TestRootEscalatesToItself(t *testing.T) {
	env := newTestEnv(t)
	esc := env.open(t, "owner", "budget_allocation")
	assert.Equal(t, []string{"owner"}, esc.Chain)

	_, err := env.eng.Advance(context.Background(), esc.ID, "owner", "manual")
	var se domain.StateError
	assert.ErrorAs(t, err, &se)
}

func TestUnknownCategoryGoesToRoot(t *testing.T) {
	env := newTestEnv(t)
	esc := env.open(t, "social-specialist", "acquire_competitor")
	assert.Equal(t, domain.MaxLevel, esc.RequiredLevel)
	assert.Equal(t, []string{"growth-manager", "cmo", "owner"}, esc.Chain)
}

func TestResolveRecordsEscalatedDecision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	esc := env.open(t, "copywriter", "content_strategy")

	var hooked []string
	env.eng.OnResolve(func(ctx context.Context, e domain.Escalation, d *domain.Decision) error {
		require.NotNil(t, d)
		hooked = append(hooked, d.ID)
		return nil
	})

	d, err := env.eng.Resolve(ctx, escalation.ResolveRequest{
		EscalationID: esc.ID,
		DeciderID:    "content-manager",
		Verdict:      domain.VerdictApprove,
		Reasoning:    "tactic fits the brief",
	})
	require.NoError(t, err)
	assert.True(t, d.Escalated)
	assert.Equal(t, esc.ID, d.EscalationID)
	assert.Equal(t, []string{"content-manager"}, d.ApprovalChain)
	assert.Equal(t, []string{d.ID}, hooked)

	got, err := env.eng.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationResolved, got.Status)
	assert.Equal(t, d.ID, got.ResolutionID)
	require.NotNil(t, got.ClosedAt)

	all, err := env.eng.Ledger.Query(ctx, ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, env.sink.Decisions(), 1)

	msgs := drain(env.bus, "copywriter")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MsgDecisionRecord, msgs[0].Type)
	decoded, err := domain.DecodeDecision(domain.JSON, []byte(msgs[0].Content.Body))
	require.NoError(t, err)
	assert.Equal(t, d.ID, decoded.ID)

	_, err = env.eng.Resolve(ctx, escalation.ResolveRequest{EscalationID: esc.ID, DeciderID: "content-manager", Verdict: "approve"})
	var se domain.StateError
	assert.ErrorAs(t, err, &se)
}

func TestResolveRequiresHolderOrAncestor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	esc := env.open(t, "copywriter", "content_strategy")

	for _, outsider := range []string{"seo-specialist", "growth-manager", "copywriter"} {
		_, err := env.eng.Resolve(ctx, escalation.ResolveRequest{EscalationID: esc.ID, DeciderID: outsider, Verdict: "approve"})
		var fe domain.ForbiddenError
		assert.ErrorAs(t, err, &fe, outsider)
	}

	d, err := env.eng.Resolve(ctx, escalation.ResolveRequest{EscalationID: esc.ID, DeciderID: "owner", Verdict: domain.VerdictReject, Reasoning: "override"})
	require.NoError(t, err)
	assert.Equal(t, []string{"content-manager", "cmo", "owner"}, d.ApprovalChain)
	got, err := env.eng.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner", got.HolderID)
}

func TestCancelNeedsRequiredLevel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	esc := env.open(t, "copywriter", "budget_allocation")
	assert.Equal(t, "cmo", esc.HolderID)

	_, err := env.eng.Cancel(ctx, esc.ID, "content-manager", "not needed")
	var ae domain.AuthorityError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 4, ae.Required)

	var cancelled bool
	env.eng.OnResolve(func(ctx context.Context, e domain.Escalation, d *domain.Decision) error {
		cancelled = d == nil && e.Status == domain.EscalationCancelled
		return nil
	})
	got, err := env.eng.Cancel(ctx, esc.ID, "cmo", "not needed")
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationCancelled, got.Status)
	assert.True(t, cancelled)
}

func TestSweepAdvancesExpiredHolder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	esc := env.open(t, "copywriter", "content_strategy")

	res, err := env.eng.Sweep(ctx, env.now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, res.Advanced)

	*env.now = env.now.Add(8 * time.Hour)
	res, err = env.eng.Sweep(ctx, *env.now)
	require.NoError(t, err)
	assert.Equal(t, []string{esc.ID}, res.Advanced)

	got, err := env.eng.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"content-manager", "cmo"}, got.Chain)
	assert.Equal(t, "cmo", got.HolderID)
	assert.Equal(t, env.now.Add(24*time.Hour), got.HolderDeadline)

	res, err = env.eng.Sweep(ctx, *env.now)
	require.NoError(t, err)
	assert.Empty(t, res.Advanced)
}

func TestSweepContinuesPastFailingEscalation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	broken := env.open(t, "copywriter", "content_strategy")
	healthy := env.open(t, "seo-specialist", "content_strategy")
	_, err := env.eng.DB.ExecContext(ctx, `UPDATE escalations SET holder_id='departed' WHERE id=?`, broken.ID)
	require.NoError(t, err)

	*env.now = env.now.Add(8 * time.Hour)
	res, err := env.eng.Sweep(ctx, *env.now)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), broken.ID)
	assert.Equal(t, []string{healthy.ID}, res.Advanced)

	got, err := env.eng.Get(ctx, healthy.ID)
	require.NoError(t, err)
	assert.Equal(t, "cmo", got.HolderID)

	var logged bool
	for _, entry := range env.logs.AllEntries() {
		if entry.Message == "escalation: sweep failed" && entry.Data["escalation_id"] == broken.ID {
			logged = entry.Level == logrus.ErrorLevel
		}
	}
	assert.True(t, logged)
}

func TestRootTimeoutIsUnresolvedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	esc := env.open(t, "copywriter", "brand_guidelines")
	require.Equal(t, "owner", esc.HolderID)

	*env.now = env.now.Add(49 * time.Hour)
	res, err := env.eng.Sweep(ctx, *env.now)
	require.NoError(t, err)
	assert.Equal(t, []string{esc.ID}, res.Unresolved)

	for i := 0; i < 3; i++ {
		*env.now = env.now.Add(72 * time.Hour)
		res, err = env.eng.Sweep(ctx, *env.now)
		require.NoError(t, err)
		assert.Empty(t, res.Unresolved)
		assert.Empty(t, res.Advanced)
	}

	unresolved := env.sink.Unresolved()
	require.Len(t, unresolved, 1)
	assert.Equal(t, esc.ID, unresolved[0].EscalationID)
	assert.Equal(t, "owner", unresolved[0].To)
	assert.Equal(t, 5, unresolved[0].Level)

	got, err := env.eng.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationUnresolved, got.Status)

	_, err = env.eng.Advance(ctx, esc.ID, "owner", "retry")
	var ue domain.UnresolvedEscalationError
	assert.ErrorAs(t, err, &ue)

	var logged bool
	for _, entry := range env.logs.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Data["escalation_id"] == esc.ID {
			logged = true
		}
	}
	assert.True(t, logged)

	d, err := env.eng.Resolve(ctx, escalation.ResolveRequest{EscalationID: esc.ID, DeciderID: "owner", Verdict: "approve", Reasoning: "late answer"})
	require.NoError(t, err)
	assert.Equal(t, esc.ID, d.EscalationID)
}

func TestRepeatedEscalationsFlagRule(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		esc := env.open(t, "copywriter", "content_strategy")
		_, err := env.eng.Resolve(ctx, escalation.ResolveRequest{EscalationID: esc.ID, DeciderID: "content-manager", Verdict: "approve"})
		require.NoError(t, err)
		*env.now = env.now.Add(time.Hour)

		flags, err := env.eng.Flags(ctx)
		require.NoError(t, err)
		if i < 2 {
			assert.Empty(t, flags)
			continue
		}
		require.Len(t, flags, 1)
		assert.Equal(t, "content_strategy", flags[0].Category)
		assert.Equal(t, "content-manager", flags[0].MakerID)
		assert.Equal(t, 3, flags[0].Count)
	}

	var warned int
	for _, entry := range env.logs.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "escalation: authority rule flagged for review" {
			warned++
		}
	}
	assert.Equal(t, 1, warned)
	assert.Equal(t, 3, authority.FromConfig(config.Default()).RequiredLevel("content_strategy"))
}

func TestRepeatFlagReturnsAfterWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	resolveRound := func() {
		for i := 0; i < 3; i++ {
			esc := env.open(t, "copywriter", "content_strategy")
			_, err := env.eng.Resolve(ctx, escalation.ResolveRequest{EscalationID: esc.ID, DeciderID: "content-manager", Verdict: "approve"})
			require.NoError(t, err)
			*env.now = env.now.Add(time.Hour)
		}
	}

	resolveRound()
	first := *env.now
	resolveRound()
	flags, err := env.eng.Flags(ctx)
	require.NoError(t, err)
	require.Len(t, flags, 1)

	*env.now = first.Add(2 * env.eng.Config.RepeatWindow)
	resolveRound()
	flags, err = env.eng.Flags(ctx)
	require.NoError(t, err)
	require.Len(t, flags, 2)
	assert.True(t, flags[1].FlaggedAt.After(flags[0].FlaggedAt.Add(env.eng.Config.RepeatWindow)))
	assert.Equal(t, 3, flags[1].Count)
}

func TestHolderSequenceFollowsAncestors(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	origins := []string{"copywriter", "seo-specialist", "social-specialist", "content-manager", "growth-manager", "cmo"}
	categories := []string{"content_draft", "content_strategy", "campaign_launch", "budget_allocation", "brand_guidelines", "unknown"}

	properties.Property("holders are a prefix of chain_to_root without repeats", prop.ForAll(
		func(oi, ci, sweeps int) bool {
			env := newTestEnv(t)
			ctx := context.Background()
			origin := origins[oi]
			esc := env.open(t, origin, categories[ci])
			for i := 0; i < sweeps; i++ {
				*env.now = env.now.Add(49 * time.Hour)
				if _, err := env.eng.Sweep(ctx, *env.now); err != nil {
					return false
				}
			}
			got, err := env.eng.Get(ctx, esc.ID)
			if err != nil {
				return false
			}
			ancestors, err := env.dir.ChainToRoot(origin)
			if err != nil || len(got.Chain) > len(ancestors) {
				return false
			}
			for i, id := range got.Chain {
				if ancestors[i].ID != id {
					return false
				}
			}
			return got.HolderID == got.Chain[len(got.Chain)-1]
		},
		gen.IntRange(0, len(origins)-1),
		gen.IntRange(0, len(categories)-1),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
