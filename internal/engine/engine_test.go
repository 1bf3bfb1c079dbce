package engine_test

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
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
	"ladder/internal/engine"
	"ladder/internal/escalation"
	"ladder/internal/events"
	"ladder/internal/ledger"
	"ladder/internal/migrate"
	"ladder/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Esc    *escalation.Engine
	Bus    *bus.Bus
	Dir    *directory.Directory
	Ctx    context.Context
	now    *time.Time
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
	logger, _ := test.NewNullLogger()
	b := bus.New(dir)
	b.Log = logger
	b.Now = clock
	l := ledger.New(conn, clock)
	matrix := authority.FromConfig(cfg)

	esc := &escalation.Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{Now: clock},
		Ledger:    l,
		Directory: dir,
		Matrix:    matrix,
		Bus:       b,
		Sink:      &collab.RecordingSink{},
		Config:    cfg.Escalation,
		Log:       logger,
		Now:       clock,
	}
	eng := engine.New(conn, dir, matrix, l, b, esc)
	eng.Events = events.Writer{Now: clock}
	eng.Now = clock
	eng.Log = logger
	eng.ResponseWindow = cfg.Runtime.ResponseWindow
	esc.OnResolve(eng.ResumeFromEscalation)

	return testEnv{Engine: eng, Esc: esc, Bus: b, Dir: dir, Ctx: context.Background(), now: &now}
}

func (env testEnv) create(t *testing.T, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.Title == "" {
		opts.Title = "Spring launch post"
	}
	if opts.Category == "" {
		opts.Category = "content_draft"
	}
	if opts.CreatorID == "" {
		opts.CreatorID = "content-manager"
	}
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	require.NoError(t, err)
	return task
}

// approve drives a task from created to approved with copywriter as assignee.
func (env testEnv) approve(t *testing.T, task domain.Task) domain.Task {
	t.Helper()
	task, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)
	task, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: task.ID, Status: domain.TaskInProgress, ActorID: "copywriter", Version: task.Version})
	require.NoError(t, err)
	task, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: task.ID, Status: domain.TaskUnderReview, ActorID: "copywriter", Version: task.Version})
	require.NoError(t, err)
	task, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: task.ID, ReviewerID: "content-manager", Approve: true, Version: task.Version})
	require.NoError(t, err)
	require.Equal(t, domain.TaskApproved, task.Status)
	return task
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

func TestAssignSendsAssignment(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Priority: "urgent"})
	assert.Equal(t, domain.TaskCreated, task.Status)
	assert.Equal(t, 1, task.Version)

	task, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, task.Status)
	assert.Equal(t, "copywriter", task.AssigneeID)
	assert.Equal(t, 2, task.Version)

	agent, err := env.Dir.Get("copywriter")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.Workload)

	msgs := drain(env.Bus, "copywriter")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MsgTaskAssignment, msgs[0].Type)
	assert.Equal(t, domain.OrchestratorAddress, msgs[0].From)
	assert.Equal(t, domain.PriorityUrgent, msgs[0].Priority)
	assert.Equal(t, task.ID, msgs[0].Context.TaskID)
	assert.True(t, msgs[0].RequiredResponse)
	require.NotNil(t, msgs[0].ResponseBy)
	assert.Equal(t, env.now.Add(15*time.Minute), *msgs[0].ResponseBy)
}

func TestAssignWithoutAuthorityEscalates(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Category: "campaign_launch", CreatorID: "copywriter"})

	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "seo-specialist", ActorID: "copywriter", Version: task.Version})
	var ae domain.AuthorityError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 3, ae.Required)
	assert.Equal(t, 2, ae.Actual)
	require.NotEmpty(t, ae.EscalationID)

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskEscalated, got.Status)
	assert.Equal(t, domain.TaskCreated, got.EscalatedFrom)
	assert.Equal(t, ae.EscalationID, got.EscalationID)

	esc, err := env.Esc.Get(env.Ctx, ae.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, "content-manager", esc.HolderID)
	assert.Equal(t, task.ID, esc.TaskID)

	_, err = env.Esc.Resolve(env.Ctx, escalation.ResolveRequest{EscalationID: esc.ID, DeciderID: "content-manager", Verdict: domain.VerdictApprove, Reasoning: "go ahead"})
	require.NoError(t, err)

	got, err = env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, got.Status)
	assert.Equal(t, "seo-specialist", got.AssigneeID)
	assert.Empty(t, got.EscalationID)

	msgs := drain(env.Bus, "seo-specialist")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MsgTaskAssignment, msgs[0].Type)
}

func TestDecideBelowAuthorityIsRecordedOnceByResolver(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Category: "content_strategy", CreatorID: "copywriter", Title: "Tactic X"})

	_, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{
		MakerID:   "copywriter",
		Category:  "content_strategy",
		Verdict:   domain.VerdictAdopt,
		Reasoning: "tactic X reaches the new segment",
		TaskID:    task.ID,
	})
	var ae domain.AuthorityError
	require.ErrorAs(t, err, &ae)
	require.NotEmpty(t, ae.EscalationID)

	count, err := env.Engine.Ledger.Repo.CountDecisions(env.Ctx, nil, repo.DecisionFilters{})
	require.NoError(t, err)
	assert.Zero(t, count)

	esc, err := env.Esc.Get(env.Ctx, ae.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, "content-manager", esc.HolderID)
	assert.Equal(t, domain.VerdictAdopt, esc.Recommendation)
	assert.NotEmpty(t, esc.AttemptsMade)

	d, err := env.Esc.Resolve(env.Ctx, escalation.ResolveRequest{EscalationID: esc.ID, DeciderID: "content-manager", Verdict: domain.VerdictAdopt, Reasoning: "approved"})
	require.NoError(t, err)
	assert.True(t, d.Escalated)

	decisions, err := env.Engine.Ledger.Query(env.Ctx, ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "content-manager", decisions[0].MakerID)

	got, err := env.Esc.Get(env.Ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscalationResolved, got.Status)

	resumed, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCreated, resumed.Status)
}

func TestDecideWithAuthorityRecordsDirectly(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.Decide(env.Ctx, engine.DecideOptions{MakerID: "cmo", Category: "budget_allocation", Verdict: domain.VerdictApprove, Reasoning: "within plan"})
	require.NoError(t, err)
	assert.False(t, d.Escalated)
	assert.Equal(t, []string{"cmo"}, d.ApprovalChain)
}

func TestCompletionWaitsForDependencies(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, engine.TaskCreateOptions{Title: "Research"})
	second := env.create(t, engine.TaskCreateOptions{Title: "Write", DependsOn: []string{first.ID}})

	second = env.approve(t, second)
	_, err := env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: second.ID, Status: domain.TaskCompleted, ActorID: "copywriter", Version: second.Version})
	var de domain.DependencyNotSatisfiedError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{first.ID}, de.Pending)

	got, err := env.Engine.GetTask(env.Ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskApproved, got.Status)

	first = env.approve(t, first)
	first, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: first.ID, Status: domain.TaskCompleted, ActorID: "copywriter", Version: first.Version})
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)

	second, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: second.ID, Status: domain.TaskCompleted, ActorID: "copywriter", Version: got.Version})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, second.Status)

	agent, err := env.Dir.Get("copywriter")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.Workload)
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", Category: "content_draft", CreatorID: "cmo", DependsOn: []string{"missing"}})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{})
	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)

	_, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: task.ID, Status: domain.TaskInProgress, ActorID: "copywriter", Version: task.Version})
	var ce domain.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Expected)
	assert.Equal(t, 2, ce.Actual)

	_, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: task.ID, Status: domain.TaskInProgress, ActorID: "copywriter"})
	assert.Error(t, err)
}

func TestOnlyAssigneeProgressesWork(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{})
	task, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)

	_, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: task.ID, Status: domain.TaskInProgress, ActorID: "seo-specialist", Version: task.Version})
	var fe domain.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	_, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: task.ID, Status: domain.TaskCompleted, ActorID: "copywriter", Version: task.Version})
	var te domain.TransitionError
	assert.ErrorAs(t, err, &te)
}

func TestReviewRejectReturnsFeedback(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{})
	task, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)
	task, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: task.ID, Status: domain.TaskInProgress, ActorID: "copywriter", Version: task.Version})
	require.NoError(t, err)
	task, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: task.ID, Status: domain.TaskUnderReview, ActorID: "copywriter", Version: task.Version})
	require.NoError(t, err)
	drain(env.Bus, "copywriter")

	task, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: task.ID, ReviewerID: "content-manager", Feedback: "shorter intro", Version: task.Version})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, task.Status)
	assert.Equal(t, "shorter intro", task.Feedback)

	msgs := drain(env.Bus, "copywriter")
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MsgReviewFeedback, msgs[0].Type)
	assert.Equal(t, "shorter intro", msgs[0].Content.Body)
}

func TestReviewBelowAuthorityEscalatesAndResumesApproved(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Category: "campaign_launch"})
	task, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)
	task, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: task.ID, Status: domain.TaskInProgress, ActorID: "copywriter", Version: task.Version})
	require.NoError(t, err)
	task, err = env.Engine.UpdateStatus(env.Ctx, engine.StatusUpdate{TaskID: task.ID, Status: domain.TaskUnderReview, ActorID: "copywriter", Version: task.Version})
	require.NoError(t, err)

	_, err = env.Engine.Review(env.Ctx, engine.ReviewOptions{TaskID: task.ID, ReviewerID: "seo-specialist", Approve: true, Version: task.Version})
	var ae domain.AuthorityError
	require.ErrorAs(t, err, &ae)

	_, err = env.Esc.Resolve(env.Ctx, escalation.ResolveRequest{EscalationID: ae.EscalationID, DeciderID: "content-manager", Verdict: domain.VerdictApprove})
	require.NoError(t, err)
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskApproved, got.Status)
}

func statusMessage(id, from, taskID string, status domain.TaskStatus, version int) domain.Message {
	return domain.Message{
		ID:      id,
		From:    from,
		To:      []string{domain.OrchestratorAddress},
		Type:    domain.MsgStatusUpdate,
		Context: domain.MessageContext{TaskID: taskID},
		Content: domain.MessageContent{Requirements: map[string]string{
			domain.ReqStatus:  string(status),
			domain.ReqVersion: strconv.Itoa(version),
		}},
	}
}

func TestHandleMessageIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{})
	task, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)

	msg := statusMessage("msg-1", "copywriter", task.ID, domain.TaskInProgress, task.Version)
	require.NoError(t, env.Engine.HandleMessage(env.Ctx, msg))
	require.NoError(t, env.Engine.HandleMessage(env.Ctx, msg))

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.Status)
	assert.Equal(t, task.Version+1, got.Version)

	envelope, err := env.Engine.Repo.ProcessedEnvelope(env.Ctx, nil, "msg-1")
	require.NoError(t, err)
	archived, err := domain.DecodeMessage(domain.CBOR, envelope)
	require.NoError(t, err)
	assert.Equal(t, "copywriter", archived.From)

	dups, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, 0, repo.EventFilters{Type: events.MessageDuplicate})
	require.NoError(t, err)
	assert.Len(t, dups, 1)
}

func TestCancelledTaskIgnoresStaleCompletion(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Collaborators: []string{"seo-specialist"}})
	task, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)
	drain(env.Bus, "copywriter")

	_, err = env.Engine.Cancel(env.Ctx, engine.CancelOptions{TaskID: task.ID, ActorID: "copywriter", Reason: "not needed", Version: task.Version})
	require.NoError(t, err)

	for _, holder := range []string{"copywriter", "seo-specialist"} {
		msgs := drain(env.Bus, holder)
		require.Len(t, msgs, 1, holder)
		assert.Equal(t, domain.MsgStatusUpdate, msgs[0].Type)
		assert.Equal(t, string(domain.TaskCancelled), msgs[0].Requirement(domain.ReqStatus))
	}

	require.NoError(t, env.Engine.HandleMessage(env.Ctx, statusMessage("late", "copywriter", task.ID, domain.TaskUnderReview, task.Version)))
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)

	agent, err := env.Dir.Get("copywriter")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.Workload)
}

func TestCancelBelowAuthorityEscalatesWithCancelRecommendation(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{Category: "budget_allocation", CreatorID: "cmo"})

	_, err := env.Engine.Cancel(env.Ctx, engine.CancelOptions{TaskID: task.ID, ActorID: "content-manager", Version: task.Version})
	var ae domain.AuthorityError
	require.ErrorAs(t, err, &ae)
	esc, err := env.Esc.Get(env.Ctx, ae.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictCancel, esc.Recommendation)
	assert.Equal(t, "cmo", esc.HolderID)

	_, err = env.Esc.Resolve(env.Ctx, escalation.ResolveRequest{EscalationID: esc.ID, DeciderID: "cmo", Verdict: domain.VerdictCancel})
	require.NoError(t, err)
	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)
}

func TestUnacknowledgedAssignmentEscalates(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{})
	task, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)

	*env.now = env.now.Add(16 * time.Minute)
	res := env.Bus.Sweep(*env.now)
	require.Len(t, res.TimedOut, 1)
	assert.Empty(t, env.Bus.Sweep(*env.now).TimedOut)

	msgs := drain(env.Bus, domain.OrchestratorAddress)
	require.Len(t, msgs, 1)
	require.Equal(t, domain.MsgTimeout, msgs[0].Type)
	require.NoError(t, env.Engine.HandleMessage(env.Ctx, msgs[0]))
	require.NoError(t, env.Engine.HandleMessage(env.Ctx, msgs[0]))

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskEscalated, got.Status)
	assert.Equal(t, domain.TaskAssigned, got.EscalatedFrom)

	esc, err := env.Esc.Get(env.Ctx, got.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, "copywriter", esc.OriginID)
	assert.Equal(t, "content-manager", esc.HolderID)

	open, err := env.Esc.List(env.Ctx, repo.EscalationFilters{TaskID: task.ID})
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// Reassigning through the decision actions moves the workload.
	_, err = env.Esc.Resolve(env.Ctx, escalation.ResolveRequest{
		EscalationID: esc.ID,
		DeciderID:    "content-manager",
		Verdict:      domain.VerdictApprove,
		Actions:      []domain.DecisionAction{{AssignedTo: "seo-specialist", Action: "take over the post"}},
	})
	require.NoError(t, err)
	got, err = env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, got.Status)
	assert.Equal(t, "seo-specialist", got.AssigneeID)
	cw, _ := env.Dir.Get("copywriter")
	seo, _ := env.Dir.Get("seo-specialist")
	assert.Equal(t, 0, cw.Workload)
	assert.Equal(t, 1, seo.Workload)
}

func TestListReadyTasksOrdering(t *testing.T) {
	env := newTestEnv(t)
	due := env.now.Add(2 * time.Hour)
	later := env.now.Add(4 * time.Hour)
	low := env.create(t, engine.TaskCreateOptions{Title: "low", Priority: "low"})
	normalLate := env.create(t, engine.TaskCreateOptions{Title: "normal late", DueAt: &later})
	normalNoDue := env.create(t, engine.TaskCreateOptions{Title: "normal"})
	normalSoon := env.create(t, engine.TaskCreateOptions{Title: "normal soon", DueAt: &due})
	urgent := env.create(t, engine.TaskCreateOptions{Title: "urgent", Priority: "urgent"})
	blocked := env.create(t, engine.TaskCreateOptions{Title: "blocked", Priority: "urgent", DependsOn: []string{low.ID}})
	env.create(t, engine.TaskCreateOptions{Title: "someone else", AssigneeID: "seo-specialist", Priority: "urgent"})
	env.create(t, engine.TaskCreateOptions{Title: "above reach", Category: "brand_guidelines", Priority: "urgent"})

	ready, err := env.Engine.ListReadyTasks(env.Ctx, "copywriter")
	require.NoError(t, err)
	var ids []string
	for _, task := range ready {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{urgent.ID, normalSoon.ID, normalLate.ID, normalNoDue.ID, low.ID}, ids)
	assert.NotContains(t, ids, blocked.ID)
}

func TestAssignSucceedsExactlyWithAuthority(t *testing.T) {
	env := newTestEnv(t)
	actors := []string{"social-specialist", "copywriter", "content-manager", "cmo", "owner"}
	categories := []string{"content_draft", "content_strategy", "campaign_launch", "budget_allocation", "brand_guidelines"}
	matrix := env.Engine.Matrix

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)
	properties.Property("assignment needs the category level", prop.ForAll(
		func(ai, ci int) bool {
			actor, _ := env.Dir.Get(actors[ai])
			task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "t", Category: categories[ci], CreatorID: actor.ID, AssigneeID: "copywriter"})
			if err != nil {
				return false
			}
			got, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, ActorID: actor.ID, Version: task.Version})
			if actor.Level >= matrix.RequiredLevel(categories[ci]) {
				return err == nil && got.Status == domain.TaskAssigned
			}
			var ae domain.AuthorityError
			return assert.ErrorAs(t, err, &ae) && got.Status == domain.TaskEscalated && ae.EscalationID == got.EscalationID
		},
		gen.IntRange(0, len(actors)-1),
		gen.IntRange(0, len(categories)-1),
	))
	properties.TestingRun(t)
}

func TestAssignSkipsUnavailableAgents(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{})
	require.NoError(t, env.Dir.SetAvailability("copywriter", false))

	got, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	var se domain.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "unavailable", se.State)
	assert.Equal(t, domain.TaskCreated, got.Status)
	assert.Empty(t, drain(env.Bus, "copywriter"))

	require.NoError(t, env.Dir.SetAvailability("copywriter", true))
	got, err = env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskAssigned, got.Status)

	counts, err := env.Engine.TaskStats(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"assigned": 1}, counts)
}

// interleavingEscalator bumps the task's version inside the escalation's
// transaction, standing in for a writer that lands between read and commit.
type interleavingEscalator struct {
	*escalation.Engine
}

func (e interleavingEscalator) OpenIn(ctx context.Context, q repo.Querier, req domain.EscalationRequest) (domain.Escalation, error) {
	t, err := e.Repo.GetTask(ctx, q, req.TaskID)
	if err != nil {
		return domain.Escalation{}, err
	}
	bumped := t
	bumped.Version++
	if err := e.Repo.UpdateTask(ctx, q, bumped, t.Version); err != nil {
		return domain.Escalation{}, err
	}
	return e.Engine.OpenIn(ctx, q, req)
}

func TestEscalationRollsBackWithConflictingTaskWrite(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Escalator = interleavingEscalator{env.Esc}
	task := env.create(t, engine.TaskCreateOptions{Category: "campaign_launch"})

	_, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "seo-specialist", ActorID: "copywriter", Version: task.Version})
	var ce domain.ConflictError
	require.ErrorAs(t, err, &ce)

	open, err := env.Esc.List(env.Ctx, repo.EscalationFilters{})
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, drain(env.Bus, "content-manager"))

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCreated, got.Status)
	assert.Equal(t, task.Version, got.Version)
	assert.Empty(t, got.EscalationID)
}

func TestStatusReportsNeedCurrentVersion(t *testing.T) {
	env := newTestEnv(t)
	task := env.create(t, engine.TaskCreateOptions{})
	task, err := env.Engine.Assign(env.Ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)

	unversioned := statusMessage("no-version", "copywriter", task.ID, domain.TaskInProgress, 0)
	delete(unversioned.Content.Requirements, domain.ReqVersion)
	assert.Error(t, env.Engine.HandleMessage(env.Ctx, unversioned))

	require.NoError(t, env.Engine.HandleMessage(env.Ctx, statusMessage("fresh", "copywriter", task.ID, domain.TaskInProgress, task.Version)))

	err = env.Engine.HandleMessage(env.Ctx, statusMessage("stale", "copywriter", task.ID, domain.TaskUnderReview, task.Version))
	var ce domain.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, task.Version, ce.Expected)
	assert.Equal(t, task.Version+1, ce.Actual)

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskInProgress, got.Status)
}
