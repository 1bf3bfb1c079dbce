package runtime_test

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

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
	"ladder/internal/runtime"
)

type testEnv struct {
	eng engine.Engine
	esc *escalation.Engine
	bus *bus.Bus
	dir *directory.Directory
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

	logger, _ := test.NewNullLogger()
	b := bus.New(dir)
	b.Log = logger
	l := ledger.New(conn, nil)
	matrix := authority.FromConfig(cfg)
	esc := &escalation.Engine{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{},
		Ledger:    l,
		Directory: dir,
		Matrix:    matrix,
		Bus:       b,
		Sink:      &collab.RecordingSink{},
		Config:    cfg.Escalation,
		Log:       logger,
	}
	eng := engine.New(conn, dir, matrix, l, b, esc)
	eng.Log = logger
	esc.OnResolve(eng.ResumeFromEscalation)
	return testEnv{eng: eng, esc: esc, bus: b, dir: dir}
}

type published struct {
	mu    sync.Mutex
	tasks []string
}

func (p *published) Publish(ctx context.Context, task domain.Task, art collab.Artifact) error {
	p.mu.Lock()
	p.tasks = append(p.tasks, task.ID)
	p.mu.Unlock()
	return nil
}

func (p *published) list() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.tasks...)
}

func (env testEnv) worker(t *testing.T, id string, provider collab.ExecutionProvider, pub collab.Publisher) *runtime.Worker {
	t.Helper()
	agent, err := env.dir.Get(id)
	require.NoError(t, err)
	return &runtime.Worker{
		Agent:          agent,
		Bus:            env.bus,
		Tasks:          env.eng,
		Provider:       provider,
		Publisher:      pub,
		ReceiveTimeout: 10 * time.Millisecond,
	}
}

func (env testEnv) waitStatus(t *testing.T, id string, want domain.TaskStatus) domain.Task {
	t.Helper()
	var task domain.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = env.eng.GetTask(context.Background(), id)
		return err == nil && task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
	return task
}

func TestTaskRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	pub := &published{}
	sup := runtime.Supervisor{
		Bus:             env.bus,
		BusSweep:        10 * time.Millisecond,
		Escalations:     env.esc,
		EscalationSweep: 10 * time.Millisecond,
		Consumer:        runtime.Consumer{Bus: env.bus, Handler: env.eng, ReceiveTimeout: 10 * time.Millisecond},
		Workers:         []*runtime.Worker{env.worker(t, "copywriter", collab.EchoProvider{}, pub)},
	}
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	task, err := env.eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "Newsletter", Category: "content_draft", CreatorID: "content-manager"})
	require.NoError(t, err)
	_, err = env.eng.Assign(ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)

	task = env.waitStatus(t, task.ID, domain.TaskUnderReview)
	_, err = env.eng.Review(ctx, engine.ReviewOptions{TaskID: task.ID, ReviewerID: "content-manager", Approve: true, Version: task.Version})
	require.NoError(t, err)

	env.waitStatus(t, task.ID, domain.TaskCompleted)
	assert.Equal(t, []string{task.ID}, pub.list())
}

func TestWorkerDropsCancelledWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	var calls int
	provider := collab.ProviderFunc(func(ctx context.Context, task domain.Task, agent domain.Agent) (collab.Artifact, error) {
		calls++
		return collab.Artifact{TaskID: task.ID}, nil
	})
	w := env.worker(t, "copywriter", provider, &published{})

	task, err := env.eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "Teaser", Category: "content_draft", CreatorID: "content-manager"})
	require.NoError(t, err)
	require.NoError(t, w.Handle(ctx, domain.Message{
		ID:      "cancel-1",
		Type:    domain.MsgStatusUpdate,
		Context: domain.MessageContext{TaskID: task.ID},
		Content: domain.MessageContent{Requirements: map[string]string{domain.ReqStatus: string(domain.TaskCancelled)}},
	}))
	require.NoError(t, w.Handle(ctx, domain.Message{ID: "assign-1", Type: domain.MsgTaskAssignment, Context: domain.MessageContext{TaskID: task.ID}}))
	assert.Zero(t, calls)
	queued, _ := env.bus.Depth(domain.OrchestratorAddress)
	assert.Zero(t, queued)
}

func TestWorkerEscalatesFailedExecution(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	provider := collab.ProviderFunc(func(ctx context.Context, task domain.Task, agent domain.Agent) (collab.Artifact, error) {
		return collab.Artifact{}, errors.New("model unavailable")
	})
	w := env.worker(t, "copywriter", provider, &published{})

	task, err := env.eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "Caption", Category: "content_draft", CreatorID: "content-manager"})
	require.NoError(t, err)
	_, err = env.eng.Assign(ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)

	assignment, err := env.bus.Receive(ctx, "copywriter", time.Second)
	require.NoError(t, err)
	require.NoError(t, w.Handle(ctx, assignment))

	for i := 0; i < 2; i++ {
		msg, err := env.bus.Receive(ctx, domain.OrchestratorAddress, time.Second)
		require.NoError(t, err)
		require.NoError(t, env.eng.HandleMessage(ctx, msg))
		env.bus.Ack(domain.OrchestratorAddress, msg.ID)
	}

	got, err := env.eng.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskEscalated, got.Status)
	assert.Equal(t, domain.TaskInProgress, got.EscalatedFrom)
	esc, err := env.esc.Get(ctx, got.EscalationID)
	require.NoError(t, err)
	assert.Equal(t, "copywriter", esc.OriginID)
	assert.Contains(t, esc.Issue, "model unavailable")
}

func TestWorkerReportsCarryTaskVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	w := env.worker(t, "copywriter", collab.EchoProvider{}, &published{})

	task, err := env.eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "Promo email", Category: "content_draft", CreatorID: "content-manager"})
	require.NoError(t, err)
	task, err = env.eng.Assign(ctx, engine.AssignOptions{TaskID: task.ID, AssigneeID: "copywriter", ActorID: "content-manager", Version: task.Version})
	require.NoError(t, err)

	assignment, err := env.bus.Receive(ctx, "copywriter", time.Second)
	require.NoError(t, err)
	require.NoError(t, w.Handle(ctx, assignment))

	var reports []domain.Message
	for i := 0; i < 2; i++ {
		msg, err := env.bus.Receive(ctx, domain.OrchestratorAddress, time.Second)
		require.NoError(t, err)
		env.bus.Ack(domain.OrchestratorAddress, msg.ID)
		reports = append(reports, msg)
	}
	assert.Equal(t, strconv.Itoa(task.Version), reports[0].Requirement(domain.ReqVersion))
	assert.Equal(t, strconv.Itoa(task.Version+1), reports[1].Requirement(domain.ReqVersion))

	var ce domain.ConflictError
	require.ErrorAs(t, env.eng.HandleMessage(ctx, reports[1]), &ce)

	require.NoError(t, env.eng.HandleMessage(ctx, reports[0]))
	require.NoError(t, env.eng.HandleMessage(ctx, reports[1]))
	got, err := env.eng.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskUnderReview, got.Status)
	assert.Equal(t, task.Version+2, got.Version)
}
