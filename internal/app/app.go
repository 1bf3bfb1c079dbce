// Package app assembles the services behind one workspace: config, database,
// directory, bus, ledger, escalation engine, orchestrator and consensus.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ladder/internal/authority"
	"ladder/internal/bus"
	"ladder/internal/collab"
	"ladder/internal/config"
	"ladder/internal/consensus"
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

type Options struct {
	Workspace  string
	ConfigPath string
	DBPath     string
	// Config bypasses file loading when set.
	Config *config.Config
	Log    logrus.FieldLogger
}

// App holds the wired services for one workspace.
type App struct {
	Config      *config.Config
	DB          *sql.DB
	Repo        repo.Repo
	Directory   *directory.Directory
	Matrix      authority.Matrix
	Bus         *bus.Bus
	Ledger      *ledger.Ledger
	Escalations *escalation.Engine
	Engine      engine.Engine
	Consensus   *consensus.Protocol
	Log         logrus.FieldLogger
}

// LoadConfig reads the config for opts, falling back to the built-in roster
// when the workspace has no ladder.yml.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.Config != nil {
		return opts.Config, nil
	}
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Open loads config, opens and migrates the database and wires every service.
func Open(ctx context.Context, opts Options) (*App, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	var agents []domain.Agent
	for _, a := range cfg.Agents {
		agents = append(agents, a.Agent())
	}
	dir, err := directory.FromAgents(agents)
	if err != nil {
		return nil, fmt.Errorf("directory: %w", err)
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace, Path: opts.DBPath})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn, log); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	sink := collab.MultiSink{}
	if cfg.Notifications.Log {
		sink = append(sink, collab.LogSink{Log: log})
	}
	hooks, err := collab.NewWebhookSink(cfg.Notifications.Webhooks, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if hooks != nil {
		sink = append(sink, hooks)
	}

	b := bus.New(dir)
	b.Redelivery = cfg.Bus.Redelivery
	b.Log = log
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
		Sink:      sink,
		Config:    cfg.Escalation,
		Log:       log,
	}
	eng := engine.New(conn, dir, matrix, l, b, esc)
	eng.ResponseWindow = cfg.Runtime.ResponseWindow
	eng.Log = log
	proto := &consensus.Protocol{
		Bus:       b,
		Directory: dir,
		Matrix:    matrix,
		Ledger:    l,
		Escalator: esc,
		Tasks:     eng,
		Config:    cfg.Consensus,
		Log:       log,
	}
	esc.OnResolve(eng.ResumeFromEscalation)
	esc.OnResolve(proto.OnEscalationResolved)

	return &App{
		Config:      cfg,
		DB:          conn,
		Repo:        repo.Repo{DB: conn},
		Directory:   dir,
		Matrix:      matrix,
		Bus:         b,
		Ledger:      l,
		Escalations: esc,
		Engine:      eng,
		Consensus:   proto,
		Log:         log,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Supervisor builds the runtime for the app: the orchestrator consumer, the
// sweeps and one worker per automated agent. Human agents act through the
// API and CLI instead.
func (a *App) Supervisor(provider collab.ExecutionProvider, publisher collab.Publisher) runtime.Supervisor {
	if provider == nil {
		provider = collab.EchoProvider{}
	}
	if publisher == nil {
		publisher = collab.LogPublisher{Log: a.Log}
	}
	timeout := a.Config.Runtime.ReceiveTimeout
	var workers []*runtime.Worker
	for _, agent := range a.Directory.List() {
		if agent.Role == domain.RoleHuman {
			continue
		}
		workers = append(workers, &runtime.Worker{
			Agent:          agent,
			Bus:            a.Bus,
			Tasks:          a.Engine,
			Provider:       provider,
			Publisher:      publisher,
			Sessions:       a.Consensus,
			ReceiveTimeout: timeout,
			Log:            a.Log,
		})
	}
	return runtime.Supervisor{
		Bus:             a.Bus,
		BusSweep:        a.Config.Bus.SweepInterval,
		Escalations:     a.Escalations,
		EscalationSweep: a.Config.Escalation.SweepInterval,
		Consumer: runtime.Consumer{
			Bus:            a.Bus,
			Handler:        a.Engine,
			ReceiveTimeout: timeout,
			Log:            a.Log,
		},
		Workers: workers,
		Log:     a.Log,
	}
}

// CreateAPIKey mints a key bound to agentID and stores its hash. The plain
// key is returned once and cannot be recovered later.
func (a *App) CreateAPIKey(ctx context.Context, agentID, name string) (domain.APIKey, string, error) {
	if _, err := a.Directory.Get(agentID); err != nil {
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "ldr_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Name:    name,
		KeyHash: repo.HashAPIKey(plain),
	}
	if err := a.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	a.Log.WithFields(logrus.Fields{"agent_id": agentID, "key_id": key.ID}).Info("app: api key created")
	return key, plain, nil
}

// RevokeAPIKey deletes a key. A non-empty agentID restricts revocation to
// that agent's own keys.
func (a *App) RevokeAPIKey(ctx context.Context, id, agentID string) error {
	if err := a.Repo.DeleteAPIKey(ctx, nil, id, agentID); err != nil {
		return err
	}
	a.Log.WithFields(logrus.Fields{"key_id": id, "agent_id": agentID}).Info("app: api key revoked")
	return nil
}
