package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ladder/internal/app"
	"ladder/internal/domain"
	"ladder/internal/engine"
	"ladder/internal/repo"
)

func agentCmd() *cobra.Command {
	ag := &cobra.Command{
		Use:   "agent",
		Short: "Inspect the agent directory",
	}
	ag.AddCommand(agentListCmd())
	ag.AddCommand(agentChainCmd())
	ag.AddCommand(agentReadyCmd())
	return ag
}

func agentListCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agents := a.Directory.List()
				if scope != "" {
					ids, err := a.Directory.Members(scope)
					if err != nil {
						return err
					}
					agents = nil
					for _, id := range ids {
						ag, err := a.Directory.Get(id)
						if err != nil {
							return err
						}
						agents = append(agents, ag)
					}
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := newTable("ID", "Name", "Role", "Level", "Reports To")
				for _, ag := range agents {
					tw.AppendRow(table.Row{ag.ID, ag.Name, ag.Role, ag.Level, ag.ReportsTo})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "all, role:<role> or team:<manager_id>")
	return cmd
}

func agentChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <agent_id>",
		Short: "Show the reporting chain up to the root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				chain, err := a.Directory.ChainToRoot(args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(chain)
				}
				for i, ag := range chain {
					fmt.Printf("%s%s (level %d)\n", strings.Repeat("  ", i), ag.ID, ag.Level)
				}
				return nil
			})
		},
	}
}

func agentReadyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready <agent_id>",
		Short: "List tasks an agent can pick up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListReadyTasks(ctx, args[0])
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Mutations need --agent-id and the task version you last read (--version). When 'ladder serve' is running, prefer the API so bus messages reach the live runtime.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskStatsCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskReviewCmd())
	task.AddCommand(taskEscalateCmd())
	task.AddCommand(taskCancelCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var due string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingAgent()
			if err != nil {
				return err
			}
			dueAt, err := parseTime(due)
			if err != nil {
				return fmt.Errorf("--due: %w", err)
			}
			if !dueAt.IsZero() {
				opts.DueAt = &dueAt
			}
			opts.CreatorID = actor
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (generated when empty)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Type, "type", "", "task type")
	cmd.Flags().StringVar(&opts.Category, "category", "", "decision category")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "requested assignee")
	cmd.Flags().StringSliceVar(&opts.Collaborators, "collaborator", nil, "collaborator id (repeatable)")
	cmd.Flags().StringVar(&opts.Priority, "priority", string(domain.PriorityNormal), "urgent, normal or low")
	cmd.Flags().StringSliceVar(&opts.DependsOn, "depends-on", nil, "dependency task id (repeatable)")
	cmd.Flags().StringVar(&due, "due", "", "due time (RFC3339)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				return printTasks(tasks)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.CreatorID, "creator", "", "creator filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task_id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count tasks by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Engine.TaskStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				statuses := make([]string, 0, len(counts))
				for s := range counts {
					statuses = append(statuses, s)
				}
				sort.Strings(statuses)
				tw := newTable("Status", "Count")
				for _, s := range statuses {
					tw.AppendRow(table.Row{s, counts[s]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func taskAssignCmd() *cobra.Command {
	var assignee string
	var version int
	cmd := &cobra.Command{
		Use:   "assign <task_id>",
		Short: "Assign a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) (domain.Task, error) {
				return a.Engine.Assign(ctx, engine.AssignOptions{TaskID: args[0], AssigneeID: assignee, ActorID: actor, Version: version})
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "to", "", "assignee id")
	cmd.Flags().IntVar(&version, "version", 0, "task version")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status, feedback string
	var version int
	cmd := &cobra.Command{
		Use:   "status <task_id>",
		Short: "Move a task to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) (domain.Task, error) {
				return a.Engine.UpdateStatus(ctx, engine.StatusUpdate{
					TaskID:   args[0],
					Status:   domain.TaskStatus(status),
					ActorID:  actor,
					Version:  version,
					Feedback: feedback,
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "to", "", "target status")
	cmd.Flags().StringVar(&feedback, "feedback", "", "feedback or reason")
	cmd.Flags().IntVar(&version, "version", 0, "task version")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func taskReviewCmd() *cobra.Command {
	var approve, reject bool
	var feedback string
	var version int
	cmd := &cobra.Command{
		Use:   "review <task_id>",
		Short: "Approve or reject work under review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("pass exactly one of --approve or --reject")
			}
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) (domain.Task, error) {
				return a.Engine.Review(ctx, engine.ReviewOptions{
					TaskID:     args[0],
					ReviewerID: actor,
					Approve:    approve,
					Feedback:   feedback,
					Version:    version,
				})
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the work")
	cmd.Flags().BoolVar(&reject, "reject", false, "send the work back")
	cmd.Flags().StringVar(&feedback, "feedback", "", "review feedback")
	cmd.Flags().IntVar(&version, "version", 0, "task version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func taskEscalateCmd() *cobra.Command {
	var reason string
	var version int
	cmd := &cobra.Command{
		Use:   "escalate <task_id>",
		Short: "Escalate a task up the reporting chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingAgent()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, esc, err := a.Engine.Escalate(ctx, engine.EscalateOptions{TaskID: args[0], ActorID: actor, Reason: reason, Version: version})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task": t, "escalation": esc})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the task needs a decision")
	cmd.Flags().IntVar(&version, "version", 0, "task version")
	_ = cmd.MarkFlagRequired("reason")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func taskCancelCmd() *cobra.Command {
	var reason string
	var version int
	cmd := &cobra.Command{
		Use:   "cancel <task_id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withActor(cmd.Context(), func(ctx context.Context, a *app.App, actor string) (domain.Task, error) {
				return a.Engine.Cancel(ctx, engine.CancelOptions{TaskID: args[0], ActorID: actor, Reason: reason, Version: version})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	cmd.Flags().IntVar(&version, "version", 0, "task version")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

// withActor runs a task mutation as --agent-id and prints the result.
func withActor(ctx context.Context, fn func(context.Context, *app.App, string) (domain.Task, error)) error {
	actor, err := actingAgent()
	if err != nil {
		return err
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		t, err := fn(ctx, a, actor)
		if err != nil {
			return err
		}
		return printJSONOrTable(t)
	})
}

func printTasks(tasks []domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(tasks)
	}
	tw := newTable("ID", "Title", "Category", "Status", "Assignee", "Priority", "Version")
	for _, t := range tasks {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Category, t.Status, t.AssigneeID, t.Priority, t.Version})
	}
	tw.Render()
	return nil
}
