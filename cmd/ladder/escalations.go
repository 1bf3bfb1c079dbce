package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ladder/internal/app"
	"ladder/internal/domain"
	"ladder/internal/engine"
	"ladder/internal/escalation"
	"ladder/internal/ledger"
	"ladder/internal/repo"
)

func escalationCmd() *cobra.Command {
	esc := &cobra.Command{
		Use:   "escalation",
		Short: "Manage escalations",
		Long:  "An escalation climbs the reporting chain one holder at a time. Holders resolve it, pass it up with advance, or let the timeout pass it up for them.",
	}
	esc.AddCommand(escalationListCmd())
	esc.AddCommand(escalationShowCmd())
	esc.AddCommand(escalationResolveCmd())
	esc.AddCommand(escalationAdvanceCmd())
	esc.AddCommand(escalationSweepCmd())
	esc.AddCommand(escalationFlagsCmd())
	return esc
}

func escalationListCmd() *cobra.Command {
	var f repo.EscalationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Escalations.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable("ID", "Category", "Status", "Holder", "Deadline", "Origin", "Task")
				for _, e := range list {
					tw.AppendRow(table.Row{e.ID, e.Category, e.Status, e.HolderID, e.HolderDeadline.Format(time.RFC3339), e.OriginID, e.TaskID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.HolderID, "holder", "", "holder filter")
	cmd.Flags().StringVar(&f.OriginID, "origin", "", "origin filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().BoolVar(&f.Active, "active", false, "only open or in-progress escalations")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func escalationShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <escalation_id>",
		Short: "Show an escalation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Escalations.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
}

func escalationResolveCmd() *cobra.Command {
	var verdict, reasoning string
	var actions []string
	cmd := &cobra.Command{
		Use:   "resolve <escalation_id>",
		Short: "Resolve an escalation as its holder or an ancestor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingAgent()
			if err != nil {
				return err
			}
			acts, err := parseActions(actions)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Escalations.Resolve(ctx, escalation.ResolveRequest{
					EscalationID: args[0],
					DeciderID:    actor,
					Verdict:      verdict,
					Reasoning:    reasoning,
					Actions:      acts,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", "", "approve, reject, adopt, synthesize or cancel")
	cmd.Flags().StringVar(&reasoning, "reasoning", "", "decision reasoning")
	cmd.Flags().StringArrayVar(&actions, "action", nil, "follow-up action as <agent_id>:<text> (repeatable)")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func escalationAdvanceCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "advance <escalation_id>",
		Short: "Pass an escalation to the next agent up the chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingAgent()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Escalations.Advance(ctx, args[0], actor, reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(e)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "passed up", "why the holder passes it up")
	return cmd
}

func escalationSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Advance escalations whose holder deadline has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Escalations.Sweep(ctx, time.Now().UTC())
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func escalationFlagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flags",
		Short: "List decision makers flagged for repeated escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				flags, err := a.Escalations.Flags(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flags)
				}
				tw := newTable("Category", "Decision Maker", "Count", "Flagged At")
				for _, f := range flags {
					tw.AppendRow(table.Row{f.Category, f.MakerID, f.Count, f.FlaggedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func decisionCmd() *cobra.Command {
	dec := &cobra.Command{
		Use:   "decision",
		Short: "Query and record decisions",
	}
	dec.AddCommand(decisionListCmd())
	dec.AddCommand(decisionShowCmd())
	dec.AddCommand(decisionDecideCmd())
	return dec
}

func decisionListCmd() *cobra.Command {
	var f ledger.Filter
	var escalated, since, until string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Query the decision ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if f.Since, err = parseTime(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if f.Until, err = parseTime(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			switch escalated {
			case "":
			case "true", "false":
				v := escalated == "true"
				f.Escalated = &v
			default:
				return fmt.Errorf("--escalated must be true or false")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				decisions, err := a.Ledger.Query(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(decisions)
				}
				tw := newTable("ID", "Time", "Category", "Maker", "Verdict", "Escalated", "Task")
				for _, d := range decisions {
					tw.AppendRow(table.Row{d.ID, d.Timestamp.Format(time.RFC3339), d.Category, d.MakerID, d.Verdict, d.Escalated, d.TaskID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.MakerID, "maker", "", "decision maker filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().StringVar(&escalated, "escalated", "", "true or false")
	cmd.Flags().StringVar(&since, "since", "", "start time (RFC3339)")
	cmd.Flags().StringVar(&until, "until", "", "end time (RFC3339)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func decisionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <decision_id>",
		Short: "Show a decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Ledger.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
}

func decisionDecideCmd() *cobra.Command {
	var opts engine.DecideOptions
	var actions []string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Record a decision, escalating when --agent-id lacks authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := actingAgent()
			if err != nil {
				return err
			}
			if opts.Actions, err = parseActions(actions); err != nil {
				return err
			}
			opts.MakerID = actor
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Decide(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Category, "category", "", "decision category")
	cmd.Flags().StringVar(&opts.Verdict, "verdict", "", "the decision")
	cmd.Flags().StringVar(&opts.Reasoning, "reasoning", "", "decision reasoning")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "task the decision concerns")
	cmd.Flags().StringArrayVar(&actions, "action", nil, "follow-up action as <agent_id>:<text> (repeatable)")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("verdict")
	return cmd
}

func parseActions(in []string) ([]domain.DecisionAction, error) {
	var out []domain.DecisionAction
	for _, raw := range in {
		who, what, ok := strings.Cut(raw, ":")
		who, what = strings.TrimSpace(who), strings.TrimSpace(what)
		if !ok || who == "" || what == "" {
			return nil, fmt.Errorf("invalid action %q (want <agent_id>:<text>)", raw)
		}
		out = append(out, domain.DecisionAction{AssignedTo: who, Action: what})
	}
	return out, nil
}
