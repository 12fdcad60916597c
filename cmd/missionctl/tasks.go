package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"missionctl/internal/app"
	"missionctl/internal/task"
)

func tickCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling pass and wait for dispatched tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Scheduler().Tick(ctx)
				if err != nil {
					return err
				}
				if err := a.Scheduler().Drain(ctx); err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"Promoted", dash(rep.Promoted)},
					{"Dispatched", dash(strings.Join(rep.Dispatched, ", "))},
					{"Awaiting human", dash(strings.Join(rep.AwaitingHuman, ", "))},
					{"Throttled", rep.Throttled},
					{"Resource paused", rep.ResourcePaused},
					{"Fitness enqueued", rep.FitnessEnqueued},
				})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{Use: "tasks", Short: "Inspect and control tasks"}
	tasks.AddCommand(taskListCmd(), taskAddCmd(), taskApproveCmd(), taskRejectCmd())
	return tasks
}

func taskListCmd() *cobra.Command {
	var (
		status  []string
		persona string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := task.Filter{Persona: task.Persona(persona), Limit: limit}
			for _, s := range status {
				f.Status = append(f.Status, task.Status(strings.ToUpper(s)))
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Store().List(ctx, f)
				if err != nil {
					return err
				}
				now := time.Now()
				task.SortByPriority(list, now)
				if jsonOutput() {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Persona", "Category", "Status", "Score", "Updated"})
				for _, t := range list {
					tw.AppendRow(table.Row{
						t.ID, t.Title, t.Persona, t.Category, t.Status,
						fmt.Sprintf("%.1f", task.Score(t, now)),
						humanize.RelTime(t.UpdatedAt, now, "ago", "from now"),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&status, "status", nil, "status filter (repeatable)")
	cmd.Flags().StringVar(&persona, "persona", "", "persona filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of tasks")
	return cmd
}

func taskAddCmd() *cobra.Command {
	var (
		in       task.CreateInput
		category string
		persona  string
		deps     []string
		payload  map[string]string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a BACKLOG task",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Category = task.Category(strings.ToUpper(category))
			in.Persona = task.Persona(persona)
			in.Dependencies = deps
			if len(payload) > 0 {
				in.Payload = map[string]any{}
				for k, v := range payload {
					in.Payload[k] = v
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Store().Create(ctx, in)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(t)
				}
				fmt.Println(t.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "task title")
	cmd.Flags().StringVar(&in.Description, "description", "", "task description")
	cmd.Flags().StringVar(&category, "category", "", "task category, e.g. DEV or FITNESS_CHECK")
	cmd.Flags().StringVar(&persona, "persona", "", "owning persona: Dev, LegalOps, ChiefOfStaff or RnD")
	cmd.Flags().IntVar(&in.Urgency, "urgency", 3, "urgency 1-5")
	cmd.Flags().IntVar(&in.Importance, "importance", 3, "importance 1-5")
	cmd.Flags().IntVar(&in.Risk, "risk", 1, "risk 1-5")
	cmd.Flags().IntVar(&in.StressCost, "stress-cost", 1, "stress cost 1-5")
	cmd.Flags().IntVar(&in.MaxRetries, "max-retries", 0, "retry budget; 0 selects the default")
	cmd.Flags().BoolVar(&in.RequiresApproval, "requires-approval", false, "hold for human approval before execution")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "task ids that must be DONE first")
	cmd.Flags().StringToStringVar(&payload, "payload", nil, "payload key=value pairs")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("persona")
	return cmd
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a task waiting on a human",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Scheduler().Approve(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
}

func taskRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a task; it is blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Scheduler().Reject(ctx, args[0], actor(), reason)
				if err != nil {
					return err
				}
				return printTask(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func printTask(t task.Task) error {
	if jsonOutput() {
		return printJSON(t)
	}
	fmt.Printf("%s %s (%s)\n", t.ID, t.Status, t.Outcome)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
