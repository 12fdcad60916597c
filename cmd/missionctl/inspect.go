package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"missionctl/internal/app"
	"missionctl/internal/config"
	"missionctl/internal/selfmodify"
)

func fitnessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fitness",
		Short: "Show module fitness records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				now := time.Now()
				records := a.Fitness().All()
				sum := a.Fitness().Summary(now)
				if jsonOutput() {
					return printJSON(map[string]any{"summary": sum, "modules": records})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Module", "Status", "Passes", "Stable", "Assessed"})
				for _, r := range records {
					assessed := "never"
					if r.LastAssessedAt != nil {
						assessed = humanize.RelTime(*r.LastAssessedAt, now, "ago", "from now")
					}
					tw.AppendRow(table.Row{
						r.ModuleName, r.Status,
						fmt.Sprintf("%d/%d", r.ConsecutivePasses, r.RequiredPasses),
						r.Stable, assessed,
					})
				}
				tw.AppendFooter(table.Row{"", "", "", "ratio", fmt.Sprintf("%.0f%%", sum.FitnessRatio*100)})
				tw.Render()
				return nil
			})
		},
	}
}

func checklistCmd() *cobra.Command {
	var oldPath string
	cmd := &cobra.Command{
		Use:   "checklist <path>",
		Short: "Run the self-modification checklist against a proposed file",
		Long: `checklist validates the current content of <path> as the new version of
the file. --old names the file holding the previous content; without it the
edit is checked as a whole-file rewrite.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			newContent, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			edit := selfmodify.Edit{Path: args[0], NewContent: string(newContent)}
			if oldPath != "" {
				old, err := os.ReadFile(oldPath)
				if err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				edit.OldContent = string(old)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Checklist().Run(ctx, []selfmodify.Edit{edit})
				if err != nil {
					return err
				}
				if jsonOutput() {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Check", "Passed", "Message"})
					for _, c := range res.Checks {
						tw.AppendRow(table.Row{c.Name, c.Passed, c.Message})
					}
					tw.Render()
				}
				if !res.Passed {
					return fmt.Errorf("checklist failed: %s", strings.Join(res.BlockingErrors, "; "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&oldPath, "old", "", "file with the previous content")
	return cmd
}

func rollbackCmd() *cobra.Command {
	rb := &cobra.Command{Use: "rollback", Short: "Self-modification rollback"}
	rb.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Consume the restart sentinel and roll back if the daemon is unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep := a.Rollback().Check(ctx)
				if jsonOutput() {
					return printJSON(rep)
				}
				switch {
				case !rep.SentinelFound:
					fmt.Println("no restart sentinel")
				case !rep.SelfModify:
					fmt.Println("restart was not a self-modification")
				case rep.Healthy:
					fmt.Printf("healthy after %d probe(s)\n", rep.Probes)
				case rep.RolledBack:
					fmt.Printf("rolled back to %s (%s): %s\n", rep.Commit, rep.Strategy, rep.Reason)
				default:
					fmt.Printf("unhealthy, not rolled back: %s\n", dash(rep.Reason+rep.Err))
				}
				return nil
			})
		},
	})
	return rb
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the config file and show effective values",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.NewManager(configPath(), config.WithEnv(env)).Parse()
			if err != nil {
				return err
			}
			for _, secret := range []*string{&c.Telegram.Token, &c.Pprof.Token} {
				if *secret != "" {
					*secret = "<redacted>"
				}
			}
			if jsonOutput() {
				return printJSON(c)
			}
			sections, _ := config.SummarizeChange(config.Default(), c)
			fmt.Printf("%s: ok\n", configPath())
			if len(sections) == 0 {
				fmt.Println("all sections on defaults")
				return nil
			}
			fmt.Printf("customized sections: %s\n", strings.Join(sections, ", "))
			return nil
		},
	})
	return cfg
}
