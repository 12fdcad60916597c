package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"missionctl/internal/app"
	"missionctl/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "missionctl",
	Short: "Mission control daemon for persona task lanes",
	Long: `missionctl schedules persona tasks (Dev, LegalOps, ChiefOfStaff, RnD),
guards self-modifications with a safety checklist and rolls back a restart
that comes up unhealthy.

The daemon runs with "missionctl run". The other commands open the same
config and store for one-off inspection and control.`,
	SilenceUsage: true,
}

// env carries MISSIONCTL_* overrides plus the bound persistent flags.
var env = config.NewEnv()

func main() {
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "./missionctl.yaml", "path to the config file (yaml or json)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "cli", "actor recorded in audit entries")
	_ = env.BindPFlag("cli.config", rootCmd.PersistentFlags().Lookup("config"))
	_ = env.BindPFlag("cli.json", rootCmd.PersistentFlags().Lookup("json"))
	_ = env.BindPFlag("cli.actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(
		runCmd(),
		tickCmd(),
		tasksCmd(),
		fitnessCmd(),
		checklistCmd(),
		rollbackCmd(),
		configCmd(),
	)
}

func configPath() string { return env.GetString("cli.config") }

func actor() string {
	if a := strings.TrimSpace(env.GetString("cli.actor")); a != "" {
		return a
	}
	return "cli"
}

// withApp builds the app without starting it and releases it afterwards.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.New(configPath(), app.WithEnv(env))
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()
	return fn(ctx, a)
}

func jsonOutput() bool { return env.GetBool("cli.json") }

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
