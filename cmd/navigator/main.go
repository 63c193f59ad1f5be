// Navigator CLI — инструмент командной строки для управления
// flows, runs и событиями через HTTP API.
//
// Использование:
//
//	navigator [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	flow     Управление flows
//	run      Управление runs
//	event    Отправка событий
//	migrate  Применение миграций БД
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/navigator/internal/cli"
	"github.com/shaiso/navigator/internal/config"
	"github.com/shaiso/navigator/internal/repo"
	"github.com/shaiso/navigator/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "navigator",
		Short:         "Navigator CLI — browser agent runs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("NAVIGATOR_API_URL"); v != "" {
		defaultURL = v
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL (env NAVIGATOR_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewFlowCmd(clientFn, outputFn),
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewEventCmd(clientFn, outputFn),
		newMigrateCmd(outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newMigrateCmd(outputFn func() *cli.Output) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (uses DB_URL)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Options{File: configFile})
			if err != nil {
				return err
			}
			logger := telemetry.SetupLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: "text"})

			pool, err := repo.NewPool(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := repo.Migrate(cmd.Context(), pool, logger); err != nil {
				return err
			}

			outputFn().Success("Migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "Path to navigator.yaml")

	return cmd
}
