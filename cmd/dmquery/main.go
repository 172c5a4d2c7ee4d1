// Package main provides the dmquery binary: the query API server, schema
// migrations and one-shot query commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "dmquery"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	backend    string
	seedFile   string
	logLevel   string
}

func rootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Query engine for graph data models",
		Long: `dmquery answers list, search and aggregate queries over views of a
graph data model, following direct relations, edges and reverse relations
to build nested results.

Instances are read from an in-memory seed, postgres, or a remote store
served over NATS.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", ".", "Directory holding config.yaml")
	cmd.PersistentFlags().StringVar(&flags.backend, "store", "", "Store backend override (memory, postgres, nats)")
	cmd.PersistentFlags().StringVar(&flags.seedFile, "seed", "", "YAML seed file loaded into the store at startup")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(flags),
		migrateCmd(flags),
		listCmd(flags),
		searchCmd(flags),
		aggregateCmd(flags),
		ingestCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}
