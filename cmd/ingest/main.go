// Command ingest loads a feedback export (CSV, XLSX or JSON) into one
// business entity. Rows are inserted as new and picked up by the server's
// pending sweep unless --submit is given.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Ranganathan-J/efsilonquest/internal/config"
	"github.com/Ranganathan-J/efsilonquest/pkg/logger"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	opts       ingestOptions
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "ingest",
	Short:        "Load a feedback export into an entity",
	Example:      "  ingest --file reviews.csv --entity \"Corner Bakery\" --source website",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		path := configPath
		if path == "" {
			path = os.Getenv("CONFIG_PATH")
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		}
		logger.Init(level, "console")
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runIngest(ctx, cfg, opts)
		if err != nil {
			return err
		}
		printResult(cmd, res)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("ingest", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default $CONFIG_PATH or config.yaml)")

	rootCmd.Flags().StringVarP(&opts.File, "file", "f", "", "Export file to load (.csv, .xlsx or .json)")
	rootCmd.Flags().StringVarP(&opts.Entity, "entity", "e", "", "Business entity name, created when missing")
	rootCmd.Flags().StringVarP(&opts.Source, "source", "s", "csv", "Source tag for rows without a source column")
	rootCmd.Flags().StringVar(&opts.Owner, "owner", "admin", "Username owning a newly created entity")
	rootCmd.Flags().BoolVar(&opts.Submit, "submit", false, "Queue rows for processing now instead of waiting for the pending sweep")
	_ = rootCmd.MarkFlagRequired("file")
	_ = rootCmd.MarkFlagRequired("entity")

	rootCmd.AddCommand(versionCmd)
}

func printResult(cmd *cobra.Command, res *ingestResult) {
	out := cmd.OutOrStdout()
	b := res.Batch
	if res.EntityCreated {
		fmt.Fprintf(out, "Created entity %q (id %d)\n", res.Entity.Name, res.Entity.ID)
	}
	fmt.Fprintf(out, "Upload %s into %q:\n", b.Reference, res.Entity.Name)
	fmt.Fprintf(out, "  Rows: %d\n", b.TotalRows)
	fmt.Fprintf(out, "  Imported: %d\n", b.SuccessRows)
	fmt.Fprintf(out, "  Rejected: %d\n", b.FailedRows)
	for _, e := range b.Errors {
		fmt.Fprintf(out, "    %s\n", e)
	}
	if res.Processed > 0 {
		fmt.Fprintf(out, "  Processed now: %d\n", res.Processed)
	}
}
