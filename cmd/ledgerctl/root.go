package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"verifactu/internal/app"
	"verifactu/internal/config"
	"verifactu/pkg/logger"
)

var version = "dev"

type options struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Administer the invoice ledger",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "directory containing config.yaml")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newMigrateCmd(opts),
		newSeriesCmd(opts),
		newVerifyCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}

func (o *options) load() (*config.Config, *logger.Logger, error) {
	var paths []string
	if o.configPath != "" {
		paths = append(paths, o.configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, nil, err
	}

	level := "warn"
	if o.verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Development: true})
	if err != nil {
		return nil, nil, err
	}
	logger.SetDefault(log)
	return cfg, log, nil
}

// ledger builds the engine against the configured database. Commands that
// change or inspect persisted state refuse to run on the in-memory store.
func (o *options) ledger(ctx context.Context) (*app.Ledger, *logger.Logger, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, nil, fmt.Errorf("database.dsn is not configured (set LEDGER_DATABASE_DSN)")
	}
	l, err := app.Build(ctx, cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return l, log, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
