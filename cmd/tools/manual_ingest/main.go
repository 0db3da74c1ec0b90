// Command manual_ingest runs one update in-process against the configured
// repository, without a server. Useful for checking a new source entry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/david/grant-sync/internal/config"
	"github.com/david/grant-sync/internal/db"
	"github.com/david/grant-sync/internal/ingest"
	"github.com/david/grant-sync/internal/logging"
	"github.com/david/grant-sync/internal/models"
	"github.com/david/grant-sync/internal/scheduler"
)

func main() {
	if err := newCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	var (
		sourceIDs  []string
		updateType string
	)
	cmd := &cobra.Command{
		Use:          "manual_ingest",
		Short:        "Fetch and save grants from configured sources once",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, "console")
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return ingestOnce(ctx, cfg, logger, models.UpdateType(strings.ToLower(updateType)), sourceIDs, cmd)
		},
	}
	cmd.Flags().StringSliceVar(&sourceIDs, "source", nil, "source ids to run (default: every enabled source)")
	cmd.Flags().StringVar(&updateType, "type", string(models.UpdateFull), "update type: full or quick")
	return cmd
}

func ingestOnce(ctx context.Context, cfg config.Config, logger *zap.Logger, typ models.UpdateType, ids []string, cmd *cobra.Command) error {
	registry, err := ingest.LoadRegistry(cfg.Sources.RegistryPath)
	if err != nil {
		return fmt.Errorf("loading sources: %w", err)
	}
	sources, err := selectSources(registry.Sources, ids)
	if err != nil {
		return err
	}

	repo, err := db.Open(ctx, cfg.Storage.DatabaseURL, cfg.Storage.SQLitePath, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	schedCfg := scheduler.DefaultConfig()
	schedCfg.InterSourceDelay = cfg.Scheduler.InterSourceDelay
	factory := ingest.NewDefaultFactory(logger.Named("ingest"), ingest.ClientOptions{
		AllowPrivateNetworks: cfg.Sources.AllowPrivateNetworks,
	})
	sched, err := scheduler.New(repo, factory, sources, scheduler.WithConfig(schedCfg), scheduler.WithLogger(logger))
	if err != nil {
		return err
	}

	rec, err := sched.TriggerManualUpdate(ctx, typ)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Source", "Fetched", "Saved", "Error"})
	for _, o := range rec.Outcomes {
		t.AppendRow(table.Row{o.Source, o.Fetched, o.Saved, o.Error})
	}
	t.Render()

	if !rec.Success {
		return fmt.Errorf("%s update finished with source failures", typ)
	}
	return nil
}

// selectSources keeps the requested ids, forcing them enabled so a disabled
// entry can be tried by hand. No ids selects every source as configured.
func selectSources(all []ingest.SourceConfig, ids []string) ([]ingest.SourceConfig, error) {
	if len(ids) == 0 {
		return all, nil
	}
	byID := make(map[string]ingest.SourceConfig, len(all))
	for _, s := range all {
		byID[s.ID] = s
	}
	out := make([]ingest.SourceConfig, 0, len(ids))
	for _, id := range ids {
		s, ok := byID[strings.TrimSpace(id)]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", id)
		}
		s.Enabled = true
		out = append(out, s)
	}
	return out, nil
}
