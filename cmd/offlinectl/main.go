package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"offline-sync-engine/internal/bootstrap"
	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logging"
	"offline-sync-engine/internal/offline"
	"offline-sync-engine/internal/store"
)

// ctlApp holds what the subcommands share once preRun has opened the queue.
type ctlApp struct {
	cfg   config.Config
	log   *logrus.Logger
	rdb   *redis.Client
	store store.QueueStore
	svc   *offline.Service
}

func (a *ctlApp) preRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logging.New(os.Stderr, cfg.Env, cfg.LogLevel)

	ctx := cmd.Context()
	if cfg.QueueBackend == config.BackendRedis || cfg.DistributedLock {
		if a.rdb, err = bootstrap.OpenRedis(ctx, cfg, a.log); err != nil {
			return err
		}
	}
	if a.store, err = bootstrap.OpenStore(ctx, cfg, a.rdb, a.log); err != nil {
		return err
	}
	// Only explicit commands sync from the CLI, and it never touches items
	// a long-running process may be applying.
	cfg.HealthURL = ""
	cfg.RecoverOnStart = false
	a.svc, err = bootstrap.StartService(ctx, cfg, a.store, a.rdb, a.log)
	return err
}

// close runs after every command, including failed ones.
func (a *ctlApp) close() {
	if a.svc != nil {
		a.svc.Close()
		a.svc = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
	if a.rdb != nil && a.cfg.QueueBackend != config.BackendRedis {
		_ = a.rdb.Close()
	}
	a.rdb = nil
}

func newRootCommand(app *ctlApp) *cobra.Command {
	root := &cobra.Command{
		Use:               "offlinectl",
		Short:             "Inspect and operate the offline mutation queue",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: app.preRun,
	}
	root.AddCommand(
		pendingCommand(app),
		failedCommand(app),
		enqueueCommand(app),
		syncCommand(app),
	)
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	app := &ctlApp{}
	err := newRootCommand(app).ExecuteContext(context.Background())
	app.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
