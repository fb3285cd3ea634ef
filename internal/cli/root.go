// Package cli implements the crewq commands that manage the offline
// operation queue on a cleaner's device.
package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cleaning-sync-backend/config"
	"cleaning-sync-backend/internal/logger"
	"cleaning-sync-backend/internal/queue"
	"cleaning-sync-backend/internal/syncclient"
)

// env is what every command needs, resolved from flags and config.
type env struct {
	cfg    *config.Config
	store  *queue.GormStore
	queue  *queue.Queue
	logger *zap.Logger
	out    io.Writer
}

func (e *env) close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	_ = e.logger.Sync()
}

const requestTimeout = 30 * time.Second

func (e *env) client() *syncclient.Client {
	return syncclient.NewClient(e.cfg.Client.ServerURL, e.cfg.Client.Token, requestTimeout)
}

func (e *env) service() *syncclient.Service {
	return syncclient.NewService(e.queue, e.client(), e.cfg.Client.BatchSize, e.cfg.Client.Interval, e.cfg.Client.PruneDone, e.logger)
}

// RootCmd builds the crewq command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crewq",
		Short: "Offline action queue for cleaning crews",
		Long: `crewq records task actions while the device is offline and replays them
against the sync server exactly once when connectivity returns.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "path to the config file")
	root.PersistentFlags().String("queue", "", "path to the local queue database (overrides client.queue_path)")
	root.PersistentFlags().String("server", "", "sync server base URL (overrides client.server_url)")
	root.PersistentFlags().String("token", "", "bearer token (overrides client.token and CREWQ_TOKEN)")

	root.AddCommand(EnqueueCmd())
	root.AddCommand(ListCmd())
	root.AddCommand(DrainCmd())
	root.AddCommand(RunCmd())
	root.AddCommand(PruneCmd())
	root.AddCommand(StatusCmd())
	return root
}

// setup loads config, applies flag overrides and opens the queue.
func setup(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("queue"); v != "" {
		cfg.Client.QueuePath = v
	}
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("token"); v != "" {
		cfg.Client.Token = v
	}

	log, err := logger.NewLogger(cfg.Log.Level, "console", "crewq")
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	store, err := queue.OpenLocal(cfg.Client.QueuePath)
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:    cfg,
		store:  store,
		queue:  queue.New(store),
		logger: log,
		out:    cmd.OutOrStdout(),
	}, nil
}
