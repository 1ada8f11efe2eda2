// Command syncd runs the journaling state-synchronization daemon: a SQLite
// local store, an HTTP remote and the sync engine in between, with an
// optional websocket channel for server push notifications.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucidjournal/statesync"
	"github.com/lucidjournal/statesync/logging"
	"github.com/lucidjournal/statesync/storage/sqlite"
	"github.com/lucidjournal/statesync/transport/httpremote"
	"github.com/lucidjournal/statesync/transport/wsnotify"
)

var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "Background state-synchronization daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./syncd.yaml)")
	root.AddCommand(runCmd(), onceCmd(), versionCmd())
	return root
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			logging.Init(cfg.Logging)
			logger := logging.Default().WithComponent("syncd")

			engine, cleanup, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			engine.Initialize()
			defer engine.Close()

			var notifier *wsnotify.Notifier
			if cfg.Remote.NotifyURL != "" {
				notifier = wsnotify.New(cfg.Remote.NotifyURL, engine,
					wsnotify.WithLogger(logger.Logger))
				notifier.Start(ctx)
				defer notifier.Close()
			}

			go logEvents(ctx, engine, logger)

			<-ctx.Done()
			logger.Info("shutting down")
			return nil
		},
	}
}

func onceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single forced sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			logging.Init(cfg.Logging)

			engine, cleanup, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			defer cleanup()
			defer engine.Close()

			if !engine.ForceSync(cmd.Context()) {
				return fmt.Errorf("sync cycle did not start")
			}
			stats := engine.Statistics()
			if stats.ConsecutiveFailures > 0 {
				return fmt.Errorf("sync cycle failed (consecutive failures: %d)",
					stats.ConsecutiveFailures)
			}
			fmt.Println("sync completed")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the syncd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("syncd", version)
		},
	}
}

func buildEngine(cfg *appConfig) (*statesync.Engine, func(), error) {
	store, err := sqlite.New(sqlite.DefaultConfig(cfg.Database.Path))
	if err != nil {
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}

	remote := httpremote.NewClient(cfg.Remote.URL)

	opts := &statesync.Options{
		BaseInterval: cfg.Sync.BaseInterval,
		MaxInterval:  cfg.Sync.MaxInterval,
		MaxQueueSize: cfg.Sync.MaxQueueSize,
		MaxRetries:   cfg.Sync.MaxRetries,
		InsightCap:   cfg.Sync.InsightCap,
	}
	engine := statesync.New(store, remote, opts,
		logging.Default().WithComponent("engine").Logger)

	cleanup := func() { store.Close() }
	return engine, cleanup, nil
}

// logEvents mirrors the engine's event stream into the log for operators.
func logEvents(ctx context.Context, engine *statesync.Engine, logger *logging.Logger) {
	events, cancel := engine.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger.Info("sync event",
				"kind", string(ev.Kind),
				"target_id", ev.TargetID,
				"queue_size", ev.QueueSize,
				"failures", ev.Failures)
		}
	}
}
