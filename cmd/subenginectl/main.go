// subenginectl runs and administers the persistent subscription engine
// service: a competing-consumer cursor over an append-only event stream,
// with durable checkpoints, retry/park handling, and a websocket consumer
// surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kestrelio/subengine/internal/checkpointstore"
	"github.com/kestrelio/subengine/internal/config"
	"github.com/kestrelio/subengine/internal/httpapi"
	"github.com/kestrelio/subengine/internal/logging"
	"github.com/kestrelio/subengine/internal/logstore/filelog"
	"github.com/kestrelio/subengine/internal/logstore/sqlitelog"
	"github.com/kestrelio/subengine/internal/metrics"
	"github.com/kestrelio/subengine/internal/subscription"
	"github.com/kestrelio/subengine/internal/transport/wssink"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "subenginectl",
	Short: "Persistent subscription engine for append-only event streams",
	Long: `subenginectl hosts a persistent subscription: a server-side cursor
over an event stream shared by a group of competing consumers, with
at-least-once delivery, retry and park handling, and a durably
checkpointed position that survives restarts.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("subenginectl version %s (commit %s)\n", Version, Commit))

	runCmd.Flags().String("backend", "file", "event log backend: file or sqlite")
	appendCmd.Flags().String("backend", "file", "event log backend: file or sqlite")
	appendCmd.Flags().String("path", "", "event log path (directory for file, database file for sqlite)")
	appendCmd.Flags().String("stream", "", "stream to append to")
	appendCmd.Flags().String("type", "", "event type")
	appendCmd.Flags().String("data", "", "event payload (JSON)")
	checkpointCmd.Flags().String("db", "subengine-checkpoints.db", "checkpoint database path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(checkpointCmd)
}

// eventLog is the slice of the two log store backends the run and append
// commands need.
type eventLog interface {
	Append(ctx context.Context, stream string, events ...subscription.StreamEvent) ([]subscription.StreamEvent, error)
	Close() error
}

// fileLogAdapter aligns filelog's context-free Append with eventLog.
type fileLogAdapter struct {
	*filelog.Log
}

func (a fileLogAdapter) Append(ctx context.Context, stream string, events ...subscription.StreamEvent) ([]subscription.StreamEvent, error) {
	return a.Log.Append(stream, events...)
}

func openEventLog(backend, path string) (eventLog, func(string) subscription.EventLoader, error) {
	switch backend {
	case "file":
		log, err := filelog.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return fileLogAdapter{log}, func(stream string) subscription.EventLoader {
			return filelog.NewLoader(log, stream)
		}, nil
	case "sqlite":
		store, err := sqlitelog.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func(stream string) subscription.EventLoader {
			return sqlitelog.NewLoader(store, stream)
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want file or sqlite)", backend)
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the subscription engine service",
	Long: `Run loads configuration from SUBENGINE_* environment variables,
opens the event log and checkpoint stores, and serves consumers over
websockets plus an operational HTTP surface (/livez, /status, /parked,
/append, /metrics).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, _ := cmd.Flags().GetString("backend")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer logger.Sync()

		store, loaderFor, err := openEventLog(backend, cfg.LogStorePath)
		if err != nil {
			return err
		}
		defer store.Close()

		checkpoints, err := checkpointstore.Open(cfg.CheckpointDBPath, logger)
		if err != nil {
			return err
		}
		defer checkpoints.Close()

		recorder := metrics.NewRecorder(cfg.Subscription.StreamName + ":" + cfg.Subscription.GroupName)

		engine, err := subscription.New(subscription.Params{
			Config:           cfg.Subscription,
			Loader:           loaderFor(cfg.Subscription.StreamName),
			CheckpointReader: checkpoints,
			CheckpointWriter: checkpoints,
			Logger:           logger,
			Latency:          recorder,
		})
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		httpapi.NewHandlerSet(httpapi.Options{
			Logger: logger,
			Engine: engine,
			Append: func(ctx context.Context, events []subscription.StreamEvent) ([]subscription.StreamEvent, error) {
				return store.Append(ctx, cfg.Subscription.StreamName, events...)
			},
			Metrics:     recorder.Handler(),
			AdminToken:  cfg.AdminToken,
			AppendLimit: rate.NewLimiter(rate.Every(100*time.Millisecond), 100),
		}).Register(mux)
		mux.Handle("/ws", wssink.NewHandler(engine, logger))

		server := &http.Server{
			Addr:    cfg.Address,
			Handler: logging.HTTPTraceMiddleware(logger)(mux),
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// Drive timeouts and checkpoint flushes at a tenth of the ack
		// deadline, and refresh the gauges on the same cadence.
		go func() {
			interval := cfg.Subscription.Timeout / 10
			if interval <= 0 {
				interval = time.Second
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case now := <-ticker.C:
					engine.Tick(now)
					recorder.UpdateFromSnapshot(engine.Stats())
				}
			}
		}()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("subscription engine listening",
				logging.String("addr", cfg.Address),
				logging.String("subscription_id", engine.SubscriptionID()),
				logging.String("backend", backend))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			engine.Stop()
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown failed", logging.Error(err))
		}
		if err := engine.Stop(); err != nil {
			logger.Warn("engine stop reported errors", logging.Error(err))
		}
		logger.Info("subscription engine stopped")
		return nil
	},
}

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an event to a stream, offline",
	RunE: func(cmd *cobra.Command, args []string) error {
		backend, _ := cmd.Flags().GetString("backend")
		path, _ := cmd.Flags().GetString("path")
		stream, _ := cmd.Flags().GetString("stream")
		eventType, _ := cmd.Flags().GetString("type")
		data, _ := cmd.Flags().GetString("data")

		if strings.TrimSpace(path) == "" || strings.TrimSpace(stream) == "" || strings.TrimSpace(eventType) == "" {
			return fmt.Errorf("--path, --stream, and --type are required")
		}

		store, _, err := openEventLog(backend, path)
		if err != nil {
			return err
		}
		defer store.Close()

		stamped, err := store.Append(cmd.Context(), stream, subscription.StreamEvent{
			EventType: eventType,
			Data:      []byte(data),
		})
		if err != nil {
			return err
		}
		fmt.Printf("appended %s #%d (%s)\n", stream, stamped[0].EventNumber, stamped[0].EventID)
		return nil
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint [subscription-id]",
	Short: "Inspect durable checkpoints",
	Long:  `With no argument, lists every stored subscription id. With a "stream:group" argument, prints that subscription's last acknowledged event number.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, _ := cmd.Flags().GetString("db")
		store, err := checkpointstore.Open(dbPath, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 0 {
			ids, err := store.List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		}

		value, ok, err := store.Get(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no checkpoint stored for %q", args[0])
		}
		fmt.Printf("%s last_acked=%d\n", args[0], value)
		return nil
	},
}
