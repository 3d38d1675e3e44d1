package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/r3labs/diff/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hexi/video-archiver/async"
	"github.com/hexi/video-archiver/database"
	"github.com/hexi/video-archiver/internal/boltdb"
	"github.com/hexi/video-archiver/internal/scheduler"
	"github.com/hexi/video-archiver/internal/store"
	_ "github.com/hexi/video-archiver/providers"
)

func main() {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := config.Build()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &cli.App{
		Name:  "video-archiver",
		Usage: "archive videos over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Value: "127.0.0.1:8819",
				Usage: "listen on `ADDR` for API requests",
			},
			&cli.StringFlag{
				Name:  "data-dir",
				Value: "./data",
				Usage: "keep job data and archived videos under `DIR`",
			},
			&cli.IntFlag{
				Name:  "max-jobs",
				Value: scheduler.DefaultConfig.MaxConcurrentJobs,
				Usage: "run at most `N` download pipelines at once",
			},
			&cli.IntFlag{
				Name:  "ranges-per-job",
				Value: scheduler.DefaultConfig.MaxConcurrentRangesPerJob,
				Usage: "fetch at most `N` ranges of one video at once",
			},
			&cli.DurationFlag{
				Name:  "retry-base",
				Value: scheduler.DefaultConfig.RetryBaseDelay,
				Usage: "base `DELAY` for retry backoff",
			},
			&cli.IntFlag{
				Name:  "retry-attempts",
				Value: scheduler.DefaultConfig.MaxRetryAttempts,
				Usage: "attempt each range at most `N` times",
			},
			&cli.Int64Flag{
				Name:  "rate-limit",
				Usage: "cap total download throughput at `BYTES` per second",
			},
		},
		Action: func(c *cli.Context) error {
			return run(ctx, c)
		},
		HideHelpCommand: true,
	}

	result := async.Run(func() error { return app.Run(os.Args) })

	select {
	case err = <-result:
		if err != nil {
			logger.Fatal(err.Error())
		}
	case <-ctx.Done():
		stop()
		err = <-result
		if err != nil {
			logger.Fatal(err.Error())
		}
	}
}

func run(ctx context.Context, c *cli.Context) error {
	logger := zap.S()
	dataDir := c.String("data-dir")
	if err := os.MkdirAll(dataDir, 0o775); err != nil {
		return err
	}

	db, err := boltdb.New(filepath.Join(dataDir, "state.bolt"))
	if err != nil {
		return err
	}
	defer db.Close()

	catalog, err := database.NewDatabase(filepath.Join(dataDir, "catalog.sqlite3"))
	if err != nil {
		return err
	}
	defer catalog.Close()
	if err := catalog.Migrate(); err != nil {
		return err
	}

	st, err := store.New(dataDir)
	if err != nil {
		return err
	}

	cfg := scheduler.DefaultConfig
	cfg.Store = st
	cfg.StateLog = db
	cfg.DedupIndex = db
	cfg.MaxConcurrentJobs = c.Int("max-jobs")
	cfg.MaxConcurrentRangesPerJob = c.Int("ranges-per-job")
	cfg.RetryBaseDelay = c.Duration("retry-base")
	cfg.MaxRetryAttempts = c.Int("retry-attempts")
	cfg.GlobalRateLimit = c.Int64("rate-limit")
	sched, err := scheduler.New(cfg, ctx)
	if err != nil {
		return err
	}
	defer sched.Close()

	events, err := sched.Subscribe()
	if err != nil {
		return err
	}
	go watchEvents(logger, catalog, events.Receive())

	api := newAPIServer(sched, st, catalog)
	server := &http.Server{
		Addr:    c.String("listen"),
		Handler: api,
	}
	serveResult := async.Run(server.ListenAndServe)
	logger.Infof("listening on http://%s", server.Addr)

	select {
	case err := <-serveResult:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveResult; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// watchEvents logs every job state change and mirrors newly stored entries into the
// queryable catalog.
func watchEvents(logger *zap.SugaredLogger, catalog *database.Database, events <-chan scheduler.Event) {
	for event := range events {
		switch e := event.(type) {
		case scheduler.JobAdded:
			logger.Infof("job added: %v", e.Job())
		case scheduler.JobRetrying:
			logger.Warnf("job %s: range %d attempt %d failed: %v", e.Job().ID(), e.Range, e.Attempt, e.Err)
		case scheduler.JobUpdated:
			changes, err := diff.Diff(e.OldState, e.NewState)
			if err != nil {
				logger.Errorf("failed to diff old and new job state: %v", err)
			} else {
				for _, change := range changes {
					logger.Debugf("job %s: %v: %#v -> %#v", e.Job().ID(), change.Path, change.From, change.To)
				}
			}
			if e.OldState.State != e.NewState.State && e.NewState.State == scheduler.JobStateStored {
				entry := database.Entry{
					Fingerprint: string(e.NewState.Fingerprint),
					Location:    e.NewState.OutputKey,
					Size:        e.NewState.DownloadedBytes,
					CreatedAt:   e.NewState.UpdatedAt,
				}
				if err := catalog.InsertEntry(&entry); err != nil {
					logger.Errorf("failed to catalog stored entry %s: %v", e.NewState.OutputKey, err)
				}
			}
		}
	}
}
