package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	video_archiver "github.com/hexi/video-archiver"
	"github.com/hexi/video-archiver/async"
	"github.com/hexi/video-archiver/generic"
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
	ctx = video_archiver.WithLogger(ctx, logger)

	app := &cli.App{
		Name:  "fetch-video",
		Usage: "download a single video",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "target",
				Value: ".",
				Usage: "save downloaded video to `DIR`",
			},
			&cli.IntFlag{
				Name:  "ranges",
				Value: scheduler.DefaultConfig.MaxConcurrentRangesPerJob,
				Usage: "fetch at most `N` ranges at once",
			},
		},
		Action: func(c *cli.Context) error {
			for _, source := range c.Args().Slice() {
				if err := fetch(ctx, c, source); err != nil {
					return err
				}
			}
			return nil
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

func fetch(ctx context.Context, c *cli.Context, source string) error {
	logger := video_archiver.Logger(ctx).Sugar()
	target := c.String("target")
	logger.Infof("Downloading from %s into %s", source, target)

	st, err := store.New(target)
	if err != nil {
		return err
	}
	cfg := scheduler.DefaultConfig
	cfg.Store = st
	cfg.MaxConcurrentRangesPerJob = c.Int("ranges")
	sched, err := scheduler.New(cfg, ctx)
	if err != nil {
		return err
	}
	defer sched.Close()

	job, err := sched.Submit(scheduler.SubmitRequest{SourceRef: source})
	if err != nil {
		return err
	}

	events, err := sched.SubscribeJob(job.ID())
	if err != nil {
		return err
	}
	bar := progressbar.DefaultBytes(1, "downloading")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for event := range events.Receive() {
			e, ok := event.(scheduler.JobUpdated)
			if !ok {
				continue
			}
			if expected := e.NewState.ExpectedBytes; expected > 0 && bar.GetMax64() != expected {
				bar.ChangeMax64(expected)
			}
			generic.Unwrap_(bar.Set64(e.NewState.DownloadedBytes))
		}
	}()

	<-job.Done()
	events.Close()
	wg.Wait()

	snap := job.State()
	switch snap.State {
	case scheduler.JobStateStored:
		logger.Infof("Download complete: %s", st.ArchivePath(snap.OutputKey))
		return nil
	case scheduler.JobStateCancelled:
		return fmt.Errorf("download cancelled")
	default:
		return fmt.Errorf("download failed: %s", snap.LastError)
	}
}
