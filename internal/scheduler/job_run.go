package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	video_archiver "github.com/hexi/video-archiver"
	"github.com/hexi/video-archiver/internal/downloader"
	"github.com/hexi/video-archiver/internal/store"
)

func (j *Job) pipeline() {
	defer close(j.pipelineDone)
	err := j.execute(j.pipelineCtx)
	switch {
	case err == nil:
		// Terminal transition already recorded by execute.
	case j.cancelled.IsSet():
		// In-flight I/O has stopped (execute returned, handle closed), so the
		// cancellation can now be recorded; verified chunks stay on disk for resume.
		j.log().Infow("job cancelled")
		j.transition(func(r *JobRecord) {
			r.State = JobStateCancelled
		})
	case j.pipelineCtx.Err() != nil:
		// Scheduler shutdown: leave the last durable state for the next replay.
	default:
		j.log().Errorw("job failed", "kind", video_archiver.KindOf(err), "error", err)
		j.transition(func(r *JobRecord) {
			r.State = JobStateFailed
			r.LastError = err.Error()
		})
	}
}

func (j *Job) execute(ctx context.Context) error {
	s := j.scheduler

	// Admission: wait for one of the N pipeline slots; FIFO among queued jobs is
	// approximated by submission-ordered goroutines blocking here.
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.slots }()

	snap := j.State()

	j.transition(func(r *JobRecord) {
		r.State = JobStateResolving
	})
	match, err := s.config.ProviderRegistry.Match(snap.SourceRef)
	if err != nil {
		return video_archiver.WithKind(video_archiver.KindPermanentSource,
			fmt.Errorf("%w: %v", video_archiver.ErrUnresolvableSource, err))
	}
	plan, err := j.resolve(ctx, match.Source)
	if err != nil {
		return err
	}
	if snap.Checksum != "" {
		// The submitter's expected checksum takes precedence over anything the
		// provider declared.
		p := *plan
		p.Checksum = snap.Checksum
		plan = &p
	}

	outputKey := snap.OutputKey
	if outputKey == "" {
		outputKey = plan.Filename
	}
	if outputKey == "" {
		outputKey = j.id
	}
	j.update(func(sn *JobSnapshot) {
		sn.Provider = match.ProviderName
		sn.SourceID = plan.SourceID
		sn.OutputKey = outputKey
		sn.ExpectedBytes = plan.Size
	})

	// Early dedup check: cheap, keyed by source identity, may miss; the
	// authoritative content-hash check happens after download.
	sourceFP := plan.SourceFingerprint()
	if done, err := j.adoptExisting(sourceFP); done || err != nil {
		return err
	}

	// If another active job is producing the same content, wait for its outcome
	// instead of downloading the same bytes in parallel.
	for {
		owner := s.claimFingerprint(sourceFP, j)
		if owner == nil {
			break
		}
		j.log().Infow("waiting for in-flight duplicate", "owner", owner.ID())
		select {
		case <-owner.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if done, err := j.adoptExisting(sourceFP); done || err != nil {
			return err
		}
	}
	defer s.releaseFingerprint(sourceFP, j)

	// Job data is keyed by source identity, not job ID, so cancelling and
	// resubmitting the same source resumes from the last verified chunk.
	dataKey := string(sourceFP)
	h, err := s.config.Store.Open(dataKey, plan)
	if err != nil {
		return err
	}
	defer h.Close()

	dl := downloader.New(downloader.Options{
		Client:         s.config.HTTPClient,
		RetryAttempts:  s.config.MaxRetryAttempts,
		RetryBaseDelay: s.config.RetryBaseDelay,
		RateLimit:      s.limiter,
		OnRetry: func(index int, attempt int, err error) {
			s.events.Send(JobRetrying{jobEvent{j}, index, attempt, err})
		},
	})

	for {
		j.transition(func(r *JobRecord) {
			r.State = JobStateDownloading
			r.Attempts++
		})
		err = j.download(ctx, dl, plan, h)
		if err == nil {
			break
		}
		snap = j.State()
		if ctx.Err() != nil || !video_archiver.IsRetryable(err) || snap.Attempts >= snap.MaxAttempts {
			return err
		}
		j.log().Warnw("download attempt failed, will retry", "attempt", snap.Attempts, "error", err)
		j.transition(func(r *JobRecord) {
			r.State = JobStateFailed
			r.LastError = err.Error()
		})
	}

	j.transition(func(r *JobRecord) {
		r.State = JobStateVerifying
	})
	entry, err := h.Finalize(outputKey)
	if err != nil {
		return err
	}

	// Publish the authoritative content fingerprint; losing the race to an
	// identical-content job means keeping the existing entry and dropping ours.
	if err := s.config.DedupIndex.Insert(entry.Fingerprint, entry); err != nil {
		if !errors.Is(err, video_archiver.ErrAlreadyExists) {
			return video_archiver.WithKind(video_archiver.KindInternal, err)
		}
		existing, lookupErr := s.config.DedupIndex.Lookup(entry.Fingerprint)
		if lookupErr != nil {
			return video_archiver.WithKind(video_archiver.KindInternal, lookupErr)
		}
		if existing.IsSome() && existing.Value.Location != outputKey {
			if rmErr := s.config.Store.RemoveArchive(outputKey); rmErr != nil {
				j.log().Warnw("failed to remove duplicate archive data", "error", rmErr)
			}
			entry = existing.Value
		}
	}
	// Also publish the advisory source-identity key so future jobs for the same
	// source short-circuit before resolving ranges.
	if err := s.config.DedupIndex.Insert(sourceFP, entry); err != nil && !errors.Is(err, video_archiver.ErrAlreadyExists) {
		return video_archiver.WithKind(video_archiver.KindInternal, err)
	}

	j.transition(func(r *JobRecord) {
		r.State = JobStateStored
		r.OutputKey = entry.Location
		r.Fingerprint = entry.Fingerprint
		r.LastError = ""
	})
	j.log().Infow("job stored", "key", entry.Location, "size", entry.Size, "fingerprint", entry.Fingerprint)
	return nil
}

// adoptExisting short-circuits the job to Stored if the fingerprint is already in
// the index, discarding any partial data for it.
func (j *Job) adoptExisting(fp video_archiver.Fingerprint) (bool, error) {
	s := j.scheduler
	existing, err := s.config.DedupIndex.Lookup(fp)
	if err != nil {
		return false, video_archiver.WithKind(video_archiver.KindInternal, err)
	}
	if existing.IsNone() {
		return false, nil
	}
	entry := existing.Value
	if err := s.config.Store.Discard(string(fp)); err != nil {
		j.log().Warnw("failed to discard partial data", "error", err)
	}
	j.transition(func(r *JobRecord) {
		r.State = JobStateStored
		r.OutputKey = entry.Location
		r.Fingerprint = entry.Fingerprint
		r.LastError = ""
	})
	j.log().Infow("deduplicated against existing entry", "key", entry.Location, "fingerprint", entry.Fingerprint)
	return true, nil
}

// resolve produces the download plan, retrying transient resolution failures with
// backoff; permanent failures (source gone, forbidden) surface immediately.
func (j *Job) resolve(ctx context.Context, source video_archiver.Source) (*video_archiver.DownloadPlan, error) {
	s := j.scheduler
	backoff := downloader.Backoff{Base: s.config.RetryBaseDelay}
	var lastErr error
	for attempt := 1; attempt <= s.config.MaxRetryAttempts; attempt++ {
		plan, err := source.Resolve(ctx)
		if err == nil {
			return plan, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !video_archiver.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		if attempt == s.config.MaxRetryAttempts {
			break
		}
		j.log().Warnw("resolve failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-time.After(backoff.Delay(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("resolve failed after %d attempts: %w", s.config.MaxRetryAttempts, lastErr)
}

func (j *Job) download(ctx context.Context, dl *downloader.Downloader, plan *video_archiver.DownloadPlan, h *store.Handle) error {
	s := j.scheduler
	stop := make(chan struct{})
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		ticker := time.NewTicker(s.config.ProgressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				downloaded, expected := h.Progress()
				j.update(func(sn *JobSnapshot) {
					sn.DownloadedBytes = downloaded
					if expected != video_archiver.SizeUnknown {
						sn.ExpectedBytes = expected
					}
				})
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	err := dl.FetchAll(ctx, plan, h, s.config.MaxConcurrentRangesPerJob)
	close(stop)
	<-reported
	if err == nil {
		downloaded, _ := h.Progress()
		j.update(func(sn *JobSnapshot) {
			sn.DownloadedBytes = downloaded
		})
	}
	return err
}
