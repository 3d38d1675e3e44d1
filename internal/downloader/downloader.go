// Package downloader performs range-capable HTTP retrieval of planned byte spans
// with bounded retries, exponential backoff, and resumption from already-written
// bytes after mid-transfer disconnects.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	video_archiver "github.com/hexi/video-archiver"
	"github.com/hexi/video-archiver/internal/store"
)

const (
	DefaultRetryAttempts  = 5
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

type Options struct {
	// Client is the HTTP client to fetch with; http.DefaultClient if nil.
	Client *http.Client
	// RetryAttempts is the total number of attempts per range before surfacing
	// ErrDownloadFailed.
	RetryAttempts int
	// RetryBaseDelay is the backoff base; delay grows as base*2^n capped at
	// base*2^6, with full jitter.
	RetryBaseDelay time.Duration
	// RateLimit, if set, is the global shared byte budget consumed before bytes
	// are written. Shared across all jobs.
	RateLimit *rate.Limiter
	// OnRetry is called before each re-attempt of a range, with the 1-based attempt
	// number that just failed.
	OnRetry func(index int, attempt int, err error)
}

type Downloader struct {
	client  *http.Client
	opts    Options
	backoff Backoff
	log     *zap.SugaredLogger
}

func New(opts Options) *Downloader {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultRetryAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultRetryBaseDelay
	}
	return &Downloader{
		client:  opts.Client,
		opts:    opts,
		backoff: Backoff{Base: opts.RetryBaseDelay},
		log:     zap.S().Named("downloader"),
	}
}

// FetchAll downloads every unverified range of the plan into the handle, fetching up
// to parallel ranges concurrently when the source supports partial content. The
// first failure cancels the remaining fetches and is returned.
func (d *Downloader) FetchAll(ctx context.Context, plan *video_archiver.DownloadPlan, h *store.Handle, parallel int) error {
	missing := h.Missing()
	if len(missing) == 0 {
		return nil
	}
	if parallel < 1 || !plan.SupportsRanges {
		parallel = 1
	}
	if parallel > len(missing) {
		parallel = len(missing)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	indexes := make(chan int)
	errc := make(chan error, parallel)
	var wg sync.WaitGroup
	wg.Add(parallel)
	for i := 0; i < parallel; i++ {
		go func() {
			defer wg.Done()
			for index := range indexes {
				if err := d.FetchRange(ctx, plan, h, index); err != nil {
					select {
					case errc <- err:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

feed:
	for _, rec := range missing {
		select {
		case indexes <- rec.Index:
		case <-ctx.Done():
			break feed
		}
	}
	close(indexes)
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		if err := ctx.Err(); err != nil {
			return err
		}
		return nil
	}
}

// FetchRange downloads one planned range, retrying transient and integrity failures
// up to the attempt budget. Bytes written before a disconnect are preserved and the
// next attempt resumes from the last written offset; a checksum mismatch discards
// only this range and re-fetches it from scratch.
func (d *Downloader) FetchRange(ctx context.Context, plan *video_archiver.DownloadPlan, h *store.Handle, index int) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		err := d.fetchOnce(ctx, plan, h, index)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err

		switch video_archiver.KindOf(err) {
		case video_archiver.KindPermanentSource, video_archiver.KindInternal, video_archiver.KindCapacity:
			return err
		}
		if attempt >= d.opts.RetryAttempts {
			return fmt.Errorf("range %d: %w after %d attempts: %v", index, video_archiver.ErrDownloadFailed, attempt, lastErr)
		}

		d.log.Warnw("retrying range", "range", index, "attempt", attempt, "error", err)
		if d.opts.OnRetry != nil {
			d.opts.OnRetry(index, attempt, err)
		}
		if video_archiver.KindOf(err) != video_archiver.KindIntegrity {
			select {
			case <-time.After(d.backoff.Delay(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (d *Downloader) fetchOnce(ctx context.Context, plan *video_archiver.DownloadPlan, h *store.Handle, index int) error {
	rec, err := h.Chunk(index)
	if err != nil {
		return video_archiver.WithKind(video_archiver.KindInternal, err)
	}
	if rec.Status == store.ChunkVerified {
		return nil
	}
	if !plan.SupportsRanges && rec.Downloaded > 0 {
		// No partial-content addressing: resumability degrades to restarting the
		// whole file.
		if err := h.ResetChunk(index); err != nil {
			return video_archiver.WithKind(video_archiver.KindInternal, err)
		}
		rec, _ = h.Chunk(index)
	}
	resume := rec.ResumeRange()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, plan.URL, nil)
	if err != nil {
		return video_archiver.WithKind(video_archiver.KindPermanentSource, err)
	}
	wantPartial := plan.SupportsRanges && !(resume.Start == 0 && resume.End == video_archiver.SizeUnknown)
	if wantPartial {
		req.Header.Set("Range", resume.Header())
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return video_archiver.Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
	case resp.StatusCode == http.StatusOK:
		if rec.Start > 0 {
			// A full-body response for a non-first range means the plan's ranges
			// cannot be assembled from this server at all.
			return video_archiver.WithKind(video_archiver.KindPermanentSource,
				errors.New("server does not honour range requests for a multi-range plan"))
		}
		if resume.Start > 0 {
			// The server ignored the Range header; any partial progress is useless.
			if err := h.ResetChunk(index); err != nil {
				return video_archiver.WithKind(video_archiver.KindInternal, err)
			}
			return video_archiver.Transient(errors.New("server ignored range request"))
		}
	default:
		return classifyStatus(resp.StatusCode)
	}

	w, err := h.ChunkWriter(index)
	if err != nil {
		return video_archiver.WithKind(video_archiver.KindInternal, err)
	}
	var r io.Reader = video_archiver.NewContextReader(ctx, resp.Body)
	if d.opts.RateLimit != nil {
		r = newRateLimitedReader(ctx, r, d.opts.RateLimit)
	}
	if remaining := resume.Len(); remaining != video_archiver.SizeUnknown {
		r = io.LimitReader(r, remaining)
	}
	if _, err := io.Copy(w, r); err != nil {
		// Mid-transfer disconnect: written bytes are preserved, the next attempt
		// resumes from the last written offset.
		return video_archiver.Transient(fmt.Errorf("transfer interrupted: %w", err))
	}
	return h.VerifyChunk(index, plan.RangeChecksum(index))
}

func classifyStatus(code int) error {
	err := fmt.Errorf("unexpected status: %s", http.StatusText(code))
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return video_archiver.WithKind(video_archiver.KindPermanentSource,
			fmt.Errorf("%v: %w", err, video_archiver.ErrUnresolvableSource))
	default:
		return video_archiver.Transient(err)
	}
}
