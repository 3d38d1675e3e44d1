// Package scheduler turns pending archive requests into a bounded number of
// concurrently executing fetch/download/store pipelines. It owns admission control,
// backpressure, the job table, and is the sole authority for terminal job states.
package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	video_archiver "github.com/hexi/video-archiver"
	"github.com/hexi/video-archiver/internal/pubsub"
	"github.com/hexi/video-archiver/internal/store"
	"github.com/hexi/video-archiver/internal/sync_"
)

type Config struct {
	// Store is where job data and finalized archives live. Required.
	Store *store.Store
	// ProviderRegistry resolves source references into download plans.
	ProviderRegistry *video_archiver.ProviderRegistry
	// StateLog records transitions durably; the default keeps them in memory only.
	StateLog StateLog
	// DedupIndex maps fingerprints to stored entries; default in-memory.
	DedupIndex DedupIndex
	// MaxConcurrentJobs bounds how many admitted jobs run pipelines at once.
	MaxConcurrentJobs int
	// MaxConcurrentRangesPerJob bounds parallel range fetches within one job.
	MaxConcurrentRangesPerJob int
	// RetryBaseDelay is the chunk retry backoff base.
	RetryBaseDelay time.Duration
	// MaxRetryAttempts is the per-range attempt budget.
	MaxRetryAttempts int
	// GlobalRateLimit caps aggregate download throughput in bytes/sec; 0 = unlimited.
	GlobalRateLimit int64
	// HTTPClient used for range fetches; http.DefaultClient if nil.
	HTTPClient *http.Client
	// ProgressUpdateInterval is the minimum interval between progress-only
	// JobUpdated events for one job.
	ProgressUpdateInterval time.Duration
}

var DefaultConfig = Config{
	ProviderRegistry:          &video_archiver.DefaultProviderRegistry,
	MaxConcurrentJobs:         4,
	MaxConcurrentRangesPerJob: 4,
	RetryBaseDelay:            500 * time.Millisecond,
	MaxRetryAttempts:          5,
	ProgressUpdateInterval:    500 * time.Millisecond,
}

// A SubmitRequest is one request to archive a single remote video resource.
type SubmitRequest struct {
	// SourceRef is a URL or platform-specific reference to the video.
	SourceRef string
	// OutputKey is the desired archive location; derived from the resolved plan if
	// empty.
	OutputKey string
	// Checksum optionally declares the expected SHA-256 of the complete content.
	Checksum string
	// MaxAttempts bounds how many times the whole download phase may run; default 1
	// (range-level retries happen regardless).
	MaxAttempts int
}

type jobsByID = map[string]*Job

type Scheduler struct {
	config    Config
	ctx       context.Context
	ctxCancel context.CancelFunc
	log       *zap.SugaredLogger

	jobs   *sync_.RWMutexed[jobsByID]
	slots  chan struct{}
	events pubsub.Publisher[Event]

	limiter *rate.Limiter
	// claims tracks which active job is currently responsible for producing each
	// fingerprint, so duplicate-content jobs wait instead of downloading again.
	claims *sync_.Mutexed[map[video_archiver.Fingerprint]*Job]
}

func New(config Config, ctx context.Context) (*Scheduler, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("scheduler requires a store")
	}
	if config.ProviderRegistry == nil {
		config.ProviderRegistry = &video_archiver.DefaultProviderRegistry
	}
	if config.StateLog == nil {
		config.StateLog = NewMemoryStateLog()
	}
	if config.DedupIndex == nil {
		config.DedupIndex = NewMemoryDedupIndex()
	}
	if config.MaxConcurrentJobs <= 0 {
		config.MaxConcurrentJobs = DefaultConfig.MaxConcurrentJobs
	}
	if config.MaxConcurrentRangesPerJob <= 0 {
		config.MaxConcurrentRangesPerJob = DefaultConfig.MaxConcurrentRangesPerJob
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultConfig.RetryBaseDelay
	}
	if config.MaxRetryAttempts <= 0 {
		config.MaxRetryAttempts = DefaultConfig.MaxRetryAttempts
	}
	if config.ProgressUpdateInterval <= 0 {
		config.ProgressUpdateInterval = DefaultConfig.ProgressUpdateInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		config:    config,
		ctx:       ctx,
		ctxCancel: cancel,
		log:       zap.S().Named("scheduler"),

		jobs:   sync_.NewRWMutexed(make(jobsByID)),
		slots:  make(chan struct{}, config.MaxConcurrentJobs),
		events: pubsub.NewPublisher[Event](),
		claims: sync_.NewMutexed(make(map[video_archiver.Fingerprint]*Job)),
	}
	if config.GlobalRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(config.GlobalRateLimit), int(config.GlobalRateLimit))
	}
	if err := s.replay(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

// replay re-admits every non-terminal job found in the state log, as if freshly
// submitted; already-verified chunks are reused via the store's manifests. Terminal
// jobs are loaded inert so their status stays queryable.
func (s *Scheduler) replay() error {
	records, err := s.config.StateLog.Replay()
	if err != nil {
		return fmt.Errorf("failed to replay state log: %w", err)
	}
	for _, record := range records {
		snap := JobSnapshot{JobRecord: record}
		if !record.State.IsTerminal() {
			snap.State = JobStateQueued
			snap.LastError = ""
			snap.UpdatedAt = time.Now().UTC()
			if err := s.config.StateLog.Append(snap.JobRecord); err != nil {
				return fmt.Errorf("failed to record re-admission: %w", err)
			}
			s.log.Infow("re-admitted job from state log", "job_id", record.ID, "source_ref", record.SourceRef)
		}
		if _, err := s.insertJob(snap); err != nil {
			return err
		}
	}
	return nil
}

// Submit admits a new archive request, failing with ErrDuplicateJob when an
// identical source reference is already active or stored.
func (s *Scheduler) Submit(req SubmitRequest) (*Job, error) {
	if req.SourceRef == "" {
		return nil, fmt.Errorf("empty source reference")
	}
	snap := JobSnapshot{}
	snap.ID = NewJobID()
	snap.SourceRef = req.SourceRef
	snap.OutputKey = req.OutputKey
	snap.Checksum = req.Checksum
	snap.MaxAttempts = req.MaxAttempts
	if snap.MaxAttempts <= 0 {
		snap.MaxAttempts = 1
	}
	snap.State = JobStateQueued
	snap.CreatedAt = time.Now().UTC()
	snap.UpdatedAt = snap.CreatedAt
	// The duplicate check, durable append and insert share one critical section so
	// two concurrent submissions of the same source cannot both be admitted.
	var j *Job
	err := s.jobs.Locked(func(jobs jobsByID) error {
		if err := checkDuplicateLocked(jobs, req.SourceRef); err != nil {
			return err
		}
		if err := s.config.StateLog.Append(snap.JobRecord); err != nil {
			return video_archiver.WithKind(video_archiver.KindInternal, err)
		}
		j = newJob(s, snap)
		jobs[j.id] = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debugf("job added: %v", j)
	s.events.Send(JobAdded{jobEvent{j}})
	return j, nil
}

func checkDuplicateLocked(jobs jobsByID, sourceRef string) error {
	for _, other := range jobs {
		snap := other.State()
		if snap.SourceRef != sourceRef {
			continue
		}
		if !snap.State.IsTerminal() || snap.State == JobStateStored {
			return fmt.Errorf("%w: %s", video_archiver.ErrDuplicateJob, sourceRef)
		}
	}
	return nil
}

func (s *Scheduler) insertJob(snap JobSnapshot) (*Job, error) {
	j := newJob(s, snap)
	err := s.jobs.Locked(func(jobs jobsByID) error {
		if _, ok := jobs[j.id]; ok {
			return fmt.Errorf("duplicate job ID %q", j.id)
		}
		jobs[j.id] = j
		return nil
	})
	if err != nil {
		j.Close()
		return nil, err
	}
	s.log.Debugf("job added: %v", j)
	s.events.Send(JobAdded{jobEvent{j}})
	return j, nil
}

// Cancel requests cancellation of a job. Returns false (and no error) if the job is
// already terminal, ErrJobNotFound if the id is unknown.
func (s *Scheduler) Cancel(id string) (bool, error) {
	j := s.GetJob(id)
	if j == nil {
		return false, video_archiver.ErrJobNotFound
	}
	if j.State().State.IsTerminal() {
		return false, nil
	}
	j.Cancel()
	return true, nil
}

// Status returns the current lifecycle state of a job.
func (s *Scheduler) Status(id string) (JobState, error) {
	j := s.GetJob(id)
	if j == nil {
		return JobStateUndefined, video_archiver.ErrJobNotFound
	}
	return j.State().State, nil
}

func (s *Scheduler) GetJob(id string) (j *Job) {
	_ = s.jobs.RLocked(func(jobs jobsByID) error {
		j = jobs[id]
		return nil
	})
	return j
}

func (s *Scheduler) ListJobs() []*Job {
	var list []*Job
	_ = s.jobs.RLocked(func(jobs jobsByID) error {
		list = make([]*Job, 0, len(jobs))
		for _, j := range jobs {
			list = append(list, j)
		}
		return nil
	})
	return list
}

// Subscribe returns a receiver of all scheduler events.
func (s *Scheduler) Subscribe() (pubsub.ReceiverCloser[Event], error) {
	return s.events.Subscribe()
}

// SubscribeJob returns a receiver of events for a single job.
func (s *Scheduler) SubscribeJob(id string) (pubsub.ReceiverCloser[Event], error) {
	ch := pubsub.NewChannel[Event](pubsub.DefaultSubscriberBufSize)
	sender := pubsub.NewFilteredSender[Event](ch, func(e Event) bool {
		return e.Job() != nil && e.Job().ID() == id
	})
	if err := s.events.AddSubscriber(sender); err != nil {
		return nil, err
	}
	return ch, nil
}

// Close stops all jobs without cancelling them (their durable state is preserved for
// the next replay) and shuts down the event stream.
func (s *Scheduler) Close() {
	s.ctxCancel()
	jobs := s.jobs.Swap(nil)
	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for _, j := range jobs {
		go func(j *Job) {
			defer wg.Done()
			j.Close()
		}(j)
	}
	wg.Wait()
	s.events.Close()
}

// claimFingerprint registers j as the producer for a fingerprint. Returns nil if the
// claim succeeded, otherwise the job currently holding it.
func (s *Scheduler) claimFingerprint(fp video_archiver.Fingerprint, j *Job) (owner *Job) {
	_ = s.claims.Locked(func(claims map[video_archiver.Fingerprint]*Job) error {
		if current, ok := claims[fp]; ok && current != j {
			owner = current
			return nil
		}
		claims[fp] = j
		return nil
	})
	return owner
}

func (s *Scheduler) releaseFingerprint(fp video_archiver.Fingerprint, j *Job) {
	_ = s.claims.Locked(func(claims map[video_archiver.Fingerprint]*Job) error {
		if claims[fp] == j {
			delete(claims, fp)
		}
		return nil
	})
}
