package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	video_archiver "github.com/hexi/video-archiver"
	"github.com/hexi/video-archiver/generic"
	"github.com/hexi/video-archiver/internal/sync_"
)

func NewJobID() string {
	return generic.Unwrap(uuid.NewRandom()).String()
}

type JobState string

const (
	JobStateUndefined   JobState = ""
	JobStateQueued      JobState = "queued"
	JobStateResolving   JobState = "resolving"
	JobStateDownloading JobState = "downloading"
	JobStateVerifying   JobState = "verifying"
	JobStateStored      JobState = "stored"
	JobStateFailed      JobState = "failed"
	JobStateCancelled   JobState = "cancelled"
)

var runningStates = generic.NewSet(
	JobStateResolving,
	JobStateDownloading,
	JobStateVerifying,
)

var terminalStates = generic.NewSet(
	JobStateStored,
	JobStateFailed,
	JobStateCancelled,
)

// IsRunning returns true if the state is one where some active pipeline should be
// making progress on the job.
func (s JobState) IsRunning() bool {
	return runningStates.Contains(s)
}

// IsTerminal returns true if no further transition can occur from this state.
func (s JobState) IsTerminal() bool {
	return terminalStates.Contains(s)
}

// A JobRecord is the durable portion of a job's state: what the State Tracker
// appends on every transition, and what replay reconstructs after a restart.
type JobRecord struct {
	ID        string   `json:"id"`
	SourceRef string   `json:"source_ref"`
	OutputKey string   `json:"output_key"`
	State     JobState `json:"state"`
	// Provider and SourceID are filled in by the resolve stage.
	Provider string `json:"provider,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	// Checksum is the optional expected SHA-256 of the complete content.
	Checksum    string                     `json:"checksum,omitempty"`
	Attempts    int                        `json:"attempts"`
	MaxAttempts int                        `json:"max_attempts"`
	LastError   string                     `json:"last_error,omitempty"`
	Fingerprint video_archiver.Fingerprint `json:"fingerprint,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

type jobEphemeralFields struct {
	DownloadedBytes int64 `json:"downloaded_bytes"`
	ExpectedBytes   int64 `json:"expected_bytes"`
}

// A JobSnapshot is a point-in-time copy of everything known about a job.
type JobSnapshot struct {
	JobRecord
	jobEphemeralFields
}

type jobUpdate struct {
	f   func(*JobSnapshot)
	ack chan struct{}
}

// A Job is the live handle for one archive request: a small actor goroutine owning
// the snapshot, plus (while non-terminal) a pipeline goroutine doing the work.
type Job struct {
	scheduler *Scheduler
	ctx       context.Context
	ctxCancel context.CancelFunc

	id string

	done          chan struct{}
	pipelineDone  chan struct{}
	stateCommand  chan chan JobSnapshot
	updateCommand chan jobUpdate
	cancelCommand chan struct{}

	cancelled      sync_.Event
	pipelineCtx    context.Context
	pipelineCancel context.CancelFunc

	// snapshot is owned by the run goroutine; everyone else goes through commands.
	snapshot JobSnapshot
}

func newJob(s *Scheduler, snap JobSnapshot) *Job {
	ctx, cancel := context.WithCancel(s.ctx)
	j := &Job{
		scheduler: s,
		ctx:       ctx,
		ctxCancel: cancel,

		id: snap.ID,

		done:          make(chan struct{}),
		pipelineDone:  make(chan struct{}),
		stateCommand:  make(chan chan JobSnapshot),
		updateCommand: make(chan jobUpdate),
		cancelCommand: make(chan struct{}),

		snapshot: snap,
	}
	j.pipelineCtx, j.pipelineCancel = context.WithCancel(ctx)
	if snap.State.IsTerminal() {
		close(j.pipelineDone)
	} else {
		go j.pipeline()
	}
	go j.run()
	return j
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) String() string {
	return fmt.Sprintf("Job{ID:%q, SourceRef:%q, State:%q}", j.id, j.snapshot.SourceRef, j.snapshot.State)
}

// State returns a point-in-time snapshot of the job.
func (j *Job) State() JobSnapshot {
	ch := make(chan JobSnapshot, 1)
	select {
	case j.stateCommand <- ch:
		return <-ch
	case <-j.done:
		// Actor has shut down; the last committed snapshot is stable now.
		return j.snapshot
	}
}

// Cancel requests cancellation: in-flight range fetches stop at the next chunk
// checkpoint, verified chunks are kept, and the job transitions to Cancelled once
// its I/O has actually stopped.
func (j *Job) Cancel() {
	select {
	case j.cancelCommand <- struct{}{}:
	case <-j.done:
	}
}

// Done is closed once the job's actor and pipeline have both finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Close tears the job down without recording a cancellation, e.g. at scheduler
// shutdown, so a restart resumes it from its last durable state.
func (j *Job) Close() {
	j.ctxCancel()
	<-j.done
}

// update applies f to the snapshot inside the actor goroutine and waits for it to
// take effect (including the durable state-log append for stored-field changes).
func (j *Job) update(f func(*JobSnapshot)) {
	u := jobUpdate{f: f, ack: make(chan struct{})}
	select {
	case j.updateCommand <- u:
		<-u.ack
	case <-j.done:
	}
}

// transition is update for stored fields, stamping UpdatedAt.
func (j *Job) transition(f func(*JobRecord)) {
	j.update(func(snap *JobSnapshot) {
		f(&snap.JobRecord)
	})
}

func (j *Job) log() *zap.SugaredLogger {
	return j.scheduler.log.With("job_id", j.id)
}

func (j *Job) run() {
	for {
		select {
		case ch := <-j.stateCommand:
			ch <- j.snapshot
		case u := <-j.updateCommand:
			j.apply(u)
		case <-j.cancelCommand:
			if j.snapshot.State.IsTerminal() {
				continue
			}
			j.cancelled.Set()
			j.pipelineCancel()
		case <-j.pipelineDone:
			// The pipeline has already committed its final transition; the snapshot
			// is stable from here and readable without the actor.
			close(j.done)
			return
		case <-j.ctx.Done():
			j.pipelineCancel()
			j.shutdown()
			return
		}
	}
}

// shutdown keeps serving commands until the pipeline goroutine has exited, so its
// final transition is never lost, then closes out the actor.
func (j *Job) shutdown() {
	for {
		select {
		case ch := <-j.stateCommand:
			ch <- j.snapshot
		case u := <-j.updateCommand:
			j.apply(u)
		case <-j.pipelineDone:
			close(j.done)
			return
		}
	}
}

func (j *Job) apply(u jobUpdate) {
	defer close(u.ack)
	old := j.snapshot
	next := j.snapshot
	u.f(&next)
	if next == old {
		return
	}
	if next.JobRecord != old.JobRecord {
		next.UpdatedAt = time.Now().UTC()
		// Durability guarantees cannot be upheld if the transition log is broken,
		// so a failed append is fatal.
		generic.Unwrap_(j.scheduler.config.StateLog.Append(next.JobRecord))
	}
	j.snapshot = next
	j.scheduler.events.Send(JobUpdated{jobEvent{j}, old, next})
}
