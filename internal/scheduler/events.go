package scheduler

// An Event is published on every observable change to a job; consumable for
// logging, progress display, or external persistence.
type Event interface {
	// Job this event relates to (nil if not a job-specific event).
	Job() *Job
}

type jobEvent struct {
	job *Job
}

func (e jobEvent) Job() *Job {
	return e.job
}

// JobAdded is published when a job is admitted to the scheduler's table, including
// re-admission during startup replay.
type JobAdded struct {
	jobEvent
}

// JobUpdated carries the before/after snapshots of any state change, including
// progress updates (which change only ephemeral fields).
type JobUpdated struct {
	jobEvent
	OldState JobSnapshot
	NewState JobSnapshot
}

// JobRetrying is published each time a single range fetch failed and is about to be
// re-attempted.
type JobRetrying struct {
	jobEvent
	Range   int
	Attempt int
	Err     error
}
