package scheduler

import (
	video_archiver "github.com/hexi/video-archiver"
	"github.com/hexi/video-archiver/generic"
	"github.com/hexi/video-archiver/internal/sync_"
)

// StateLog records every job transition durably before it is considered effective,
// so a restart resumes from the last recorded state rather than re-queueing finished
// work or losing partial progress.
type StateLog interface {
	// Append durably records one transition. Failure is unrecoverable for the
	// process (the caller panics), since durability can no longer be guaranteed.
	Append(record JobRecord) error
	// Replay returns the latest recorded state of every known job.
	Replay() (map[string]JobRecord, error)
}

// DedupIndex maps content fingerprints to existing archive entries, preventing the
// same bytes from being stored twice.
type DedupIndex interface {
	Lookup(fingerprint video_archiver.Fingerprint) (generic.Option[video_archiver.ArchiveEntry], error)
	// Insert publishes an entry under a fingerprint, failing with ErrAlreadyExists
	// if the fingerprint is already bound (compare-and-set).
	Insert(fingerprint video_archiver.Fingerprint, entry video_archiver.ArchiveEntry) error
}

// MemoryStateLog is a non-durable StateLog for tests and one-shot runs.
type MemoryStateLog struct {
	records *sync_.Mutexed[map[string]JobRecord]
}

func NewMemoryStateLog() *MemoryStateLog {
	return &MemoryStateLog{records: sync_.NewMutexed(make(map[string]JobRecord))}
}

func (l *MemoryStateLog) Append(record JobRecord) error {
	return l.records.Locked(func(records map[string]JobRecord) error {
		records[record.ID] = record
		return nil
	})
}

func (l *MemoryStateLog) Replay() (map[string]JobRecord, error) {
	out := make(map[string]JobRecord)
	err := l.records.Locked(func(records map[string]JobRecord) error {
		for id, record := range records {
			out[id] = record
		}
		return nil
	})
	return out, err
}

// MemoryDedupIndex is a non-durable DedupIndex for tests and one-shot runs.
type MemoryDedupIndex struct {
	entries *sync_.Mutexed[map[video_archiver.Fingerprint]video_archiver.ArchiveEntry]
}

func NewMemoryDedupIndex() *MemoryDedupIndex {
	return &MemoryDedupIndex{entries: sync_.NewMutexed(make(map[video_archiver.Fingerprint]video_archiver.ArchiveEntry))}
}

func (i *MemoryDedupIndex) Lookup(fingerprint video_archiver.Fingerprint) (generic.Option[video_archiver.ArchiveEntry], error) {
	result := generic.None[video_archiver.ArchiveEntry]()
	err := i.entries.Locked(func(entries map[video_archiver.Fingerprint]video_archiver.ArchiveEntry) error {
		if entry, ok := entries[fingerprint]; ok {
			result = generic.Some(entry)
		}
		return nil
	})
	return result, err
}

func (i *MemoryDedupIndex) Insert(fingerprint video_archiver.Fingerprint, entry video_archiver.ArchiveEntry) error {
	return i.entries.Locked(func(entries map[video_archiver.Fingerprint]video_archiver.ArchiveEntry) error {
		if _, ok := entries[fingerprint]; ok {
			return video_archiver.ErrAlreadyExists
		}
		entries[fingerprint] = entry
		return nil
	})
}
