package store

import (
	"time"

	video_archiver "github.com/hexi/video-archiver"
)

type ChunkStatus string

const (
	ChunkUnverified ChunkStatus = "unverified"
	ChunkVerified   ChunkStatus = "verified"
	ChunkCorrupt    ChunkStatus = "corrupt"
)

// A ChunkRecord tracks one planned byte range of a job: where it lands in the data
// file, how much of it has been written, and whether the written bytes have been
// verified. The records of a manifest together form the sparse completion bitmap
// that makes a partially-downloaded job resumable.
type ChunkRecord struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"` // video_archiver.SizeUnknown until known
	// Offset is where the range begins in the data file; equal to Start for the
	// single-data-file layout, recorded explicitly so the manifest stands alone.
	Offset int64 `json:"offset"`
	// Downloaded is how many contiguous bytes from Start have been written so far.
	Downloaded int64       `json:"downloaded"`
	Status     ChunkStatus `json:"status"`
	// Sum is the SHA-256 hex digest of the verified range.
	Sum string `json:"sum,omitempty"`
}

// Len returns the planned range length, or SizeUnknown for an open-ended range.
func (r *ChunkRecord) Len() int64 {
	if r.End == video_archiver.SizeUnknown {
		return video_archiver.SizeUnknown
	}
	return r.End - r.Start
}

// Remaining returns how many bytes still need downloading, or SizeUnknown.
func (r *ChunkRecord) Remaining() int64 {
	if n := r.Len(); n == video_archiver.SizeUnknown {
		return video_archiver.SizeUnknown
	} else {
		return n - r.Downloaded
	}
}

// Range returns the planned byte range of this record.
func (r *ChunkRecord) Range() video_archiver.ByteRange {
	return video_archiver.ByteRange{Start: r.Start, End: r.End}
}

// ResumeRange returns the byte range still to be fetched, accounting for bytes
// already written.
func (r *ChunkRecord) ResumeRange() video_archiver.ByteRange {
	return video_archiver.ByteRange{Start: r.Start + r.Downloaded, End: r.End}
}

// A Manifest is the durable per-job record of the download plan and its completion
// state. It is read on open and trusted over the partial data file, so a crash
// mid-download never causes verified bytes to be re-fetched or unverified bytes to
// be trusted.
type Manifest struct {
	JobID     string                      `json:"job_id"`
	Plan      video_archiver.DownloadPlan `json:"plan"`
	Chunks    []ChunkRecord               `json:"chunks"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

func newManifest(jobID string, plan *video_archiver.DownloadPlan) *Manifest {
	m := &Manifest{
		JobID:  jobID,
		Plan:   *plan,
		Chunks: make([]ChunkRecord, len(plan.Ranges)),
	}
	for i, r := range plan.Ranges {
		m.Chunks[i] = ChunkRecord{
			Index:  i,
			Start:  r.Start,
			End:    r.End,
			Offset: r.Start,
			Status: ChunkUnverified,
		}
	}
	return m
}

// Complete returns true if every planned range is verified.
func (m *Manifest) Complete() bool {
	for i := range m.Chunks {
		if m.Chunks[i].Status != ChunkVerified {
			return false
		}
	}
	return true
}

// Missing returns copies of the records that still need downloading, in plan order.
func (m *Manifest) Missing() []ChunkRecord {
	var missing []ChunkRecord
	for i := range m.Chunks {
		if m.Chunks[i].Status != ChunkVerified {
			missing = append(missing, m.Chunks[i])
		}
	}
	return missing
}

// VerifiedBytes returns how many bytes are covered by verified ranges.
func (m *Manifest) VerifiedBytes() int64 {
	var n int64
	for i := range m.Chunks {
		if m.Chunks[i].Status == ChunkVerified {
			n += m.Chunks[i].Len()
		}
	}
	return n
}

// samePlan reports whether an existing manifest can be reused for the given plan.
// Size and range layout must agree, otherwise partial data cannot be trusted.
func (m *Manifest) samePlan(plan *video_archiver.DownloadPlan) bool {
	if m.Plan.SourceID != plan.SourceID || m.Plan.Size != plan.Size {
		return false
	}
	if len(m.Plan.Ranges) != len(plan.Ranges) {
		return false
	}
	for i, r := range plan.Ranges {
		if m.Plan.Ranges[i] != r {
			return false
		}
	}
	return true
}
