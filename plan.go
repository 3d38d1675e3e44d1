package video_archiver

import "fmt"

// SizeUnknown marks a plan (or range end) whose length the source did not declare.
const SizeUnknown int64 = -1

// A ByteRange is a half-open span [Start, End) of the target resource; the unit of
// retry and resumability. End == SizeUnknown means "until EOF".
type ByteRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the range length, or SizeUnknown for an open-ended range.
func (r ByteRange) Len() int64 {
	if r.End == SizeUnknown {
		return SizeUnknown
	}
	return r.End - r.Start
}

// Header renders the range as an HTTP Range header value.
func (r ByteRange) Header() string {
	if r.End == SizeUnknown {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1)
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// A DownloadPlan is the resolved recipe for fetching one source: where the bytes live,
// how big they are, and how they are split for parallel retrieval. Produced by a
// Source, immutable once produced.
type DownloadPlan struct {
	// SourceID is the provider-scoped identity of the content, stable across
	// different spellings of the same source reference.
	SourceID string `json:"source_id"`
	// URL is the direct fetch URL for the media bytes.
	URL string `json:"url"`
	// Filename is the suggested output filename, used when a job has no explicit
	// output key.
	Filename string `json:"filename"`
	// Size is the declared total size, or SizeUnknown.
	Size int64 `json:"size"`
	// SupportsRanges reports whether the remote honours partial-content requests.
	// When false the plan is a single full-length range and resumability degrades
	// to restarting the whole file.
	SupportsRanges bool `json:"supports_ranges"`
	// Ranges is the ordered split of the resource into fetch units.
	Ranges []ByteRange `json:"ranges"`
	// Checksum is an optional SHA-256 hex digest of the complete content.
	Checksum string `json:"checksum,omitempty"`
	// RangeChecksums optionally carries one SHA-256 hex digest per range.
	RangeChecksums []string `json:"range_checksums,omitempty"`
}

// SourceFingerprint is the cheap pre-download dedup key for this plan.
func (p *DownloadPlan) SourceFingerprint() Fingerprint {
	return SourceFingerprint(p.SourceID)
}

// RangeChecksum returns the expected digest for range i, or "" if none was supplied.
func (p *DownloadPlan) RangeChecksum(i int) string {
	if i < len(p.RangeChecksums) {
		return p.RangeChecksums[i]
	}
	return ""
}

// SplitRanges splits size bytes into chunkSize-sized ranges. A non-positive or
// unknown size yields a single open-ended range.
func SplitRanges(size int64, chunkSize int64) []ByteRange {
	if size <= 0 {
		return []ByteRange{{Start: 0, End: SizeUnknown}}
	}
	if chunkSize <= 0 {
		return []ByteRange{{Start: 0, End: size}}
	}
	ranges := make([]ByteRange, 0, (size+chunkSize-1)/chunkSize)
	for start := int64(0); start < size; start += chunkSize {
		end := start + chunkSize
		if end > size {
			end = size
		}
		ranges = append(ranges, ByteRange{Start: start, End: end})
	}
	return ranges
}
