package video_archiver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// A Fingerprint is a content-derived identity used for deduplication. Content
// fingerprints are the hex-encoded SHA-256 of the complete byte sequence; source
// fingerprints are derived from a provider-scoped identity and act as a cheap
// pre-download approximation of the same content.
type Fingerprint string

func (f Fingerprint) IsZero() bool {
	return f == ""
}

// FingerprintBytes fingerprints an in-memory byte sequence.
func FingerprintBytes(b []byte) Fingerprint {
	sum := sha256.Sum256(b)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// FingerprintReader fingerprints a full byte stream, returning the number of bytes read.
func FingerprintReader(r io.Reader) (Fingerprint, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, fmt.Errorf("failed to fingerprint stream: %w", err)
	}
	return Fingerprint(hex.EncodeToString(h.Sum(nil))), n, nil
}

// SourceFingerprint derives a fingerprint from a provider-scoped source identity,
// e.g. "youtube:dQw4w9WgXcQ". Distinct from content fingerprints by construction.
func SourceFingerprint(sourceID string) Fingerprint {
	return FingerprintBytes([]byte("source\x00" + sourceID))
}

// An ArchiveEntry is the immutable record of one stored piece of content.
type ArchiveEntry struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Location    string      `json:"location"`
	Size        int64       `json:"size"`
	CreatedAt   time.Time   `json:"created_at"`
}
