// Package store implements the durable, resumable on-disk layout for partially and
// fully downloaded items: one manifest plus one data file per job under
// <root>/jobs/<id>/, finalized content under <root>/archive/<key>.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	video_archiver "github.com/hexi/video-archiver"
)

const (
	manifestFilename = "manifest.json"
	dataFilename     = "data"
)

var (
	ErrHandleClosed = errors.New("store handle closed")
	ErrUnknownChunk = errors.New("unknown chunk index")
)

type Store struct {
	root string
	log  *zap.SugaredLogger
}

// New creates (if necessary) and opens the archive root directory.
func New(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "jobs"), filepath.Join(root, "archive")} {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	return &Store{
		root: root,
		log:  zap.S().Named("store"),
	}, nil
}

func (s *Store) jobDir(jobID string) string {
	return filepath.Join(s.root, "jobs", jobID)
}

// ArchivePath returns the final location for an output key.
func (s *Store) ArchivePath(key string) string {
	return filepath.Join(s.root, "archive", filepath.FromSlash(key))
}

// OpenArchive opens a finalized item for reading.
func (s *Store) OpenArchive(key string) (*os.File, error) {
	return os.Open(s.ArchivePath(key))
}

// RemoveArchive deletes a finalized item.
func (s *Store) RemoveArchive(key string) error {
	return os.Remove(s.ArchivePath(key))
}

// ListArchive returns the output keys of all finalized items.
func (s *Store) ListArchive() ([]string, error) {
	base := filepath.Join(s.root, "archive")
	var keys []string
	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Discard removes any partial state for a job.
func (s *Store) Discard(jobID string) error {
	return os.RemoveAll(s.jobDir(jobID))
}

// ImportArchive stores externally supplied bytes directly under an output key,
// bypassing the download pipeline, and returns the resulting entry.
func (s *Store) ImportArchive(key string, r io.Reader) (video_archiver.ArchiveEntry, error) {
	entry := video_archiver.ArchiveEntry{}
	tmp, err := os.CreateTemp(filepath.Join(s.root, "jobs"), "import-*")
	if err != nil {
		return entry, fmt.Errorf("failed to create import file: %w", err)
	}
	defer os.Remove(tmp.Name())
	fingerprint, size, err := video_archiver.FingerprintReader(io.TeeReader(r, tmp))
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to write import file: %w", closeErr)
	}
	if err != nil {
		return entry, err
	}
	if err := s.publishData(tmp.Name(), fingerprint, key); err != nil {
		return entry, err
	}
	entry = video_archiver.ArchiveEntry{
		Fingerprint: fingerprint,
		Location:    key,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}
	s.log.Infow("imported archive entry", "key", key, "size", size, "fingerprint", fingerprint)
	return entry, nil
}

// publishData moves a fully written file into the archive location for a key. An
// archive key binds to exactly one byte sequence: publishing identical content again
// is a no-op, different content is rejected.
func (s *Store) publishData(src string, fingerprint video_archiver.Fingerprint, key string) error {
	target := s.ArchivePath(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o775); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}
	if prior, err := os.Open(target); err == nil {
		priorFingerprint, _, hashErr := video_archiver.FingerprintReader(prior)
		_ = prior.Close()
		if hashErr != nil {
			return fmt.Errorf("failed to hash existing archive data: %w", hashErr)
		}
		if priorFingerprint != fingerprint {
			return video_archiver.WithKind(video_archiver.KindCapacity,
				fmt.Errorf("archive key %q already holds different content: %w", key, video_archiver.ErrAlreadyExists))
		}
		return os.Remove(src)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to open existing archive data: %w", err)
	}
	if err := os.Rename(src, target); err != nil {
		return fmt.Errorf("failed to publish archive data: %w", err)
	}
	return nil
}

// Open acquires a scoped handle for writing a job's data. An existing manifest for
// the same plan is reused, preserving verified chunks; a manifest for a different
// plan is replaced and the data restarted. The caller must Close the handle on every
// exit path.
func (s *Store) Open(jobID string, plan *video_archiver.DownloadPlan) (*Handle, error) {
	dir := s.jobDir(jobID)
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	manifest, err := s.loadManifest(dir)
	if err != nil {
		return nil, err
	}
	if manifest == nil || !manifest.samePlan(plan) {
		if manifest != nil {
			s.log.Infow("discarding stale manifest", "job_id", jobID)
		}
		manifest = newManifest(jobID, plan)
	}

	data, err := os.OpenFile(filepath.Join(dir, dataFilename), os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	h := &Handle{
		store:    s,
		jobID:    jobID,
		dir:      dir,
		manifest: manifest,
		data:     data,
		log:      s.log.With("job_id", jobID),
	}
	// The manifest is the source of truth: if the data file is shorter than a chunk
	// claims, that chunk's progress cannot be trusted.
	if err := h.reconcile(); err != nil {
		_ = data.Close()
		return nil, err
	}
	if err := h.saveManifestLocked(); err != nil {
		_ = data.Close()
		return nil, err
	}
	return h, nil
}

func (s *Store) loadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	manifest := &Manifest{}
	if err := json.Unmarshal(raw, manifest); err != nil {
		// An unreadable manifest means the partial data cannot be trusted either.
		s.log.Warnw("corrupt manifest, restarting job data", "dir", dir, "error", err)
		return nil, nil
	}
	return manifest, nil
}

// A Handle is a scoped acquisition of a job's on-disk state. Safe for concurrent use
// by multiple range-fetching goroutines of the same job.
type Handle struct {
	mu       sync.Mutex
	store    *Store
	jobID    string
	dir      string
	manifest *Manifest
	data     *os.File
	closed   bool
	log      *zap.SugaredLogger
}

func (h *Handle) reconcile() error {
	info, err := h.data.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat data file: %w", err)
	}
	for i := range h.manifest.Chunks {
		rec := &h.manifest.Chunks[i]
		if rec.Start+rec.Downloaded > info.Size() {
			rec.Downloaded = 0
			rec.Status = ChunkUnverified
			rec.Sum = ""
		}
	}
	return nil
}

// Plan returns the plan this handle was opened with.
func (h *Handle) Plan() video_archiver.DownloadPlan {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manifest.Plan
}

// Chunk returns a copy of the record for the given range index.
func (h *Handle) Chunk(index int) (ChunkRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.manifest.Chunks) {
		return ChunkRecord{}, ErrUnknownChunk
	}
	return h.manifest.Chunks[index], nil
}

// Missing returns the records that still need downloading.
func (h *Handle) Missing() []ChunkRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manifest.Missing()
}

// Complete returns true if every planned range is verified.
func (h *Handle) Complete() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manifest.Complete()
}

// Progress returns verified-plus-written bytes and the expected total (SizeUnknown
// if the plan has no declared size).
func (h *Handle) Progress() (downloaded int64, expected int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.manifest.Chunks {
		rec := &h.manifest.Chunks[i]
		if rec.Status == ChunkVerified {
			downloaded += rec.Len()
		} else {
			downloaded += rec.Downloaded
		}
	}
	return downloaded, h.manifest.Plan.Size
}

// ChunkWriter returns a writer that appends to the given range, picking up after any
// bytes written by earlier attempts. Only one writer per chunk may be active at a
// time; distinct chunks may be written concurrently.
func (h *Handle) ChunkWriter(index int) (io.Writer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	if index < 0 || index >= len(h.manifest.Chunks) {
		return nil, ErrUnknownChunk
	}
	return &chunkWriter{h: h, index: index}, nil
}

type chunkWriter struct {
	h     *Handle
	index int
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	w.h.mu.Lock()
	if w.h.closed {
		w.h.mu.Unlock()
		return 0, ErrHandleClosed
	}
	rec := &w.h.manifest.Chunks[w.index]
	off := rec.Offset + rec.Downloaded
	data := w.h.data
	w.h.mu.Unlock()

	n, err := data.WriteAt(p, off)

	w.h.mu.Lock()
	w.h.manifest.Chunks[w.index].Downloaded += int64(n)
	w.h.mu.Unlock()
	if err != nil {
		return n, fmt.Errorf("failed to write chunk data: %w", err)
	}
	return n, nil
}

// ResetChunk discards any unverified progress for a range, forcing the next attempt
// to fetch it from the start.
func (h *Handle) ResetChunk(index int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if index < 0 || index >= len(h.manifest.Chunks) {
		return ErrUnknownChunk
	}
	rec := &h.manifest.Chunks[index]
	rec.Downloaded = 0
	rec.Status = ChunkUnverified
	rec.Sum = ""
	return h.saveManifestLocked()
}

// VerifyChunk checks a fully-written range against the expected SHA-256 digest (or
// just records the digest when want is empty) and durably marks it Verified. On a
// mismatch the chunk is marked Corrupt, its progress discarded, and an
// ErrCorruptSource-wrapping error returned so the caller retries exactly this range.
func (h *Handle) VerifyChunk(index int, want string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if index < 0 || index >= len(h.manifest.Chunks) {
		return ErrUnknownChunk
	}
	rec := &h.manifest.Chunks[index]
	if rec.Status == ChunkVerified {
		return nil
	}
	if rec.End == video_archiver.SizeUnknown {
		// Open-ended range: the download determined the true length.
		rec.End = rec.Start + rec.Downloaded
		if h.manifest.Plan.Size == video_archiver.SizeUnknown && index == len(h.manifest.Chunks)-1 {
			h.manifest.Plan.Size = rec.End
		}
	} else if rec.Downloaded != rec.Len() {
		return fmt.Errorf("chunk %d has %d of %d bytes: %w", index, rec.Downloaded, rec.Len(), video_archiver.ErrIncomplete)
	}
	if err := h.data.Sync(); err != nil {
		return fmt.Errorf("failed to sync data file: %w", err)
	}

	hash := sha256.New()
	section := io.NewSectionReader(h.data, rec.Offset, rec.End-rec.Start)
	if _, err := io.Copy(hash, section); err != nil {
		return fmt.Errorf("failed to hash chunk %d: %w", index, err)
	}
	sum := hex.EncodeToString(hash.Sum(nil))

	if want != "" && sum != want {
		rec.Status = ChunkCorrupt
		rec.Downloaded = 0
		rec.Sum = ""
		if err := h.saveManifestLocked(); err != nil {
			return err
		}
		return video_archiver.WithKind(video_archiver.KindIntegrity,
			fmt.Errorf("chunk %d checksum mismatch (got %s, want %s): %w", index, sum, want, video_archiver.ErrCorruptSource))
	}
	rec.Status = ChunkVerified
	rec.Sum = sum
	return h.saveManifestLocked()
}

// Finalize checks the completion bitmap, fingerprints the full byte sequence, and
// atomically publishes the data file to its archive location. Fails with
// ErrIncomplete unless every planned range is Verified.
func (h *Handle) Finalize(outputKey string) (video_archiver.ArchiveEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := video_archiver.ArchiveEntry{}
	if h.closed {
		return entry, ErrHandleClosed
	}
	if !h.manifest.Complete() {
		return entry, fmt.Errorf("cannot finalize job %s: %w", h.jobID, video_archiver.ErrIncomplete)
	}
	if err := h.data.Sync(); err != nil {
		return entry, fmt.Errorf("failed to sync data file: %w", err)
	}
	if _, err := h.data.Seek(0, io.SeekStart); err != nil {
		return entry, fmt.Errorf("failed to rewind data file: %w", err)
	}
	fingerprint, size, err := video_archiver.FingerprintReader(h.data)
	if err != nil {
		return entry, err
	}
	if expected := h.manifest.Plan.Checksum; expected != "" && expected != string(fingerprint) {
		return entry, video_archiver.WithKind(video_archiver.KindIntegrity,
			fmt.Errorf("content checksum mismatch (got %s, want %s): %w", fingerprint, expected, video_archiver.ErrCorruptSource))
	}

	if err := h.data.Close(); err != nil {
		return entry, fmt.Errorf("failed to close data file: %w", err)
	}
	if err := h.store.publishData(filepath.Join(h.dir, dataFilename), fingerprint, outputKey); err != nil {
		return entry, err
	}
	h.closed = true
	if err := os.RemoveAll(h.dir); err != nil {
		h.log.Warnw("failed to remove job directory", "error", err)
	}

	entry = video_archiver.ArchiveEntry{
		Fingerprint: fingerprint,
		Location:    outputKey,
		Size:        size,
		CreatedAt:   time.Now().UTC(),
	}
	h.log.Infow("finalized archive entry", "key", outputKey, "size", size, "fingerprint", fingerprint)
	return entry, nil
}

// Close flushes the manifest and releases the data file. Idempotent; called on every
// exit path, including failure, so partial progress survives.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	saveErr := h.saveManifestLocked()
	if err := h.data.Close(); err != nil {
		return err
	}
	return saveErr
}

func (h *Handle) saveManifestLocked() error {
	h.manifest.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(h.manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	// Write-then-rename so a crash never leaves a truncated manifest.
	tmp := filepath.Join(h.dir, manifestFilename+".tmp")
	if err := os.WriteFile(tmp, raw, 0o664); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(h.dir, manifestFilename)); err != nil {
		return fmt.Errorf("failed to replace manifest: %w", err)
	}
	return nil
}
