package store

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	video_archiver "github.com/hexi/video-archiver"
)

func testPlan(content []byte, chunkSize int64) *video_archiver.DownloadPlan {
	return &video_archiver.DownloadPlan{
		SourceID:       "test:item",
		URL:            "https://example.com/item.mp4",
		Filename:       "item.mp4",
		Size:           int64(len(content)),
		SupportsRanges: true,
		Ranges:         video_archiver.SplitRanges(int64(len(content)), chunkSize),
	}
}

func writeChunk(t *testing.T, h *Handle, index int, data []byte) {
	t.Helper()
	w, err := h.ChunkWriter(index)
	require_.NoError(t, err)
	_, err = w.Write(data)
	require_.NoError(t, err)
}

func TestStoreFinalize(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	content := []byte("hello, this is the full content of the video")
	plan := testPlan(content, 16)
	h, err := s.Open("job1", plan)
	assert.NoError(err)

	assert.False(h.Complete())
	for i, r := range plan.Ranges {
		writeChunk(t, h, i, content[r.Start:r.End])
		assert.NoError(h.VerifyChunk(i, ""))
	}
	assert.True(h.Complete())

	entry, err := h.Finalize("videos/item.mp4")
	assert.NoError(err)
	assert.Equal("videos/item.mp4", entry.Location)
	assert.Equal(int64(len(content)), entry.Size)
	assert.Equal(video_archiver.FingerprintBytes(content), entry.Fingerprint)

	// The archive file holds exactly the downloaded content
	f, err := s.OpenArchive("videos/item.mp4")
	assert.NoError(err)
	stored, err := io.ReadAll(f)
	assert.NoError(err)
	f.Close()
	assert.Equal(content, stored)

	keys, err := s.ListArchive()
	assert.NoError(err)
	assert.Equal([]string{"videos/item.mp4"}, keys)

	// The job directory is gone once finalized
	_, err = os.Stat(s.jobDir("job1"))
	assert.True(errors.Is(err, os.ErrNotExist))
}

func TestFinalizeIncomplete(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	content := []byte("0123456789abcdef0123456789abcdef")
	plan := testPlan(content, 16)
	h, err := s.Open("job1", plan)
	assert.NoError(err)
	defer h.Close()

	writeChunk(t, h, 0, content[:16])
	assert.NoError(h.VerifyChunk(0, ""))

	_, err = h.Finalize("out")
	assert.True(errors.Is(err, video_archiver.ErrIncomplete))
}

func TestResumeAfterClose(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	content := []byte("0123456789abcdef0123456789abcdef")
	plan := testPlan(content, 16)

	// First session: verify chunk 0, write half of chunk 1, then stop
	h, err := s.Open("job1", plan)
	assert.NoError(err)
	writeChunk(t, h, 0, content[:16])
	assert.NoError(h.VerifyChunk(0, ""))
	writeChunk(t, h, 1, content[16:24])
	assert.NoError(h.Close())

	// A closed handle refuses further writes
	_, err = h.ChunkWriter(1)
	assert.Equal(ErrHandleClosed, err)

	// Second session: only the unfinished part of chunk 1 is missing
	h, err = s.Open("job1", plan)
	assert.NoError(err)
	missing := h.Missing()
	assert.Len(missing, 1)
	assert.Equal(1, missing[0].Index)
	assert.Equal(int64(8), missing[0].Downloaded)
	assert.Equal(video_archiver.ByteRange{Start: 24, End: 32}, missing[0].ResumeRange())

	writeChunk(t, h, 1, content[24:])
	assert.NoError(h.VerifyChunk(1, ""))

	entry, err := h.Finalize("out")
	assert.NoError(err)
	assert.Equal(video_archiver.FingerprintBytes(content), entry.Fingerprint)
}

func TestReopenDifferentPlanRestarts(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	content := []byte("0123456789abcdef0123456789abcdef")
	h, err := s.Open("job1", testPlan(content, 16))
	assert.NoError(err)
	writeChunk(t, h, 0, content[:16])
	assert.NoError(h.VerifyChunk(0, ""))
	assert.NoError(h.Close())

	// Same source, different range layout: nothing can be trusted
	h, err = s.Open("job1", testPlan(content, 8))
	assert.NoError(err)
	defer h.Close()
	assert.Len(h.Missing(), 4)
	for _, rec := range h.Missing() {
		assert.Equal(int64(0), rec.Downloaded)
	}
}

func TestReconcileTruncatedData(t *testing.T) {
	assert := assert_.New(t)
	root := t.TempDir()
	s, err := New(root)
	assert.NoError(err)

	content := []byte("0123456789abcdef0123456789abcdef")
	plan := testPlan(content, 16)
	h, err := s.Open("job1", plan)
	assert.NoError(err)
	writeChunk(t, h, 1, content[16:])
	assert.NoError(h.VerifyChunk(1, ""))
	assert.NoError(h.Close())

	// Truncate the data file behind the manifest's back
	assert.NoError(os.Truncate(filepath.Join(s.jobDir("job1"), dataFilename), 20))

	// Chunk 1 claimed bytes beyond the truncation point, so its progress is discarded
	h, err = s.Open("job1", plan)
	assert.NoError(err)
	defer h.Close()
	rec, err := h.Chunk(1)
	assert.NoError(err)
	assert.Equal(ChunkUnverified, rec.Status)
	assert.Equal(int64(0), rec.Downloaded)
}

func TestVerifyChunkMismatch(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	content := []byte("0123456789abcdef")
	plan := testPlan(content, 0)
	plan.RangeChecksums = []string{string(video_archiver.FingerprintBytes([]byte("different content")))}
	h, err := s.Open("job1", plan)
	assert.NoError(err)
	defer h.Close()

	writeChunk(t, h, 0, content)
	err = h.VerifyChunk(0, plan.RangeChecksum(0))
	assert.True(errors.Is(err, video_archiver.ErrCorruptSource))
	assert.Equal(video_archiver.KindIntegrity, video_archiver.KindOf(err))

	// Only this chunk's progress is discarded, ready for a clean re-fetch
	rec, err := h.Chunk(0)
	assert.NoError(err)
	assert.Equal(ChunkCorrupt, rec.Status)
	assert.Equal(int64(0), rec.Downloaded)

	// A correct re-fetch then verifies fine
	writeChunk(t, h, 0, content)
	assert.NoError(h.VerifyChunk(0, string(video_archiver.FingerprintBytes(content))))
}

func TestUnknownSize(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	content := []byte("some stream of unknown length")
	plan := &video_archiver.DownloadPlan{
		SourceID: "test:stream",
		URL:      "https://example.com/stream",
		Size:     video_archiver.SizeUnknown,
		Ranges:   video_archiver.SplitRanges(video_archiver.SizeUnknown, 0),
	}
	h, err := s.Open("job1", plan)
	assert.NoError(err)

	writeChunk(t, h, 0, content)
	assert.NoError(h.VerifyChunk(0, ""))

	// Verification pinned down the true size
	downloaded, expected := h.Progress()
	assert.Equal(int64(len(content)), downloaded)
	assert.Equal(int64(len(content)), expected)

	entry, err := h.Finalize("stream-out")
	assert.NoError(err)
	assert.Equal(int64(len(content)), entry.Size)
}

func TestFinalizeChecksumMismatch(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	content := []byte("0123456789abcdef")
	plan := testPlan(content, 0)
	plan.Checksum = string(video_archiver.FingerprintBytes([]byte("expected something else")))
	h, err := s.Open("job1", plan)
	assert.NoError(err)
	defer h.Close()

	writeChunk(t, h, 0, content)
	assert.NoError(h.VerifyChunk(0, ""))

	_, err = h.Finalize("out")
	assert.True(errors.Is(err, video_archiver.ErrCorruptSource))
}

func TestDiscard(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	content := []byte("0123456789abcdef")
	h, err := s.Open("job1", testPlan(content, 0))
	assert.NoError(err)
	writeChunk(t, h, 0, content[:8])
	assert.NoError(h.Close())

	assert.NoError(s.Discard("job1"))
	_, err = os.Stat(s.jobDir("job1"))
	assert.True(errors.Is(err, os.ErrNotExist))
}

func TestFinalizeConflictingKey(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	first := []byte("first content at this key")
	h, err := s.Open("job1", testPlan(first, 0))
	assert.NoError(err)
	writeChunk(t, h, 0, first)
	assert.NoError(h.VerifyChunk(0, ""))
	_, err = h.Finalize("item.mp4")
	assert.NoError(err)

	// A different byte sequence cannot be published over the same key
	second := []byte("second, different content")
	h2, err := s.Open("job2", testPlan(second, 0))
	assert.NoError(err)
	writeChunk(t, h2, 0, second)
	assert.NoError(h2.VerifyChunk(0, ""))
	_, err = h2.Finalize("item.mp4")
	assert.True(errors.Is(err, video_archiver.ErrAlreadyExists))
	assert.Equal(video_archiver.KindCapacity, video_archiver.KindOf(err))

	// The original bytes are untouched
	f, err := s.OpenArchive("item.mp4")
	assert.NoError(err)
	stored, err := io.ReadAll(f)
	assert.NoError(err)
	f.Close()
	assert.Equal(first, stored)
}

func TestFinalizeSameContentKey(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	content := []byte("identical content twice over")
	h, err := s.Open("job1", testPlan(content, 0))
	assert.NoError(err)
	writeChunk(t, h, 0, content)
	assert.NoError(h.VerifyChunk(0, ""))
	entry1, err := h.Finalize("item.mp4")
	assert.NoError(err)

	// Re-publishing identical bytes under the same key is a no-op
	h2, err := s.Open("job2", testPlan(content, 0))
	assert.NoError(err)
	writeChunk(t, h2, 0, content)
	assert.NoError(h2.VerifyChunk(0, ""))
	entry2, err := h2.Finalize("item.mp4")
	assert.NoError(err)
	assert.Equal(entry1.Fingerprint, entry2.Fingerprint)
	assert.Equal(entry1.Location, entry2.Location)

	_, err = os.Stat(s.jobDir("job2"))
	assert.True(errors.Is(err, os.ErrNotExist))
}

func TestImportArchive(t *testing.T) {
	assert := assert_.New(t)
	s, err := New(t.TempDir())
	assert.NoError(err)

	content := []byte("uploaded bytes")
	entry, err := s.ImportArchive("upload.mp4", bytes.NewReader(content))
	assert.NoError(err)
	assert.Equal("upload.mp4", entry.Location)
	assert.Equal(int64(len(content)), entry.Size)
	assert.Equal(video_archiver.FingerprintBytes(content), entry.Fingerprint)

	f, err := s.OpenArchive("upload.mp4")
	assert.NoError(err)
	stored, err := io.ReadAll(f)
	assert.NoError(err)
	f.Close()
	assert.Equal(content, stored)

	// Identical content again is a no-op, different content is rejected
	_, err = s.ImportArchive("upload.mp4", bytes.NewReader(content))
	assert.NoError(err)
	_, err = s.ImportArchive("upload.mp4", bytes.NewReader([]byte("other bytes")))
	assert.True(errors.Is(err, video_archiver.ErrAlreadyExists))

	// Only the one key exists in the archive
	keys, err := s.ListArchive()
	assert.NoError(err)
	assert.Equal([]string{"upload.mp4"}, keys)
}
