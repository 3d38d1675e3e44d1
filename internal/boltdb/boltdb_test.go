package boltdb

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	video_archiver "github.com/hexi/video-archiver"
	"github.com/hexi/video-archiver/internal/scheduler"
)

func newTestDatabase(t *testing.T) (Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.bolt")
	db, err := New(path)
	require_.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func TestAppendReplay(t *testing.T) {
	assert := assert_.New(t)
	db, path := newTestDatabase(t)

	// Replay on a fresh database is empty
	records, err := db.Replay()
	assert.NoError(err)
	assert.Empty(records)

	// Replay returns the latest appended record per job
	assert.NoError(db.Append(scheduler.JobRecord{ID: "a", State: scheduler.JobStateQueued}))
	assert.NoError(db.Append(scheduler.JobRecord{ID: "a", State: scheduler.JobStateDownloading}))
	assert.NoError(db.Append(scheduler.JobRecord{ID: "b", State: scheduler.JobStateQueued}))
	records, err = db.Replay()
	assert.NoError(err)
	assert.Len(records, 2)
	assert.Equal(scheduler.JobStateDownloading, records["a"].State)
	assert.Equal(scheduler.JobStateQueued, records["b"].State)

	// The log survives close and reopen
	assert.NoError(db.Close())
	db2, err := New(path)
	assert.NoError(err)
	defer db2.Close()
	records, err = db2.Replay()
	assert.NoError(err)
	assert.Len(records, 2)
	assert.Equal(scheduler.JobStateDownloading, records["a"].State)
}

func TestDedupIndex(t *testing.T) {
	assert := assert_.New(t)
	db, _ := newTestDatabase(t)

	fp := video_archiver.FingerprintBytes([]byte("content"))
	entry := video_archiver.ArchiveEntry{
		Fingerprint: fp,
		Location:    "videos/a.mp4",
		Size:        1234,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}

	// Missing fingerprints look up as none
	found, err := db.Lookup(fp)
	assert.NoError(err)
	assert.True(found.IsNone())

	// First insert wins
	assert.NoError(db.Insert(fp, entry))
	found, err = db.Lookup(fp)
	assert.NoError(err)
	assert.True(found.IsSome())
	assert.Equal(entry, found.Value)

	// Second insert is a compare-and-set failure, leaving the original entry
	other := entry
	other.Location = "videos/b.mp4"
	err = db.Insert(fp, other)
	assert.True(errors.Is(err, video_archiver.ErrAlreadyExists))
	found, err = db.Lookup(fp)
	assert.NoError(err)
	assert.Equal("videos/a.mp4", found.Value.Location)
}
