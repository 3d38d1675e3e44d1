// Package boltdb persists the job transition log and the dedup index in a single
// bbolt database. Transitions are an append-only sequence per job; fingerprint
// publication is a compare-and-set inside one update transaction.
package boltdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	video_archiver "github.com/hexi/video-archiver"
	"github.com/hexi/video-archiver/generic"
	"github.com/hexi/video-archiver/internal/scheduler"
)

var Buckets = struct {
	Metadata     []byte
	Transitions  []byte
	Fingerprints []byte
}{
	Metadata:     []byte("__metadata__"),
	Transitions:  []byte("transitions"),
	Fingerprints: []byte("fingerprints"),
}

var MetadataKeys = struct {
	Version []byte
}{
	Version: []byte("version"),
}

const currentVersion = 1

type Database interface {
	Close() error

	scheduler.StateLog
	scheduler.DedupIndex
}

type database struct {
	*bbolt.DB
}

func New(path string) (Database, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		metadata, err := tx.CreateBucketIfNotExists(Buckets.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(Buckets.Transitions); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(Buckets.Fingerprints); err != nil {
			return err
		}

		var version int
		if versionBytes := metadata.Get(MetadataKeys.Version); versionBytes != nil {
			if err := json.Unmarshal(versionBytes, &version); err != nil {
				return err
			}
		}
		if version > currentVersion {
			return fmt.Errorf("database version %d is newer than supported version %d", version, currentVersion)
		}

		versionBytes, err := json.Marshal(currentVersion)
		if err != nil {
			return err
		}
		return metadata.Put(MetadataKeys.Version, versionBytes)
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &database{db}, nil
}

// Append records one job transition under the next sequence number of the job's
// transition bucket.
func (d *database) Append(record scheduler.JobRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return d.Update(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(Buckets.Transitions)
		bucket, err := jobs.CreateBucketIfNotExists([]byte(record.ID))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, data)
	})
}

// Replay folds each job's transition sequence down to its latest recorded state.
func (d *database) Replay() (map[string]scheduler.JobRecord, error) {
	records := make(map[string]scheduler.JobRecord)
	err := d.View(func(tx *bbolt.Tx) error {
		jobs := tx.Bucket(Buckets.Transitions)
		return jobs.ForEachBucket(func(id []byte) error {
			bucket := jobs.Bucket(id)
			_, latest := bucket.Cursor().Last()
			if latest == nil {
				return nil
			}
			var record scheduler.JobRecord
			if err := json.Unmarshal(latest, &record); err != nil {
				return fmt.Errorf("corrupt transition record for job %s: %w", id, err)
			}
			records[record.ID] = record
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (d *database) Lookup(fingerprint video_archiver.Fingerprint) (generic.Option[video_archiver.ArchiveEntry], error) {
	result := generic.None[video_archiver.ArchiveEntry]()
	err := d.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(Buckets.Fingerprints).Get([]byte(fingerprint))
		if data == nil {
			return nil
		}
		var entry video_archiver.ArchiveEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		result = generic.Some(entry)
		return nil
	})
	return result, err
}

func (d *database) Insert(fingerprint video_archiver.Fingerprint, entry video_archiver.ArchiveEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return d.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(Buckets.Fingerprints)
		if existing := bucket.Get([]byte(fingerprint)); existing != nil {
			return video_archiver.ErrAlreadyExists
		}
		return bucket.Put([]byte(fingerprint), data)
	})
}
