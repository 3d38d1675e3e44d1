// Package database is the queryable catalog of finalized archive entries, backed by
// sqlite. It is a read-optimized projection of the authoritative dedup index,
// maintained from lifecycle events, and serves the listing API.
package database

import (
	"database/sql"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	video_archiver "github.com/hexi/video-archiver"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type RowID = int64

type Database struct {
	db  *sqlx.DB
	log *zap.SugaredLogger
}

func NewDatabase(path string) (*Database, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	return &Database{db: db, log: zap.S().Named("catalog")}, nil
}

func (d *Database) Migrate() error {
	fs, err := iofs.New(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlite3.WithInstance(d.db.DB, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", fs, "sqlite3", driver)
	if err != nil {
		return err
	}
	err = m.Up()
	switch err {
	case nil:
		d.log.Info("catalog migration complete")
	case migrate.ErrNoChange:
		d.log.Debug("no catalog migration required")
	default:
		return err
	}
	return nil
}

func (d *Database) Close() {
	_ = d.db.Close()
}

// An Entry is one row of the catalog; a projection of video_archiver.ArchiveEntry.
type Entry struct {
	ID          RowID     `db:"rowid"`
	Fingerprint string    `db:"fingerprint"`
	Location    string    `db:"location"`
	Size        int64     `db:"size"`
	CreatedAt   time.Time `db:"created_at"`
}

func NewEntry(entry video_archiver.ArchiveEntry) *Entry {
	return &Entry{
		Fingerprint: string(entry.Fingerprint),
		Location:    entry.Location,
		Size:        entry.Size,
		CreatedAt:   entry.CreatedAt,
	}
}

func (d *Database) GetAllEntries() ([]Entry, error) {
	var entries []Entry
	if err := d.db.Select(&entries, `SELECT rowid, * FROM archive_entry ORDER BY created_at DESC`); err != nil {
		return nil, err
	}
	return entries, nil
}

// GetEntryByFingerprint returns (nil, nil) if the error is only that no such row exists.
func (d *Database) GetEntryByFingerprint(fingerprint string) (*Entry, error) {
	e := Entry{}
	if err := d.db.Get(&e, `SELECT rowid, * FROM archive_entry WHERE fingerprint = ? LIMIT 1`, fingerprint); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// GetEntryByLocation returns (nil, nil) if the error is only that no such row exists.
func (d *Database) GetEntryByLocation(location string) (*Entry, error) {
	e := Entry{}
	if err := d.db.Get(&e, `SELECT rowid, * FROM archive_entry WHERE location = ? LIMIT 1`, location); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// InsertEntry will add a new entry to the catalog, overwriting Entry.ID with the new
// row ID. Inserting an already-catalogued fingerprint is a no-op.
func (d *Database) InsertEntry(e *Entry) error {
	res, err := d.db.NamedExec(
		`INSERT INTO archive_entry (fingerprint, location, size, created_at)
		 VALUES (:fingerprint, :location, :size, :created_at)
		 ON CONFLICT (fingerprint) DO NOTHING`, e)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (d *Database) DeleteEntryByLocation(location string) error {
	_, err := d.db.Exec(`DELETE FROM archive_entry WHERE location = ?`, location)
	return err
}
