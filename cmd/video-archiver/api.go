package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	video_archiver "github.com/hexi/video-archiver"
	"github.com/hexi/video-archiver/database"
	"github.com/hexi/video-archiver/internal/scheduler"
	"github.com/hexi/video-archiver/internal/store"
)

// apiServer exposes the scheduler and archive over a small JSON HTTP API:
//
//	POST   /jobs           submit a new archive request
//	GET    /jobs           list all jobs
//	GET    /jobs/{id}      get one job's snapshot
//	DELETE /jobs/{id}      cancel a job
//	GET    /archive        list catalogued entries
//	POST   /archive        upload local files (multipart)
//	GET    /archive/{key}  stream a stored video (range requests supported)
//	DELETE /archive/{key}  delete a stored video
type apiServer struct {
	scheduler *scheduler.Scheduler
	store     *store.Store
	catalog   *database.Database
	mux       *http.ServeMux
	log       *zap.SugaredLogger
}

func newAPIServer(s *scheduler.Scheduler, st *store.Store, catalog *database.Database) *apiServer {
	a := &apiServer{
		scheduler: s,
		store:     st,
		catalog:   catalog,
		mux:       http.NewServeMux(),
		log:       zap.S().Named("api"),
	}
	a.mux.HandleFunc("/jobs", a.handleJobs)
	a.mux.HandleFunc("/jobs/", a.handleJob)
	a.mux.HandleFunc("/archive", a.handleArchive)
	a.mux.HandleFunc("/archive/", a.handleArchiveItem)
	return a
}

func (a *apiServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.log.Debugf("%s %s", r.Method, r.URL.Path)
	a.mux.ServeHTTP(w, r)
}

type submitBody struct {
	SourceRef   string `json:"source_ref"`
	OutputKey   string `json:"output_key,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

func (a *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body submitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		job, err := a.scheduler.Submit(scheduler.SubmitRequest{
			SourceRef:   body.SourceRef,
			OutputKey:   body.OutputKey,
			Checksum:    body.Checksum,
			MaxAttempts: body.MaxAttempts,
		})
		if errors.Is(err, video_archiver.ErrDuplicateJob) {
			writeError(w, http.StatusConflict, err)
			return
		} else if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job.State())
	case http.MethodGet:
		jobs := a.scheduler.ListJobs()
		snapshots := make([]scheduler.JobSnapshot, 0, len(jobs))
		for _, j := range jobs {
			snapshots = append(snapshots, j.State())
		}
		sort.Slice(snapshots, func(i, j int) bool {
			return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
		})
		writeJSON(w, http.StatusOK, snapshots)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *apiServer) handleJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		job := a.scheduler.GetJob(id)
		if job == nil {
			writeError(w, http.StatusNotFound, video_archiver.ErrJobNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job.State())
	case http.MethodDelete:
		cancelled, err := a.scheduler.Cancel(id)
		if errors.Is(err, video_archiver.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *apiServer) handleArchive(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		entries, err := a.catalog.GetAllEntries()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if entries == nil {
			entries = []database.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	case http.MethodPost:
		a.handleUpload(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleUpload archives locally supplied bytes: each file part is streamed through
// the store under its filename and catalogued like a downloaded entry.
func (a *apiServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var entries []database.Entry
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		key := part.FileName()
		if key == "" {
			continue
		}
		if key != path.Base(key) || key == "." || key == ".." {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid archive key %q", key))
			return
		}
		entry, err := a.store.ImportArchive(key, part)
		if errors.Is(err, video_archiver.ErrAlreadyExists) {
			writeError(w, http.StatusConflict, err)
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		a.log.Infof("uploaded %s (%d bytes)", key, entry.Size)
		dbEntry := database.NewEntry(entry)
		if err := a.catalog.InsertEntry(dbEntry); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		entries = append(entries, *dbEntry)
	}
	if len(entries) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no file parts in upload"))
		return
	}
	writeJSON(w, http.StatusCreated, entries)
}

func (a *apiServer) handleArchiveItem(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/archive/")
	if key == "" || strings.Contains(key, "..") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		f, err := a.store.OpenArchive(key)
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		// ServeContent handles Range, If-Modified-Since, etc.
		http.ServeContent(w, r, key, info.ModTime(), f)
	case http.MethodDelete:
		if err := a.store.RemoveArchive(key); errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		} else if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := a.catalog.DeleteEntryByLocation(key); err != nil {
			a.log.Errorf("failed to remove catalog entry for %s: %v", key, err)
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
