package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/pathtiles/server/internal/hierarchy"
	"github.com/pathtiles/server/internal/store"
)

type tilingJobSubmitRequest struct {
	AnnotationID   string `json:"annotation_id"`
	Level          int    `json:"level"`
	TileSize       int    `json:"tile_size"`
	Classification string `json:"classification"`
}

const (
	defaultTilingSize = 256
	maxTilingSize     = 8192
)

func tilingJobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		svc := getSlideService(r)

		var req tilingJobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		// Validate required fields
		aid, err := uuid.Parse(strings.TrimSpace(req.AnnotationID))
		if err != nil {
			http.Error(w, "annotation_id is required", http.StatusBadRequest)
			return
		}
		ann, ok := svc.Hierarchy().Get(aid)
		if !ok {
			http.Error(w, "annotation not found", http.StatusNotFound)
			return
		}
		if ann.Kind() != hierarchy.KindAnnotation {
			http.Error(w, "object is not an annotation", http.StatusBadRequest)
			return
		}
		if req.Level < 0 || req.Level >= len(svc.Metadata().Levels) {
			http.Error(w, "invalid level", http.StatusBadRequest)
			return
		}

		// Apply defaults
		if req.TileSize <= 0 {
			req.TileSize = defaultTilingSize
		}
		if req.TileSize > maxTilingSize {
			req.TileSize = maxTilingSize
		}

		params := store.TilingParams{
			SlideID:        svc.ID(),
			AnnotationID:   aid.String(),
			Level:          req.Level,
			TileSize:       req.TileSize,
			Classification: strings.TrimSpace(req.Classification),
		}

		job, err := jm.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

// slideJob returns the job if it belongs to the slide in the URL.
func slideJob(jm *JobManager, r *http.Request) *store.Job {
	job := jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.SlideID != chi.URLParam(r, "slide") {
		return nil
	}
	return job
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := slideJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobs, err := jm.List(chi.URLParam(r, "slide"))
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if jobs == nil {
			jobs = []*store.Job{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobs": jobs,
		})
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := slideJob(jm, r)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		cancelled := jm.Cancel(job.ID)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    job.ID,
			"cancelled": cancelled,
		})
	}
}
