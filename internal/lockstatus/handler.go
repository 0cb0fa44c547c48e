// Package lockstatus exposes the migration lock and the changelog over HTTP
// for operators: health probes, lock inspection and force release.
package lockstatus

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"mongomigrate/internal/changelog"
	"mongomigrate/internal/events"
	"mongomigrate/internal/lockservice"
	mongostore "mongomigrate/pkg/db/mongo"
	httputil "mongomigrate/pkg/http"
	"mongomigrate/pkg/logger"
	"mongomigrate/pkg/model"
)

const readyTimeout = 2 * time.Second

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
}

type LockResponse struct {
	Locked      bool       `json:"locked"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockGranted *time.Time `json:"lock_granted,omitempty"`
	Summary     string     `json:"summary"`
}

type ForceReleaseResponse struct {
	Released       bool   `json:"released"`
	PreviousHolder string `json:"previous_holder,omitempty"`
}

type Handler struct {
	db        mongostore.Database
	locks     lockservice.Service
	changelog changelog.Repository
	publisher events.Publisher
	log       *logger.Logger
	now       func() time.Time
}

func NewHandler(
	db mongostore.Database,
	locks lockservice.Service,
	repo changelog.Repository,
	publisher events.Publisher,
	log *logger.Logger,
) *Handler {
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		db:        db,
		locks:     locks,
		changelog: repo,
		publisher: publisher,
		log:       log,
		now:       time.Now,
	}
}

func (h *Handler) RegisterRoutes(router *httprouter.Router) {
	router.GET("/health", h.Health)
	router.GET("/ready", h.Ready)
	router.GET("/lock", h.GetLock)
	router.DELETE("/lock", h.ForceRelease)
	router.GET("/changelog", h.ListChangeLog)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	h.write(w, "Health", http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.log.Error("Database health check failed", "error", err, "path", r.URL.Path)
		h.write(w, "Ready", http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Database: "error"})
		return
	}
	h.write(w, "Ready", http.StatusOK, HealthResponse{Status: "ready", Database: "ok"})
}

func (h *Handler) GetLock(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	lock, err := h.locks.Status(r.Context())
	if err != nil {
		h.log.Error("Failed to read lock", "error", err)
		h.writeError(w, "GetLock", err)
		return
	}
	h.write(w, "GetLock", http.StatusOK, httputil.SuccessResponse{Data: toLockResponse(lock)})
}

func (h *Handler) ForceRelease(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	previous, err := h.locks.ForceRelease(r.Context())
	if err != nil {
		h.log.Error("Failed to force release lock", "error", err)
		h.writeError(w, "ForceRelease", err)
		return
	}

	if previous != "" {
		events.PublishBestEffort(r.Context(), h.publisher, h.log, events.Event{
			Type:       events.LockForceReleased,
			Database:   h.db.Name(),
			Holder:     previous,
			OccurredAt: h.now().UTC(),
		})
	}
	h.write(w, "ForceRelease", http.StatusOK, httputil.SuccessResponse{Data: ForceReleaseResponse{
		Released:       previous != "",
		PreviousHolder: previous,
	}})
}

func (h *Handler) ListChangeLog(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	records, err := h.changelog.List(r.Context())
	if err != nil {
		h.log.Error("Failed to list changelog", "error", err)
		h.writeError(w, "ListChangeLog", err)
		return
	}
	if records == nil {
		records = []*model.RanChangeSet{}
	}
	h.write(w, "ListChangeLog", http.StatusOK, httputil.SuccessResponse{Data: records})
}

func toLockResponse(lock *model.LockRecord) LockResponse {
	return LockResponse{
		Locked:      lock.Held,
		LockedBy:    lock.Holder,
		LockGranted: lock.AcquiredAt,
		Summary:     lockservice.String(lock),
	}
}

func (h *Handler) write(w http.ResponseWriter, handler string, status int, body any) {
	if err := httputil.WriteJSON(w, status, body); err != nil {
		h.log.Error("failed to write JSON response", "handler", handler, "operation", "WriteJSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, handler string, err error) {
	if writeErr := httputil.WriteError(w, err); writeErr != nil {
		h.log.Error("failed to write JSON response", "handler", handler, "operation", "WriteError", "error", writeErr)
	}
}
