package web

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/studypath/calsync/internal/store"
	"github.com/studypath/calsync/internal/sync"
)

// SyncTrigger dispatches sync runs. Implemented by the scheduler.
type SyncTrigger interface {
	TriggerSync(accountID string, mode store.SyncMode) (string, error)
	NotifyChange(accountID string)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store    *store.Store
	trigger  SyncTrigger
	resolver *sync.ConflictResolver
	ingestor *sync.WebhookIngestor
	version  string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(st *store.Store, trigger SyncTrigger, resolver *sync.ConflictResolver, ingestor *sync.WebhookIngestor, version string) *Handlers {
	return &Handlers{
		store:    st,
		trigger:  trigger,
		resolver: resolver,
		ingestor: ingestor,
		version:  version,
	}
}

// sanitizeError returns a user-safe error message without exposing internal details.
// Internal error details are logged but not returned to the client.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// Liveness is a minimal liveness probe.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness reports whether the database is reachable.
func (h *Handlers) Readiness(c *gin.Context) {
	if err := h.store.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  sanitizeError(err, "database not reachable"),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "version": h.version})
}

type triggerSyncRequest struct {
	Mode string `json:"mode"`
}

// TriggerSync starts a sync run for an account.
// POST /api/accounts/:accountID/sync
func (h *Handlers) TriggerSync(c *gin.Context) {
	accountID := c.Param("accountID")

	req := triggerSyncRequest{Mode: string(store.SyncModeIncremental)}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	mode := store.SyncMode(req.Mode)
	if !mode.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be 'full' or 'incremental'"})
		return
	}

	syncID, err := h.trigger.TriggerSync(accountID, mode)
	switch {
	case errors.Is(err, sync.ErrAccountLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "a sync is already running for this account"})
		return
	case errors.Is(err, sync.ErrSyncDisabled):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "sync is disabled for this account"})
		return
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to start sync")})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"sync_id": syncID, "mode": mode})
}

// GetSyncRun returns the sync log for a run.
// GET /api/sync/runs/:syncID
func (h *Handlers) GetSyncRun(c *gin.Context) {
	syncLog, err := h.store.GetSyncLog(c.Param("syncID"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync run not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load sync run")})
		return
	}

	c.JSON(http.StatusOK, syncLog)
}

// GetSyncHistory returns recent sync logs for an account.
// GET /api/accounts/:accountID/sync/history
func (h *Handlers) GetSyncHistory(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
			return
		}
		limit = parsed
	}

	logs, err := h.store.GetRecentSyncLogs(c.Param("accountID"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load sync history")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": logs})
}

// ListConflicts returns unresolved conflicts for an account.
// GET /api/accounts/:accountID/conflicts
func (h *Handlers) ListConflicts(c *gin.Context) {
	conflicts, err := h.store.ListUnresolvedConflicts(c.Param("accountID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load conflicts")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"conflicts": conflicts})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveConflict applies a resolution to a single conflict.
// POST /api/conflicts/:conflictID/resolve
func (h *Handlers) ResolveConflict(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resolution := store.Resolution(req.Resolution)
	if !resolution.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolution must be one of keep_remote, keep_local, merge, skip"})
		return
	}

	applied, err := h.resolver.Resolve(c.Request.Context(), c.Param("conflictID"), resolution)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conflict not found"})
		return
	case errors.Is(err, store.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict already resolved with a different resolution"})
		return
	case errors.Is(err, sync.ErrInvalidResolution):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resolution"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to resolve conflict")})
		return
	}

	c.JSON(http.StatusOK, applied)
}

// ResolveAllConflicts applies one resolution to every unresolved conflict
// for an account.
// POST /api/accounts/:accountID/conflicts/resolve
func (h *Handlers) ResolveAllConflicts(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	resolution := store.Resolution(req.Resolution)
	if !resolution.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolution must be one of keep_remote, keep_local, merge, skip"})
		return
	}

	result, err := h.resolver.ResolveAll(c.Request.Context(), c.Param("accountID"), resolution)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to resolve conflicts")})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetStats returns aggregate sync statistics.
// GET /api/stats
func (h *Handlers) GetStats(c *gin.Context) {
	stats, err := h.store.GetSyncStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load stats")})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GoogleWebhook ingests Google Calendar push notifications.
// POST /webhooks/google
//
// Always responds 200: Google retries on non-2xx, and a notification we
// rejected once will be rejected again. Rejections are logged instead.
func (h *Handlers) GoogleWebhook(c *gin.Context) {
	n := sync.Notification{
		ChannelID:     c.GetHeader("X-Goog-Channel-ID"),
		ResourceID:    c.GetHeader("X-Goog-Resource-ID"),
		ResourceState: c.GetHeader("X-Goog-Resource-State"),
	}

	if err := h.ingestor.Ingest(n); err != nil {
		log.Printf("Rejected webhook notification: %v", err)
	}

	c.Status(http.StatusOK)
}
