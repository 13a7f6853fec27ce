package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/studypath/calsync/internal/crypto"
	"github.com/studypath/calsync/internal/store"
	"github.com/studypath/calsync/internal/sync"
)

// AccountHandlers manages calendar account linking. The owning application
// performs the OAuth consent flow and hands the resulting refresh token
// here; this service only stores it (encrypted) and syncs with it.
type AccountHandlers struct {
	store     *store.Store
	encryptor *crypto.Encryptor
	watch     *sync.WatchManager
	trigger   SyncTrigger
}

// NewAccountHandlers creates account management handlers.
func NewAccountHandlers(st *store.Store, enc *crypto.Encryptor, watch *sync.WatchManager, trigger SyncTrigger) *AccountHandlers {
	return &AccountHandlers{
		store:     st,
		encryptor: enc,
		watch:     watch,
		trigger:   trigger,
	}
}

type linkCalendarRequest struct {
	RemoteCalendarID  string `json:"remote_calendar_id"`
	Direction         string `json:"direction"`
	DefaultResolution string `json:"default_resolution"`
	LinkTasks         bool   `json:"link_tasks"`
}

type linkAccountRequest struct {
	UserID       string                `json:"user_id"`
	Email        string                `json:"email"`
	RefreshToken string                `json:"refresh_token"`
	Calendars    []linkCalendarRequest `json:"calendars"`
}

// LinkAccount creates an account with its calendar mappings and kicks off
// an initial full sync.
// POST /api/accounts
func (h *AccountHandlers) LinkAccount(c *gin.Context) {
	var req linkAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID == "" || req.Email == "" || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id, email and refresh_token are required"})
		return
	}
	if len(req.Calendars) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one calendar is required"})
		return
	}

	for _, cal := range req.Calendars {
		if cal.RemoteCalendarID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "remote_calendar_id is required for each calendar"})
			return
		}
		if cal.Direction != "" && !store.SyncDirection(cal.Direction).IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be one of pull, push, both"})
			return
		}
		if cal.DefaultResolution != "" && !store.Resolution(cal.DefaultResolution).IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid default_resolution"})
			return
		}
	}

	encrypted, err := h.encryptor.Encrypt(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to store credential")})
		return
	}

	account := &store.CalendarAccount{
		UserID:       req.UserID,
		Email:        req.Email,
		RefreshToken: encrypted,
		SyncEnabled:  true,
	}
	if err := h.store.CreateAccount(account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to create account")})
		return
	}

	mappings := make([]*store.CalendarMapping, 0, len(req.Calendars))
	for _, cal := range req.Calendars {
		mapping := &store.CalendarMapping{
			AccountID:         account.ID,
			RemoteCalendarID:  cal.RemoteCalendarID,
			Direction:         store.SyncDirection(cal.Direction),
			DefaultResolution: store.Resolution(cal.DefaultResolution),
			LinkTasks:         cal.LinkTasks,
		}
		if err := h.store.CreateMapping(mapping); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				c.JSON(http.StatusConflict, gin.H{"error": "duplicate calendar mapping"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to create calendar mapping")})
			return
		}
		mappings = append(mappings, mapping)
	}

	// Watch registration failures are non-fatal; the periodic timer still
	// picks the account up, and the hourly renewal job retries.
	for _, mapping := range mappings {
		if err := h.watch.EnsureWatch(c.Request.Context(), mapping); err != nil {
			sanitizeError(err, "failed to register watch channel")
		}
	}

	syncID, err := h.trigger.TriggerSync(account.ID, store.SyncModeFull)
	if err != nil {
		sanitizeError(err, "failed to start initial sync")
	}

	c.JSON(http.StatusCreated, gin.H{
		"account":  account,
		"mappings": mappings,
		"sync_id":  syncID,
	})
}

// GetAccount returns an account with its mappings.
// GET /api/accounts/:accountID
func (h *AccountHandlers) GetAccount(c *gin.Context) {
	account, err := h.store.GetAccount(c.Param("accountID"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load account")})
		return
	}

	mappings, err := h.store.GetMappingsByAccount(account.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to load mappings")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": account, "mappings": mappings})
}

type rotateTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RotateToken replaces the stored refresh token and re-enables sync.
// Used after the engine disabled an account on an auth failure.
// POST /api/accounts/:accountID/token
func (h *AccountHandlers) RotateToken(c *gin.Context) {
	var req rotateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}

	encrypted, err := h.encryptor.Encrypt(req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to store credential")})
		return
	}

	err = h.store.UpdateAccountRefreshToken(c.Param("accountID"), encrypted)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to update credential")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// UnlinkAccount cancels any active run, stops watch channels and deletes
// the account. Mappings, events and sync state go with the cascade.
// DELETE /api/accounts/:accountID
func (h *AccountHandlers) UnlinkAccount(c *gin.Context) {
	accountID := c.Param("accountID")

	if canceller, ok := h.trigger.(interface{ CancelAccount(string) }); ok {
		canceller.CancelAccount(accountID)
	}

	if err := h.watch.StopAccount(c.Request.Context(), accountID); err != nil {
		sanitizeError(err, "failed to stop watch channels")
	}

	err := h.store.DeleteAccount(accountID)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "failed to delete account")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
