package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"pgstream/internal/database/repositories"
	"pgstream/internal/ingestion"
	"pgstream/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// SessionController is the part of the coordinator the API drives
type SessionController interface {
	Start(ctx context.Context, so ingestion.StartOptions) (string, error)
	Stop() (ingestion.SessionStatus, error)
	NotifyActivity() bool
	Status() ingestion.SessionStatus
}

// SessionHandler handles session control endpoints
type SessionHandler struct {
	sessions     SessionController
	journal      repositories.SessionRepository
	defaultScope realtime.Scope
	setupTimeout time.Duration
	logger       *pterm.Logger
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(sessions SessionController, journal repositories.SessionRepository, defaultScope realtime.Scope, logger *pterm.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:     sessions,
		journal:      journal,
		defaultScope: defaultScope,
		setupTimeout: 30 * time.Second,
		logger:       logger,
	}
}

type startRequest struct {
	Scope string `json:"scope"`
}

// Start begins a session. The body is optional.
func (h *SessionHandler) Start(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	scope := h.defaultScope
	if req.Scope != "" {
		s, err := realtime.ParseScope(req.Scope)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		scope = s
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.setupTimeout)
	defer cancel()

	id, err := h.sessions.Start(ctx, ingestion.StartOptions{Scope: scope})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ingestion.ErrSessionActive):
			status = http.StatusConflict
		case errors.Is(err, ingestion.ErrLoggingCollectorOff):
			status = http.StatusPreconditionFailed
		}
		h.logger.Warn("Session start refused", h.logger.Args("error", err, "client_ip", c.ClientIP()))
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id, "session": h.sessions.Status()})
}

// Stop ends the active session
func (h *SessionHandler) Stop(c *gin.Context) {
	status, err := h.sessions.Stop()
	switch {
	case errors.Is(err, ingestion.ErrNoSession):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		// The session is stopped; only the configuration reset failed
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "session": status})
	default:
		c.JSON(http.StatusOK, gin.H{"session": status})
	}
}

// Activity resets the inactivity watchdog
func (h *SessionHandler) Activity(c *gin.Context) {
	if !h.sessions.NotifyActivity() {
		c.JSON(http.StatusConflict, gin.H{"error": ingestion.ErrNoSession.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// GetStatus returns the active or last session status
func (h *SessionHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sessions.Status())
}

// GetSessions lists the journal, newest first
func (h *SessionHandler) GetSessions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}

	sessions, err := h.journal.FindRecent(limit)
	if err != nil {
		h.logger.WithCaller().Error("Failed to read session journal", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session journal"})
		return
	}
	c.JSON(http.StatusOK, sessions)
}
