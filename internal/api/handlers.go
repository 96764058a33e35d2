// Package api exposes the relay's HTTP and WebSocket surface. Responses use
// a {data} envelope on success and {error: {code, message}} on failure.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/hub"
	"github.com/relaydev/relay/internal/journal"
	"github.com/relaydev/relay/internal/sandbox"
	"github.com/relaydev/relay/internal/session"
)

// defaultEventsLimit caps GET /sessions/:id/events pages when the caller does
// not pass an explicit limit.
const defaultEventsLimit = 100

// maxEventsLimit is the hard page ceiling.
const maxEventsLimit = 1000

// SessionHandler exposes the session lifecycle and event endpoints.
type SessionHandler struct {
	sessions  *session.Service
	journal   journal.Journal
	sandboxes *sandbox.Manager
	hubs      *hub.Registry
	logger    *logger.Logger
}

// NewSessionHandler wires the session HTTP surface.
func NewSessionHandler(sessions *session.Service, j journal.Journal, sandboxes *sandbox.Manager, hubs *hub.Registry, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:  sessions,
		journal:   j,
		sandboxes: sandboxes,
		hubs:      hubs,
		logger:    log.WithFields(zap.String("component", "api")),
	}
}

// RegisterRoutes mounts the session endpoints on the API group.
func (h *SessionHandler) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/sessions", h.create)
	api.GET("/sessions", h.list)
	api.GET("/sessions/:id", h.get)
	api.POST("/sessions/:id/activate", h.activate)
	api.POST("/sessions/:id/archive", h.archive)
	api.DELETE("/sessions/:id", h.delete)
	api.GET("/sessions/:id/events", h.events)
	api.GET("/sessions/:id/logs", h.logs)
}

func (h *SessionHandler) create(c *gin.Context) {
	var req session.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewValidationError("invalid request body: "+err.Error()))
		return
	}

	sess, err := h.sessions.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": sess})
}

func (h *SessionHandler) list(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		sessions []*session.Session
		err      error
	)
	if status := c.Query("status"); status != "" {
		sessions, err = h.sessions.ListByStatus(ctx, status)
	} else {
		sessions, err = h.sessions.List(ctx)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sessions})
}

func (h *SessionHandler) get(c *gin.Context) {
	sess, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sess})
}

// activate brings the sandbox back up and hands the client everything it
// needs to attach: the journal cursor and the websocket endpoint.
func (h *SessionHandler) activate(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	sess, err := h.sessions.Activate(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	lastSeq, err := h.journal.LastSeq(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	sandboxStatus := sandbox.StatusUnknown
	if desc, err := h.sandboxes.Describe(ctx, id); err == nil {
		sandboxStatus = desc.Status
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"sessionId":     sess.ID,
		"status":        sess.Status,
		"lastSeq":       lastSeq,
		"sandboxStatus": sandboxStatus,
		"wsEndpoint":    sess.WSEndpoint(),
	}})
}

func (h *SessionHandler) archive(c *gin.Context) {
	if err := h.sessions.Archive(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"status": session.StatusArchived}})
}

func (h *SessionHandler) delete(c *gin.Context) {
	if err := h.sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": true}})
}

// events pages the journal for polling clients that do not hold a socket.
func (h *SessionHandler) events(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	if _, err := h.sessions.Get(ctx, id); err != nil {
		respondError(c, err)
		return
	}

	afterSeq, err := queryInt64(c, "afterSeq", 0)
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := queryInt64(c, "limit", defaultEventsLimit)
	if err != nil {
		respondError(c, err)
		return
	}
	if limit <= 0 || limit > maxEventsLimit {
		limit = defaultEventsLimit
	}

	events, lastSeq, err := h.journal.RangeAfter(ctx, id, afterSeq, int(limit))
	if err != nil {
		respondError(c, err)
		return
	}
	if events == nil {
		events = []*journal.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"events":  events,
		"lastSeq": lastSeq,
	}})
}

// logs returns the session's provisioning log ring for debugging.
func (h *SessionHandler) logs(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.sessions.Get(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	lines := h.sandboxes.Logs(id)
	if lines == nil {
		lines = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"logs": lines}})
}

func queryInt64(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, apperrors.NewValidationError(name + " must be a non-negative integer")
	}
	return v, nil
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperrors.GetHTTPStatus(err), gin.H{"error": gin.H{
		"code":    apperrors.GetCode(err),
		"message": err.Error(),
	}})
}
