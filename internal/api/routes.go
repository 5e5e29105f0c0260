package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/fork"
	"github.com/MetaPowerMatrix/mod-audio-fork/internal/websocket"
)

const (
	defaultRecordLimit = 50
	maxRecordLimit     = 500
)

// Connectivity reports whether the event socket is up
type Connectivity interface {
	Connected() bool
}

// Dependencies are the components the HTTP surface reads from
type Dependencies struct {
	Registry *fork.Registry
	Hub      *websocket.Hub
	Switch   Connectivity
	Records  repositories.SessionRecordRepository
	Gatherer prometheus.Gatherer
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	h := &handlers{deps: deps, logger: logger}

	// Health check
	e.GET("/health", h.health)

	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// API v1 routes
	v1 := e.Group("/api/v1")

	// Live sessions
	v1.GET("/sessions", h.listSessions)
	v1.GET("/sessions/:id", h.getSession)
	v1.DELETE("/sessions/:id", h.closeSession)
	v1.DELETE("/sessions/:id/playback", h.cancelPlayback)

	// Session history
	v1.GET("/records", h.listRecords)
	v1.GET("/records/:id", h.getRecord)

	// Relay-mode ingest: the switch streams each forked leg here
	e.GET("/fork/:uuid", func(c echo.Context) error {
		return websocket.HandleWebSocket(deps.Hub, c, logger)
	})
}

type handlers struct {
	deps   Dependencies
	logger *zap.Logger
}

func (h *handlers) health(c echo.Context) error {
	resp := HealthResponse{
		Status:   "ok",
		Service:  "mod-audio-fork-bridge",
		Mode:     string(h.deps.Registry.Mode()),
		Sessions: h.deps.Registry.Len(),
	}
	if h.deps.Hub != nil {
		resp.Streams = h.deps.Hub.ClientCount()
	}
	if h.deps.Switch != nil {
		resp.SwitchConnected = h.deps.Switch.Connected()
		if !resp.SwitchConnected {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handlers) listSessions(c echo.Context) error {
	sessions := h.deps.Registry.List()
	out := make([]fork.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return c.JSON(http.StatusOK, SessionListResponse{Sessions: out, Count: len(out)})
}

func (h *handlers) getSession(c echo.Context) error {
	s, ok := h.deps.Registry.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	return c.JSON(http.StatusOK, s.Info())
}

func (h *handlers) closeSession(c echo.Context) error {
	id := c.Param("id")
	err := h.deps.Registry.Close(c.Request().Context(), id, fork.ReasonAdmin)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return sessionNotFound(c)
	}
	if err != nil {
		h.logger.Error("Failed to close session", zap.String("sessionID", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "close_failed",
			Message: err.Error(),
		})
	}
	h.logger.Info("Session closed by operator", zap.String("sessionID", id))
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) cancelPlayback(c echo.Context) error {
	s, ok := h.deps.Registry.Get(c.Param("id"))
	if !ok {
		return sessionNotFound(c)
	}
	dropped := s.CancelPlayback()
	return c.JSON(http.StatusOK, CancelPlaybackResponse{SessionID: s.ID(), Dropped: dropped})
}

func (h *handlers) listRecords(c echo.Context) error {
	if h.deps.Records == nil {
		return recordsDisabled(c)
	}
	limit := defaultRecordLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = min(n, maxRecordLimit)
	}

	records, err := h.deps.Records.ListRecent(c.Request().Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list session records", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to list session records",
		})
	}
	return c.JSON(http.StatusOK, RecordListResponse{Records: records, Count: len(records)})
}

func (h *handlers) getRecord(c echo.Context) error {
	if h.deps.Records == nil {
		return recordsDisabled(c)
	}
	record, err := h.deps.Records.GetByID(c.Request().Context(), c.Param("id"))
	if errors.Is(err, domain.ErrSessionNotFound) {
		return sessionNotFound(c)
	}
	if err != nil {
		h.logger.Error("Failed to load session record", zap.String("sessionID", c.Param("id")), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to load session record",
		})
	}
	return c.JSON(http.StatusOK, record)
}

func sessionNotFound(c echo.Context) error {
	return c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "session_not_found",
		Message: "No fork session for " + c.Param("id"),
	})
}

func recordsDisabled(c echo.Context) error {
	return c.JSON(http.StatusNotImplemented, ErrorResponse{
		Error:   "records_disabled",
		Message: "Session history storage is not configured",
	})
}
