package httpserver

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/airlog/airlog/internal/datastore"
	"github.com/airlog/airlog/internal/errors"
	"github.com/airlog/airlog/internal/logger"
	"github.com/airlog/airlog/internal/session"
	"github.com/airlog/airlog/internal/streaming"
	"github.com/airlog/airlog/internal/watchdog"
)

// ChunkLister queries the chunk catalog
type ChunkLister interface {
	ListChunks(ctx context.Context, day string) ([]datastore.ChunkRecord, error)
}

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status    string        `json:"status"`
	Health    string        `json:"health"`
	SessionID string        `json:"session_id,omitempty"`
	Uptime    string        `json:"uptime,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Server    time.Duration `json:"server_uptime_ns"`
}

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string `json:"error"`
}

// healthCheck answers 200 while the session captures, degraded included,
// and 503 once it failed or when none is running
func (s *Server) healthCheck(c echo.Context) error {
	st := s.status.Status()
	resp := HealthResponse{
		Health:    st.Health,
		SessionID: st.ID,
		Error:     st.Error,
		Timestamp: time.Now(),
		Server:    time.Since(s.started),
	}
	if st.Active {
		resp.Uptime = st.Uptime.Round(time.Second).String()
	}

	switch {
	case !st.Active || st.Health == session.HealthNone || st.Health == watchdog.StateFailed.String():
		resp.Status = "unhealthy"
		return c.JSON(http.StatusServiceUnavailable, resp)
	case st.Health == watchdog.StateHealthy.String():
		resp.Status = "healthy"
	default:
		resp.Status = "degraded"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status.Status())
}

func (s *Server) enableTarget(c echo.Context) error {
	kind, ok := parseKind(c.Param("kind"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown stream target " + c.Param("kind")})
	}
	if err := s.targets.EnableTarget(c.Request().Context(), kind); err != nil {
		return s.targetError(c, kind, err)
	}
	return c.JSON(http.StatusOK, s.targetStatus(kind))
}

func (s *Server) disableTarget(c echo.Context) error {
	kind, ok := parseKind(c.Param("kind"))
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown stream target " + c.Param("kind")})
	}
	if err := s.targets.DisableTarget(kind); err != nil {
		return s.targetError(c, kind, err)
	}
	return c.JSON(http.StatusOK, s.targetStatus(kind))
}

func (s *Server) targetError(c echo.Context, kind streaming.Kind, err error) error {
	s.log.Warn("stream target request failed", logger.String("target", string(kind)), logger.Error(err))
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNoSession):
		code = http.StatusConflict
	case errors.IsCategory(err, errors.CategoryTarget), errors.IsCategory(err, errors.CategoryConfig):
		code = http.StatusBadGateway
	}
	return c.JSON(code, ErrorResponse{Error: err.Error()})
}

func (s *Server) targetStatus(kind streaming.Kind) streaming.TargetStatus {
	for _, t := range s.status.Status().Targets {
		if t.Kind == kind {
			return t
		}
	}
	return streaming.TargetStatus{Kind: kind, State: streaming.StateIdle.String()}
}

func (s *Server) listChunks(c echo.Context) error {
	day := c.QueryParam("day")
	if day == "" {
		day = time.Now().Format(time.DateOnly)
	}
	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "day must be YYYY-MM-DD"})
	}

	chunks, err := s.chunks.ListChunks(c.Request().Context(), day)
	if err != nil {
		s.log.Error("chunk query failed", logger.String("day", day), logger.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "chunk query failed"})
	}
	return c.JSON(http.StatusOK, chunks)
}

// VolumeRequest is the body of PUT /api/v1/monitor/volume
type VolumeRequest struct {
	Volume *float64 `json:"volume"`
}

func (s *Server) setMonitorVolume(c echo.Context) error {
	var req VolumeRequest
	if err := c.Bind(&req); err != nil || req.Volume == nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "body must be {\"volume\": <0..1.5>}"})
	}
	applied, err := s.monitor.SetMonitorVolume(*req.Volume)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrNoMonitor) {
			return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]float64{"volume": applied})
}

func parseKind(s string) (streaming.Kind, bool) {
	kind := streaming.Kind(s)
	return kind, slices.Contains(streaming.Kinds, kind)
}
