// Package api provides the HTTP admin API for the orchestrator: session
// listing, per-thread lifecycle controls, and agent log access.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/threadbox/threadbox/internal/common/httpmw"
	"github.com/threadbox/threadbox/internal/common/logger"
	"github.com/threadbox/threadbox/internal/session/models"
)

const defaultLogLines = 100

// ThreadOps is the per-thread lifecycle surface the API drives. Satisfied by
// *thread.Entities.
type ThreadOps interface {
	Status(ctx context.Context, threadID string) (*models.Session, error)
	Pause(ctx context.Context, threadID, reason string) (*models.Session, error)
	Resume(ctx context.Context, threadID, channelOverride, guildOverride string) (*models.Session, error)
	Recreate(ctx context.Context, threadID string) error
	Logs(ctx context.Context, threadID string, lines int) (string, string, error)
}

// SessionLister lists persisted session records.
type SessionLister interface {
	ListTracked(ctx context.Context) ([]*models.Session, error)
	GetByThread(ctx context.Context, threadID string) (*models.Session, error)
}

// Server is the admin API server.
type Server struct {
	threads  ThreadOps
	sessions SessionLister
	logger   *logger.Logger
	router   *gin.Engine
}

// NewServer creates the admin API server.
func NewServer(threads ThreadOps, sessions SessionLister, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		threads:  threads,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "admin-api")),
		router:   gin.New(),
	}

	s.router.Use(httpmw.RequestLogger(s.logger, "admin-api"))
	s.router.Use(httpmw.OtelTracing("admin-api"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP router.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/sessions", s.handleListSessions)
		api.GET("/sessions/:threadID", s.handleGetSession)
		api.POST("/sessions/:threadID/pause", s.handlePause)
		api.POST("/sessions/:threadID/resume", s.handleResume)
		api.POST("/sessions/:threadID/recreate", s.handleRecreate)
		api.GET("/sessions/:threadID/logs", s.handleLogs)
	}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ListSessionsResponse wraps the tracked session records.
type ListSessionsResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Count    int               `json:"count"`
}

func (s *Server) handleListSessions(c *gin.Context) {
	records, err := s.sessions.ListTracked(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []*models.Session{}
	}
	c.JSON(http.StatusOK, ListSessionsResponse{Sessions: records, Count: len(records)})
}

func (s *Server) handleGetSession(c *gin.Context) {
	threadID := c.Param("threadID")

	rec, err := s.threads.Status(c.Request.Context(), threadID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		// The actor has nothing cached; fall back to the store.
		rec, err = s.sessions.GetByThread(c.Request.Context(), threadID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for thread " + threadID})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// PauseRequest optionally overrides the recorded pause reason.
type PauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(c *gin.Context) {
	threadID := c.Param("threadID")

	var req PauseRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "api-pause"
	}

	rec, err := s.threads.Pause(c.Request.Context(), threadID, req.Reason)
	if err != nil {
		s.logger.Error("pause failed", zap.String("thread_id", threadID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no session for thread " + threadID})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleResume(c *gin.Context) {
	threadID := c.Param("threadID")

	rec, err := s.threads.Resume(c.Request.Context(), threadID, "", "")
	if err != nil {
		s.logger.Error("resume failed", zap.String("thread_id", threadID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleRecreate(c *gin.Context) {
	threadID := c.Param("threadID")

	if err := s.threads.Recreate(c.Request.Context(), threadID); err != nil {
		s.logger.Error("recreate failed", zap.String("thread_id", threadID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recreated", "thread_id": threadID})
}

// LogsResponse carries the tail of the in-sandbox agent log.
type LogsResponse struct {
	ThreadID  string `json:"thread_id"`
	SandboxID string `json:"sandbox_id"`
	Lines     int    `json:"lines"`
	Output    string `json:"output"`
}

func (s *Server) handleLogs(c *gin.Context) {
	threadID := c.Param("threadID")

	lines := defaultLogLines
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be a positive integer"})
			return
		}
		lines = n
	}

	sandboxID, output, err := s.threads.Logs(c.Request.Context(), threadID, lines)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, LogsResponse{
		ThreadID:  threadID,
		SandboxID: sandboxID,
		Lines:     lines,
		Output:    output,
	})
}

// Serve runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("admin API listening", zap.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
