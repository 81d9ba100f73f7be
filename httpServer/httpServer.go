package httpServer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vrlink/config"
	"vrlink/internal/auth"
	"vrlink/internal/bitrate"
	"vrlink/internal/capture"
	"vrlink/internal/logger"
	"vrlink/internal/metrics"
	"vrlink/internal/poseclock"
	"vrlink/internal/scheduler"
	"vrlink/internal/sessionmanager"
	"vrlink/internal/storage"
	"vrlink/pkg/models"

	"github.com/gin-gonic/gin"
)

// Deps are the components the HTTP API and the headset link drive.
type Deps struct {
	Sessions   *sessionmanager.Manager
	Auth       *auth.Manager
	Scheduler  *scheduler.Scheduler
	Controller *bitrate.Controller
	Recorder   *capture.Recorder // nil disables capture endpoints
	Metrics    *metrics.Metrics
	Clock      *poseclock.Clock
	Poses      *poseclock.PoseBuffer
	Logger     *slog.Logger
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router *gin.Engine
	cfg    *config.Config
	Deps

	// baseCtx bounds headset connections; set by Run.
	baseCtx context.Context
}

// New creates a new HTTP server
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	s := &Server{
		cfg:     cfg,
		Deps:    deps,
		baseCtx: context.Background(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), logger.RequestLogger(s.Logger), s.Metrics.GinMiddleware())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.POST("/v1/pair", s.handlePair)
		api.GET("/v1/sessions", s.handleListSessions)
		api.GET("/v1/sessions/:id", s.handleGetSession)
		api.POST("/v1/sessions/:id/disconnect", s.handleDisconnect)
		api.GET("/v1/stats", s.handleStats)
		api.POST("/v1/capture", s.handleCapture)
		api.GET("/v1/captures/:session", s.handleListCaptures)
		api.GET("/v1/captures/:session/:file", s.handleGetCapture)
		api.DELETE("/v1/captures/:session", s.handlePurgeCaptures)
	}

	router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	router.GET("/stream", s.handleStream)

	s.router = router
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully. Headset
// connections are closed when ctx ends.
func (s *Server) Run(ctx context.Context, addr string) error {
	s.baseCtx = ctx
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.Logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handlePair(c *gin.Context) {
	var req models.PairRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.Auth.GeneratePairingToken(req.DeviceName, req.ExpiresIn, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, models.PairResponse{
		StreamURL:  s.cfg.StreamURL(token.Token),
		DeviceName: token.DeviceName,
		Token:      token.Token,
		ExpiresAt:  token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	conns := s.Sessions.List()

	infos := make([]models.SessionInfo, 0, len(conns))
	for _, conn := range conns {
		infos = append(infos, s.sessionToInfo(conn, conn.Session()))
	}

	c.JSON(http.StatusOK, models.SessionListResponse{
		Sessions: infos,
		Total:    len(infos),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, conn, ok := s.Sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, s.sessionToInfo(conn, sess))
}

func (s *Server) handleDisconnect(c *gin.Context) {
	id := c.Param("id")

	if err := s.Sessions.Disconnect(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "session disconnected",
		"sessionId": id,
	})
}

func (s *Server) handleStats(c *gin.Context) {
	st := s.Scheduler.Stats()

	drops := make(map[string]uint64, len(st.Drops))
	for reason, n := range st.Drops {
		drops[string(reason)] = n
	}

	c.JSON(http.StatusOK, models.StatsResponse{
		TargetBitrate:   st.Budget.TargetBitrate,
		EncodeTimeMs:    st.Budget.EncodeTimeMs,
		NetworkRTTMs:    st.Budget.NetworkRTTMs,
		DecodeTimeMs:    st.Budget.DecodeTimeMs,
		FrameIntervalMs: st.Budget.FrameIntervalMs,
		Frames: map[string]uint64{
			"sampled":      st.Sampled,
			"transmitted":  st.Transmitted,
			"acknowledged": st.Acknowledged,
			"dropped":      st.Dropped,
			"inFlight":     uint64(st.InFlight),
		},
		Drops: drops,
	})
}

func (s *Server) handleCapture(c *gin.Context) {
	if s.Recorder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture is disabled"})
		return
	}

	var req models.CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.Recorder.Arm(req.Frames)
	resp := gin.H{"armed": req.Frames}
	if sess := s.Scheduler.Session(); sess != nil {
		resp["sessionId"] = sess.ID
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) handleListCaptures(c *gin.Context) {
	if s.Recorder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture is disabled"})
		return
	}

	session := c.Param("session")
	files, err := s.Recorder.List(c.Request.Context(), session)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": session,
		"files":     files,
		"stats":     s.Recorder.Stats(),
	})
}

func (s *Server) handleGetCapture(c *gin.Context) {
	if s.Recorder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture is disabled"})
		return
	}

	data, err := s.Recorder.Read(c.Request.Context(), c.Param("session"), c.Param("file"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "capture not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	contentType := "application/octet-stream"
	if strings.HasSuffix(c.Param("file"), ".json") {
		contentType = "application/json"
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) handlePurgeCaptures(c *gin.Context) {
	if s.Recorder == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture is disabled"})
		return
	}

	n, err := s.Recorder.Purge(c.Request.Context(), c.Param("session"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// Helper functions

func (s *Server) sessionToInfo(conn *sessionmanager.Connection, sess *models.NegotiatedSession) models.SessionInfo {
	info := models.SessionInfo{
		DeviceName: conn.DeviceName,
		State:      string(models.SessionStateNegotiating),
	}
	if sess == nil {
		return info
	}

	stats := sess.GetStats()
	info.SessionID = sess.ID
	info.State = string(sess.GetState())
	info.StartedAt = sess.CreatedAt.Format(time.RFC3339)
	info.Duration = int(time.Since(sess.CreatedAt).Seconds())
	info.Resolution = sess.Config.Resolution()
	info.RefreshRate = sess.RefreshRate
	info.Codec = sess.Codec.Codec
	info.Config = sess.Config
	info.TargetBitrate = stats.TargetBitrate
	info.FramesSent = stats.FramesSent
	info.FramesAcked = stats.FramesAcked
	info.FramesDropped = stats.FramesDropped
	info.NextSequence = sess.PeekSequence()
	return info
}
