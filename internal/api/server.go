// Package api serves the live MJPEG feed, the detection controls and the
// alert event feed over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/graceful"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mikeyg42/motionalarm/internal/camera"
	"github.com/mikeyg42/motionalarm/internal/config"
	"github.com/mikeyg42/motionalarm/internal/detection"
	"github.com/mikeyg42/motionalarm/internal/notification"
)

// Controller starts and stops background detection.
type Controller interface {
	Start() bool
	Stop() error
	Running() bool
	Stats() detection.Stats
}

// AlertStats reports dispatcher counters.
type AlertStats interface {
	Stats() notification.DispatcherStats
}

type Options struct {
	Addr   string
	Source camera.Source
	Loop   Controller
	Alerts AlertStats
	Events *EventHub
	Stream config.StreamConfig

	// ControlRate requests per ControlWindow are allowed per client IP on
	// the start/stop endpoints.
	ControlRate   int
	ControlWindow time.Duration

	AllowedOrigins []string
	Logger         *zap.Logger
}

type Server struct {
	addr    string
	engine  *gin.Engine
	source  camera.Source
	loop    Controller
	alerts  AlertStats
	events  *EventHub
	limiter *RateLimiter
	started time.Time
	logger  *zap.Logger
}

type statusResponse struct {
	Status string `json:"status"`
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.L()
	}
	logger = logger.Named("api")

	if opts.ControlRate <= 0 {
		opts.ControlRate = 30
	}
	if opts.ControlWindow <= 0 {
		opts.ControlWindow = time.Minute
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	// rate limiting keys on the TCP peer only
	_ = engine.SetTrustedProxies(nil)
	engine.Use(ginzap.GinzapWithConfig(logger, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/api/health"},
	}))
	engine.Use(ginzap.RecoveryWithZap(logger, true))

	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = true
	}
	engine.Use(crossOrigin(allowed))

	s := &Server{
		addr:    opts.Addr,
		engine:  engine,
		source:  opts.Source,
		loop:    opts.Loop,
		alerts:  opts.Alerts,
		events:  opts.Events,
		limiter: NewRateLimiter(opts.ControlRate, opts.ControlWindow),
		started: time.Now(),
		logger:  logger,
	}

	stream := &streamHandler{
		source:      opts.Source,
		quality:     opts.Stream.JPEGQuality,
		maxFailures: opts.Stream.MaxConsecutiveFailures,
		retryDelay:  streamRetryDelay,
		logger:      logger.Named("stream"),
	}

	control := engine.Group("/", s.limiter.Middleware())
	control.GET("/start_detection", s.startDetection)
	control.GET("/stop_detection", s.stopDetection)

	engine.GET("/video_feed", stream.serve)
	engine.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, statusResponse{Status: "ok"})
	})
	engine.GET("/api/status", s.status)

	if s.events != nil {
		s.events.upgrader.CheckOrigin = upgradeCheck(allowed)
		engine.GET("/ws/events", s.events.ServeWS)
	}

	return s
}

// Handler exposes the routes without a listener.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done, then drains in-flight handlers.
func (s *Server) Run(ctx context.Context) error {
	defer s.limiter.Stop()

	g, err := graceful.New(s.engine, graceful.WithAddr(s.addr))
	if err != nil {
		return err
	}
	defer g.Close()

	s.logger.Info("HTTP server listening", zap.String("addr", s.addr))
	err = g.RunWithContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// startDetection always acknowledges; a second start is a no-op.
func (s *Server) startDetection(c *gin.Context) {
	if s.loop.Start() {
		s.logger.Info("Detection started via API", zap.String("remote", c.ClientIP()))
	}
	c.JSON(http.StatusOK, statusResponse{Status: "Motion detection started"})
}

// stopDetection closes the camera, which also ends every live stream.
func (s *Server) stopDetection(c *gin.Context) {
	if err := s.loop.Stop(); err != nil {
		s.logger.Warn("Camera close reported an error", zap.Error(err))
	} else {
		s.logger.Info("Detection stopped via API", zap.String("remote", c.ClientIP()))
	}
	c.JSON(http.StatusOK, statusResponse{Status: "Motion detection stopped"})
}

type detectorStatus struct {
	FramesProcessed int64     `json:"frames_processed"`
	MotionFrames    int64     `json:"motion_frames"`
	LastMotionTime  time.Time `json:"last_motion_time"`
	MaxMotionArea   float64   `json:"max_motion_area"`
	ProcessingMs    float64   `json:"processing_ms"`
}

type alertStatus struct {
	Fired         int64     `json:"fired"`
	Dropped       int64     `json:"dropped"`
	Delivered     int64     `json:"delivered"`
	Failed        int64     `json:"failed"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

type systemStatus struct {
	Detecting        bool           `json:"detecting"`
	CameraOpen       bool           `json:"camera_open"`
	UptimeSeconds    int64          `json:"uptime_seconds"`
	Cycles           int64          `json:"cycles"`
	SkippedFrames    int64          `json:"skipped_frames"`
	Detector         detectorStatus `json:"detector"`
	Alerts           *alertStatus   `json:"alerts,omitempty"`
	EventSubscribers int            `json:"event_subscribers"`
}

func (s *Server) status(c *gin.Context) {
	ls := s.loop.Stats()
	resp := systemStatus{
		Detecting:     s.loop.Running(),
		CameraOpen:    s.source.IsOpen(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Cycles:        ls.Cycles,
		SkippedFrames: ls.SkippedFrames,
		Detector: detectorStatus{
			FramesProcessed: ls.Detector.FramesProcessed,
			MotionFrames:    ls.Detector.MotionFrames,
			LastMotionTime:  ls.Detector.LastMotionTime,
			MaxMotionArea:   ls.Detector.MaxMotionArea,
			ProcessingMs:    float64(ls.Detector.ProcessingTime) / float64(time.Millisecond),
		},
	}
	if s.alerts != nil {
		as := s.alerts.Stats()
		resp.Alerts = &alertStatus{
			Fired:         as.Fired,
			Dropped:       as.Dropped,
			Delivered:     as.Delivered,
			Failed:        as.Failed,
			CooldownUntil: as.CooldownUntil,
		}
	}
	if s.events != nil {
		resp.EventSubscribers = s.events.Clients()
	}
	c.JSON(http.StatusOK, resp)
}

// crossOrigin allows browser pages on whitelisted origins to call the API.
func crossOrigin(allowed map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && allowed[origin] {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
