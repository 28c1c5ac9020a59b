// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package api serves the host-facing HTTP surface: pairing and repair
// sessions, device management, the device event stream, Prometheus metrics
// and health probes.
//
// # Routes
//
//	POST   /api/pair/sessions                       open a pairing session
//	POST   /api/pair/sessions/:id/views/:view       show a view
//	POST   /api/pair/sessions/:id/apikey            submit an API key
//	GET    /api/pair/sessions/:id/list_devices      list pairable profiles
//	POST   /api/pair/sessions/:id/devices           add a selected profile
//	GET    /api/pair/devices                        list pairable profiles
//	POST   /api/devices/:id/repair                  replace the API key
//	GET    /api/devices                             list devices
//	GET    /api/devices/:id                         get a device
//	PUT    /api/devices/:id/settings                change settings
//	PUT    /api/devices/:id/name                    rename
//	DELETE /api/devices/:id                         delete
//	GET    /ws                                      device event stream
//	GET    /metrics, /health, /ready
package api

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/soothill/nextdns-profile-monitor/driver"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/metrics"
	"golang.org/x/time/rate"
)

const (
	readinessCheckTimeout = 2 * time.Second
	defaultHealthRate     = 10
	defaultHealthBurst    = 20
)

// Pairing runs the pairing and repair steps.
type Pairing interface {
	BeginView(ctx context.Context, session driver.Session, viewID string) error
	SubmitCredential(ctx context.Context, session driver.Session, apiKey string) (bool, error)
	ListRemoteProfiles(ctx context.Context) ([]device.Candidate, error)
	Repair(ctx context.Context, session driver.Session, apiKey string) (bool, error)
}

// Devices is the device manager surface used by the API.
type Devices interface {
	Add(ctx context.Context, c device.Candidate) (*device.Device, error)
	Get(id string) (*device.Device, error)
	List() []*device.Device
	UpdateSettings(ctx context.Context, id string, changes map[string]string) (*device.Device, error)
	Rename(ctx context.Context, id, name string) (*device.Device, error)
	Delete(ctx context.Context, id string) error
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Options configures a Server. Zero values select defaults.
type Options struct {
	AllowedOrigins []string
	HealthRate     float64
	HealthBurst    int
	// Readiness is checked by /ready. Nil means always ready.
	Readiness HealthChecker
}

// Server is the host API.
type Server struct {
	engine   *gin.Engine
	pairing  Pairing
	devices  Devices
	sessions *SessionRegistry
	hub      *EventHub
	ready    HealthChecker
	origins  []string

	healthLimiter *rate.Limiter
	readyLimiter  *rate.Limiter
}

// NewServer builds the router.
func NewServer(pairing Pairing, devices Devices, sessions *SessionRegistry, hub *EventHub, opts Options) *Server {
	limit, burst := rate.Limit(opts.HealthRate), opts.HealthBurst
	if limit <= 0 {
		limit = defaultHealthRate
	}
	if burst <= 0 {
		burst = defaultHealthBurst
	}

	s := &Server{
		engine:        gin.New(),
		pairing:       pairing,
		devices:       devices,
		sessions:      sessions,
		hub:           hub,
		ready:         opts.Readiness,
		origins:       opts.AllowedOrigins,
		healthLimiter: rate.NewLimiter(limit, burst),
		readyLimiter:  rate.NewLimiter(limit, burst),
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine
	r.Use(gin.Recovery(), requestMetrics(), s.cors())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", rateLimit(s.healthLimiter), s.health)
	r.GET("/ready", rateLimit(s.readyLimiter), s.readiness)
	r.GET("/ws", s.hub.ServeWS)

	api := r.Group("/api")
	{
		pair := api.Group("/pair")
		{
			pair.POST("/sessions", s.openSession)
			pair.POST("/sessions/:id/views/:view", s.showView)
			pair.POST("/sessions/:id/apikey", s.submitAPIKey)
			pair.GET("/sessions/:id/list_devices", s.sessionProfiles)
			pair.POST("/sessions/:id/devices", s.addDevice)
			pair.GET("/devices", s.listProfiles)
		}

		devices := api.Group("/devices")
		{
			devices.GET("", s.listDevices)
			devices.GET("/:id", s.getDevice)
			devices.PUT("/:id/settings", s.updateSettings)
			devices.PUT("/:id/name", s.renameDevice)
			devices.DELETE("/:id", s.deleteDevice)
			devices.POST("/:id/repair", s.repairDevice)
		}
	}
}

// requestMetrics counts requests by route template and status.
func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()

		logger.Debug().
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

// cors allows browser access from the configured origins.
func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Vary", "Origin")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With")
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// rateLimit rejects requests beyond the limiter's rate.
func rateLimit(limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", c.Request.URL.Path).
				Str("remote_addr", c.ClientIP()).
				Msg("Rate limit exceeded for health endpoint")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse("rate limit exceeded"))
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (s *Server) readiness(c *gin.Context) {
	if s.ready == nil {
		c.String(http.StatusOK, "READY")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessCheckTimeout)
	defer cancel()

	if err := s.ready.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: time-series storage unhealthy")
		c.String(http.StatusServiceUnavailable, "NOT READY: storage unhealthy")
		return
	}
	c.String(http.StatusOK, "READY")
}
