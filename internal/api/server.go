package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tinvest-stream/internal/models"
	"tinvest-stream/internal/services/connection"
	"tinvest-stream/internal/services/limits"
	"tinvest-stream/internal/services/streaming"
)

// Controller is the orchestrator surface driven over HTTP
type Controller interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	ReconnectAll(ctx context.Context) error
	StartService(ctx context.Context, name string) error
	StopService(ctx context.Context, name string) error
	ReconnectService(ctx context.Context, name string) error
	Service(name string) (streaming.StreamingService, error)
	AllServiceStatuses() map[string]streaming.ServiceStatus
	AggregatedMetrics() streaming.AggregatedMetrics
	Healthy() bool
}

// RequestBudget reports the shared provider request limiter
type RequestBudget interface {
	Stats() connection.LimiterStats
}

type Server struct {
	port       int
	ctrl       Controller
	thresholds *limits.Thresholds
	budget     RequestBudget
	version    string
	startTime  time.Time
	logger     *logrus.Logger

	engine *gin.Engine
	http   *http.Server
}

func NewServer(port int, ctrl Controller, thresholds *limits.Thresholds, budget RequestBudget, version string, logger *logrus.Logger) *Server {
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		port:       port,
		ctrl:       ctrl,
		thresholds: thresholds,
		budget:     budget,
		version:    version,
		startTime:  time.Now(),
		logger:     logger,
		engine:     gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger)
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.getHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/api/v1")
	v1.GET("/streams", s.listStreams)
	v1.POST("/streams/start", s.all("start", s.ctrl.StartAll))
	v1.POST("/streams/stop", s.all("stop", s.ctrl.StopAll))
	v1.POST("/streams/reconnect", s.all("reconnect", s.ctrl.ReconnectAll))
	v1.GET("/streams/:name", s.getStream)
	v1.POST("/streams/:name/:op", s.serviceOp)
	v1.GET("/metrics", s.getMetrics)
	v1.GET("/provider/requests", s.getRequestBudget)
	v1.GET("/limits/thresholds", s.getThresholds)
	v1.PUT("/limits/thresholds", s.putThresholds)
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Start() error {
	s.logger.Infof("HTTP server starting on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.WithFields(logrus.Fields{
		"method":   c.Request.Method,
		"path":     c.FullPath(),
		"status":   c.Writer.Status(),
		"duration": time.Since(start).Milliseconds(),
	}).Debug("HTTP request")
}

func (s *Server) getHealth(c *gin.Context) {
	healthy := s.ctrl.Healthy()
	services := make(map[string]string)
	for name, st := range s.ctrl.AllServiceStatuses() {
		services[name] = st.State.String()
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"healthy":        healthy,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"services":       services,
	})
}

func (s *Server) listStreams(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.AllServiceStatuses())
}

func (s *Server) getStream(c *gin.Context) {
	svc, err := s.ctrl.Service(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, svc.Status())
}

func (s *Server) all(op string, fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Request.Context()); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"accepted": true, "op": op})
	}
}

func (s *Server) serviceOp(c *gin.Context) {
	name, op := c.Param("name"), c.Param("op")

	var fn func(context.Context, string) error
	switch op {
	case "start":
		fn = s.ctrl.StartService
	case "stop":
		fn = s.ctrl.StopService
	case "reconnect":
		fn = s.ctrl.ReconnectService
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("unknown operation %q", op)})
		return
	}

	if err := fn(c.Request.Context(), name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "op": op, "service": name})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.AggregatedMetrics())
}

func (s *Server) getRequestBudget(c *gin.Context) {
	c.JSON(http.StatusOK, s.budget.Stats())
}

type thresholdsBody struct {
	LimitPercent      *decimal.Decimal `json:"limit_percent,omitempty"`
	HistoricalPercent *decimal.Decimal `json:"historical_percent,omitempty"`
}

func (s *Server) getThresholds(c *gin.Context) {
	limit, hist := s.thresholds.Limit(), s.thresholds.Historical()
	c.JSON(http.StatusOK, thresholdsBody{LimitPercent: &limit, HistoricalPercent: &hist})
}

// putThresholds validates both values before applying either
func (s *Server) putThresholds(c *gin.Context) {
	var body thresholdsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if body.LimitPercent != nil {
		if err := limits.ValidateThreshold("limit_percent", *body.LimitPercent); err != nil {
			s.fail(c, err)
			return
		}
	}
	if body.HistoricalPercent != nil {
		if err := limits.ValidateThreshold("historical_percent", *body.HistoricalPercent); err != nil {
			s.fail(c, err)
			return
		}
	}

	if body.LimitPercent != nil {
		_ = s.thresholds.SetLimit(*body.LimitPercent)
	}
	if body.HistoricalPercent != nil {
		_ = s.thresholds.SetHistorical(*body.HistoricalPercent)
	}

	s.logger.WithFields(logrus.Fields{
		"limit_percent":      s.thresholds.Limit().String(),
		"historical_percent": s.thresholds.Historical().String(),
	}).Info("Limit thresholds updated")
	s.getThresholds(c)
}

func (s *Server) fail(c *gin.Context, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Warn("Control request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, models.ErrServiceNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
