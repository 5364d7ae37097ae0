// Package dashboard is the HTTP adapter: a gin router over the tick
// subscription, strategy registry and settings store, plus the bounded metric
// and log stores used for operations.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tickflow/config"
	"tickflow/internal/archive"
	"tickflow/internal/feed"
	"tickflow/internal/loop"
	"tickflow/internal/metrics"
	"tickflow/internal/notify"
	"tickflow/internal/settings"
	"tickflow/internal/strategy"
	"tickflow/internal/ticks"
	"tickflow/logger"
)

const (
	statsTimeout     = 5 * time.Second
	marketsTimeout   = 10 * time.Second
	subscribeTimeout = 10 * time.Second
)

// Venue is the account side of the feed connection.
type Venue interface {
	Connected() bool
	Balance(ctx context.Context) (float64, error)
	ActiveSymbols(ctx context.Context, mode string) ([]feed.Symbol, error)
}

// Ticks is the subscription manager.
type Ticks interface {
	Subscribe(ctx context.Context, symbol string) ticks.SubscribeResult
	Unsubscribe(ctx context.Context) ticks.UnsubscribeResult
	Latest() ticks.Snapshot
	Status() ticks.Status
	Watch(ctx context.Context, buffer int) *ticks.Subscription
}

// Strategies is the strategy registry.
type Strategies interface {
	CreateStrategy(c strategy.Config) strategy.CreateResult
	UpdateStrategy(id string, c strategy.Config) strategy.CreateResult
	DeleteStrategy(id string) bool
	Strategy(id string) (strategy.Info, bool)
	Strategies() []strategy.Info
	ProcessTick(id string, value int) strategy.TickResult
	CreateTrade(id, betType string, amount *float64) strategy.TradeResult
	Reset(id string) strategy.ActionResult
	CancelActiveTrades(id string) strategy.ActionResult
	History(id string, limit int) []strategy.HistoryRecord
	OverallStats() strategy.OverallStats
}

// Settings is the persistent key/value store.
type Settings interface {
	Get(ctx context.Context, key string) (settings.Setting, error)
	Set(ctx context.Context, key, value, description string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]settings.Setting, error)
}

// Notifier is the chat notification front.
type Notifier interface {
	Enabled() bool
	Interval() time.Duration
	Stats() notify.Stats
	Notify(text string)
	SendNow(ctx context.Context, text string) error
}

// Archive is the trade export, present only when enabled.
type Archive interface {
	Stats() archive.Stats
}

// Deps are the collaborators the router serves. Notifier and Archive may be
// nil.
type Deps struct {
	Loop       *loop.Loop
	Venue      Venue
	Ticks      Ticks
	Strategies Strategies
	Settings   Settings
	Notifier   Notifier
	Archive    Archive
}

// Server hosts the JSON API.
type Server struct {
	cfg           config.HTTPConfig
	deps          Deps
	log           *logger.Log
	service       string
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

func NewServer(cfg config.HTTPConfig, service string, deps Deps, log *logger.Log) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if service == "" {
		service = "tickflow"
	}

	metricStore := newMetricStore(cfg.MetricsHistory)
	handlerID := metrics.RegisterMetricHandler(metricStore.handle)

	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		deps:          deps,
		log:           log,
		service:       service,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: handlerID,
	}
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{"address": s.cfg.Address}).Info("http server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	if s.logStore != nil {
		s.logStore.close()
	}
}

func (s *Server) Address() string {
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), cors())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	api := router.Group("/api")
	api.GET("/health", s.health)
	api.GET("/stats", s.stats)
	api.GET("/markets", s.markets)
	api.POST("/subscribe", s.subscribe)
	api.POST("/unsubscribe", s.unsubscribe)
	api.GET("/ticks", s.ticks)
	api.GET("/ticks/stream", s.streamTicks)
	api.GET("/subscription/status", s.subscriptionStatus)
	api.POST("/subscription/cleanup", s.cleanupSubscription)

	trading := api.Group("/trading")
	trading.POST("/strategies", s.createStrategy)
	trading.GET("/strategies", s.listStrategies)
	trading.GET("/strategies/:id", s.getStrategy)
	trading.PUT("/strategies/:id", s.updateStrategy)
	trading.DELETE("/strategies/:id", s.deleteStrategy)
	trading.POST("/strategies/:id/reset", s.resetStrategy)
	trading.POST("/strategies/:id/cancel", s.cancelTrades)
	trading.POST("/strategies/:id/trades", s.createTrade)
	trading.POST("/strategies/:id/ticks", s.processTick)
	trading.GET("/history", s.history)
	trading.GET("/stats", s.overallStats)

	api.GET("/settings", s.listSettings)
	api.POST("/settings", s.createSetting)
	api.GET("/settings/:key", s.getSetting)
	api.PUT("/settings/:key", s.updateSetting)
	api.DELETE("/settings/:key", s.deleteSetting)

	api.GET("/notifications/status", s.notificationStatus)
	api.POST("/notifications/test", s.testNotification)

	api.GET("/archive/status", s.archiveStatus)
	api.GET("/metrics", s.metricsSnapshot)
	api.GET("/logs", s.logsSnapshot)

	return router, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/api/ticks" || c.Request.URL.Path == "/api/ticks/stream" {
			// polled every few hundred milliseconds by the dashboard
			return
		}
		entry := s.log.WithComponent("api").WithFields(logger.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
		})
		logger.LogPerformanceEntry(entry, "api", "request", time.Since(start), nil)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// fail writes {"error": msg}. A loop.ErrUnavailable always maps to 503.
func fail(c *gin.Context, status int, err error) {
	if errors.Is(err, loop.ErrUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service not ready"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) archiveStatus(c *gin.Context) {
	if s.deps.Archive == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "stats": s.deps.Archive.Stats()})
}

// queryLimit reads ?limit=, zero meaning everything retained.
func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) metricsSnapshot(c *gin.Context) {
	snapshot := s.metricStore.query(c.Query("component"), queryLimit(c))
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) logsSnapshot(c *gin.Context) {
	minLevel := logrus.TraceLevel
	if raw := c.Query("level"); raw != "" {
		lvl, err := logrus.ParseLevel(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown log level " + raw})
			return
		}
		minLevel = lvl
	}
	snapshot := s.logStore.query(minLevel, queryLimit(c))
	payload := make([]gin.H, 0, len(snapshot))
	for _, l := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": l.Timestamp.Format(time.RFC3339Nano),
			"level":     l.Level.String(),
			"component": l.Component,
			"message":   l.Message,
			"fields":    l.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": payload})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)

	if addr == "" {
		return "0.0.0.0:5000"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "5000"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil {
		return net.JoinHostPort(addr, "5000")
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "5000")
	}

	return addr
}
