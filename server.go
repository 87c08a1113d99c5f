package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/vat_reconciliation/classifier"
	"github.com/mmdatafocus/vat_reconciliation/config"
	"github.com/mmdatafocus/vat_reconciliation/middlewares"
	"github.com/mmdatafocus/vat_reconciliation/models"
	"github.com/mmdatafocus/vat_reconciliation/utils"
	"github.com/mmdatafocus/vat_reconciliation/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("vat-reconciliation")

// rowClassifier classifies ingested rows. Set in main; tests swap it.
var rowClassifier classifier.Classifier = classifier.RuleBased{}

func newClassifier(settings config.EngineSettings, logger *logrus.Logger) classifier.Classifier {
	c := classifier.NewFromEnv(settings.ClassifierTimeout, logger)
	c.OnFallback = func(reason string) {
		config.GetMetrics().ClassifierFallbacks.WithLabelValues(reason).Inc()
	}
	return c
}

// respondError maps an engine error onto the response. Conflicts are retryable and
// carry Retry-After.
func respondError(c *gin.Context, err error) {
	status, body := utils.HTTPError(err)
	if status >= http.StatusInternalServerError {
		config.LogError(config.GetLogger(), "server.go", c.FullPath(), "request failed", c.Request.Method, err)
	}
	if status == http.StatusConflict {
		c.Header("Retry-After", "5")
	}
	c.AbortWithStatusJSON(status, body)
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

func pathInt(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil || v <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}

// bindOptionalJSON binds a body when one was sent; an empty body keeps the zero value.
func bindOptionalJSON(c *gin.Context, dest any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dest); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		cfg.AllowOrigins = splitAndTrim(allowedOrigins)
		if len(cfg.AllowOrigins) == 0 {
			// production without an allowlist denies every origin
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.BusinessHeader, middlewares.CorrelationHeader)
	cfg.AddExposeHeaders("Content-Length", middlewares.CorrelationHeader, "Retry-After")
	cfg.AllowCredentials = true
	return cfg
}

// newRouter builds the HTTP surface. Dependency readiness is gated so the listener
// can come up before MySQL and Redis.
func newRouter(logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		switch c.Request.URL.Path {
		case "/healthz", "/metrics":
			c.Next()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "starting up"})
			return
		}
		c.Next()
	})
	r.Use(cors.New(corsConfig()))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/pubsub/corrections", correctionPubSubHandler())
	r.NoRoute(customNotFoundHandler)

	api := r.Group("/api/v1")
	api.Use(middlewares.AuthMiddleware())
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		limit := int64(600)
		if n, err := strconv.ParseInt(strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")), 10, 64); err == nil && n > 0 {
			limit = n
		}
		window := 60 * time.Second
		if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS"))); err == nil && n > 0 {
			window = time.Duration(n) * time.Second
		}
		api.Use(middlewares.NewRateLimiter(config.GetRedisDB, limit, window).Middleware())
	}

	api.GET("/sessions", listSessionsHandler())
	api.POST("/sessions", createSessionHandler())
	api.GET("/sessions/:id", getSessionHandler())
	api.POST("/sessions/:id/complete", completeSessionHandler())

	api.POST("/uploads/sign", signUploadHandler())
	api.POST("/files", attachFileHandler())
	api.GET("/files/:fileId/download", downloadFileHandler())
	api.POST("/sessions/:id/files/:fileId/rows", classifyRowsHandler())

	api.GET("/sessions/:id/transactions", listTransactionsHandler())
	api.PATCH("/sessions/:id/transactions/:txnId", editTransactionHandler())

	api.POST("/sessions/:id/match", matchHandler())
	api.POST("/sessions/:id/pairs", forcePairHandler())
	api.DELETE("/sessions/:id/pairs/:txnId", unpairHandler())
	api.POST("/sessions/:id/aggregate", aggregateHandler())
	api.GET("/sessions/:id/summary", summaryHandler())
	api.POST("/sessions/:id/compare", compareHandler())
	api.POST("/sessions/:id/detect", detectHandler())
	api.POST("/sessions/:id/reconcile", reconcileHandler())

	api.GET("/sessions/:id/anomalies", listAnomaliesHandler())
	api.PATCH("/anomalies/:anomalyId", resolveAnomalyHandler())

	api.POST("/corrections", recordCorrectionHandler())
	api.GET("/corrections", listCorrectionsHandler())
	api.GET("/rules", listRulesHandler())
	api.GET("/rules/active", activeRulesHandler())
	api.PATCH("/rules/:ruleId", toggleRuleHandler())
	api.POST("/rules/analyze", analyzeHandler())

	ops := api.Group("/internal/ops", middlewares.OperatorOnly())
	ops.POST("/outbox/replay", outboxReplayHandler())

	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings, err := config.GetEngineSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err.Error())
	}
	rowClassifier = newClassifier(settings, logger)

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Listen first so the startup probe passes; app routes answer 503 until the DB is up.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate DDL can block tables; production runs it as a separate job.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	if config.PubSubEnabled() {
		go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)
	}

	var scheduler *workflow.LearningScheduler
	if settings.AnalyzeInterval > 0 {
		scheduler, err = workflow.NewLearningScheduler(settings.AnalyzeInterval, settings.RuleLookback, logger)
		if err == nil {
			err = scheduler.Start()
		}
		if err != nil {
			config.LogError(logger, "server.go", "main", "start learning scheduler", nil, err)
			scheduler = nil
		}
	}

	logger.WithFields(logrus.Fields{"field": "http", "port": port}).Info("vat reconciliation api ready")
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// background workers stop before the HTTP drain so no new work starts
	if scheduler != nil {
		scheduler.Stop()
	}
	cancelDispatcher()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
