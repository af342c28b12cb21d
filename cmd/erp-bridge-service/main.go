package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/erpbridge/bridge"
	"github.com/mmdatafocus/erpbridge/bridgeapi"
	"github.com/mmdatafocus/erpbridge/config"
	"github.com/mmdatafocus/erpbridge/middlewares"
	"github.com/mmdatafocus/erpbridge/models"
	"github.com/mmdatafocus/erpbridge/utils"
	"github.com/mmdatafocus/erpbridge/workflow"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("BRIDGE_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// The listener comes up before the database so health checks pass while
	// connections are retried; everything else answers 503 until ready.
	var app atomic.Pointer[gin.Engine]
	srv := &http.Server{
		Addr: ":" + port,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			engine := app.Load()
			if engine == nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			engine.ServeHTTP(w, r)
		}),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	if err := config.ConnectDatabaseWithRetry(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Error(err)
		return
	}
	if err := config.ConnectRedisWithRetry(sigCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "redis"}).Error(err)
		return
	}

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	queueCfg := config.GetQueueConfig()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db, queueCfg.MaxRetries); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Error(err)
			return
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	erp, err := bridge.NewServiceLayerClient(config.GetErpClientConfig(), logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "erp-client"}).Error(err)
		return
	}
	businessApp, err := bridge.NewRPCClient(config.GetAppClientConfig())
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "app-client"}).Error(err)
		return
	}

	store := models.NewQueueStore(db, queueCfg.MaxRetries)
	resync := workflow.NewResyncCoordinator(store, erp, businessApp, logger)
	router := &workflow.ItemRouter{
		Webhook: &workflow.OrderConfirmationExecutor{
			App:    businessApp,
			Poster: &workflow.CogsPoster{Documents: erp, Logger: logger},
			Logger: logger,
		},
		Resync: resync,
	}
	worker := workflow.NewQueueWorker(store, router, logger, queueCfg)
	detector := &workflow.OrderDetector{
		App:    businessApp,
		Store:  store,
		Logger: logger,
		Config: config.GetDetectorConfig(),
	}

	app.Store(newRouter(logger, store, resync))

	workerCtx, stopWorkers := context.WithCancel(sigCtx)
	var background conc.WaitGroup
	background.Go(func() { worker.Run(workerCtx) })
	background.Go(func() { detector.Run(workerCtx) })

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err)
		}
	}

	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), queueCfg.DrainTimeout())
	defer cancelDrain()

	done := make(chan struct{})
	go func() {
		if r := background.WaitAndRecover(); r != nil {
			logger.WithFields(logrus.Fields{"field": "shutdown"}).Error(r.String())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-drainCtx.Done():
		logger.WithFields(logrus.Fields{"field": "shutdown", "drain_timeout": queueCfg.DrainTimeout().String()}).Warn("worker did not stop before shutdown deadline")
	}
}

func newRouter(logger *logrus.Logger, store *models.QueueStore, resync *workflow.ResyncCoordinator) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", middlewares.WebhookSecretHeader)
	corsConfig.AddExposeHeaders("Content-Length")
	if !corsConfig.AllowAllOrigins {
		corsConfig.AllowCredentials = true
	}

	r.Use(cors.New(corsConfig))
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	bridgeapi.RegisterRoutes(r, store, resync, middlewares.AuthMiddleware(), middlewares.WebhookSecretMiddleware())

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "route not found"})
	})
	return r
}

func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		entry := logger.WithFields(logrus.Fields{
			"status":         c.Writer.Status(),
			"method":         c.Request.Method,
			"path":           c.Request.URL.Path,
			"latency":        latency.String(),
			"correlation_id": cid,
		})
		if len(c.Errors) > 0 {
			entry.WithField("errors", c.Errors.String()).Error("request")
			return
		}
		entry.Info("request")
	}
}
