package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/sims-infirmary-api/api/swagger"
	"github.com/noah-isme/sims-infirmary-api/internal/handler"
	"github.com/noah-isme/sims-infirmary-api/internal/middleware"
	"github.com/noah-isme/sims-infirmary-api/internal/models"
	"github.com/noah-isme/sims-infirmary-api/internal/realtime"
	"github.com/noah-isme/sims-infirmary-api/internal/repository"
	"github.com/noah-isme/sims-infirmary-api/internal/service"
	"github.com/noah-isme/sims-infirmary-api/pkg/cache"
	"github.com/noah-isme/sims-infirmary-api/pkg/config"
	"github.com/noah-isme/sims-infirmary-api/pkg/database"
	"github.com/noah-isme/sims-infirmary-api/pkg/jobs"
	"github.com/noah-isme/sims-infirmary-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/sims-infirmary-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sims-infirmary-api/pkg/middleware/requestid"
)

// @title SIMS Infirmary API
// @version 1.0.0
// @description School infirmary visits, medication inventory and staff notifications
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer db.Close()
	checks := map[string]handler.Pinger{"postgres": db}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Fatal("failed to connect redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = redisPinger{client: redisClient}
	}

	metricsSvc := service.NewMetricsService()
	validate := validator.New()

	students := repository.NewStudentRepository(db)
	staff := repository.NewStaffRepository(db)
	visits := repository.NewVisitRepository(db)
	medications := repository.NewMedicationRepository(db)
	administrations := repository.NewAdministrationRepository(db)
	notifications := repository.NewNotificationRepository(db)

	var cacheRepo service.CacheRepository
	if redisClient != nil {
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Notifications.UnreadCacheTTL, logr, cfg.Notifications.UnreadCacheEnable && redisClient != nil)

	hub := realtime.NewHub(logr.Named("realtime"), realtime.HubConfig{AllowedOrigins: cfg.CORS.AllowedOrigins})
	var pusher service.Pusher = hub
	if cfg.Notifications.PushBackend == config.PushBackendRedis && redisClient != nil {
		pusher = realtime.NewRedisPublisher(redisClient, logr)
		relay := realtime.NewRedisRelay(redisClient, hub, logr.Named("realtime"))
		go func() {
			if err := relay.Run(ctx); err != nil {
				logr.Error("realtime relay stopped", zap.Error(err))
			}
		}()
	}

	pushWorker := service.NewPushWorker(pusher, metricsSvc, logr, cfg.Notifications.PushTimeout)
	pushQueue := jobs.NewQueue("notification-push", pushWorker.Handle, jobs.QueueConfig{
		Workers:    cfg.Notifications.PushWorkers,
		BufferSize: cfg.Notifications.PushBuffer,
		MaxRetries: cfg.Notifications.PushRetries,
		Logger:     logr,
	})
	pushQueue.Start(ctx)
	defer pushQueue.Stop()

	authSvc := service.NewAuthService(logr, service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret, Issuer: cfg.JWT.Issuer})
	notificationSvc := service.NewNotificationService(notifications, staff, students, pushQueue, cacheSvc, metricsSvc, validate, logr, service.NotificationConfig{
		PushTimeout:    cfg.Notifications.PushTimeout,
		UnreadCacheTTL: cfg.Notifications.UnreadCacheTTL,
	})
	inventorySvc := service.NewInventoryService(medications, notificationSvc, db, metricsSvc, validate, logr, service.InventoryConfig{ExpiringDays: cfg.Inventory.ExpiringDays})
	visitSvc := service.NewVisitService(visits, students, staff, notificationSvc, db, validate, logr, service.VisitConfig{RecentDays: cfg.Visits.RecentDays})
	administrationSvc := service.NewAdministrationService(administrations, visits, inventorySvc, db, metricsSvc, validate, logr, service.AdministrationConfig{RecentLimit: cfg.Inventory.RecentAdministrationsLimit})
	exportSvc := service.NewExportService(inventorySvc, logr, nil, nil)

	visitHandler := handler.NewVisitHandler(visitSvc)
	medicationHandler := handler.NewMedicationHandler(inventorySvc, exportSvc)
	administrationHandler := handler.NewAdministrationHandler(administrationSvc)
	notificationHandler := handler.NewNotificationHandler(notificationSvc)
	realtimeHandler := handler.NewRealtimeHandler(hub, logr)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	clinical := middleware.RequireRoles(models.RoleNurse, models.RoleAdmin)
	adminOnly := middleware.RequireRoles(models.RoleAdmin)
	audit := func(action, resource string) gin.HandlerFunc {
		return middleware.Audit(logr, action, resource)
	}

	api := r.Group(cfg.APIPrefix)
	api.GET("/ws/notifications", middleware.WebsocketJWT(authSvc), realtimeHandler.Notifications)

	secured := api.Group("")
	secured.Use(middleware.JWT(authSvc))

	visitRoutes := secured.Group("/visits")
	visitRoutes.GET("", clinical, visitHandler.List)
	visitRoutes.POST("", clinical, audit("visit.create", "Visit"), visitHandler.Create)
	visitRoutes.GET("/recent", clinical, visitHandler.Recent)
	visitRoutes.GET("/students/:studentId/count", clinical, visitHandler.CountByStudent)
	visitRoutes.GET("/:id", clinical, visitHandler.Get)
	visitRoutes.PUT("/:id", clinical, audit("visit.update", "Visit"), visitHandler.Update)
	visitRoutes.PATCH("/:id/disposition", clinical, audit("visit.disposition", "Visit"), visitHandler.SetDisposition)
	visitRoutes.DELETE("/:id", adminOnly, audit("visit.delete", "Visit"), visitHandler.Delete)

	inventoryRoutes := secured.Group("/medications/inventory")
	inventoryRoutes.GET("", clinical, medicationHandler.List)
	inventoryRoutes.POST("", clinical, audit("medication.create", "StockItem"), medicationHandler.Create)
	inventoryRoutes.GET("/low-stock", clinical, medicationHandler.LowStock)
	inventoryRoutes.GET("/expiring", clinical, medicationHandler.Expiring)
	inventoryRoutes.GET("/export", clinical, audit("medication.export", "StockItem"), medicationHandler.Export)
	inventoryRoutes.GET("/:id", clinical, medicationHandler.Get)
	inventoryRoutes.PUT("/:id", clinical, audit("medication.update", "StockItem"), medicationHandler.Update)
	inventoryRoutes.DELETE("/:id", adminOnly, audit("medication.deactivate", "StockItem"), medicationHandler.Deactivate)
	inventoryRoutes.PATCH("/:id/stock", clinical, audit("medication.adjust", "StockItem"), medicationHandler.AdjustStock)
	inventoryRoutes.GET("/:id/movements", clinical, medicationHandler.Movements)

	administrationRoutes := secured.Group("/medications/administrations")
	administrationRoutes.POST("", clinical, audit("medication.administer", "Administration"), administrationHandler.Administer)
	administrationRoutes.GET("/recent", clinical, administrationHandler.Recent)
	administrationRoutes.GET("/visits/:visitId", clinical, administrationHandler.ListByVisit)
	administrationRoutes.GET("/students/:studentId", clinical, administrationHandler.ListByStudent)

	notificationRoutes := secured.Group("/notifications")
	notificationRoutes.GET("", notificationHandler.List)
	notificationRoutes.GET("/unread", notificationHandler.Unread)
	notificationRoutes.GET("/unread-count", notificationHandler.UnreadCount)
	notificationRoutes.POST("/read-all", notificationHandler.MarkAllRead)
	notificationRoutes.POST("/checkup", clinical, audit("notification.checkup", "Notification"), notificationHandler.Checkup)
	notificationRoutes.POST("/:id/read", notificationHandler.MarkRead)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
