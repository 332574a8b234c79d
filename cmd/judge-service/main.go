package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"judgebox/internal/common/cache"
	"judgebox/internal/common/db"
	commonmw "judgebox/internal/common/http/middleware"
	"judgebox/internal/common/mq"
	"judgebox/internal/common/storage"
	"judgebox/internal/judge/controller"
	"judgebox/internal/judge/metrics"
	"judgebox/internal/judge/publisher"
	"judgebox/internal/judge/queue"
	"judgebox/internal/judge/repository"
	"judgebox/internal/judge/sandbox"
	"judgebox/internal/judge/security"
	"judgebox/internal/judge/service"
	"judgebox/internal/judge/worker"
	"judgebox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/judge_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	var objStorage storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
		objStorage = minioStorage
	}

	jobQueue, err := queue.NewRedisQueue(redisCache, appCfg.Queue)
	if err != nil {
		logger.Error(context.Background(), "init job queue failed", zap.Error(err))
		return
	}

	validator, err := security.NewValidator(appCfg.Security)
	if err != nil {
		logger.Error(context.Background(), "init security validator failed", zap.Error(err))
		return
	}

	profiles, err := sandbox.NewRegistry(append(sandbox.DefaultProfiles(), appCfg.Languages...)...)
	if err != nil {
		logger.Error(context.Background(), "init language profiles failed", zap.Error(err))
		return
	}

	var archiveStore storage.ObjectStorage
	if objStorage != nil && appCfg.Workspace.ArchiveBucket != "" {
		archiveStore = objStorage
	}
	workspaces, err := sandbox.NewWorkspaceManager(appCfg.Workspace, archiveStore)
	if err != nil {
		logger.Error(context.Background(), "init workspace manager failed", zap.Error(err))
		return
	}

	executor, err := sandbox.NewExecutor(sandbox.NewExecRunner(), appCfg.Sandbox)
	if err != nil {
		logger.Error(context.Background(), "init sandbox executor failed", zap.Error(err))
		return
	}

	admission := service.NewAdmissionController(appCfg.Worker.MaxConcurrent)

	problemStore := repository.NewProblemStore(mysqlDB, redisCache)
	submissionStore := repository.NewSubmissionStore(mysqlDB, redisCache)
	userStore := repository.NewUserStore(mysqlDB)
	statusStore := repository.NewStatusStore(redisCache, submissionStore)

	resultPublisher, err := publisher.NewRedisPublisher(redisCache, appCfg.Publish.Channel)
	if err != nil {
		logger.Error(context.Background(), "init result publisher failed", zap.Error(err))
		return
	}
	var pub publisher.ResultPublisher = resultPublisher
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.toMQConfig())
		if err != nil {
			logger.Error(context.Background(), "init kafka producer failed", zap.Error(err))
			return
		}
		defer func() {
			_ = producer.Close()
		}()
		announcer, err := publisher.NewKafkaAnnouncer(producer, appCfg.Kafka.ResultTopic)
		if err != nil {
			logger.Error(context.Background(), "init kafka announcer failed", zap.Error(err))
			return
		}
		pub = publisher.NewCompositePublisher(resultPublisher, announcer)
	}

	judgeMetrics := metrics.New(admission.ActiveJobs)

	judgeSvc, err := service.NewJudgeService(service.Config{
		Validator:         validator,
		Profiles:          profiles,
		Workspaces:        workspaces,
		Executor:          executor,
		Admission:         admission,
		Submissions:       submissionStore,
		Users:             userStore,
		Status:            statusStore,
		Publisher:         pub,
		Observer:          judgeMetrics,
		ArchiveWorkspaces: archiveStore != nil,
	})
	if err != nil {
		logger.Error(context.Background(), "init judge service failed", zap.Error(err))
		return
	}

	var sourceStore storage.ObjectStorage
	if objStorage != nil && appCfg.Intake.SourceBucket != "" {
		sourceStore = objStorage
	}
	intakeSvc, err := service.NewIntakeService(service.IntakeConfig{
		Problems:       problemStore,
		Submissions:    submissionStore,
		Status:         statusStore,
		Queue:          jobQueue,
		Cache:          redisCache,
		Storage:        sourceStore,
		SourceBucket:   appCfg.Intake.SourceBucket,
		SourcePrefix:   appCfg.Intake.SourcePrefix,
		MaxCodeBytes:   appCfg.Intake.MaxCodeBytes,
		IdempotencyTTL: appCfg.Intake.IdempotencyTTL,
		RateLimit:      appCfg.Intake.RateLimit,
	})
	if err != nil {
		logger.Error(context.Background(), "init intake service failed", zap.Error(err))
		return
	}

	pool, err := worker.NewPool(jobQueue, judgeSvc, appCfg.Worker.PoolSize)
	if err != nil {
		logger.Error(context.Background(), "init worker pool failed", zap.Error(err))
		return
	}

	healthChecker := controller.NewHealthChecker(redisCache, appCfg.Health.MemoryCriticalPercent)
	sandboxController := controller.NewSandboxController(judgeSvc, admission, healthChecker, time.Now())
	submissionController := controller.NewSubmissionController(intakeSvc)

	httpServer := buildHTTPServer(appCfg.Server, sandboxController, submissionController, judgeMetrics)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	judgeMetrics.Start(rootCtx, jobQueue.Depth)

	grp, grpCtx := errgroup.WithContext(rootCtx)
	grp.Go(func() error {
		logger.Info(context.Background(), "judge http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		logger.Info(context.Background(), "judge worker pool started", zap.Int("size", pool.Size()))
		return pool.Run(grpCtx)
	})
	grp.Go(func() error {
		<-grpCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := grp.Wait(); err != nil {
		logger.Error(context.Background(), "judge service stopped", zap.Error(err))
		return
	}
	logger.Info(context.Background(), "judge service stopped")
}

func buildHTTPServer(cfg ServerConfig, sandboxCtrl *controller.SandboxController, submissionCtrl *controller.SubmissionController, judgeMetrics *metrics.JudgeMetrics) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	sandboxAPI := router.Group("/api/sandbox")
	sandboxAPI.POST("/execute", sandboxCtrl.Execute)
	sandboxAPI.GET("/status", sandboxCtrl.Status)
	sandboxAPI.GET("/health", sandboxCtrl.Health)

	judgeAPI := router.Group("/api/judge")
	judgeAPI.POST("/submissions", submissionCtrl.Create)
	judgeAPI.GET("/submissions/:id", submissionCtrl.GetStatus)

	router.GET("/metrics", gin.WrapH(judgeMetrics.Handler()))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
