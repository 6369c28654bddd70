package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-behavior-go/internal/analysis"
	"github.com/apk-analysis/apk-behavior-go/internal/api"
	"github.com/apk-analysis/apk-behavior-go/internal/api/handlers"
	"github.com/apk-analysis/apk-behavior-go/internal/config"
	"github.com/apk-analysis/apk-behavior-go/internal/domain"
	"github.com/apk-analysis/apk-behavior-go/internal/middleware"
	"github.com/apk-analysis/apk-behavior-go/internal/queue"
	"github.com/apk-analysis/apk-behavior-go/internal/repository"
	"github.com/apk-analysis/apk-behavior-go/internal/rule"
	"github.com/apk-analysis/apk-behavior-go/internal/service"
	"github.com/apk-analysis/apk-behavior-go/internal/watcher"
	"github.com/sirupsen/logrus"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	fmt.Printf("APK Behavior Engine\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	configPath := "./configs/config.yaml"
	if len(os.Args) > 2 && os.Args[1] == "--config" {
		configPath = os.Args[2]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.InitLogger(&cfg.Log)
	logger.WithField("config", configPath).Infof("Starting APK Behavior Engine %s", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 数据库
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	logger.WithField("type", cfg.Database.Type).Info("Database connected successfully")

	// 规则仓库
	rs, err := rule.NewDefaultRuleset(cfg.Rules.Dir)
	if err != nil {
		logger.Fatalf("Failed to load rules: %v", err)
	}
	if conflicts := rs.Conflicts(); len(conflicts) > 0 {
		logger.WithField("files", conflicts).Warn("Duplicate rule numbers, files only reachable by name")
	}
	store := rule.NewStore(rs)
	logger.WithFields(logrus.Fields{
		"rules_dir": cfg.Rules.Dir,
		"rules":     rs.Len(),
	}).Info("Rules loaded")

	// 监控
	metrics := middleware.NewEngineMetrics(logger, "apk_behavior")
	metrics.SetRulesLoaded(rs.Len())

	memMonitor := middleware.NewMemoryMonitor(logger, metrics, 30*time.Second)
	go memMonitor.Run(ctx)

	// 任务进度推送
	progress := handlers.NewProgressHub(nil, logger)
	progress.Start(ctx)

	svc := service.NewAnalysisService(service.AnalysisServiceConfig{
		TaskRepo:   repository.NewAnalysisTaskRepository(db, logger),
		ReportRepo: repository.NewBehaviorReportRepository(db),
		Rules:      store,
		Options:    analysis.OptionsFromConfig(cfg.Engine),
		DumpDir:    cfg.DumpDir,
		Metrics:    metrics,
		Events:     progress,
		Logger:     logger,
	})
	progress.SetService(svc)

	queued, err := svc.Recover(ctx)
	if err != nil {
		logger.WithError(err).Warn("Failed to recover tasks from previous run")
	}

	// 规则热加载
	var reloader handlers.Reloader
	if cfg.Rules.Watch {
		rw, err := watcher.NewRuleWatcher(cfg.Rules.Dir, store, logger, watcher.WithMetrics(metrics))
		if err != nil {
			logger.Fatalf("Failed to create rule watcher: %v", err)
		}
		go rw.Run(ctx)
		reloader = rw
		logger.Info("Rule watcher started")
	}

	// 任务队列；未启用时排队任务在本进程内执行
	var publisher handlers.AnalysisPublisher
	if cfg.RabbitMQ.Enabled {
		mq, err := queue.NewRabbitMQ(&queue.RabbitMQConfig{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
		}, cfg.RabbitMQ.Queue, cfg.RabbitMQ.Workers, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		defer mq.Close()

		producer := queue.NewProducer(mq, metrics, logger)
		publisher = producer
		republishQueued(ctx, producer, queued, logger)

		consumer := queue.NewConsumer(mq, queue.AnalysisHandler(svc), cfg.RabbitMQ.Workers, metrics, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.WithError(err).Error("Consumer stopped with error")
			}
		}()
	} else if len(queued) > 0 {
		go runQueued(ctx, svc, queued, logger)
	}

	router := api.SetupRouter(api.Dependencies{
		Mode:       cfg.Server.Mode,
		APIToken:   cfg.Server.APIToken,
		Logger:     logger,
		Service:    svc,
		Rules:      store,
		Reloader:   reloader,
		Publisher:  publisher,
		Progress:   progress,
		Metrics:    metrics,
		MemMonitor: memMonitor,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on :%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}

	logger.Info("Server stopped")
}

// republishQueued 将数据库中仍在排队的任务重新发布到队列
func republishQueued(ctx context.Context, producer *queue.Producer, tasks []*domain.AnalysisTask, logger *logrus.Logger) {
	if len(tasks) == 0 {
		return
	}

	success := 0
	for _, task := range tasks {
		msg := &queue.AnalysisMessage{TaskID: task.ID, DumpPath: task.DumpPath, Rules: task.RuleNames()}
		if err := producer.PublishAnalysis(ctx, msg); err != nil {
			logger.WithError(err).WithField("task_id", task.ID).Error("Failed to republish task")
			continue
		}
		success++
	}

	logger.WithFields(logrus.Fields{
		"total":   len(tasks),
		"success": success,
	}).Info("Queued tasks republished")
}

// runQueued 未启用队列时依次执行排队任务
func runQueued(ctx context.Context, svc service.AnalysisService, tasks []*domain.AnalysisTask, logger *logrus.Logger) {
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if err := svc.Run(ctx, task.ID); err != nil {
			logger.WithError(err).WithField("task_id", task.ID).Warn("Queued task failed")
		}
	}
}
