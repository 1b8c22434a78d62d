package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fasthttp/router"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"labqueue/internal/config"
	"labqueue/internal/handlers"
	"labqueue/internal/logger"
	"labqueue/internal/queue"
	queueRepo "labqueue/internal/repository/queue"
	"labqueue/internal/service/assign"
)

var (
	methodErrorDB = []string{"method", "error"}
)

type App struct {
	cfg *config.Config
}

func New(cfg *config.Config) App {
	return App{cfg: cfg}
}

func (app *App) Run() {
	ctx, cancelProcesses := context.WithCancel(context.Background())
	defer cancelProcesses()

	logger.Init()

	var repo queue.Repository
	if app.cfg.DB.Configured() {
		db := app.initDB(ctx)
		defer db.Close()

		if err := queueRepo.EnsureSchema(ctx, db); err != nil {
			log.WithError(err).Error("Failed to ensure queue schema")
			return
		}

		dbReqCount := kitprometheus.NewCounterFrom(
			prometheus.CounterOpts{
				Namespace: app.cfg.Metrics.Namespace,
				Subsystem: app.cfg.Metrics.Subsystem,
				Name:      "db_request_count",
				Help:      "db request count",
			}, methodErrorDB,
		)
		dbReqDuration := kitprometheus.NewSummaryFrom(
			prometheus.SummaryOpts{
				Namespace: app.cfg.Metrics.Namespace,
				Subsystem: app.cfg.Metrics.Subsystem,
				Name:      "db_request_duration",
				Help:      "db request duration",
			},
			methodErrorDB,
		)

		pgRepo := queueRepo.NewRepository(db)
		repo = queueRepo.NewInstrumentingMiddleware(dbReqCount, dbReqDuration, pgRepo)
	} else {
		log.Info("No queue backend configured, producers will run tasks inline")
	}

	registry := queue.NewRegistry()
	assignSvc := assign.NewSvc()

	if err := handlers.RegisterAllHandlers(registry, assignSvc); err != nil {
		log.WithError(err).Error("Failed to register task handlers")
		return
	}

	dispatcherConfig := queue.Config{
		ChunkSizes:      app.cfg.Queue.ChunkSizes,
		DuplicatePolicy: queue.DuplicatePolicy(app.cfg.Queue.DuplicatePolicy),
		Policy: queue.Policy{
			MaxAttempts: app.cfg.Queue.MaxAttempts,
			ShrinkAfter: app.cfg.Queue.ShrinkAfter,
			MaxShrinks:  app.cfg.Queue.MaxShrinks,
			BackoffBase: app.cfg.Queue.BackoffBase,
			BackoffMax:  app.cfg.Queue.BackoffMax,
		},
		MaxWorkers:   app.cfg.Queue.MaxWorkers,
		PollPeriod:   app.cfg.Queue.PollPeriod,
		ChunkTimeout: app.cfg.Queue.ChunkTimeout,
	}

	dispatcher, err := queue.NewDispatcher(repo, registry, dispatcherConfig)
	if err != nil {
		log.WithError(err).Error("Failed to create dispatcher")
		return
	}

	dispatcher.Start(ctx)

	metricsRouter := router.New()
	metricsRouter.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	metricsServer := &fasthttp.Server{
		Handler:            metricsRouter.Handler,
		MaxRequestBodySize: app.cfg.System.ReadBufferSize,
		ReadTimeout:        app.cfg.System.ReadTimeout,
		ReadBufferSize:     app.cfg.System.ReadBufferSize,
	}

	go func() {
		log.WithFields(log.Fields{
			"port": app.cfg.Metrics.Port,
		}).Info("starting metrics server")
		if err = metricsServer.ListenAndServe(":" + app.cfg.Metrics.Port); err != nil {
			log.WithError(err).Error("metrics server run failure")
			return
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	defer func(sig os.Signal) {
		log.WithFields(log.Fields{
			"signal": sig.String(),
		}).Info("received signal, exiting")

		cancelProcesses()
		if stopErr := dispatcher.Stop(); stopErr != nil {
			log.WithError(stopErr).Error("Error stopping dispatcher")
		}

		_ = metricsServer.Shutdown()
		log.Info("goodbye")
	}(<-c)
}

func (app *App) initDB(ctx context.Context) *pgxpool.Pool {
	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		app.cfg.DB.UserName, app.cfg.DB.Password, app.cfg.DB.Address(), app.cfg.DB.DataBase)

	dbpool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Fatalf("Unable to create connection pool: %v\n", err)
	}

	return dbpool
}
