package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/parking-occupancy/internal/cache"
	"github.com/iliyamo/parking-occupancy/internal/config"
	"github.com/iliyamo/parking-occupancy/internal/database"
	"github.com/iliyamo/parking-occupancy/internal/gate"
	"github.com/iliyamo/parking-occupancy/internal/handler"
	"github.com/iliyamo/parking-occupancy/internal/idempotency"
	"github.com/iliyamo/parking-occupancy/internal/logger"
	"github.com/iliyamo/parking-occupancy/internal/notify"
	"github.com/iliyamo/parking-occupancy/internal/queue"
	"github.com/iliyamo/parking-occupancy/internal/ratelimit"
	"github.com/iliyamo/parking-occupancy/internal/repository"
	"github.com/iliyamo/parking-occupancy/internal/router"
	"github.com/iliyamo/parking-occupancy/internal/service"
	"github.com/iliyamo/parking-occupancy/internal/solvency"
)

func main() {
	// A missing .env is fine; the environment may already be populated.
	_ = godotenv.Load()

	cfg := config.Load()
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatal("database unavailable", "error", err)
	}
	defer db.Close()
	if err := database.EnsureSchema(ctx, db); err != nil {
		log.Fatal("schema setup failed", "error", err)
	}

	plans := repository.NewPlanRepo(db)
	if n, err := plans.SeedDefaults(ctx, service.DefaultPlans()); err != nil {
		log.Warn("seeding pricing plans failed", "error", err)
	} else if n > 0 {
		log.Info("seeded pricing plans", "count", n)
	}

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Warn("redis unreachable: rate limits open, no caching, no idempotent replay")
	} else {
		defer rdb.Close()
	}

	rlCfg := config.LoadRateLimitConfig()
	idemCfg := config.LoadIdempotencyConfig()
	notifyCfg := config.LoadNotifyConfig()
	gateCfg := config.LoadGateConfig()
	sessionCfg := config.LoadSessionConfig()

	limiter := ratelimit.New(rdb, rlCfg.Prefix, rlCfg.Enabled, log)
	guard := idempotency.New(rdb, idemCfg, log)
	status := cache.NewStatusCache(rdb, config.LoadCacheConfig(), log)

	notifier, err := notify.New(notifyCfg, log)
	if err != nil {
		log.Fatal("notifier setup failed", "error", err)
	}
	defer notifier.Close()
	gates := gate.New(gateCfg, notifyCfg.AMQPURL, log)

	users := repository.NewUserRepo(db)
	lotRepo := repository.NewLotRepo(db)
	checker := solvency.NewChecker(users, log)

	occCfg := service.DefaultOccupancyConfig()
	occCfg.PayPolicy = ratelimit.Policy{Action: "pay", Limit: rlCfg.PayLimit, Window: rlCfg.PayWindow}
	occCfg.GatePolicy = ratelimit.Policy{Action: "gate_open", Limit: rlCfg.GateLimit, Window: rlCfg.GateWindow}
	occCfg.EntryGateID, occCfg.ExitGateID = gateCfg.EntryID, gateCfg.ExitID
	occCfg.PostCommitTimeout = notifyCfg.Timeout

	occupancy := service.NewOccupancy(service.OccupancyDeps{
		Store:    repository.NewStore(db),
		Users:    users,
		Plans:    service.NewPlanResolver(plans, log),
		Solvency: checker,
		Limiter:  limiter,
		Cache:    status,
		Notifier: notifier,
		Gates:    gates,
		Log:      log,
	}, occCfg)
	lots := service.NewLots(lotRepo, status, notifier, log)
	reminders := service.NewReminders(users, notifier, sessionCfg, log)

	validator := handler.NewRequestValidator()
	parking := handler.NewParkingHandler(occupancy, lots, repository.NewSettlementRepo(db), validator)

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	router.Register(e, router.Deps{
		JWTSecret:    cfg.JWTSecret,
		Limiter:      limiter,
		APIPolicy:    ratelimit.Policy{Action: "api", Limit: rlCfg.APILimit, Window: rlCfg.APIWindow},
		Guard:        guard,
		MaxBodyBytes: int64(idemCfg.MaxBodyBytes),
		Log:          log,
		Health:       &handler.HealthHandler{DB: db, Redis: rdb},
		Parking:      parking,
		Gate:         handler.NewGuardHandler(parking),
		Admin:        handler.NewAdminHandler(lots, checker, validator),
	})

	sched := cron.New()
	if _, err := reminders.Schedule(sched); err != nil {
		log.Fatal("invalid reminder schedule", "schedule", sessionCfg.ReminderSchedule, "error", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info("listening", "addr", addr, "env", cfg.Env)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	if notifyCfg.Driver == "rabbitmq" || notifyCfg.Driver == "amqp" || notifyCfg.Driver == "" {
		consumer := &queue.ActivityConsumer{URL: notifyCfg.AMQPURL, Queue: notifyCfg.Queue, Dir: notifyCfg.LogDir, Log: log}
		g.Go(func() error {
			if err := consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", "error", err)
		return
	}
	log.Info("server stopped")
}
