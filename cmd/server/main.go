// Command server runs the reputation consensus engine: the admin API and the
// scheduled aggregation, voting and award jobs.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/aimd54/reputation-consensus/internal/api/admin"
	"github.com/aimd54/reputation-consensus/internal/cache"
	"github.com/aimd54/reputation-consensus/internal/config"
	"github.com/aimd54/reputation-consensus/internal/repository"
	"github.com/aimd54/reputation-consensus/internal/service/aggregator"
	"github.com/aimd54/reputation-consensus/internal/service/automation"
	"github.com/aimd54/reputation-consensus/internal/service/awards"
	"github.com/aimd54/reputation-consensus/internal/service/consensus"
	"github.com/aimd54/reputation-consensus/internal/service/divergence"
	"github.com/aimd54/reputation-consensus/internal/service/leaderboard"
	"github.com/aimd54/reputation-consensus/internal/service/ledger"
	"github.com/aimd54/reputation-consensus/internal/service/reliability"
	"github.com/aimd54/reputation-consensus/internal/service/scheduler"
	"github.com/aimd54/reputation-consensus/internal/service/voting"
	"github.com/aimd54/reputation-consensus/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	migrate := flag.Bool("migrate", false, "apply database migrations before starting")
	migrateOnly := flag.Bool("migrate-only", false, "apply database migrations and exit")
	flag.Parse()

	// Existing environment variables win over .env.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log, *migrate || *migrateOnly, *migrateOnly); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run(cfg *config.Config, log *logger.Logger, migrate, migrateOnly bool) error {
	db, err := repository.NewDB(&cfg.Database.Postgres, cfg.Retry, log.Component("database"))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if migrate {
		if err := repository.RunMigrations(db, log.Component("migrate")); err != nil {
			return err
		}
		if migrateOnly {
			return nil
		}
	}

	redisCache, err := cache.NewCache(&cfg.Database.Redis, log.Component("redis"))
	if err != nil {
		return err
	}
	defer func() { _ = redisCache.Close() }()
	locker := redisCache.NewLocker(cfg.Locks.LockTTL())

	registry, err := reliability.LoadRegistry(cfg.Reliability.FormulasFile, cfg.Reliability.ActiveFormula)
	if err != nil {
		return err
	}

	auditor := automation.NewService(repository.NewAuditRepository(db), log.Component("automation"))
	userRepo := repository.NewUserRepository(db)

	reliabilityService := reliability.NewService(
		repository.NewReviewRepository(db),
		repository.NewReliabilityRepository(db),
		registry,
		cfg.Reliability,
		log.Component("reliability"),
	)

	thresholds := divergence.DefaultThresholds()
	thresholds.MaxXP = cfg.Consensus.MaxXP
	divergenceService := divergence.NewService(reliabilityService, divergence.NewAuditor(thresholds), log.Component("divergence"))

	engine := voting.NewEngine(db, userRepo, auditor, cfg.Voting, cfg.Consensus, log.Component("voting"))

	calculator := consensus.NewCalculator(db, locker, reliabilityService, nil, auditor, cfg.Consensus, log.Component("consensus"))
	calculator.SetSink(engine)

	ledgerService := ledger.NewService(db, auditor, log.Component("ledger"))

	aggLog := log.Component("aggregator").GetLogger()
	aggregatorService := aggregator.NewService(
		db,
		calculator,
		ledgerService,
		auditor,
		cfg.Aggregation,
		cfg.Consensus.MaxXP,
		&aggLog,
	)

	awardService := awards.NewService(db, locker, auditor, cfg.Awards, log.Component("awards"))

	leaderboardService := leaderboard.NewService(
		repository.NewLedgerRepository(db),
		userRepo,
		redisCache,
		log.Component("leaderboard"),
	)

	schedulerService := scheduler.NewService(
		cfg.Scheduler,
		aggregatorService,
		awardService,
		engine,
		reliabilityService,
		log.Component("scheduler"),
	)
	if err := schedulerService.Start(); err != nil {
		return err
	}
	defer schedulerService.Stop()

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := admin.NewHandler(admin.Services{
		Consensus:   calculator,
		Aggregation: aggregatorService,
		Voting:      engine,
		Awards:      awardService,
		Ledger:      ledgerService,
		Leaderboard: leaderboardService,
		Reliability: reliabilityService,
		Divergence:  divergenceService,
		Jobs:        schedulerService,
		Audit:       auditor,
	}, log.Component("admin"))
	admin.RegisterRoutes(router, handler)

	metricsPath := ""
	if cfg.Metrics.Prometheus.Enabled {
		metricsPath = cfg.Metrics.Prometheus.Path
	}
	admin.RegisterOps(router, map[string]admin.HealthCheck{
		"database": func(context.Context) error { return db.Health() },
		"redis":    redisCache.Health,
	}, metricsPath)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("Server exited")
	return nil
}
