package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-engine/internal/adaptive"
	"github.com/stemsi/exstem-engine/internal/catalog"
	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/database"
	"github.com/stemsi/exstem-engine/internal/event"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/logger"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/model"
	"github.com/stemsi/exstem-engine/internal/repository"
	"github.com/stemsi/exstem-engine/internal/router"
	"github.com/stemsi/exstem-engine/internal/selector"
	"github.com/stemsi/exstem-engine/internal/session"
	"github.com/stemsi/exstem-engine/internal/store"
	"github.com/stemsi/exstem-engine/internal/submission"
	"github.com/stemsi/exstem-engine/internal/timing"
	"github.com/stemsi/exstem-engine/internal/validator"
	"github.com/stemsi/exstem-engine/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("store", cfg.StoreBackend).
		Str("instance", cfg.InstanceID).
		Msg("Starting ExStem session engine")

	if err := cfg.Policy.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid engine policy")
	}

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Select the Session Store ──────────────────────────────────────
	var (
		rdb *redis.Client
		st  store.Store
		mem *store.MemoryStore
	)
	switch cfg.StoreBackend {
	case "memory":
		mem = store.NewMemoryStore()
		st = mem
		log.Warn().Msg("Memory store selected, sessions will not survive a restart")
	default:
		rdb, err = database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		st = store.NewRedisStore(rdb)
	}

	// ─── Event Publisher ───────────────────────────────────────────────
	publisher, err := event.NewAMQPPublisher(cfg.AMQPURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to AMQP broker")
	}
	defer publisher.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	testRepo := repository.NewTestRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	responseRepo := repository.NewResponseRepository(pool)
	historyRepo := repository.NewHistoryRepository(pool)

	// ─── Initialize Engines ────────────────────────────────────────────
	catalogService := catalog.NewService(questionRepo, testRepo, rdb, log)
	sessions := session.NewManager(session.Deps{
		Catalog:    catalogService,
		Store:      st,
		Adaptive:   adaptive.NewEngine(st, historyRepo, cfg.Policy, log),
		Selector:   selector.New(catalogService),
		Timing:     timing.NewManager(st, responseRepo, cfg.Policy, log),
		Submission: submission.NewEngine(responseRepo, st, publisher, log),
		Publisher:  publisher,
		Policy:     cfg.Policy,
		InstanceID: cfg.InstanceID,
	}, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessions, log),
		WS:      handler.NewWSHandler(sessions, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	startWorkers(workerCtx, &workers, pool, rdb, mem, log)

	// Start is limited to 10 requests per minute per user.
	startLimiter := middleware.NewRateLimiter(10, time.Minute)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				startLimiter.Cleanup(3 * time.Minute)
			}
		}
	}()

	// ─── Prewarm Catalog Cache ────────────────────────────────────────
	// Load open tests BEFORE accepting traffic so the first wave of starts
	// does not stampede PostgreSQL.
	if ids, err := testRepo.ListOpenIDs(ctx, time.Now()); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	} else {
		for _, id := range ids {
			if err := catalogService.Warm(ctx, id); err != nil {
				log.Warn().Err(err).Str("test_id", id.String()).Msg("Cache prewarm failed")
			}
		}
		log.Info().Int("tests", len(ids)).Msg("Catalog cache prewarmed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(middleware.NewTokenVerifier(cfg.JWTSecret), startLimiter, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop countdowns and hand leases back so sessions resume elsewhere.
	sessions.Shutdown()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// startWorkers launches the audit persistence loops for the selected backend.
func startWorkers(ctx context.Context, wg *sync.WaitGroup, pool *pgxpool.Pool, rdb *redis.Client, mem *store.MemoryStore, log zerolog.Logger) {
	run := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if rdb != nil {
		violations := worker.NewViolationWorker(pool, rdb, log)
		audits := worker.NewAuditWorker(pool, rdb, log)
		run(func() { violations.Start(ctx) })
		run(func() { audits.Start(ctx) })
		return
	}

	violationLog := log.With().Str("component", "violation_pump").Logger()
	auditLog := log.With().Str("component", "audit_pump").Logger()
	run(func() {
		worker.Pump[model.Violation](ctx, mem, config.WorkerKey.PersistViolationsQueue, worker.NewViolationWriter(pool), time.Second, violationLog)
	})
	run(func() {
		worker.Pump[model.ResponseAudit](ctx, mem, config.WorkerKey.PersistResponseAuditsQueue, worker.NewAuditWriter(pool), time.Second, auditLog)
	})
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
