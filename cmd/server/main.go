package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/cinema-seat-hold/internal/config"
	"github.com/iliyamo/cinema-seat-hold/internal/database"
	"github.com/iliyamo/cinema-seat-hold/internal/handler"
	"github.com/iliyamo/cinema-seat-hold/internal/logger"
	"github.com/iliyamo/cinema-seat-hold/internal/middleware"
	"github.com/iliyamo/cinema-seat-hold/internal/queue"
	"github.com/iliyamo/cinema-seat-hold/internal/repository"
	"github.com/iliyamo/cinema-seat-hold/internal/router"
	"github.com/iliyamo/cinema-seat-hold/internal/service"
	"github.com/iliyamo/cinema-seat-hold/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog, err := logger.New(cfg.LogDir, cfg.LogDebug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("server stopped", zap.Error(err))
	}
}

type stores struct {
	shows        repository.ShowStore
	ledger       repository.SeatLedger
	reservations repository.ReservationStore
	db           *sql.DB
}

func openStores(ctx context.Context, cfg config.Config, zlog *zap.Logger) (stores, error) {
	if cfg.StoreBackend == config.BackendMemory {
		zlog.Warn("using in-memory stores; state is lost on restart")
		shows := repository.NewMemoryShowStore()
		return stores{
			shows:        shows,
			ledger:       repository.NewMemoryLedger(shows),
			reservations: repository.NewMemoryReservationStore(),
		}, nil
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return stores{}, err
	}
	if err := database.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return stores{}, err
	}
	return stores{
		shows:        repository.NewShowRepo(db),
		ledger:       repository.NewMySQLLedger(db, cfg.LedgerMaxRetries),
		reservations: repository.NewReservationRepo(db),
		db:           db,
	}, nil
}

func run(cfg config.Config, zlog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.OTELEnabled,
		ServiceName:    "cinema-seat-hold",
		ServiceVersion: version,
		Environment:    cfg.Env,
		CollectorAddr:  cfg.OTELEndpoint,
	}); err != nil {
		zlog.Warn("tracing disabled", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(sctx)
	}()

	st, err := openStores(ctx, cfg, zlog)
	if err != nil {
		return err
	}
	if st.db != nil {
		defer st.db.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	var changes service.ChangeBus = service.NewLocalChangeBus()
	rdb := config.NewRedisClient(ctx, cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
		bus := service.NewRedisChangeBus(rdb, service.DefaultChangeChannel, zlog)
		changes = bus
		g.Go(func() error { return bus.Run(gctx) })
	} else {
		zlog.Warn("redis unavailable; rate limiting off and change signals stay in process")
	}

	mqURL := cfg.RabbitMQURL
	if mqURL == "" {
		mqURL = queue.URLFromEnv()
	}
	var events service.EventPublisher = service.NoopPublisher{}
	if cfg.MQEnabled {
		pub := queue.NewPublisher(mqURL, zlog)
		defer pub.Close()
		events = pub
	}

	timers := service.NewExpiryScheduler(zlog)
	defer timers.Stop()

	lifecycle := service.NewLifecycle(service.Deps{
		Shows:        st.shows,
		Ledger:       st.ledger,
		Reservations: st.reservations,
		Changes:      changes,
		Events:       events,
		Timers:       timers,
		Log:          zlog,
	}, service.Config{
		HoldTTL:                cfg.HoldTTL,
		ExpiryGrace:            cfg.ExpiryGrace,
		MaxSeatsPerReservation: cfg.MaxSeatsPerReservation,
		SweepBatchSize:         cfg.SweepBatchSize,
	})
	holds := service.NewHoldManager(lifecycle)
	defer lifecycle.Wait()

	notifier := service.NewNotifier(st.ledger, st.shows, changes, service.NotifierConfig{Interval: cfg.NotifyInterval}, zlog)
	defer notifier.Close()

	sweeper := service.NewSweepWorker(lifecycle, service.SweepWorkerConfig{Interval: cfg.SweepInterval}, zlog)
	if err := sweeper.Start(gctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	if cfg.MQEnabled {
		consumers := []*queue.Consumer{
			queue.NewConsumer(mqURL, queue.QueuePaymentCompleted, queue.PaymentHandler(lifecycle, zlog), zlog),
			queue.NewConsumer(mqURL, queue.QueueReservationConfirmed, queue.TicketLogHandler(cfg.LogDir), zlog),
			queue.NewConsumer(mqURL, queue.QueueReservationAnomaly, queue.AnomalyLogHandler(cfg.LogDir), zlog),
		}
		for _, c := range consumers {
			g.Go(func() error { return c.Run(gctx) })
		}
	}

	checks := map[string]handler.Check{}
	if st.db != nil {
		checks["mysql"] = st.db.PingContext
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	e := newEcho(cfg, zlog, rdb, router.Handlers{
		Health:       handler.Health(checks),
		Seats:        handler.NewSeatHandler(notifier),
		Reservations: handler.NewReservationHandler(holds, lifecycle),
		Webhook:      handler.NewPaymentWebhook(lifecycle, cfg.PaymentWebhookSecret, zlog),
		AdminShows:   handler.NewAdminShowHandler(st.shows),
	})

	addr := ":" + cfg.Port
	g.Go(func() error {
		zlog.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.String("store", cfg.StoreBackend))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Open seat streams hold their requests until the notifier closes.
		notifier.Close()
		return e.Shutdown(sctx)
	})

	err = g.Wait()
	zlog.Info("shutting down", zap.Int64("sweeps", sweeper.Stats().Runs))
	return err
}

func newEcho(cfg config.Config, zlog *zap.Logger, rdb *redis.Client, h router.Handlers) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLogger(zlog), middleware.Recover(zlog))

	router.RegisterAll(e, h, router.Options{
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(cfg.RateLimit, rdb, zlog),
	})
	return e
}
