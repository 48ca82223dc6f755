package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/courier/common/logging"
	"github.com/telhawk-systems/courier/common/messaging"
	"github.com/telhawk-systems/courier/courier/internal/config"
	"github.com/telhawk-systems/courier/courier/internal/delivery"
	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/handlers"
	"github.com/telhawk-systems/courier/courier/internal/intake"
	"github.com/telhawk-systems/courier/courier/internal/prune"
	"github.com/telhawk-systems/courier/courier/internal/resurrect"
	"github.com/telhawk-systems/courier/courier/internal/retry"
	"github.com/telhawk-systems/courier/courier/internal/scheduler"
	"github.com/telhawk-systems/courier/courier/internal/server"
	"github.com/telhawk-systems/courier/courier/internal/storage"
	"github.com/telhawk-systems/courier/courier/internal/worker"

	natsclient "github.com/telhawk-systems/courier/common/messaging/nats"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("courier"))
	logging.SetDefault(logger)

	processID := cfg.Process.ID
	if processID == "" {
		processID = uuid.NewString()
	}

	slog.Info("Starting courier",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage_dir", cfg.Storage.Dir),
		slog.String("delivery_backend", cfg.Delivery.Backend),
		logging.ProcessID(processID),
	)
	if *configPath != "" {
		slog.Info("Loaded configuration", slog.String("config_path", *configPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Diagnostics, optionally exported to Redis
	trackerOpts := []diagnostics.Option{diagnostics.WithCapacity(cfg.Diagnostics.Capacity)}
	var redisSink *diagnostics.RedisSink
	if cfg.Diagnostics.Redis.Enabled {
		client, err := diagnostics.DialRedis(ctx, cfg.Diagnostics.Redis.URL)
		if err != nil {
			slog.Warn("Redis unavailable, error counts stay local", logging.Error(err))
		} else {
			redisSink = diagnostics.NewRedisSink(client, processID, cfg.Diagnostics.Redis.FlushInterval, logger.Component("diagnostics"))
			trackerOpts = append(trackerOpts, diagnostics.WithSink(redisSink))
			slog.Info("Error counts exported to Redis",
				slog.String("instance", processID),
				slog.Duration("flush_interval", cfg.Diagnostics.Redis.FlushInterval),
			)
		}
	}
	tracker := diagnostics.NewTracker(logger.Component("diagnostics"), trackerOpts...)

	store, err := storage.Open(cfg.Storage.Dir, logger.Component("storage"), tracker)
	if err != nil {
		log.Fatalf("Failed to open payload store: %v", err)
	}
	pruner, err := prune.New(store, cfg.Storage.MaxPayloads, logger.Component("prune"))
	if err != nil {
		log.Fatalf("Failed to create pruner: %v", err)
	}

	pool := worker.New(worker.Config{
		Workers:   cfg.Worker.Count,
		QueueSize: cfg.Worker.QueueSize,
		Logger:    logger.Component("worker"),
	})
	pool.Start()

	queue, err := retry.Open(ctx, retry.Config{
		Dir:         cfg.Retry.Dir,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Logger:      logger.Component("retry"),
		Recorder:    tracker,
	})
	if err != nil {
		log.Fatalf("Failed to open retry queue: %v", err)
	}

	components := map[string]handlers.StatsFunc{
		"storage": store.Stats,
		"retry":   queue.Stats,
		"worker":  pool.Stats,
	}

	executor, closeExecutor, err := newExecutor(ctx, cfg, logger, components)
	if err != nil {
		log.Fatalf("Failed to initialize delivery: %v", err)
	}
	defer closeExecutor()

	immediate, err := cfg.ImmediateTypes()
	if err != nil {
		log.Fatalf("Invalid scheduler config: %v", err)
	}
	initial, err := cfg.InitialConnectivity()
	if err != nil {
		log.Fatalf("Invalid scheduler config: %v", err)
	}
	sched, err := scheduler.New(scheduler.Config{
		DeliveryInterval: cfg.Scheduler.DeliveryInterval,
		RetryInterval:    cfg.Retry.Interval,
		MaxRetryInterval: cfg.Retry.MaxInterval,
		ImmediateTypes:   immediate,
		InitialStatus:    initial,
		StateTTL:         cfg.Scheduler.StateTTL,
	}, scheduler.Deps{
		Store:    store,
		Queue:    queue,
		Executor: executor,
		Pool:     pool,
		Logger:   logger.Component("scheduler"),
		Recorder: tracker,
	})
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	svc, err := intake.New(intake.Config{NotifyBuffer: cfg.Intake.NotifyBuffer},
		store, pruner, pool, logger.Component("intake"), tracker)
	if err != nil {
		log.Fatalf("Failed to create intake: %v", err)
	}

	var ready atomic.Bool
	handler := handlers.NewHandler(handlers.Config{
		Intake:       svc,
		Scheduler:    sched,
		Diagnostics:  tracker,
		Components:   components,
		ProcessID:    processID,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger.Component("api"),
		Ready:        ready.Load,
	})
	router := server.NewRouter(handler, logger.Component("http"))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Courier listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Payloads left by the previous run are reconciled before delivery starts
	if cfg.Resurrection.Enabled {
		r, err := resurrect.New(resurrect.Config{
			ProcessID:         processID,
			LegacyMatchWindow: cfg.Resurrection.LegacyMatchWindow,
		}, store, sched, logger.Component("resurrect"), tracker)
		if err != nil {
			log.Fatalf("Failed to create resurrector: %v", err)
		}
		report, err := r.Run(ctx)
		if err != nil {
			slog.Error("Resurrection failed", logging.Error(err))
		} else {
			slog.Info("Resurrection complete",
				slog.Int("sessions", report.Sessions),
				slog.Int("crashes_attributed", report.CrashesAttributed),
				slog.Int("crashes_standalone", report.CrashesStandalone),
				slog.Int("crashes_dropped", report.CrashesDropped),
			)
		}
	}

	sched.Start(svc.Ready())
	ready.Store(true)

	if cfg.Storage.Watch {
		if err := store.Watch(ctx, sched.Notify); err != nil {
			slog.Warn("Payload directory watch disabled", logging.Error(err))
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down courier...")
	ready.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", logging.Error(err))
	}

	if err := svc.Shutdown(cfg.Intake.ShutdownTimeout); err != nil {
		slog.Warn("Intake did not drain", logging.Error(err), slog.Int("pending", svc.Stats().Pending))
	}
	sched.Stop()
	cancel()

	poolCtx, poolCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer poolCancel()
	if err := pool.Stop(poolCtx); err != nil {
		slog.Warn("Worker pool stopped with tasks outstanding", logging.Error(err))
	}
	if redisSink != nil {
		redisSink.Stop()
	}

	slog.Info("Courier stopped")
}

// newExecutor builds the configured delivery backend. The returned func
// releases its connections.
func newExecutor(ctx context.Context, cfg *config.Config, logger *logging.Logger, components map[string]handlers.StatsFunc) (delivery.Executor, func(), error) {
	switch cfg.Delivery.Backend {
	case "http", "":
		var signer *delivery.TokenSigner
		if cfg.Delivery.TokenSecret != "" {
			s, err := delivery.NewTokenSigner(cfg.Delivery.TokenSecret, cfg.Delivery.AppID, cfg.Delivery.DeviceID, cfg.Delivery.TokenTTL, nil)
			if err != nil {
				return nil, nil, err
			}
			signer = s
		}
		exec, err := delivery.NewHTTPExecutor(delivery.HTTPConfig{
			BaseURL:  cfg.Delivery.BaseURL,
			Timeout:  cfg.Delivery.Timeout,
			AppID:    cfg.Delivery.AppID,
			DeviceID: cfg.Delivery.DeviceID,
			Signer:   signer,
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("Delivery enabled (backend: http)",
			slog.String("base_url", cfg.Delivery.BaseURL),
			slog.Bool("signed", signer != nil),
		)
		return exec, func() {}, nil

	case "jetstream":
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.Delivery.NatsURL
		js, err := natsclient.NewJetStreamClient(natsCfg, logger.Component("nats"))
		if err != nil {
			return nil, nil, err
		}
		streamCtx, streamCancel := context.WithTimeout(ctx, 10*time.Second)
		defer streamCancel()
		if _, err := js.CreateOrUpdateStream(streamCtx, natsclient.DefaultStreamConfig()); err != nil {
			_ = js.Close()
			return nil, nil, err
		}
		components["broker"] = func() map[string]interface{} {
			h := messaging.CheckHealth(ctx, js)
			return map[string]interface{}{
				"connected":  h.Connected,
				"latency_ms": h.Latency.Milliseconds(),
				"error":      h.Error,
			}
		}
		slog.Info("Delivery enabled (backend: jetstream)", slog.String("nats", cfg.Delivery.NatsURL))
		return delivery.NewJetStreamExecutor(js), func() { _ = js.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown delivery backend: %s (supported: http, jetstream)", cfg.Delivery.Backend)
	}
}
