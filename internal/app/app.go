package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/shaiso/navigator/internal/config"
	"github.com/shaiso/navigator/internal/mq"
	"github.com/shaiso/navigator/internal/queue"
	"github.com/shaiso/navigator/internal/repo"
	"github.com/shaiso/navigator/internal/telemetry"
)

// Options — параметры запуска процесса.
type Options struct {
	// Service — имя процесса для логов и трейсов.
	Service string

	Config config.Options

	// Repeater — поднять queue.Repeater для job с RepeatEvery.
	Repeater bool
}

// Runtime — общие зависимости процесса: конфигурация, логгер, БД и очереди.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger
	Pool   *pgxpool.Pool

	Queue    *queue.Registry
	Worker   *queue.Worker
	Repeater *queue.Repeater

	closers []func()
}

// Start загружает конфигурацию и подключает БД и очереди.
// При ошибке уже открытые ресурсы закрываются.
func Start(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}

	logger := telemetry.SetupLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format}).
		With("service", opts.Service)
	rt := &Runtime{Config: cfg, Logger: logger}

	serviceName := cfg.Telemetry.ServiceName
	if serviceName == "" {
		serviceName = opts.Service
	}
	shutdownTracing, err := telemetry.SetupTracing(ctx, serviceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	rt.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	})

	if err := rt.openDatabase(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if err := rt.openQueue(ctx, opts.Repeater); err != nil {
		rt.Close()
		return nil, err
	}

	return rt, nil
}

func (rt *Runtime) openDatabase(ctx context.Context) error {
	pool, err := repo.NewPool(ctx, rt.Config.Database.URL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	rt.Pool = pool
	rt.onClose(pool.Close)
	rt.Logger.Info("database connected")

	if rt.Config.Database.Migrate {
		if err := repo.Migrate(ctx, pool, rt.Logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (rt *Runtime) openQueue(ctx context.Context, withRepeater bool) error {
	qc := rt.Config.Queue

	var backend queue.Backend
	switch qc.Backend {
	case "memory":
		mem := queue.NewMemoryBackend(rt.Logger)
		rt.onClose(func() { _ = mem.Close() })
		backend = mem
		rt.Logger.Warn("in-memory queue backend: jobs are not shared between processes")
	default:
		conn, err := mq.NewConnection(qc.RabbitMQURL, rt.Logger)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		rt.onClose(func() { _ = conn.Close() })

		if err := mq.SetupTopology(ctx, conn); err != nil {
			return fmt.Errorf("setup topology: %w", err)
		}
		backend = mq.NewBackend(conn, rt.Logger)
		rt.Logger.Info("rabbitmq connected")
	}

	var ledger queue.Ledger
	if qc.RedisURL != "" {
		client, err := queue.NewRedisClient(ctx, qc.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		rt.onClose(func() { _ = client.Close() })
		ledger = queue.NewRedisLedger(client)
		rt.Logger.Info("redis job ledger connected")
	} else {
		ledger = queue.NewMemoryLedger()
		rt.Logger.Warn("REDIS_URL not set, job ids are deduplicated per process")
	}

	if withRepeater {
		rt.Repeater = queue.NewRepeater(rt.Logger)
	}

	rt.Queue = queue.NewRegistry(queue.ClientConfig{
		Backend:   backend,
		Ledger:    ledger,
		Repeater:  rt.Repeater,
		Retention: qc.Retention,
		Logger:    rt.Logger,
	})
	rt.Worker = queue.NewWorker(queue.WorkerConfig{
		Backend:    backend,
		Ledger:     ledger,
		Attempts:   qc.Attempts,
		Backoff:    qc.Backoff,
		MaxBackoff: qc.MaxBackoff,
		Logger:     rt.Logger,
	})
	return nil
}

func (rt *Runtime) onClose(fn func()) {
	rt.closers = append(rt.closers, fn)
}

// Close освобождает ресурсы в обратном порядке.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// Serve обслуживает /healthz, /metrics и маршруты register на port
// до отмены ctx, затем останавливает сервер.
func (rt *Runtime) Serve(ctx context.Context, port int, register func(mux *http.ServeMux)) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	if register != nil {
		register(mux)
	}

	server := &http.Server{
		Addr:              config.Addr(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.Logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (rt *Runtime) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if rt.Pool != nil {
		if err := rt.Pool.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
