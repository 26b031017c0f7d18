// Command querygate serves the admission API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ineyio/querygate"
	"github.com/ineyio/querygate/cache"
	cacheredis "github.com/ineyio/querygate/cache/redis"
	"github.com/ineyio/querygate/dispatch"
	qgkafka "github.com/ineyio/querygate/dispatch/kafka"
	dispatchredis "github.com/ineyio/querygate/dispatch/redis"
	"github.com/ineyio/querygate/estimator"
	"github.com/ineyio/querygate/ledger"
	ledgerpg "github.com/ineyio/querygate/ledger/postgres"
	ledgerredis "github.com/ineyio/querygate/ledger/redis"
	"github.com/ineyio/querygate/observer"
	"github.com/ineyio/querygate/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "querygate.yaml", "path to the YAML config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := querygate.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("querygate stopped", zap.Error(err))
		os.Exit(1)
	}
}

// resources collects what run must close on exit.
type resources struct {
	closers []io.Closer
	pools   []*pgxpool.Pool
	redis   map[string]*goredis.Client
}

func (r *resources) close() {
	for _, c := range r.closers {
		_ = c.Close()
	}
	for _, p := range r.pools {
		p.Close()
	}
}

// redisClient returns one client per distinct URL.
func (r *resources) redisClient(url string) (*goredis.Client, error) {
	if c, ok := r.redis[url]; ok {
		return c, nil
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := goredis.NewClient(opts)
	r.redis[url] = c
	r.closers = append(r.closers, c)
	return c, nil
}

func (r *resources) pgPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	r.pools = append(r.pools, pool)
	return pool, nil
}

func run(ctx context.Context, cfg querygate.Config, logger *zap.Logger) error {
	res := &resources{redis: make(map[string]*goredis.Client)}
	defer res.close()

	l, err := buildLedger(ctx, cfg, res)
	if err != nil {
		return err
	}
	probe, sink, err := buildCache(cfg, res)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	d, err := buildDispatcher(gctx, cfg, res, sink, g, logger)
	if err != nil {
		return err
	}

	metrics, err := observer.NewPrometheus(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	opts := []querygate.Option{
		querygate.WithLedger(l),
		querygate.WithEstimator(estimator.Fixed{Cost: *cfg.DefaultCost}),
		querygate.WithObserver(querygate.Observers(observer.NewLog(logger), metrics)),
	}
	if probe != nil {
		opts = append(opts, querygate.WithCacheProbe(probe))
	}
	coord, err := querygate.NewCoordinator(cfg, d, opts...)
	if err != nil {
		return err
	}

	h := server.NewHandler(coord, cfg.HTTP.IdentityHeader, logger)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.NewRouter(h, cfg.HTTP, promhttp.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("querygate listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("ledger", cfg.Ledger.Backend),
			zap.String("cache", cfg.Cache.Backend),
			zap.String("dispatch", cfg.Dispatch.Backend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

func buildLedger(ctx context.Context, cfg querygate.Config, res *resources) (querygate.Ledger, error) {
	switch cfg.Ledger.Backend {
	case "redis":
		client, err := res.redisClient(cfg.Ledger.Redis.URL)
		if err != nil {
			return nil, err
		}
		opts := []ledgerredis.Option{
			ledgerredis.WithReservationTTL(cfg.ReservationTTL),
			ledgerredis.WithRecordTTL(cfg.LedgerTTL),
		}
		if cfg.Ledger.Redis.KeyPrefix != "" {
			opts = append(opts, ledgerredis.WithKeyPrefix(cfg.Ledger.Redis.KeyPrefix))
		}
		return ledgerredis.New(client, opts...), nil

	case "postgres":
		pool, err := res.pgPool(ctx, cfg.Ledger.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		opts := []ledgerpg.Option{
			ledgerpg.WithReservationTTL(cfg.ReservationTTL),
			ledgerpg.WithRecordTTL(cfg.LedgerTTL),
		}
		if cfg.Ledger.Postgres.TablePrefix != "" {
			opts = append(opts, ledgerpg.WithTablePrefix(cfg.Ledger.Postgres.TablePrefix))
		}
		store := ledgerpg.New(pool, opts...)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil

	default:
		return ledger.NewMemory(
			ledger.WithReservationTTL(cfg.ReservationTTL),
			ledger.WithRecordTTL(cfg.LedgerTTL),
		), nil
	}
}

// buildCache returns the probe the coordinator reads and the sink successful
// in-process jobs write to. Both are nil for the "none" backend.
func buildCache(cfg querygate.Config, res *resources) (querygate.CacheProbe, dispatch.ResultSink, error) {
	switch cfg.Cache.Backend {
	case "memory":
		c := cache.NewMemory(cfg.CacheMaxAge)
		return c, c, nil
	case "redis":
		client, err := res.redisClient(cfg.Cache.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		var opts []cacheredis.Option
		if cfg.Cache.Redis.KeyPrefix != "" {
			opts = append(opts, cacheredis.WithKeyPrefix(cfg.Cache.Redis.KeyPrefix))
		}
		return cacheredis.NewProbe(client, cfg.CacheMaxAge, opts...),
			cacheredis.NewWriter(client, cfg.CacheMaxAge, opts...), nil
	default:
		return nil, nil, nil
	}
}

func buildDispatcher(ctx context.Context, cfg querygate.Config, res *resources, sink dispatch.ResultSink, g *errgroup.Group, logger *zap.Logger) (querygate.Dispatcher, error) {
	switch cfg.Dispatch.Backend {
	case "redis":
		client, err := res.redisClient(cfg.Dispatch.Redis.URL)
		if err != nil {
			return nil, err
		}
		opts := []dispatchredis.Option{
			dispatchredis.WithMaxBacklog(cfg.Dispatch.MaxBacklog),
			dispatchredis.WithStateTTL(cfg.JobWaitWindow),
		}
		if cfg.Dispatch.Redis.KeyPrefix != "" {
			opts = append(opts, dispatchredis.WithKeyPrefix(cfg.Dispatch.Redis.KeyPrefix))
		}
		return dispatchredis.New(client, opts...), nil

	case "kafka":
		w := qgkafka.NewWriter(cfg.Dispatch.Kafka.Brokers)
		res.closers = append(res.closers, w)
		return qgkafka.New(w, cfg.Dispatch.Kafka.Topic), nil

	default:
		exec := dispatch.Executor(func(context.Context, querygate.Job) ([]byte, error) {
			return nil, errors.New("no execution database configured")
		})
		if cfg.Dispatch.ExecutorDSN != "" {
			pool, err := res.pgPool(ctx, cfg.Dispatch.ExecutorDSN)
			if err != nil {
				return nil, err
			}
			exec = dispatch.SQLExecutor(pool)
		}

		opts := []dispatch.Option{
			dispatch.WithBacklog(cfg.Dispatch.MaxBacklog),
			dispatch.WithWorkers(cfg.Dispatch.Workers),
			dispatch.WithWaitWindow(cfg.JobWaitWindow),
			dispatch.WithLogger(logger.Named("dispatch")),
		}
		if sink != nil {
			opts = append(opts, dispatch.WithResultSink(sink))
		}
		pool := dispatch.NewMemory(exec, opts...)
		g.Go(func() error { return pool.Run(ctx) })
		return pool, nil
	}
}
