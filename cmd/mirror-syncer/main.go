// Command mirror-syncer keeps a postgres mirror of a Bitcoin node's canonical chain.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/rpcclient"
	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/goodnatureofminers/blockmirror/internal/metrics"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/archive"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/bitcoin"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/model"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/repository/clickhouse"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/repository/postgres"
	"github.com/goodnatureofminers/blockmirror/internal/mirror/syncer"
	"github.com/goodnatureofminers/blockmirror/internal/transport"
	"github.com/goodnatureofminers/blockmirror/pkg/batcher"
)

type config struct {
	Network string `long:"network" env:"MIRROR_NETWORK" description:"network name used in metric labels" default:"mainnet"`

	PGHost     string `long:"pg-host" env:"MIRROR_PG_HOST" description:"PostgreSQL host" default:"localhost"`
	PGPort     int    `long:"pg-port" env:"MIRROR_PG_PORT" description:"PostgreSQL port" default:"5432"`
	PGDatabase string `long:"pg-database" env:"MIRROR_PG_DATABASE" description:"PostgreSQL database" default:"blockmirror"`
	PGUser     string `long:"pg-user" env:"MIRROR_PG_USER" description:"PostgreSQL user"`
	PGPassword string `long:"pg-password" env:"MIRROR_PG_PASSWORD" description:"PostgreSQL password"`
	PGSSLMode  string `long:"pg-sslmode" env:"MIRROR_PG_SSLMODE" description:"PostgreSQL sslmode" default:"disable"`
	PGMaxConns int    `long:"pg-max-conns" env:"MIRROR_PG_MAX_CONNS" description:"PostgreSQL connection pool size" default:"10"`

	RPCURL      string        `long:"rpc-url" env:"MIRROR_RPC_URL" description:"Bitcoin RPC URL" default:"http://127.0.0.1:8332"`
	RPCUser     string        `long:"rpc-user" env:"MIRROR_RPC_USER" description:"Bitcoin RPC username"`
	RPCPassword string        `long:"rpc-password" env:"MIRROR_RPC_PASSWORD" description:"Bitcoin RPC password"`
	RPCTimeout  time.Duration `long:"rpc-timeout" env:"MIRROR_RPC_TIMEOUT" description:"timeout of a single RPC call" default:"30s"`
	RPCRPS      int           `long:"rpc-rps" env:"MIRROR_RPC_RPS" description:"RPC calls per second, 0 for unlimited" default:"50"`

	MaxDepth          uint64        `long:"max-depth" env:"MIRROR_MAX_DEPTH" description:"deepest reorg rolled back without operator intervention" default:"100"`
	PollInterval      time.Duration `long:"poll-interval" env:"MIRROR_POLL_INTERVAL" description:"wait between cycles when the mirror is up to date" default:"10s"`
	StartHeight       uint64        `long:"start-height" env:"MIRROR_START_HEIGHT" description:"height of the first block an empty mirror ingests" default:"0"`
	MaxBlocksPerCycle uint64        `long:"max-blocks-per-cycle" env:"MIRROR_MAX_BLOCKS_PER_CYCLE" description:"blocks applied in one cycle" default:"500"`
	PrefetchWorkers   int           `long:"prefetch-workers" env:"MIRROR_PREFETCH_WORKERS" description:"concurrent transaction fetches" default:"8"`
	LeaseTTL          time.Duration `long:"lease-ttl" env:"MIRROR_LEASE_TTL" description:"sync lease validity" default:"5m"`
	Holder            string        `long:"holder" env:"MIRROR_HOLDER" description:"sync lease holder id, generated when empty"`
	Once              bool          `long:"once" description:"run a single cycle and exit"`

	ClickhouseDSN string `long:"clickhouse-dsn" env:"MIRROR_CLICKHOUSE_DSN" description:"ClickHouse DSN of the orphaned block archive, orphans are only logged when empty"`
	ZMQAddr       string `long:"zmq-addr" env:"MIRROR_ZMQ_ADDR" description:"node zmq hashblock endpoint (requires the zmq build tag)"`

	MetricsAddr string `long:"metrics-addr" env:"MIRROR_METRICS_ADDR" description:"address for metrics server" default:":2112"`
	GRPCAddr    string `long:"grpc-addr" env:"MIRROR_GRPC_ADDR" description:"address for the gRPC health server" default:":8000"`
	RESTAddr    string `long:"rest-addr" env:"MIRROR_REST_ADDR" description:"address for the REST status server" default:":8001"`
	LogJSON     bool   `long:"log-json" env:"MIRROR_LOG_JSON" description:"log in JSON"`
	ExitOnHalt  bool   `long:"exit-on-halt" env:"MIRROR_EXIT_ON_HALT" description:"exit as soon as the synchronizer halts instead of serving NOT_SERVING until shutdown"`
}

func main() {
	os.Exit(runMain())
}

// runMain returns the exit code once every deferred cleanup has run.
func runMain() int {
	_ = godotenv.Load()

	cfg := config{}
	if _, err := flags.ParseArgs(&cfg, os.Args); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, "failed to parse flags:", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg.LogJSON)
	if err != nil {
		fmt.Fprintln(os.Stderr, "can't initialize zap logger:", err)
		return 1
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mirror syncer failed", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(json bool) (*zap.Logger, error) {
	if json {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	logger = logger.With(zap.String("network", cfg.Network))
	startMetricsServer(ctx, cfg.MetricsAddr, logger)

	repo, err := postgres.NewRepository(ctx, postgresDSN(cfg), postgres.Options{
		MaxOpenConns: cfg.PGMaxConns,
		MaxIdleConns: cfg.PGMaxConns,
	}, metrics.NewStoreRepository())
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}()

	rpc, err := newRPCClient(cfg.RPCURL, cfg.RPCUser, cfg.RPCPassword)
	if err != nil {
		return fmt.Errorf("init btc rpc client: %w", err)
	}
	defer func() {
		rpc.Shutdown()
		rpc.WaitForShutdown()
	}()
	node := bitcoin.NewNodeClient(
		bitcoin.NewRPCClient(rpc, metrics.NewNodeClient(cfg.Network), cfg.RPCRPS),
		cfg.RPCTimeout,
		logger.Named("node"),
	)

	arch, orphans, closeArchive, err := newArchive(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeArchive()

	holder := cfg.Holder
	if holder == "" {
		holder = newHolder()
	}
	s, err := syncer.New(node, pgStore{repo}, arch, metrics.NewSynchronizer(cfg.Network), syncer.Config{
		MaxDepth:          cfg.MaxDepth,
		StartHeight:       cfg.StartHeight,
		MaxBlocksPerCycle: cfg.MaxBlocksPerCycle,
		PrefetchWorkers:   cfg.PrefetchWorkers,
		LeaseTTL:          cfg.LeaseTTL,
		Holder:            holder,
	}, logger.Named("syncer"))
	if err != nil {
		return fmt.Errorf("init synchronizer: %w", err)
	}

	if cfg.Once {
		res, err := s.RunOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("cycle finished",
			zap.Int("applied", res.Applied),
			zap.Int("rolled_back", len(res.RolledBack)),
			zap.Duration("took", res.Duration),
		)
		return nil
	}

	wake, err := startBlockSignal(ctx, cfg.ZMQAddr, logger)
	if err != nil {
		return fmt.Errorf("init block signal: %w", err)
	}
	s.SetBlockSignal(wake)

	if err := startServers(ctx, cfg.GRPCAddr, cfg.RESTAddr, s, repo, orphans, logger); err != nil {
		return err
	}

	logger.Info("starting synchronizer",
		zap.String("holder", holder),
		zap.Uint64("start_height", cfg.StartHeight),
		zap.Duration("poll_interval", cfg.PollInterval),
	)
	return awaitShutdown(ctx, s.RunForever(ctx, cfg.PollInterval), cfg.ExitOnHalt, logger)
}

// awaitShutdown holds a halted synchronizer until ctx is done so the health
// server keeps reporting NOT_SERVING. Other errors are returned at once.
func awaitShutdown(ctx context.Context, err error, exitOnHalt bool, logger *zap.Logger) error {
	if exitOnHalt || !model.IsFatal(err) {
		return err
	}
	logger.Error("synchronizer halted, waiting for shutdown", zap.Error(err))
	<-ctx.Done()
	return err
}

// newArchive returns the orphan archive and, when ClickHouse is configured,
// its read side. orphans is nil otherwise.
func newArchive(ctx context.Context, cfg config, logger *zap.Logger) (_ syncer.Archive, orphans transport.Orphans, _ func(), _ error) {
	var (
		sink    archive.Sink
		closeFn = func() {}
	)
	if cfg.ClickhouseDSN == "" {
		logger.Info("clickhouse dsn not set, orphaned blocks are only logged")
		sink = archive.NewLogSink(logger)
	} else {
		repo, err := clickhouse.NewRepository(ctx, cfg.ClickhouseDSN, cfg.Network, metrics.NewArchiveRepository(cfg.Network))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("init orphan archive: %w", err)
		}
		sink = repo
		orphans = repo
		closeFn = func() {
			if err := repo.Close(); err != nil {
				logger.Warn("close orphan archive", zap.Error(err))
			}
		}
	}

	a := archive.New(sink, batcher.Options{FlushSize: 100, FlushInterval: 5 * time.Second, RPS: 5},
		metrics.NewArchiveRepository(cfg.Network), logger)
	// the archive outlives ctx so a shutdown still flushes what is buffered
	a.Start(context.WithoutCancel(ctx))
	return a, orphans, func() {
		a.Stop()
		closeFn()
	}, nil
}

func postgresDSN(cfg config) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   cfg.PGHost + ":" + strconv.Itoa(cfg.PGPort),
		Path:   "/" + cfg.PGDatabase,
	}
	if cfg.PGUser != "" {
		if cfg.PGPassword != "" {
			u.User = url.UserPassword(cfg.PGUser, cfg.PGPassword)
		} else {
			u.User = url.User(cfg.PGUser)
		}
	}
	q := url.Values{}
	if cfg.PGSSLMode != "" {
		q.Set("sslmode", cfg.PGSSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func newHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "mirror-syncer"
	}
	return host + "-" + uuid.NewString()
}

func newRPCClient(rawURL, user, password string) (*rpcclient.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse rpc url: %w", err)
	}
	if parsed.Scheme != "http" {
		return nil, fmt.Errorf("rpc url scheme %q not supported, use http", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("rpc url missing host")
	}

	return rpcclient.New(&rpcclient.ConnConfig{
		Host:         parsed.Host,
		User:         user,
		Pass:         password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
}
