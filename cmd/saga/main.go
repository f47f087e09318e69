// Command saga runs one node of a saga cluster.
//
// A node hosts the index shards listed in its config, serves the node RPC
// protocol, registers with the metadata server (or is the metadata server)
// and exposes the document API over HTTP. With Kafka enabled it also indexes
// documents published to the ingest topic.
//
// Usage:
//
//	saga --config saga.yaml [--name node-1] [--metadata-server]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/fhaynes/saga/internal/api"
	"github.com/fhaynes/saga/internal/cluster"
	"github.com/fhaynes/saga/internal/ingest"
	"github.com/fhaynes/saga/internal/manager"
	"github.com/fhaynes/saga/internal/rpc"
	"github.com/fhaynes/saga/internal/shard"
	"github.com/fhaynes/saga/internal/store"
	"github.com/fhaynes/saga/internal/switchboard"
	"github.com/fhaynes/saga/pkg/config"
	"github.com/fhaynes/saga/pkg/health"
	"github.com/fhaynes/saga/pkg/kafka"
	"github.com/fhaynes/saga/pkg/logger"
	"github.com/fhaynes/saga/pkg/metrics"
	"github.com/fhaynes/saga/pkg/postgres"
	"github.com/fhaynes/saga/pkg/redis"
	"github.com/fhaynes/saga/pkg/resilience"
)

type parameters struct {
	Config         string `kong:"help='Path to YAML config file',short='c'"`
	Name           string `kong:"help='Node name, overrides node.name'"`
	MetadataServer bool   `kong:"help='Run as the metadata server regardless of node.metadataServer'"`
	LogLevel       string `kong:"help='Log level, overrides logging.level'"`
}

const (
	inboxSize             = 64
	backingServiceTimeout = 5 * time.Second
)

func main() {
	var params parameters
	k, err := kong.New(&params, kong.Name("saga"),
		kong.Description("Sharded inverted-index node"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}))
	if err != nil {
		panic(err)
	}
	if _, err := k.Parse(os.Args[1:]); err != nil {
		k.FatalIfErrorf(err)
		return
	}

	cfg, err := config.Load(params.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if params.Name != "" {
		cfg.Node.Name = params.Name
	}
	if params.MetadataServer {
		cfg.Node.MetadataServer = true
	}
	if params.LogLevel != "" {
		cfg.Logging.Level = params.LogLevel
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting saga node",
		"node", cfg.Node.Name,
		"metadata_server", cfg.Node.MetadataServer,
		"indices", len(cfg.Indices),
	)

	if err := run(cfg); err != nil {
		slog.Error("node failed", "error", err)
		os.Exit(1)
	}
	slog.Info("saga node stopped")
}

func run(cfg *config.Config) error {
	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Port, m) })
	}

	checker := health.NewChecker()

	dir := manager.NewDirectory()
	for _, idx := range cfg.Indices {
		client, mgr, err := newShard(cfg.Node.DataDir, idx, m)
		if err != nil {
			return err
		}
		dir.Add(mgr.Shard(), client)
		checker.Register("shard:"+mgr.Shard().String(), shardCheck(client))
		g.Go(func() error { return mgr.Run(gctx) })
		slog.Info("shard started", "shard", mgr.Shard().String(), "segments", len(mgr.Segments()))
	}

	opts := []cluster.Option{cluster.WithMetrics(m)}
	dialCtx, cancelDial := context.WithTimeout(ctx, backingServiceTimeout)
	defer cancelDial()
	if cfg.Postgres.Enabled {
		db, err := postgres.Open(dialCtx, cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, keeping membership locally", "error", err)
		} else {
			membership, err := cluster.NewPostgresMembership(dialCtx, db)
			if err != nil {
				db.Close()
				slog.Warn("postgres membership unavailable, keeping membership locally", "error", err)
			} else {
				opts = append(opts, cluster.WithMembership(membership))
				slog.Info("membership stored in postgres", "host", cfg.Postgres.Host)
			}
		}
	}
	if cfg.Redis.Enabled {
		rc, err := redis.NewClient(dialCtx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, presence tracking disabled", "error", err)
		} else {
			defer rc.Close()
			opts = append(opts, cluster.WithPresence(cluster.NewRedisPresence(rc, cfg.Redis.PresenceTTL)))
			checker.Register("redis", health.Optional(health.Probe(rc.Ping)))
		}
	}

	inbox := rpc.NewInbox(inboxSize)
	node := cluster.New(nodeConfiguration(cfg.Node, inbox), opts...)
	defer node.Close()
	checker.Register("membership", health.Probe(node.Membership().Ping))

	g.Go(func() error { return node.StartRPCServer(gctx) })
	g.Go(func() error {
		err := node.ReceiveMessages(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		// A SHUTDOWN message stops the whole node.
		cancel()
		return err
	})
	g.Go(func() error {
		if err := node.RegisterUntilSuccess(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("registering with metadata server: %w", err)
		}
		return node.RunHeartbeats(gctx)
	})

	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest, ingest.HandleMessage(dir, m))
		g.Go(func() error { return consumer.Run(gctx) })
		slog.Info("consuming documents from kafka",
			"topic", cfg.Kafka.Topics.DocumentIngest,
			"group", cfg.Kafka.ConsumerGroup,
		)
	}

	sb := switchboard.New(inbox, switchboard.WithMetrics(m))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(api.NewHandler(sb, dir), checker, m, cfg.Server),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	g.Go(func() error {
		slog.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newShard(dataDir string, idx config.IndexConfig, m *metrics.Metrics) (*manager.Client, *manager.Manager, error) {
	shardType, err := shard.ParseShardType(idx.ShardType)
	if err != nil {
		return nil, nil, fmt.Errorf("index %s: %w", idx.Name, err)
	}
	engine, err := store.ParseEngine(idx.StorageEngine)
	if err != nil {
		return nil, nil, fmt.Errorf("index %s: %w", idx.Name, err)
	}
	commands := make(chan manager.Command)
	mgr, err := manager.New(manager.Config{
		Index:     idx.Name,
		ShardType: shardType,
		DataDir:   dataDir,
		Workers:   idx.Workers,
		Engine:    engine,
		Metrics:   m,
	}, commands)
	if err != nil {
		return nil, nil, fmt.Errorf("index %s: %w", idx.Name, err)
	}
	return manager.NewClient(commands), mgr, nil
}

func shardCheck(client *manager.Client) health.Check {
	return health.Probe(func(ctx context.Context) error {
		ready, err := client.Ready(ctx)
		if err != nil {
			return err
		}
		if !ready {
			return errors.New("manager not ready")
		}
		return nil
	})
}

func nodeConfiguration(n config.NodeConfig, inbox *rpc.Inbox) cluster.Configuration {
	return cluster.Configuration{
		Name:             n.Name,
		MetadataAddress:  n.MetadataAddress,
		MetadataPort:     uint16(n.MetadataPort),
		DataPath:         n.DataDir,
		AmMetadataServer: n.MetadataServer,
		Inbox:            inbox,
		RPCAddress:       n.RPCAddress,
		RPCPort:          uint16(n.RPCPort),
		Register: resilience.RetryConfig{
			Strategy:     resilience.Strategy(n.Register.Strategy),
			MaxAttempts:  n.Register.MaxAttempts,
			InitialDelay: n.Register.InitialDelay,
			MaxDelay:     n.Register.MaxDelay,
		},
		DialTimeout:       n.DialTimeout,
		MaxFrameSize:      n.MaxFrameSize,
		HeartbeatInterval: n.HeartbeatInterval,
	}
}
