package replica

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"tangled.org/replica/eventconsumer"
	"tangled.org/replica/fetcher"
	"tangled.org/replica/log"
	"tangled.org/replica/natsbridge"
	"tangled.org/replica/queue"
	"tangled.org/replica/replica/config"
	"tangled.org/replica/replica/git"
	"tangled.org/replica/seedstore"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run a replica node",
		Action: Run,
		Description: `
Environment variables:
	REPLICA_PEER_ID                 (required)
	REPLICA_PEER_NAME               (default: replica)
	REPLICA_PEER_EMAIL              (default: replica@localhost)
	REPLICA_SERVER_LISTEN_ADDR      (default: 0.0.0.0:8778)
	REPLICA_SERVER_DEV              (default: false)
	REPLICA_STORAGE_GIT_DIR         (default: /var/lib/replica/git)
	REPLICA_STORAGE_KV              (sqlite, redis, local or memory; default: sqlite)
	REPLICA_STORAGE_DB_PATH         (default: replica.db)
	REPLICA_STORAGE_REDIS_ADDR      (default: localhost:6379)
	REPLICA_STORAGE_LOCAL_DIR       (default: /var/lib/replica/kv)
	REPLICA_FETCH_SEEDS             (comma-separated list of seed URLs)
	REPLICA_FETCH_INTERVAL          (default: 5m)
	REPLICA_FETCH_FOLLOW            (comma-separated list of replica URLs)
	REPLICA_PUSH_WORKERS            (default: 2)
	REPLICA_PUSH_QUEUE_SIZE         (default: 64)
	REPLICA_NATS_URL                (optional)
	REPLICA_NATS_SUBJECT            (default: replica.projects.updated)
`,
	}
}

// OpenStore opens the configured seed cache backend. The returned closer
// releases it.
func OpenStore(c config.Storage) (seedstore.Store, func() error, error) {
	var (
		store  seedstore.Store
		closer func() error
	)

	switch c.KV {
	case "sqlite":
		s, err := seedstore.NewSqliteStore(c.DBPath, seedstore.WithTableName("projects_seeds"))
		if err != nil {
			return nil, nil, err
		}
		store, closer = s, s.Close
	case "redis":
		s := seedstore.NewRedisStore(c.RedisAddr)
		store, closer = s, s.Close
	case "local":
		s, err := seedstore.NewBadgerStore(c.LocalDir)
		if err != nil {
			return nil, nil, err
		}
		store, closer = s, s.Close
	case "memory":
		store, closer = seedstore.NewMemoryStore(), func() error { return nil }
	default:
		return nil, nil, fmt.Errorf("unknown kv backend %q", c.KV)
	}

	return seedstore.WithMetrics(store, c.KV), closer, nil
}

func Run(ctx context.Context, cmd *cli.Command) error {
	logger := log.FromContext(ctx)

	c, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if c.Server.Dev {
		log.SetDebug(true)
		logger = log.New("replica")
		logger.Info("running in dev mode, debug logging enabled")
	}

	seeds, err := c.Fetch.SeedURLs()
	if err != nil {
		return err
	}
	follow, err := c.Fetch.FollowURLs()
	if err != nil {
		return err
	}

	repo, err := git.Open(c.Storage.GitDir, git.Signature{Name: c.Peer.Name, Email: c.Peer.Email})
	if err != nil {
		return fmt.Errorf("failed to open monorepo: %w", err)
	}

	store, closeStore, err := OpenStore(c.Storage)
	if err != nil {
		return fmt.Errorf("failed to open kv store: %w", err)
	}
	defer closeStore()

	handle, runner, err := fetcher.New(ctx, fetcher.Options{
		Repo:          repo,
		Self:          c.Peer.ID,
		Seeds:         seeds,
		FetchInterval: c.Fetch.Interval,
		Store:         store,
		Logger:        log.SubLogger(logger, "fetcher"),
	})
	if err != nil {
		return fmt.Errorf("failed to setup fetcher: %w", err)
	}

	push := queue.NewQueue(c.Push.QueueSize, c.Push.Workers)
	push.Start()
	defer push.Stop()

	srv := NewServer(c.Peer.ID, repo, handle, push, logger)
	httpServer := &http.Server{
		Addr:    c.Server.ListenAddr,
		Handler: srv.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting fetch runner", "seeds", len(seeds), "interval", c.Fetch.Interval)
		return runner.Run(gctx)
	})

	if len(follow) > 0 {
		consumer := eventconsumer.New(eventconsumer.Config{
			Peers:  follow,
			Logger: log.SubLogger(logger, "eventconsumer"),
		}, handle)
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	if c.Nats.URL != "" {
		nl := log.SubLogger(logger, "nats")
		conn, err := natsbridge.Connect(c.Nats.URL, nl)
		if err != nil {
			return err
		}
		defer conn.Close()

		bridge := natsbridge.New(conn, c.Nats.Subject, nl)
		g.Go(func() error {
			return bridge.Run(gctx, handle)
		})
	}

	g.Go(func() error {
		logger.Info("starting main server", "address", c.Server.ListenAddr)
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
