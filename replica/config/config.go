package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"tangled.org/replica/identity"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:8778"`

	// Enables debug logging.
	Dev bool `env:"DEV, default=false"`
}

type Peer struct {
	ID    identity.PeerID `env:"ID, required"`
	Name  string          `env:"NAME, default=replica"`
	Email string          `env:"EMAIL, default=replica@localhost"`
}

type Storage struct {
	GitDir string `env:"GIT_DIR, default=/var/lib/replica/git"`

	// KV selects the seed cache backend: sqlite, redis, local or memory.
	KV        string `env:"KV, default=sqlite"`
	DBPath    string `env:"DB_PATH, default=replica.db"`
	RedisAddr string `env:"REDIS_ADDR, default=localhost:6379"`
	LocalDir  string `env:"LOCAL_DIR, default=/var/lib/replica/kv"`
}

type Fetch struct {
	Seeds    []string      `env:"SEEDS"`
	Interval time.Duration `env:"INTERVAL, default=5m"`

	// Base URLs of other replicas whose update streams trigger an immediate
	// fetch.
	Follow []string `env:"FOLLOW"`
}

type Push struct {
	Workers   int `env:"WORKERS, default=2"`
	QueueSize int `env:"QUEUE_SIZE, default=64"`
}

type Nats struct {
	URL     string `env:"URL"`
	Subject string `env:"SUBJECT, default=replica.projects.updated"`
}

type Config struct {
	Server  Server  `env:",prefix=REPLICA_SERVER_"`
	Peer    Peer    `env:",prefix=REPLICA_PEER_"`
	Storage Storage `env:",prefix=REPLICA_STORAGE_"`
	Fetch   Fetch   `env:",prefix=REPLICA_FETCH_"`
	Push    Push    `env:",prefix=REPLICA_PUSH_"`
	Nats    Nats    `env:",prefix=REPLICA_NATS_"`
}

// SeedURLs parses the configured seeds.
func (f Fetch) SeedURLs() ([]*url.URL, error) {
	return parseURLs("seed", f.Seeds)
}

// FollowURLs parses the configured replicas to follow.
func (f Fetch) FollowURLs() ([]*url.URL, error) {
	return parseURLs("follow", f.Follow)
}

func parseURLs(kind string, raw []string) ([]*url.URL, error) {
	urls := make([]*url.URL, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" {
			return nil, fmt.Errorf("invalid %s %q", kind, s)
		}
		urls = append(urls, u)
	}
	return urls, nil
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.Peer.ID.Validate(); err != nil {
		return nil, err
	}
	if _, err := cfg.Fetch.SeedURLs(); err != nil {
		return nil, err
	}
	if _, err := cfg.Fetch.FollowURLs(); err != nil {
		return nil, err
	}

	switch cfg.Storage.KV {
	case "sqlite", "redis", "local", "memory":
	default:
		return nil, fmt.Errorf("unknown kv backend %q", cfg.Storage.KV)
	}

	return &cfg, nil
}
