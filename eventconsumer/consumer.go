// Package eventconsumer follows the update streams of other replicas and
// schedules an immediate fetch for every identity they report.
package eventconsumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"tangled.org/replica/identity"
	"tangled.org/replica/log"
	"tangled.org/replica/notifier"
)

// Scheduler is the part of the fetch handle the consumer needs.
type Scheduler interface {
	Add(rev identity.Revision)
}

type Config struct {
	// Base URLs of the replicas to follow. Their update stream is served
	// under /events.
	Peers []*url.URL

	RetryInterval     time.Duration
	MaxRetryInterval  time.Duration
	ConnectionTimeout time.Duration
	// delay between a dropped connection and the next dial
	ReconnectDelay time.Duration
	WorkerCount    int
	QueueSize      int
	Logger         *slog.Logger
}

type Consumer struct {
	cfg      Config
	dialer   *websocket.Dialer
	sched    Scheduler
	jobQueue chan job
	logger   *slog.Logger
}

type job struct {
	peer    string
	message []byte
}

func New(cfg Config, sched Scheduler) *Consumer {
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 15 * time.Second
	}
	if cfg.MaxRetryInterval == 0 {
		cfg.MaxRetryInterval = 10 * time.Minute
	}
	if cfg.ConnectionTimeout == 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Minute
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New("eventconsumer")
	}
	return &Consumer{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		sched:    sched,
		jobQueue: make(chan job, cfg.QueueSize),
		logger:   cfg.Logger,
	}
}

// EventsURL turns a replica base URL into the websocket URL of its update
// stream.
func EventsURL(peer *url.URL) (*url.URL, error) {
	u := *peer
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("cannot follow %s: unsupported scheme %q", peer.Redacted(), peer.Scheme)
	}
	return u.JoinPath("events"), nil
}

// Run follows every configured peer until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	urls := make([]*url.URL, 0, len(c.cfg.Peers))
	for _, p := range c.cfg.Peers {
		u, err := EventsURL(p)
		if err != nil {
			return err
		}
		urls = append(urls, u)
	}

	c.logger.Info("starting consumer", "peers", len(urls), "workers", c.cfg.WorkerCount)

	var wg sync.WaitGroup
	for range c.cfg.WorkerCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}
	for _, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.connectionLoop(ctx, u)
		}()
	}

	wg.Wait()
	return nil
}

func (c *Consumer) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.jobQueue:
			if err := c.process(j); err != nil {
				c.logger.Warn("dropping message", "peer", j.peer, "err", err)
			}
		}
	}
}

func (c *Consumer) process(j job) error {
	var ev notifier.Event
	if err := json.Unmarshal(j.message, &ev); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	if ev.Type != notifier.TypeProjectUpdated {
		c.logger.Debug("ignoring event", "peer", j.peer, "type", ev.Type)
		return nil
	}

	rev, err := identity.ParseUrn(ev.Urn)
	if err != nil {
		return err
	}

	c.logger.Debug("peer reported update", "peer", j.peer, "urn", ev.Urn)
	c.sched.Add(rev)
	return nil
}

func (c *Consumer) connectionLoop(ctx context.Context, u *url.URL) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := c.runConnection(ctx, u); err != nil {
				c.logger.Error("connection ended", "url", u.Redacted(), "err", err)
			}
			timer.Reset(c.cfg.ReconnectDelay)
		}
	}
}

func (c *Consumer) runConnection(ctx context.Context, u *url.URL) error {
	c.logger.Info("connecting", "url", u.Redacted())

	retryOpts := []retry.Option{
		retry.Attempts(0), // infinite attempts
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(c.cfg.RetryInterval),
		retry.MaxDelay(c.cfg.MaxRetryInterval),
		retry.MaxJitter(c.cfg.RetryInterval / 5),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("retrying connection",
				"url", u.Redacted(),
				"attempt", n+1,
				"err", err,
			)
		}),
		retry.Context(ctx),
	}

	var conn *websocket.Conn
	err := retry.Do(func() error {
		connCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
		var err error
		conn, _, err = c.dialer.DialContext(connCtx, u.String(), nil)
		return err
	}, retryOpts...)
	if err != nil {
		return err
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.logger.Info("connected", "url", u.Redacted())

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case c.jobQueue <- job{peer: u.Host, message: msg}:
		case <-ctx.Done():
			return nil
		}
	}
}
