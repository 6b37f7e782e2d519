// Package natsbridge forwards update notifications to a NATS subject so that
// other services can react to fetched changes.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"tangled.org/replica/identity"
	"tangled.org/replica/notifier"
)

const DefaultSubject = "replica.projects.updated"

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Source hands out update subscriptions, see fetcher.Handle.
type Source interface {
	Updates() chan identity.Revision
	Unsubscribe(ch chan identity.Revision)
}

type Bridge struct {
	pub     Publisher
	subject string
	l       *slog.Logger
}

func New(pub Publisher, subject string, l *slog.Logger) *Bridge {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Bridge{pub: pub, subject: subject, l: l}
}

// Connect dials the NATS server at url.
func Connect(url string, l *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("replica"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			l.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Run forwards updates from src until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context, src Source) error {
	updates := src.Updates()
	defer src.Unsubscribe(updates)

	for {
		select {
		case <-ctx.Done():
			return nil
		case rev, ok := <-updates:
			if !ok {
				return nil
			}
			if err := b.forward(rev); err != nil {
				b.l.Warn("failed to forward update", "urn", rev.Urn(), "err", err)
			}
		}
	}
}

func (b *Bridge) forward(rev identity.Revision) error {
	data, err := json.Marshal(notifier.ProjectUpdated(rev))
	if err != nil {
		return err
	}

	msg := nats.NewMsg(b.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	msg.Header.Set("Content-Type", "application/json")
	return b.pub.PublishMsg(msg)
}
