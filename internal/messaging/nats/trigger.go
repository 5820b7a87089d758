// SPDX-License-Identifier: Apache-2.0

// Package nats carries catch-up triggers over NATS core subjects. Messages
// carry no payload the worker relies on: any message on the subject asks for
// one more catch-up pass.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/adiadia/readmodel-runtime/internal/logging"
)

const DefaultSubject = "readmodel.catchup.trigger"

type Config struct {
	URL           string
	Name          string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "readmodel-runtime",
		Subject:       DefaultSubject,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

func connect(cfg Config, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// Trigger turns messages on a subject into a coalescing signal channel. A
// burst of messages that arrives while a run is in progress results in one
// follow-up run.
type Trigger struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	ch     chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
}

func newTrigger(logger *slog.Logger) *Trigger {
	return &Trigger{
		ch:     make(chan struct{}, 1),
		logger: logging.OrDefault(logger).With(logging.Component("nats-trigger")),
	}
}

// Subscribe connects and subscribes to cfg.Subject.
func Subscribe(cfg Config, logger *slog.Logger) (*Trigger, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	t := newTrigger(logger)

	conn, err := connect(cfg, t.logger)
	if err != nil {
		return nil, err
	}

	sub, err := conn.Subscribe(cfg.Subject, t.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}

	t.conn = conn
	t.sub = sub
	t.logger.Info("listening for catch-up triggers", "subject", cfg.Subject)
	return t, nil
}

func (t *Trigger) handle(msg *nats.Msg) {
	t.signal()
	t.logger.Debug("catch-up trigger received", "subject", msg.Subject)
}

func (t *Trigger) signal() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C delivers one value per pending trigger burst.
func (t *Trigger) C() <-chan struct{} {
	return t.ch
}

func (t *Trigger) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.sub != nil {
			err = t.sub.Unsubscribe()
		}
		if t.conn != nil {
			t.conn.Close()
		}
	})
	return err
}

// Publisher sends catch-up triggers.
type Publisher struct {
	conn    *nats.Conn
	subject string
}

func NewPublisher(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	conn, err := connect(cfg, logging.OrDefault(logger))
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, subject: cfg.Subject}, nil
}

// Notify publishes one trigger and flushes it to the server.
func (p *Publisher) Notify(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, nil); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", p.subject, err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.conn.Close()
}
