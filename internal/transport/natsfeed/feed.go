// Package natsfeed subscribes to the sensor bus and hands every delivery to
// the ingestion pipeline.
package natsfeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"

	"github.com/cesi-keybox/keybox/server/internal/keybox/service"
)

const DefaultSubject = "keybox.rooms.*.status"

// Enqueuer is the part of the pipeline the feed needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg service.Message) error
}

type Config struct {
	// URL is the NATS server URL (e.g. "nats://localhost:4222").
	URL string

	// Name identifies this client on the server.
	Name string

	// Subject may contain wildcards. Defaults to DefaultSubject.
	Subject string

	// Queue, when set, makes the subscription a queue group so several
	// server instances share the load.
	Queue string

	// MaxReconnects of -1 reconnects forever.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	Username string
	Password string
	Token    string
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "keybox-server",
		Subject:       DefaultSubject,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Feed owns one NATS connection and its subscription.
type Feed struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	sink   Enqueuer
	logger *log.Logger
	ctx    context.Context
	now    func() time.Time
}

// Connect dials the server and subscribes. Deliveries are enqueued with ctx,
// so cancelling it stops the feed from blocking on a full queue.
func Connect(ctx context.Context, cfg Config, sink Enqueuer, logger *log.Logger) (*Feed, error) {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	f := newFeed(ctx, sink, logger)

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	f.conn = conn

	if cfg.Queue != "" {
		f.sub, err = conn.QueueSubscribe(cfg.Subject, cfg.Queue, f.handle)
	} else {
		f.sub, err = conn.Subscribe(cfg.Subject, f.handle)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", cfg.Subject, err)
	}

	logger.Info("nats feed subscribed", "url", cfg.URL, "subject", cfg.Subject, "queue", cfg.Queue)
	return f, nil
}

func newFeed(ctx context.Context, sink Enqueuer, logger *log.Logger) *Feed {
	return &Feed{
		sink:   sink,
		logger: logger,
		ctx:    ctx,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (f *Feed) handle(m *nats.Msg) {
	err := f.sink.Enqueue(f.ctx, ToMessage(m, f.now()))
	switch {
	case err == nil:
	case errors.Is(err, service.ErrPipelineClosed), errors.Is(err, context.Canceled):
		f.logger.Debug("nats delivery dropped during shutdown", "subject", m.Subject)
	default:
		f.logger.Warn("nats delivery not enqueued", "subject", m.Subject, "err", err)
	}
}

// Close drains the subscription and closes the connection.
func (f *Feed) Close() error {
	if f.conn == nil {
		return nil
	}
	err := f.conn.Drain()
	if err != nil {
		f.conn.Close()
	}
	return err
}

// ToMessage converts a NATS delivery to a pipeline message.
func ToMessage(m *nats.Msg, receivedAt time.Time) service.Message {
	data := make([]byte, len(m.Data))
	copy(data, m.Data)
	return service.Message{Subject: m.Subject, Data: data, ReceivedAt: receivedAt}
}

// RoomSubject is the subject a gateway publishes a room's status on.
func RoomSubject(room string) string {
	return "keybox.rooms." + room + ".status"
}
