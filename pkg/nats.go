package pkg

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// HandlerFunc processes one message body received on a subject.
type HandlerFunc func(ctx context.Context, msg []byte) error

// NATSOptions configures a NATS connection. Reconnection is unbounded; the
// hooks let callers mirror the link state.
type NATSOptions struct {
	URL           string
	Name          string
	Token         string
	ReconnectWait time.Duration
	OnDisconnect  func(err error)
	OnReconnect   func()
	OnClosed      func()
}

// ConnectNATS dials the server with unbounded reconnection.
func ConnectNATS(opts NATSOptions) (*nats.Conn, error) {
	if opts.URL == "" {
		opts.URL = nats.DefaultURL
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}
	if opts.Token != "" {
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	}
	if opts.OnDisconnect != nil {
		natsOpts = append(natsOpts, nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			opts.OnDisconnect(err)
		}))
	}
	if opts.OnReconnect != nil {
		natsOpts = append(natsOpts, nats.ReconnectHandler(func(_ *nats.Conn) {
			opts.OnReconnect()
		}))
	}
	if opts.OnClosed != nil {
		natsOpts = append(natsOpts, nats.ClosedHandler(func(_ *nats.Conn) {
			opts.OnClosed()
		}))
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

type NATSPublisher struct {
	conn *nats.Conn
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	conn, err := ConnectNATS(NATSOptions{URL: url, Name: "orderdesk-publisher"})
	if err != nil {
		return nil, err
	}
	return &NATSPublisher{conn: conn}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, subject string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.conn.Publish(subject, msg)
}

func (p *NATSPublisher) Close() error {
	if err := p.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		p.conn.Close()
		return err
	}
	return nil
}

type NATSSubscriber struct {
	conn   *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func NewNATSSubscriber(url string, logger *zap.Logger) (*NATSSubscriber, error) {
	conn, err := ConnectNATS(NATSOptions{URL: url, Name: "orderdesk-subscriber"})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSSubscriber{conn: conn, logger: logger}, nil
}

// Subscribe runs handler for every message on subject until Close. Handler
// errors are logged; the subscription stays active.
func (s *NATSSubscriber) Subscribe(ctx context.Context, subject string, handler HandlerFunc) error {
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(ctx, msg.Data); err != nil {
			s.logger.Warn("message handler failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

func (s *NATSSubscriber) Close() error {
	s.mu.Lock()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	s.mu.Unlock()

	s.conn.Close()
	return nil
}
