package realtime

import (
	"context"
	"time"

	"github.com/appetiteclub/orderdesk/pkg"
	"github.com/nats-io/nats.go"
)

// Hooks reports link changes from transports that reconnect on their own.
type Hooks struct {
	OnDisconnect func(err error)
	OnReconnect  func()
	OnClosed     func()
}

type Unsubscriber interface {
	Unsubscribe() error
}

// Conn is an established realtime link.
type Conn interface {
	Subscribe(subject string, fn func(data []byte)) (Unsubscriber, error)
	Publish(subject string, data []byte) error
	Close()
}

// Dialer opens a Conn authenticated as identity.
type Dialer interface {
	Dial(ctx context.Context, identity Identity, hooks Hooks) (Conn, error)
}

// NATSDialer connects to the realtime service over NATS. The connection
// token carries the user's credential and the client name the user name.
type NATSDialer struct {
	URL           string
	ReconnectWait time.Duration
}

func (d NATSDialer) Dial(ctx context.Context, identity Identity, hooks Hooks) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nc, err := pkg.ConnectNATS(pkg.NATSOptions{
		URL:           d.URL,
		Name:          identity.User,
		Token:         identity.Token,
		ReconnectWait: d.ReconnectWait,
		OnDisconnect:  hooks.OnDisconnect,
		OnReconnect:   hooks.OnReconnect,
		OnClosed:      hooks.OnClosed,
	})
	if err != nil {
		return nil, err
	}
	return &natsConn{nc: nc}, nil
}

type natsConn struct {
	nc *nats.Conn
}

func (c *natsConn) Subscribe(subject string, fn func(data []byte)) (Unsubscriber, error) {
	return c.nc.Subscribe(subject, func(msg *nats.Msg) {
		fn(msg.Data)
	})
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Close() {
	c.nc.Close()
}
