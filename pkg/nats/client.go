package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"
)

type Client interface {
	services.Service
	Publish(ctx context.Context, msg *nats.Msg, dedupKey string, timeout time.Duration) error
}

var _ Client = (*client)(nil)

type client struct {
	services.Service

	lggr       logger.Logger
	name       string
	serverURLs []string

	conn *nats.Conn
	js   nats.JetStreamContext
}

func NewClient(opts ClientOpts) (Client, error) {
	if err := opts.verifyConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &client{
		lggr:       logger.Named(opts.Logger, "NATSClient"),
		name:       opts.Name,
		serverURLs: opts.ServerURLs,
	}

	svc, _ := services.Config{
		Name:  "NATSClient",
		Start: c.start,
		Close: c.close,
	}.NewServiceEngine(opts.Logger)
	c.Service = svc

	return c, nil
}

// connect creates a new NATS connection with the given configuration
func (c *client) connect() (*nats.Conn, error) {
	options := []nats.Option{
		// Connection settings
		nats.ReconnectWait(1 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		// Timeouts and keepalive
		nats.PingInterval(10 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.Name(c.name),
		// Connection handlers for various NATS events
		nats.ConnectHandler(func(nc *nats.Conn) {
			c.lggr.Infow("NATS client connection established", "serverID", nc.ConnectedServerId(), "serverURL", nc.ConnectedUrl())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.lggr.Infow("NATS client reconnected", "serverID", nc.ConnectedServerId(), "serverURL", nc.ConnectedUrl(), "totalReconnects", nc.Reconnects)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.lggr.Errorw("NATS client disconnected with error", "serverURL", nc.ConnectedUrl(), "totalReconnects", nc.Reconnects, "err", err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.lggr.Warnw("NATS client closed", "serverURL", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(strings.Join(c.serverURLs, ","), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS connection: %w", err)
	}

	c.js, err = nc.JetStream(nats.PublishAsyncMaxPending(1024))
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return nc, nil
}

func (c *client) start(context.Context) error {
	nc, err := c.connect()
	if err != nil {
		return err
	}
	c.conn = nc
	return nil
}

func (c *client) close() error {
	if c.conn != nil {
		return c.conn.Drain()
	}
	return nil
}

// Publish sends msg to JetStream and waits for the stream ack. dedupKey is
// sent as Nats-Msg-Id so that a retried publish of the same payload is
// stored once.
func (c *client) Publish(ctx context.Context, msg *nats.Msg, dedupKey string, timeout time.Duration) error {
	if c.js == nil {
		return errors.New("NATS client is not started")
	}
	ack, err := c.js.PublishMsgAsync(msg, nats.MsgId(dedupKey))
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case pa := <-ack.Ok():
		if pa.Duplicate {
			c.lggr.Debugw("JetStream dropped duplicate publish", "subject", msg.Subject, "msgID", dedupKey)
		}
		return nil
	case err := <-ack.Err():
		return fmt.Errorf("publish to %s was rejected: %w", msg.Subject, err)
	case <-timer.C:
		return fmt.Errorf("publish to %s timed out after %s", msg.Subject, timeout)
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", msg.Subject, ctx.Err())
	}
}

func (c *client) Name() string {
	if c.lggr == nil {
		return "NATSClient"
	}
	return c.lggr.Name()
}

func (c *client) Healthy() error {
	switch {
	case c.conn == nil:
		return fmt.Errorf("NATS connection is nil")
	case !c.conn.IsConnected():
		return fmt.Errorf("NATS connection is %s", c.conn.Status())
	default:
		return nil
	}
}

func (c *client) Ready() error {
	if c.conn == nil || !c.conn.IsConnected() {
		return errors.New("NATS connection is not ready")
	}
	return nil
}

func (c *client) HealthReport() map[string]error {
	return map[string]error{c.Name(): c.Healthy()}
}
