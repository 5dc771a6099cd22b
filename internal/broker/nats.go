package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/zw834675966/ems/internal/config"
)

// StreamDomainEvents is the durable JetStream stream backing receipt and
// command delivery, named after and provisioned exactly like go-core's
// natsclient.StreamDomainEvents.
const StreamDomainEvents = "EMS_EVENTS"

// Client wraps a NATS connection and its JetStream context, the same
// shape as go-core/natsclient.Client, generalized to the backplane's own
// stream name.
type Client struct {
	Conn   *nats.Conn
	JS     nats.JetStreamContext
	Log    *zap.Logger
	Topics Topics
}

// NewClient connects to NATS and initializes a JetStream context.
func NewClient(url string, cfg config.BrokerConfig, logger *zap.Logger) (*Client, error) {
	nc, err := nats.Connect(url, nats.RetryOnFailedConnect(true), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("init JetStream: %w", err)
	}
	logger.Info("NATS JetStream connected", zap.String("url", url))
	return &Client{Conn: nc, JS: js, Log: logger, Topics: NewTopics(cfg)}, nil
}

// ProvisionStreams idempotently ensures the EMS_EVENTS stream exists,
// capturing command and receipt subjects. Mirrors
// natsclient.Client.ProvisionStreams.
func (c *Client) ProvisionStreams() error {
	subjects := []string{
		fmt.Sprintf("%s.%s.>", c.Topics.cfg.TopicPrefix, c.Topics.cfg.CmdPrefix),
		fmt.Sprintf("%s.%s.>", c.Topics.cfg.TopicPrefix, c.Topics.cfg.ReceiptPrefix),
	}
	_, err := c.JS.StreamInfo(StreamDomainEvents)
	if err == nil {
		c.Log.Info("NATS stream already exists", zap.String("stream", StreamDomainEvents))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info: %w", err)
	}
	cfg := &nats.StreamConfig{
		Name:      StreamDomainEvents,
		Subjects:  subjects,
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}
	if _, err := c.JS.AddStream(cfg); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamDomainEvents), zap.Strings("subjects", subjects))
	return nil
}

// Close drains and closes the underlying connection, flushing in-flight
// publishes before shutting down, same reasoning as
// natsclient.Client.Close's FLAW-4.8 fix.
func (c *Client) Close() {
	if c.Conn == nil {
		return
	}
	if err := c.Conn.Drain(); err != nil {
		c.Conn.Close()
	}
}

// DataHandler receives a parsed data-ingest message.
type DataHandler func(subject string, payload []byte, receivedAtMs int64)

// SubscribeData subscribes to the data-ingest wildcard subject using a
// plain (non-JetStream) core NATS subscription: telemetry ingest is
// high-volume and tolerant of at-most-once delivery per message (the
// durable write path's guarantees come from the pipeline's batching and
// retry, not from broker redelivery).
func (c *Client) SubscribeData(ctx context.Context, handler DataHandler) error {
	sub, err := c.Conn.Subscribe(c.Topics.dataSubjectFilter(), func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data, nowMs())
	})
	if err != nil {
		return fmt.Errorf("subscribe data: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

// PoisonPillError marks a message as structurally invalid: the pull-loop
// terminates (rather than NAKs) messages wrapped in this type, exactly as
// audit-service's and dictionary-service's consumers do.
type PoisonPillError struct{ Err error }

func (e *PoisonPillError) Error() string { return "poison pill: " + e.Err.Error() }
func (e *PoisonPillError) Unwrap() error { return e.Err }

// ReceiptHandler processes one receipt message; a *PoisonPillError result
// terminates the message, any other non-nil error NAKs it for redelivery.
type ReceiptHandler func(ctx context.Context, subject string, payload []byte, receivedAtMs int64) error

// SubscribeReceipts creates a durable JetStream pull subscription over the
// receipt wildcard subject and processes messages in a background
// goroutine until ctx is cancelled, same Fetch/Ack/Nak/Term loop shape as
// audit-service's AuditConsumer.Start.
func (c *Client) SubscribeReceipts(ctx context.Context, durableName string, handler ReceiptHandler) error {
	sub, err := c.JS.PullSubscribe(
		c.Topics.receiptSubjectFilter(),
		durableName,
		nats.BindStream(StreamDomainEvents),
	)
	if err != nil {
		return fmt.Errorf("receipt PullSubscribe: %w", err)
	}
	c.Log.Info("receipt listener initialized",
		zap.String("stream", StreamDomainEvents),
		zap.String("durable", durableName),
		zap.String("subject", c.Topics.receiptSubjectFilter()),
	)
	go func() {
		for {
			select {
			case <-ctx.Done():
				c.Log.Info("receipt listener stopping")
				return
			default:
				msgs, err := sub.Fetch(10, nats.Context(ctx))
				if err != nil {
					continue // timeout on empty queue, not an error
				}
				for _, msg := range msgs {
					c.processReceipt(ctx, msg, handler)
				}
			}
		}
	}()
	return nil
}

func (c *Client) processReceipt(ctx context.Context, msg *nats.Msg, handler ReceiptHandler) {
	err := handler(ctx, msg.Subject, msg.Data, nowMs())
	if err == nil {
		msg.Ack()
		return
	}
	var poison *PoisonPillError
	if errors.As(err, &poison) {
		c.Log.Warn("terminating poison-pill receipt", zap.Error(err))
		msg.Term()
		return
	}
	c.Log.Error("NAK receipt (transient error)", zap.Error(err))
	msg.Nak()
}

// PublishCommand publishes a command frame to its topic. qos>=1 uses
// JetStream (at-least-once, acknowledged by the broker); qos 0 uses a
// plain core-NATS publish, mirrored from notification-service's
// distinction between JetStream event publishing and ephemeral
// cron-tick publishing.
func (c *Client) PublishCommand(ctx context.Context, tenant, project, target, commandID string, payload []byte, qos int) error {
	subject := c.Topics.commandSubject(tenant, project, target, commandID)
	if qos == 0 {
		if err := c.Conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("publish command (qos0): %w", err)
		}
		return nil
	}
	if _, err := c.JS.Publish(subject, payload, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish command (qos%d): %w", qos, err)
	}
	return nil
}
