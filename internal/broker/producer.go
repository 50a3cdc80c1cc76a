package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/banshee-data/fleet.report/internal/enrich"
)

// Producer timeouts. A publish must resolve quickly one way or the other:
// the connection handler refuses to ACK the device until every message of
// a frame is confirmed, and a slow broker must surface as a failed
// publish, not a stalled session.
const (
	DefaultExchange         = "tracking_data_exchange"
	DefaultConfirmTimeout   = 5 * time.Second
	DefaultReconnectTimeout = 10 * time.Second
	maxConnectInterval      = 30 * time.Second
)

// Errors surfaced by the producer.
var (
	ErrShuttingDown      = errors.New("broker: shutting down")
	ErrBrokerUnavailable = errors.New("broker: unavailable")
	ErrPublishTimeout    = errors.New("broker: publish confirm timeout")
)

// ProducerConfig configures the AMQP producer.
type ProducerConfig struct {
	URL              string
	Exchange         string
	NodeID           string
	ConfirmTimeout   time.Duration
	ReconnectTimeout time.Duration
}

func (c ProducerConfig) withDefaults() ProducerConfig {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = DefaultReconnectTimeout
	}
	return c
}

// Producer publishes envelopes to a durable topic exchange with publisher
// confirms. The channel mutex guards connection state only; publishes on
// a live channel run concurrently, each waiting on its own confirmation.
type Producer struct {
	cfg ProducerConfig
	log *log.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	connected atomic.Bool

	shuttingDown atomic.Bool
}

// NewProducer builds a producer; call Connect before publishing.
func NewProducer(cfg ProducerConfig, logger *log.Logger) *Producer {
	return &Producer{cfg: cfg.withDefaults(), log: logger}
}

// Connect dials the broker, retrying with exponential backoff (capped at
// 30 s) until it succeeds or ctx is cancelled. Used at startup where the
// parser is useless without a sink, so retries are unbounded.
func (p *Producer) Connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxConnectInterval
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		if err := p.dial(); err != nil {
			p.log.Warn("broker connect failed, retrying", "err", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

// dial establishes connection + confirmed channel and declares the
// exchange. Callers hold no lock.
func (p *Producer) dial() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("confirm mode: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("exchange declare: %w", err)
	}

	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = conn
	p.ch = ch
	p.mu.Unlock()
	p.connected.Store(true)
	p.log.Info("broker connected", "exchange", p.cfg.Exchange)
	return nil
}

// Connected implements Publisher.
func (p *Producer) Connected() bool { return p.connected.Load() }

// Shutdown raises the fast-fail flag: every publish from now on fails
// immediately, which stops handlers from ACKing in-flight frames.
func (p *Producer) Shutdown() { p.shuttingDown.Store(true) }

// Close tears down the AMQP connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected.Store(false)
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishRecord implements Publisher: one message per classification, all
// of which must confirm before the caller may ACK the device.
func (p *Producer) PublishRecord(ctx context.Context, meta DeviceMeta, rec *enrich.Record) error {
	for _, rt := range Classify(rec) {
		env := NewEnvelope(p.cfg.NodeID, meta, rt, rec)
		if err := p.publish(ctx, env); err != nil {
			return fmt.Errorf("publish %s: %w", rt, err)
		}
	}
	return nil
}

// publish sends one envelope and waits for the broker confirm. It never
// retries indefinitely: a dead connection gets one bounded reconnect
// attempt, and a confirm that misses its deadline fails the publish and
// marks the producer disconnected for the next call.
func (p *Producer) publish(ctx context.Context, env *Envelope) error {
	if p.shuttingDown.Load() {
		return ErrShuttingDown
	}

	if !p.connected.Load() {
		if err := p.redial(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
	}

	return p.publishConfirmed(ctx, env)
}

// redial makes a single bounded reconnect attempt. The caller learns
// within ReconnectTimeout whether the sink is back.
func (p *Producer) redial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ReconnectTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.dial() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Producer) publishConfirmed(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return ErrBrokerUnavailable
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
	defer cancel()

	confirm, err := ch.PublishWithDeferredConfirmWithContext(pubCtx,
		p.cfg.Exchange, env.RecordType.RoutingKey(),
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     env.RecordType.Priority(),
			MessageId:    env.MessageID,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		p.connected.Store(false)
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	acked, err := confirm.WaitContext(pubCtx)
	if err != nil {
		p.connected.Store(false)
		return fmt.Errorf("%w: %v", ErrPublishTimeout, err)
	}
	if !acked {
		p.connected.Store(false)
		return fmt.Errorf("%w: broker nacked message %s", ErrBrokerUnavailable, env.MessageID)
	}
	return nil
}
