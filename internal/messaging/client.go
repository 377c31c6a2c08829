package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/smartcab/backend/internal/config"
	"github.com/smartcab/backend/internal/metrics"
)

const (
	defaultInboundBuffer = 256
	disconnectQuiesceMs  = 250
	stackBufferSize      = 4096

	statusOnline  = "online"
	statusOffline = "offline"
)

// Handler processes one inbound message. Returning an error only affects
// logging and metrics; the message is not redelivered.
type Handler func(ctx context.Context, topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler Handler
}

type delivery struct {
	handler Handler
	topic   string
	payload []byte
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records connection state and message outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithClientFactory overrides construction of the underlying paho client (primarily for tests).
func WithClientFactory(factory func(*paho.ClientOptions) paho.Client) Option {
	return func(c *Client) {
		c.factory = factory
	}
}

// WithInboundBuffer sets how many messages may queue ahead of Run.
func WithInboundBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// Client is the process-wide MQTT connection.
type Client struct {
	cfg     config.MQTTConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	factory func(*paho.ClientOptions) paho.Client

	client     paho.Client
	bufferSize int
	inbound    chan delivery
	lost       chan error
	closed     chan struct{}
	closeOnce  sync.Once

	mu            sync.RWMutex
	subscriptions map[string]subscription
}

// New builds a disconnected client for the configured broker.
func New(cfg config.MQTTConfig, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:           cfg,
		logger:        logger.Named("mqtt"),
		factory:       paho.NewClient,
		bufferSize:    defaultInboundBuffer,
		lost:          make(chan error, 1),
		closed:        make(chan struct{}),
		subscriptions: make(map[string]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.inbound = make(chan delivery, c.bufferSize)
	c.client = c.factory(c.clientOptions())
	return c
}

func (c *Client) clientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions().
		AddBroker(c.cfg.BrokerURL()).
		SetClientID(c.cfg.ClientID).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetKeepAlive(c.cfg.KeepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectionLostHandler(c.handleConnectionLost)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.StatusTopic != "" {
		opts.SetWill(c.cfg.StatusTopic, statusOffline, 1, true)
	}
	return opts
}

// Broker returns the broker URL the client connects to.
func (c *Client) Broker() string {
	return c.cfg.BrokerURL()
}

// Connect performs a single connection attempt bounded by the configured
// timeout. Transport failures come back as *BrokerUnreachableError.
func (c *Client) Connect(ctx context.Context) error {
	broker := c.Broker()
	token := c.client.Connect()

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return &BrokerUnreachableError{Broker: broker, Err: ErrConnectTimeout}
	case <-ctx.Done():
		return fmt.Errorf("connect to mqtt broker %s: %w", broker, ctx.Err())
	}

	if err := token.Error(); err != nil {
		return classifyConnectError(broker, err)
	}

	c.setConnectedGauge(1)
	c.logger.Info("connected to mqtt broker", zap.String("broker", broker), zap.String("client_id", c.cfg.ClientID))

	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for topic, sub := range c.subscriptions {
		subs[topic] = sub
	}
	c.mu.RUnlock()

	for topic, sub := range subs {
		if err := c.subscribe(ctx, topic, sub); err != nil {
			return err
		}
	}

	if c.cfg.StatusTopic != "" {
		if err := c.Publish(ctx, c.cfg.StatusTopic, 1, true, []byte(statusOnline)); err != nil {
			return fmt.Errorf("publish presence: %w", err)
		}
	}

	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Subscribe registers handler for topic. When the client is already
// connected the broker subscription is made immediately, otherwise on Connect.
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler Handler) error {
	if topic == "" {
		return errors.New("subscribe: topic is required")
	}
	if handler == nil {
		return errors.New("subscribe: handler is required")
	}
	if qos > 2 {
		return fmt.Errorf("subscribe: invalid qos %d", qos)
	}

	sub := subscription{qos: qos, handler: handler}

	c.mu.Lock()
	c.subscriptions[topic] = sub
	c.mu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	return c.subscribe(ctx, topic, sub)
}

func (c *Client) subscribe(ctx context.Context, topic string, sub subscription) error {
	token := c.client.Subscribe(topic, sub.qos, func(_ paho.Client, msg paho.Message) {
		d := delivery{handler: sub.handler, topic: msg.Topic(), payload: msg.Payload()}
		select {
		case c.inbound <- d:
		case <-c.closed:
		}
	})
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.Debug("subscribed", zap.String("topic", topic), zap.Uint8("qos", sub.qos))
	return nil
}

// Publish sends payload to topic and waits for the broker acknowledgement
// required by qos.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := wait(ctx, c.client.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Run is the blocking event loop. It dispatches inbound messages on the
// calling goroutine until ctx ends or the connection is lost. A client that
// never connected returns ErrNotConnected immediately.
func (c *Client) Run(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		case err := <-c.lost:
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		case d := <-c.inbound:
			c.dispatch(ctx, d)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, stackBufferSize)
			n := runtime.Stack(buf, false)
			c.logger.Error("message handler panic recovered",
				zap.String("topic", d.topic),
				zap.Any("panic", r),
				zap.String("stack", string(buf[:n])),
			)
			c.countMessage("panic")
		}
	}()

	if err := d.handler(ctx, d.topic, d.payload); err != nil {
		c.logger.Warn("message handler failed", zap.String("topic", d.topic), zap.Error(err))
		c.countMessage("error")
		return
	}
	c.countMessage("handled")
}

// Close announces the offline status when configured and disconnects.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		if c.IsConnected() {
			if c.cfg.StatusTopic != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.Publish(ctx, c.cfg.StatusTopic, 1, true, []byte(statusOffline)); err != nil {
					c.logger.Warn("failed to publish offline status", zap.Error(err))
				}
				cancel()
			}
			c.client.Disconnect(disconnectQuiesceMs)
		}
		c.setConnectedGauge(0)
		close(c.closed)
	})
}

func (c *Client) handleConnectionLost(_ paho.Client, err error) {
	c.setConnectedGauge(0)
	c.logger.Error("mqtt connection lost", zap.Error(err))
	select {
	case c.lost <- err:
	default:
	}
}

func (c *Client) setConnectedGauge(v float64) {
	if c.metrics != nil {
		c.metrics.MQTTConnected.Set(v)
	}
}

func (c *Client) countMessage(result string) {
	if c.metrics != nil {
		c.metrics.MQTTMessages.WithLabelValues(result).Inc()
	}
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
