// Package bus wraps eclipse/paho.mqtt.golang with the reconnect,
// buffering, and QoS discipline spec §4.1 (C1) requires. paho's own
// auto-reconnect is a fixed retry interval; this package disables it
// and drives an explicit exponential-backoff-with-full-jitter loop
// instead.
package bus

import (
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// QoS mirrors the two levels spec §4.1 cares about. Heartbeats and
// events use QoS0 (best-effort); requests/responses/commands use
// QoS1 (at-least-once).
type QoS byte

const (
	QoS0 QoS = 0
	QoS1 QoS = 1
)

// MessageHandler receives every inbound message across every
// subscription; the Topic Router is the single dispatcher registered
// here, per spec §4.1's "single dispatcher" contract.
type MessageHandler func(topic string, payload []byte)

// ConnectionStateHandler is notified whenever the transport's
// connected state changes, so the Service Wrapper can drive its
// ready/degraded transitions (spec §4.4) off the real socket state.
type ConnectionStateHandler func(connected bool)

// Config configures one Client.
type Config struct {
	Broker              string
	Port                int
	ClientID            string
	Username            string
	Password            string // also carries the JWT in jwt auth mode
	TLSConfig           *tls.Config
	ConnectTimeout      time.Duration
	MaxReconnectBackoff time.Duration
	PublishBufferSize   int
}

// ConnectError wraps a failure to establish the initial connection:
// credentials rejected, broker unreachable, or TLS handshake failed.
type ConnectError struct {
	Cause error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("mqtt connect: %v", e.Cause) }
func (e *ConnectError) Unwrap() error  { return e.Cause }

// PublishError wraps a failure to hand a message to the transport.
type PublishError struct {
	Topic string
	Cause error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("mqtt publish to %s: %v", e.Topic, e.Cause)
}
func (e *PublishError) Unwrap() error { return e.Cause }

type bufferedPublish struct {
	topic   string
	payload []byte
	qos     QoS
	retain  bool
}

type subscription struct {
	qos QoS
}

// Client is the bus transport. Callers never observe transient
// disconnects: reconnect, subscription replay, and publish buffering
// are handled internally.
type Client struct {
	cfg    Config
	opts   *mqtt.ClientOptions
	client mqtt.Client
	log    zerolog.Logger

	handler  MessageHandler
	stateHdl ConnectionStateHandler

	mu               sync.Mutex
	subs             map[string]subscription
	ring             []bufferedPublish
	ringHead         int
	ringLen          int
	ringCap          int
	publishesDropped atomic.Int64

	connected   atomic.Bool
	stopCh      chan struct{}
	stopOnce    sync.Once
	reconnectWG sync.WaitGroup
}

// New builds a Client but does not connect yet; call Connect.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.MaxReconnectBackoff <= 0 {
		cfg.MaxReconnectBackoff = 60 * time.Second
	}
	if cfg.PublishBufferSize <= 0 {
		cfg.PublishBufferSize = 1024
	}

	c := &Client{
		cfg:     cfg,
		log:     log,
		subs:    make(map[string]subscription),
		ring:    make([]bufferedPublish, cfg.PublishBufferSize),
		ringCap: cfg.PublishBufferSize,
		stopCh:  make(chan struct{}),
	}

	brokerURL := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	if cfg.TLSConfig != nil {
		brokerURL = fmt.Sprintf("ssl://%s:%d", cfg.Broker, cfg.Port)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(false). // we drive reconnect ourselves, per spec §4.1
		SetCleanSession(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.onUnrouted)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLSConfig != nil {
		opts.SetTLSConfig(cfg.TLSConfig)
	}

	c.opts = opts
	c.client = mqtt.NewClient(opts)
	return c
}

// SetMessageHandler installs the single dispatcher every inbound
// message is handed to, regardless of which subscription matched.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler = h
}

// SetConnectionStateHandler installs the callback invoked on every
// connect/disconnect transition.
func (c *Client) SetConnectionStateHandler(h ConnectionStateHandler) {
	c.stateHdl = h
}

// Connect performs the initial connection. Subsequent disconnects are
// handled by the internal reconnect loop, never surfaced here.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return &ConnectError{Cause: errors.New("timed out waiting for CONNACK")}
	}
	if err := token.Error(); err != nil {
		return &ConnectError{Cause: err}
	}
	return nil
}

// Subscribe registers a topic filter. Idempotent: re-subscribing to
// the same filter updates its QoS and is replayed after reconnect
// alongside every other active subscription.
func (c *Client) Subscribe(filter string, qos QoS) error {
	c.mu.Lock()
	c.subs[filter] = subscription{qos: qos}
	c.mu.Unlock()

	token := c.client.Subscribe(filter, byte(qos), func(_ mqtt.Client, m mqtt.Message) {
		if c.handler != nil {
			c.handler(m.Topic(), m.Payload())
		}
	})
	token.Wait()
	return token.Error()
}

// Publish sends payload on topic. While disconnected, the publish is
// buffered in a bounded ring (oldest dropped on overflow,
// publishes_dropped incremented) and flushed on reconnect.
func (c *Client) Publish(topic string, payload []byte, qos QoS, retain bool) error {
	if !c.connected.Load() {
		c.buffer(bufferedPublish{topic: topic, payload: payload, qos: qos, retain: retain})
		return nil
	}
	token := c.client.Publish(topic, byte(qos), retain, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return &PublishError{Topic: topic, Cause: err}
	}
	return nil
}

// IsConnected reports the current transport state.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// PublishesDropped returns the count of buffered publishes evicted by
// ring overflow.
func (c *Client) PublishesDropped() int64 {
	return c.publishesDropped.Load()
}

// Close disconnects and stops the reconnect loop.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.client.Disconnect(250)
	c.reconnectWG.Wait()
}

func (c *Client) buffer(p bufferedPublish) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ringLen == c.ringCap {
		// overflow: drop oldest
		c.ringHead = (c.ringHead + 1) % c.ringCap
		c.publishesDropped.Add(1)
		c.ringLen--
	}
	idx := (c.ringHead + c.ringLen) % c.ringCap
	c.ring[idx] = p
	c.ringLen++
}

func (c *Client) drainBuffer() {
	c.mu.Lock()
	pending := make([]bufferedPublish, 0, c.ringLen)
	for c.ringLen > 0 {
		pending = append(pending, c.ring[c.ringHead])
		c.ringHead = (c.ringHead + 1) % c.ringCap
		c.ringLen--
	}
	c.mu.Unlock()

	for _, p := range pending {
		token := c.client.Publish(p.topic, byte(p.qos), p.retain, p.payload)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Warn().Err(err).Str("topic", p.topic).Msg("replaying buffered publish failed")
		}
	}
}

func (c *Client) replaySubscriptions() {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.mu.Unlock()

	for filter, sub := range subs {
		token := c.client.Subscribe(filter, byte(sub.qos), func(_ mqtt.Client, m mqtt.Message) {
			if c.handler != nil {
				c.handler(m.Topic(), m.Payload())
			}
		})
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Warn().Err(err).Str("filter", filter).Msg("replaying subscription failed")
		}
	}
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Msg("mqtt connected")
	c.replaySubscriptions()
	c.drainBuffer()
	if c.stateHdl != nil {
		c.stateHdl(true)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
	if c.stateHdl != nil {
		c.stateHdl(false)
	}
	c.startReconnectLoop()
}

func (c *Client) onUnrouted(_ mqtt.Client, m mqtt.Message) {
	if c.handler != nil {
		c.handler(m.Topic(), m.Payload())
	}
}

// startReconnectLoop retries with exponential backoff starting at 1s,
// doubling up to MaxReconnectBackoff, with full jitter, per spec
// §4.1. It exits as soon as a connection succeeds or Close is called.
func (c *Client) startReconnectLoop() {
	c.reconnectWG.Add(1)
	go func() {
		defer c.reconnectWG.Done()
		backoff := time.Second
		for {
			select {
			case <-c.stopCh:
				return
			default:
			}

			jittered := time.Duration(rand.Int63n(int64(backoff)))
			select {
			case <-c.stopCh:
				return
			case <-time.After(jittered):
			}

			token := c.client.Connect()
			if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() == nil {
				return // onConnect handles replay/drain
			}
			c.log.Warn().Msg("mqtt reconnect attempt failed, backing off")

			backoff *= 2
			if backoff > c.cfg.MaxReconnectBackoff {
				backoff = c.cfg.MaxReconnectBackoff
			}
		}
	}()
}
