// Package brokertest provides an in-memory mqtt.Client for tests.
package brokertest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Token is an already-completed mqtt.Token
type Token struct {
	err  error
	done chan struct{}
}

func newToken(err error) *Token {
	t := &Token{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *Token) Wait() bool                     { return true }
func (t *Token) WaitTimeout(time.Duration) bool { return true }
func (t *Token) Done() <-chan struct{}          { return t.done }
func (t *Token) Error() error                   { return t.err }

// Message is a delivered or published message
type Message struct {
	topic   string
	qos     byte
	payload []byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return m.qos }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.topic }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.payload }
func (m *Message) Ack()              {}

// Client records publishes and lets tests inject messages on subscribed topics
type Client struct {
	mu         sync.Mutex
	connected  bool
	published  []*Message
	handlers   map[string]mqtt.MessageHandler
	PublishErr error
	notify     chan struct{}
}

// NewClient returns a connected fake client
func NewClient() *Client {
	return &Client{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
		notify:    make(chan struct{}, 64),
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return newToken(nil)
}

func (c *Client) Disconnect(quiesce uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return newToken(c.PublishErr)
	}
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	}
	c.published = append(c.published, &Message{topic: topic, qos: qos, payload: data})
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return newToken(nil)
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
	return newToken(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	for topic := range filters {
		c.handlers[topic] = callback
	}
	c.mu.Unlock()
	return newToken(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	c.mu.Unlock()
	return newToken(nil)
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// Deliver invokes the handler subscribed to topic, as the broker would.
// Returns false if nothing is subscribed.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(c, &Message{topic: topic, payload: payload})
	return true
}

// Subscribed reports whether a handler is registered for topic
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// Published returns a copy of every message published so far
func (c *Client) Published() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.published...)
}

// WaitPublished blocks until at least n messages were published or timeout
// elapses, and returns what was published.
func (c *Client) WaitPublished(n int, timeout time.Duration) []*Message {
	deadline := time.After(timeout)
	for {
		msgs := c.Published()
		if len(msgs) >= n {
			return msgs
		}
		select {
		case <-c.notify:
		case <-deadline:
			return msgs
		case <-time.After(10 * time.Millisecond):
		}
	}
}
