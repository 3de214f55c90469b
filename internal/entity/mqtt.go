package entity

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// BrokerConfig holds MQTT broker connection settings.
type BrokerConfig struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	ClientID string
}

// broker is a thin connection wrapper that tracks subscriptions so they
// survive an automatic reconnect.
type broker struct {
	client mqtt.Client

	mu        sync.Mutex
	subs      map[string]func([]byte)
	onConnect func()
}

// newBroker builds the wrapper without connecting. Callers finish wiring
// (the service assigns its broker field) and then call connect; paho fires
// OnConnect from its own goroutine as soon as the session is up, so the
// callback must not observe a half-built service.
func newBroker(cfg BrokerConfig, onConnect func()) *broker {
	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
		opts.SetTLSConfig(&tls.Config{})
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port))
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = randomClientID()
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)

	b := &broker{subs: make(map[string]func([]byte))}
	b.onConnect = onConnect
	opts.OnConnect = func(_ mqtt.Client) {
		b.resubscribeAll()
		if b.onConnect != nil {
			b.onConnect()
		}
	}

	b.client = mqtt.NewClient(opts)
	return b
}

func (b *broker) connect() error {
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (b *broker) publish(topic string, payload []byte, retain bool) error {
	if token := b.client.Publish(topic, 0, retain, payload); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (b *broker) subscribe(topic string, cb func([]byte)) error {
	b.mu.Lock()
	b.subs[topic] = cb
	b.mu.Unlock()

	token := b.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		cb(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (b *broker) unsubscribe(topics ...string) {
	b.mu.Lock()
	for _, topic := range topics {
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	_ = b.client.Unsubscribe(topics...).Wait()
}

func (b *broker) resubscribeAll() {
	b.mu.Lock()
	subs := make(map[string]func([]byte), len(b.subs))
	for topic, cb := range b.subs {
		subs[topic] = cb
	}
	b.mu.Unlock()

	for topic, cb := range subs {
		handler := cb
		_ = b.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			handler(msg.Payload())
		}).Wait()
	}
}

func (b *broker) close() {
	b.client.Disconnect(250)
}

func randomClientID() string {
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)
	return "kumobridge-" + base64.RawURLEncoding.EncodeToString(nonce)
}
