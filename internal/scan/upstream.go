package scan

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Upstream bridges scanners attached to an external MQTT broker into a Feed
// and forwards scanner commands back to that broker.
type Upstream struct {
	client mqtt.Client
	feed   *Feed
	logger *slog.Logger
}

// ConnectUpstream connects to broker and subscribes to every scanner read
// topic. Subscriptions are restored on reconnect.
func ConnectUpstream(broker, clientID string, feed *Feed, logger *slog.Logger) (*Upstream, error) {
	if clientID == "" {
		clientID = fmt.Sprintf("gryns-%d", time.Now().UnixNano())
	}
	u := &Upstream{feed: feed, logger: logger}

	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true).SetConnectRetry(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(ReadTopicFilter, 0, u.handle)
		token.Wait()
		if err := token.Error(); err != nil {
			logger.Error("upstream subscribe failed", "topic", ReadTopicFilter, "error", err)
			return
		}
		logger.Info("upstream scanner feed subscribed", "broker", broker, "topic", ReadTopicFilter)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("upstream broker connection lost", "broker", broker, "error", err)
	})

	u.client = mqtt.NewClient(opts)
	token := u.client.Connect()
	if !token.WaitTimeout(10*time.Second) {
		u.client.Disconnect(0)
		return nil, fmt.Errorf("connect upstream broker %s: timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect upstream broker %s: %w", broker, err)
	}
	return u, nil
}

func (u *Upstream) handle(_ mqtt.Client, msg mqtt.Message) {
	r, err := ParseReading(msg.Topic(), msg.Payload())
	if err != nil {
		u.logger.Warn("upstream reading rejected", "topic", msg.Topic(), "error", err)
		return
	}
	u.feed.Publish(r)
}

// Publish sends a scanner command through the upstream broker.
func (u *Upstream) Publish(topic string, payload []byte) error {
	token := u.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish %s: timeout", topic)
	}
	return token.Error()
}

// Close disconnects from the upstream broker.
func (u *Upstream) Close() {
	u.client.Disconnect(250)
}
