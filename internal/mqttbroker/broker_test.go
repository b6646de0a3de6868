package mqttbroker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"scanners/nfc/a/reads", "scanners/nfc/a/reads", true},
		{"scanners/+/+/reads", "scanners/qr/cam-1/reads", true},
		{"scanners/+/+/reads", "scanners/qr/reads", false},
		{"scanners/+/+/reads", "scanners/qr/cam-1/commands", false},
		{"scanners/#", "scanners", true},
		{"scanners/#", "scanners/nfc/a/reads", true},
		{"scanners/nfc/#", "scanners/qr/a/reads", false},
		{"#", "anything/at/all", true},
		{"scanners/+", "scanners/nfc/extra", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"|"+tt.topic, func(t *testing.T) {
			if got := MatchTopic(tt.filter, tt.topic); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestValidateFilter(t *testing.T) {
	for _, ok := range []string{"a/b", "a/+/c", "a/#", "#"} {
		if err := ValidateFilter(ok); err != nil {
			t.Errorf("Expected %q to be valid, got %v", ok, err)
		}
	}
	for _, bad := range []string{"", "a/#/c", "a/b+", "a#"} {
		if err := ValidateFilter(bad); err == nil {
			t.Errorf("Expected %q to be rejected", bad)
		}
	}
}

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

func connect(t *testing.T, b *Broker, id string) mqtt.Client {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + b.Addr().String()).
		SetClientID(id).
		SetAutoReconnect(false)
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("connect %s: %v", id, token.Error())
	}
	t.Cleanup(func() { c.Disconnect(50) })
	return c
}

func TestBrokerRoutesPublishes(t *testing.T) {
	b := startBroker(t)

	var mu sync.Mutex
	var handled []PublishMessage
	b.SetPublishHandler(func(_ context.Context, msg PublishMessage) {
		mu.Lock()
		handled = append(handled, msg)
		mu.Unlock()
	})

	sub := connect(t, b, "server-side")
	received := make(chan mqtt.Message, 4)
	token := sub.Subscribe("scanners/+/+/reads", 0, func(_ mqtt.Client, m mqtt.Message) {
		received <- m
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("subscribe: %v", token.Error())
	}

	pub := connect(t, b, "reader-1")
	token = pub.Publish("scanners/nfc/reader-1/reads", 0, false, []byte(`{"value":"04:A1"}`))
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("publish: %v", token.Error())
	}

	select {
	case m := <-received:
		if m.Topic() != "scanners/nfc/reader-1/reads" {
			t.Errorf("Expected reads topic, got %s", m.Topic())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected subscriber to receive the publish")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0].ClientID != "reader-1" {
		t.Errorf("Expected handler to see one publish from reader-1, got %+v", handled)
	}
}

func TestServerPublishReachesSubscriber(t *testing.T) {
	b := startBroker(t)
	c := connect(t, b, "reader-2")

	received := make(chan string, 1)
	token := c.Subscribe("scanners/qr/commands", 0, func(_ mqtt.Client, m mqtt.Message) {
		received <- string(m.Payload())
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("subscribe: %v", token.Error())
	}

	if err := b.Publish("scanners/qr/commands", []byte("start")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if got != "start" {
			t.Errorf("Expected start, got %s", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected command delivery")
	}

	token = c.Unsubscribe("scanners/qr/commands")
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("unsubscribe: %v", token.Error())
	}
	if err := b.Publish("scanners/qr/commands", []byte("stop")); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		t.Errorf("Expected no delivery after unsubscribe, got %s", got)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestStopIsIdempotent(t *testing.T) {
	b := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	errCh, err := b.Start("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := b.Stop(); err != nil {
		t.Fatal(err)
	}
	if _, open := <-errCh; open {
		t.Error("Expected error channel to close on stop")
	}
	if err := b.Publish("x", nil); err == nil {
		t.Error("Expected publish after stop to fail")
	}
}
