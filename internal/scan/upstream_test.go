package scan

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gryns/tower-server/internal/mqttbroker"
)

func TestUpstreamBridgesReadsAndCommands(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := mqttbroker.New(logger)
	if _, err := b.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop() })

	commands := make(chan mqttbroker.PublishMessage, 4)
	b.SetPublishHandler(func(_ context.Context, msg mqttbroker.PublishMessage) {
		if msg.Topic == CommandTopic(NFC) {
			commands <- msg
		}
	})

	brokerURL := "tcp://" + b.Addr().String()
	feed := NewFeed()
	up, err := ConnectUpstream(brokerURL, "gryns-upstream", feed, logger)
	if err != nil {
		t.Fatalf("ConnectUpstream: %v", err)
	}
	t.Cleanup(up.Close)

	sub := feed.subscribe(NFC)
	defer feed.unsubscribe(sub)

	reader := mqtt.NewClient(mqtt.NewClientOptions().AddBroker(brokerURL).SetClientID("reader-1").SetAutoReconnect(false))
	if token := reader.Connect(); !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		t.Fatalf("connect reader: %v", token.Error())
	}
	t.Cleanup(func() { reader.Disconnect(50) })

	// The upstream subscribes from its connect handler, so early reads may
	// be dropped; keep publishing until one arrives.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	var got Reading
wait:
	for {
		select {
		case got = <-sub.ch:
			break wait
		case <-tick.C:
			reader.Publish(ReadTopic(NFC, "reader-1"), 0, false, []byte(`{"value":"04:A2:19:7F"}`))
		case <-deadline:
			t.Fatal("Expected reading to reach the feed")
		}
	}
	if got.Value != "04:A2:19:7F" || got.ScannerID != "reader-1" || got.Technology != NFC {
		t.Errorf("Expected nfc reading from reader-1, got %+v", got)
	}

	if err := up.Publish(CommandTopic(NFC), []byte(`{"command":"start"}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-commands:
		if msg.ClientID != "gryns-upstream" {
			t.Errorf("Expected command from gryns-upstream, got %s", msg.ClientID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Expected command to reach the broker")
	}
}
