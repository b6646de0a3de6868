package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gryns/tower-server/internal/scan"
)

type readingPayload struct {
	Kind      string `json:"kind"`
	Value     string `json:"value,omitempty"`
	Error     string `json:"error,omitempty"`
	Camera    string `json:"camera,omitempty"`
	Timestamp string `json:"timestamp"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	techFlag := flag.String("tech", "nfc", "Scanner technology: nfc or qr")
	scannerID := flag.String("scanner-id", "sim-scanner-1", "Scanner identifier")
	values := flag.String("values", "04:A1:B2:C3", "Comma separated tag serials or QR payloads to present")
	interval := flag.Duration("interval", 2*time.Second, "Interval between reads while a scan is active")
	missRate := flag.Float64("miss-rate", 0.3, "Probability that a read finds nothing")
	camera := flag.String("camera", "back", "Camera a QR scanner reads from (back or front)")
	failFormat := flag.Bool("fail-format", false, "Report a device error when asked to format a tag")
	always := flag.Bool("always", false, "Publish reads even when no scan session is active")

	flag.Parse()

	tech, err := scan.ParseTechnology(*techFlag)
	if err != nil {
		log.Fatalf("invalid -tech: %v", err)
	}
	pool := splitValues(*values)
	if len(pool) == 0 {
		log.Fatal("-values must name at least one value")
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var active atomic.Bool
	active.Store(*always)

	clientID := fmt.Sprintf("%s-simulator-%d", *scannerID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	readTopic := scan.ReadTopic(tech, *scannerID)
	send := func(p readingPayload) {
		p.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		data, err := json.Marshal(p)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}
		token := client.Publish(readTopic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s kind=%s value=%q error=%q", readTopic, p.Kind, p.Value, p.Error)
	}

	commandTopic := scan.CommandTopic(tech)
	token := client.Subscribe(commandTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var cmd scan.Command
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			log.Printf("ignoring malformed command: %v", err)
			return
		}
		switch cmd.Command {
		case "start":
			active.Store(true)
			log.Printf("scan session %s started", cmd.Session)
		case "stop":
			active.Store(*always)
			log.Print("scan session stopped")
		case "format":
			result := readingPayload{Kind: scan.ReadingFormat}
			if *failFormat || tech != scan.NFC {
				result.Error = scan.CodeDeviceError
			}
			log.Printf("writing marker %q", cmd.Marker)
			send(result)
		}
	})
	if token.Wait() && token.Error() != nil {
		log.Fatalf("failed to subscribe to %s: %v", commandTopic, token.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	read := func() {
		if !active.Load() {
			return
		}
		p := readingPayload{Kind: scan.ReadingScan}
		if tech == scan.QR {
			p.Camera = *camera
		}
		if rng.Float64() < *missRate {
			if tech == scan.NFC {
				// No tag in the field: an NFC reader stays silent.
				return
			}
			p.Error = scan.CodeNoCode
		} else {
			p.Value = pool[rng.Intn(len(pool))]
		}
		send(p)
	}

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			read()
		}
	}
}

func splitValues(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
