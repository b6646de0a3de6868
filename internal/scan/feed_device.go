package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Publisher sends commands to scanners.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// FeedDevice is a Device backed by remote scanners publishing into a Feed.
// Opening it subscribes to the feed and asks scanners to start; closing
// unsubscribes and asks them to stop.
type FeedDevice struct {
	tech     Technology
	feed     *Feed
	enabled  bool
	commands Publisher
}

// NewFeedDevice creates a device for tech. commands may be nil when the
// scanners stream continuously.
func NewFeedDevice(tech Technology, feed *Feed, enabled bool, commands Publisher) *FeedDevice {
	return &FeedDevice{tech: tech, feed: feed, enabled: enabled, commands: commands}
}

func (d *FeedDevice) Technology() Technology {
	return d.tech
}

func (d *FeedDevice) Supported() error {
	if !d.enabled || d.feed == nil {
		return &Error{Kind: NotSupported, Err: fmt.Errorf("%s scanning disabled: %w", d.tech, ErrNotSupported)}
	}
	return nil
}

func (d *FeedDevice) Open(ctx context.Context) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := &feedHandle{device: d, sub: d.feed.subscribe(d.tech), session: uuid.NewString()}
	if err := d.send(Command{Command: "start", Session: h.session}); err != nil {
		d.feed.unsubscribe(h.sub)
		return nil, &Error{Kind: DeviceError, Err: fmt.Errorf("start scanners: %w", err)}
	}
	return h, nil
}

// Format asks an NFC scanner to write marker onto the presented tag and
// waits for its result.
func (d *FeedDevice) Format(ctx context.Context, marker string) error {
	if d.tech != NFC {
		return &Error{Kind: NotSupported, Err: fmt.Errorf("%s scanners cannot write tags", d.tech)}
	}
	if d.commands == nil {
		return &Error{Kind: NotSupported, Err: fmt.Errorf("no command channel to scanners")}
	}

	sub := d.feed.subscribe(d.tech)
	defer d.feed.unsubscribe(sub)

	if err := d.send(Command{Command: "format", Marker: marker}); err != nil {
		return &Error{Kind: DeviceError, Err: fmt.Errorf("send format command: %w", err)}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-sub.ch:
			if r.Kind != ReadingFormat {
				continue
			}
			return r.Err()
		}
	}
}

func (d *FeedDevice) send(cmd Command) error {
	if d.commands == nil {
		return nil
	}
	cmd.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	return d.commands.Publish(CommandTopic(d.tech), payload)
}

type feedHandle struct {
	device  *FeedDevice
	sub     *subscription
	session string
	once    sync.Once
}

func (h *feedHandle) Next(ctx context.Context) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case r := <-h.sub.ch:
			if r.Kind == ReadingFormat {
				continue
			}
			if err := r.Err(); err != nil {
				return "", err
			}
			if r.Value == "" && h.device.tech == QR {
				return "", ErrNoCode
			}
			return r.Value, nil
		}
	}
}

func (h *feedHandle) Close() error {
	var err error
	h.once.Do(func() {
		h.device.feed.unsubscribe(h.sub)
		err = h.device.send(Command{Command: "stop", Session: h.session})
	})
	return err
}
