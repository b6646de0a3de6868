package scan

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Topic layout used by scanner devices.
const (
	// ReadTopicFilter matches every scanner read topic.
	ReadTopicFilter = "scanners/+/+/reads"
	topicRoot       = "scanners"
)

// ReadTopic is where a scanner publishes what it reads.
func ReadTopic(tech Technology, scannerID string) string {
	return fmt.Sprintf("%s/%s/%s/reads", topicRoot, tech, scannerID)
}

// CommandTopic is where scanners of a technology listen for commands.
func CommandTopic(tech Technology) string {
	return fmt.Sprintf("%s/%s/commands", topicRoot, tech)
}

// Reading kinds published by scanners.
const (
	ReadingScan   = "read"
	ReadingFormat = "format_result"
)

// Error codes a scanner may report instead of a value.
const (
	CodeNoCode           = "no_code"
	CodeNotSupported     = "not_supported"
	CodePermissionDenied = "permission_denied"
	CodeDeviceError      = "device_error"
)

// Reading is one message from a remote scanner.
type Reading struct {
	Technology Technology `json:"technology"`
	ScannerID  string     `json:"scanner_id"`
	Kind       string     `json:"kind,omitempty"`
	Value      string     `json:"value"`
	Error      string     `json:"error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Command is sent to scanners on CommandTopic.
type Command struct {
	Command   string    `json:"command"`
	Session   string    `json:"session,omitempty"`
	Marker    string    `json:"marker,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Err converts the reported error code to a scan error.
func (r Reading) Err() error {
	switch strings.ToLower(strings.TrimSpace(r.Error)) {
	case "":
		return nil
	case CodeNoCode:
		return ErrNoCode
	case CodeNotSupported:
		return &Error{Kind: NotSupported, Err: fmt.Errorf("scanner %s: %w", r.ScannerID, ErrNotSupported)}
	case CodePermissionDenied:
		return &Error{Kind: PermissionDenied, Err: fmt.Errorf("scanner %s: %w", r.ScannerID, ErrPermissionDenied)}
	default:
		return &Error{Kind: DeviceError, Err: fmt.Errorf("scanner %s: %s", r.ScannerID, r.Error)}
	}
}

// ParseReading decodes a scanner publish. Technology and scanner id fall
// back to the topic segments when the payload omits them.
func ParseReading(topic string, payload []byte) (Reading, error) {
	var r Reading
	if err := json.Unmarshal(payload, &r); err != nil {
		return Reading{}, fmt.Errorf("decode payload: %w", err)
	}

	parts := strings.Split(topic, "/")
	if len(parts) == 4 && parts[0] == topicRoot && parts[3] == "reads" {
		if r.Technology == "" {
			r.Technology = Technology(parts[1])
		}
		if r.ScannerID == "" {
			r.ScannerID = parts[2]
		}
	}

	tech, err := ParseTechnology(string(r.Technology))
	if err != nil {
		return Reading{}, err
	}
	r.Technology = tech
	if r.Kind == "" {
		r.Kind = ReadingScan
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return r, nil
}

const subscriptionBuffer = 16

type subscription struct {
	tech Technology
	ch   chan Reading
}

// Feed fans scanner readings out to the open scan handles.
type Feed struct {
	mu      sync.Mutex
	subs    map[Technology]map[*subscription]struct{}
	scanner map[Technology]map[string]time.Time
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		subs:    make(map[Technology]map[*subscription]struct{}),
		scanner: make(map[Technology]map[string]time.Time),
	}
}

// Publish delivers r to every subscriber of its technology and returns how
// many received it. Slow subscribers drop readings rather than block.
func (f *Feed) Publish(r Reading) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.ScannerID != "" {
		seen, ok := f.scanner[r.Technology]
		if !ok {
			seen = make(map[string]time.Time)
			f.scanner[r.Technology] = seen
		}
		seen[r.ScannerID] = r.Timestamp
	}

	delivered := 0
	for sub := range f.subs[r.Technology] {
		select {
		case sub.ch <- r:
			delivered++
		default:
		}
	}
	return delivered
}

// Scanners lists the scanner ids seen for tech since the given time.
func (f *Feed) Scanners(tech Technology, since time.Time) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, last := range f.scanner[tech] {
		if !last.Before(since) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Subscribers reports the number of open subscriptions for tech.
func (f *Feed) Subscribers(tech Technology) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[tech])
}

func (f *Feed) subscribe(tech Technology) *subscription {
	sub := &subscription{tech: tech, ch: make(chan Reading, subscriptionBuffer)}
	f.mu.Lock()
	if f.subs[tech] == nil {
		f.subs[tech] = make(map[*subscription]struct{})
	}
	f.subs[tech][sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

func (f *Feed) unsubscribe(sub *subscription) {
	f.mu.Lock()
	delete(f.subs[sub.tech], sub)
	f.mu.Unlock()
}
