package mqttbroker

import (
	"fmt"
	"strings"
)

// MatchTopic reports whether topic matches the subscription filter. The
// single-level wildcard "+" matches one segment and the multi-level
// wildcard "#" matches the remainder, including the parent level.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// ValidateFilter rejects malformed subscription filters.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	segments := strings.Split(filter, "/")
	for i, s := range segments {
		switch {
		case s == "#" && i != len(segments)-1:
			return fmt.Errorf("topic filter %q: # must be last", filter)
		case s != "#" && s != "+" && strings.ContainsAny(s, "#+"):
			return fmt.Errorf("topic filter %q: wildcard must fill a level", filter)
		}
	}
	return nil
}
