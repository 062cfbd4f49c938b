package topic

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLength is the maximum encoded length of an MQTT topic name or filter
// (bounded by the 2-byte UTF-8 string length prefix used throughout the wire
// format).
const MaxLength = 65535

// ValidatePublishTopic validates a topic name used in PUBLISH. Publish topics
// must be wildcard-free, non-empty, NUL-free and valid UTF-8.
func ValidatePublishTopic(name string) error {
	if name == "" {
		return fmt.Errorf("topic: publish topic must not be empty")
	}
	if len(name) > MaxLength {
		return fmt.Errorf("topic: publish topic length %d exceeds maximum %d", len(name), MaxLength)
	}
	if strings.ContainsRune(name, '+') {
		return fmt.Errorf("topic: publish topic must not contain '+'")
	}
	if strings.ContainsRune(name, '#') {
		return fmt.Errorf("topic: publish topic must not contain '#'")
	}
	if strings.ContainsRune(name, '\x00') {
		return fmt.Errorf("topic: publish topic must not contain a NUL byte")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("topic: publish topic is not valid UTF-8")
	}
	return nil
}

// ValidateSubscribeTopic validates a topic filter used in SUBSCRIBE, where
// '+' and '#' wildcards are permitted but constrained in placement: '+' must
// occupy a whole level, '#' must be the last level and occupy it alone.
func ValidateSubscribeTopic(filter string) error {
	if filter == "" {
		return fmt.Errorf("topic: subscribe filter must not be empty")
	}
	if len(filter) > MaxLength {
		return fmt.Errorf("topic: subscribe filter length %d exceeds maximum %d", len(filter), MaxLength)
	}
	if strings.ContainsRune(filter, '\x00') {
		return fmt.Errorf("topic: subscribe filter must not contain a NUL byte")
	}
	if !utf8.ValidString(filter) {
		return fmt.Errorf("topic: subscribe filter is not valid UTF-8")
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.ContainsRune(level, '+') && level != "+" {
			return fmt.Errorf("topic: '+' must occupy an entire level")
		}
		if strings.ContainsRune(level, '#') {
			if level != "#" {
				return fmt.Errorf("topic: '#' must occupy an entire level")
			}
			if i != len(levels)-1 {
				return fmt.Errorf("topic: '#' must be the last level")
			}
		}
	}
	return nil
}
