package commandstore

import (
	"fmt"
	"strings"
)

// ValidatePattern checks MQTT wildcard rules: '+' and '#' occupy a whole level and
// '#' is the last level.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: '#' must be the last level in %q", ErrInvalidPattern, pattern)
		case level != "#" && level != "+" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcard must occupy a whole level in %q", ErrInvalidPattern, pattern)
		}
	}

	return nil
}

// Match reports whether topic matches an MQTT-style pattern.
func Match(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i, level := range p {
		if level == "#" {
			return true
		}

		if i >= len(t) {
			return false
		}

		if level != "+" && level != t[i] {
			return false
		}
	}

	return len(p) == len(t)
}
