package wire

import (
	"strings"

	"github.com/google/uuid"
)

// NewInstanceID returns a short per-widget-instantiation identifier used to
// discard messages addressed to a different co-located widget instance.
func NewInstanceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

// NewRequestID returns a fresh correlation id for a request message.
func NewRequestID() string {
	return uuid.NewString()
}
