package afk

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for run, task, and correlation identifiers. The result contains
// no colons, so it is always safe inside checkpoint keys.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// NowUnixMilli returns current time as Unix milliseconds. Envelope and
// event timestamps use millisecond resolution.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
