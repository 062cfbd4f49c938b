package broker

import (
	"math"
	"net"
	"time"
)

// KeepAliveTimer enforces spec.md §4.9: a Connection idle for
// ceil(keepAlive * grace) seconds, with zero inbound reads, is closed (no
// DISCONNECT sent). keepAlive=0 disables the timer entirely.
//
// Rather than a second goroutine racing the connection's blocking read loop,
// the timer is expressed as a sliding net.Conn read deadline: Connection
// rearms it before every read, which is exactly equivalent to resetting an
// idle timer on each inbound byte and avoids a redundant goroutine per
// connection.
type KeepAliveTimer struct {
	idle time.Duration
}

// newKeepAliveTimer returns nil when keepAliveSeconds is 0 (timer disabled).
func newKeepAliveTimer(keepAliveSeconds uint16, grace float64) *KeepAliveTimer {
	if keepAliveSeconds == 0 {
		return nil
	}
	if grace <= 0 {
		grace = 1.5
	}
	seconds := math.Ceil(float64(keepAliveSeconds) * grace)
	return &KeepAliveTimer{idle: time.Duration(seconds) * time.Second}
}

// arm sets rwc's read deadline forward by the idle window. A nil receiver
// (timer disabled) clears any existing deadline instead.
func (k *KeepAliveTimer) arm(rwc net.Conn) error {
	if k == nil {
		return rwc.SetReadDeadline(time.Time{})
	}
	return rwc.SetReadDeadline(time.Now().Add(k.idle))
}

// isTimeout reports whether err is a read timeout raised by an armed
// KeepAliveTimer's deadline, as opposed to any other read failure.
func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
