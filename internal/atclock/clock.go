// Package atclock provides the bridge's monotonic time source and the two
// independent token-bucket rate limiters (bytes/sec, msgs/sec) shared by the
// send pipeline and the AT command engine. Grounded on AsyncTokenBucket in
// original_source/src/uart_tcp_client.py, translated from an asyncio lock
// into a sync.Mutex-guarded struct in the teacher's style of small,
// injectable building blocks (time.Now/time.Sleep as package-level function
// variables, as cmd/can-server/backend_serial.go does with sleepFn).
package atclock

import "time"

// NowFn and SleepFn are test-injectable hooks, mirroring the teacher's
// sleepFn/openSerialPort package vars in cmd/can-server/backend_serial.go.
var (
	NowFn   = time.Now
	SleepFn = time.Sleep
)

// Elapsed returns the monotonic duration since t, using the injectable clock.
func Elapsed(t time.Time) time.Duration { return NowFn().Sub(t) }
