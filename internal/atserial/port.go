// Package atserial wraps the physical UART (C2): a small Port interface over
// github.com/tarm/serial for testability, plus a best-effort autodetect of
// (port, baud) candidates. Grounded directly on the teacher's
// internal/serial.Port/Open.
package atserial

import (
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens the named serial device at baud with the given read timeout.
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}
