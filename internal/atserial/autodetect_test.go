package atserial

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

// fakePort answers "OK\r\n" to any write starting with "AT" once armed,
// otherwise stays silent.
type fakePort struct {
	respondOK bool
	resp      bytes.Buffer
	closed    bool
}

func (f *fakePort) Read(p []byte) (int, error) {
	if f.resp.Len() == 0 {
		return 0, nil
	}
	return f.resp.Read(p)
}

func (f *fakePort) Write(p []byte) (int, error) {
	if f.respondOK && bytes.HasPrefix(p, []byte("AT")) {
		f.resp.WriteString("OK\r\n")
	}
	return len(p), nil
}

func (f *fakePort) Close() error { f.closed = true; return nil }

func TestAutodetect_FindsResponsiveCandidate(t *testing.T) {
	sleepFn = func(time.Duration) {} // skip the real 1.2s escape guard
	defer func() { sleepFn = time.Sleep }()

	var opened []Candidate
	good := &fakePort{respondOK: true}
	OpenFn = func(name string, baud int, to time.Duration) (Port, error) {
		c := Candidate{Port: name, Baud: baud}
		opened = append(opened, c)
		if name == "/dev/ttyUSB1" {
			return good, nil
		}
		return &fakePort{}, nil
	}
	defer func() { OpenFn = Open }()

	candidates := []Candidate{
		{Port: "/dev/ttyUSB0", Baud: 115200},
		{Port: "/dev/ttyUSB1", Baud: 115200},
	}
	p, c, err := Autodetect(context.Background(), candidates, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Autodetect: %v", err)
	}
	if c.Port != "/dev/ttyUSB1" {
		t.Fatalf("matched candidate = %+v, want ttyUSB1", c)
	}
	if p != Port(good) {
		t.Fatalf("returned port is not the responsive fake")
	}
}

func TestAutodetect_NoneRespondReturnsError(t *testing.T) {
	sleepFn = func(time.Duration) {}
	defer func() { sleepFn = time.Sleep }()
	OpenFn = func(name string, baud int, to time.Duration) (Port, error) { return &fakePort{}, nil }
	defer func() { OpenFn = Open }()

	_, _, err := Autodetect(context.Background(), []Candidate{{Port: "/dev/ttyUSB0", Baud: 115200}}, 10*time.Millisecond)
	if !errors.Is(err, ErrAutodetectFailed) {
		t.Fatalf("err = %v, want ErrAutodetectFailed", err)
	}
}
