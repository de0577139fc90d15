package fake

import (
	"errors"
	"sync"
	"time"

	"fieldgate/internal/serial"
)

var _ serial.Port = (*Port)(nil)

// Exchange scripts one request/response pair. Each Write consumes the
// next exchange and loads its response into the RX buffer. A nil
// Respond with no Err leaves the buffer empty, which reads as a
// response timeout.
type Exchange struct {
	Respond  []byte
	WriteErr error
	ReadErr  error
}

// Port is a scripted serial port. It records the observed event
// sequence ("flush", "write", "read") so tests can assert the
// flush-settle-request-response ordering.
type Port struct {
	mu     sync.Mutex
	script []Exchange
	rx     []byte
	rdErr  error

	Writes [][]byte
	Events []string
	Closed bool
}

func NewPort(script ...Exchange) *Port {
	return &Port{script: script}
}

// Append adds exchanges to the end of the script.
func (p *Port) Append(script ...Exchange) {
	p.mu.Lock()
	p.script = append(p.script, script...)
	p.mu.Unlock()
}

func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, "write")
	frame := append([]byte(nil), b...)
	p.Writes = append(p.Writes, frame)
	if len(p.script) == 0 {
		p.rx = nil
		p.rdErr = nil
		return len(b), nil
	}
	ex := p.script[0]
	p.script = p.script[1:]
	if ex.WriteErr != nil {
		return 0, ex.WriteErr
	}
	p.rx = append([]byte(nil), ex.Respond...)
	p.rdErr = ex.ReadErr
	return len(b), nil
}

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, "read")
	if p.rdErr != nil {
		err := p.rdErr
		p.rdErr = nil
		return 0, err
	}
	if len(p.rx) == 0 {
		// Matches the real port's timeout behavior: zero bytes, no error.
		return 0, nil
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

func (p *Port) FlushInput() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, "flush")
	p.rx = nil
	return nil
}

func (p *Port) SetReadTimeout(time.Duration) error { return nil }

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Closed {
		return errors.New("already closed")
	}
	p.Closed = true
	p.Events = append(p.Events, "close")
	return nil
}

// EventLog returns a copy of the observed event sequence.
func (p *Port) EventLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Events...)
}
