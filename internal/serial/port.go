// Package serial abstracts the RS-485 serial port behind a small
// interface so the bus layer can be exercised against scripted ports
// in tests. The production implementation wraps go.bug.st/serial.
package serial

import (
	"fmt"
	"time"

	bugst "go.bug.st/serial"
)

// Port is the transport capability the bus layer needs. FlushInput is
// a required capability: the bus discards stale RX bytes before every
// request so a late frame from one slave is never parsed as another
// slave's response.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	FlushInput() error
	SetReadTimeout(d time.Duration) error
	Close() error
}

// Config describes how to open a physical port.
type Config struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"` // none, even, odd
}

type realPort struct {
	p bugst.Port
}

// Open opens the configured device in RTU-appropriate raw mode.
func Open(cfg Config) (Port, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	mode := &bugst.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: bugst.OneStopBit,
		Parity:   bugst.NoParity,
	}
	switch cfg.StopBits {
	case 0, 1:
	case 2:
		mode.StopBits = bugst.TwoStopBits
	default:
		return nil, fmt.Errorf("open %s: unsupported stop bits %d", cfg.Device, cfg.StopBits)
	}
	switch cfg.Parity {
	case "", "none":
	case "even":
		mode.Parity = bugst.EvenParity
	case "odd":
		mode.Parity = bugst.OddParity
	default:
		return nil, fmt.Errorf("open %s: unsupported parity %q", cfg.Device, cfg.Parity)
	}
	p, err := bugst.Open(cfg.Device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	return &realPort{p: p}, nil
}

func (r *realPort) Read(p []byte) (int, error)  { return r.p.Read(p) }
func (r *realPort) Write(p []byte) (int, error) { return r.p.Write(p) }

func (r *realPort) FlushInput() error {
	return r.p.ResetInputBuffer()
}

func (r *realPort) SetReadTimeout(d time.Duration) error {
	return r.p.SetReadTimeout(d)
}

func (r *realPort) Close() error { return r.p.Close() }
