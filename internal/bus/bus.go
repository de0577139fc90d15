// Package bus is the serial transaction layer. It serializes every
// Modbus request that shares a physical RS-485 port, discards stale
// RX bytes before each request, classifies response errors, and
// selectively resets the connection.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fieldgate/internal/modbus"
	"fieldgate/internal/serial"
	"fieldgate/internal/support/check"
)

const (
	// settleDelay sits between the RX flush and the request so a slave
	// mid-transmission has drained before we talk over it.
	settleDelay = 10 * time.Millisecond

	// busyTeardownThreshold is 3: a slave reporting busy once or twice
	// is normal; three in a row means the line state is suspect.
	busyTeardownThreshold = 3

	defaultResponseTimeout = 300 * time.Millisecond
)

// RegisterType selects the Modbus table a request addresses.
type RegisterType string

const (
	Holding       RegisterType = "holding"
	Input         RegisterType = "input"
	Coil          RegisterType = "coil"
	DiscreteInput RegisterType = "discrete_input"
)

func (rt RegisterType) readFunction() (modbus.FunctionCode, error) {
	switch rt {
	case Holding:
		return modbus.FuncReadHolding, nil
	case Input:
		return modbus.FuncReadInput, nil
	case Coil:
		return modbus.FuncReadCoils, nil
	case DiscreteInput:
		return modbus.FuncReadDiscreteInputs, nil
	default:
		return 0, fmt.Errorf("bus: unknown register type %q", string(rt))
	}
}

// IsBit reports whether the type is bit-addressed (coil/discrete).
func (rt RegisterType) IsBit() bool { return rt == Coil || rt == DiscreteInput }

// OpenFunc (re)opens the physical port. Called under the port lock.
type OpenFunc func() (serial.Port, error)

// PortHandle is the single owner of one physical serial port. All Bus
// instances on the same port share one handle; the lock spans the
// whole request cycle including the pre-request flush and the
// response decode.
type PortHandle struct {
	id   string
	open OpenFunc

	lock chan struct{}

	// Guarded by lock.
	port              serial.Port
	consecutiveErrors int
}

func NewPortHandle(id string, open OpenFunc) *PortHandle {
	check.Assert(open != nil, "bus.NewPortHandle: open must not be nil")
	return &PortHandle{id: id, open: open, lock: make(chan struct{}, 1)}
}

// acquire takes the port lock, honoring cancellation.
func (h *PortHandle) acquire(ctx context.Context) error {
	select {
	case h.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *PortHandle) release() { <-h.lock }

// connectLocked opens the port if it is not already open.
func (h *PortHandle) connectLocked() error {
	if h.port != nil {
		return nil
	}
	p, err := h.open()
	if err != nil {
		return err
	}
	h.port = p
	h.consecutiveErrors = 0
	slog.Info("serial port opened", "port", h.id)
	return nil
}

// teardownLocked closes the port so the next operation reconnects.
func (h *PortHandle) teardownLocked() {
	if h.port == nil {
		return
	}
	_ = h.port.Close()
	h.port = nil
	slog.Warn("serial port connection reset", "port", h.id)
}

// Close releases the port. Safe to call while idle only.
func (h *PortHandle) Close() error {
	if err := h.acquire(context.Background()); err != nil {
		return err
	}
	defer h.release()
	if h.port == nil {
		return nil
	}
	err := h.port.Close()
	h.port = nil
	return err
}

// Bus issues Modbus transactions for one slave on a shared port.
type Bus struct {
	SlaveID byte
	Handle  *PortHandle

	// ResponseTimeout bounds the wait for a response frame. Zero means
	// the default. A sooner context deadline always wins.
	ResponseTimeout time.Duration
}

func New(slaveID byte, handle *PortHandle) *Bus {
	check.Assert(handle != nil, "bus.New: handle must not be nil")
	return &Bus{SlaveID: slaveID, Handle: handle}
}

// ReadRegs reads count 16-bit registers starting at offset. An
// ordinary failure (timeout, exception, malformed frame) returns
// (nil, nil); callers substitute the MISSING sentinel. The error is
// non-nil only for cancellation or misuse.
func (b *Bus) ReadRegs(ctx context.Context, offset, count uint16, rt RegisterType) ([]uint16, error) {
	fc, err := rt.readFunction()
	if err != nil {
		return nil, err
	}
	if rt.IsBit() {
		return nil, fmt.Errorf("bus: ReadRegs on bit register type %q", string(rt))
	}
	if err := b.Handle.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.Handle.release()
	payload, err := b.transactLocked(ctx, fc, modbus.ReadRequest(b.SlaveID, fc, offset, count))
	if err != nil || payload == nil {
		return nil, err
	}
	words, werr := modbus.Words(payload)
	if werr != nil || len(words) < int(count) {
		b.malformedLocked(werr)
		return nil, nil
	}
	return words[:count], nil
}

// ReadBits reads count coils or discrete inputs starting at offset.
// Failure semantics match ReadRegs.
func (b *Bus) ReadBits(ctx context.Context, offset, count uint16, rt RegisterType) ([]bool, error) {
	if !rt.IsBit() {
		return nil, fmt.Errorf("bus: ReadBits on word register type %q", string(rt))
	}
	fc, err := rt.readFunction()
	if err != nil {
		return nil, err
	}
	if err := b.Handle.acquire(ctx); err != nil {
		return nil, err
	}
	defer b.Handle.release()
	payload, err := b.transactLocked(ctx, fc, modbus.ReadRequest(b.SlaveID, fc, offset, count))
	if err != nil || payload == nil {
		return nil, err
	}
	bits, berr := modbus.Bits(payload, int(count))
	if berr != nil {
		b.malformedLocked(berr)
		return nil, nil
	}
	return bits, nil
}

// ErrWriteFailed is returned when a write transaction did not
// complete; the device state must be treated as unknown.
var ErrWriteFailed = errors.New("bus: write failed")

// WriteU16 writes a single holding register (function 06).
func (b *Bus) WriteU16(ctx context.Context, offset, value uint16) error {
	if err := b.Handle.acquire(ctx); err != nil {
		return err
	}
	defer b.Handle.release()
	payload, err := b.transactLocked(ctx, modbus.FuncWriteSingleReg,
		modbus.WriteSingleRequest(b.SlaveID, modbus.FuncWriteSingleReg, offset, value))
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("%w: register %d", ErrWriteFailed, offset)
	}
	return nil
}

// WriteCoil writes a single coil (function 05).
func (b *Bus) WriteCoil(ctx context.Context, offset uint16, on bool) error {
	if err := b.Handle.acquire(ctx); err != nil {
		return err
	}
	defer b.Handle.release()
	payload, err := b.transactLocked(ctx, modbus.FuncWriteSingleCoil,
		modbus.WriteSingleRequest(b.SlaveID, modbus.FuncWriteSingleCoil, offset, modbus.CoilValue(on)))
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("%w: coil %d", ErrWriteFailed, offset)
	}
	return nil
}

// WriteCoils writes a run of coils (function 15).
func (b *Bus) WriteCoils(ctx context.Context, offset uint16, values []bool) error {
	if err := b.Handle.acquire(ctx); err != nil {
		return err
	}
	defer b.Handle.release()
	payload, err := b.transactLocked(ctx, modbus.FuncWriteMultipleCoils,
		modbus.WriteMultipleCoilsRequest(b.SlaveID, offset, values))
	if err != nil {
		return err
	}
	if payload == nil {
		return fmt.Errorf("%w: coils %d+%d", ErrWriteFailed, offset, len(values))
	}
	return nil
}

// EnsureConnected opens the port if needed. Idempotent; only attempts
// reconnection while holding the port lock.
func (b *Bus) EnsureConnected(ctx context.Context) bool {
	if err := b.Handle.acquire(ctx); err != nil {
		return false
	}
	defer b.Handle.release()
	if err := b.Handle.connectLocked(); err != nil {
		slog.Warn("serial connect failed", "port", b.Handle.id, "err", err)
		return false
	}
	return true
}

// malformedLocked records a response that parsed at the frame level
// but not at the payload level. The flush and teardown run in the same
// lock hold as the exchange, so no other waiter sees the dirty line.
func (b *Bus) malformedLocked(err error) {
	b.flushLocked()
	b.Handle.teardownLocked()
	slog.Warn("malformed modbus payload", "port", b.Handle.id, "slave", b.SlaveID, "err", err)
}

// transactLocked runs one full request/response cycle. The caller
// holds the port lock, spanning the payload decode and any cleanup.
// Returns (payload, nil) on success, (nil, nil) on ordinary failure,
// and a non-nil error only on cancellation.
func (b *Bus) transactLocked(ctx context.Context, fc modbus.FunctionCode, request []byte) ([]byte, error) {
	h := b.Handle

	if err := h.connectLocked(); err != nil {
		slog.Warn("serial connect failed", "port", h.id, "slave", b.SlaveID, "err", err)
		return nil, nil
	}

	// Flush stale bytes, then let the line settle before transmitting.
	b.flushLocked()
	if err := sleepContext(ctx, settleDelay); err != nil {
		b.cancelCleanupLocked()
		return nil, err
	}

	frame, err := b.exchangeLocked(ctx, fc, request)
	if ctx.Err() != nil {
		b.cancelCleanupLocked()
		return nil, ctx.Err()
	}
	if err != nil {
		// Transport error: serial write/read failure or timeout.
		slog.Debug("modbus transport error", "port", h.id, "slave", b.SlaveID, "err", err)
		b.flushLocked()
		h.teardownLocked()
		return nil, nil
	}

	payload, perr := modbus.ParseResponse(frame, b.SlaveID, fc)
	if perr == nil {
		h.consecutiveErrors = 0
		return payload, nil
	}

	var exc *modbus.ExceptionError
	if errors.As(perr, &exc) {
		switch exc.Code {
		case modbus.ExceptionIllegalFunction, modbus.ExceptionIllegalDataAddress, modbus.ExceptionIllegalDataValue:
			// Device-configuration exceptions: the line itself is fine.
			slog.Debug("modbus exception", "port", h.id, "slave", b.SlaveID, "code", exc.Code.String())
			b.flushLocked()
			return nil, nil
		case modbus.ExceptionSlaveDeviceBusy:
			b.flushLocked()
			h.consecutiveErrors++
			if h.consecutiveErrors >= busyTeardownThreshold {
				h.teardownLocked()
			}
			return nil, nil
		default:
			slog.Warn("unexpected modbus exception", "port", h.id, "slave", b.SlaveID, "code", exc.Code.String())
			b.flushLocked()
			h.teardownLocked()
			return nil, nil
		}
	}

	// Malformed or mismatched frame.
	slog.Warn("bad modbus frame", "port", h.id, "slave", b.SlaveID, "err", perr)
	b.flushLocked()
	h.teardownLocked()
	return nil, nil
}

func (b *Bus) flushLocked() {
	if b.Handle.port == nil {
		return
	}
	if err := b.Handle.port.FlushInput(); err != nil {
		slog.Debug("rx flush failed", "port", b.Handle.id, "err", err)
	}
}

// cancelCleanupLocked runs the cancellation contract: clear the
// buffer, force a connection reset, and let the caller re-raise.
func (b *Bus) cancelCleanupLocked() {
	b.flushLocked()
	b.Handle.teardownLocked()
}

// exchangeLocked writes the request and collects the response frame.
func (b *Bus) exchangeLocked(ctx context.Context, fc modbus.FunctionCode, request []byte) ([]byte, error) {
	port := b.Handle.port
	timeout := b.ResponseTimeout
	if timeout <= 0 {
		timeout = defaultResponseTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if _, err := port.Write(request); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	header, err := b.readFullLocked(ctx, 3, deadline)
	if err != nil {
		return nil, err
	}
	total, err := modbus.ResponseLength(header, fc)
	if err != nil {
		return nil, err
	}
	rest, err := b.readFullLocked(ctx, total-3, deadline)
	if err != nil {
		return nil, err
	}
	return append(header, rest...), nil
}

// readFullLocked reads exactly n bytes or fails at the deadline. A
// zero-byte read without error is the port's timeout signal.
func (b *Bus) readFullLocked(ctx context.Context, n int, deadline time.Time) ([]byte, error) {
	port := b.Handle.port
	buf := make([]byte, 0, n)
	tmp := make([]byte, n)
	for len(buf) < n {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("response timeout after %d/%d bytes", len(buf), n)
		}
		_ = port.SetReadTimeout(remaining)
		got, err := port.Read(tmp[:n-len(buf)])
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if got == 0 {
			return nil, fmt.Errorf("response timeout after %d/%d bytes", len(buf), n)
		}
		buf = append(buf, tmp[:got]...)
	}
	return buf, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
