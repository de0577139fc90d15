// Package modbus implements the Modbus RTU application codec: request
// framing, response validation, CRC-16, and the exception taxonomy.
// It is transport-free; the bus layer owns the serial port.
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FunctionCode is a Modbus public function code.
type FunctionCode byte

const (
	FuncReadCoils          FunctionCode = 0x01
	FuncReadDiscreteInputs FunctionCode = 0x02
	FuncReadHolding        FunctionCode = 0x03
	FuncReadInput          FunctionCode = 0x04
	FuncWriteSingleCoil    FunctionCode = 0x05
	FuncWriteSingleReg     FunctionCode = 0x06
	FuncWriteMultipleCoils FunctionCode = 0x0F
)

// Exception is a Modbus exception code carried in an error response.
type Exception byte

const (
	// The function code is not an allowable action for the slave.
	ExceptionIllegalFunction Exception = 0x01
	// The data address is not an allowable address for the slave.
	ExceptionIllegalDataAddress Exception = 0x02
	// A value in the query data field is not allowable for the slave.
	ExceptionIllegalDataValue Exception = 0x03
	// An unrecoverable error occurred while the slave was acting.
	ExceptionSlaveDeviceFailure Exception = 0x04
	// The request was accepted but needs a long time to process.
	ExceptionAcknowledge Exception = 0x05
	// The slave is busy processing a long-duration command.
	ExceptionSlaveDeviceBusy Exception = 0x06
)

func (e Exception) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionSlaveDeviceFailure:
		return "slave device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionSlaveDeviceBusy:
		return "slave device busy"
	default:
		return fmt.Sprintf("exception 0x%02x", byte(e))
	}
}

// ExceptionError wraps an exception code so callers can classify it
// with errors.As.
type ExceptionError struct {
	Slave    byte
	Function FunctionCode
	Code     Exception
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception from slave %d fn 0x%02x: %s", e.Slave, byte(e.Function), e.Code)
}

// Frame-level errors. All of them mean the response cannot be trusted
// and the connection should be reset by the caller.
var (
	ErrShortFrame       = errors.New("modbus: short frame")
	ErrCRC              = errors.New("modbus: crc mismatch")
	ErrSlaveMismatch    = errors.New("modbus: response from unexpected slave")
	ErrFunctionMismatch = errors.New("modbus: response for unexpected function")
)

// CRC16 computes the Modbus RTU CRC (poly 0xA001, init 0xFFFF).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func appendCRC(frame []byte) []byte {
	crc := CRC16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// ReadRequest frames a register or bit read (functions 01-04).
func ReadRequest(slave byte, fc FunctionCode, addr, quantity uint16) []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame, slave, byte(fc))
	frame = binary.BigEndian.AppendUint16(frame, addr)
	frame = binary.BigEndian.AppendUint16(frame, quantity)
	return appendCRC(frame)
}

// WriteSingleRequest frames function 05 or 06. For coils the value
// must be 0xFF00 (on) or 0x0000 (off).
func WriteSingleRequest(slave byte, fc FunctionCode, addr, value uint16) []byte {
	frame := make([]byte, 0, 8)
	frame = append(frame, slave, byte(fc))
	frame = binary.BigEndian.AppendUint16(frame, addr)
	frame = binary.BigEndian.AppendUint16(frame, value)
	return appendCRC(frame)
}

// CoilValue maps a bool onto the function-05 wire encoding.
func CoilValue(on bool) uint16 {
	if on {
		return 0xFF00
	}
	return 0
}

// WriteMultipleCoilsRequest frames function 15.
func WriteMultipleCoilsRequest(slave byte, addr uint16, values []bool) []byte {
	byteCount := (len(values) + 7) / 8
	frame := make([]byte, 0, 7+byteCount+2)
	frame = append(frame, slave, byte(FuncWriteMultipleCoils))
	frame = binary.BigEndian.AppendUint16(frame, addr)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(values)))
	frame = append(frame, byte(byteCount))
	packed := make([]byte, byteCount)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	frame = append(frame, packed...)
	return appendCRC(frame)
}

// ParseResponse validates a complete RTU frame against the request it
// answers and returns the PDU data bytes (after slave and function,
// before CRC). Exception responses yield *ExceptionError.
func ParseResponse(frame []byte, slave byte, fc FunctionCode) ([]byte, error) {
	if len(frame) < 5 {
		return nil, ErrShortFrame
	}
	body := frame[:len(frame)-2]
	got := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if CRC16(body) != got {
		return nil, ErrCRC
	}
	if frame[0] != slave {
		return nil, fmt.Errorf("%w: want %d got %d", ErrSlaveMismatch, slave, frame[0])
	}
	respFn := frame[1]
	if respFn == byte(fc)|0x80 {
		return nil, &ExceptionError{Slave: slave, Function: fc, Code: Exception(frame[2])}
	}
	if respFn != byte(fc) {
		return nil, fmt.Errorf("%w: want 0x%02x got 0x%02x", ErrFunctionMismatch, byte(fc), respFn)
	}
	return frame[2 : len(frame)-2], nil
}

// ResponseLength returns the expected total frame length for a read
// response once the 3-byte header (slave, fn, byte count or exception
// code) has been received. Exception frames are always 5 bytes.
func ResponseLength(header []byte, fc FunctionCode) (int, error) {
	if len(header) < 3 {
		return 0, ErrShortFrame
	}
	if header[1] == byte(fc)|0x80 {
		return 5, nil
	}
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHolding, FuncReadInput:
		return 3 + int(header[2]) + 2, nil
	case FuncWriteSingleCoil, FuncWriteSingleReg, FuncWriteMultipleCoils:
		// Echo responses have a fixed 8-byte frame.
		return 8, nil
	default:
		return 0, fmt.Errorf("modbus: unsupported function 0x%02x", byte(fc))
	}
}

// Words decodes a register-read payload (byte count + big-endian
// words) into 16-bit register values.
func Words(payload []byte) ([]uint16, error) {
	if len(payload) < 1 {
		return nil, ErrShortFrame
	}
	n := int(payload[0])
	if n%2 != 0 || len(payload) < 1+n {
		return nil, ErrShortFrame
	}
	out := make([]uint16, n/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(payload[1+2*i:])
	}
	return out, nil
}

// Bits decodes a coil/discrete-read payload into count booleans.
func Bits(payload []byte, count int) ([]bool, error) {
	if len(payload) < 1 {
		return nil, ErrShortFrame
	}
	n := int(payload[0])
	if len(payload) < 1+n || n*8 < count {
		return nil, ErrShortFrame
	}
	out := make([]bool, count)
	for i := range out {
		out[i] = payload[1+i/8]&(1<<(i%8)) != 0
	}
	return out, nil
}
