package modbus

import (
	"bytes"
	"errors"
	"testing"
)

func TestCRC16KnownVectors(t *testing.T) {
	// Reference vectors computed against the standard RTU polynomial.
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"read holding 1@0", []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 0x0A84},
		{"read input 2@10", []byte{0x11, 0x04, 0x00, 0x0A, 0x00, 0x02}, 0x5953},
		{"empty", nil, 0xFFFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CRC16(tt.data); got != tt.want {
				t.Errorf("CRC16(% x) = 0x%04X, want 0x%04X", tt.data, got, tt.want)
			}
		})
	}
}

func TestReadRequestFraming(t *testing.T) {
	frame := ReadRequest(1, FuncReadHolding, 0, 1)
	want := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = % x, want % x", frame, want)
	}
}

func TestParseResponse(t *testing.T) {
	okFrame := appendCRC([]byte{0x01, 0x03, 0x02, 0x12, 0x34})
	excFrame := appendCRC([]byte{0x01, 0x83, 0x02})

	t.Run("success returns payload", func(t *testing.T) {
		payload, err := ParseResponse(okFrame, 1, FuncReadHolding)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !bytes.Equal(payload, []byte{0x02, 0x12, 0x34}) {
			t.Errorf("payload = % x", payload)
		}
	})

	t.Run("exception surfaces code", func(t *testing.T) {
		_, err := ParseResponse(excFrame, 1, FuncReadHolding)
		var exc *ExceptionError
		if !errors.As(err, &exc) {
			t.Fatalf("want ExceptionError, got %v", err)
		}
		if exc.Code != ExceptionIllegalDataAddress {
			t.Errorf("code = %v", exc.Code)
		}
	})

	t.Run("bad crc", func(t *testing.T) {
		mangled := append([]byte(nil), okFrame...)
		mangled[len(mangled)-1] ^= 0xFF
		if _, err := ParseResponse(mangled, 1, FuncReadHolding); !errors.Is(err, ErrCRC) {
			t.Errorf("want ErrCRC, got %v", err)
		}
	})

	t.Run("wrong slave", func(t *testing.T) {
		other := appendCRC([]byte{0x02, 0x03, 0x02, 0x12, 0x34})
		if _, err := ParseResponse(other, 1, FuncReadHolding); !errors.Is(err, ErrSlaveMismatch) {
			t.Errorf("want ErrSlaveMismatch, got %v", err)
		}
	})

	t.Run("short frame", func(t *testing.T) {
		if _, err := ParseResponse([]byte{0x01, 0x03}, 1, FuncReadHolding); !errors.Is(err, ErrShortFrame) {
			t.Errorf("want ErrShortFrame, got %v", err)
		}
	})
}

func TestResponseLength(t *testing.T) {
	tests := []struct {
		name   string
		header []byte
		fc     FunctionCode
		want   int
	}{
		{"read holding 2 regs", []byte{0x01, 0x03, 0x04}, FuncReadHolding, 9},
		{"exception", []byte{0x01, 0x83, 0x02}, FuncReadHolding, 5},
		{"write echo", []byte{0x01, 0x06, 0x00}, FuncWriteSingleReg, 8},
		{"coil read", []byte{0x01, 0x01, 0x01}, FuncReadCoils, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResponseLength(tt.header, tt.fc)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWordsAndBits(t *testing.T) {
	words, err := Words([]byte{0x04, 0x00, 0x0A, 0x01, 0x02})
	if err != nil {
		t.Fatalf("Words: %v", err)
	}
	if len(words) != 2 || words[0] != 10 || words[1] != 0x0102 {
		t.Errorf("words = %v", words)
	}

	bits, err := Bits([]byte{0x01, 0b0000_0101}, 3)
	if err != nil {
		t.Fatalf("Bits: %v", err)
	}
	wantBits := []bool{true, false, true}
	for i := range wantBits {
		if bits[i] != wantBits[i] {
			t.Errorf("bit %d = %v, want %v", i, bits[i], wantBits[i])
		}
	}

	if _, err := Words([]byte{0x03, 0x00}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("odd byte count: want ErrShortFrame, got %v", err)
	}
}

func TestWriteMultipleCoilsRequest(t *testing.T) {
	frame := WriteMultipleCoilsRequest(1, 0x13, []bool{true, false, true, true, false, false, true, true, true, false})
	// 10 coils -> 2 data bytes: 0xCD, 0x01.
	if frame[6] != 2 || frame[7] != 0xCD || frame[8] != 0x01 {
		t.Fatalf("frame = % x", frame)
	}
	if frame[1] != byte(FuncWriteMultipleCoils) {
		t.Errorf("function = 0x%02x", frame[1])
	}
}
