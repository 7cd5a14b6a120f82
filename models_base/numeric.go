package models_base

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Fixed-width AVP payloads. None of them need padding.

type (
	Integer32  int32
	Integer64  int64
	Unsigned32 uint32
	Unsigned64 uint64
	Float32    float32
	Float64    float64
	Enumerated int32
)

func word(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func dword(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

func DecodeInteger32(b []byte) (Type, error) {
	if err := fixedLength(Integer32Type, 4, b); err != nil {
		return nil, err
	}
	return Integer32(binary.BigEndian.Uint32(b)), nil
}

func DecodeInteger64(b []byte) (Type, error) {
	if err := fixedLength(Integer64Type, 8, b); err != nil {
		return nil, err
	}
	return Integer64(binary.BigEndian.Uint64(b)), nil
}

func DecodeUnsigned32(b []byte) (Type, error) {
	if err := fixedLength(Unsigned32Type, 4, b); err != nil {
		return nil, err
	}
	return Unsigned32(binary.BigEndian.Uint32(b)), nil
}

func DecodeUnsigned64(b []byte) (Type, error) {
	if err := fixedLength(Unsigned64Type, 8, b); err != nil {
		return nil, err
	}
	return Unsigned64(binary.BigEndian.Uint64(b)), nil
}

func DecodeFloat32(b []byte) (Type, error) {
	if err := fixedLength(Float32Type, 4, b); err != nil {
		return nil, err
	}
	return Float32(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
}

func DecodeFloat64(b []byte) (Type, error) {
	if err := fixedLength(Float64Type, 8, b); err != nil {
		return nil, err
	}
	return Float64(math.Float64frombits(binary.BigEndian.Uint64(b))), nil
}

func DecodeEnumerated(b []byte) (Type, error) {
	if err := fixedLength(EnumeratedType, 4, b); err != nil {
		return nil, err
	}
	return Enumerated(binary.BigEndian.Uint32(b)), nil
}

func (n Integer32) Serialize() []byte { return word(uint32(n)) }
func (n Integer32) Len() int          { return 4 }
func (n Integer32) Padding() int      { return 0 }
func (n Integer32) Type() TypeID      { return Integer32Type }
func (n Integer32) String() string    { return fmt.Sprintf("Integer32{%d}", int32(n)) }

func (n Integer64) Serialize() []byte { return dword(uint64(n)) }
func (n Integer64) Len() int          { return 8 }
func (n Integer64) Padding() int      { return 0 }
func (n Integer64) Type() TypeID      { return Integer64Type }
func (n Integer64) String() string    { return fmt.Sprintf("Integer64{%d}", int64(n)) }

func (n Unsigned32) Serialize() []byte { return word(uint32(n)) }
func (n Unsigned32) Len() int          { return 4 }
func (n Unsigned32) Padding() int      { return 0 }
func (n Unsigned32) Type() TypeID      { return Unsigned32Type }
func (n Unsigned32) String() string    { return fmt.Sprintf("Unsigned32{%d}", uint32(n)) }

func (n Unsigned64) Serialize() []byte { return dword(uint64(n)) }
func (n Unsigned64) Len() int          { return 8 }
func (n Unsigned64) Padding() int      { return 0 }
func (n Unsigned64) Type() TypeID      { return Unsigned64Type }
func (n Unsigned64) String() string    { return fmt.Sprintf("Unsigned64{%d}", uint64(n)) }

func (n Float32) Serialize() []byte { return word(math.Float32bits(float32(n))) }
func (n Float32) Len() int          { return 4 }
func (n Float32) Padding() int      { return 0 }
func (n Float32) Type() TypeID      { return Float32Type }
func (n Float32) String() string    { return fmt.Sprintf("Float32{%0.4f}", float32(n)) }

func (n Float64) Serialize() []byte { return dword(math.Float64bits(float64(n))) }
func (n Float64) Len() int          { return 8 }
func (n Float64) Padding() int      { return 0 }
func (n Float64) Type() TypeID      { return Float64Type }
func (n Float64) String() string    { return fmt.Sprintf("Float64{%0.4f}", float64(n)) }

func (n Enumerated) Serialize() []byte { return word(uint32(n)) }
func (n Enumerated) Len() int          { return 4 }
func (n Enumerated) Padding() int      { return 0 }
func (n Enumerated) Type() TypeID      { return EnumeratedType }
func (n Enumerated) String() string    { return fmt.Sprintf("Enumerated{%d}", int32(n)) }
