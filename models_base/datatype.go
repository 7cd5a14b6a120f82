package models_base

import "fmt"

// Type is the typed view of a raw AVP payload.
type Type interface {
	Serialize() []byte
	Len() int
	Padding() int
	Type() TypeID
	String() string
}

type TypeID int

const (
	UnknownType TypeID = iota
	AddressType
	DiameterIdentityType
	EnumeratedType
	Float32Type
	Float64Type
	GroupedType
	Integer32Type
	Integer64Type
	OctetStringType
	UTF8StringType
	Unsigned32Type
	Unsigned64Type
)

var Available = map[string]TypeID{
	"Address":          AddressType,
	"DiameterIdentity": DiameterIdentityType,
	"Enumerated":       EnumeratedType,
	"Float32":          Float32Type,
	"Float64":          Float64Type,
	"Grouped":          GroupedType,
	"Integer32":        Integer32Type,
	"Integer64":        Integer64Type,
	"OctetString":      OctetStringType,
	"UTF8String":       UTF8StringType,
	"Unsigned32":       Unsigned32Type,
	"Unsigned64":       Unsigned64Type,
}

func (t TypeID) String() string {
	for name, id := range Available {
		if id == t {
			return name
		}
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// DecodeFunc builds a typed view from a raw payload.
type DecodeFunc func(b []byte) (Type, error)

// Decoders maps each fixed data type to its decoder. Grouped payloads are
// decoded by the diam package since they contain AVPs.
var Decoders = map[TypeID]DecodeFunc{
	AddressType:          DecodeAddress,
	DiameterIdentityType: DecodeDiameterIdentity,
	EnumeratedType:       DecodeEnumerated,
	Float32Type:          DecodeFloat32,
	Float64Type:          DecodeFloat64,
	Integer32Type:        DecodeInteger32,
	Integer64Type:        DecodeInteger64,
	OctetStringType:      DecodeOctetString,
	UTF8StringType:       DecodeUTF8String,
	Unsigned32Type:       DecodeUnsigned32,
	Unsigned64Type:       DecodeUnsigned64,
}

// pad4 rounds n up to the next multiple of 4.
func pad4(n int) int {
	return n + ((4 - n) & 3)
}

// Pad4 is the exported form of pad4 used by the AVP encoder.
func Pad4(n int) int {
	return pad4(n)
}

func fixedLength(t TypeID, want int, b []byte) error {
	if len(b) != want {
		return ErrInvalidLength{Type: t, Want: want, Have: len(b)}
	}
	return nil
}
