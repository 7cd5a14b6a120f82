package models_base

import (
	"fmt"
	"unicode/utf8"
)

// Variable-length payloads, padded on the wire to a multiple of 4.

type (
	OctetString string
	UTF8String  string
	// DiameterIdentity is the FQDN of a node. It is never empty.
	DiameterIdentity string
)

func padding(l int) int { return pad4(l) - l }

// DecodeOctetString copies b so the result never aliases the read buffer.
func DecodeOctetString(b []byte) (Type, error) {
	return OctetString(b), nil
}

func DecodeUTF8String(b []byte) (Type, error) {
	if !utf8.Valid(b) {
		return nil, ErrInvalidValue{Type: UTF8StringType, Reason: "not valid UTF-8"}
	}
	return UTF8String(b), nil
}

func DecodeDiameterIdentity(b []byte) (Type, error) {
	if len(b) == 0 {
		return nil, ErrInvalidLength{Type: DiameterIdentityType, Want: 1, Have: 0}
	}
	if !utf8.Valid(b) {
		return nil, ErrInvalidValue{Type: DiameterIdentityType, Reason: "not valid UTF-8"}
	}
	return DiameterIdentity(b), nil
}

func (s OctetString) Serialize() []byte { return []byte(s) }
func (s OctetString) Len() int          { return len(s) }
func (s OctetString) Padding() int      { return padding(len(s)) }
func (s OctetString) Type() TypeID      { return OctetStringType }
func (s OctetString) String() string {
	return fmt.Sprintf("OctetString{%#x},Padding:%d", string(s), s.Padding())
}

func (s UTF8String) Serialize() []byte { return []byte(s) }
func (s UTF8String) Len() int          { return len(s) }
func (s UTF8String) Padding() int      { return padding(len(s)) }
func (s UTF8String) Type() TypeID      { return UTF8StringType }
func (s UTF8String) String() string {
	return fmt.Sprintf("UTF8String{%s},Padding:%d", string(s), s.Padding())
}

func (s DiameterIdentity) Serialize() []byte { return []byte(s) }
func (s DiameterIdentity) Len() int          { return len(s) }
func (s DiameterIdentity) Padding() int      { return padding(len(s)) }
func (s DiameterIdentity) Type() TypeID      { return DiameterIdentityType }
func (s DiameterIdentity) String() string {
	return fmt.Sprintf("DiameterIdentity{%s},Padding:%d", string(s), s.Padding())
}
