// Package diam implements the Diameter message and AVP wire codec.
package diam

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/hsdfat8/diam-node/models_base"
)

// AVP header flags.
const (
	AVPFlagVendor    uint8 = 0x80
	AVPFlagMandatory uint8 = 0x40
	AVPFlagProtected uint8 = 0x20
)

const (
	avpHeaderLength       = 8
	avpVendorHeaderLength = 12
)

// AVP is a single attribute-value pair carrying its payload as raw bytes.
// Typed access goes through the accessor methods, which validate the payload
// on demand.
type AVP struct {
	Code     uint32
	Flags    uint8
	VendorID uint32
	Data     []byte
}

// NewAVP builds an AVP from a typed value. A non-zero vendorID sets the
// vendor flag.
func NewAVP(code uint32, flags uint8, vendorID uint32, value models_base.Type) *AVP {
	if vendorID != 0 {
		flags |= AVPFlagVendor
	} else {
		flags &^= AVPFlagVendor
	}
	return &AVP{
		Code:     code,
		Flags:    flags,
		VendorID: vendorID,
		Data:     value.Serialize(),
	}
}

func (a *AVP) IsVendorSpecific() bool { return a.Flags&AVPFlagVendor != 0 }
func (a *AVP) IsMandatory() bool      { return a.Flags&AVPFlagMandatory != 0 }
func (a *AVP) IsProtected() bool      { return a.Flags&AVPFlagProtected != 0 }

func (a *AVP) headerLen() int {
	if a.IsVendorSpecific() {
		return avpVendorHeaderLength
	}
	return avpHeaderLength
}

// Len is the value of the AVP length field: header plus payload, no padding.
func (a *AVP) Len() int {
	return a.headerLen() + len(a.Data)
}

// EncodedLen is the number of bytes Encode produces.
func (a *AVP) EncodedLen() int {
	return models_base.Pad4(a.Len())
}

// Encode returns the wire form of the AVP, zero padded to 4 octets.
func (a *AVP) Encode() []byte {
	b := make([]byte, a.EncodedLen())
	a.EncodeTo(b)
	return b
}

// EncodeTo writes the AVP into b, which must hold EncodedLen bytes, and
// returns the number of bytes written.
func (a *AVP) EncodeTo(b []byte) int {
	length := a.Len()
	binary.BigEndian.PutUint32(b[0:4], a.Code)
	binary.BigEndian.PutUint32(b[4:8], uint32(length))
	b[4] = a.Flags
	n := avpHeaderLength
	if a.IsVendorSpecific() {
		binary.BigEndian.PutUint32(b[8:12], a.VendorID)
		n = avpVendorHeaderLength
	}
	n += copy(b[n:], a.Data)
	padded := models_base.Pad4(length)
	for ; n < padded; n++ {
		b[n] = 0
	}
	return padded
}

// DecodeAVP decodes the AVP starting at offset and returns it together with
// the number of bytes consumed including padding. The returned AVP owns its
// payload.
func DecodeAVP(buf []byte, offset int) (*AVP, int, error) {
	if offset < 0 || len(buf)-offset < avpHeaderLength {
		return nil, 0, ErrInvalidAVPLength{Reason: "truncated AVP header"}
	}
	b := buf[offset:]
	a := &AVP{
		Code:  binary.BigEndian.Uint32(b[0:4]),
		Flags: b[4],
	}
	length := int(binary.BigEndian.Uint32(b[4:8]) & 0x00ffffff)
	hdr := avpHeaderLength
	if a.IsVendorSpecific() {
		if len(b) < avpVendorHeaderLength {
			return nil, 0, ErrInvalidAVPLength{AVP: a, Reason: "truncated vendor id"}
		}
		a.VendorID = binary.BigEndian.Uint32(b[8:12])
		hdr = avpVendorHeaderLength
	}
	if length < hdr {
		return nil, 0, ErrInvalidAVPLength{AVP: a, Reason: fmt.Sprintf("declared length %d shorter than header", length)}
	}
	padded := models_base.Pad4(length)
	if padded > len(b) {
		return nil, 0, ErrInvalidAVPLength{AVP: a, Reason: fmt.Sprintf("declared length %d exceeds remaining %d bytes", length, len(b))}
	}
	a.Data = make([]byte, length-hdr)
	copy(a.Data, b[hdr:length])
	return a, padded, nil
}

// Clone returns a deep copy of the AVP.
func (a *AVP) Clone() *AVP {
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	return &c
}

func (a *AVP) String() string {
	if a.IsVendorSpecific() {
		return fmt.Sprintf("AVP{Code=%d,Vendor=%d,Flags=%#02x,Len=%d}", a.Code, a.VendorID, a.Flags, len(a.Data))
	}
	return fmt.Sprintf("AVP{Code=%d,Flags=%#02x,Len=%d}", a.Code, a.Flags, len(a.Data))
}

func (a *AVP) view(t models_base.TypeID) (models_base.Type, error) {
	v, err := models_base.Decoders[t](a.Data)
	if err != nil {
		return nil, wrapAVPError(a, err)
	}
	return v, nil
}

func (a *AVP) Integer32() (int32, error) {
	v, err := a.view(models_base.Integer32Type)
	if err != nil {
		return 0, err
	}
	return int32(v.(models_base.Integer32)), nil
}

func (a *AVP) Integer64() (int64, error) {
	v, err := a.view(models_base.Integer64Type)
	if err != nil {
		return 0, err
	}
	return int64(v.(models_base.Integer64)), nil
}

func (a *AVP) Unsigned32() (uint32, error) {
	v, err := a.view(models_base.Unsigned32Type)
	if err != nil {
		return 0, err
	}
	return uint32(v.(models_base.Unsigned32)), nil
}

func (a *AVP) Unsigned64() (uint64, error) {
	v, err := a.view(models_base.Unsigned64Type)
	if err != nil {
		return 0, err
	}
	return uint64(v.(models_base.Unsigned64)), nil
}

func (a *AVP) Float32() (float32, error) {
	v, err := a.view(models_base.Float32Type)
	if err != nil {
		return 0, err
	}
	return float32(v.(models_base.Float32)), nil
}

func (a *AVP) Float64() (float64, error) {
	v, err := a.view(models_base.Float64Type)
	if err != nil {
		return 0, err
	}
	return float64(v.(models_base.Float64)), nil
}

func (a *AVP) UTF8String() (string, error) {
	v, err := a.view(models_base.UTF8StringType)
	if err != nil {
		return "", err
	}
	return string(v.(models_base.UTF8String)), nil
}

func (a *AVP) OctetString() []byte {
	return append([]byte(nil), a.Data...)
}

func (a *AVP) Enumerated() (int32, error) {
	v, err := a.view(models_base.EnumeratedType)
	if err != nil {
		return 0, err
	}
	return int32(v.(models_base.Enumerated)), nil
}

func (a *AVP) DiameterIdentity() (string, error) {
	v, err := a.view(models_base.DiameterIdentityType)
	if err != nil {
		return "", err
	}
	return string(v.(models_base.DiameterIdentity)), nil
}

func (a *AVP) Address() (net.IP, error) {
	v, err := a.view(models_base.AddressType)
	if err != nil {
		return nil, err
	}
	return net.IP(v.(models_base.Address)), nil
}

// Grouped decodes the payload as a sequence of AVPs.
func (a *AVP) Grouped() ([]*AVP, error) {
	avps, err := decodeAVPs(a.Data)
	if err != nil {
		return nil, ErrInvalidAVPValue{AVP: a.Clone(), Reason: "malformed grouped content: " + err.Error()}
	}
	return avps, nil
}

func decodeAVPs(b []byte) ([]*AVP, error) {
	var avps []*AVP
	for off := 0; off < len(b); {
		a, n, err := DecodeAVP(b, off)
		if err != nil {
			return nil, err
		}
		avps = append(avps, a)
		off += n
	}
	return avps, nil
}

// Grouped is the typed value of a grouped AVP.
type Grouped []*AVP

func (g Grouped) Serialize() []byte {
	b := make([]byte, g.Len())
	off := 0
	for _, a := range g {
		off += a.EncodeTo(b[off:])
	}
	return b
}

func (g Grouped) Len() int {
	n := 0
	for _, a := range g {
		n += a.EncodedLen()
	}
	return n
}

func (g Grouped) Padding() int {
	return 0
}

func (g Grouped) Type() models_base.TypeID {
	return models_base.GroupedType
}

func (g Grouped) String() string {
	return fmt.Sprintf("Grouped{%v}", []*AVP(g))
}
