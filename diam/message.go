package diam

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/hsdfat8/diam-node/models_base"
)

const (
	// Version is the only protocol version accepted on the wire.
	Version = 1
	// HeaderLength is the size of the fixed message header.
	HeaderLength = 20
)

// Message header flags.
const (
	FlagRequest    uint8 = 0x80
	FlagProxiable  uint8 = 0x40
	FlagError      uint8 = 0x20
	FlagRetransmit uint8 = 0x10
)

// Header is the fixed 20-byte message header. The length field is derived on
// encode.
type Header struct {
	Version       uint8
	Flags         uint8
	CommandCode   uint32
	ApplicationID uint32
	HopByHopID    uint32
	EndToEndID    uint32
}

// Message is a header followed by an ordered sequence of AVPs.
type Message struct {
	Header
	AVPs []*AVP
}

// NewRequest creates an empty request for the given command and application.
func NewRequest(commandCode, applicationID uint32) *Message {
	return &Message{Header: Header{
		Version:       Version,
		Flags:         FlagRequest,
		CommandCode:   commandCode,
		ApplicationID: applicationID,
	}}
}

// NewAnswer creates an answer to req: same command, application and
// identifiers, request flag cleared, proxiable flag kept.
func NewAnswer(req *Message) *Message {
	h := req.Header
	h.Version = Version
	h.Flags = req.Flags & FlagProxiable
	return &Message{Header: h}
}

func (m *Message) IsRequest() bool    { return m.Flags&FlagRequest != 0 }
func (m *Message) IsProxiable() bool  { return m.Flags&FlagProxiable != 0 }
func (m *Message) IsError() bool      { return m.Flags&FlagError != 0 }
func (m *Message) IsRetransmit() bool { return m.Flags&FlagRetransmit != 0 }

func (m *Message) setFlag(flag uint8, on bool) {
	if on {
		m.Flags |= flag
	} else {
		m.Flags &^= flag
	}
}

func (m *Message) SetRequest(on bool)    { m.setFlag(FlagRequest, on) }
func (m *Message) SetProxiable(on bool)  { m.setFlag(FlagProxiable, on) }
func (m *Message) SetError(on bool)      { m.setFlag(FlagError, on) }
func (m *Message) SetRetransmit(on bool) { m.setFlag(FlagRetransmit, on) }

// Add appends AVPs to the message.
func (m *Message) Add(avps ...*AVP) {
	m.AVPs = append(m.AVPs, avps...)
}

// AddValue appends an AVP built from a typed value.
func (m *Message) AddValue(code uint32, flags uint8, vendorID uint32, value models_base.Type) {
	m.Add(NewAVP(code, flags, vendorID, value))
}

// Find returns the first non-vendor AVP with the given code.
func (m *Message) Find(code uint32) *AVP {
	return m.FindVendor(code, 0)
}

// FindVendor returns the first AVP with the given code and vendor.
func (m *Message) FindVendor(code, vendorID uint32) *AVP {
	for _, a := range m.AVPs {
		if a.Code == code && a.VendorID == vendorID {
			return a
		}
	}
	return nil
}

// FindAll returns every non-vendor AVP with the given code, in order.
func (m *Message) FindAll(code uint32) []*AVP {
	var found []*AVP
	for _, a := range m.AVPs {
		if a.Code == code && a.VendorID == 0 {
			found = append(found, a)
		}
	}
	return found
}

// Len is the encoded size of the message.
func (m *Message) Len() int {
	n := HeaderLength
	for _, a := range m.AVPs {
		n += a.EncodedLen()
	}
	return n
}

// Encode returns the wire form of the message.
func (m *Message) Encode() []byte {
	length := m.Len()
	b := make([]byte, length)
	version := m.Version
	if version == 0 {
		version = Version
	}
	binary.BigEndian.PutUint32(b[0:4], uint32(length))
	b[0] = version
	binary.BigEndian.PutUint32(b[4:8], m.CommandCode&0x00ffffff)
	b[4] = m.Flags
	binary.BigEndian.PutUint32(b[8:12], m.ApplicationID)
	binary.BigEndian.PutUint32(b[12:16], m.HopByHopID)
	binary.BigEndian.PutUint32(b[16:20], m.EndToEndID)
	off := HeaderLength
	for _, a := range m.AVPs {
		off += a.EncodeTo(b[off:])
	}
	return b
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := &Message{Header: m.Header, AVPs: make([]*AVP, len(m.AVPs))}
	for i, a := range m.AVPs {
		c.AVPs[i] = a.Clone()
	}
	return c
}

func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (Code=%d, AppID=%d, Flags=%#02x, H2H=%d, E2E=%d)",
		CommandName(m.CommandCode, m.IsRequest()), m.CommandCode, m.ApplicationID,
		m.Flags, m.HopByHopID, m.EndToEndID)
	for _, a := range m.AVPs {
		sb.WriteString(" ")
		sb.WriteString(a.String())
	}
	return sb.String()
}

// ParseHeader parses the fixed header at the start of data.
func ParseHeader(data []byte) (*Header, uint32, error) {
	if len(data) < HeaderLength {
		return nil, 0, ErrInvalidMessage{Reason: "message too short for header"}
	}
	h := &Header{
		Version:       data[0],
		Flags:         data[4],
		CommandCode:   binary.BigEndian.Uint32(data[4:8]) & 0x00ffffff,
		ApplicationID: binary.BigEndian.Uint32(data[8:12]),
		HopByHopID:    binary.BigEndian.Uint32(data[12:16]),
		EndToEndID:    binary.BigEndian.Uint32(data[16:20]),
	}
	length := binary.BigEndian.Uint32(data[0:4]) & 0x00ffffff
	if h.Version != Version {
		return nil, length, ErrInvalidMessage{Reason: fmt.Sprintf("unsupported version: %d", h.Version)}
	}
	if length < HeaderLength || length%4 != 0 {
		return nil, length, ErrInvalidMessage{Reason: fmt.Sprintf("invalid length: %d", length)}
	}
	return h, length, nil
}

// DecodeStatus is the outcome of DecodeMessage.
type DecodeStatus int

const (
	// DecodeOK means a complete message was decoded.
	DecodeOK DecodeStatus = iota
	// DecodeNotEnough means more bytes must be buffered first.
	DecodeNotEnough
	// DecodeGarbage means the bytes can never form a valid message.
	DecodeGarbage
)

func (s DecodeStatus) String() string {
	switch s {
	case DecodeOK:
		return "DECODED"
	case DecodeNotEnough:
		return "NOT_ENOUGH"
	case DecodeGarbage:
		return "GARBAGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// PeekMessageSize returns the length field of the message starting at
// offset, or 0 if fewer than 4 bytes are available.
func PeekMessageSize(buf []byte, offset int) uint32 {
	if offset < 0 || len(buf)-offset < 4 {
		return 0
	}
	return binary.BigEndian.Uint32(buf[offset:offset+4]) & 0x00ffffff
}

// DecodeMessage decodes the size-byte message at offset. Decoded AVPs own
// their payloads so buf may be reused as soon as this returns.
func DecodeMessage(buf []byte, offset, size int) (*Message, DecodeStatus) {
	avail := len(buf) - offset
	if offset < 0 || avail < 4 {
		return nil, DecodeNotEnough
	}
	if size < HeaderLength || size%4 != 0 {
		return nil, DecodeGarbage
	}
	if avail < HeaderLength || avail < size {
		return nil, DecodeNotEnough
	}
	b := buf[offset : offset+size]
	h, length, err := ParseHeader(b)
	if err != nil || int(length) != size {
		return nil, DecodeGarbage
	}
	avps, err := decodeAVPs(b[HeaderLength:])
	if err != nil {
		return nil, DecodeGarbage
	}
	return &Message{Header: *h, AVPs: avps}, DecodeOK
}
