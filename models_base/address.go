package models_base

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Address families carried in the first two octets of an Address payload.
const (
	AddressFamilyIPv4 uint16 = 1
	AddressFamilyIPv6 uint16 = 2
)

// Address is an IPv4 or IPv6 address.
type Address net.IP

func DecodeAddress(b []byte) (Type, error) {
	if len(b) < 2 {
		return nil, ErrInvalidLength{Type: AddressType, Want: 6, Have: len(b)}
	}
	switch family := binary.BigEndian.Uint16(b); family {
	case AddressFamilyIPv4:
		if err := fixedLength(AddressType, 2+net.IPv4len, b); err != nil {
			return nil, err
		}
	case AddressFamilyIPv6:
		if err := fixedLength(AddressType, 2+net.IPv6len, b); err != nil {
			return nil, err
		}
	default:
		return nil, ErrInvalidValue{Type: AddressType, Reason: fmt.Sprintf("unsupported address family %d", family)}
	}
	ip := make(net.IP, len(b)-2)
	copy(ip, b[2:])
	return Address(ip), nil
}

func (a Address) family() (uint16, net.IP) {
	if ip4 := net.IP(a).To4(); ip4 != nil {
		return AddressFamilyIPv4, ip4
	}
	return AddressFamilyIPv6, net.IP(a).To16()
}

func (a Address) Serialize() []byte {
	family, ip := a.family()
	b := make([]byte, 2+len(ip))
	binary.BigEndian.PutUint16(b, family)
	copy(b[2:], ip)
	return b
}

func (a Address) Len() int {
	_, ip := a.family()
	return 2 + len(ip)
}

func (a Address) Padding() int {
	return padding(a.Len())
}

func (a Address) Type() TypeID {
	return AddressType
}

func (a Address) String() string {
	return fmt.Sprintf("Address{%s},Padding:%d", net.IP(a), a.Padding())
}
