package diam

import (
	"bytes"
	"testing"

	"github.com/hsdfat8/diam-node/models_base"
)

func testMessage(hbh uint32) *Message {
	m := NewRequest(CommandDeviceWatchdog, CommonApplicationID)
	m.HopByHopID = hbh
	m.EndToEndID = hbh + 1000
	m.AddValue(AVPOriginHost, AVPFlagMandatory, 0, models_base.DiameterIdentity("client.example.com"))
	m.AddValue(AVPOriginRealm, AVPFlagMandatory, 0, models_base.DiameterIdentity("example.com"))
	m.AddValue(AVPOriginStateID, AVPFlagMandatory, 0, models_base.Unsigned32(7))
	return m
}

func TestMessageRoundTrip(t *testing.T) {
	m := testMessage(42)
	m.SetProxiable(true)
	b := m.Encode()
	if got := PeekMessageSize(b, 0); int(got) != len(b) {
		t.Fatalf("PeekMessageSize = %d, want %d", got, len(b))
	}
	decoded, status := DecodeMessage(b, 0, len(b))
	if status != DecodeOK {
		t.Fatalf("Status = %v", status)
	}
	if decoded.Header != m.Header {
		t.Errorf("Header mismatch: want %+v, have %+v", m.Header, decoded.Header)
	}
	if !bytes.Equal(decoded.Encode(), b) {
		t.Error("Re-encoded bytes differ")
	}
	if host, _ := decoded.Find(AVPOriginHost).DiameterIdentity(); host != "client.example.com" {
		t.Errorf("Origin-Host = %q", host)
	}
}

func TestDecodeMessageStream(t *testing.T) {
	const n = 5
	var buf []byte
	for i := 0; i < n; i++ {
		buf = append(buf, testMessage(uint32(i)).Encode()...)
	}
	partial := testMessage(99).Encode()
	for k := 0; k < HeaderLength; k++ {
		stream := append(append([]byte(nil), buf...), partial[:k]...)
		off := 0
		decoded := 0
		for {
			size := PeekMessageSize(stream, off)
			m, status := DecodeMessage(stream, off, int(size))
			if status == DecodeNotEnough {
				break
			}
			if status != DecodeOK {
				t.Fatalf("k=%d: status %v at offset %d", k, status, off)
			}
			if m.HopByHopID != uint32(decoded) {
				t.Fatalf("k=%d: out of order message %d", k, m.HopByHopID)
			}
			decoded++
			off += int(size)
		}
		if decoded != n {
			t.Fatalf("k=%d: decoded %d messages, want %d", k, decoded, n)
		}
	}
}

func TestDecodeMessageGarbage(t *testing.T) {
	good := testMessage(1).Encode()
	tests := []struct {
		name   string
		mutate func([]byte) []byte
		size   int
	}{
		{"BadVersion", func(b []byte) []byte { b[0] = 2; return b }, len(good)},
		{"LengthBelowHeader", func(b []byte) []byte { b[3] = 12; return b }, 12},
		{"LengthUnaligned", func(b []byte) []byte { return b }, len(good) - 2},
		{"SizeDisagreesWithHeader", func(b []byte) []byte { return append(b, 0, 0, 0, 0) }, len(good) + 4},
		{"AVPOverrun", func(b []byte) []byte { b[HeaderLength+7] = 200; return b }, len(good)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), good...))
			if _, status := DecodeMessage(b, 0, tt.size); status != DecodeGarbage {
				t.Fatalf("Status = %v, want GARBAGE", status)
			}
		})
	}
}

func TestPeekMessageSizeShort(t *testing.T) {
	if n := PeekMessageSize([]byte{1, 0, 0}, 0); n != 0 {
		t.Errorf("Expected 0 for short buffer, got %d", n)
	}
	if n := PeekMessageSize([]byte{0, 0, 1, 0, 0, 0, 20}, 3); n != 20 {
		t.Errorf("Expected 20 at offset 3, got %d", n)
	}
}

func TestNewErrorAnswer(t *testing.T) {
	req := NewRequest(300, 4)
	req.SetProxiable(true)
	req.HopByHopID, req.EndToEndID = 5, 6
	req.AddValue(AVPSessionID, AVPFlagMandatory, 0, models_base.UTF8String("s;1;2"))
	failed := &AVP{Code: AVPDestinationRealm, Flags: AVPFlagMandatory}

	ans := NewErrorAnswer(req, ResultCodeApplicationUnsupported, "me", "realm", failed)
	if ans.IsRequest() || !ans.IsProxiable() || !ans.IsError() {
		t.Errorf("Unexpected flags %#x", ans.Flags)
	}
	if ans.HopByHopID != 5 || ans.EndToEndID != 6 {
		t.Errorf("Identifiers not copied: %d/%d", ans.HopByHopID, ans.EndToEndID)
	}
	if SessionIDOf(ans) != "s;1;2" {
		t.Errorf("Session-Id = %q", SessionIDOf(ans))
	}
	if rc, err := ResultCodeOf(ans); err != nil || rc != ResultCodeApplicationUnsupported {
		t.Errorf("Result-Code = %v, %v", rc, err)
	}
	wrapped, err := ans.Find(AVPFailedAVP).Grouped()
	if err != nil || len(wrapped) != 1 || wrapped[0].Code != AVPDestinationRealm {
		t.Errorf("Failed-AVP = %v, %v", wrapped, err)
	}

	permanent := NewErrorAnswer(req, ResultCodeMissingAVP, "me", "realm", nil)
	if permanent.IsError() {
		t.Error("5xxx answers must not carry the E bit")
	}
}

func TestMessageClone(t *testing.T) {
	m := testMessage(3)
	c := m.Clone()
	c.AVPs[0].Data[0] = 'X'
	c.HopByHopID = 77
	if m.AVPs[0].Data[0] == 'X' || m.HopByHopID == 77 {
		t.Error("Clone shares state with original")
	}
}
