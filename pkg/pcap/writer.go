// Package pcap records Diameter traffic into a pcap capture file so it can
// be inspected with standard packet analyzers.
package pcap

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PayloadProtocolDiameter is the SCTP payload protocol identifier for
// Diameter.
const PayloadProtocolDiameter = 46

var (
	localMAC  = net.HardwareAddr{0x00, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e}
	remoteMAC = net.HardwareAddr{0x00, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e}
)

// Writer appends synthesized Ethernet/IP frames carrying Diameter messages
// to a capture. It is safe for concurrent use. Writes after Close are
// dropped.
type Writer struct {
	mu     sync.Mutex
	closed bool
	closer io.Closer
	w      *pcapgo.Writer
	seq    map[string]uint32
	tsn    map[string]uint32
}

// Create opens path for writing and emits the pcap file header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcap file: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter emits the pcap file header to out.
func NewWriter(out io.Writer) (*Writer, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{
		w:   w,
		seq: make(map[string]uint32),
		tsn: make(map[string]uint32),
	}, nil
}

// WriteTCP records one message as a TCP segment from src to dst.
func (w *Writer) WriteTCP(src, dst net.Addr, data []byte, ts time.Time) error {
	srcIP, srcPort := split(src)
	dstIP, dstPort := split(dst)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	flow := flowKey(src, dst)
	reverse := flowKey(dst, src)
	seq := w.seq[flow] + 1
	w.seq[flow] = seq + uint32(len(data)) - 1

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(srcPort),
		DstPort: layers.TCPPort(dstPort),
		Seq:     seq,
		Ack:     w.seq[reverse] + 1,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	eth, ip := network(srcIP, dstIP, layers.IPProtocolTCP)
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	return w.write(ts, eth, ip.(gopacket.SerializableLayer), tcp, gopacket.Payload(data))
}

// WriteSCTP records one message as an SCTP DATA chunk on the given stream.
func (w *Writer) WriteSCTP(src, dst net.Addr, stream uint16, data []byte, ts time.Time) error {
	srcIP, srcPort := split(src)
	dstIP, dstPort := split(dst)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	flow := flowKey(src, dst)
	tsn := w.tsn[flow] + 1
	w.tsn[flow] = tsn

	sctp := &layers.SCTP{
		SrcPort: layers.SCTPPort(srcPort),
		DstPort: layers.SCTPPort(dstPort),
	}
	chunk := &layers.SCTPData{
		SCTPChunk:       layers.SCTPChunk{Type: layers.SCTPChunkTypeData},
		BeginFragment:   true,
		EndFragment:     true,
		TSN:             tsn,
		StreamId:        stream,
		PayloadProtocol: layers.SCTPPayloadProtocol(PayloadProtocolDiameter),
	}
	eth, ip := network(srcIP, dstIP, layers.IPProtocolSCTP)
	return w.write(ts, eth, ip.(gopacket.SerializableLayer), sctp, chunk, gopacket.Payload(data))
}

func (w *Writer) write(ts time.Time, l ...gopacket.SerializableLayer) error {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, l...); err != nil {
		return err
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(buf.Bytes()),
		Length:        len(buf.Bytes()),
	}
	return w.w.WritePacket(ci, buf.Bytes())
}

// Close closes the underlying file when the writer was made by Create.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}

func network(src, dst net.IP, proto layers.IPProtocol) (*layers.Ethernet, gopacket.NetworkLayer) {
	eth := &layers.Ethernet{
		SrcMAC:       localMAC,
		DstMAC:       remoteMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	if src4, dst4 := src.To4(), dst.To4(); src4 != nil && dst4 != nil {
		return eth, &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: proto,
			SrcIP:    src4,
			DstIP:    dst4,
		}
	}
	eth.EthernetType = layers.EthernetTypeIPv6
	return eth, &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: proto,
		SrcIP:      src.To16(),
		DstIP:      dst.To16(),
	}
}

// split extracts an IP and port from a socket address. Addresses without an
// IP (pipes, tests) map to the loopback address.
func split(a net.Addr) (net.IP, int) {
	switch v := a.(type) {
	case *net.TCPAddr:
		return orLoopback(v.IP), v.Port
	case *net.UDPAddr:
		return orLoopback(v.IP), v.Port
	case *net.IPAddr:
		return orLoopback(v.IP), 0
	}
	return net.IPv4(127, 0, 0, 1), 3868
}

func orLoopback(ip net.IP) net.IP {
	if ip == nil || ip.IsUnspecified() {
		return net.IPv4(127, 0, 0, 1)
	}
	return ip
}

func flowKey(src, dst net.Addr) string {
	name := func(a net.Addr) string {
		if a == nil {
			return "-"
		}
		return a.String()
	}
	return name(src) + ">" + name(dst)
}
