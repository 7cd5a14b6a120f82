package node

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// TransportProtocol selects the transport used to reach a peer.
type TransportProtocol int

const (
	TransportTCP TransportProtocol = iota
	TransportSCTP
)

func (t TransportProtocol) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportSCTP:
		return "sctp"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// DefaultPort is the standard Diameter port.
const DefaultPort = 3868

// Peer describes a remote Diameter node. Two peers are the same peer when
// their host identities match.
type Peer struct {
	Host      string
	Realm     string
	Port      int
	Transport TransportProtocol
	Addresses []net.IP

	// Set on the peer returned for an Up connection.
	Capabilities  *Capability
	OriginStateID uint32
}

// NewPeer returns a TCP peer on the given port.
func NewPeer(host string, port int) *Peer {
	if port == 0 {
		port = DefaultPort
	}
	return &Peer{Host: host, Port: port, Transport: TransportTCP}
}

// ParsePeer parses "aaa://host[:port][;transport=tcp|sctp]" or plain
// "host[:port]".
func ParsePeer(uri string) (*Peer, error) {
	rest := uri
	if i := strings.Index(rest, "://"); i >= 0 {
		switch scheme := strings.ToLower(rest[:i]); scheme {
		case "aaa":
		case "aaas":
			return nil, ErrUnsupportedURI{URI: uri, Reason: "secure transport is not supported"}
		default:
			return nil, ErrUnsupportedURI{URI: uri, Reason: "unknown scheme " + scheme}
		}
		rest = rest[i+3:]
	}
	params := strings.Split(rest, ";")
	hostPort := params[0]
	p := &Peer{Port: DefaultPort, Transport: TransportTCP}
	if host, port, err := net.SplitHostPort(hostPort); err == nil {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, ErrUnsupportedURI{URI: uri, Reason: "invalid port " + port}
		}
		p.Host, p.Port = host, n
	} else {
		p.Host = strings.Trim(hostPort, "[]")
	}
	if p.Host == "" {
		return nil, ErrUnsupportedURI{URI: uri, Reason: "empty host"}
	}
	for _, param := range params[1:] {
		k, v, _ := strings.Cut(param, "=")
		switch strings.ToLower(k) {
		case "transport":
			switch strings.ToLower(v) {
			case "tcp":
				p.Transport = TransportTCP
			case "sctp":
				p.Transport = TransportSCTP
			default:
				return nil, ErrUnsupportedURI{URI: uri, Reason: "unsupported transport " + v}
			}
		case "protocol":
			if !strings.EqualFold(v, "diameter") {
				return nil, ErrUnsupportedURI{URI: uri, Reason: "unsupported protocol " + v}
			}
		}
	}
	if ip := net.ParseIP(p.Host); ip != nil {
		p.Addresses = []net.IP{ip}
	}
	return p, nil
}

// URI renders the peer in aaa:// form.
func (p *Peer) URI() string {
	return fmt.Sprintf("aaa://%s;transport=%s", net.JoinHostPort(p.Host, strconv.Itoa(p.Port)), p.Transport)
}

func (p *Peer) String() string {
	return p.URI()
}

// Equal reports whether both peers carry the same host identity.
func (p *Peer) Equal(o *Peer) bool {
	return p != nil && o != nil && sameHost(p.Host, o.Host)
}

// Clone returns a deep copy of p.
func (p *Peer) Clone() *Peer {
	c := *p
	c.Addresses = append([]net.IP(nil), p.Addresses...)
	if p.Capabilities != nil {
		c.Capabilities = p.Capabilities.Clone()
	}
	return &c
}

// dialAddress is the transport address used to reach p.
func (p *Peer) dialAddress() string {
	host := p.Host
	if len(p.Addresses) > 0 {
		host = p.Addresses[0].String()
	}
	return net.JoinHostPort(host, strconv.Itoa(p.Port))
}

func sameHost(a, b string) bool {
	return strings.EqualFold(a, b)
}

func hostKey(host string) string {
	return strings.ToLower(host)
}
