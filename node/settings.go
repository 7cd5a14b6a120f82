package node

import "time"

// Settings holds the identity and tuning of a Node
type Settings struct {
	// Diameter identity
	HostID           string // Origin-Host
	Realm            string // Origin-Realm
	VendorID         uint32
	ProductName      string
	FirmwareRevision uint32

	// Applications advertised in capability exchange
	Capabilities *Capability

	// Transports
	UseTCP              bool
	UseSCTP             bool
	ListenAddress       string // bind host; empty binds all interfaces
	Port                int    // TCP listen port; 0 disables listening, -1 picks a free port
	SCTPPort            int    // UDP port carrying SCTP; same conventions as Port
	SCTPOutboundStreams int    // outbound streams used round-robin per association
	PortRangeLow        int    // local port range for outbound TCP; 0 lets the OS choose
	PortRangeHigh       int
	MaxMessageSize      int

	// Timers
	ConnectTimeout        time.Duration // transport connect timeout
	CEATimeout            time.Duration // capability exchange timeout, both directions
	WatchdogInterval      time.Duration // inactivity before sending DWR
	WatchdogTimeout       time.Duration // time to wait for DWA
	IdleTimeout           time.Duration // close after this long without application traffic; 0 disables
	DisconnectTimeout     time.Duration // time to wait for DPA or peer close
	DefaultRequestTimeout time.Duration // request deadline when the caller passes none

	// Reconnection of persistent peers
	ReconnectInterval time.Duration // initial reconnect delay; 0 disables reconnection
	MaxReconnectDelay time.Duration
	ReconnectBackoff  float64

	// TraceFile, when set, receives a pcap capture of all messages
	TraceFile string
}

// DefaultSettings returns Settings with sensible defaults. HostID, Realm
// and the applications still have to be filled in.
func DefaultSettings() *Settings {
	return &Settings{
		VendorID:              0,
		ProductName:           "diam-node",
		Capabilities:          NewCapability(),
		UseTCP:                true,
		Port:                  DefaultPort,
		SCTPPort:              DefaultPort,
		SCTPOutboundStreams:   10,
		MaxMessageSize:        1 << 20,
		ConnectTimeout:        10 * time.Second,
		CEATimeout:            10 * time.Second,
		WatchdogInterval:      30 * time.Second,
		WatchdogTimeout:       10 * time.Second,
		DisconnectTimeout:     5 * time.Second,
		DefaultRequestTimeout: 10 * time.Second,
		ReconnectInterval:     5 * time.Second,
		MaxReconnectDelay:     5 * time.Minute,
		ReconnectBackoff:      1.5,
	}
}

// Validate checks if the settings are usable
func (s *Settings) Validate() error {
	if s.HostID == "" {
		return ErrInvalidSetting{Field: "HostID", Reason: "must not be empty"}
	}
	if s.Realm == "" {
		return ErrInvalidSetting{Field: "Realm", Reason: "must not be empty"}
	}
	if s.ProductName == "" {
		return ErrInvalidSetting{Field: "ProductName", Reason: "must not be empty"}
	}
	if s.Capabilities == nil || s.Capabilities.IsEmpty() {
		return ErrInvalidSetting{Field: "Capabilities", Reason: "must advertise at least one application"}
	}
	if !s.UseTCP && !s.UseSCTP {
		return ErrInvalidSetting{Field: "UseTCP", Reason: "at least one transport must be enabled"}
	}
	if s.Port < -1 || s.Port > 65535 {
		return ErrInvalidSetting{Field: "Port", Reason: "must be between -1 and 65535"}
	}
	if s.SCTPPort < -1 || s.SCTPPort > 65535 {
		return ErrInvalidSetting{Field: "SCTPPort", Reason: "must be between -1 and 65535"}
	}
	if s.UseSCTP && (s.SCTPOutboundStreams < 1 || s.SCTPOutboundStreams > 65535) {
		return ErrInvalidSetting{Field: "SCTPOutboundStreams", Reason: "must be between 1 and 65535"}
	}
	if s.PortRangeLow != 0 || s.PortRangeHigh != 0 {
		if s.PortRangeLow <= 0 || s.PortRangeHigh > 65535 || s.PortRangeLow > s.PortRangeHigh {
			return ErrInvalidSetting{Field: "PortRangeLow", Reason: "must describe a valid port range"}
		}
	}
	if s.MaxMessageSize < 64 {
		return ErrInvalidSetting{Field: "MaxMessageSize", Reason: "must be at least 64"}
	}
	if s.ConnectTimeout <= 0 {
		return ErrInvalidSetting{Field: "ConnectTimeout", Reason: "must be positive"}
	}
	if s.CEATimeout <= 0 {
		return ErrInvalidSetting{Field: "CEATimeout", Reason: "must be positive"}
	}
	if s.WatchdogInterval <= 0 {
		return ErrInvalidSetting{Field: "WatchdogInterval", Reason: "must be positive"}
	}
	if s.WatchdogTimeout <= 0 {
		return ErrInvalidSetting{Field: "WatchdogTimeout", Reason: "must be positive"}
	}
	if s.IdleTimeout < 0 {
		return ErrInvalidSetting{Field: "IdleTimeout", Reason: "must not be negative"}
	}
	if s.DisconnectTimeout <= 0 {
		return ErrInvalidSetting{Field: "DisconnectTimeout", Reason: "must be positive"}
	}
	if s.DefaultRequestTimeout <= 0 {
		return ErrInvalidSetting{Field: "DefaultRequestTimeout", Reason: "must be positive"}
	}
	if s.ReconnectInterval < 0 {
		return ErrInvalidSetting{Field: "ReconnectInterval", Reason: "must not be negative"}
	}
	if s.ReconnectInterval > 0 {
		if s.MaxReconnectDelay < s.ReconnectInterval {
			return ErrInvalidSetting{Field: "MaxReconnectDelay", Reason: "must not be below ReconnectInterval"}
		}
		if s.ReconnectBackoff < 1 {
			return ErrInvalidSetting{Field: "ReconnectBackoff", Reason: "must be at least 1"}
		}
	}
	return nil
}
