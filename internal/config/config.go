package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/hsdfat8/diam-node/node"
	"github.com/hsdfat8/diam-node/pkg/logger"
)

// Config holds the application configuration
type Config struct {
	Node    NodeConfig
	Relay   RelayConfig
	Logging LoggingConfig
	Metrics MetricsConfig
}

// NodeConfig holds the identity, transport and timer configuration of the
// local Diameter node.
type NodeConfig struct {
	OriginHost       string
	OriginRealm      string
	ProductName      string
	VendorID         uint32
	FirmwareRevision uint32

	SupportedVendorIDs []uint32
	AuthAppIDs         []uint32
	AcctAppIDs         []uint32
	VendorAuthApps     []VendorAppConfig
	VendorAcctApps     []VendorAppConfig

	// AllowedPeers restricts which Origin-Hosts may connect. Empty allows
	// every peer.
	AllowedPeers []string

	ListenAddress       string
	UseTCP              bool
	UseSCTP             bool
	Port                int
	SCTPPort            int
	SCTPOutboundStreams int
	PortRangeLow        int
	PortRangeHigh       int
	MaxMessageSize      int

	ConnectTimeout    time.Duration
	CEATimeout        time.Duration
	WatchdogInterval  time.Duration
	WatchdogTimeout   time.Duration
	IdleTimeout       time.Duration
	DisconnectTimeout time.Duration
	RequestTimeout    time.Duration

	ReconnectInterval time.Duration
	MaxReconnectDelay time.Duration
	ReconnectBackoff  float64

	TraceFile string
}

// VendorAppConfig is a vendor-specific application id.
type VendorAppConfig struct {
	VendorID uint32
	AppID    uint32
}

// RelayConfig holds relay routing configuration
type RelayConfig struct {
	// Upstreams are peer URIs, e.g. "aaa://dra1.example.com:3868;transport=tcp".
	Upstreams      []string
	RequestTimeout time.Duration
	EnableReqLog   bool
	EnableRespLog  bool
	StatsInterval  time.Duration
	ShutdownGrace  time.Duration
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string // "debug", "info", "warn", "error"
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
	Path    string
}

// Load loads configuration from file and environment variables
// Priority order (highest to lowest):
// 1. Environment variables (prefixed with DIAMNODE_, e.g. DIAMNODE_NODE_ORIGINHOST)
// 2. Config file specified by configPath
// 3. config.yaml in standard paths
// 4. Hardcoded defaults
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/diam-node")
	}

	v.SetEnvPrefix("DIAMNODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Log.Warnw("No config file found, using defaults and environment variables")
	} else {
		logger.Log.Infow("Using config file", "path", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := node.DefaultSettings()

	// Node defaults
	v.SetDefault("node.originHost", "diam-node.example.com")
	v.SetDefault("node.originRealm", "example.com")
	v.SetDefault("node.productName", d.ProductName)
	v.SetDefault("node.vendorID", 0)
	v.SetDefault("node.firmwareRevision", 0)
	v.SetDefault("node.supportedVendorIDs", []uint32{})
	v.SetDefault("node.authAppIDs", []uint32{0xffffffff})
	v.SetDefault("node.acctAppIDs", []uint32{})
	v.SetDefault("node.vendorAuthApps", []map[string]any{})
	v.SetDefault("node.vendorAcctApps", []map[string]any{})
	v.SetDefault("node.allowedPeers", []string{})
	v.SetDefault("node.listenAddress", "")
	v.SetDefault("node.useTCP", d.UseTCP)
	v.SetDefault("node.useSCTP", d.UseSCTP)
	v.SetDefault("node.port", d.Port)
	v.SetDefault("node.sctpPort", d.SCTPPort)
	v.SetDefault("node.sctpOutboundStreams", d.SCTPOutboundStreams)
	v.SetDefault("node.portRangeLow", 0)
	v.SetDefault("node.portRangeHigh", 0)
	v.SetDefault("node.maxMessageSize", d.MaxMessageSize)
	v.SetDefault("node.connectTimeout", d.ConnectTimeout.String())
	v.SetDefault("node.ceaTimeout", d.CEATimeout.String())
	v.SetDefault("node.watchdogInterval", d.WatchdogInterval.String())
	v.SetDefault("node.watchdogTimeout", d.WatchdogTimeout.String())
	v.SetDefault("node.idleTimeout", "0s")
	v.SetDefault("node.disconnectTimeout", d.DisconnectTimeout.String())
	v.SetDefault("node.requestTimeout", d.DefaultRequestTimeout.String())
	v.SetDefault("node.reconnectInterval", d.ReconnectInterval.String())
	v.SetDefault("node.maxReconnectDelay", d.MaxReconnectDelay.String())
	v.SetDefault("node.reconnectBackoff", d.ReconnectBackoff)
	v.SetDefault("node.traceFile", "")

	// Relay defaults
	v.SetDefault("relay.upstreams", []string{})
	v.SetDefault("relay.requestTimeout", "0s")
	v.SetDefault("relay.enableReqLog", false)
	v.SetDefault("relay.enableRespLog", false)
	v.SetDefault("relay.statsInterval", "60s")
	v.SetDefault("relay.shutdownGrace", "5s")

	// Logging defaults
	v.SetDefault("logging.level", "info")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// Validate checks the node configuration by building its settings.
func (c *NodeConfig) Validate() error {
	return c.Settings().Validate()
}

// Settings converts the configuration to node settings.
func (c *NodeConfig) Settings() *node.Settings {
	s := node.DefaultSettings()
	s.HostID = c.OriginHost
	s.Realm = c.OriginRealm
	s.VendorID = c.VendorID
	s.ProductName = c.ProductName
	s.FirmwareRevision = c.FirmwareRevision

	caps := node.NewCapability()
	for _, id := range c.SupportedVendorIDs {
		caps.AddSupportedVendor(id)
	}
	for _, id := range c.AuthAppIDs {
		caps.AddAuthApp(id)
	}
	for _, id := range c.AcctAppIDs {
		caps.AddAcctApp(id)
	}
	for _, va := range c.VendorAuthApps {
		caps.AddVendorAuthApp(va.VendorID, va.AppID)
	}
	for _, va := range c.VendorAcctApps {
		caps.AddVendorAcctApp(va.VendorID, va.AppID)
	}
	s.Capabilities = caps

	s.ListenAddress = c.ListenAddress
	s.UseTCP = c.UseTCP
	s.UseSCTP = c.UseSCTP
	s.Port = c.Port
	s.SCTPPort = c.SCTPPort
	s.SCTPOutboundStreams = c.SCTPOutboundStreams
	s.PortRangeLow = c.PortRangeLow
	s.PortRangeHigh = c.PortRangeHigh
	s.MaxMessageSize = c.MaxMessageSize

	s.ConnectTimeout = c.ConnectTimeout
	s.CEATimeout = c.CEATimeout
	s.WatchdogInterval = c.WatchdogInterval
	s.WatchdogTimeout = c.WatchdogTimeout
	s.IdleTimeout = c.IdleTimeout
	s.DisconnectTimeout = c.DisconnectTimeout
	s.DefaultRequestTimeout = c.RequestTimeout

	s.ReconnectInterval = c.ReconnectInterval
	s.MaxReconnectDelay = c.MaxReconnectDelay
	s.ReconnectBackoff = c.ReconnectBackoff

	s.TraceFile = c.TraceFile
	return s
}

// Validator returns the peer validator the configuration asks for.
func (c *NodeConfig) Validator() node.Validator {
	if len(c.AllowedPeers) == 0 {
		return node.DefaultValidator{}
	}
	return node.AllowListValidator{Hosts: c.AllowedPeers}
}

// Validate validates the RelayConfig
func (c *RelayConfig) Validate() error {
	if _, err := c.Peers(); err != nil {
		return err
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("statsInterval must be non-negative")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("shutdownGrace must be non-negative")
	}
	return nil
}

// Peers parses the upstream peer URIs.
func (c *RelayConfig) Peers() ([]*node.Peer, error) {
	peers := make([]*node.Peer, 0, len(c.Upstreams))
	for i, uri := range c.Upstreams {
		p, err := node.ParsePeer(uri)
		if err != nil {
			return nil, fmt.Errorf("upstreams[%d]: %w", i, err)
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// Validate validates the LoggingConfig
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Level] {
		return fmt.Errorf("level must be one of: debug, info, warn, error")
	}
	return nil
}

// Validate validates the MetricsConfig
func (c *MetricsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Path == "" {
		return fmt.Errorf("path is required when metrics is enabled")
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("path must start with /")
	}
	return nil
}
