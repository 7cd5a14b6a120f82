package node

// AuthenticationResult is the outcome of Validator.Authenticate.
type AuthenticationResult struct {
	Known  bool
	Reason string
}

// Validator decides whether a peer may connect and which applications it is
// granted. Methods are called with the node lock held and must not call
// back into the Node.
type Validator interface {
	// Authenticate is given the peer's Origin-Host and transport-specific
	// information (the remote net.Addr for TCP and SCTP).
	Authenticate(hostID string, authInfo any) AuthenticationResult
	// Authorize returns the capability granted to the peer.
	Authorize(hostID string, settings *Settings, reported *Capability) *Capability
}

// DefaultValidator knows every peer and grants the intersection of the
// local and reported capabilities.
type DefaultValidator struct{}

func (DefaultValidator) Authenticate(hostID string, authInfo any) AuthenticationResult {
	return AuthenticationResult{Known: true}
}

func (DefaultValidator) Authorize(hostID string, settings *Settings, reported *Capability) *Capability {
	return Intersect(settings.Capabilities, reported)
}

// AllowListValidator only knows the listed hosts.
type AllowListValidator struct {
	DefaultValidator
	Hosts []string
}

func (v AllowListValidator) Authenticate(hostID string, authInfo any) AuthenticationResult {
	for _, h := range v.Hosts {
		if sameHost(h, hostID) {
			return AuthenticationResult{Known: true}
		}
	}
	return AuthenticationResult{Reason: "host not in allow list"}
}
