package node

import (
	"sort"

	"github.com/hsdfat8/diam-node/diam"
	"github.com/hsdfat8/diam-node/models_base"
)

// VendorApplication is a vendor-specific application id.
type VendorApplication struct {
	VendorID      uint32
	ApplicationID uint32
}

// Capability is the set of applications and vendors a node supports.
type Capability struct {
	SupportedVendors map[uint32]struct{}
	AuthApps         map[uint32]struct{}
	AcctApps         map[uint32]struct{}
	VendorAuthApps   map[VendorApplication]struct{}
	VendorAcctApps   map[VendorApplication]struct{}
}

// NewCapability returns an empty capability set.
func NewCapability() *Capability {
	return &Capability{
		SupportedVendors: make(map[uint32]struct{}),
		AuthApps:         make(map[uint32]struct{}),
		AcctApps:         make(map[uint32]struct{}),
		VendorAuthApps:   make(map[VendorApplication]struct{}),
		VendorAcctApps:   make(map[VendorApplication]struct{}),
	}
}

func (c *Capability) AddSupportedVendor(vendorID uint32) { c.SupportedVendors[vendorID] = struct{}{} }
func (c *Capability) AddAuthApp(appID uint32)            { c.AuthApps[appID] = struct{}{} }
func (c *Capability) AddAcctApp(appID uint32)            { c.AcctApps[appID] = struct{}{} }

func (c *Capability) AddVendorAuthApp(vendorID, appID uint32) {
	c.VendorAuthApps[VendorApplication{vendorID, appID}] = struct{}{}
}

func (c *Capability) AddVendorAcctApp(vendorID, appID uint32) {
	c.VendorAcctApps[VendorApplication{vendorID, appID}] = struct{}{}
}

func (c *Capability) IsSupportedVendor(vendorID uint32) bool {
	_, ok := c.SupportedVendors[vendorID]
	return ok
}

// IsAllowedAuthApp reports whether appID is granted for authorization,
// either directly, vendor-specifically or through the relay application.
func (c *Capability) IsAllowedAuthApp(appID uint32) bool {
	if _, ok := c.AuthApps[appID]; ok {
		return true
	}
	if _, ok := c.AuthApps[diam.RelayApplicationID]; ok {
		return true
	}
	for va := range c.VendorAuthApps {
		if va.ApplicationID == appID {
			return true
		}
	}
	return false
}

// IsAllowedAcctApp is IsAllowedAuthApp for accounting applications.
func (c *Capability) IsAllowedAcctApp(appID uint32) bool {
	if _, ok := c.AcctApps[appID]; ok {
		return true
	}
	if _, ok := c.AcctApps[diam.RelayApplicationID]; ok {
		return true
	}
	for va := range c.VendorAcctApps {
		if va.ApplicationID == appID {
			return true
		}
	}
	return false
}

// AllowsApplication reports whether messages of appID may use a connection
// granted this capability. The common application is always allowed.
func (c *Capability) AllowsApplication(appID uint32) bool {
	return appID == diam.CommonApplicationID || c.IsAllowedAuthApp(appID) || c.IsAllowedAcctApp(appID)
}

// IsEmpty reports whether no application is granted.
func (c *Capability) IsEmpty() bool {
	return len(c.AuthApps) == 0 && len(c.AcctApps) == 0 &&
		len(c.VendorAuthApps) == 0 && len(c.VendorAcctApps) == 0
}

// Clone returns a deep copy of c.
func (c *Capability) Clone() *Capability {
	n := NewCapability()
	for k := range c.SupportedVendors {
		n.SupportedVendors[k] = struct{}{}
	}
	for k := range c.AuthApps {
		n.AuthApps[k] = struct{}{}
	}
	for k := range c.AcctApps {
		n.AcctApps[k] = struct{}{}
	}
	for k := range c.VendorAuthApps {
		n.VendorAuthApps[k] = struct{}{}
	}
	for k := range c.VendorAcctApps {
		n.VendorAcctApps[k] = struct{}{}
	}
	return n
}

// Intersect computes the capability granted between a local and a
// peer-reported set. The relay application on either side admits every
// application of the other side.
func Intersect(local, peer *Capability) *Capability {
	n := NewCapability()
	for v := range local.SupportedVendors {
		if peer.IsSupportedVendor(v) {
			n.AddSupportedVendor(v)
		}
	}
	intersectApps(n.AuthApps, local.AuthApps, peer.AuthApps)
	intersectApps(n.AcctApps, local.AcctApps, peer.AcctApps)
	intersectVendorApps(n.VendorAuthApps, local.VendorAuthApps, peer.VendorAuthApps, local.AuthApps, peer.AuthApps)
	intersectVendorApps(n.VendorAcctApps, local.VendorAcctApps, peer.VendorAcctApps, local.AcctApps, peer.AcctApps)
	return n
}

func intersectApps(dst, a, b map[uint32]struct{}) {
	_, aRelay := a[diam.RelayApplicationID]
	_, bRelay := b[diam.RelayApplicationID]
	for id := range a {
		if _, ok := b[id]; ok || bRelay {
			dst[id] = struct{}{}
		}
	}
	for id := range b {
		if aRelay {
			dst[id] = struct{}{}
		}
	}
}

func intersectVendorApps(dst, a, b map[VendorApplication]struct{}, aPlain, bPlain map[uint32]struct{}) {
	_, aRelay := aPlain[diam.RelayApplicationID]
	_, bRelay := bPlain[diam.RelayApplicationID]
	for va := range a {
		if _, ok := b[va]; ok || bRelay {
			dst[va] = struct{}{}
		}
	}
	for va := range b {
		if aRelay {
			dst[va] = struct{}{}
		}
	}
}

// addTo appends the capability AVPs carried in CER/CEA.
func (c *Capability) addTo(m *diam.Message) {
	for _, v := range sortedIDs(c.SupportedVendors) {
		m.AddValue(diam.AVPSupportedVendorID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(v))
	}
	for _, id := range sortedIDs(c.AuthApps) {
		m.AddValue(diam.AVPAuthApplicationID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(id))
	}
	for _, id := range sortedIDs(c.AcctApps) {
		m.AddValue(diam.AVPAcctApplicationID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(id))
	}
	addVendorApps(m, c.VendorAuthApps, diam.AVPAuthApplicationID)
	addVendorApps(m, c.VendorAcctApps, diam.AVPAcctApplicationID)
}

func addVendorApps(m *diam.Message, set map[VendorApplication]struct{}, appAVP uint32) {
	apps := make([]VendorApplication, 0, len(set))
	for va := range set {
		apps = append(apps, va)
	}
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].VendorID != apps[j].VendorID {
			return apps[i].VendorID < apps[j].VendorID
		}
		return apps[i].ApplicationID < apps[j].ApplicationID
	})
	for _, va := range apps {
		m.AddValue(diam.AVPVendorSpecificApplicationID, diam.AVPFlagMandatory, 0, diam.Grouped{
			diam.NewAVP(diam.AVPVendorID, diam.AVPFlagMandatory, 0, models_base.Unsigned32(va.VendorID)),
			diam.NewAVP(appAVP, diam.AVPFlagMandatory, 0, models_base.Unsigned32(va.ApplicationID)),
		})
	}
}

// capabilityFromMessage extracts the capability AVPs of a CER or CEA.
func capabilityFromMessage(m *diam.Message) (*Capability, error) {
	c := NewCapability()
	for _, a := range m.AVPs {
		if a.VendorID != 0 {
			continue
		}
		switch a.Code {
		case diam.AVPSupportedVendorID:
			v, err := a.Unsigned32()
			if err != nil {
				return nil, err
			}
			c.AddSupportedVendor(v)
		case diam.AVPAuthApplicationID:
			v, err := a.Unsigned32()
			if err != nil {
				return nil, err
			}
			c.AddAuthApp(v)
		case diam.AVPAcctApplicationID:
			v, err := a.Unsigned32()
			if err != nil {
				return nil, err
			}
			c.AddAcctApp(v)
		case diam.AVPVendorSpecificApplicationID:
			if err := addVendorSpecific(c, a); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func addVendorSpecific(c *Capability, a *diam.AVP) error {
	children, err := a.Grouped()
	if err != nil {
		return err
	}
	var vendor uint32
	var auth, acct []uint32
	for _, child := range children {
		if child.Code != diam.AVPVendorID && child.Code != diam.AVPAuthApplicationID && child.Code != diam.AVPAcctApplicationID {
			continue
		}
		v, err := child.Unsigned32()
		if err != nil {
			return err
		}
		switch child.Code {
		case diam.AVPVendorID:
			vendor = v
		case diam.AVPAuthApplicationID:
			auth = append(auth, v)
		default:
			acct = append(acct, v)
		}
	}
	for _, id := range auth {
		c.AddVendorAuthApp(vendor, id)
	}
	for _, id := range acct {
		c.AddVendorAcctApp(vendor, id)
	}
	return nil
}

func sortedIDs(set map[uint32]struct{}) []uint32 {
	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
