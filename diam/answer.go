package diam

import "github.com/hsdfat8/diam-node/models_base"

// NewErrorAnswer builds an answer to req carrying rc and, when failed is not
// nil, a Failed-AVP wrapping a copy of the offending AVP. Protocol errors
// (3xxx) get the E bit.
func NewErrorAnswer(req *Message, rc ResultCode, originHost, originRealm string, failed *AVP) *Message {
	ans := NewAnswer(req)
	ans.SetError(rc.IsProtocolError())
	if sid := req.Find(AVPSessionID); sid != nil {
		ans.Add(sid.Clone())
	}
	ans.AddValue(AVPOriginHost, AVPFlagMandatory, 0, models_base.DiameterIdentity(originHost))
	ans.AddValue(AVPOriginRealm, AVPFlagMandatory, 0, models_base.DiameterIdentity(originRealm))
	ans.AddValue(AVPResultCode, AVPFlagMandatory, 0, models_base.Unsigned32(rc))
	if failed != nil {
		ans.AddValue(AVPFailedAVP, AVPFlagMandatory, 0, Grouped{failed.Clone()})
	}
	return ans
}

// ResultCodeOf returns the Result-Code carried by m.
func ResultCodeOf(m *Message) (ResultCode, error) {
	a := m.Find(AVPResultCode)
	if a == nil {
		return 0, ErrMissingAVP{Code: AVPResultCode}
	}
	v, err := a.Unsigned32()
	if err != nil {
		return 0, err
	}
	return ResultCode(v), nil
}

// SessionIDOf returns the Session-Id carried by m, or "" if absent.
func SessionIDOf(m *Message) string {
	a := m.Find(AVPSessionID)
	if a == nil {
		return ""
	}
	s, err := a.UTF8String()
	if err != nil {
		return ""
	}
	return s
}
