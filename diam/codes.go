package diam

import "fmt"

// Base protocol command codes.
const (
	CommandCapabilitiesExchange uint32 = 257
	CommandDeviceWatchdog       uint32 = 280
	CommandDisconnectPeer       uint32 = 282
)

// Application identifiers with special meaning.
const (
	CommonApplicationID uint32 = 0
	RelayApplicationID  uint32 = 0xffffffff
)

// Base protocol AVP codes.
const (
	AVPHostIPAddress               uint32 = 257
	AVPAuthApplicationID           uint32 = 258
	AVPAcctApplicationID           uint32 = 259
	AVPVendorSpecificApplicationID uint32 = 260
	AVPSessionID                   uint32 = 263
	AVPOriginHost                  uint32 = 264
	AVPSupportedVendorID           uint32 = 265
	AVPVendorID                    uint32 = 266
	AVPFirmwareRevision            uint32 = 267
	AVPResultCode                  uint32 = 268
	AVPProductName                 uint32 = 269
	AVPDisconnectCause             uint32 = 273
	AVPOriginStateID               uint32 = 278
	AVPFailedAVP                   uint32 = 279
	AVPErrorMessage                uint32 = 281
	AVPRouteRecord                 uint32 = 282
	AVPDestinationRealm            uint32 = 283
	AVPProxyInfo                   uint32 = 284
	AVPDestinationHost             uint32 = 293
	AVPErrorReportingHost          uint32 = 294
	AVPOriginRealm                 uint32 = 296
	AVPInbandSecurityID            uint32 = 299
)

// Disconnect-Cause values.
const (
	DisconnectCauseRebooting             int32 = 0
	DisconnectCauseBusy                  int32 = 1
	DisconnectCauseDoNotWantToTalkToYou int32 = 2
)

// ResultCode represents Diameter result codes
type ResultCode uint32

const (
	// Success codes (2xxx)
	ResultCodeSuccess ResultCode = 2001

	// Protocol errors (3xxx)
	ResultCodeCommandUnsupported     ResultCode = 3001
	ResultCodeUnableToDeliver        ResultCode = 3002
	ResultCodeRealmNotServed         ResultCode = 3003
	ResultCodeTooBusy                ResultCode = 3004
	ResultCodeLoopDetected           ResultCode = 3005
	ResultCodeRedirectIndication     ResultCode = 3006
	ResultCodeApplicationUnsupported ResultCode = 3007
	ResultCodeInvalidHDRBits         ResultCode = 3008
	ResultCodeInvalidAVPBits         ResultCode = 3009
	ResultCodeUnknownPeer            ResultCode = 3010

	// Transient failures (4xxx)
	ResultCodeAuthenticationRejected ResultCode = 4001
	ResultCodeOutOfSpace             ResultCode = 4002
	ResultCodeElectionLost           ResultCode = 4003

	// Permanent failures (5xxx)
	ResultCodeAVPUnsupported        ResultCode = 5001
	ResultCodeUnknownSessionID      ResultCode = 5002
	ResultCodeAuthorizationRejected ResultCode = 5003
	ResultCodeInvalidAVPValue       ResultCode = 5004
	ResultCodeMissingAVP            ResultCode = 5005
	ResultCodeResourcesExceeded     ResultCode = 5006
	ResultCodeContradictingAVPs     ResultCode = 5007
	ResultCodeAVPNotAllowed         ResultCode = 5008
	ResultCodeAVPOccursTooManyTimes ResultCode = 5009
	ResultCodeNoCommonApplication   ResultCode = 5010
	ResultCodeUnsupportedVersion    ResultCode = 5011
	ResultCodeUnableToComply        ResultCode = 5012
	ResultCodeInvalidBitInHeader    ResultCode = 5013
	ResultCodeInvalidAVPLength      ResultCode = 5014
	ResultCodeInvalidMessageLength  ResultCode = 5015
	ResultCodeInvalidAVPBitCombo    ResultCode = 5016
	ResultCodeNoCommonSecurity      ResultCode = 5017
)

// IsSuccess returns true if the result code indicates success
func (r ResultCode) IsSuccess() bool {
	return r >= 2000 && r < 3000
}

// IsProtocolError reports result codes that must be carried in an answer
// with the E bit set.
func (r ResultCode) IsProtocolError() bool {
	return r >= 3000 && r < 4000
}

// String returns the string representation of the result code
func (r ResultCode) String() string {
	switch r {
	case ResultCodeSuccess:
		return "DIAMETER_SUCCESS"
	case ResultCodeCommandUnsupported:
		return "DIAMETER_COMMAND_UNSUPPORTED"
	case ResultCodeUnableToDeliver:
		return "DIAMETER_UNABLE_TO_DELIVER"
	case ResultCodeRealmNotServed:
		return "DIAMETER_REALM_NOT_SERVED"
	case ResultCodeTooBusy:
		return "DIAMETER_TOO_BUSY"
	case ResultCodeApplicationUnsupported:
		return "DIAMETER_APPLICATION_UNSUPPORTED"
	case ResultCodeUnknownPeer:
		return "DIAMETER_UNKNOWN_PEER"
	case ResultCodeElectionLost:
		return "DIAMETER_ELECTION_LOST"
	case ResultCodeInvalidAVPValue:
		return "DIAMETER_INVALID_AVP_VALUE"
	case ResultCodeMissingAVP:
		return "DIAMETER_MISSING_AVP"
	case ResultCodeNoCommonApplication:
		return "DIAMETER_NO_COMMON_APPLICATION"
	case ResultCodeUnsupportedVersion:
		return "DIAMETER_UNSUPPORTED_VERSION"
	case ResultCodeUnableToComply:
		return "DIAMETER_UNABLE_TO_COMPLY"
	case ResultCodeInvalidAVPLength:
		return "DIAMETER_INVALID_AVP_LENGTH"
	default:
		return fmt.Sprintf("RESULT_CODE_%d", r)
	}
}

// CommandName maps a command code and direction to a short name.
func CommandName(code uint32, request bool) string {
	var names [2]string
	switch code {
	case CommandCapabilitiesExchange:
		names = [2]string{"CEA", "CER"}
	case CommandDeviceWatchdog:
		names = [2]string{"DWA", "DWR"}
	case CommandDisconnectPeer:
		names = [2]string{"DPA", "DPR"}
	default:
		return fmt.Sprintf("CMD_%d", code)
	}
	if request {
		return names[1]
	}
	return names[0]
}
