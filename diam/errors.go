package diam

import (
	"errors"
	"fmt"

	"github.com/hsdfat8/diam-node/models_base"
)

// ErrInvalidAVPLength reports an AVP whose length does not fit the buffer or
// its data type. AVP, when set, is a copy of the offending AVP suitable for a
// Failed-AVP.
type ErrInvalidAVPLength struct {
	AVP    *AVP
	Reason string
}

func (e ErrInvalidAVPLength) Error() string {
	if e.AVP != nil {
		return fmt.Sprintf("invalid AVP length (code %d): %s", e.AVP.Code, e.Reason)
	}
	return fmt.Sprintf("invalid AVP length: %s", e.Reason)
}

// ErrInvalidAVPValue reports an AVP whose payload has the right size but
// unacceptable content, such as an unknown address family.
type ErrInvalidAVPValue struct {
	AVP    *AVP
	Reason string
}

func (e ErrInvalidAVPValue) Error() string {
	return fmt.Sprintf("invalid AVP value (code %d): %s", e.AVP.Code, e.Reason)
}

// ErrMissingAVP reports a required AVP absent from a message.
type ErrMissingAVP struct {
	Code uint32
}

func (e ErrMissingAVP) Error() string {
	return fmt.Sprintf("missing AVP %d", e.Code)
}

// ErrInvalidMessage indicates an invalid Diameter message
type ErrInvalidMessage struct {
	Reason string
}

func (e ErrInvalidMessage) Error() string {
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

func wrapAVPError(a *AVP, err error) error {
	var lenErr models_base.ErrInvalidLength
	if errors.As(err, &lenErr) {
		return ErrInvalidAVPLength{AVP: a.Clone(), Reason: lenErr.Error()}
	}
	var valErr models_base.ErrInvalidValue
	if errors.As(err, &valErr) {
		return ErrInvalidAVPValue{AVP: a.Clone(), Reason: valErr.Error()}
	}
	return err
}

// ResultCodeForError maps an AVP error to the result code and offending AVP
// to report in an error answer.
func ResultCodeForError(err error) (ResultCode, *AVP) {
	var lenErr ErrInvalidAVPLength
	if errors.As(err, &lenErr) {
		return ResultCodeInvalidAVPLength, lenErr.AVP
	}
	var valErr ErrInvalidAVPValue
	if errors.As(err, &valErr) {
		return ResultCodeInvalidAVPValue, valErr.AVP
	}
	var missing ErrMissingAVP
	if errors.As(err, &missing) {
		return ResultCodeMissingAVP, &AVP{Code: missing.Code, Flags: AVPFlagMandatory}
	}
	return ResultCodeUnableToComply, nil
}
