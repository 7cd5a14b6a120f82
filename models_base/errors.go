package models_base

import "fmt"

// ErrInvalidLength is returned when a payload does not have the length its
// data type requires.
type ErrInvalidLength struct {
	Type TypeID
	Want int
	Have int
}

func (e ErrInvalidLength) Error() string {
	return fmt.Sprintf("invalid %s length: want %d, have %d", e.Type, e.Want, e.Have)
}

// ErrInvalidValue is returned when a payload has the right length but its
// content is not acceptable for the data type.
type ErrInvalidValue struct {
	Type   TypeID
	Reason string
}

func (e ErrInvalidValue) Error() string {
	return fmt.Sprintf("invalid %s value: %s", e.Type, e.Reason)
}
