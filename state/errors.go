package state

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownState  = errors.New("Unknown state")
	ErrTypeMismatch  = errors.New("Type mismatch")
	ErrDuplicateName = errors.New("Duplicate state name")
	ErrReadOnly      = errors.New("State is read only")

	ErrDecode         = errors.New("Decode error")
	ErrUnknownVariant = errors.New("Unknown enum variant")
	ErrUnknownKind    = errors.New("Unknown value kind")
)

// DecodeError means the bytes cannot be trusted. Matches `ErrDecode`.
type DecodeError struct {
	Kind   Kind
	Reason string
}

func decodeErrorf(kind Kind, format string, a ...any) *DecodeError {
	return &DecodeError{
		Kind:   kind,
		Reason: fmt.Sprintf(format, a...),
	}
}

func (self *DecodeError) Error() string {
	if self.Kind == KindInvalid {
		return fmt.Sprintf("Decode error: %s", self.Reason)
	}
	return fmt.Sprintf("Decode error (%s): %s", self.Kind, self.Reason)
}

func (self *DecodeError) Unwrap() error {
	return ErrDecode
}

// UnknownVariantError is a well formed enum with a discriminant the type does not declare.
// Matches `ErrUnknownVariant`.
type UnknownVariantError struct {
	Discriminant uint32
}

func (self *UnknownVariantError) Error() string {
	return fmt.Sprintf("Unknown enum variant: %d", self.Discriminant)
}

func (self *UnknownVariantError) Unwrap() error {
	return ErrUnknownVariant
}

// UnknownKindError is a well formed value with a tag this version does not know.
// Matches `ErrUnknownKind`.
type UnknownKindError struct {
	Tag uint64
}

func (self *UnknownKindError) Error() string {
	return fmt.Sprintf("Unknown value kind: %d", self.Tag)
}

func (self *UnknownKindError) Unwrap() error {
	return ErrUnknownKind
}
