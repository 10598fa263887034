// Package status owns the link-wide error taxonomy.
//
// Every error returned by the link packages wraps exactly one of the kind
// sentinels below, so callers test with errors.Is regardless of which layer
// produced the failure. Kinds also carry a stable numeric code used when an
// error has to cross the link inside an async error message.
package status

import "errors"

var (
	ErrOutOfMemory     = errors.New("out of memory")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrAccessDenied    = errors.New("access denied")
	ErrTimeout         = errors.New("timeout")
	ErrGeneralFailure  = errors.New("general failure")
)

// Code is the wire form of an error kind.
type Code uint32

const (
	CodeOK Code = iota
	CodeOutOfMemory
	CodeInvalidArgument
	CodeNotFound
	CodeAlreadyExists
	CodeAccessDenied
	CodeTimeout
	CodeGeneralFailure
)

var kinds = []struct {
	code Code
	err  error
}{
	{CodeOutOfMemory, ErrOutOfMemory},
	{CodeInvalidArgument, ErrInvalidArgument},
	{CodeNotFound, ErrNotFound},
	{CodeAlreadyExists, ErrAlreadyExists},
	{CodeAccessDenied, ErrAccessDenied},
	{CodeTimeout, ErrTimeout},
	{CodeGeneralFailure, ErrGeneralFailure},
}

// CodeOf maps err to its kind code. Errors outside the taxonomy map to
// CodeGeneralFailure; nil maps to CodeOK.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.code
		}
	}
	return CodeGeneralFailure
}

// FromCode returns the kind sentinel for code, or nil for CodeOK.
func FromCode(code Code) error {
	if code == CodeOK {
		return nil
	}
	for _, k := range kinds {
		if k.code == code {
			return k.err
		}
	}
	return ErrGeneralFailure
}

func (c Code) String() string {
	if c == CodeOK {
		return "ok"
	}
	return FromCode(c).Error()
}
