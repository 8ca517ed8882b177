package models

import (
	"errors"
	"fmt"
)

// Kind classifies protocol failures. Every rejection is detected before any
// state mutation; the ledger is never left partially updated.
type Kind int

const (
	KindValidation Kind = iota
	KindChainIntegrity
	KindSignature
	KindAttestation
	KindRevocationAuthority
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindChainIntegrity:
		return "CHAIN_INTEGRITY"
	case KindSignature:
		return "SIGNATURE"
	case KindAttestation:
		return "ATTESTATION"
	case KindRevocationAuthority:
		return "REVOCATION_AUTHORITY"
	case KindNotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// Error is a protocol-level rejection with a stable machine-readable code.
// Field names the offending field when the failure is field-specific.
type Error struct {
	Kind    Kind
	Code    string
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s (%s)", e.Kind, e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Code, e.Message)
}

func NewError(kind Kind, code, field, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

func ValidationError(code, field, format string, args ...interface{}) *Error {
	return NewError(KindValidation, code, field, format, args...)
}

func ChainIntegrityError(code, format string, args ...interface{}) *Error {
	return NewError(KindChainIntegrity, code, "", format, args...)
}

func SignatureError(code, field, format string, args ...interface{}) *Error {
	return NewError(KindSignature, code, field, format, args...)
}

func AttestationError(code, field, format string, args ...interface{}) *Error {
	return NewError(KindAttestation, code, field, format, args...)
}

func RevocationAuthorityError(code, format string, args ...interface{}) *Error {
	return NewError(KindRevocationAuthority, code, "", format, args...)
}

func NotFoundError(code, format string, args ...interface{}) *Error {
	return NewError(KindNotFound, code, "", format, args...)
}

// KindOf extracts the protocol kind from an error chain; ok is false when the
// error is not a protocol rejection.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// CodeOf returns the stable code from an error chain, or "" for plain errors.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}
