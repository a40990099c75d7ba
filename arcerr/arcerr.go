// Package arcerr defines the closed set of failure kinds produced by the
// ARC/DMARC suite, so callers can branch on one type instead of per-package
// sentinel errors.
package arcerr

import "fmt"

// Kind classifies why an operation failed.
type Kind string

const (
	// Malformed means a header or record could not be parsed at all.
	Malformed Kind = "malformed"
	// MissingTag means a required tag was absent from an otherwise parseable record.
	MissingTag Kind = "missing_tag"
	// StructureViolation means the ARC chain's shape is invalid (continuity,
	// duplicate instances, incomplete sets).
	StructureViolation Kind = "structure_violation"
	// KeyUnavailable means no usable key record could be fetched.
	KeyUnavailable Kind = "key_unavailable"
	// CryptoFail means a signature or body hash did not verify.
	CryptoFail Kind = "crypto_fail"
	// DNSTemp means a DNS lookup failed in a way the caller may retry.
	DNSTemp Kind = "dns_temp"
	// DNSPerm means a DNS lookup failed permanently (no record, bad record).
	DNSPerm Kind = "dns_perm"
	// IO means a non-DNS I/O failure (key file read, etc).
	IO Kind = "io"
)

// Error is the concrete error type returned for expected failure modes.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether the caller may retry the operation.
func (e *Error) Temporary() bool {
	return e.Kind == DNSTemp
}

// New builds an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}
