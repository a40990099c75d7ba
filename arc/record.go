// Package arc implements the ARC (RFC 8617) chain data model, verifier and
// signer: components E (SignatureRecord), H (verifier), and I (signer).
// Only a=rsa-sha256 is supported, per spec — no Ed25519 ARC extension.
package arc

import (
	"fmt"
	"strconv"

	"github.com/relaymesh/arcauth/internal/taglist"
)

// Algorithm is the ARC signature algorithm. This package signs and verifies
// with AlgorithmRSASHA256 only — ARC does not get the Ed25519 extension the
// plain DKIM collaborator package supports. The a= value of a received
// record is not checked.
type Algorithm string

const AlgorithmRSASHA256 Algorithm = "rsa-sha256"

// ChainValidity is the cv= tag value, and the verifier's top-level result.
type ChainValidity string

const (
	ChainNone ChainValidity = "none"
	ChainPass ChainValidity = "pass"
	ChainFail ChainValidity = "fail"
)

// SignatureRecord is a TagList with semantic accessors for the tags shared
// by ARC-Message-Signature and ARC-Seal (spec.md §3). Not every tag applies
// to both header kinds: h= and bh= are AMS-only, cv= is Seal-only.
type SignatureRecord struct {
	tags *taglist.TagList
}

// ParseSignatureRecord parses the tag-list value of an ARC-Message-Signature
// or ARC-Seal header (the part after the header name and colon).
func ParseSignatureRecord(value string) (*SignatureRecord, error) {
	tl, err := taglist.Parse(value)
	if err != nil {
		return nil, err
	}
	return &SignatureRecord{tags: tl}, nil
}

// NewFromTemplate clones a signing template's TagList so its tag order
// is preserved on emission — spec.md §4.A requires emission order to match
// the template's order, not insertion order.
func NewFromTemplate(template string) (*SignatureRecord, error) {
	return ParseSignatureRecord(template)
}

func (r *SignatureRecord) Get(key string) (string, bool) { return r.tags.Get(key) }
func (r *SignatureRecord) Set(key, value string)         { r.tags.Set(key, value) }
func (r *SignatureRecord) String() string                { return r.tags.String() }
func (r *SignatureRecord) UnsignedString() string        { return r.tags.UnsignedString() }

func (r *SignatureRecord) Instance() (int, error) {
	v, ok := r.tags.Get("i")
	if !ok {
		return 0, fmt.Errorf("signature record: missing i tag")
	}
	return strconv.Atoi(v)
}

func (r *SignatureRecord) Algorithm() Algorithm { v, _ := r.tags.Get("a"); return Algorithm(v) }
func (r *SignatureRecord) Domain() string       { v, _ := r.tags.Get("d"); return v }
func (r *SignatureRecord) Selector() string     { v, _ := r.tags.Get("s"); return v }
func (r *SignatureRecord) BodyHash() string     { v, _ := r.tags.Get("bh"); return v }
func (r *SignatureRecord) Signature() string    { v, _ := r.tags.Get("b"); return v }

func (r *SignatureRecord) ChainValidity() ChainValidity {
	v, _ := r.tags.Get("cv")
	return ChainValidity(v)
}

// Headers returns the h= tag's header name list, parsed back from its
// signed " : "-joined form.
func (r *SignatureRecord) Headers() []string {
	v, ok := r.tags.Get("h")
	if !ok {
		return nil
	}
	return taglist.ParseHeaderList(v)
}

func (r *SignatureRecord) Timestamp() (int64, error) {
	v, ok := r.tags.Get("t")
	if !ok || v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func (r *SignatureRecord) Expiry() (int64, bool, error) {
	v, ok := r.tags.Get("x")
	if !ok || v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, true, err
}

// Validate applies spec.md §4.E's validate(): fails when x is present and
// in the past.
func (r *SignatureRecord) Validate(now int64) error {
	exp, present, err := r.Expiry()
	if err != nil {
		return fmt.Errorf("signature record: invalid x tag: %w", err)
	}
	if present && exp < now {
		return fmt.Errorf("signature record: expired at %d", exp)
	}
	return nil
}

// clearB returns the value with its b= tag's value cleared, used when
// building unsigned/placeholder signing data.
func clearB(value string) (string, error) {
	tl, err := taglist.Parse(value)
	if err != nil {
		return "", err
	}
	tl.Set("b", "")
	return tl.String(), nil
}
