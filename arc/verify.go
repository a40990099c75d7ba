package arc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/relaymesh/arcauth/arcerr"
	"github.com/relaymesh/arcauth/internal/canonical"
	"github.com/relaymesh/arcauth/internal/header"
	"github.com/relaymesh/arcauth/message"
	"github.com/relaymesh/arcauth/resolver"
)

// Validate implements the top-level ARC verifier (component H, spec.md
// §4.H): it groups ARC headers by instance, checks the chain's structure,
// and cryptographically verifies only the most recent prior hop's AMS and
// Seal. A non-nil error means the verdict could not be determined (a
// temporary DNS failure); every other outcome is a definitive cv.
func Validate(ctx context.Context, msg *message.Message, res resolver.Resolver) (ChainValidity, error) {
	sets, err := CollectArcSets(msg)
	if err != nil {
		return ChainFail, nil
	}

	myInstance := MaxInstance(sets) + 1
	if myInstance > MaxChainLength+1 {
		return ChainFail, nil
	}
	if myInstance == 1 {
		return ChainNone, nil
	}

	target := myInstance - 1
	if err := CheckStructure(sets, target); err != nil {
		return ChainFail, nil
	}

	if err := verifyAMS(ctx, msg, sets, res, target); err != nil {
		if e, ok := asTemporary(err); ok {
			return "", e
		}
		return ChainFail, nil
	}

	if err := verifySeal(ctx, sets, res, target); err != nil {
		if e, ok := asTemporary(err); ok {
			return "", e
		}
		return ChainFail, nil
	}

	return ChainPass, nil
}

func asTemporary(err error) (*arcerr.Error, bool) {
	var e *arcerr.Error
	if errors.As(err, &e) && e.Temporary() {
		return e, true
	}
	return nil, false
}

// buildAMSSigningData implements spec.md §4.H.2: canonicalize each
// extracted signed header (reverse-occurrence consumption per h=), then
// append the AMS header itself with b= cleared, with no trailing CRLF.
func buildAMSSigningData(msg *message.Message, record *SignatureRecord, rawAMSValue string) (string, error) {
	extracted := header.ExtractHeadersDKIM(msg.Headers, record.Headers())

	var sb strings.Builder
	for _, h := range extracted {
		sb.WriteString(canonical.Header(h, canonical.Relaxed))
	}

	cleared, err := clearB(rawAMSValue)
	if err != nil {
		return "", err
	}
	sb.WriteString(canonical.Header("arc-message-signature:"+cleared, canonical.Relaxed))

	return strings.TrimSuffix(sb.String(), "\r\n"), nil
}

func verifyAMS(ctx context.Context, msg *message.Message, sets map[int]*ArcSet, res resolver.Resolver, target int) error {
	set := sets[target]
	rawValue := headerValue(set.AMS)

	record, err := ParseSignatureRecord(rawValue)
	if err != nil {
		return err
	}
	if err := record.Validate(time.Now().Unix()); err != nil {
		return err
	}

	data, err := buildAMSSigningData(msg, record, rawValue)
	if err != nil {
		return err
	}

	if got, want := canonicalizedBodyHash(msg.Body), record.BodyHash(); got != want {
		return errors.New("arc: body hash mismatch")
	}

	pub, err := fetchRSAKey(ctx, res, record.Selector(), record.Domain())
	if err != nil {
		return err
	}
	return verifySHA256(pub, data, record.Signature())
}

// buildSealSigningData implements spec.md §4.H.3: walk hops 1..target,
// appending aar/ams/seal per hop as lowercase(name)+":"+canonicalizeBody(value),
// with the target hop's Seal entry b=-cleared and without a trailing CRLF.
func buildSealSigningData(sets map[int]*ArcSet, target int) (string, error) {
	var sb strings.Builder
	for _, i := range orderedInstances(target) {
		set := sets[i]
		sb.WriteString("arc-authentication-results:" + canonicalizeBodyValue(headerValue(set.AAR)))
		sb.WriteString("arc-message-signature:" + canonicalizeBodyValue(headerValue(set.AMS)))

		if i < target {
			sb.WriteString("arc-seal:" + canonicalizeBodyValue(headerValue(set.Seal)))
			continue
		}

		cleared, err := clearB(headerValue(set.Seal))
		if err != nil {
			return "", err
		}
		sb.WriteString("arc-seal:" + strings.TrimSuffix(canonicalizeBodyValue(cleared), "\r\n"))
	}
	return sb.String(), nil
}

func verifySeal(ctx context.Context, sets map[int]*ArcSet, res resolver.Resolver, target int) error {
	set := sets[target]
	rawValue := headerValue(set.Seal)

	record, err := ParseSignatureRecord(rawValue)
	if err != nil {
		return err
	}

	data, err := buildSealSigningData(sets, target)
	if err != nil {
		return err
	}

	pub, err := fetchRSAKey(ctx, res, record.Selector(), record.Domain())
	if err != nil {
		return err
	}
	return verifySHA256(pub, data, record.Signature())
}
