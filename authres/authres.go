// Package authres implements the Authentication-Results composer
// (component G, spec.md §4.G): it runs SPF passthrough, DKIM verification
// and the DMARC alignment engine over one message and assembles the
// resulting line the seal orchestrator embeds in a new ARC-Authentication-
// Results header.
package authres

import (
	"context"
	"fmt"
	"strings"

	"github.com/relaymesh/arcauth/dkim"
	"github.com/relaymesh/arcauth/dmarc"
	"github.com/relaymesh/arcauth/domainkey"
	"github.com/relaymesh/arcauth/internal/bodyhash"
	"github.com/relaymesh/arcauth/internal/canonical"
	"github.com/relaymesh/arcauth/internal/header"
	"github.com/relaymesh/arcauth/message"
	"github.com/relaymesh/arcauth/psl"
	"github.com/relaymesh/arcauth/resolver"
)

const noValidSignature = "fail (no valid signature records)"

// Compose implements compose(msg, helo, from, ip) -> String from spec.md
// §4.G. authServiceID is the authserv-id this deployment advertises (the
// leftmost token of the Authentication-Results line).
func Compose(ctx context.Context, msg *message.Message, authServiceID, helo, from, ip string, res resolver.Resolver, idx *psl.Index) (string, error) {
	spfLine, err := res.EvaluateSPF(ctx, helo, from, ip)
	if err != nil {
		return "", err
	}
	spfStatus, _, _ := strings.Cut(spfLine, " ")

	dkimFull, dkimDomain, dkimPass, err := verifyDKIM(ctx, msg, res)
	if err != nil {
		return "", err
	}

	fromDomain, outcome, err := evaluateDMARC(ctx, msg, res, idx, spfDomain(from, helo), spfStatus == "pass", dkimDomain, dkimPass)
	if err != nil {
		return "", err
	}
	_ = fromDomain

	return fmt.Sprintf("%s; spf=%s; dkim=%s; dmarc=%s (p=%s) header.from=%s",
		authServiceID, spfLine, dkimFull, outcome.Result, outcome.Policy, outcome.FromDomain), nil
}

// spfDomain picks the domain SPF actually authenticated: the envelope
// MAIL FROM domain, falling back to HELO when MAIL FROM carries none (the
// null-reverse-path case).
func spfDomain(from, helo string) string {
	if idx := strings.LastIndexByte(from, '@'); idx != -1 {
		return from[idx+1:]
	}
	return helo
}

// verifyDKIM runs the DKIM collaborator's verifier over msg's first
// DKIM-Signature header and renders spec.md §4.G's dkim_full line:
// "{outcome} header.i={i} header.s={s} header.b={first 8 base64 chars}".
// A message with no DKIM-Signature, or one whose signature fails to
// parse, renders as the literal "fail (no valid signature records)".
func verifyDKIM(ctx context.Context, msg *message.Message, res resolver.Resolver) (full string, domain string, pass bool, err error) {
	raw := msg.GetAll("DKIM-Signature")
	if len(raw) == 0 {
		return noValidSignature, "", false, nil
	}

	sig, perr := dkim.ParseSignature(raw[0])
	if perr != nil {
		return noValidSignature, "", false, nil
	}

	keyRaw, ferr := res.FetchKey(ctx, sig.Selector, sig.Domain)
	if ferr != nil {
		return noValidSignature, sig.Domain, false, nil
	}
	domKey, derr := domainkey.FromRecord(keyRaw)
	if derr != nil {
		return noValidSignature, sig.Domain, false, nil
	}

	ca := sig.GetCanonicalizationAndAlgorithm()
	bh := bodyhash.NewBodyHash(canonicalFromDKIM(ca), ca.HashAlgo, ca.Limit)
	_, _ = bh.Write(msg.Body)
	_ = bh.Close()

	sig.Verify(msg.Headers, bh.Get(), &domKey)

	identity := strings.TrimPrefix(sig.Identity, "@")
	b := sig.Signature
	if len(b) > 8 {
		b = b[:8]
	}
	outcome := string(sig.VerifyResult.Status())

	full = fmt.Sprintf("%s header.i=%s header.s=%s header.b=%s", outcome, identity, sig.Selector, b)
	return full, sig.Domain, sig.VerifyResult.Status() == "pass", nil
}

func canonicalFromDKIM(ca *dkim.CanonicalizationAndAlgorithm) canonical.Canonicalization {
	return canonical.Canonicalization(ca.Body)
}

func evaluateDMARC(ctx context.Context, msg *message.Message, res resolver.Resolver, idx *psl.Index, spfDom string, spfPass bool, dkimDomain string, dkimPass bool) (string, *dmarc.Outcome, error) {
	fromHeader, ok := msg.Get("From")
	if !ok {
		return "", nil, fmt.Errorf("authres: message has no From header")
	}
	fromDomain, err := header.ParseAddressDomain(fromHeader)
	if err != nil {
		return "", nil, fmt.Errorf("authres: %w", err)
	}

	var record *dmarc.Record
	raw, ferr := res.FetchDMARC(ctx, fromDomain)
	if ferr == nil {
		record, err = dmarc.ParseDMARCRecord(raw)
		if err != nil {
			record = nil
		}
	}

	outcome, err := dmarc.Run(idx, fromDomain, record, spfDom, spfPass, dkimDomain, dkimPass)
	if err != nil {
		return "", nil, err
	}
	return fromDomain, outcome, nil
}
