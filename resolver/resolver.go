// Package resolver is the narrow DNS/SPF adapter boundary described in
// spec.md §4.D: it is the only place in this module that performs network
// I/O. Everything it returns is either a raw opaque string or a temporary/
// permanent *arcerr.Error — parsing of key records, DMARC records, and SPF
// result lines happens one layer up (domainkey, dmarc, authres).
package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/relaymesh/arcauth/arcerr"
	"github.com/relaymesh/arcauth/spf"
)

// Resolver is the seam mocked out in tests (see domainkey.TXTResolver for
// the teacher's equivalent pattern): fetch a DKIM/ARC key record, a DMARC
// policy record, and evaluate SPF for a transaction.
type Resolver interface {
	// FetchKey returns the first TXT record at selector._domainkey.domain,
	// or a KeyUnavailable/DNSTemp *arcerr.Error if none is found.
	FetchKey(ctx context.Context, selector, domain string) (string, error)
	// FetchDMARC returns the first TXT record at _dmarc.domain, or a
	// DNSPerm *arcerr.Error if none is found (callers treat that as
	// "no policy", not a hard failure).
	FetchDMARC(ctx context.Context, domain string) (string, error)
	// EvaluateSPF returns an opaque textual SPF result line in the form
	// consumed by authres.Compose, e.g. "pass" or "softfail (no match)".
	EvaluateSPF(ctx context.Context, helo, mailFrom, ip string) (string, error)
}

// Default is the production Resolver: DNS TXT lookups via net.Resolver,
// SPF evaluation via the spf package.
type Default struct {
	resolver *net.Resolver
	timeout  time.Duration
}

// NewDefault builds a Default resolver with a bounded per-lookup timeout,
// matching the teacher's domainkey.DefaultResolver convention.
func NewDefault(timeout time.Duration) *Default {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Default{resolver: net.DefaultResolver, timeout: timeout}
}

func (d *Default) lookupTXT(ctx context.Context, name string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.resolver.LookupTXT(ctx, name)
}

func firstRecord(name string, records []string, err error) (string, error) {
	if dnsErr, ok := err.(*net.DNSError); ok {
		if dnsErr.IsNotFound {
			return "", arcerr.New(arcerr.DNSPerm, fmt.Sprintf("no TXT record at %s", name))
		}
		if dnsErr.IsTimeout || dnsErr.IsTemporary {
			return "", arcerr.Wrap(arcerr.DNSTemp, fmt.Sprintf("temporary failure resolving %s", name), err)
		}
		return "", arcerr.Wrap(arcerr.DNSPerm, fmt.Sprintf("failed to resolve %s", name), err)
	}
	if err != nil {
		return "", arcerr.Wrap(arcerr.DNSTemp, fmt.Sprintf("failed to resolve %s", name), err)
	}
	if len(records) == 0 {
		return "", arcerr.New(arcerr.DNSPerm, fmt.Sprintf("no TXT record at %s", name))
	}
	// Multiple TXT records at the same name is an open question per
	// spec.md §9 — this resolver, like the teacher, always picks the
	// first record returned by the lookup.
	return records[0], nil
}

// FetchKey implements Resolver.
func (d *Default) FetchKey(ctx context.Context, selector, domain string) (string, error) {
	name := fmt.Sprintf("%s._domainkey.%s", selector, domain)
	records, err := d.lookupTXT(ctx, name)
	rec, ferr := firstRecord(name, records, err)
	if ferr != nil {
		if e, ok := ferr.(*arcerr.Error); ok && e.Kind == arcerr.DNSPerm {
			return "", arcerr.New(arcerr.KeyUnavailable, fmt.Sprintf("no key record for %s/%s", selector, domain))
		}
		return "", ferr
	}
	return rec, nil
}

// FetchDMARC implements Resolver.
func (d *Default) FetchDMARC(ctx context.Context, domain string) (string, error) {
	name := fmt.Sprintf("_dmarc.%s", domain)
	records, err := d.lookupTXT(ctx, name)
	return firstRecord(name, records, err)
}

// EvaluateSPF implements Resolver, formatting the spf package's structured
// Result into the textual line authres.Compose expects.
func (d *Default) EvaluateSPF(ctx context.Context, helo, mailFrom, ip string) (string, error) {
	parsedIP := net.ParseIP(ip)
	domain := mailFrom
	if idx := strings.LastIndexByte(mailFrom, '@'); idx != -1 {
		domain = mailFrom[idx+1:]
	} else {
		domain = helo
	}
	result := spf.CheckSPF(parsedIP, domain, mailFrom, helo)
	line := string(result.Status)
	if result.Reason != "" {
		line += " (" + strings.ReplaceAll(result.Reason, ";", ",") + ")"
	}
	return line, nil
}
