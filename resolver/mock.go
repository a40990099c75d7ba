package resolver

import (
	"context"

	"github.com/relaymesh/arcauth/arcerr"
)

// Mock is a canned Resolver for tests, mirroring the teacher's
// dkim.MockTXTResolver pattern.
type Mock struct {
	Keys   map[string]string // "selector.domain" -> raw TXT record
	DMARC  map[string]string // domain -> raw TXT record
	SPF    map[string]string // "helo|mailFrom|ip" -> result line
	SPFErr error
}

// NewMock returns an empty Mock ready for AddKey/AddDMARC/AddSPF calls.
func NewMock() *Mock {
	return &Mock{
		Keys:  make(map[string]string),
		DMARC: make(map[string]string),
		SPF:   make(map[string]string),
	}
}

// AddKey registers a DKIM/ARC key record for selector._domainkey.domain.
func (m *Mock) AddKey(selector, domain, record string) {
	m.Keys[selector+"."+domain] = record
}

// AddDMARC registers a DMARC record for domain.
func (m *Mock) AddDMARC(domain, record string) {
	m.DMARC[domain] = record
}

// AddSPF registers a canned SPF result line for a transaction.
func (m *Mock) AddSPF(helo, mailFrom, ip, line string) {
	m.SPF[helo+"|"+mailFrom+"|"+ip] = line
}

func (m *Mock) FetchKey(ctx context.Context, selector, domain string) (string, error) {
	if rec, ok := m.Keys[selector+"."+domain]; ok {
		return rec, nil
	}
	return "", arcerr.New(arcerr.KeyUnavailable, "no key record for "+selector+"."+domain)
}

func (m *Mock) FetchDMARC(ctx context.Context, domain string) (string, error) {
	if rec, ok := m.DMARC[domain]; ok {
		return rec, nil
	}
	return "", arcerr.New(arcerr.DNSPerm, "no DMARC record for "+domain)
}

func (m *Mock) EvaluateSPF(ctx context.Context, helo, mailFrom, ip string) (string, error) {
	if m.SPFErr != nil {
		return "", m.SPFErr
	}
	if line, ok := m.SPF[helo+"|"+mailFrom+"|"+ip]; ok {
		return line, nil
	}
	return "none", nil
}
