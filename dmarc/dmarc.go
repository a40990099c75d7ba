// Package dmarc implements the DMARC alignment engine (component F):
// parse the policy record and decide SPF/DKIM alignment against a From
// domain the caller has already extracted. DNS I/O is not this package's concern —
// callers fetch the raw TXT record via resolver.Resolver and hand it to
// Run/ParseDMARCRecord.
package dmarc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/relaymesh/arcauth/psl"
)

var (
	ErrNoRecordFound       = errors.New("no record found")
	ErrFromHeaderAmbiguous = errors.New("from header does not resolve to exactly one mailbox")
)

type AlignmentMode string

const (
	AlignmentRelaxed AlignmentMode = "r"
	AlignmentStrict  AlignmentMode = "s"
)

type FailureOption string

const (
	FailureAllFail  FailureOption = "0"
	FailureAnyFail  FailureOption = "1"
	FailureDKIMOnly FailureOption = "d"
	FailureSPFOnly  FailureOption = "s"
)

type PolicyType string

const (
	PolicyNone       PolicyType = "none"
	PolicyQuarantine PolicyType = "quarantine"
	PolicyReject     PolicyType = "reject"
)

type Result string

const (
	ResultPass Result = "pass"
	ResultFail Result = "fail"
	ResultNone Result = "none"
)

// Record is a parsed DMARC policy record (spec.md §4.F step 3 defaults:
// aspf=r, adkim=r, p=none).
type Record struct {
	Version            string
	Policy             PolicyType
	SubdomainPolicy    PolicyType
	AlignmentDKIM      AlignmentMode
	AlignmentSPF       AlignmentMode
	Percent            int
	ReportInterval     uint32
	AggregateReportURI []string
	ForensicReportURI  []string
	FailureOptions     []FailureOption
	raw                string
}

// Outcome is DmarcOutcome from spec.md §4.F: the overall alignment
// decision plus the bits an AR composer needs to render its line.
type Outcome struct {
	Result     Result
	Policy     PolicyType
	FromDomain string
}

// ParseDMARCRecord parses a raw "_dmarc" TXT record. Unknown tags are
// ignored; known tags are validated per spec.md §4.F step 3.
func ParseDMARCRecord(raw string) (*Record, error) {
	d := &Record{
		raw:           raw,
		AlignmentSPF:  AlignmentRelaxed,
		AlignmentDKIM: AlignmentRelaxed,
		Policy:        PolicyNone,
	}

	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		switch k {
		case "v":
			d.Version = v
			if d.Version != "DMARC1" {
				return nil, fmt.Errorf("invalid version: %s", d.Version)
			}
		case "rua":
			d.AggregateReportURI = splitTrim(v, ",")
		case "ruf":
			d.ForensicReportURI = splitTrim(v, ",")
		case "adkim":
			d.AlignmentDKIM = AlignmentMode(v)
			if d.AlignmentDKIM != AlignmentRelaxed && d.AlignmentDKIM != AlignmentStrict {
				return nil, fmt.Errorf("invalid adkim value: %s", v)
			}
		case "aspf":
			d.AlignmentSPF = AlignmentMode(v)
			if d.AlignmentSPF != AlignmentRelaxed && d.AlignmentSPF != AlignmentStrict {
				return nil, fmt.Errorf("invalid aspf value: %s", v)
			}
		case "fo":
			for _, f := range strings.Split(v, ":") {
				switch FailureOption(f) {
				case FailureAllFail, FailureAnyFail, FailureDKIMOnly, FailureSPFOnly:
					d.FailureOptions = append(d.FailureOptions, FailureOption(f))
				default:
					return nil, fmt.Errorf("invalid fo value: %s", f)
				}
			}
		case "pct":
			pct, err := strconv.Atoi(v)
			if err != nil || pct < 0 || pct > 100 {
				return nil, fmt.Errorf("invalid pct value: %s", v)
			}
			d.Percent = pct
		case "p":
			d.Policy = PolicyType(v)
			if !validPolicy(d.Policy) {
				return nil, fmt.Errorf("invalid p value: %s", v)
			}
		case "sp":
			d.SubdomainPolicy = PolicyType(v)
			if !validPolicy(d.SubdomainPolicy) {
				return nil, fmt.Errorf("invalid sp value: %s", v)
			}
		case "ri":
			ri, err := strconv.Atoi(v)
			if err != nil || ri < 0 {
				return nil, fmt.Errorf("invalid ri value: %s", v)
			}
			d.ReportInterval = uint32(ri)
		}
	}

	if d.Version == "" {
		return nil, fmt.Errorf("missing version tag in DMARC record")
	}
	return d, nil
}

func validPolicy(p PolicyType) bool {
	return p == PolicyNone || p == PolicyQuarantine || p == PolicyReject
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// aligned implements spec.md §4.F step 4: relaxed compares organisational
// domains, strict compares full domains, both case-insensitively.
func aligned(mode AlignmentMode, idx *psl.Index, received, expected string) (bool, error) {
	switch mode {
	case AlignmentRelaxed:
		return strings.EqualFold(idx.OrgDomain(received), idx.OrgDomain(expected)), nil
	case AlignmentStrict:
		return strings.EqualFold(received, expected), nil
	default:
		return false, fmt.Errorf("invalid alignment mode: %s", mode)
	}
}

// Run implements spec.md §4.F's run(): fromDomain is the already-extracted
// domain of the message's single From: mailbox; record is nil when no
// DMARC policy was found at fromDomain (callers resolve that by calling
// resolver.FetchDMARC and treating a DNSPerm/not-found error as "no
// policy" before calling Run). spfDomain/spfPass and dkimDomain/dkimPass
// are the alignment-candidate domains and pass/fail outcomes of the SPF
// and DKIM evaluations already run for this message.
func Run(idx *psl.Index, fromDomain string, record *Record, spfDomain string, spfPass bool, dkimDomain string, dkimPass bool) (*Outcome, error) {
	if record == nil {
		return &Outcome{Result: ResultNone, Policy: PolicyNone, FromDomain: fromDomain}, nil
	}

	spfAligned := false
	if spfPass {
		ok, err := aligned(record.AlignmentSPF, idx, spfDomain, fromDomain)
		if err != nil {
			return nil, err
		}
		spfAligned = ok
	}

	dkimAligned := false
	if dkimPass {
		ok, err := aligned(record.AlignmentDKIM, idx, dkimDomain, fromDomain)
		if err != nil {
			return nil, err
		}
		dkimAligned = ok
	}

	result := ResultFail
	if spfAligned || dkimAligned {
		result = ResultPass
	}

	return &Outcome{Result: result, Policy: record.Policy, FromDomain: fromDomain}, nil
}
