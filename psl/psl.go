// Package psl implements a Public Suffix List resolver: it loads a text
// resource in the publicsuffix.org format and computes the organisational
// domain used for DMARC relaxed alignment (spec.md §4.C).
//
// golang.org/x/net/publicsuffix ships its rule table compiled into Go code
// at build time and exposes only EffectiveTLDPlusOne; it cannot load a
// runtime text resource or expose the rule/wildcard/exception match it made,
// both of which this resolver's contract requires. So the loader and match
// algorithm below are hand-rolled from the publicsuffix.org format
// description instead of delegating to that package.
package psl

import (
	"bufio"
	_ "embed"
	"strings"

	"golang.org/x/net/idna"
)

//go:embed public_suffix_list.dat
var defaultList string

// Index is an immutable, process-wide-shareable view over a parsed Public
// Suffix List: three disjoint sets of lowercased labels.
type Index struct {
	rules      map[string]struct{}
	wildcards  map[string]struct{}
	exceptions map[string]struct{}
}

// LoadDefault parses the Public Suffix List embedded in this module at
// build time. Each call parses the list anew; the returned Index is safe to
// share immutably across concurrent verify/seal operations (spec.md §5).
func LoadDefault() *Index {
	return Load(defaultList)
}

// Load parses a Public Suffix List from data's text content. Blank lines and
// "//" comments are skipped. A line starting with "!" is an exception
// (stored without the leading "!"); a line starting with "*." is a wildcard
// (stored without the leading "*."); anything else is a plain rule.
func Load(data string) *Index {
	idx := &Index{
		rules:      make(map[string]struct{}),
		wildcards:  make(map[string]struct{}),
		exceptions: make(map[string]struct{}),
	}
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "!"):
			idx.exceptions[strings.ToLower(line[1:])] = struct{}{}
		case strings.HasPrefix(line, "*."):
			idx.wildcards[strings.ToLower(line[2:])] = struct{}{}
		default:
			idx.rules[strings.ToLower(line)] = struct{}{}
		}
	}
	return idx
}

// asciiDomain normalizes a possibly-Unicode domain to lowercase ASCII
// (punycode) so PSL and DMARC alignment comparisons are bit-for-bit
// consistent regardless of how the domain arrived (From: header, DNS
// label). Domains that fail IDNA conversion (already-ASCII, malformed)
// fall back to a plain lowercase of the input.
func asciiDomain(domain string) string {
	if a, err := idna.Lookup.ToASCII(domain); err == nil {
		return strings.ToLower(a)
	}
	return strings.ToLower(domain)
}

// OrgDomain computes the organisational domain for domain per spec.md
// §4.C: lowercase and ASCII-normalize, split on ".", then scan candidate
// suffixes labels[i:] for i = 0, 1, ..., n-1 (longest first); at the first
// i where the candidate matches a rule in any set, exception wins over
// wildcard wins over plain rule, and the result is computed from that
// category. If nothing matches, the whole (normalized) domain is returned.
func (idx *Index) OrgDomain(domain string) string {
	domain = asciiDomain(domain)
	labels := strings.Split(domain, ".")
	n := len(labels)

	for i := 0; i < n; i++ {
		candidate := strings.Join(labels[i:], ".")

		if _, ok := idx.exceptions[candidate]; ok {
			return strings.Join(labels[i:], ".")
		}
		if _, ok := idx.wildcards[candidate]; ok {
			switch {
			case i == 0:
				return candidate
			case i == 1:
				return domain
			default:
				return strings.Join(labels[i-2:], ".")
			}
		}
		if _, ok := idx.rules[candidate]; ok {
			if i == 0 {
				return domain
			}
			return strings.Join(labels[i-1:], ".")
		}
	}

	return domain
}
