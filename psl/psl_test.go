package psl

import "testing"

func TestOrgDomain(t *testing.T) {
	idx := LoadDefault()

	cases := []struct {
		domain string
		want   string
	}{
		{"example.com", "example.com"},
		{"bbb.aaa.example.com", "example.com"},
		{"bar.foo.abc.sapporo.jp", "foo.abc.sapporo.jp"},
		{"abc.city.sapporo.jp", "city.sapporo.jp"},
		{"a.www.ck", "www.ck"},
	}

	for _, c := range cases {
		got := idx.OrgDomain(c.domain)
		if got != c.want {
			t.Errorf("OrgDomain(%q) = %q, want %q", c.domain, got, c.want)
		}
	}
}

func TestOrgDomainIdempotent(t *testing.T) {
	idx := LoadDefault()
	for _, d := range []string{"example.com", "bar.foo.abc.sapporo.jp", "a.www.ck"} {
		first := idx.OrgDomain(d)
		second := idx.OrgDomain(first)
		if first != second {
			t.Errorf("OrgDomain not idempotent for %q: %q then %q", d, first, second)
		}
	}
}

func TestLoadSkipsCommentsAndBlankLines(t *testing.T) {
	idx := Load("// a comment\n\ncom\n*.ck\n!www.ck\n")
	if _, ok := idx.rules["com"]; !ok {
		t.Fatal("expected \"com\" to be parsed as a rule")
	}
	if _, ok := idx.wildcards["ck"]; !ok {
		t.Fatal("expected \"ck\" to be parsed as a wildcard")
	}
	if _, ok := idx.exceptions["www.ck"]; !ok {
		t.Fatal("expected \"www.ck\" to be parsed as an exception")
	}
}
