package authres

import (
	"context"
	"strings"
	"testing"

	"github.com/relaymesh/arcauth/message"
	"github.com/relaymesh/arcauth/psl"
	"github.com/relaymesh/arcauth/resolver"
)

func TestSpfDomain(t *testing.T) {
	if got := spfDomain("user@example.com", "mail.example.net"); got != "example.com" {
		t.Errorf("spfDomain with envelope from = %q, want example.com", got)
	}
	if got := spfDomain("", "mail.example.net"); got != "mail.example.net" {
		t.Errorf("spfDomain with null reverse path = %q, want mail.example.net", got)
	}
}

func TestVerifyDKIMNoSignature(t *testing.T) {
	msg := message.Parse([]byte("From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n"))
	res := resolver.NewMock()

	full, domain, pass, err := verifyDKIM(context.Background(), msg, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full != noValidSignature {
		t.Errorf("full = %q, want %q", full, noValidSignature)
	}
	if domain != "" || pass {
		t.Errorf("domain/pass = %q/%v, want empty/false", domain, pass)
	}
}

func TestComposeNoDKIMNoDMARCPolicy(t *testing.T) {
	msg := message.Parse([]byte("From: a@example.com\r\nSubject: hi\r\n\r\nbody\r\n"))
	res := resolver.NewMock()
	res.AddSPF("mail.example.net", "a@example.com", "10.0.0.1", "pass")
	idx := psl.LoadDefault()

	line, err := Compose(context.Background(), msg, "mx.example.org", "mail.example.net", "a@example.com", "10.0.0.1", res, idx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(line, "mx.example.org; spf=pass; dkim=fail (no valid signature records); dmarc=none (p=none) header.from=example.com") {
		t.Errorf("unexpected Authentication-Results line: %q", line)
	}
}

func TestEvaluateDMARCMissingFrom(t *testing.T) {
	msg := message.Parse([]byte("Subject: hi\r\n\r\nbody\r\n"))
	res := resolver.NewMock()
	idx := psl.LoadDefault()

	if _, _, err := evaluateDMARC(context.Background(), msg, res, idx, "example.com", true, "example.com", true); err == nil {
		t.Fatal("expected error for message with no From header")
	}
}
