package arc

import "testing"

func TestParseSignatureRecordAccessors(t *testing.T) {
	raw := "i=2; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=s1; t=1700000000; h=Subject:From:To; bh=abc123; b=def456"
	r, err := ParseSignatureRecord(raw)
	if err != nil {
		t.Fatalf("ParseSignatureRecord: %v", err)
	}
	if inst, err := r.Instance(); err != nil || inst != 2 {
		t.Errorf("Instance() = %d, %v, want 2, nil", inst, err)
	}
	if r.Algorithm() != AlgorithmRSASHA256 {
		t.Errorf("Algorithm() = %q", r.Algorithm())
	}
	if r.Domain() != "example.com" {
		t.Errorf("Domain() = %q", r.Domain())
	}
	if r.Selector() != "s1" {
		t.Errorf("Selector() = %q", r.Selector())
	}
	if r.BodyHash() != "abc123" {
		t.Errorf("BodyHash() = %q", r.BodyHash())
	}
	if r.Signature() != "def456" {
		t.Errorf("Signature() = %q", r.Signature())
	}
	want := []string{"Subject", "From", "To"}
	got := r.Headers()
	if len(got) != len(want) {
		t.Fatalf("Headers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Headers()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSignatureRecordChainValidity(t *testing.T) {
	r, err := ParseSignatureRecord("i=1; cv=none; a=rsa-sha256; d=example.com; s=s1; t=1; b=")
	if err != nil {
		t.Fatalf("ParseSignatureRecord: %v", err)
	}
	if r.ChainValidity() != ChainNone {
		t.Errorf("ChainValidity() = %q, want none", r.ChainValidity())
	}
}

func TestSignatureRecordValidateExpiry(t *testing.T) {
	r, err := ParseSignatureRecord("i=1; a=rsa-sha256; d=example.com; s=s1; t=100; x=200; b=")
	if err != nil {
		t.Fatalf("ParseSignatureRecord: %v", err)
	}
	if err := r.Validate(150); err != nil {
		t.Errorf("Validate(150) with x=200 = %v, want nil", err)
	}
	if err := r.Validate(250); err == nil {
		t.Error("Validate(250) with x=200 = nil, want expired error")
	}
}

func TestNewFromTemplatePreservesOrder(t *testing.T) {
	template := "i=; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=s1; t=; h=Subject:From:To; bh=; b="
	r, err := NewFromTemplate(template)
	if err != nil {
		t.Fatalf("NewFromTemplate: %v", err)
	}
	r.Set("i", "1")
	r.Set("t", "1700000000")
	r.Set("bh", "xyz")
	r.Set("b", "sig")
	want := "i=1; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=s1; t=1700000000; h=Subject:From:To; bh=xyz; b=sig"
	if got := r.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
