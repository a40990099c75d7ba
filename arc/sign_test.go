package arc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/relaymesh/arcauth/message"
	"github.com/relaymesh/arcauth/resolver"
)

func keyRecordFor(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der) + ";"
}

func TestGenerateAndVerifyFirstHop(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	res := resolver.NewMock()
	res.AddKey("s1", "example.com", keyRecordFor(t, &priv.PublicKey))

	msg := &message.Message{
		Headers: []string{"Subject: hello", "From: a@example.com", "To: b@example.com"},
		Body:    []byte("hello world\r\n"),
	}

	aar := "i=1; mx.example.com; spf=pass"
	msg.Prepend("ARC-Authentication-Results: " + aar)

	amsTemplate := "i=; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=s1; t=; h=Subject:From:To; bh=; b="
	ams, err := GenerateAMS(msg, amsTemplate, priv, 1, 1700000000)
	if err != nil {
		t.Fatalf("GenerateAMS: %v", err)
	}

	sealTemplate := "i=; cv=; a=rsa-sha256; d=example.com; s=s1; t=; b="
	seal, err := GenerateSeal(map[int]*ArcSet{}, aar, ams, sealTemplate, priv, 1, 1700000000, ChainNone)
	if err != nil {
		t.Fatalf("GenerateSeal: %v", err)
	}

	msg.Prepend("ARC-Message-Signature: " + ams)
	// Prepend reorders headers to [new, ...old]; insert Seal above AMS to
	// keep AAR/AMS/Seal in their conventional top-to-bottom order.
	msg.Headers = append([]string{"ARC-Seal: " + seal}, msg.Headers...)

	cv, err := Validate(context.Background(), msg, res)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cv != ChainPass {
		t.Errorf("Validate() = %q, want pass", cv)
	}
}

// TestGenerateAMSEmitsSignedHeaderList pins spec.md §8 scenario 7: the h=
// tag goes out lowercased and " : "-joined, even though the template spells
// it as a plain colon-separated, title-cased list.
func TestGenerateAMSEmitsSignedHeaderList(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	msg := &message.Message{
		Headers: []string{"Subject: hello", "From: a@example.com", "To: b@example.com"},
		Body:    []byte("hello world\r\n"),
	}
	msg.Prepend("ARC-Authentication-Results: i=1; mx.example.com; spf=pass")

	amsTemplate := "i=; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=s1; t=; h=Subject:From:To; bh=; b="
	ams, err := GenerateAMS(msg, amsTemplate, priv, 1, 1700000000)
	if err != nil {
		t.Fatalf("GenerateAMS: %v", err)
	}
	if !strings.Contains(ams, "h=subject : from : to;") {
		t.Errorf("GenerateAMS() = %q, want it to contain %q", ams, "h=subject : from : to;")
	}
}

func TestGenerateAMSTamperedBodyFailsVerification(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	res := resolver.NewMock()
	res.AddKey("s1", "example.com", keyRecordFor(t, &priv.PublicKey))

	msg := &message.Message{
		Headers: []string{"Subject: hello", "From: a@example.com", "To: b@example.com"},
		Body:    []byte("hello world\r\n"),
	}
	aar := "i=1; mx.example.com; spf=pass"
	msg.Prepend("ARC-Authentication-Results: " + aar)

	amsTemplate := "i=; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=s1; t=; h=Subject:From:To; bh=; b="
	ams, err := GenerateAMS(msg, amsTemplate, priv, 1, 1700000000)
	if err != nil {
		t.Fatalf("GenerateAMS: %v", err)
	}
	sealTemplate := "i=; cv=; a=rsa-sha256; d=example.com; s=s1; t=; b="
	seal, err := GenerateSeal(map[int]*ArcSet{}, aar, ams, sealTemplate, priv, 1, 1700000000, ChainNone)
	if err != nil {
		t.Fatalf("GenerateSeal: %v", err)
	}
	msg.Prepend("ARC-Message-Signature: " + ams)
	msg.Headers = append([]string{"ARC-Seal: " + seal}, msg.Headers...)

	msg.Body = []byte("tampered body\r\n")

	cv, err := Validate(context.Background(), msg, res)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cv != ChainFail {
		t.Errorf("Validate() on tampered body = %q, want fail", cv)
	}
}
