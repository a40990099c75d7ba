package seal

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"strconv"
	"testing"

	"github.com/relaymesh/arcauth/arc"
	"github.com/relaymesh/arcauth/message"
	"github.com/relaymesh/arcauth/psl"
	"github.com/relaymesh/arcauth/resolver"
)

func keyRecord(t *testing.T, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der) + ";"
}

func TestSealRoundTripFirstHop(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	res := resolver.NewMock()
	res.AddKey("s1", "example.com", keyRecord(t, &priv.PublicKey))
	res.AddSPF("mail.example.com", "a@example.com", "203.0.113.9", "pass")
	idx := psl.LoadDefault()

	cfg := Config{
		AuthServiceID: "mx.example.com",
		AMSTemplate:   "i=; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=s1; t=; h=Subject:From:To; bh=; b=",
		SealTemplate:  "i=; cv=; a=rsa-sha256; d=example.com; s=s1; t=; b=",
		PrivateKey:    priv,
	}
	fixedNow := func() int64 { return 1700000000 }
	orch := New(cfg, res, idx, fixedNow, nil)

	msg := message.Parse([]byte("Subject: hello\r\nFrom: a@example.com\r\nTo: b@example.com\r\n\r\nbody text\r\n"))

	result, err := orch.Seal(context.Background(), msg, "mail.example.com", "a@example.com", "203.0.113.9")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	sealed, err := arc.ParseSignatureRecord(result.ArcSeal)
	if err != nil {
		t.Fatalf("parse generated seal: %v", err)
	}
	if cv := sealed.ChainValidity(); cv != arc.ChainNone {
		t.Errorf("first hop cv = %q, want none", cv)
	}
	if inst, _ := sealed.Instance(); inst != 1 {
		t.Errorf("first hop instance = %d, want 1", inst)
	}

	working := &message.Message{Headers: append([]string{}, msg.Headers...), Body: msg.Body}
	result.Attach(working)

	gotCV, err := arc.Validate(context.Background(), working, res)
	if err != nil {
		t.Fatalf("Validate sealed message: %v", err)
	}
	if gotCV != arc.ChainPass {
		t.Errorf("re-verifying freshly sealed message = %q, want pass", gotCV)
	}
}

func TestSealRejectsOversizedChain(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	res := resolver.NewMock()
	res.AddKey("s1", "example.com", keyRecord(t, &priv.PublicKey))
	res.AddSPF("mail.example.com", "a@example.com", "203.0.113.9", "pass")
	idx := psl.LoadDefault()

	cfg := Config{
		AuthServiceID: "mx.example.com",
		AMSTemplate:   "i=; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=s1; t=; h=Subject:From:To; bh=; b=",
		SealTemplate:  "i=; cv=; a=rsa-sha256; d=example.com; s=s1; t=; b=",
		PrivateKey:    priv,
	}
	orch := New(cfg, res, idx, func() int64 { return 1700000000 }, nil)

	var headers []string
	for i := 1; i <= arc.MaxChainLength; i++ {
		cv := "pass"
		if i == 1 {
			cv = "none"
		}
		n := strconv.Itoa(i)
		headers = append(headers,
			"ARC-Authentication-Results: i="+n+"; mx.example.com; spf=pass",
			"ARC-Message-Signature: i="+n+"; a=rsa-sha256; c=relaxed/relaxed; d=example.com; s=s1; t=1; h=Subject; bh=xx; b=xx",
			"ARC-Seal: i="+n+"; cv="+cv+"; a=rsa-sha256; d=example.com; s=s1; t=1; b=xx",
		)
	}
	msg := &message.Message{Headers: headers, Body: []byte("body\r\n")}

	if _, err := orch.Seal(context.Background(), msg, "mail.example.com", "a@example.com", "203.0.113.9"); err == nil {
		t.Fatal("expected error sealing a chain already at MaxChainLength")
	}
}
