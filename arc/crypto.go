package arc

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/relaymesh/arcauth/internal/canonical"
)

// canonicalizeBodyValue runs value through the relaxed body canonicalizer
// (internal/canonical.RelaxedBody) instead of the header canonicalizer.
//
// This is the deliberate quirk spec.md §4.H.3/§4.I.2 preserves for Seal
// signing data: the source applies its body-canonicalization routine to
// header tag-list values rather than the (RFC 8617-correct) header
// canonicalizer. The result always ends in exactly one CRLF, by the body
// canonicalizer's own contract.
func canonicalizeBodyValue(value string) string {
	var buf bytes.Buffer
	w := canonical.RelaxedBody(&buf)
	_, _ = w.Write([]byte(value))
	_ = w.Close()
	return buf.String()
}

// canonicalizedBodyHash computes base64(SHA-256(canonicalize_body(body))),
// the bh= tag value.
func canonicalizedBodyHash(body []byte) string {
	h := sha256.New()
	w := canonical.RelaxedBody(h)
	_, _ = w.Write(body)
	_ = w.Close()
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// signSHA256 signs data's SHA-256 digest with an RSA private key and
// returns the base64-encoded signature.
func signSHA256(key crypto.Signer, data string) (string, error) {
	sum := sha256.Sum256([]byte(data))
	sig, err := key.Sign(rand.Reader, sum[:], crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("arc: rsa sign failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// verifySHA256 verifies an RSA-SHA256 signature over data.
func verifySHA256(pub *rsa.PublicKey, data string, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("arc: invalid base64 signature: %w", err)
	}
	sum := sha256.Sum256([]byte(data))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig); err != nil {
		return fmt.Errorf("arc: rsa signature verification failed: %w", err)
	}
	return nil
}
