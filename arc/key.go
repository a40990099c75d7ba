package arc

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	"github.com/relaymesh/arcauth/arcerr"
	"github.com/relaymesh/arcauth/domainkey"
	"github.com/relaymesh/arcauth/resolver"
)

// fetchRSAKey fetches and decodes the RSA public key for selector/domain
// through the DNS adapter (component D). ARC never accepts an Ed25519 key
// — a=rsa-sha256 is the only algorithm this package signs or verifies.
func fetchRSAKey(ctx context.Context, res resolver.Resolver, selector, domain string) (*rsa.PublicKey, error) {
	raw, err := res.FetchKey(ctx, selector, domain)
	if err != nil {
		return nil, err
	}
	dk, err := domainkey.FromRecord(raw)
	if err != nil {
		return nil, arcerr.Wrap(arcerr.KeyUnavailable, fmt.Sprintf("key record for %s/%s", selector, domain), err)
	}
	decoded, err := base64.StdEncoding.DecodeString(dk.PublicKey)
	if err != nil {
		return nil, arcerr.Wrap(arcerr.KeyUnavailable, "key record base64 decode failed", err)
	}
	pub, err := domainkey.ParseDKIMPublicKey(decoded, dk.KeyType)
	if err != nil {
		return nil, arcerr.Wrap(arcerr.KeyUnavailable, "key record parse failed", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, arcerr.New(arcerr.KeyUnavailable, fmt.Sprintf("key for %s/%s is not RSA", selector, domain))
	}
	return rsaPub, nil
}
