package arc

import (
	"crypto"
	"strconv"

	"github.com/relaymesh/arcauth/internal/taglist"
	"github.com/relaymesh/arcauth/message"
)

// GenerateAMS implements spec.md §4.I's AMS generation: fill i=/t=/bh= into
// the template, rewrite h= into its signed form (lowercased names joined by
// " : ", spec.md §4.A/§8 scenario 7 — the template may spell it as a plain
// colon-separated list, but the header that goes out on the wire never
// does), build the signing data per §4.H.2 over msg's current headers
// (which must already include the AAR composed for this hop — see
// seal.Orchestrator), and sign. h= decides which headers are covered; the
// reference template lists Subject:From:To.
func GenerateAMS(msg *message.Message, template string, key crypto.Signer, instance int, timestamp int64) (string, error) {
	record, err := NewFromTemplate(template)
	if err != nil {
		return "", err
	}
	record.Set("i", strconv.Itoa(instance))
	record.Set("t", strconv.FormatInt(timestamp, 10))
	record.Set("bh", canonicalizedBodyHash(msg.Body))
	record.Set("h", taglist.FormatHeaderList(record.Headers()))

	data, err := buildAMSSigningData(msg, record, record.String())
	if err != nil {
		return "", err
	}

	sig, err := signSHA256(key, data)
	if err != nil {
		return "", err
	}
	record.Set("b", sig)

	return record.String(), nil
}

// GenerateSeal implements spec.md §4.I's Seal generation. It reuses
// buildSealSigningData — the same ascending 1..instance walk the verifier
// uses in §4.H.3 — applied with this hop's own AAR/AMS/Seal-placeholder
// folded into prior, so a later hop's verification reconstructs byte-for-
// byte what was signed here.
func GenerateSeal(priorSets map[int]*ArcSet, aarValue, amsValue, template string, key crypto.Signer, instance int, timestamp int64, cv ChainValidity) (string, error) {
	record, err := NewFromTemplate(template)
	if err != nil {
		return "", err
	}
	record.Set("i", strconv.Itoa(instance))
	record.Set("t", strconv.FormatInt(timestamp, 10))
	record.Set("cv", string(cv))

	sets := make(map[int]*ArcSet, len(priorSets)+1)
	for i, s := range priorSets {
		sets[i] = s
	}
	sets[instance] = &ArcSet{
		Instance: instance,
		AAR:      "ARC-Authentication-Results: " + aarValue,
		AMS:      "ARC-Message-Signature: " + amsValue,
		Seal:     "ARC-Seal: " + record.UnsignedString(),
	}

	data, err := buildSealSigningData(sets, instance)
	if err != nil {
		return "", err
	}

	sig, err := signSHA256(key, data)
	if err != nil {
		return "", err
	}
	record.Set("b", sig)

	return record.String(), nil
}
