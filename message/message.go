// Package message provides the minimal view over a mail message that the
// ARC/DMARC suite needs: an ordered list of header fields and a body byte
// stream (spec.md §6). Full MIME structure — multipart boundaries, content
// transfer encoding, attachments — is the out-of-scope MIME parser
// collaborator named in spec.md §1 and is deliberately not reimplemented
// here; ARC, DKIM and DMARC never look past the top-level headers and the
// raw body bytes.
package message

import (
	"bytes"
	"strings"
)

// Message is an ordered header list plus a raw body, as RFC 5322 + RFC
// 8617 operate on them.
type Message struct {
	// Headers holds each header field as "Name: value" (folding
	// preserved, no trailing CRLF), in the order they appeared on the
	// wire. Prepending is used when a new ARC set or AAR is attached
	// (spec.md §4.J step 5: the new headers go above the existing ones).
	Headers []string
	// Body is the raw bytes following the header/body blank line,
	// exactly as received (no canonicalization applied yet).
	Body []byte
}

// Parse splits raw RFC 5322 message bytes into headers and body. Header
// folding (a line starting with SP/TAB continuing the previous header) is
// preserved verbatim inside each returned header string; canonicalization
// happens later, in internal/canonical.
func Parse(raw []byte) *Message {
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))
	lines := strings.Split(string(raw), "\n")

	var headers []string
	var cur strings.Builder
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && cur.Len() > 0 {
			cur.WriteString("\r\n")
			cur.WriteString(line)
			continue
		}
		if cur.Len() > 0 {
			headers = append(headers, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		headers = append(headers, cur.String())
	}

	body := strings.Join(lines[i:], "\r\n")
	return &Message{Headers: headers, Body: []byte(body)}
}

// Get returns the value (everything after the first ":") of the first
// header matching name, case-insensitively.
func (m *Message) Get(name string) (string, bool) {
	for _, h := range m.Headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// GetAll returns every header field (full "Name: value" string) matching
// name, case-insensitively, in wire order.
func (m *Message) GetAll(name string) []string {
	var out []string
	for _, h := range m.Headers {
		k, _, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), name) {
			out = append(out, h)
		}
	}
	return out
}

// Prepend adds a new header field to the very top of the message, as
// spec.md §4.J does for a freshly composed AAR/AMS/Seal.
func (m *Message) Prepend(header string) {
	m.Headers = append([]string{header}, m.Headers...)
}

// Serialize reconstructs RFC 5322 wire bytes from Headers and Body.
func (m *Message) Serialize() []byte {
	var b bytes.Buffer
	for _, h := range m.Headers {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(m.Body)
	return b.Bytes()
}
