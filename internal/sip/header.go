package sip

import "strings"

// compactForms maps RFC 3261 and RFC 3265 single-letter header names to
// their long forms.
var compactForms = map[string]string{
	"i": "Call-ID",
	"o": "Event",
	"c": "Content-Type",
	"e": "Content-Encoding",
	"l": "Content-Length",
	"f": "From",
	"t": "To",
	"m": "Contact",
	"v": "Via",
	"k": "Supported",
	"u": "Allow-Events",
}

// irregular holds canonical spellings that simple title-casing gets wrong.
var irregular = map[string]string{
	"call-id":          "Call-ID",
	"cseq":             "CSeq",
	"sip-etag":         "SIP-ETag",
	"sip-if-match":     "SIP-If-Match",
	"www-authenticate": "WWW-Authenticate",
}

// CanonicalHeaderKey returns the canonical spelling of a SIP header name,
// expanding compact forms: "i" and "call-id" both become "Call-ID".
func CanonicalHeaderKey(name string) string {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	if long, ok := compactForms[lower]; ok {
		return long
	}
	if c, ok := irregular[lower]; ok {
		return c
	}
	parts := strings.Split(lower, "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

// Header is a set of SIP header fields keyed by canonical name. Repeated
// fields are folded into one comma-separated value.
type Header map[string]string

// NormalizeHeader copies h with every key canonicalized.
func NormalizeHeader(h map[string]string) Header {
	out := make(Header, len(h))
	for k, v := range h {
		out.Add(k, v)
	}
	return out
}

// Get returns the value of the named field, or "" when absent.
func (h Header) Get(name string) string {
	return strings.TrimSpace(h[CanonicalHeaderKey(name)])
}

// Has reports whether the named field is present, even if empty.
func (h Header) Has(name string) bool {
	_, ok := h[CanonicalHeaderKey(name)]
	return ok
}

// Set replaces the named field.
func (h Header) Set(name, value string) {
	h[CanonicalHeaderKey(name)] = value
}

// Add appends value to the named field.
func (h Header) Add(name, value string) {
	k := CanonicalHeaderKey(name)
	if prev, ok := h[k]; ok && prev != "" {
		h[k] = prev + ", " + value
		return
	}
	h[k] = value
}

// Del removes the named field.
func (h Header) Del(name string) {
	delete(h, CanonicalHeaderKey(name))
}
