package sip

import (
	"fmt"
	"net/netip"
	"strings"
)

// URI is the subset of a SIP URI needed to derive an address of record.
type URI struct {
	Scheme string
	User   string
	Host   string
	Port   string
}

// ParseURI parses sip:, sips: and tel: URIs. A name-addr such as
// `"Bob" <sip:bob@example.com>;tag=1` is accepted and reduced to its URI.
func ParseURI(s string) (*URI, error) {
	s = AddressURI(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("sip: uri %q has no scheme", s)
	}
	u := &URI{Scheme: strings.ToLower(scheme)}
	switch u.Scheme {
	case "sip", "sips":
	case "tel":
		u.User, _, _ = strings.Cut(rest, ";")
		return u, nil
	default:
		return nil, fmt.Errorf("sip: unsupported uri scheme %q", scheme)
	}

	if i := strings.IndexAny(rest, ";?"); i >= 0 {
		rest = rest[:i]
	}
	if at := strings.LastIndexByte(rest, '@'); at >= 0 {
		u.User, _, _ = strings.Cut(rest[:at], ":") // drop password
		rest = rest[at+1:]
	}

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return nil, fmt.Errorf("sip: unterminated IPv6 reference in %q", s)
		}
		u.Host = rest[1:end]
		u.Port = strings.TrimPrefix(rest[end+1:], ":")
	} else {
		u.Host, u.Port, _ = strings.Cut(rest, ":")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("sip: uri %q has no host", s)
	}
	return u, nil
}

// AddressURI extracts the URI from a From/To/Contact field value.
func AddressURI(v string) string {
	v = strings.TrimSpace(v)
	if i := strings.IndexByte(v, '<'); i >= 0 {
		if j := strings.IndexByte(v[i:], '>'); j > 0 {
			return v[i+1 : i+j]
		}
	}
	// addr-spec form: parameters after ';' belong to the header, not the URI.
	if i := strings.IndexByte(v, ';'); i >= 0 {
		return v[:i]
	}
	return v
}

// DomainPolicy selects how a configured domain overrides the URI host when
// deriving an address of record.
type DomainPolicy string

const (
	// PolicyIPLiteral keeps bare IP hosts as-is and substitutes the
	// configured domain for every other host.
	PolicyIPLiteral DomainPolicy = "ip-literal"
	// PolicyAlways substitutes the configured domain for every host.
	PolicyAlways DomainPolicy = "always"
)

// IsValid reports whether p is a known policy.
func (p DomainPolicy) IsValid() bool {
	return p == PolicyIPLiteral || p == PolicyAlways
}

// Resolver derives canonical user@domain addresses of record.
type Resolver struct {
	Domain string
	Policy DomainPolicy
}

// AOR resolves a request URI or name-addr into "user@domain".
func (r Resolver) AOR(s string) (string, error) {
	u, err := ParseURI(s)
	if err != nil {
		return "", err
	}
	if u.Scheme == "tel" {
		if r.Domain == "" {
			return u.User, nil
		}
		return u.User + "@" + r.Domain, nil
	}

	domain := u.Host
	switch {
	case r.Domain == "":
	case r.Policy == PolicyAlways:
		domain = r.Domain
	case !isIPLiteral(u.Host):
		domain = r.Domain
	}
	if u.User == "" {
		return domain, nil
	}
	return u.User + "@" + domain, nil
}

func isIPLiteral(host string) bool {
	_, err := netip.ParseAddr(host)
	return err == nil
}
