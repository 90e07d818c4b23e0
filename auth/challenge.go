// Package auth parses WWW-Authenticate challenges and builds Basic, Digest
// and WS-Security credentials for camera management and streaming services.
package auth

import (
	"strings"
)

// Scheme identifies an authentication scheme.
type Scheme int

const (
	SchemeNone Scheme = iota
	SchemeBasic
	SchemeDigest
	SchemeWSSE
)

func (s Scheme) String() string {
	switch s {
	case SchemeNone:
		return "None"
	case SchemeBasic:
		return "Basic"
	case SchemeDigest:
		return "Digest"
	case SchemeWSSE:
		return "WS-Security"
	}
	return "Unknown"
}

func (s Scheme) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Realm used when a Basic challenge omits one.
const fallbackRealm = "IP Camera"

// Challenge is a parsed WWW-Authenticate header value.
type Challenge struct {
	Scheme    Scheme
	Realm     string
	Nonce     string
	Opaque    string
	QOP       string
	Algorithm string
	Stale     string
}

// Valid reports whether the challenge carries enough material to answer it.
// Basic is always answerable; Digest needs both realm and nonce.
func (c *Challenge) Valid() bool {
	if c == nil {
		return false
	}
	switch c.Scheme {
	case SchemeBasic:
		return true
	case SchemeDigest:
		return c.Realm != "" && c.Nonce != ""
	}
	return false
}

// ParseChallenge parses a raw WWW-Authenticate value. Unrecognized or empty
// input yields nil, not an error: the caller treats that as "scheme not
// determinable" and moves on.
func ParseChallenge(header string) *Challenge {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}
	lower := strings.ToLower(header)
	switch {
	case strings.HasPrefix(lower, "basic"):
		return parseBasicChallenge(header[len("basic"):])
	case strings.HasPrefix(lower, "digest"):
		return parseDigestChallenge(header[len("digest"):])
	}
	return nil
}

func parseBasicChallenge(rest string) *Challenge {
	ch := &Challenge{Scheme: SchemeBasic, Realm: fallbackRealm}
	for _, field := range splitChallengeFields(rest) {
		key, raw, ok := cutField(field)
		if ok && strings.EqualFold(key, "realm") {
			if v := extractValue(raw); v != "" {
				ch.Realm = v
			}
		}
	}
	return ch
}

func parseDigestChallenge(rest string) *Challenge {
	ch := &Challenge{Scheme: SchemeDigest}
	for _, field := range splitChallengeFields(rest) {
		key, raw, ok := cutField(field)
		if !ok {
			continue
		}
		v := extractValue(raw)
		switch strings.ToLower(key) {
		case "realm":
			ch.Realm = v
		case "nonce":
			ch.Nonce = v
		case "opaque":
			ch.Opaque = v
		case "qop":
			ch.QOP = v
		case "algorithm":
			ch.Algorithm = v
		case "stale":
			ch.Stale = v
		}
	}
	return ch
}

func cutField(field string) (key, value string, ok bool) {
	i := strings.IndexByte(field, '=')
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(field[:i]), strings.TrimSpace(field[i+1:]), true
}

// splitChallengeFields splits a challenge parameter list on commas, skipping
// commas inside double quotes. A single left-to-right scan tracks quote and
// backslash-escape state per character.
func splitChallengeFields(s string) []string {
	var fields []string
	var buf strings.Builder
	inQuote, escaped := false, false

	flush := func() {
		if f := strings.TrimSpace(buf.String()); f != "" {
			fields = append(fields, f)
		}
		buf.Reset()
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
			buf.WriteByte(c)
		case c == '\\':
			escaped = true
			buf.WriteByte(c)
		case c == '"':
			inQuote = !inQuote
			buf.WriteByte(c)
		case c == ',' && !inQuote:
			flush()
		default:
			buf.WriteByte(c)
		}
	}
	flush()
	return fields
}

// extractValue recovers a parameter value from its raw token. Preference
// order: a fully quoted value, an escaped-quote wrapped value, the span
// between the first and last quote anywhere in the token, and finally the
// unquoted prefix up to the first space, comma or semicolon.
func extractValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		return raw[1 : len(raw)-1]
	}
	if strings.HasPrefix(raw, `\"`) && strings.HasSuffix(raw, `\"`) && len(raw) >= 4 {
		inner := raw[2 : len(raw)-2]
		return strings.ReplaceAll(inner, `\"`, `"`)
	}
	if i := strings.IndexByte(raw, '"'); i >= 0 {
		if j := strings.LastIndexByte(raw, '"'); j > i {
			return raw[i+1 : j]
		}
	}
	if i := strings.IndexAny(raw, " ,;"); i >= 0 {
		return raw[:i]
	}
	return raw
}
