package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	wsseNS = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	wsuNS  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"

	passwordDigestType = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-username-token-profile-1.0#PasswordDigest"
	base64BinaryType   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
)

// TokenGenerator builds WS-Security UsernameToken fragments. Each call draws
// a fresh nonce and timestamp; generators are cheap and should be created
// per use rather than shared.
type TokenGenerator struct {
	rand io.Reader
	now  func() time.Time
}

func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{rand: rand.Reader, now: time.Now}
}

// UsernameToken returns a wsse:Security fragment carrying the password
// digest base64(SHA-1(nonce + created + password)) under the 2004/01
// WS-Security namespaces.
func (g *TokenGenerator) UsernameToken(username, password string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := io.ReadFull(g.rand, nonce); err != nil {
		return "", fmt.Errorf("generate wsse nonce: %w", err)
	}
	created := g.now().UTC().Format("2006-01-02T15:04:05Z")

	h := sha1.New()
	h.Write(nonce)
	h.Write([]byte(created))
	h.Write([]byte(password))
	digest := base64.StdEncoding.EncodeToString(h.Sum(nil))

	return fmt.Sprintf(
		`<wsse:Security xmlns:wsse="%s" xmlns:wsu="%s">`+
			`<wsse:UsernameToken>`+
			`<wsse:Username>%s</wsse:Username>`+
			`<wsse:Password Type="%s">%s</wsse:Password>`+
			`<wsse:Nonce EncodingType="%s">%s</wsse:Nonce>`+
			`<wsu:Created>%s</wsu:Created>`+
			`</wsse:UsernameToken>`+
			`</wsse:Security>`,
		wsseNS, wsuNS,
		xmlEscape(username),
		passwordDigestType, digest,
		base64BinaryType, base64.StdEncoding.EncodeToString(nonce),
		created,
	), nil
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string {
	return xmlEscaper.Replace(s)
}
