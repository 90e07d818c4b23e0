package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrAllSchemesRejected is returned by Negotiate when every scheme in the
// fallback order was refused by the target.
var ErrAllSchemesRejected = errors.New("all authentication schemes rejected")

// Target describes one authentication attempt destination: a SOAP endpoint
// and the envelope to send. The envelope must not already carry a security
// header; the WS-Security strategy injects its own.
type Target struct {
	Client   *http.Client
	Endpoint string
	Action   string
	Body     string
}

// Strategy is one authentication scheme attempt. ok reports whether the
// target accepted the request; next carries a challenge parsed from the
// response, if any, so later schemes see the freshest nonce.
type Strategy interface {
	Scheme() Scheme
	Attempt(ctx context.Context, t *Target, ch *Challenge, username, password string) (ok bool, next *Challenge, reason string, err error)
}

// Negotiator tries schemes in a fixed order, stopping at the first one the
// target accepts. Adding a scheme means appending a Strategy, not touching
// pipeline logic.
type Negotiator struct {
	strategies []Strategy
}

// NewNegotiator returns a negotiator with the standard fallback order:
// None, Basic, Digest, WS-Security.
func NewNegotiator() *Negotiator {
	return &Negotiator{strategies: []Strategy{
		noneStrategy{},
		basicStrategy{},
		digestStrategy{},
		wsseStrategy{},
	}}
}

// Negotiate runs the fallback order against t with the given credential.
// On success it returns the accepted scheme. Exhaustion returns
// ErrAllSchemesRejected wrapped with the last rejection reason; transport
// failures are returned as-is.
func (n *Negotiator) Negotiate(ctx context.Context, t *Target, username, password string) (Scheme, error) {
	var ch *Challenge
	lastReason := "no scheme attempted"

	for _, s := range n.strategies {
		ok, next, reason, err := s.Attempt(ctx, t, ch, username, password)
		if err != nil {
			return SchemeNone, fmt.Errorf("%s attempt: %w", s.Scheme(), err)
		}
		if ok {
			return s.Scheme(), nil
		}
		if next != nil {
			ch = next
		}
		lastReason = fmt.Sprintf("%s: %s", s.Scheme(), reason)
	}
	return SchemeNone, fmt.Errorf("%w (last: %s)", ErrAllSchemesRejected, lastReason)
}

// send issues the request and reports the status plus any challenge parsed
// from the response. The body is drained so the connection can be reused.
func send(ctx context.Context, t *Target, body string, authorize func(*http.Request)) (int, *Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, strings.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	if t.Action != "" {
		req.Header.Set("SOAPAction", t.Action)
	}
	if authorize != nil {
		authorize(req)
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, ParseChallenge(resp.Header.Get("WWW-Authenticate")), nil
}

func accepted(status int) bool { return status >= 200 && status < 300 }

type noneStrategy struct{}

func (noneStrategy) Scheme() Scheme { return SchemeNone }

func (noneStrategy) Attempt(ctx context.Context, t *Target, _ *Challenge, _, _ string) (bool, *Challenge, string, error) {
	status, ch, err := send(ctx, t, t.Body, nil)
	if err != nil {
		return false, nil, "", err
	}
	return accepted(status), ch, fmt.Sprintf("HTTP %d", status), nil
}

type basicStrategy struct{}

func (basicStrategy) Scheme() Scheme { return SchemeBasic }

func (basicStrategy) Attempt(ctx context.Context, t *Target, _ *Challenge, username, password string) (bool, *Challenge, string, error) {
	status, ch, err := send(ctx, t, t.Body, func(req *http.Request) {
		req.Header.Set("Authorization", BasicAuthorization(username, password))
	})
	if err != nil {
		return false, nil, "", err
	}
	return accepted(status), ch, fmt.Sprintf("HTTP %d", status), nil
}

type digestStrategy struct{}

func (digestStrategy) Scheme() Scheme { return SchemeDigest }

func (digestStrategy) Attempt(ctx context.Context, t *Target, ch *Challenge, username, password string) (bool, *Challenge, string, error) {
	if ch == nil || ch.Scheme != SchemeDigest || !ch.Valid() {
		return false, nil, "no usable digest challenge", nil
	}
	header, err := DigestAuthorization(username, password, ch, http.MethodPost, requestURI(t.Endpoint))
	if err != nil {
		return false, nil, err.Error(), nil
	}
	status, next, err := send(ctx, t, t.Body, func(req *http.Request) {
		req.Header.Set("Authorization", header)
	})
	if err != nil {
		return false, nil, "", err
	}
	return accepted(status), next, fmt.Sprintf("HTTP %d", status), nil
}

type wsseStrategy struct{}

func (wsseStrategy) Scheme() Scheme { return SchemeWSSE }

func (wsseStrategy) Attempt(ctx context.Context, t *Target, _ *Challenge, username, password string) (bool, *Challenge, string, error) {
	token, err := NewTokenGenerator().UsernameToken(username, password)
	if err != nil {
		return false, nil, "", err
	}
	body, ok := InjectSecurityHeader(t.Body, token)
	if !ok {
		return false, nil, "envelope has no body element to attach a security header to", nil
	}
	status, ch, err := send(ctx, t, body, nil)
	if err != nil {
		return false, nil, "", err
	}
	return accepted(status), ch, fmt.Sprintf("HTTP %d", status), nil
}

// InjectSecurityHeader inserts a SOAP header carrying sec ahead of the
// envelope's Body element.
func InjectSecurityHeader(envelope, sec string) (string, bool) {
	for _, marker := range []string{"<s:Body", "<soap:Body", "<Body"} {
		if i := strings.Index(envelope, marker); i >= 0 {
			prefix := "s"
			if marker == "<soap:Body" {
				prefix = "soap"
			}
			header := fmt.Sprintf("<%s:Header>%s</%s:Header>", prefix, sec, prefix)
			if marker == "<Body" {
				header = "<Header>" + sec + "</Header>"
			}
			return envelope[:i] + header + envelope[i:], true
		}
	}
	return envelope, false
}

func requestURI(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.RequestURI() == "" {
		return "/"
	}
	return u.RequestURI()
}
