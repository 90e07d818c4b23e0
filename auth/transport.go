package auth

import (
	"bytes"
	"io"
	"net/http"
)

// Transport is an http.RoundTripper that answers Basic and Digest
// challenges transparently: the first 401 response is consumed, the
// challenge parsed, and the request replayed once with an Authorization
// header. Requests without a replayable body pass through untouched after
// the first attempt.
type Transport struct {
	Username string
	Password string
	Next     http.RoundTripper
}

// NewTransport returns a challenge-answering transport over
// http.DefaultTransport.
func NewTransport(username, password string) *Transport {
	return &Transport{Username: username, Password: password}
}

func (t *Transport) next() http.RoundTripper {
	if t.Next != nil {
		return t.Next
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var bodyCopy []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		bodyCopy = b
		req.Body = io.NopCloser(bytes.NewReader(bodyCopy))
	}

	resp, err := t.next().RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	ch := ParseChallenge(resp.Header.Get("WWW-Authenticate"))
	var header string
	switch {
	case ch == nil:
		return resp, nil
	case ch.Scheme == SchemeBasic:
		header = BasicAuthorization(t.Username, t.Password)
	case ch.Scheme == SchemeDigest && ch.Valid():
		header, err = DigestAuthorization(t.Username, t.Password, ch, req.Method, requestURI(req.URL.String()))
		if err != nil {
			return resp, nil
		}
	default:
		return resp, nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if bodyCopy != nil {
		retry.Body = io.NopCloser(bytes.NewReader(bodyCopy))
		retry.ContentLength = int64(len(bodyCopy))
	}
	retry.Header.Set("Authorization", header)
	return t.next().RoundTrip(retry)
}
