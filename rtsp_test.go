package camaudit

import (
	"bufio"
	"context"
	"crypto/md5"
	"fmt"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/nvrsec/camaudit/auth"
)

const sampleSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 192.168.1.64\r\n" +
	"s=Media Presentation\r\n" +
	"b=AS:4096\r\n" +
	"m=video 0 RTP/AVP 96\r\n" +
	"a=rtpmap:96 H264/90000\r\n" +
	"a=framesize:96 1920-1080\r\n" +
	"a=framerate:25.0\r\n"

func TestParseSDP(t *testing.T) {
	info := parseSDP(sampleSDP)
	if info.SessionName != "Media Presentation" {
		t.Errorf("session name = %q", info.SessionName)
	}
	if info.Codec != "H264" {
		t.Errorf("codec = %q", info.Codec)
	}
	if info.Resolution != "1920x1080" {
		t.Errorf("resolution = %q", info.Resolution)
	}
	if info.BitrateKbps != 4096 {
		t.Errorf("bitrate = %d", info.BitrateKbps)
	}
	if info.FrameRate != 25.0 {
		t.Errorf("framerate = %v", info.FrameRate)
	}
}

func TestParseSDPEmpty(t *testing.T) {
	info := parseSDP("")
	if info != (sdpInfo{}) {
		t.Fatalf("got %+v from empty body", info)
	}
}

func TestRTSPHostPort(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"rtsp://192.168.1.64/live", "192.168.1.64:554"},
		{"rtsp://192.168.1.64:8554/live", "192.168.1.64:8554"},
		{"rtsp://192.168.1.64", "192.168.1.64:554"},
	}
	for _, c := range cases {
		got, err := rtspHostPort(c.url)
		if err != nil || got != c.want {
			t.Errorf("rtspHostPort(%q) = %q, %v; want %q", c.url, got, err, c.want)
		}
	}
	for _, bad := range []string{"http://192.168.1.64/live", "rtsp://", ""} {
		if _, err := rtspHostPort(bad); err == nil {
			t.Errorf("rtspHostPort(%q) succeeded", bad)
		}
	}
}

// fakeRTSPServer answers DESCRIBE requests; respond decides the reply from
// the raw request text. Each connection carries one request.
func fakeRTSPServer(t *testing.T, respond func(request string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				var req strings.Builder
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					req.WriteString(line)
					if line == "\r\n" {
						break
					}
				}
				c.Write([]byte(respond(req.String())))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func rtspOK(body string) string {
	return fmt.Sprintf("RTSP/1.0 200 OK\r\nCSeq: 1\r\nContent-Type: application/sdp\r\nContent-Length: %d\r\n\r\n%s",
		len(body), body)
}

func TestDescribeRTSPUnauthenticated(t *testing.T) {
	addr := fakeRTSPServer(t, func(string) string { return rtspOK(sampleSDP) })

	out := describeRTSP(context.Background(), "rtsp://"+addr+"/live", Credential{}, time.Second)
	if !out.OK {
		t.Fatalf("not OK: %s", out.Reason)
	}
	if out.Scheme != auth.SchemeNone {
		t.Fatalf("scheme = %s", out.Scheme)
	}
	if out.SessionName != "Media Presentation" || out.SDP.Codec != "H264" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestDescribeRTSPBasic(t *testing.T) {
	addr := fakeRTSPServer(t, func(req string) string {
		if strings.Contains(req, "Authorization: "+auth.BasicAuthorization("admin", "12345")) {
			return rtspOK(sampleSDP)
		}
		return "RTSP/1.0 401 Unauthorized\r\nCSeq: 1\r\nWWW-Authenticate: Basic realm=\"cam\"\r\n\r\n"
	})

	out := describeRTSP(context.Background(), "rtsp://"+addr+"/live",
		Credential{Username: "admin", Password: "12345"}, time.Second)
	if !out.OK || out.Scheme != auth.SchemeBasic {
		t.Fatalf("outcome = %+v", out)
	}
}

var digestResponseParam = regexp.MustCompile(`response="([0-9a-f]{32})"`)

func TestDescribeRTSPDigest(t *testing.T) {
	const (
		realm = "cam"
		nonce = "abc123"
	)
	var streamURL string
	md5hex := func(s string) string { return fmt.Sprintf("%x", md5.Sum([]byte(s))) }

	addr := fakeRTSPServer(t, func(req string) string {
		if m := digestResponseParam.FindStringSubmatch(req); m != nil {
			ha1 := md5hex("admin:" + realm + ":12345")
			ha2 := md5hex("DESCRIBE:" + streamURL)
			if m[1] == md5hex(ha1+":"+nonce+":"+ha2) {
				return rtspOK(sampleSDP)
			}
		}
		return "RTSP/1.0 401 Unauthorized\r\nCSeq: 1\r\n" +
			"WWW-Authenticate: Digest realm=\"" + realm + "\", nonce=\"" + nonce + "\"\r\n\r\n"
	})
	streamURL = "rtsp://" + addr + "/live"

	out := describeRTSP(context.Background(), streamURL,
		Credential{Username: "admin", Password: "12345"}, time.Second)
	if !out.OK || out.Scheme != auth.SchemeDigest {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestDescribeRTSPRejected(t *testing.T) {
	addr := fakeRTSPServer(t, func(string) string {
		return "RTSP/1.0 401 Unauthorized\r\nCSeq: 1\r\nWWW-Authenticate: Basic realm=\"cam\"\r\n\r\n"
	})

	out := describeRTSP(context.Background(), "rtsp://"+addr+"/live",
		Credential{Username: "admin", Password: "wrong"}, time.Second)
	if out.OK || out.Reason == "" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestDescribeRTSPUnreachable(t *testing.T) {
	out := describeRTSP(context.Background(), "rtsp://127.0.0.1:1/live", Credential{}, 200*time.Millisecond)
	if out.OK || out.Reason == "" {
		t.Fatalf("outcome = %+v, want failure with reason", out)
	}
}
