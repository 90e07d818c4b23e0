package camaudit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/nvrsec/camaudit/auth"
)

const rtspUserAgent = "camaudit/1.0"

// Stream paths tried on devices that expose RTSP without a management
// service. Vendor-specific forms first, generic fallbacks after.
var rtspProbePaths = []string{
	"/Streaming/Channels/101",
	"/cam/realmonitor?channel=1&subtype=0",
	"/live",
	"/stream1",
	"/ch01",
	"/",
}

type rtspResponse struct {
	Status  int
	Headers map[string]string
	Body    string
}

// describeOutcome is the boundary result of an RTSP DESCRIBE negotiation.
// Network and protocol failures read as OK=false with a reason; they never
// propagate as errors.
type describeOutcome struct {
	OK          bool
	Scheme      auth.Scheme
	SessionName string
	SDP         sdpInfo
	Reason      string
}

// describeRTSP negotiates a DESCRIBE against streamURL: unauthenticated
// first, then Basic, then Digest when the challenge allows it. Each attempt
// uses a fresh connection bounded by timeout.
func describeRTSP(ctx context.Context, streamURL string, cred Credential, timeout time.Duration) describeOutcome {
	resp, err := rtspRequest(ctx, streamURL, "", timeout)
	if err != nil {
		return describeOutcome{Reason: err.Error()}
	}
	if resp.Status == 200 {
		return describeSuccess(auth.SchemeNone, resp)
	}
	if resp.Status != 401 {
		return describeOutcome{Reason: fmt.Sprintf("RTSP %d", resp.Status)}
	}

	ch := auth.ParseChallenge(resp.Headers["www-authenticate"])

	resp, err = rtspRequest(ctx, streamURL, auth.BasicAuthorization(cred.Username, cred.Password), timeout)
	if err == nil && resp.Status == 200 {
		return describeSuccess(auth.SchemeBasic, resp)
	}

	if ch != nil && ch.Scheme == auth.SchemeDigest && ch.Valid() {
		header, derr := auth.DigestAuthorization(cred.Username, cred.Password, ch, "DESCRIBE", streamURL)
		if derr == nil {
			resp, err = rtspRequest(ctx, streamURL, header, timeout)
			if err == nil && resp.Status == 200 {
				return describeSuccess(auth.SchemeDigest, resp)
			}
		}
	}

	reason := "authentication rejected"
	if err != nil {
		reason = err.Error()
	} else if resp != nil {
		reason = fmt.Sprintf("RTSP %d", resp.Status)
	}
	return describeOutcome{Reason: reason}
}

func describeSuccess(scheme auth.Scheme, resp *rtspResponse) describeOutcome {
	info := parseSDP(resp.Body)
	return describeOutcome{
		OK:          true,
		Scheme:      scheme,
		SessionName: info.SessionName,
		SDP:         info,
	}
}

// rtspRequest sends one DESCRIBE and reads the response. The connection is
// closed before returning regardless of outcome.
func rtspRequest(ctx context.Context, streamURL, authHeader string, timeout time.Duration) (*rtspResponse, error) {
	hostPort, err := rtspHostPort(streamURL)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	var b strings.Builder
	fmt.Fprintf(&b, "DESCRIBE %s RTSP/1.0\r\n", streamURL)
	b.WriteString("CSeq: 1\r\n")
	b.WriteString("User-Agent: " + rtspUserAgent + "\r\n")
	if authHeader != "" {
		b.WriteString("Authorization: " + authHeader + "\r\n")
	}
	b.WriteString("Accept: application/sdp\r\n\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return nil, err
	}
	return readRTSPResponse(bufio.NewReader(conn))
}

func rtspHostPort(streamURL string) (string, error) {
	rest, ok := strings.CutPrefix(streamURL, "rtsp://")
	if !ok {
		return "", fmt.Errorf("not an rtsp URL: %q", streamURL)
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", fmt.Errorf("no host in rtsp URL: %q", streamURL)
	}
	if !strings.Contains(rest, ":") {
		rest += ":554"
	}
	return rest, nil
}

func readRTSPResponse(r *bufio.Reader) (*rtspResponse, error) {
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return nil, fmt.Errorf("malformed RTSP status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed RTSP status %q", parts[1])
	}

	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if i := strings.IndexByte(line, ':'); i > 0 {
			headers[strings.ToLower(strings.TrimSpace(line[:i]))] = strings.TrimSpace(line[i+1:])
		}
	}

	var body string
	if n, _ := strconv.Atoi(headers["content-length"]); n > 0 {
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			glog.V(2).Infof("short RTSP body read: %v", err)
		}
		body = string(buf)
	}
	return &rtspResponse{Status: status, Headers: headers, Body: body}, nil
}

// sdpInfo is what a session description tells us about a stream.
type sdpInfo struct {
	SessionName string
	Codec       string
	Resolution  string
	BitrateKbps int
	FrameRate   float64
}

// parseSDP pulls session name and media attributes out of an SDP body.
// Only the first video description is considered.
func parseSDP(body string) sdpInfo {
	var info sdpInfo
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(line, "s="):
			info.SessionName = line[2:]
		case strings.HasPrefix(line, "b=AS:"):
			if info.BitrateKbps == 0 {
				info.BitrateKbps, _ = strconv.Atoi(line[5:])
			}
		case strings.HasPrefix(line, "a=rtpmap:"):
			if info.Codec == "" {
				// a=rtpmap:96 H264/90000
				fields := strings.Fields(line[len("a=rtpmap:"):])
				if len(fields) == 2 {
					codec, _, _ := strings.Cut(fields[1], "/")
					info.Codec = strings.ToUpper(codec)
				}
			}
		case strings.HasPrefix(line, "a=framesize:"):
			if info.Resolution == "" {
				// a=framesize:96 1280-720
				fields := strings.Fields(line[len("a=framesize:"):])
				if len(fields) == 2 {
					info.Resolution = strings.Replace(fields[1], "-", "x", 1)
				}
			}
		case strings.HasPrefix(line, "a=framerate:"):
			if info.FrameRate == 0 {
				info.FrameRate, _ = strconv.ParseFloat(strings.TrimSpace(line[len("a=framerate:"):]), 64)
			}
		}
	}
	return info
}
