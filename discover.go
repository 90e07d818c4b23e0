package camaudit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/clbanning/mxj"
	"github.com/golang/glog"
	"github.com/google/uuid"
)

const wsDiscoveryPort = 3702

var errUnrelatedProbeMatch = errors.New("response does not relate to this probe")

// wsProbeResult carries the identity scopes a device announced over
// WS-Discovery.
type wsProbeResult struct {
	Name       string
	Model      string
	HardwareID string
	MAC        string
}

var wsWhitespace = regexp.MustCompile(`>\s+<`)

func wsProbeEnvelope(messageID string) string {
	request := `<?xml version="1.0" encoding="UTF-8"?>
		<s:Envelope
			xmlns:s="http://www.w3.org/2003/05/soap-envelope"
			xmlns:a="http://schemas.xmlsoap.org/ws/2004/08/addressing">
			<s:Header>
				<a:Action s:mustUnderstand="1">http://schemas.xmlsoap.org/ws/2005/04/discovery/Probe</a:Action>
				<a:MessageID>` + messageID + `</a:MessageID>
				<a:ReplyTo><a:Address>http://schemas.xmlsoap.org/ws/2004/08/addressing/role/anonymous</a:Address></a:ReplyTo>
				<a:To s:mustUnderstand="1">urn:schemas-xmlsoap-org:ws:2005:04:discovery</a:To>
			</s:Header>
			<s:Body>
				<Probe xmlns="http://schemas.xmlsoap.org/ws/2005/04/discovery">
					<d:Types xmlns:d="http://schemas.xmlsoap.org/ws/2005/04/discovery" xmlns:dp0="http://www.onvif.org/ver10/network/wsdl">dp0:NetworkVideoTransmitter</d:Types>
				</Probe>
			</s:Body>
		</s:Envelope>`
	return wsWhitespace.ReplaceAllString(request, "><")
}

// probeWSDiscovery sends a unicast WS-Discovery probe to addr and parses the
// identity scopes from the match, if any device answers in time.
func probeWSDiscovery(ctx context.Context, addr string, timeout time.Duration) (*wsProbeResult, error) {
	messageID := "uuid:" + uuid.New().String()

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "udp", fmt.Sprintf("%s:%d", addr, wsDiscoveryPort))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	if _, err := conn.Write([]byte(wsProbeEnvelope(messageID))); err != nil {
		return nil, err
	}

	buf := make([]byte, 10*1024)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return parseProbeMatch(messageID, buf[:n])
}

func parseProbeMatch(messageID string, raw []byte) (*wsProbeResult, error) {
	glog.V(3).Infof("WS-Discovery response: %s", raw)

	m, err := mxj.NewMapXml(stripNSPrefixes(raw))
	if err != nil {
		return nil, fmt.Errorf("parse probe match: %w", err)
	}

	relates, err := m.ValueForPath("Envelope.Header.RelatesTo")
	if err != nil {
		return nil, fmt.Errorf("probe match missing RelatesTo: %w", err)
	}
	switch v := relates.(type) {
	case string:
		if v != messageID {
			return nil, errUnrelatedProbeMatch
		}
	case map[string]interface{}:
		if text, _ := v["#text"].(string); text != messageID {
			return nil, errUnrelatedProbeMatch
		}
	default:
		return nil, errUnrelatedProbeMatch
	}

	scopes, _ := m.ValueForPathString("Envelope.Body.ProbeMatches.ProbeMatch.Scopes")
	res := parseIdentityScopes(scopes)
	return &res, nil
}

// parseIdentityScopes extracts name, hardware and MAC scopes from a
// space-separated ONVIF scope list.
func parseIdentityScopes(scopes string) wsProbeResult {
	var res wsProbeResult
	for _, scope := range strings.Fields(scopes) {
		switch {
		case strings.HasPrefix(scope, "onvif://www.onvif.org/name/"):
			name := strings.TrimPrefix(scope, "onvif://www.onvif.org/name/")
			name = strings.ReplaceAll(name, "%20", " ")
			res.Name = strings.ReplaceAll(name, "_", " ")
		case strings.HasPrefix(scope, "onvif://www.onvif.org/hardware/"):
			res.HardwareID = strings.TrimPrefix(scope, "onvif://www.onvif.org/hardware/")
			if res.Model == "" {
				res.Model = res.HardwareID
			}
		case strings.HasPrefix(scope, "onvif://www.onvif.org/MAC/"):
			res.MAC = NormalizeMAC(strings.TrimPrefix(scope, "onvif://www.onvif.org/MAC/"))
		}
	}
	return res
}
