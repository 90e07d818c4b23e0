package camaudit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/clbanning/mxj"
	"github.com/golang/glog"

	"github.com/nvrsec/camaudit/auth"
)

// ONVIF device service paths probed on management ports.
var onvifServicePaths = []string{
	"/onvif/device_service",
	"/onvif/Device",
	"/device_service",
}

const (
	actionGetDeviceInformation = "http://www.onvif.org/ver10/device/wsdl/GetDeviceInformation"
	actionGetCapabilities      = "http://www.onvif.org/ver10/device/wsdl/GetCapabilities"
	actionGetSystemDateAndTime = "http://www.onvif.org/ver10/device/wsdl/GetSystemDateAndTime"
	actionGetProfiles          = "http://www.onvif.org/ver10/media/wsdl/GetProfiles"
	actionGetStreamURI         = "http://www.onvif.org/ver10/media/wsdl/GetStreamUri"
)

func soapEnvelope(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope">` +
		`<s:Body>` + body + `</s:Body></s:Envelope>`
}

const (
	getDeviceInformationBody = `<tds:GetDeviceInformation xmlns:tds="http://www.onvif.org/ver10/device/wsdl"/>`
	getCapabilitiesBody      = `<tds:GetCapabilities xmlns:tds="http://www.onvif.org/ver10/device/wsdl"><tds:Category>All</tds:Category></tds:GetCapabilities>`
	getSystemDateAndTimeBody = `<tds:GetSystemDateAndTime xmlns:tds="http://www.onvif.org/ver10/device/wsdl"/>`
	getProfilesBody          = `<trt:GetProfiles xmlns:trt="http://www.onvif.org/ver10/media/wsdl"/>`
)

func getStreamURIBody(profileToken string) string {
	return `<trt:GetStreamUri xmlns:trt="http://www.onvif.org/ver10/media/wsdl">` +
		`<trt:StreamSetup>` +
		`<tt:Stream xmlns:tt="http://www.onvif.org/ver10/schema">RTP-Unicast</tt:Stream>` +
		`<tt:Transport xmlns:tt="http://www.onvif.org/ver10/schema"><tt:Protocol>RTSP</tt:Protocol></tt:Transport>` +
		`</trt:StreamSetup>` +
		`<trt:ProfileToken>` + profileToken + `</trt:ProfileToken>` +
		`</trt:GetStreamUri>`
}

// nsPrefix matches namespace prefixes on element tags so mxj paths stay
// prefix-free regardless of what prefix the device picked.
var nsPrefix = regexp.MustCompile(`<(/?)[A-Za-z0-9_.-]+:`)

func stripNSPrefixes(xml []byte) []byte {
	return nsPrefix.ReplaceAll(xml, []byte("<$1"))
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// soapClient issues SOAP calls under the authentication scheme the
// negotiator settled on. Basic and Digest ride on the challenge-answering
// transport; WS-Security is injected into the envelope header.
type soapClient struct {
	hc     *http.Client
	cred   Credential
	scheme auth.Scheme
}

func newSOAPClient(cred Credential, scheme auth.Scheme, timeout time.Duration) *soapClient {
	c := &soapClient{
		hc:     &http.Client{Timeout: timeout},
		cred:   cred,
		scheme: scheme,
	}
	if scheme == auth.SchemeBasic || scheme == auth.SchemeDigest {
		c.hc.Transport = auth.NewTransport(cred.Username, cred.Password)
	}
	return c
}

func (c *soapClient) call(ctx context.Context, endpoint, action, body string) (mxj.Map, error) {
	envelope := soapEnvelope(body)
	if c.scheme == auth.SchemeWSSE {
		token, err := auth.NewTokenGenerator().UsernameToken(c.cred.Username, c.cred.Password)
		if err != nil {
			return nil, err
		}
		envelope, _ = auth.InjectSecurityHeader(envelope, token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(envelope))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/soap+xml; charset=utf-8")
	req.Header.Set("SOAPAction", action)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, endpoint)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	m, err := mxj.NewMapXml(stripNSPrefixes(raw))
	if err != nil {
		return nil, fmt.Errorf("parse SOAP response: %w", err)
	}
	if _, ferr := m.ValueForPath("Envelope.Body.Fault"); ferr == nil {
		reason, _ := m.ValueForPathString("Envelope.Body.Fault.Reason.Text")
		return nil, fmt.Errorf("SOAP fault from %s: %s", endpoint, reason)
	}
	return m, nil
}

// fetchDeviceInformation fills declared identity fields from the device
// service. Missing fields stay empty; only transport errors propagate.
func (c *soapClient) fetchDeviceInformation(ctx context.Context, endpoint string, dev *Device) error {
	m, err := c.call(ctx, endpoint, actionGetDeviceInformation, getDeviceInformationBody)
	if err != nil {
		return err
	}
	const base = "Envelope.Body.GetDeviceInformationResponse."
	if v, _ := m.ValueForPathString(base + "Manufacturer"); v != "" {
		dev.Manufacturer = v
	}
	if v, _ := m.ValueForPathString(base + "Model"); v != "" {
		dev.Model = v
	}
	if v, _ := m.ValueForPathString(base + "SerialNumber"); v != "" {
		dev.Serial = v
	}
	if dev.Name == "" && dev.Model != "" {
		dev.Name = strings.TrimSpace(dev.Manufacturer + " " + dev.Model)
	}
	return nil
}

// fetchMediaXAddr asks the device for its media service endpoint. Falls back
// to the device endpoint when capabilities are silent about it.
func (c *soapClient) fetchMediaXAddr(ctx context.Context, endpoint string) string {
	m, err := c.call(ctx, endpoint, actionGetCapabilities, getCapabilitiesBody)
	if err != nil {
		glog.V(2).Infof("GetCapabilities on %s: %v", endpoint, err)
		return endpoint
	}
	if v, _ := m.ValueForPathString("Envelope.Body.GetCapabilitiesResponse.Capabilities.Media.XAddr"); v != "" {
		return v
	}
	return endpoint
}

// fetchClockOffset compares the device UTC clock against the scanner's.
func (c *soapClient) fetchClockOffset(ctx context.Context, endpoint string) *float64 {
	m, err := c.call(ctx, endpoint, actionGetSystemDateAndTime, getSystemDateAndTimeBody)
	if err != nil {
		glog.V(2).Infof("GetSystemDateAndTime on %s: %v", endpoint, err)
		return nil
	}
	const base = "Envelope.Body.GetSystemDateAndTimeResponse.SystemDateAndTime.UTCDateTime."
	year := pathInt(m, base+"Date.Year")
	month := pathInt(m, base+"Date.Month")
	day := pathInt(m, base+"Date.Day")
	hour := pathInt(m, base+"Time.Hour")
	minute := pathInt(m, base+"Time.Minute")
	second := pathInt(m, base+"Time.Second")
	if year == 0 {
		return nil
	}
	deviceTime := time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC)
	offset := deviceTime.Sub(time.Now().UTC()).Seconds()
	return &offset
}

// fetchStreams enumerates media profiles and resolves each profile's stream
// URI into an RTSPStream descriptor.
func (c *soapClient) fetchStreams(ctx context.Context, mediaEndpoint string) ([]RTSPStream, error) {
	m, err := c.call(ctx, mediaEndpoint, actionGetProfiles, getProfilesBody)
	if err != nil {
		return nil, err
	}
	profiles, err := m.ValuesForPath("Envelope.Body.GetProfilesResponse.Profiles")
	if err != nil || len(profiles) == 0 {
		return nil, nil
	}

	var streams []RTSPStream
	for _, p := range profiles {
		prof, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		s := RTSPStream{
			Name:        nestedString(prof, "Name"),
			VideoSource: nestedString(prof, "VideoSourceConfiguration", "SourceToken"),
			Channel:     nestedString(prof, "VideoSourceConfiguration", "Name"),
			Codec:       strings.ToUpper(nestedString(prof, "VideoEncoderConfiguration", "Encoding")),
			Profile:     encoderProfile(prof),
			Compliant:   true,
		}
		w := nestedString(prof, "VideoEncoderConfiguration", "Resolution", "Width")
		h := nestedString(prof, "VideoEncoderConfiguration", "Resolution", "Height")
		if w != "" && h != "" {
			s.Resolution = w + "x" + h
		}
		if v := nestedString(prof, "VideoEncoderConfiguration", "RateControl", "BitrateLimit"); v != "" {
			s.BitrateKbps, _ = strconv.Atoi(v)
		}
		if v := nestedString(prof, "VideoEncoderConfiguration", "RateControl", "FrameRateLimit"); v != "" {
			s.FrameRate, _ = strconv.ParseFloat(v, 64)
		}

		token := nestedString(prof, "-token")
		if token != "" {
			if uri, err := c.fetchStreamURI(ctx, mediaEndpoint, token); err == nil {
				s.URL = uri
			} else {
				glog.V(2).Infof("GetStreamUri for profile %s: %v", token, err)
			}
		}
		streams = append(streams, s)
	}
	return streams, nil
}

func (c *soapClient) fetchStreamURI(ctx context.Context, mediaEndpoint, profileToken string) (string, error) {
	m, err := c.call(ctx, mediaEndpoint, actionGetStreamURI, getStreamURIBody(profileToken))
	if err != nil {
		return "", err
	}
	uri, _ := m.ValueForPathString("Envelope.Body.GetStreamUriResponse.MediaUri.Uri")
	if uri == "" {
		return "", fmt.Errorf("empty stream URI for profile %s", profileToken)
	}
	return uri, nil
}

// encoderProfile digs the codec profile out of whichever encoder section the
// device populated.
func encoderProfile(prof map[string]interface{}) string {
	if v := nestedString(prof, "VideoEncoderConfiguration", "H264", "H264Profile"); v != "" {
		return v
	}
	if v := nestedString(prof, "VideoEncoderConfiguration", "MPEG4", "Mpeg4Profile"); v != "" {
		return v
	}
	return nestedString(prof, "VideoEncoderConfiguration", "Profile")
}

// nestedString walks nested mxj maps and renders the leaf as a string.
// Leaves holding attributes appear as maps with a "#text" entry.
func nestedString(m map[string]interface{}, keys ...string) string {
	var cur interface{} = m
	for _, k := range keys {
		mm, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur, ok = mm[k]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case string:
		return v
	case map[string]interface{}:
		if t, ok := v["#text"].(string); ok {
			return t
		}
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func pathInt(m mxj.Map, path string) int {
	v, err := m.ValueForPathString(path)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(v))
	return n
}
