package camaudit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nvrsec/camaudit/auth"
)

// closedTCPPort grabs an ephemeral port and releases it so a probe against
// it sees a refused connection.
func closedTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func serverPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// statusRecorder collects every status a pipeline reports through OnUpdate.
type statusRecorder struct {
	mu   sync.Mutex
	seen []Status
}

func (r *statusRecorder) record(d Device) {
	r.mu.Lock()
	r.seen = append(r.seen, d.Status)
	r.mu.Unlock()
}

func (r *statusRecorder) saw(s Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.seen {
		if got == s {
			return true
		}
	}
	return false
}

func TestPipelineUnreachableDevice(t *testing.T) {
	rec := &statusRecorder{}
	p := NewPipeline(PipelineConfig{
		Concurrency:  2,
		ProbeTimeout: 300 * time.Millisecond,
		MgmtPorts:    []int{closedTCPPort(t)},
		RTSPPorts:    []int{closedTCPPort(t)},
		VendorPorts:  []int{closedTCPPort(t)},
		OnUpdate:     rec.record,
	})

	devices := p.Run(context.Background(), []string{"127.0.0.1"})
	if len(devices) != 1 {
		t.Fatalf("got %d results", len(devices))
	}
	dev := devices[0]
	if dev.Status != StatusError {
		t.Fatalf("status = %s, want ERROR", dev.Status)
	}
	if dev.LastError == "" {
		t.Fatal("ERROR without a message")
	}
	if rec.saw(StatusAuthenticating) {
		t.Fatal("device with no open ports reached AUTHENTICATING")
	}
}

func TestPipelineVendorPortsOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := NewPipeline(PipelineConfig{
		ProbeTimeout: 300 * time.Millisecond,
		MgmtPorts:    []int{closedTCPPort(t)},
		RTSPPorts:    []int{closedTCPPort(t)},
		VendorPorts:  []int{serverPort(t, srv)},
	})

	devices := p.Run(context.Background(), []string{"127.0.0.1"})
	dev := devices[0]
	if dev.Status != StatusError {
		t.Fatalf("status = %s, want ERROR", dev.Status)
	}
	if !dev.VendorPorts.Has(serverPort(t, srv)) {
		t.Fatal("open vendor port not recorded")
	}
}

func TestPipelineAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", `Digest realm="cam", nonce="n1", qop="auth"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rec := &statusRecorder{}
	p := NewPipeline(PipelineConfig{
		Credentials:  []Credential{{Username: "admin", Password: "wrong"}},
		ProbeTimeout: 300 * time.Millisecond,
		HTTPTimeout:  2 * time.Second,
		MgmtPorts:    []int{serverPort(t, srv)},
		RTSPPorts:    []int{closedTCPPort(t)},
		VendorPorts:  []int{closedTCPPort(t)},
		OnUpdate:     rec.record,
	})

	devices := p.Run(context.Background(), []string{"127.0.0.1"})
	dev := devices[0]
	if dev.Status != StatusAuthFailed {
		t.Fatalf("status = %s, want AUTH_FAILED", dev.Status)
	}
	if !dev.AuthFailed || dev.LastError == "" {
		t.Fatalf("AuthFailed=%v LastError=%q", dev.AuthFailed, dev.LastError)
	}
	if rec.saw(StatusAnalyzing) || rec.saw(StatusCompleted) {
		t.Fatal("rejected device advanced past authentication")
	}
}

// fakeONVIFDevice answers the SOAP calls the analyzer makes, dispatched on
// the SOAPAction header. One of its two profiles declares a codec outside
// the accepted set.
func fakeONVIFDevice(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("SOAPAction") {
		case actionGetDeviceInformation:
			fmt.Fprint(w, soapResponse(
				`<tds:GetDeviceInformationResponse xmlns:tds="http://www.onvif.org/ver10/device/wsdl">`+
					`<tds:Manufacturer>Acme</tds:Manufacturer>`+
					`<tds:Model>IPC-1000</tds:Model>`+
					`<tds:SerialNumber>SN42</tds:SerialNumber>`+
					`</tds:GetDeviceInformationResponse>`))
		case actionGetSystemDateAndTime:
			now := time.Now().UTC()
			fmt.Fprint(w, soapResponse(fmt.Sprintf(
				`<tds:GetSystemDateAndTimeResponse xmlns:tds="http://www.onvif.org/ver10/device/wsdl">`+
					`<tds:SystemDateAndTime><tt:UTCDateTime xmlns:tt="http://www.onvif.org/ver10/schema">`+
					`<tt:Date><tt:Year>%d</tt:Year><tt:Month>%d</tt:Month><tt:Day>%d</tt:Day></tt:Date>`+
					`<tt:Time><tt:Hour>%d</tt:Hour><tt:Minute>%d</tt:Minute><tt:Second>%d</tt:Second></tt:Time>`+
					`</tt:UTCDateTime></tds:SystemDateAndTime></tds:GetSystemDateAndTimeResponse>`,
				now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), now.Second())))
		case actionGetCapabilities:
			fmt.Fprint(w, soapResponse(
				`<tds:GetCapabilitiesResponse xmlns:tds="http://www.onvif.org/ver10/device/wsdl">`+
					`<tds:Capabilities><tt:Media xmlns:tt="http://www.onvif.org/ver10/schema">`+
					`<tt:XAddr>`+srv.URL+`/onvif/device_service</tt:XAddr>`+
					`</tt:Media></tds:Capabilities></tds:GetCapabilitiesResponse>`))
		case actionGetProfiles:
			fmt.Fprint(w, soapResponse(
				`<trt:GetProfilesResponse xmlns:trt="http://www.onvif.org/ver10/media/wsdl">`+
					`<trt:Profiles token="p1"><tt:Name xmlns:tt="ns">MainStream</tt:Name>`+
					`<tt:VideoSourceConfiguration xmlns:tt="ns"><tt:Name>Channel 1</tt:Name><tt:SourceToken>vs1</tt:SourceToken></tt:VideoSourceConfiguration>`+
					`<tt:VideoEncoderConfiguration xmlns:tt="ns"><tt:Encoding>H264</tt:Encoding>`+
					`<tt:Resolution><tt:Width>1920</tt:Width><tt:Height>1080</tt:Height></tt:Resolution>`+
					`<tt:RateControl><tt:FrameRateLimit>25</tt:FrameRateLimit><tt:BitrateLimit>4096</tt:BitrateLimit></tt:RateControl>`+
					`<tt:H264><tt:H264Profile>Main</tt:H264Profile></tt:H264>`+
					`</tt:VideoEncoderConfiguration></trt:Profiles>`+
					`<trt:Profiles><tt:Name xmlns:tt="ns">SubStream</tt:Name>`+
					`<tt:VideoSourceConfiguration xmlns:tt="ns"><tt:Name>Channel 1</tt:Name><tt:SourceToken>vs1</tt:SourceToken></tt:VideoSourceConfiguration>`+
					`<tt:VideoEncoderConfiguration xmlns:tt="ns"><tt:Encoding>WMV</tt:Encoding>`+
					`<tt:Resolution><tt:Width>640</tt:Width><tt:Height>480</tt:Height></tt:Resolution>`+
					`</tt:VideoEncoderConfiguration></trt:Profiles>`+
					`</trt:GetProfilesResponse>`))
		case actionGetStreamURI:
			// No RTSP service behind this fake; an empty URI keeps the
			// analyzer off the network.
			fmt.Fprint(w, soapResponse(
				`<trt:GetStreamUriResponse xmlns:trt="http://www.onvif.org/ver10/media/wsdl">`+
					`<trt:MediaUri><tt:Uri xmlns:tt="ns"></tt:Uri></trt:MediaUri></trt:GetStreamUriResponse>`))
		default:
			fmt.Fprint(w, soapResponse(""))
		}
	}))
	return srv
}

func TestPipelineCompletesWithComplianceFindings(t *testing.T) {
	srv := fakeONVIFDevice(t)
	defer srv.Close()

	rec := &statusRecorder{}
	p := NewPipeline(PipelineConfig{
		Credentials:  []Credential{{Username: "admin", Password: "12345"}},
		ProbeTimeout: 300 * time.Millisecond,
		HTTPTimeout:  2 * time.Second,
		MgmtPorts:    []int{serverPort(t, srv)},
		RTSPPorts:    []int{closedTCPPort(t)},
		VendorPorts:  []int{closedTCPPort(t)},
		OnUpdate:     rec.record,
	})

	devices := p.Run(context.Background(), []string{"127.0.0.1"})
	dev := devices[0]

	if dev.Status != StatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", dev.Status, dev.LastError)
	}
	if dev.LastError != "" {
		t.Fatalf("completed device carries error %q", dev.LastError)
	}
	if !rec.saw(StatusScanning) || !rec.saw(StatusAuthenticating) {
		t.Fatalf("stages seen: %v", rec.seen)
	}

	// The fake accepts unauthenticated requests.
	if dev.AuthMethod != auth.SchemeNone {
		t.Fatalf("auth method = %s", dev.AuthMethod)
	}
	if dev.Manufacturer != "Acme" || dev.Model != "IPC-1000" || dev.Name != "Acme IPC-1000" {
		t.Fatalf("identity = %q/%q/%q", dev.Manufacturer, dev.Model, dev.Name)
	}
	if dev.ClockOffsetSec == nil {
		t.Fatal("clock offset not collected")
	}
	if off := *dev.ClockOffsetSec; off < -10 || off > 10 {
		t.Fatalf("clock offset %v seconds, want near zero", off)
	}

	if len(dev.Streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(dev.Streams))
	}
	main, sub := dev.Streams[0], dev.Streams[1]
	if !main.Compliant || main.ComplianceIssue != "" {
		t.Fatalf("H264 stream flagged: %q", main.ComplianceIssue)
	}
	if main.Codec != "H264" || main.Resolution != "1920x1080" || main.Profile != "Main" || main.BitrateKbps != 4096 {
		t.Fatalf("main stream = %+v", main)
	}
	if sub.Compliant || sub.ComplianceIssue == "" {
		t.Fatalf("WMV stream passed compliance: %+v", sub)
	}

	// Same video source on both profiles: a camera, not a recorder.
	if dev.IsNVR || dev.Type != "Camera" {
		t.Fatalf("classified as %q (IsNVR=%v)", dev.Type, dev.IsNVR)
	}
}

func TestPipelineOneResultPerAddressInOrder(t *testing.T) {
	port := closedTCPPort(t)
	p := NewPipeline(PipelineConfig{
		Concurrency:  4,
		ProbeTimeout: 200 * time.Millisecond,
		MgmtPorts:    []int{port},
		RTSPPorts:    []int{port},
		VendorPorts:  []int{port},
	})

	addrs := []string{"127.0.0.1", "127.0.0.2", "127.0.0.3"}
	devices := p.Run(context.Background(), addrs)
	if len(devices) != len(addrs) {
		t.Fatalf("got %d results for %d addresses", len(devices), len(addrs))
	}
	for i, addr := range addrs {
		if devices[i].Address != addr {
			t.Fatalf("slot %d holds %s, want %s", i, devices[i].Address, addr)
		}
	}
}

func TestPipelineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(PipelineConfig{ProbeTimeout: 200 * time.Millisecond})
	devices := p.Run(ctx, []string{"127.0.0.1"})
	if devices[0].Status != StatusError {
		t.Fatalf("status = %s, want ERROR on cancelled scan", devices[0].Status)
	}
}
