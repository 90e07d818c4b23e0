// Package camaudit discovers CCTV cameras and NVR/DVR devices on a network
// range, negotiates credentials against whichever authentication scheme each
// device demands, and evaluates the compliance of the RTSP streams it finds.
package camaudit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/nvrsec/camaudit/auth"
)

// PipelineConfig controls a scan session. Zero values fall back to the
// defaults in DefaultScanConfig.
type PipelineConfig struct {
	// Credentials are tried in order for every device; within one
	// credential the scheme fallback runs to exhaustion first.
	Credentials []Credential

	Concurrency  int
	ProbeTimeout time.Duration
	HTTPTimeout  time.Duration

	MgmtPorts   []int
	RTSPPorts   []int
	VendorPorts []int

	// Resolver resolves hardware addresses; nil disables resolution.
	Resolver HardwareResolver

	// WSDiscovery enables the unicast identity probe during scanning.
	WSDiscovery bool

	// OnUpdate receives a read-only snapshot after every stage change.
	OnUpdate func(Device)
}

// Pipeline fans out one independent discovery workflow per candidate
// address. One device's failure never aborts the scan.
type Pipeline struct {
	cfg        PipelineConfig
	negotiator *auth.Negotiator
	analyzer   *StreamAnalyzer
	sessionID  string
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	def := DefaultScanConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if len(cfg.MgmtPorts) == 0 {
		cfg.MgmtPorts = def.MgmtPorts
	}
	if len(cfg.RTSPPorts) == 0 {
		cfg.RTSPPorts = def.RTSPPorts
	}
	if len(cfg.VendorPorts) == 0 {
		cfg.VendorPorts = def.VendorPorts
	}
	if len(cfg.Credentials) == 0 {
		cfg.Credentials = []Credential{{}}
	}
	return &Pipeline{
		cfg:        cfg,
		negotiator: auth.NewNegotiator(),
		analyzer:   NewStreamAnalyzer(),
		sessionID:  uuid.New().String(),
	}
}

// Run scans every address and returns exactly one Device per input, in
// input order. Workflows run concurrently under the configured bound;
// results land in per-address slots so no append races exist.
func (p *Pipeline) Run(ctx context.Context, addrs []string) []Device {
	glog.Infof("scan session %s: %d candidate addresses, concurrency %d",
		p.sessionID, len(addrs), p.cfg.Concurrency)

	results := make([]Device, len(addrs))
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup

	for i, addr := range addrs {
		wg.Add(1)
		sem <- struct{}{}
		go func(slot int, address string) {
			defer wg.Done()
			defer func() { <-sem }()

			dev := NewDevice(address)
			p.runDevice(ctx, dev)
			results[slot] = dev.Clone()
		}(i, addr)
	}
	wg.Wait()

	glog.Infof("scan session %s finished", p.sessionID)
	return results
}

// runDevice drives one device through the status machine. Panics are
// contained here so a misbehaving step only fails its own device.
func (p *Pipeline) runDevice(ctx context.Context, dev *Device) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("device %s workflow panic: %v", dev.Address, r)
			dev.Fail(fmt.Sprintf("internal error: %v", r))
			p.notify(dev)
		}
	}()

	steps := []func(context.Context, *Device) error{
		p.scanStage,
		p.authStage,
		p.analyzeStage,
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			dev.Fail("scan cancelled")
			p.notify(dev)
			return
		}
		if err := step(ctx, dev); err != nil {
			p.notify(dev)
			return
		}
		p.notify(dev)
	}
}

func (p *Pipeline) notify(dev *Device) {
	if p.cfg.OnUpdate != nil {
		p.cfg.OnUpdate(dev.Clone())
	}
}

// scanStage probes the three port categories and opportunistically resolves
// the hardware address and WS-Discovery identity.
func (p *Pipeline) scanStage(ctx context.Context, dev *Device) error {
	if err := dev.Advance(StatusScanning); err != nil {
		dev.Fail(err.Error())
		return err
	}

	dev.MgmtPorts = ScanPorts(ctx, dev.Address, p.cfg.MgmtPorts, p.cfg.ProbeTimeout)
	dev.RTSPPorts = ScanPorts(ctx, dev.Address, p.cfg.RTSPPorts, p.cfg.ProbeTimeout)
	dev.VendorPorts = ScanPorts(ctx, dev.Address, p.cfg.VendorPorts, p.cfg.ProbeTimeout)

	if dev.OpenPortCount() == 0 {
		err := fmt.Errorf("no management, streaming or vendor ports open on %s", dev.Address)
		dev.Fail(err.Error())
		return err
	}

	if p.cfg.Resolver != nil {
		if mac := p.cfg.Resolver.Resolve(ctx, dev.Address); mac != "" {
			dev.MAC = mac
			if dev.Manufacturer == "" {
				dev.Manufacturer = ManufacturerForMAC(mac)
			}
		}
	}

	if p.cfg.WSDiscovery {
		if res, err := probeWSDiscovery(ctx, dev.Address, p.cfg.ProbeTimeout); err == nil {
			if res.Name != "" {
				dev.Name = res.Name
			}
			if res.Model != "" && dev.Model == "" {
				dev.Model = res.Model
			}
			if res.MAC != "" && dev.MAC == "" {
				dev.MAC = NormalizeMAC(res.MAC)
			}
		} else {
			glog.V(2).Infof("WS-Discovery probe on %s: %v", dev.Address, err)
		}
	}
	return nil
}

// authStage negotiates credentials against the device's management service,
// or its RTSP service when no management port answered.
func (p *Pipeline) authStage(ctx context.Context, dev *Device) error {
	if err := dev.Advance(StatusAuthenticating); err != nil {
		dev.Fail(err.Error())
		return err
	}

	switch {
	case len(dev.MgmtPorts) > 0:
		return p.authenticateONVIF(ctx, dev)
	case len(dev.RTSPPorts) > 0:
		return p.authenticateRTSP(ctx, dev)
	default:
		err := fmt.Errorf("only vendor ports open on %s; no service to authenticate against", dev.Address)
		dev.Fail(err.Error())
		return err
	}
}

func (p *Pipeline) authenticateONVIF(ctx context.Context, dev *Device) error {
	lastReason := "no authentication attempt made"
	for _, port := range dev.MgmtPorts.Sorted() {
		for _, path := range onvifServicePaths {
			endpoint := fmt.Sprintf("http://%s:%d%s", dev.Address, port, path)
			target := &auth.Target{
				Client:   newHTTPClient(p.cfg.HTTPTimeout),
				Endpoint: endpoint,
				Action:   actionGetDeviceInformation,
				Body:     soapEnvelope(getDeviceInformationBody),
			}
			for _, cred := range p.cfg.Credentials {
				scheme, err := p.negotiator.Negotiate(ctx, target, cred.Username, cred.Password)
				if err == nil {
					dev.AuthMethod = scheme
					dev.Credential = cred
					dev.serviceEndpoint = endpoint
					glog.V(1).Infof("%s accepted %s on %s", dev.Address, scheme, endpoint)
					return nil
				}
				lastReason = err.Error()
				if !errors.Is(err, auth.ErrAllSchemesRejected) {
					// Transport-level failure; this endpoint is not
					// answering, try the next one.
					glog.V(2).Infof("%s via %s: %v", dev.Address, endpoint, err)
					break
				}
			}
		}
	}
	if err := dev.FailAuth(lastReason); err != nil {
		dev.Fail(err.Error())
	}
	return fmt.Errorf("authentication failed for %s: %s", dev.Address, lastReason)
}

func (p *Pipeline) authenticateRTSP(ctx context.Context, dev *Device) error {
	lastReason := "no authentication attempt made"
	for _, port := range dev.RTSPPorts.Sorted() {
		base := fmt.Sprintf("rtsp://%s:%d", dev.Address, port)
		for _, cred := range p.cfg.Credentials {
			out := describeRTSP(ctx, base+"/", cred, p.cfg.HTTPTimeout)
			if out.OK {
				dev.AuthMethod = out.Scheme
				dev.Credential = cred
				dev.rtspBase = base
				return nil
			}
			lastReason = out.Reason
		}
	}
	if err := dev.FailAuth(lastReason); err != nil {
		dev.Fail(err.Error())
	}
	return fmt.Errorf("authentication failed for %s: %s", dev.Address, lastReason)
}

// analyzeStage enumerates streams, enriches device identity and runs the
// compliance analyzer over everything found.
func (p *Pipeline) analyzeStage(ctx context.Context, dev *Device) error {
	if err := dev.Advance(StatusAnalyzing); err != nil {
		dev.Fail(err.Error())
		return err
	}

	if dev.serviceEndpoint != "" {
		p.analyzeONVIF(ctx, dev)
	} else if dev.rtspBase != "" {
		p.analyzeRTSP(ctx, dev)
	}

	for i := range dev.Streams {
		p.analyzer.Check(&dev.Streams[i])
	}
	p.classifyDevice(dev)

	if err := dev.Advance(StatusCompleted); err != nil {
		dev.Fail(err.Error())
		return err
	}
	dev.LastError = ""
	return nil
}

func (p *Pipeline) analyzeONVIF(ctx context.Context, dev *Device) {
	client := newSOAPClient(dev.Credential, dev.AuthMethod, p.cfg.HTTPTimeout)

	if err := client.fetchDeviceInformation(ctx, dev.serviceEndpoint, dev); err != nil {
		glog.V(1).Infof("device information for %s: %v", dev.Address, err)
	}
	dev.ClockOffsetSec = client.fetchClockOffset(ctx, dev.serviceEndpoint)

	mediaEndpoint := client.fetchMediaXAddr(ctx, dev.serviceEndpoint)
	streams, err := client.fetchStreams(ctx, mediaEndpoint)
	if err != nil {
		glog.V(1).Infof("stream enumeration for %s: %v", dev.Address, err)
		return
	}
	for _, s := range streams {
		if s.URL != "" {
			out := describeRTSP(ctx, s.URL, dev.Credential, p.cfg.HTTPTimeout)
			if out.OK {
				s.SessionName = out.SessionName
				fillFromSDP(&s, out.SDP)
			}
		}
		dev.AddStream(s)
	}
}

func (p *Pipeline) analyzeRTSP(ctx context.Context, dev *Device) {
	for _, path := range rtspProbePaths {
		if ctx.Err() != nil {
			return
		}
		url := dev.rtspBase + path
		out := describeRTSP(ctx, url, dev.Credential, p.cfg.HTTPTimeout)
		if !out.OK {
			continue
		}
		s := RTSPStream{
			Name:        out.SessionName,
			URL:         url,
			SessionName: out.SessionName,
			Compliant:   true,
		}
		fillFromSDP(&s, out.SDP)
		dev.AddStream(s)
		if len(dev.Streams) >= 3 {
			return
		}
	}
}

func fillFromSDP(s *RTSPStream, info sdpInfo) {
	if s.Codec == "" {
		s.Codec = info.Codec
	}
	if s.Resolution == "" {
		s.Resolution = info.Resolution
	}
	if s.BitrateKbps == 0 {
		s.BitrateKbps = info.BitrateKbps
	}
	if s.FrameRate == 0 {
		s.FrameRate = info.FrameRate
	}
	if s.SessionName == "" {
		s.SessionName = info.SessionName
	}
}

// classifyDevice applies NVR/DVR heuristics: multiple video sources or a
// recorder-specific vendor port open.
func (p *Pipeline) classifyDevice(dev *Device) {
	sources := make(map[string]struct{})
	for _, s := range dev.Streams {
		if s.VideoSource != "" {
			sources[s.VideoSource] = struct{}{}
		}
	}
	if len(sources) > 1 || dev.VendorPorts.Has(37777) || dev.VendorPorts.Has(34567) {
		dev.IsNVR = true
		if dev.Type == "" {
			dev.Type = "NVR"
		}
	} else if dev.Type == "" && len(dev.Streams) > 0 {
		dev.Type = "Camera"
	}
}
