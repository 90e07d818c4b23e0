package camaudit

import (
	"fmt"
	"sort"

	"github.com/nvrsec/camaudit/auth"
)

// Status tracks a device through its discovery workflow. Transitions only
// move forward; Advance rejects anything not in the transition graph.
type Status int

const (
	StatusPending Status = iota
	StatusScanning
	StatusAuthenticating
	StatusAnalyzing
	StatusCompleted
	StatusAuthFailed
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusScanning:
		return "SCANNING"
	case StatusAuthenticating:
		return "AUTHENTICATING"
	case StatusAnalyzing:
		return "ANALYZING"
	case StatusCompleted:
		return "COMPLETED"
	case StatusAuthFailed:
		return "AUTH_FAILED"
	case StatusError:
		return "ERROR"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAuthFailed || s == StatusError
}

var statusNext = map[Status][]Status{
	StatusPending:        {StatusScanning},
	StatusScanning:       {StatusAuthenticating},
	StatusAuthenticating: {StatusAnalyzing, StatusAuthFailed},
	StatusAnalyzing:      {StatusCompleted},
}

func canTransition(from, to Status) bool {
	if to == StatusError {
		return !from.Terminal()
	}
	for _, n := range statusNext[from] {
		if n == to {
			return true
		}
	}
	return false
}

// PortSet is a duplicate-free collection of port numbers.
type PortSet map[int]struct{}

func NewPortSet(ports ...int) PortSet {
	s := make(PortSet, len(ports))
	for _, p := range ports {
		s[p] = struct{}{}
	}
	return s
}

func (s PortSet) Add(port int)      { s[port] = struct{}{} }
func (s PortSet) Has(port int) bool { _, ok := s[port]; return ok }

// Sorted returns the ports in ascending order.
func (s PortSet) Sorted() []int {
	out := make([]int, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (s PortSet) MarshalJSON() ([]byte, error) {
	ports := s.Sorted()
	b := []byte{'['}
	for i, p := range ports {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, []byte(fmt.Sprintf("%d", p))...)
	}
	return append(b, ']'), nil
}

// Credential is a username/password pair. The password never appears in
// String output; Unmasked exists only for explicit operator review.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// String renders the credential with the password masked.
func (c Credential) String() string {
	return c.Username + ":" + c.MaskedPassword()
}

func (c Credential) MaskedPassword() string {
	switch n := len(c.Password); {
	case n == 0:
		return ""
	case n <= 2:
		return "**"
	default:
		return c.Password[:1] + "***" + c.Password[n-1:]
	}
}

// Unmasked renders the cleartext pair. Never log or persist this form.
func (c Credential) Unmasked() string {
	return c.Username + ":" + c.Password
}

// RTSPStream is one media stream exposed by a device channel. Owned by its
// Device and never shared.
type RTSPStream struct {
	VideoSource string  `json:"video_source,omitempty"`
	Channel     string  `json:"channel,omitempty"`
	Name        string  `json:"name,omitempty"`
	URL         string  `json:"url,omitempty"`
	Resolution  string  `json:"resolution,omitempty"`
	Codec       string  `json:"codec,omitempty"`
	Profile     string  `json:"profile,omitempty"`
	BitrateKbps int     `json:"bitrate_kbps,omitempty"`
	FrameRate   float64 `json:"frame_rate,omitempty"`
	SessionName string  `json:"session_name,omitempty"`

	Compliant       bool   `json:"compliant"`
	ComplianceIssue string `json:"compliance_issue,omitempty"`
}

// Device is one network endpoint under investigation. It is mutated only by
// the pipeline workflow that owns it.
type Device struct {
	Address      string `json:"address"`
	MAC          string `json:"mac,omitempty"`
	Name         string `json:"name,omitempty"`
	Type         string `json:"type,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Serial       string `json:"serial,omitempty"`

	ClockOffsetSec *float64 `json:"clock_offset_sec,omitempty"`

	Credential Credential  `json:"credential,omitempty"`
	AuthMethod auth.Scheme `json:"auth_method"`
	AuthFailed bool        `json:"auth_failed,omitempty"`

	MgmtPorts   PortSet `json:"mgmt_ports,omitempty"`
	RTSPPorts   PortSet `json:"rtsp_ports,omitempty"`
	VendorPorts PortSet `json:"vendor_ports,omitempty"`

	IsNVR     bool         `json:"is_nvr,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	Status    Status       `json:"status"`
	Streams   []RTSPStream `json:"streams,omitempty"`

	// Workflow-internal service locations, set during authentication.
	serviceEndpoint string
	rtspBase        string
}

// Clone returns a deep copy safe to hand to the presentation layer while
// the workflow keeps mutating the original.
func (d *Device) Clone() Device {
	out := *d
	out.MgmtPorts = NewPortSet(d.MgmtPorts.Sorted()...)
	out.RTSPPorts = NewPortSet(d.RTSPPorts.Sorted()...)
	out.VendorPorts = NewPortSet(d.VendorPorts.Sorted()...)
	if d.ClockOffsetSec != nil {
		v := *d.ClockOffsetSec
		out.ClockOffsetSec = &v
	}
	if d.Streams != nil {
		out.Streams = append([]RTSPStream(nil), d.Streams...)
	}
	return out
}

// NewDevice creates a PENDING record for a candidate address.
func NewDevice(address string) *Device {
	return &Device{
		Address:     address,
		Status:      StatusPending,
		MgmtPorts:   NewPortSet(),
		RTSPPorts:   NewPortSet(),
		VendorPorts: NewPortSet(),
	}
}

// Advance moves the device along the transition graph.
func (d *Device) Advance(to Status) error {
	if !canTransition(d.Status, to) {
		return fmt.Errorf("illegal status transition %s -> %s for %s", d.Status, to, d.Address)
	}
	d.Status = to
	return nil
}

// Fail records a terminal error for this device. Safe from any live state.
func (d *Device) Fail(msg string) {
	if d.Status.Terminal() {
		return
	}
	d.Status = StatusError
	d.LastError = msg
}

// FailAuth marks the device authentication-failed with the last rejection
// reason. Only legal from AUTHENTICATING.
func (d *Device) FailAuth(msg string) error {
	if err := d.Advance(StatusAuthFailed); err != nil {
		return err
	}
	d.AuthFailed = true
	d.LastError = msg
	return nil
}

// AddStream appends a discovered stream. The sequence is append-only.
func (d *Device) AddStream(s RTSPStream) {
	d.Streams = append(d.Streams, s)
}

// OpenPortCount counts open ports across all categories.
func (d *Device) OpenPortCount() int {
	return len(d.MgmtPorts) + len(d.RTSPPorts) + len(d.VendorPorts)
}
