package camaudit

import (
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/golang/glog"
)

// HardwareResolver resolves the link-layer address for a reachable network
// address. Implementations return "" when resolution is not possible; they
// never fail the scan.
type HardwareResolver interface {
	Resolve(ctx context.Context, addr string) string
}

var macToken = regexp.MustCompile(`(?i)\b[0-9a-f]{2}([:-][0-9a-f]{2}){5}\b`)

type neighborResolver struct {
	timeout time.Duration
	goos    string
	run     func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewHardwareResolver returns a resolver backed by the operating system's
// neighbor-table query command.
func NewHardwareResolver(timeout time.Duration) HardwareResolver {
	return &neighborResolver{
		timeout: timeout,
		goos:    runtime.GOOS,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
	}
}

func (r *neighborResolver) Resolve(ctx context.Context, addr string) string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	for _, cmd := range r.commands(addr) {
		out, err := r.run(ctx, cmd[0], cmd[1:]...)
		if err != nil {
			glog.V(2).Infof("neighbor query %v for %s failed: %v", cmd, addr, err)
			continue
		}
		if mac := macFromNeighborOutput(string(out), addr); mac != "" {
			return mac
		}
	}
	return ""
}

func (r *neighborResolver) commands(addr string) [][]string {
	if r.goos == "windows" {
		return [][]string{{"arp", "-a", addr}}
	}
	return [][]string{
		{"ip", "neigh", "show", addr},
		{"arp", "-n", addr},
	}
}

// macFromNeighborOutput scans free-text neighbor-table output for a line
// mentioning addr and extracts a MAC-shaped token from it.
func macFromNeighborOutput(output, addr string) string {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, addr) {
			continue
		}
		if tok := macToken.FindString(line); tok != "" {
			return NormalizeMAC(tok)
		}
	}
	return ""
}

var macSeparators = strings.NewReplacer(":", "", "-", "", ".", "", " ", "")

// NormalizeMAC canonicalizes a hardware address to XX:XX:XX:XX:XX:XX. Input
// that is not exactly 12 hex characters after separator removal is returned
// unchanged, which makes normalization idempotent.
func NormalizeMAC(s string) string {
	stripped := macSeparators.Replace(s)
	if len(stripped) != 12 {
		return s
	}
	for _, c := range stripped {
		if !isHex(byte(c)) {
			return s
		}
	}
	stripped = strings.ToUpper(stripped)
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(stripped[i : i+2])
	}
	return b.String()
}

func isHex(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F'
}

var canonicalMAC = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

// MACPrefix returns the first three canonical octets for manufacturer
// lookup, or "" when the input does not normalize to a MAC.
func MACPrefix(s string) string {
	mac := NormalizeMAC(s)
	if !canonicalMAC.MatchString(mac) {
		return ""
	}
	return mac[:8]
}

// Camera and NVR vendors seen in surveillance deployments, keyed by OUI.
var ouiVendors = map[string]string{
	"28:57:BE": "Hikvision",
	"C0:56:E3": "Hikvision",
	"44:19:B6": "Hikvision",
	"3C:EF:8C": "Dahua",
	"90:02:A9": "Dahua",
	"E0:50:8B": "Dahua",
	"00:40:8C": "Axis",
	"AC:CC:8E": "Axis",
	"00:80:F0": "Panasonic",
	"00:1B:C5": "Bosch",
	"00:09:18": "Samsung Techwin",
	"00:16:6C": "Samsung",
	"00:02:D1": "Vivotek",
	"00:30:6F": "Pelco",
	"48:EA:63": "Uniview",
	"DC:A6:32": "Raspberry Pi",
	"B8:27:EB": "Raspberry Pi",
	"00:50:56": "VMware",
	"00:0C:29": "VMware",
	"52:54:00": "QEMU/KVM",
}

// ManufacturerForMAC maps a hardware address to a known vendor name, or "".
func ManufacturerForMAC(mac string) string {
	prefix := MACPrefix(mac)
	if prefix == "" {
		return ""
	}
	return ouiVendors[prefix]
}
