package camaudit

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
)

// ScanConfig holds the tunables an operator sets through the environment.
type ScanConfig struct {
	Concurrency  int
	ProbeTimeout time.Duration
	HTTPTimeout  time.Duration
	MgmtPorts    []int
	RTSPPorts    []int
	VendorPorts  []int
}

// DefaultScanConfig mirrors the port sets common surveillance gear listens
// on: ONVIF/web management, RTSP streaming, and recorder vendor protocols
// (Dahua 37777, XiongMai 34567, generic SOAP 8899).
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		Concurrency:  20,
		ProbeTimeout: 2 * time.Second,
		HTTPTimeout:  10 * time.Second,
		MgmtPorts:    []int{80, 8080, 8000, 5000, 10000},
		RTSPPorts:    []int{554, 8554, 1935, 8935},
		VendorPorts:  []int{37777, 34567, 8899},
	}
}

// LoadScanConfig reads configuration from an optional env file plus the
// process environment, falling back to defaults. A missing env file is not
// an error.
func LoadScanConfig(envFile string) ScanConfig {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			glog.Warningf("env file %s: %v", envFile, err)
		}
	} else if err := godotenv.Load(); err == nil {
		glog.V(1).Info("loaded configuration from .env")
	}

	cfg := DefaultScanConfig()
	cfg.Concurrency = envInt("CAMAUDIT_CONCURRENCY", cfg.Concurrency)
	cfg.ProbeTimeout = time.Duration(envInt("CAMAUDIT_PROBE_TIMEOUT_MS", int(cfg.ProbeTimeout/time.Millisecond))) * time.Millisecond
	cfg.HTTPTimeout = time.Duration(envInt("CAMAUDIT_HTTP_TIMEOUT_MS", int(cfg.HTTPTimeout/time.Millisecond))) * time.Millisecond
	cfg.MgmtPorts = envPorts("CAMAUDIT_MGMT_PORTS", cfg.MgmtPorts)
	cfg.RTSPPorts = envPorts("CAMAUDIT_RTSP_PORTS", cfg.RTSPPorts)
	cfg.VendorPorts = envPorts("CAMAUDIT_VENDOR_PORTS", cfg.VendorPorts)
	return cfg
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		glog.Warningf("ignoring %s=%q: not a positive integer", key, v)
		return def
	}
	return n
}

func envPorts(key string, def []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var ports []int
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > 65535 {
			glog.Warningf("ignoring %s: bad port %q", key, part)
			return def
		}
		ports = append(ports, n)
	}
	return ports
}
