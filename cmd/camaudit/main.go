package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang/glog"

	"github.com/nvrsec/camaudit"
	"github.com/nvrsec/camaudit/auth"
)

func main() {
	var (
		cidr        = flag.String("cidr", "", "Network range in CIDR form, e.g. 192.168.1.0/24")
		from        = flag.String("from", "", "Range start address (used with -to)")
		to          = flag.String("to", "", "Range end address (used with -from)")
		username    = flag.String("user", "admin", "Username for authentication")
		password    = flag.String("pass", "", "Password for authentication")
		credsFile   = flag.String("creds", "", "Extra credentials file (username:password per line)")
		envFile     = flag.String("env", "", "Env file with scan configuration")
		timeout     = flag.Int("timeout", 0, "Probe timeout in milliseconds (overrides env)")
		concurrency = flag.Int("concurrency", 0, "Concurrent device workflows (overrides env)")
		output      = flag.String("output", "", "Output file path for the JSON report (optional)")
		noDiscovery = flag.Bool("no-wsdiscovery", false, "Disable the unicast WS-Discovery identity probe")
		showCreds   = flag.Bool("show-credentials", false, "Print working credentials unmasked in the summary")
	)
	flag.Parse()
	defer glog.Flush()

	addrs, total, err := expandTargets(*cidr, *from, *to)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	creds := []camaudit.Credential{{Username: *username, Password: *password}}
	if *credsFile != "" {
		extra, err := loadCredentials(*credsFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: credentials file %s: %v\n", *credsFile, err)
		} else {
			creds = append(creds, extra...)
		}
	}

	scanCfg := camaudit.LoadScanConfig(*envFile)
	if *timeout > 0 {
		scanCfg.ProbeTimeout = time.Duration(*timeout) * time.Millisecond
	}
	if *concurrency > 0 {
		scanCfg.Concurrency = *concurrency
	}

	fmt.Printf("Scanning %d address(es), concurrency %d, probe timeout %s\n",
		total, scanCfg.Concurrency, scanCfg.ProbeTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline := camaudit.NewPipeline(camaudit.PipelineConfig{
		Credentials:  creds,
		Concurrency:  scanCfg.Concurrency,
		ProbeTimeout: scanCfg.ProbeTimeout,
		HTTPTimeout:  scanCfg.HTTPTimeout,
		MgmtPorts:    scanCfg.MgmtPorts,
		RTSPPorts:    scanCfg.RTSPPorts,
		VendorPorts:  scanCfg.VendorPorts,
		Resolver:     camaudit.NewHardwareResolver(scanCfg.ProbeTimeout),
		WSDiscovery:  !*noDiscovery,
	})

	devices := pipeline.Run(ctx, addrs)

	report := struct {
		Host    camaudit.HostAuditReport `json:"host"`
		Devices []camaudit.Device        `json:"devices"`
	}{
		Host:    camaudit.CollectHostAudit(),
		Devices: devices,
	}

	printSummary(devices, *showCreds)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding report: %v\n", err)
		os.Exit(1)
	}
	if *output != "" {
		if err := os.WriteFile(*output, data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *output, err)
			os.Exit(1)
		}
		fmt.Printf("Report written to %s\n", *output)
	} else {
		fmt.Println(string(data))
	}
}

func expandTargets(cidr, from, to string) ([]string, int64, error) {
	switch {
	case cidr != "" && (from != "" || to != ""):
		return nil, 0, fmt.Errorf("use either -cidr or -from/-to, not both")
	case cidr != "":
		count, err := camaudit.CIDRHostCount(cidr)
		if err != nil {
			return nil, 0, err
		}
		addrs, err := camaudit.ExpandCIDR(cidr)
		return addrs, count, err
	case from != "" && to != "":
		count, err := camaudit.RangeHostCount(from, to)
		if err != nil {
			return nil, 0, err
		}
		addrs, err := camaudit.ExpandRange(from, to)
		return addrs, count, err
	default:
		return nil, 0, fmt.Errorf("a target is required: -cidr, or -from and -to")
	}
}

// loadCredentials reads username:password lines; blank lines and # comments
// are skipped.
func loadCredentials(path string) ([]camaudit.Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var creds []camaudit.Credential
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, pass, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		creds = append(creds, camaudit.Credential{Username: user, Password: pass})
	}
	return creds, scanner.Err()
}

func printSummary(devices []camaudit.Device, showCreds bool) {
	var completed, authFailed, failed, nonCompliant int
	for _, d := range devices {
		switch d.Status {
		case camaudit.StatusCompleted:
			completed++
		case camaudit.StatusAuthFailed:
			authFailed++
		default:
			failed++
		}
		for _, s := range d.Streams {
			if !s.Compliant {
				nonCompliant++
			}
		}
	}

	fmt.Printf("\n%d device(s) completed, %d authentication failures, %d unreachable or errored\n",
		completed, authFailed, failed)
	if nonCompliant > 0 {
		fmt.Printf("%d stream(s) failed compliance checks\n", nonCompliant)
	}

	for _, d := range devices {
		if d.Status != camaudit.StatusCompleted {
			continue
		}
		cred := d.Credential.String()
		if showCreds {
			cred = d.Credential.Unmasked()
		}
		name := d.Name
		if name == "" {
			name = d.Address
		}
		fmt.Printf("  %-15s %-12s auth=%s", d.Address, name, d.AuthMethod)
		if d.AuthMethod != auth.SchemeNone {
			fmt.Printf(" cred=%s", cred)
		}
		if d.IsNVR {
			fmt.Print(" [NVR]")
		}
		fmt.Printf(" streams=%d\n", len(d.Streams))
	}
}
