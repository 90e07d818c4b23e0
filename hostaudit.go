package camaudit

import (
	"os"
	"runtime"
	"time"
)

// HostAuditReport describes the machine running the scan. It is produced
// independently of the discovery pipeline and consumed only by the caller.
type HostAuditReport struct {
	Hostname    string    `json:"hostname"`
	Platform    string    `json:"platform"`
	Arch        string    `json:"arch"`
	CPUs        int       `json:"cpus"`
	CollectedAt time.Time `json:"collected_at"`
}

// CollectHostAudit gathers local host facts for the scan report header.
func CollectHostAudit() HostAuditReport {
	hostname, _ := os.Hostname()
	return HostAuditReport{
		Hostname:    hostname,
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		CPUs:        runtime.NumCPU(),
		CollectedAt: time.Now().UTC(),
	}
}
