package camaudit

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestProbePort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	ctx := context.Background()
	if !ProbePort(ctx, "127.0.0.1", port, time.Second) {
		t.Fatal("listening port reported closed")
	}

	ln.Close()
	if ProbePort(ctx, "127.0.0.1", port, time.Second) {
		t.Fatal("closed port reported open")
	}
}

func TestScanPorts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	open := ln.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	closedPort := closed.Addr().(*net.TCPAddr).Port
	closed.Close()

	got := ScanPorts(context.Background(), "127.0.0.1", []int{open, closedPort}, time.Second)
	if !got.Has(open) || got.Has(closedPort) {
		t.Fatalf("ScanPorts = %v, want only %d", got.Sorted(), open)
	}
}

func TestScanPortsHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got := ScanPorts(ctx, "127.0.0.1", []int{1, 2, 3}, time.Second)
	if len(got) != 0 {
		t.Fatalf("cancelled scan returned %v", got.Sorted())
	}
}
