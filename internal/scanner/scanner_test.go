package scanner

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/camarigor/bitaxe-sentry/internal/collector"
)

func TestExpandSubnet(t *testing.T) {
	s := NewScanner()

	tests := []struct {
		subnet      string
		count       int
		first, last string
	}{
		{"192.168.1.0/24", 254, "192.168.1.1", "192.168.1.254"},
		{"10.7.7.0/24", 254, "10.7.7.1", "10.7.7.254"},
		{"192.168.1.0/28", 14, "192.168.1.1", "192.168.1.14"},
		{"192.168.1.77/30", 2, "192.168.1.77", "192.168.1.78"},
		{"172.16.0.0/16", 65534, "172.16.0.1", "172.16.255.254"},
	}
	for _, tt := range tests {
		t.Run(tt.subnet, func(t *testing.T) {
			ips, err := s.expandSubnet(tt.subnet)
			if err != nil {
				t.Fatalf("expandSubnet(%q): %v", tt.subnet, err)
			}
			if len(ips) != tt.count {
				t.Fatalf("expandSubnet(%q) returned %d hosts, want %d", tt.subnet, len(ips), tt.count)
			}
			if ips[0] != tt.first || ips[len(ips)-1] != tt.last {
				t.Errorf("expandSubnet(%q) spans %s-%s, want %s-%s", tt.subnet, ips[0], ips[len(ips)-1], tt.first, tt.last)
			}
		})
	}

	for _, bad := range []string{"invalid", "192.168.1.0", "10.0.0.0/8", "fe80::/120"} {
		if _, err := s.expandSubnet(bad); err == nil {
			t.Errorf("expandSubnet(%q) should fail", bad)
		}
	}
}

func TestDetectSubnet(t *testing.T) {
	s := NewScanner()

	subnet, err := s.DetectSubnet()

	// In a container or CI environment, this might fail
	// which is acceptable - we just verify the format if it succeeds
	if err != nil {
		t.Skipf("DetectSubnet failed (may be expected in container): %v", err)
		return
	}

	// Verify it returns a /24
	if !strings.HasSuffix(subnet, "/24") {
		t.Errorf("DetectSubnet() = %q, want suffix /24", subnet)
	}

	// Verify it's a valid CIDR
	_, err = s.expandSubnet(subnet)
	if err != nil {
		t.Errorf("DetectSubnet() returned invalid CIDR %q: %v", subnet, err)
	}

	t.Logf("Detected subnet: %s", subnet)
}

func TestIsSupportedMiner(t *testing.T) {
	tests := []struct {
		name         string
		deviceModel  string
		asicModel    string
		axeOSVersion string
		want         bool
	}{
		{
			name:         "AxeOS firmware",
			axeOSVersion: "v2.4.2",
			want:         true,
		},
		{
			name:      "Bitaxe Gamma ASIC",
			asicModel: "BM1370",
			want:      true,
		},
		{
			name:      "Bitaxe Supra ASIC",
			asicModel: "BM1368",
			want:      true,
		},
		{
			name:      "Bitaxe Max ASIC lowercase",
			asicModel: "bm1397",
			want:      true,
		},
		{
			name:        "device model mentions bitaxe",
			deviceModel: "Bitaxe Ultra",
			want:        true,
		},
		{
			name:        "unknown device",
			deviceModel: "AntMiner S19",
			asicModel:   "Unknown",
			want:        false,
		},
		{
			name: "empty models",
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := &collector.SystemInfo{
				DeviceModel:  tt.deviceModel,
				ASICModel:    tt.asicModel,
				AxeOSVersion: tt.axeOSVersion,
			}

			got := isSupportedMiner(info)
			if got != tt.want {
				t.Errorf("isSupportedMiner(%q, %q, %q) = %v, want %v", tt.deviceModel, tt.asicModel, tt.axeOSVersion, got, tt.want)
			}
		})
	}
}

func TestIncIP(t *testing.T) {
	s := NewScanner()
	for from, want := range map[string]string{
		"192.168.1.1":     "192.168.1.2",
		"192.168.1.255":   "192.168.2.0",
		"192.168.255.255": "192.169.0.0",
	} {
		ip := net.ParseIP(from).To4()
		s.incIP(ip)
		if ip.String() != want {
			t.Errorf("incIP(%s) = %s, want %s", from, ip, want)
		}
	}
}

func TestScanContextCancellation(t *testing.T) {
	s := NewScanner()

	// Create a context that's already cancelled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Scan should return early with context error
	results, err := s.Scan(ctx, "192.168.1.0/24")

	// Either no results or context error is acceptable
	if err != nil && err != context.Canceled {
		t.Errorf("Scan with cancelled context unexpected error: %v", err)
	}

	// Should have very few or no results since context was cancelled
	if len(results) > 10 {
		t.Errorf("Scan with cancelled context returned too many results: %d", len(results))
	}
}

func TestScanSingle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"hostname": "bitaxe-gamma", "ASICModel": "BM1370", "axeOSVersion": "v2.4.2",
			"hashRate": 1200.5, "temp": 52, "bestDiff": "1.2G"}`)
	}))
	defer srv.Close()

	s := NewScannerWithOptions(4, time.Second)
	host := strings.TrimPrefix(srv.URL, "http://")

	result, err := s.ScanSingle(context.Background(), host)
	if err != nil {
		t.Fatalf("ScanSingle(%q) unexpected error: %v", host, err)
	}
	if result.Endpoint != srv.URL {
		t.Errorf("Endpoint = %q, want %q", result.Endpoint, srv.URL)
	}
	if result.IP != "127.0.0.1" {
		t.Errorf("IP = %q, want 127.0.0.1", result.IP)
	}
	if result.Hostname != "bitaxe-gamma" || result.ASICModel != "BM1370" || result.Version != "v2.4.2" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestScanSingleRejectsOtherDevices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"deviceModel": "AntMiner S19", "hashRate": 1, "temp": 1, "bestDiff": 1}`)
	}))
	defer srv.Close()

	s := NewScannerWithOptions(4, time.Second)
	if _, err := s.ScanSingle(context.Background(), strings.TrimPrefix(srv.URL, "http://")); err == nil {
		t.Error("expected unsupported device to be rejected")
	}
}
