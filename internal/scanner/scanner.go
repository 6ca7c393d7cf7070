package scanner

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/camarigor/bitaxe-sentry/internal/collector"
)

var log = logging.Logger("scanner")

// ASIC models found in Bitaxe hardware
var knownASICModels = []string{
	"BM1397",
	"BM1366",
	"BM1368",
	"BM1370",
}

// ScanResult represents a discovered miner
type ScanResult struct {
	Endpoint  string `json:"endpoint"`
	IP        string `json:"ip"`
	Hostname  string `json:"hostname"`
	ASICModel string `json:"asic_model"`
	Version   string `json:"version"`
}

// Scanner scans networks for AxeOS miners
type Scanner struct {
	client      *collector.MinerClient
	concurrency int
	timeout     time.Duration
}

// NewScanner creates a new Scanner with default settings
func NewScanner() *Scanner {
	return NewScannerWithOptions(50, 2*time.Second)
}

// NewScannerWithOptions creates a new Scanner with custom settings
func NewScannerWithOptions(concurrency int, timeout time.Duration) *Scanner {
	return &Scanner{
		client:      collector.NewMinerClient(timeout),
		concurrency: concurrency,
		timeout:     timeout,
	}
}

// DetectSubnet returns the first local /24, e.g. "10.7.7.0/24".
func (s *Scanner) DetectSubnet() (string, error) {
	subnets := s.DetectAllSubnets()
	if len(subnets) == 0 {
		return "", fmt.Errorf("no suitable network interface found")
	}
	return subnets[0], nil
}

// DetectAllSubnets returns all local subnets from all network interfaces
func (s *Scanner) DetectAllSubnets() []string {
	interfaces, err := net.Interfaces()
	if err != nil {
		log.Warnf("listing network interfaces: %v", err)
		return nil
	}

	seen := make(map[string]bool)
	var subnets []string

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}

			// Docker bridges
			if ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31 {
				continue
			}

			subnet := fmt.Sprintf("%s/24", ip.Mask(net.CIDRMask(24, 32)))
			if !seen[subnet] {
				seen[subnet] = true
				subnets = append(subnets, subnet)
			}
		}
	}

	return subnets
}

// Scan probes every host in subnet and returns the AxeOS miners found,
// ordered by address.
func (s *Scanner) Scan(ctx context.Context, subnet string) ([]ScanResult, error) {
	ips, err := s.expandSubnet(subnet)
	if err != nil {
		return nil, fmt.Errorf("failed to expand subnet: %w", err)
	}

	log.Infof("scanning %d hosts in %s", len(ips), subnet)

	var (
		results []ScanResult
		mu      sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, ip := range ips {
		if ctx.Err() != nil {
			break
		}
		ip := ip
		g.Go(func() error {
			result, err := s.ScanSingle(gctx, ip)
			if err == nil {
				mu.Lock()
				results = append(results, *result)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(results, func(i, j int) bool {
		return bytes.Compare(net.ParseIP(results[i].IP).To16(), net.ParseIP(results[j].IP).To16()) < 0
	})

	log.Infof("scan of %s found %d miners", subnet, len(results))
	return results, ctx.Err()
}

// ScanSingle checks one host, given as an IP or host:port, for an AxeOS miner.
func (s *Scanner) ScanSingle(ctx context.Context, host string) (*ScanResult, error) {
	endpoint := "http://" + host
	info, err := s.client.FetchInfo(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	if !isSupportedMiner(info) {
		return nil, fmt.Errorf("device at %s is not a supported miner", host)
	}

	ip := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		ip = h
	}

	version := info.AxeOSVersion
	if version == "" {
		version = info.Version
	}

	return &ScanResult{
		Endpoint:  endpoint,
		IP:        ip,
		Hostname:  info.Hostname,
		ASICModel: info.ASICModel,
		Version:   version,
	}, nil
}

func isSupportedMiner(info *collector.SystemInfo) bool {
	if info.AxeOSVersion != "" {
		return true
	}

	for _, model := range knownASICModels {
		if strings.EqualFold(info.ASICModel, model) {
			return true
		}
	}

	lowerModel := strings.ToLower(info.DeviceModel)
	return strings.Contains(lowerModel, "bitaxe") || strings.Contains(lowerModel, "axe")
}

// expandSubnet converts CIDR to list of IPs (excluding network and broadcast addresses)
func (s *Scanner) expandSubnet(subnet string) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet CIDR: %w", err)
	}

	ip := ipNet.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("only IPv4 subnets are supported")
	}
	if ones, _ := ipNet.Mask.Size(); ones < 16 {
		return nil, fmt.Errorf("subnet %s is too large to scan", subnet)
	}

	mask := ipNet.Mask
	broadcastAddr := make(net.IP, len(ip))
	for i := 0; i < len(ip); i++ {
		broadcastAddr[i] = ip[i] | ^mask[i]
	}

	var ips []string
	currentIP := make(net.IP, len(ip))
	copy(currentIP, ip)
	s.incIP(currentIP)

	for ipNet.Contains(currentIP) {
		if currentIP.Equal(broadcastAddr) {
			break
		}
		ips = append(ips, currentIP.String())
		s.incIP(currentIP)
	}

	return ips, nil
}

// incIP increments an IP address by 1
func (s *Scanner) incIP(ip net.IP) {
	for i := len(ip) - 1; i >= 0; i-- {
		ip[i]++
		if ip[i] > 0 {
			break
		}
	}
}
