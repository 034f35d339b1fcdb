package service

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"kvmcontrol/kvm"
	"kvmcontrol/models"
)

const (
	discoveryPort        = 443
	discoveryConcurrency = 64
	discoveryDialWait    = 500 * time.Millisecond
)

// Discovery sweeps the local /24 networks for appliances: a cheap TCP
// probe filters unreachable hosts, then the control plane's auth-check
// endpoint confirms the survivor actually speaks our protocol.
type Discovery struct {
	port int
}

func NewDiscovery() *Discovery {
	return &Discovery{port: discoveryPort}
}

// Scan probes every address in the local /24 subnets and returns the
// appliances that answered. The result is raw scan output; the caller
// merges it into the catalog.
func (d *Discovery) Scan(ctx context.Context) ([]*models.Device, error) {
	candidates, err := d.localSubnetAddrs()
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	log.Printf("🔍 Scanning %d addresses on port %d", len(candidates), d.port)

	var (
		mu    sync.Mutex
		found []*models.Device
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, discoveryConcurrency)

	for _, host := range candidates {
		select {
		case <-ctx.Done():
			return found, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			defer func() { <-sem }()

			if dev := d.probe(ctx, host); dev != nil {
				mu.Lock()
				found = append(found, dev)
				mu.Unlock()
			}
		}(host)
	}
	wg.Wait()

	log.Printf("🔍 Scan complete: %d appliances found", len(found))
	return found, nil
}

// probe checks one address: TCP reachability first, then the control
// plane handshake. An unauthenticated-but-answering appliance counts.
func (d *Discovery) probe(ctx context.Context, host string) *models.Device {
	addr := fmt.Sprintf("%s:%d", host, d.port)
	dialer := net.Dialer{Timeout: discoveryDialWait}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil
	}
	conn.Close()

	client, err := kvm.NewClient(host, d.port, "")
	if err != nil {
		return nil
	}
	if _, err := client.Identify(ctx); err != nil {
		return nil
	}

	return &models.Device{
		Host: host,
		Port: d.port,
		Name: host,
		Type: "pikvm",
	}
}

// localSubnetAddrs enumerates the .1-.254 neighbors of every local
// IPv4 interface address, excluding our own addresses.
func (d *Discovery) localSubnetAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	own := make(map[string]bool)
	subnets := make(map[string]bool)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
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
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			own[ip4.String()] = true
			subnets[fmt.Sprintf("%d.%d.%d", ip4[0], ip4[1], ip4[2])] = true
		}
	}

	var out []string
	for prefix := range subnets {
		for i := 1; i <= 254; i++ {
			host := fmt.Sprintf("%s.%d", prefix, i)
			if !own[host] {
				out = append(out, host)
			}
		}
	}
	return out, nil
}
