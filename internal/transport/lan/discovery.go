package lan

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kimhsiao/crmorbit/backend/internal/logging"
	"github.com/kimhsiao/crmorbit/backend/internal/models"
	syncpkg "github.com/kimhsiao/crmorbit/backend/internal/sync"
)

const (
	// ServiceType is the mDNS service devices advertise.
	ServiceType = "_crmorbit._tcp"
	// ServiceDomain is the mDNS domain.
	ServiceDomain = "local."

	txtDeviceID   = "deviceId"
	txtDeviceName = "name"
)

// DiscoveryConfig describes how this device advertises itself.
type DiscoveryConfig struct {
	DeviceID   string
	DeviceName string
	Port       int
}

// Discovery advertises the local sync endpoint and browses for peers over
// mDNS.
type Discovery struct {
	cfg DiscoveryConfig
	now func() time.Time

	mu     sync.Mutex
	server *zeroconf.Server
	cancel context.CancelFunc
	done   chan struct{}
}

var _ syncpkg.Discovery = (*Discovery)(nil)

// NewDiscovery creates a stopped discovery.
func NewDiscovery(cfg DiscoveryConfig) *Discovery {
	return &Discovery{cfg: cfg, now: time.Now}
}

// Start registers the service and browses until Stop or ctx ends.
func (d *Discovery) Start(ctx context.Context, found syncpkg.PeerFound) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server != nil {
		return nil
	}

	instance := d.cfg.DeviceName
	if instance == "" {
		instance = d.cfg.DeviceID
	}
	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, d.cfg.Port, TXTRecords(d.cfg), nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		server.Shutdown()
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	browseCtx, cancel := context.WithCancel(ctx)
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			peer, ok := PeerFromEntry(entry, d.now())
			if !ok || peer.DeviceID == d.cfg.DeviceID {
				continue
			}
			found(peer)
		}
	}()
	if err := resolver.Browse(browseCtx, ServiceType, ServiceDomain, entries); err != nil {
		cancel()
		server.Shutdown()
		return fmt.Errorf("failed to browse mDNS: %w", err)
	}

	d.server, d.cancel, d.done = server, cancel, done
	logging.Info("mDNS discovery started", map[string]interface{}{
		"instance": instance,
		"port":     d.cfg.Port,
	})
	return nil
}

// Stop withdraws the advertisement and ends browsing.
func (d *Discovery) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.server == nil {
		return nil
	}
	d.cancel()
	d.server.Shutdown()
	<-d.done
	d.server, d.cancel, d.done = nil, nil, nil
	return nil
}

// TXTRecords are the key=value pairs advertised with the service.
func TXTRecords(cfg DiscoveryConfig) []string {
	return []string{
		txtDeviceID + "=" + cfg.DeviceID,
		txtDeviceName + "=" + cfg.DeviceName,
	}
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, r := range records {
		k, v, ok := strings.Cut(r, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// PeerFromEntry converts a browse result into a peer. Entries without a
// device id or an IPv4 address are ignored.
func PeerFromEntry(entry *zeroconf.ServiceEntry, seen time.Time) (models.DeviceInfo, bool) {
	if entry == nil {
		return models.DeviceInfo{}, false
	}
	txt := parseTXT(entry.Text)
	id := txt[txtDeviceID]
	if id == "" || len(entry.AddrIPv4) == 0 || entry.Port <= 0 {
		return models.DeviceInfo{}, false
	}
	name := txt[txtDeviceName]
	if name == "" {
		name = entry.Instance
	}
	return models.DeviceInfo{
		DeviceID:   id,
		DeviceName: name,
		LastSeen:   seen,
		IPAddress:  entry.AddrIPv4[0].String(),
		Port:       entry.Port,
	}, true
}
