package api

import (
	"fmt"
	"os"

	"github.com/SimplyPrint/apdu-shell/internal/logging"
	"github.com/grandcat/zeroconf"
)

const (
	MDNSServiceType = "_apdu-shell._tcp"
	MDNSDomain      = "local."
)

// Advertiser publishes the bridge on the local network.
type Advertiser struct {
	server *zeroconf.Server
}

// StartMDNS registers the bridge as an mDNS service listening on port.
func StartMDNS(port int) (*Advertiser, error) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "apdu-shell"
	}
	name := "apdu-shell on " + host

	txtRecords := []string{
		"version=" + Version,
		"protocol=websocket",
		"path=/v1/ws",
	}

	server, err := zeroconf.Register(name, MDNSServiceType, MDNSDomain, port, txtRecords, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	logging.Info(logging.CatSystem, "mDNS service registered", map[string]any{
		"name": name,
		"type": MDNSServiceType,
		"port": port,
	})
	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement. Safe on a nil Advertiser.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
	logging.Info(logging.CatSystem, "mDNS service stopped", nil)
}
