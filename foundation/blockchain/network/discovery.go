package network

import (
	"context"
	"fmt"
	"time"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/peer"
	libpeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/multiformats/go-multiaddr"
)

// connectTimeout bounds how long a single dial to a peer can take.
const connectTimeout = 10 * time.Second

// startDiscovery dials the configured known peers, starts the mDNS service
// and starts the sweeper that expires peers discovery stopped reporting.
func (n *Network) startDiscovery(cfg Config) error {
	for _, addr := range cfg.KnownPeers {
		info, err := parseKnownPeer(addr)
		if err != nil {
			return err
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.connect(info)
		}()
	}

	if cfg.ServiceTag != "" {
		n.mdns = mdns.NewMdnsService(n.host, cfg.ServiceTag, &notifee{n: n})
		if err := n.mdns.Start(); err != nil {
			return fmt.Errorf("start mdns: %w", err)
		}
		n.evHandler("network: discovery: mdns started: tag[%s]", cfg.ServiceTag)
	}

	if n.peerTTL > 0 {
		interval := cfg.SweepInterval
		if interval <= 0 {
			interval = n.peerTTL / 2
		}

		n.wg.Add(1)
		go n.sweepOperations(interval)
	}

	return nil
}

// connect dials the peer and records it on success.
func (n *Network) connect(info libpeer.AddrInfo) {
	ctx, cancel := context.WithTimeout(n.ctx, connectTimeout)
	defer cancel()

	if err := n.host.Connect(ctx, info); err != nil {
		n.evHandler("network: connect: peer[%s]: ERROR: %s", info.ID, err)
		return
	}

	if n.peers.Add(peer.New(info.ID.String())) {
		n.evHandler("network: connect: peer[%s]: added", info.ID)
	}
}

// sweepOperations periodically expires peers that discovery has not reported
// within the ttl and that hold no live connection.
func (n *Network) sweepOperations(interval time.Duration) {
	defer n.wg.Done()

	n.evHandler("network: sweepOperations: G started")
	defer n.evHandler("network: sweepOperations: G completed")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, p := range n.peers.Sweep(time.Now().Add(-n.peerTTL), n.isConnected) {
				n.evHandler("network: sweepOperations: peer[%s]: expired", p)
			}
		case <-n.ctx.Done():
			return
		}
	}
}

// =============================================================================

// notifee receives peers found by the mDNS service.
type notifee struct {
	n *Network
}

// HandlePeerFound implements the mdns.Notifee interface. Every report
// refreshes the peer's discovery record.
func (nf *notifee) HandlePeerFound(info libpeer.AddrInfo) {
	n := nf.n

	if info.ID == n.host.ID() {
		return
	}

	if n.peers.Add(peer.New(info.ID.String())) {
		n.evHandler("network: discovery: peer[%s]: discovered", info.ID)
	}

	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.connect(info)
	}()
}

// parseKnownPeer converts a full multiaddr including the /p2p/ component
// into the address information required to dial it.
func parseKnownPeer(addr string) (libpeer.AddrInfo, error) {
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return libpeer.AddrInfo{}, fmt.Errorf("parse known peer %q: %w", addr, err)
	}

	info, err := libpeer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return libpeer.AddrInfo{}, fmt.Errorf("known peer %q: %w", addr, err)
	}

	return *info, nil
}
