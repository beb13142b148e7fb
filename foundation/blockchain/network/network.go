// Package network implements the gossip transport for the node. It manages
// the libp2p host, the pubsub topics used for chain sync and block broadcast,
// and the discovery of peers on the local network.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/database"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/peer"
	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	libnet "github.com/libp2p/go-libp2p/core/network"
	libpeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// Default topic names used when none are configured.
const (
	DefaultChainTopic = "chains"
	DefaultBlockTopic = "blocks"
)

// Sizes of the channels handed to the event loop.
const (
	inboundBuffer   = 100
	connEventBuffer = 100
)

// EventHandler defines a function that is called when events
// occur in the network.
type EventHandler func(v string, args ...any)

// ConnEvent reports a change in the connectivity to a remote peer.
type ConnEvent struct {
	Peer  string
	State string
}

// Config represents the configuration required to start the network.
type Config struct {
	Identity      crypto.PrivKey
	ListenAddrs   []string
	ChainTopic    string
	BlockTopic    string
	ServiceTag    string
	KnownPeers    []string
	PeerTTL       time.Duration
	SweepInterval time.Duration
	EvHandler     EventHandler
}

// Network manages the gossip transport and peer discovery for the node.
type Network struct {
	host       host.Host
	ps         *pubsub.PubSub
	chainTopic *pubsub.Topic
	blockTopic *pubsub.Topic
	subs       []*pubsub.Subscription
	mdns       mdns.Service
	connSub    event.Subscription
	peers      *peer.PeerSet
	inbound    chan Message
	conns      chan ConnEvent
	peerTTL    time.Duration
	evHandler  EventHandler
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs the libp2p host, joins the chain and block topics and
// starts peer discovery.
func New(cfg Config) (*Network, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.ChainTopic == "" {
		cfg.ChainTopic = DefaultChainTopic
	}
	if cfg.BlockTopic == "" {
		cfg.BlockTopic = DefaultBlockTopic
	}
	if cfg.ChainTopic == cfg.BlockTopic {
		return nil, errors.New("chain and block topics must be different")
	}

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
	}
	if cfg.Identity != nil {
		opts = append(opts, libp2p.Identity(cfg.Identity))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("construct host: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := Network{
		host:      h,
		peers:     peer.NewPeerSet(),
		inbound:   make(chan Message, inboundBuffer),
		conns:     make(chan ConnEvent, connEventBuffer),
		peerTTL:   cfg.PeerTTL,
		evHandler: ev,
		ctx:       ctx,
		cancel:    cancel,
	}

	if err := n.start(cfg); err != nil {
		n.Shutdown()
		return nil, err
	}

	ev("network: New: host[%s]: listening: %v", n.ID(), n.Addrs())

	return &n, nil
}

// start joins the topics and starts the goroutines that feed the event loop.
func (n *Network) start(cfg Config) error {
	ps, err := pubsub.NewFloodSub(n.ctx, n.host)
	if err != nil {
		return fmt.Errorf("construct floodsub: %w", err)
	}
	n.ps = ps

	if n.chainTopic, err = ps.Join(cfg.ChainTopic); err != nil {
		return fmt.Errorf("join topic %q: %w", cfg.ChainTopic, err)
	}
	if n.blockTopic, err = ps.Join(cfg.BlockTopic); err != nil {
		return fmt.Errorf("join topic %q: %w", cfg.BlockTopic, err)
	}

	chainSub, err := n.chainTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe topic %q: %w", cfg.ChainTopic, err)
	}
	n.subs = append(n.subs, chainSub)

	blockSub, err := n.blockTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe topic %q: %w", cfg.BlockTopic, err)
	}
	n.subs = append(n.subs, blockSub)

	connSub, err := n.host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return fmt.Errorf("subscribe connectivity events: %w", err)
	}
	n.connSub = connSub

	n.wg.Add(3)
	go n.readLoop(chainSub, DecodeChainSync)
	go n.readLoop(blockSub, DecodeBlock)
	go n.connLoop()

	if err := n.startDiscovery(cfg); err != nil {
		return err
	}

	return nil
}

// Shutdown stops discovery, leaves the topics and closes the host.
func (n *Network) Shutdown() error {
	n.evHandler("network: shutdown: started")
	defer n.evHandler("network: shutdown: completed")

	n.cancel()

	if n.mdns != nil {
		n.mdns.Close()
	}

	for _, sub := range n.subs {
		sub.Cancel()
	}

	if n.connSub != nil {
		n.connSub.Close()
	}

	n.wg.Wait()

	for _, topic := range []*pubsub.Topic{n.chainTopic, n.blockTopic} {
		if topic != nil {
			topic.Close()
		}
	}

	return n.host.Close()
}

// =============================================================================

// ID returns the identity of this node on the network.
func (n *Network) ID() string {
	return n.host.ID().String()
}

// Addrs returns the full multiaddrs other nodes can dial to reach this node.
func (n *Network) Addrs() []string {
	info := libpeer.AddrInfo{
		ID:    n.host.ID(),
		Addrs: n.host.Addrs(),
	}

	addrs, err := libpeer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}

	out := make([]string, len(addrs))
	for i, addr := range addrs {
		out[i] = addr.String()
	}
	return out
}

// Peers returns the sorted set of discovered peers excluding this node.
func (n *Network) Peers() []peer.Peer {
	return n.peers.Copy(n.ID())
}

// Inbound returns the channel of classified gossip messages.
func (n *Network) Inbound() <-chan Message {
	return n.inbound
}

// ConnEvents returns the channel of connectivity changes.
func (n *Network) ConnEvents() <-chan ConnEvent {
	return n.conns
}

// PublishChainRequest broadcasts a request for a peer's chain.
func (n *Network) PublishChainRequest(ctx context.Context, req ChainRequest) error {
	return n.publish(ctx, n.chainTopic, req)
}

// PublishChainResponse broadcasts this node's chain to the receiver.
func (n *Network) PublishChainResponse(ctx context.Context, resp ChainResponse) error {
	return n.publish(ctx, n.chainTopic, resp)
}

// PublishBlock broadcasts a newly mined block.
func (n *Network) PublishBlock(ctx context.Context, block database.Block) error {
	return n.publish(ctx, n.blockTopic, block)
}

// =============================================================================

// publish encodes the value and sends it on the topic. Gossip is best effort,
// a topic with no peers still succeeds.
func (n *Network) publish(ctx context.Context, topic *pubsub.Topic, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	if err := topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publish %q: %w", topic.String(), err)
	}

	return nil
}

// readLoop receives messages from the subscription, drops the ones this node
// published and forwards the classified messages to the inbound channel.
func (n *Network) readLoop(sub *pubsub.Subscription, decode func([]byte) (Message, error)) {
	defer n.wg.Done()

	topic := sub.Topic()

	n.evHandler("network: readLoop: topic[%s]: G started", topic)
	defer n.evHandler("network: readLoop: topic[%s]: G completed", topic)

	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}

		if msg.GetFrom() == n.host.ID() {
			continue
		}

		m, err := decode(msg.Data)
		if err != nil {
			n.evHandler("network: readLoop: topic[%s]: from[%s]: WARNING: ignored: %s", topic, msg.ReceivedFrom, err)
			continue
		}

		m.Topic = topic
		m.Source = msg.GetFrom().String()

		select {
		case n.inbound <- m:
		case <-n.ctx.Done():
			return
		}
	}
}

// connLoop forwards connectivity changes from the host's event bus. A new
// connection is treated as a discovery signal for the remote peer.
func (n *Network) connLoop() {
	defer n.wg.Done()

	for {
		select {
		case e, ok := <-n.connSub.Out():
			if !ok {
				return
			}

			evt, ok := e.(event.EvtPeerConnectednessChanged)
			if !ok {
				continue
			}

			if evt.Connectedness == libnet.Connected {
				if n.peers.Add(peer.New(evt.Peer.String())) {
					n.evHandler("network: connLoop: peer[%s]: added on connect", evt.Peer)
				}
			}

			select {
			case n.conns <- ConnEvent{Peer: evt.Peer.String(), State: evt.Connectedness.String()}:
			default:
				n.evHandler("network: connLoop: WARNING: connectivity event dropped: peer[%s]", evt.Peer)
			}

		case <-n.ctx.Done():
			return
		}
	}
}

// isConnected reports whether the host holds a live connection to the peer.
func (n *Network) isConnected(p peer.Peer) bool {
	id, err := libpeer.Decode(p.ID)
	if err != nil {
		return false
	}
	return n.host.Network().Connectedness(id) == libnet.Connected
}
