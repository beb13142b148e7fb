// Package state is the core API for the node. It runs the single event loop
// that owns the chain and coordinates commands, gossip and mining.
package state

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/database"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/network"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/peer"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/worker"
)

// Set of errors returned by the event loop.
var (
	ErrChannelFailure = errors.New("chain response channel failure")
	ErrNotRunning     = errors.New("event loop is not running")
)

// Defaults used when the configuration leaves a value unset.
const (
	defaultInitDelay      = time.Second
	defaultResponseBuffer = 100
)

// EventHandler defines a function that is called when events
// occur in the processing of the event loop.
type EventHandler func(v string, args ...any)

// Network represents the behavior required from the gossip transport.
type Network interface {
	ID() string
	Addrs() []string
	Peers() []peer.Peer
	Inbound() <-chan network.Message
	ConnEvents() <-chan network.ConnEvent
	PublishChainRequest(ctx context.Context, req network.ChainRequest) error
	PublishChainResponse(ctx context.Context, resp network.ChainResponse) error
	PublishBlock(ctx context.Context, block database.Block) error
}

// Miner represents the behavior required to mine blocks off the event loop.
type Miner interface {
	Mine(ctx context.Context, job worker.Job) <-chan worker.Result
}

// =============================================================================

// Config represents the configuration required to start the event loop. When
// Chain is nil a new empty chain is created with the Difficulty.
type Config struct {
	Network        Network
	Miner          Miner
	Chain          *database.Chain
	Difficulty     string
	InitDelay      time.Duration
	ResponseBuffer int
	Out            io.Writer
	EvHandler      EventHandler
}

// NodeInfo describes this node for API consumers.
type NodeInfo struct {
	ID          string   `json:"id"`
	Addrs       []string `json:"addrs"`
	Difficulty  string   `json:"difficulty"`
	ChainLength int      `json:"chain_length"`
	Mining      int      `json:"mining"`
}

// State manages the chain for the node. The chain is only touched by the
// goroutine executing Run, other goroutines read published snapshots.
type State struct {
	net       Network
	miner     Miner
	chain     *database.Chain
	initDelay time.Duration
	out       io.Writer
	evHandler EventHandler

	commands  chan string
	responses chan network.ChainResponse
	done      chan struct{}

	snapshot atomic.Pointer[[]database.Block]
	queued   atomic.Int64

	mining  *miningOp
	pending []miningRequest
}

// New constructs the state for the node. The event loop is not started until
// Run is called.
func New(cfg Config) (*State, error) {
	if cfg.Network == nil {
		return nil, errors.New("network is required")
	}
	if cfg.Miner == nil {
		return nil, errors.New("miner is required")
	}

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.InitDelay <= 0 {
		cfg.InitDelay = defaultInitDelay
	}
	if cfg.ResponseBuffer <= 0 {
		cfg.ResponseBuffer = defaultResponseBuffer
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.Chain == nil {
		cfg.Chain = database.NewChain(cfg.Difficulty, database.EventHandler(ev))
	}

	s := State{
		net:       cfg.Network,
		miner:     cfg.Miner,
		chain:     cfg.Chain,
		initDelay: cfg.InitDelay,
		out:       cfg.Out,
		evHandler: ev,
		commands:  make(chan string),
		responses: make(chan network.ChainResponse, cfg.ResponseBuffer),
		done:      make(chan struct{}),
	}

	s.publishSnapshot()

	return &s, nil
}

// Run executes the event loop until the context is cancelled or a fatal
// condition is detected. A fork choice inconsistency or a chain response that
// can't be handed off for publishing is returned as an error and the node
// must stop.
func (s *State) Run(ctx context.Context) error {
	s.evHandler("state: Run: G started")
	defer s.evHandler("state: Run: G completed")

	defer close(s.done)
	defer s.stopMining()

	init := time.NewTimer(s.initDelay)
	defer init.Stop()

	for {
		var mined <-chan worker.Result
		if s.mining != nil {
			mined = s.mining.result
		}

		select {
		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)

		case resp := <-s.responses:
			s.publishChainResponse(ctx, resp)

		case <-init.C:
			s.startup(ctx)

		case evt := <-s.net.ConnEvents():
			s.evHandler("state: Run: connection: peer[%s]: %s", evt.Peer, evt.State)

		case msg := <-s.net.Inbound():
			if err := s.handleMessage(ctx, msg); err != nil {
				s.evHandler("state: Run: FATAL: %s", err)
				return err
			}

		case res := <-mined:
			s.handleMined(ctx, res)

		case <-ctx.Done():
			s.evHandler("state: Run: shutdown signaled")
			return nil
		}
	}
}

// Submit hands a local command to the event loop.
func (s *State) Submit(ctx context.Context, cmd string) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================

// Blocks returns the latest published snapshot of the chain. The returned
// blocks must not be modified.
func (s *State) Blocks() []database.Block {
	return *s.snapshot.Load()
}

// Peers returns the discovered peers.
func (s *State) Peers() []peer.Peer {
	return s.net.Peers()
}

// Info returns information about this node.
func (s *State) Info() NodeInfo {
	return NodeInfo{
		ID:          s.net.ID(),
		Addrs:       s.net.Addrs(),
		Difficulty:  s.chain.Difficulty(),
		ChainLength: len(s.Blocks()),
		Mining:      int(s.queued.Load()),
	}
}

// =============================================================================

// startup fires once after the init delay. It creates the genesis block and
// asks one peer for its chain.
func (s *State) startup(ctx context.Context) {
	s.evHandler("state: startup: init event")

	if err := s.chain.Genesis(); err != nil {
		s.evHandler("state: startup: WARNING: %s", err)
	}
	s.publishSnapshot()

	// Blocks requested before genesis can be mined now.
	s.startMining(ctx)

	peers := s.net.Peers()
	s.evHandler("state: startup: connected nodes: %d", len(peers))

	if len(peers) == 0 {
		return
	}

	req := network.ChainRequest{
		FromPeerID: peers[len(peers)-1].ID,
	}

	if err := s.net.PublishChainRequest(ctx, req); err != nil {
		s.evHandler("state: startup: chain request: ERROR: %s", err)
		return
	}

	s.evHandler("state: startup: chain requested from peer[%s]", req.FromPeerID)
}

// publishChainResponse sends a queued chain response on the chain topic.
func (s *State) publishChainResponse(ctx context.Context, resp network.ChainResponse) {
	if err := s.net.PublishChainResponse(ctx, resp); err != nil {
		s.evHandler("state: publishChainResponse: receiver[%s]: ERROR: %s", resp.Receiver, err)
		return
	}

	s.evHandler("state: publishChainResponse: sent local chain to peer[%s]: blocks[%d]", resp.Receiver, len(resp.Blocks))
}

// publishSnapshot makes the current chain visible to readers.
func (s *State) publishSnapshot() {
	blocks := s.chain.Blocks()
	s.snapshot.Store(&blocks)
}
