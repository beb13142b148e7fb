package state

import (
	"context"
	"fmt"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/database"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/network"
)

// handleMessage applies an inbound gossip message to the chain. Only a fork
// choice inconsistency or a failed response hand off is returned, every other
// failure is logged and the message dropped.
func (s *State) handleMessage(ctx context.Context, msg network.Message) error {
	switch msg.Kind {
	case network.KindChainResponse:
		return s.handleChainResponse(ctx, msg)

	case network.KindChainRequest:
		return s.handleChainRequest(msg)

	case network.KindBlock:
		s.handleBlock(ctx, msg)

	default:
		s.evHandler("state: handleMessage: from[%s]: WARNING: %s", msg.Source, network.ErrUnknownMessage)
	}

	return nil
}

// handleChainResponse runs fork choice between the local chain and a chain
// addressed to this node.
func (s *State) handleChainResponse(ctx context.Context, msg network.Message) error {
	resp := msg.ChainResponse
	if resp.Receiver != s.net.ID() {
		return nil
	}

	s.evHandler("state: handleChainResponse: response from[%s]: blocks[%d]", msg.Source, len(resp.Blocks))
	for _, block := range resp.Blocks {
		s.evHandler("state: handleChainResponse: blk[%d]: hash[%s]: prev[%s]", block.ID, block.Hash, block.PreviousHash)
	}

	local := s.chain.Blocks()

	chosen, err := s.chain.ChooseChain(local, resp.Blocks)
	if err != nil {
		return fmt.Errorf("chain response from %s: %w", msg.Source, err)
	}

	if sameTip(local, chosen) {
		s.evHandler("state: handleChainResponse: keeping local chain: len[%d]", len(local))
		return nil
	}

	s.chain.Replace(chosen)
	s.publishSnapshot()
	s.restartMining(ctx)

	return nil
}

// handleChainRequest queues the local chain for the peer that asked for it.
// The request is only answered when it is addressed to this node. A response
// that can't be queued is a channel failure.
func (s *State) handleChainRequest(msg network.Message) error {
	if msg.ChainRequest.FromPeerID != s.net.ID() {
		return nil
	}

	s.evHandler("state: handleChainRequest: sending local chain to peer[%s]", msg.Source)

	resp := network.ChainResponse{
		Blocks:   s.chain.Blocks(),
		Receiver: msg.Source,
	}

	select {
	case s.responses <- resp:
		return nil
	default:
		return fmt.Errorf("%w: response queue full: peer[%s]", ErrChannelFailure, msg.Source)
	}
}

// handleBlock tries to append a block broadcast by another node.
func (s *State) handleBlock(ctx context.Context, msg network.Message) {
	s.evHandler("state: handleBlock: received new block from[%s]: blk[%d]", msg.Source, msg.Block.ID)

	if err := s.chain.TryAddBlock(msg.Block); err != nil {
		s.evHandler("state: handleBlock: WARNING: block rejected: %s", err)
		return
	}

	s.publishSnapshot()
	s.restartMining(ctx)
}

// sameTip reports whether both chains end on the same block.
func sameTip(a []database.Block, b []database.Block) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return a[len(a)-1].Hash == b[len(b)-1].Hash
}
