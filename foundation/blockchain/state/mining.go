package state

import (
	"context"
	"fmt"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/database"
	"github.com/ardanlabs/p2pchain/foundation/blockchain/worker"
)

// miningRequest is a block waiting to be mined.
type miningRequest struct {
	payload   string
	transfers []database.Transfer
}

// miningOp is the mining job currently running on the miner.
type miningOp struct {
	req      miningRequest
	prevHash string
	result   <-chan worker.Result
	cancel   context.CancelFunc
}

// queueMining adds the request to the end of the queue and starts mining if
// the miner is idle.
func (s *State) queueMining(ctx context.Context, req miningRequest) {
	s.pending = append(s.pending, req)
	s.queued.Add(1)

	s.startMining(ctx)
}

// startMining hands the next queued request to the miner. Only one request
// is mined at a time.
func (s *State) startMining(ctx context.Context) {
	if s.mining != nil || len(s.pending) == 0 {
		return
	}

	tip, ok := s.chain.Tip()
	if !ok {
		s.evHandler("state: startMining: waiting for genesis: queued[%d]", len(s.pending))
		return
	}

	req := s.pending[0]
	s.pending = s.pending[1:]

	ctx, cancel := context.WithCancel(ctx)

	s.mining = &miningOp{
		req:      req,
		prevHash: tip.Hash,
		result: s.miner.Mine(ctx, worker.Job{
			PrevBlock: tip,
			Payload:   req.payload,
			Transfers: req.transfers,
		}),
		cancel: cancel,
	}

	s.evHandler("state: startMining: blk[%d]: payload[%s]", tip.ID+1, req.payload)
}

// restartMining cancels the running job when the tip it was mining on is no
// longer the tip. The request goes back to the front of the queue.
func (s *State) restartMining(ctx context.Context) {
	if s.mining == nil {
		return
	}

	if tip, ok := s.chain.Tip(); ok && tip.Hash == s.mining.prevHash {
		return
	}

	s.evHandler("state: restartMining: tip changed, mining cancelled: payload[%s]", s.mining.req.payload)

	s.mining.cancel()
	s.pending = append([]miningRequest{s.mining.req}, s.pending...)
	s.mining = nil

	s.startMining(ctx)
}

// handleMined appends a mined block and broadcasts it.
func (s *State) handleMined(ctx context.Context, res worker.Result) {
	op := s.mining
	s.mining = nil
	op.cancel()

	if res.Err != nil {
		s.evHandler("state: handleMined: ERROR: %s", res.Err)
		s.queued.Add(-1)
		s.startMining(ctx)
		return
	}

	if err := s.chain.TryAddBlock(res.Block); err != nil {
		s.evHandler("state: handleMined: WARNING: mined block rejected, mining again: %s", err)
		s.pending = append([]miningRequest{op.req}, s.pending...)
		s.startMining(ctx)
		return
	}

	s.queued.Add(-1)
	s.publishSnapshot()

	fmt.Fprintf(s.out, "broadcasting new block: blk[%d]: hash[%s]\n", res.Block.ID, res.Block.Hash)

	if err := s.net.PublishBlock(ctx, res.Block); err != nil {
		s.evHandler("state: handleMined: publish block: ERROR: %s", err)
	}

	s.startMining(ctx)
}

// stopMining cancels any running job.
func (s *State) stopMining() {
	if s.mining != nil {
		s.mining.cancel()
		s.mining = nil
	}
}
