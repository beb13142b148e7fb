// Package database maintains the in memory chain of blocks along with the
// proof of work, block validation and fork choice rules.
package database

import (
	"fmt"
)

// EventHandler defines a function that is called when events
// occur in the processing of blocks.
type EventHandler func(v string, args ...any)

// Chain manages the ordered sequence of blocks. A Chain is not safe for
// concurrent use, it is owned by a single goroutine.
type Chain struct {
	blocks     []Block
	difficulty string
	evHandler  EventHandler
}

// NewChain constructs an empty chain that validates blocks against the
// specified difficulty prefix.
func NewChain(difficulty string, evHandler EventHandler) *Chain {
	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	if difficulty == "" {
		difficulty = DefaultDifficulty
	}

	return &Chain{
		difficulty: difficulty,
		evHandler:  ev,
	}
}

// Difficulty returns the difficulty prefix used by the chain.
func (c *Chain) Difficulty() string {
	return c.difficulty
}

// Genesis appends the genesis block. It can only be performed on an
// empty chain.
func (c *Chain) Genesis() error {
	if len(c.blocks) > 0 {
		return ErrGenesisExists
	}

	c.blocks = append(c.blocks, NewGenesisBlock())
	c.evHandler("database: Genesis: blk[0] added")

	return nil
}

// Len returns the number of blocks in the chain.
func (c *Chain) Len() int {
	return len(c.blocks)
}

// Tip returns the latest block in the chain.
func (c *Chain) Tip() (Block, bool) {
	if len(c.blocks) == 0 {
		return Block{}, false
	}
	return c.blocks[len(c.blocks)-1], true
}

// Blocks returns a copy of the blocks in the chain.
func (c *Chain) Blocks() []Block {
	return copyBlocks(c.blocks)
}

// Replace swaps the full set of blocks with the specified blocks. This is
// used when fork choice selects a remote chain.
func (c *Chain) Replace(blocks []Block) {
	c.blocks = copyBlocks(blocks)
	c.evHandler("database: Replace: chain replaced: len[%d]", len(c.blocks))
}

// TryAddBlock validates the candidate against the current tip and appends it
// on success. On failure the chain is left unchanged.
func (c *Chain) TryAddBlock(candidate Block) error {
	tip, ok := c.Tip()
	if !ok {
		return ErrEmptyChain
	}

	if err := c.ValidateBlock(candidate, tip); err != nil {
		c.evHandler("database: TryAddBlock: could not add block: %s", err)
		return err
	}

	c.blocks = append(c.blocks, candidate.Copy())
	c.evHandler("database: TryAddBlock: blk[%d] added: hash[%s]", candidate.ID, candidate.Hash)

	return nil
}

// ValidateBlock checks the candidate can follow the previous block. The
// checks are performed in order and the first failure is returned.
func (c *Chain) ValidateBlock(candidate Block, previous Block) error {
	if candidate.PreviousHash != previous.Hash {
		c.evHandler("database: ValidateBlock: blk[%d] has wrong previous hash", candidate.ID)
		return fmt.Errorf("blk[%d]: %w", candidate.ID, ErrPrevHashMismatch)
	}

	if !isHashSolved(candidate.Hash, c.difficulty) {
		c.evHandler("database: ValidateBlock: blk[%d] does not meet difficulty[%s]", candidate.ID, c.difficulty)
		return fmt.Errorf("blk[%d]: %w", candidate.ID, ErrDifficulty)
	}

	hash := HashHex(candidate.ID, candidate.TimeStamp, candidate.PreviousHash, candidate.Payload, candidate.Nonce)
	if hash != candidate.Hash {
		c.evHandler("database: ValidateBlock: blk[%d] has invalid hash", candidate.ID)
		return fmt.Errorf("blk[%d]: got %s, exp %s: %w", candidate.ID, candidate.Hash, hash, ErrHashMismatch)
	}

	if candidate.ID != previous.ID+1 {
		c.evHandler("database: ValidateBlock: blk[%d] is not the next block after the latest: %d", candidate.ID, previous.ID)
		return fmt.Errorf("blk[%d]: exp %d: %w", candidate.ID, previous.ID+1, ErrBlockNumber)
	}

	return nil
}

// IsBlockValid is the boolean form of ValidateBlock.
func (c *Chain) IsBlockValid(candidate Block, previous Block) bool {
	return c.ValidateBlock(candidate, previous) == nil
}

// IsChainValid validates every consecutive pair of blocks. The genesis
// block is never validated itself.
func (c *Chain) IsChainValid(blocks []Block) bool {
	for i := 1; i < len(blocks); i++ {
		if !c.IsBlockValid(blocks[i], blocks[i-1]) {
			return false
		}
	}
	return true
}

// ChooseChain applies the fork choice rule. When both chains are valid the
// longer one wins and ties go to local. When only one is valid that one is
// returned. When neither is valid ErrForkChoiceInconsistency is returned.
func (c *Chain) ChooseChain(local []Block, remote []Block) ([]Block, error) {
	isLocalValid := c.IsChainValid(local)
	isRemoteValid := c.IsChainValid(remote)

	switch {
	case isLocalValid && isRemoteValid:
		if len(local) >= len(remote) {
			return local, nil
		}
		return remote, nil

	case isLocalValid:
		c.evHandler("database: ChooseChain: remote chain invalid, keeping local")
		return local, nil

	case isRemoteValid:
		c.evHandler("database: ChooseChain: local chain invalid, taking remote")
		return remote, nil
	}

	return nil, ErrForkChoiceInconsistency
}

// =============================================================================

// copyBlocks performs a deep copy of the blocks.
func copyBlocks(blocks []Block) []Block {
	cpy := make([]Block, len(blocks))
	for i, block := range blocks {
		cpy[i] = block.Copy()
	}
	return cpy
}
