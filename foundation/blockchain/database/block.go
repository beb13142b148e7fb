package database

import (
	"context"
	"time"
)

// ZeroHash represents the hash and previous hash of the genesis block.
const ZeroHash string = "0000000000000000000000000000000000000000000000000000000000000000"

// =============================================================================

// Transfer represents a value movement carried by a block. Transfers are
// placeholder records and are neither signed nor validated.
type Transfer struct {
	Sender   string  `json:"sender"`
	Receiver string  `json:"receiver"`
	Amount   float64 `json:"amount"`
}

// Block represents a single record in the chain. A block is immutable once
// it has been mined.
type Block struct {
	ID           uint64     `json:"id"`
	Hash         string     `json:"hash" validate:"required,hexadecimal"`
	PreviousHash string     `json:"previous_hash" validate:"required,hexadecimal"`
	TimeStamp    int64      `json:"timestamp"`
	Payload      string     `json:"payload"`
	Transfers    []Transfer `json:"transfers"`
	Nonce        uint64     `json:"nonce"`
}

// NewGenesisBlock constructs the fixed first block of every chain.
func NewGenesisBlock() Block {
	return Block{
		ID:           0,
		Hash:         ZeroHash,
		PreviousHash: ZeroHash,
		TimeStamp:    time.Now().UTC().Unix(),
		Payload:      "Genesis",
		Transfers:    []Transfer{},
		Nonce:        0,
	}
}

// POWArgs represents the set of arguments required to run POW.
type POWArgs struct {
	PrevBlock  Block
	Payload    string
	Transfers  []Transfer
	Difficulty string
	EvHandler  func(v string, args ...any)
}

// POW constructs a new Block on top of the specified previous block and
// performs the work to find a nonce that solves the proof of work puzzle.
func POW(ctx context.Context, args POWArgs) (Block, error) {
	ev := args.EvHandler
	if ev == nil {
		ev = func(string, ...any) {}
	}

	transfers := args.Transfers
	if transfers == nil {
		transfers = []Transfer{}
	}

	nb := Block{
		ID:           args.PrevBlock.ID + 1,
		PreviousHash: args.PrevBlock.Hash,
		TimeStamp:    time.Now().UTC().Unix(),
		Payload:      args.Payload,
		Transfers:    transfers,
	}

	nonce, hash, err := mine(ctx, nb.ID, nb.TimeStamp, nb.PreviousHash, nb.Payload, args.Difficulty, ev)
	if err != nil {
		return Block{}, err
	}

	nb.Nonce = nonce
	nb.Hash = hash

	return nb, nil
}

// Copy returns a deep copy of the block.
func (b Block) Copy() Block {
	cpy := b
	if b.Transfers != nil {
		cpy.Transfers = make([]Transfer, len(b.Transfers))
		copy(cpy.Transfers, b.Transfers)
	}
	return cpy
}

// IsGenesis reports whether the block has the shape of the genesis block.
func (b Block) IsGenesis() bool {
	return b.ID == 0 && b.Hash == ZeroHash
}
