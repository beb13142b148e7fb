package database

import "errors"

// Set of validation failures returned when a block can't be accepted. These
// are recoverable, the block is dropped and the chain is left unchanged.
var (
	ErrPrevHashMismatch = errors.New("block has wrong previous hash")
	ErrDifficulty       = errors.New("block hash does not meet the difficulty")
	ErrHashMismatch     = errors.New("block has invalid hash")
	ErrBlockNumber      = errors.New("block is not the next block after the latest")
	ErrEmptyChain       = errors.New("chain has no genesis block")
)

// ErrGenesisExists is returned when genesis is performed on a chain that
// already has blocks.
var ErrGenesisExists = errors.New("genesis block already exists")

// ErrForkChoiceInconsistency is returned when both the local and the remote
// chain fail validation. This can't be resolved by picking either chain and
// the node must stop.
var ErrForkChoiceInconsistency = errors.New("local and remote chains are both invalid")

// IsValidationFailure reports whether the error is one of the recoverable
// block validation failures.
func IsValidationFailure(err error) bool {
	switch {
	case errors.Is(err, ErrPrevHashMismatch),
		errors.Is(err, ErrDifficulty),
		errors.Is(err, ErrHashMismatch),
		errors.Is(err, ErrBlockNumber):
		return true
	}
	return false
}
