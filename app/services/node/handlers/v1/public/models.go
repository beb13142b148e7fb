package public

import "github.com/ardanlabs/p2pchain/foundation/blockchain/database"

// CreateBlock is the request to mine a new block with the payload.
type CreateBlock struct {
	Payload string `json:"payload" validate:"required,max=4096"`
}

// Chain is the response for the chain endpoint.
type Chain struct {
	Length int              `json:"length"`
	Blocks []database.Block `json:"blocks"`
}

// Peers is the response for the peers endpoint.
type Peers struct {
	Count int      `json:"count"`
	Peers []string `json:"peers"`
}
