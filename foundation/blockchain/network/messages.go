package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/database"
	"github.com/ardanlabs/p2pchain/foundation/validate"
)

// ErrUnknownMessage is returned when a gossip payload matches none of the
// message shapes expected on its topic. The message is ignored.
var ErrUnknownMessage = errors.New("unknown message")

// Kind identifies the shape a gossip payload was classified as.
type Kind int

// Set of message kinds.
const (
	KindChainResponse Kind = iota + 1
	KindChainRequest
	KindBlock
)

// String implements the fmt.Stringer interface.
func (k Kind) String() string {
	switch k {
	case KindChainResponse:
		return "chain-response"
	case KindChainRequest:
		return "chain-request"
	case KindBlock:
		return "block"
	}
	return "unknown"
}

// =============================================================================

// ChainRequest asks the peer identified by FromPeerID to send its chain.
type ChainRequest struct {
	FromPeerID string `json:"from_peer_id" validate:"required"`
}

// ChainResponse carries a full chain addressed to the Receiver peer.
type ChainResponse struct {
	Blocks   []database.Block `json:"blocks" validate:"required,dive"`
	Receiver string           `json:"receiver" validate:"required"`
}

// Message is an inbound gossip payload after classification.
type Message struct {
	Kind          Kind
	Topic         string
	Source        string
	ChainRequest  ChainRequest
	ChainResponse ChainResponse
	Block         database.Block
}

// =============================================================================

// DecodeChainSync classifies a payload received on the chain sync topic. The
// payload is first tried as a ChainResponse and then as a ChainRequest.
// There is no schema tag or version negotiation, classification is purely
// structural.
func DecodeChainSync(data []byte) (Message, error) {
	var resp ChainResponse
	if err := decode(data, &resp); err == nil {
		return Message{Kind: KindChainResponse, ChainResponse: resp}, nil
	}

	var req ChainRequest
	if err := decode(data, &req); err == nil {
		return Message{Kind: KindChainRequest, ChainRequest: req}, nil
	}

	return Message{}, ErrUnknownMessage
}

// DecodeBlock classifies a payload received on the block broadcast topic.
func DecodeBlock(data []byte) (Message, error) {
	var block database.Block
	if err := decode(data, &block); err != nil {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, err)
	}

	return Message{Kind: KindBlock, Block: block}, nil
}

// =============================================================================

// decode performs a strict decode of the payload into the value. Unknown
// fields and trailing data are rejected and the value must pass validation.
func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return err
	}

	if dec.More() {
		return errors.New("trailing data after message")
	}

	return validate.Check(v)
}
