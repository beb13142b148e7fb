package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/database"
)

// Set of commands accepted from the local console.
const (
	cmdListPeers   = "ls p"
	cmdListChain   = "ls c"
	cmdCreateBlock = "create b"
	cmdSend        = "send"
)

// exampleTransfers are attached to every block created from the console.
// Transfers are placeholders, they are neither signed nor validated.
var exampleTransfers = []database.Transfer{
	{
		Sender:   "03638e59237924128f9c9be55d435ecfcac3c6f774641b1cf24873ebbacede6098",
		Receiver: "a8668a61f0d237403fb31545eaa0dcd756dc33a609ecfcc777c8cb2c6dce8247",
		Amount:   10.0,
	},
	{
		Sender:   "03638e5op1239dnvcnrkdf39rk435ecfcac3c6f774641b1cf24873ebbacede6098",
		Receiver: "a8668a61ffwef213lasddgtvnb9329rjd4s67aapsfkcfln777c8cb2c6dce8247",
		Amount:   10.0,
	},
}

// handleCommand dispatches a line of console input.
func (s *State) handleCommand(ctx context.Context, cmd string) {
	switch {
	case cmd == cmdListPeers:
		s.printPeers()

	case strings.HasPrefix(cmd, cmdListChain):
		s.printChain()

	case strings.HasPrefix(cmd, cmdCreateBlock):
		payload := strings.TrimSpace(strings.TrimPrefix(cmd, cmdCreateBlock))
		s.createBlock(ctx, payload)

	case strings.HasPrefix(cmd, cmdSend):
		s.evHandler("state: handleCommand: send: not implemented")
		fmt.Fprintln(s.out, "send: not implemented")

	default:
		s.evHandler("state: handleCommand: unknown command[%s]", cmd)
		fmt.Fprintf(s.out, "unknown command: %q\n", cmd)
	}
}

// printPeers writes the discovered peers.
func (s *State) printPeers() {
	peers := s.net.Peers()

	fmt.Fprintln(s.out, "Discovered Peers:")
	for _, p := range peers {
		fmt.Fprintln(s.out, p.ID)
	}
}

// printChain writes the local chain as indented JSON.
func (s *State) printChain() {
	data, err := json.MarshalIndent(s.chain.Blocks(), "", "  ")
	if err != nil {
		s.evHandler("state: printChain: ERROR: %s", err)
		return
	}

	fmt.Fprintln(s.out, "Local Blockchain:")
	fmt.Fprintln(s.out, string(data))
}

// createBlock queues a block with the payload to be mined on the tip.
func (s *State) createBlock(ctx context.Context, payload string) {
	transfers := make([]database.Transfer, len(exampleTransfers))
	copy(transfers, exampleTransfers)

	s.queueMining(ctx, miningRequest{
		payload:   payload,
		transfers: transfers,
	})

	fmt.Fprintf(s.out, "mining block: payload[%s]\n", payload)
}
