package cmd

import (
	"fmt"
	"log"
	"strings"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <signature> <message>",
	Short: "Verify a message was signed by the private key",
	Args:  cobra.MinimumNArgs(2),
	Run:   verifyRun,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func verifyRun(cmd *cobra.Command, args []string) {
	privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
	if err != nil {
		log.Fatal(err)
	}

	message := strings.Join(args[1:], " ")

	addr, err := signature.FromAddress(message, args[0])
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("signed by: %s\n", addr)

	if err := signature.Verify(message, args[0], &privateKey.PublicKey); err != nil {
		fmt.Println("verified: false")
		return
	}

	fmt.Println("verified: true")
}
