package cmd

import (
	"fmt"
	"log"
	"strings"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var signCmd = &cobra.Command{
	Use:   "sign <message>",
	Short: "Sign a message with the private key",
	Args:  cobra.MinimumNArgs(1),
	Run:   signRun,
}

func init() {
	rootCmd.AddCommand(signCmd)
}

func signRun(cmd *cobra.Command, args []string) {
	privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
	if err != nil {
		log.Fatal(err)
	}

	sig, err := signature.Sign(strings.Join(args, " "), privateKey)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(sig)
}
