package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var save bool

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new key pair",
	Run:   generateRun,
}

func init() {
	rootCmd.AddCommand(generateCmd)
	generateCmd.Flags().BoolVarP(&save, "save", "s", false, "Save the private key to the key path.")
}

func generateRun(cmd *cobra.Command, args []string) {
	privateKey, err := signature.GenerateKey()
	if err != nil {
		log.Fatal(err)
	}

	kp := signature.Describe(privateKey)
	fmt.Printf("%s - private key, %s - public key\n", kp.PrivateKey, kp.PublicKey)
	fmt.Printf("address: %s\n", kp.Address)

	if !save {
		return
	}

	if err := os.MkdirAll(keyPath, 0700); err != nil {
		log.Fatal(err)
	}

	if err := crypto.SaveECDSA(getPrivateKeyPath(), privateKey); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("saved: %s\n", getPrivateKeyPath())
}
