// This program generates secp256k1 key pairs and signs and verifies messages
// with them.
package main

import "github.com/ardanlabs/p2pchain/app/tooling/keygen/cmd"

func main() {
	cmd.Execute()
}
