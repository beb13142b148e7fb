// This program builds a merkle tree over its arguments and prints it.
package main

import (
	"fmt"
	"os"

	"github.com/ardanlabs/p2pchain/foundation/blockchain/merkle"
)

var defaultData = []string{
	"Transaction 1",
	"Transaction 2",
	"Transaction 3",
	"Transaction 4",
	"Transaction 5",
}

func main() {
	data := os.Args[1:]
	if len(data) == 0 {
		data = defaultData
	}

	tree, err := merkle.NewTree(data)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	tree.Print(os.Stdout)
}
