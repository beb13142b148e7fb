// Package merkle builds a binary merkle tree over string data. Every hash in
// the tree is the hex encoded sha256 of its input, a parent hashes the
// concatenation of its children's hex strings.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Set of error variables for building and proving trees.
var (
	ErrNoData   = errors.New("cannot construct tree with no data")
	ErrNotFound = errors.New("data not found in tree")
)

// Node represents a single hash in the tree.
type Node struct {
	Hash  string
	Left  *Node
	Right *Node
}

// Tree is a merkle tree built bottom up from its leaves. When a level holds
// an odd number of nodes the last node is paired with itself.
type Tree struct {
	Root   *Node
	Leaves []*Node
	levels [][]*Node
}

// NewTree constructs a tree from the data.
func NewTree(data []string) (*Tree, error) {
	if len(data) == 0 {
		return nil, ErrNoData
	}

	leaves := make([]*Node, len(data))
	for i, d := range data {
		leaves[i] = &Node{Hash: Hash(d)}
	}

	levels := [][]*Node{leaves}
	level := leaves

	for len(level) > 1 {
		next := make([]*Node, 0, (len(level)+1)/2)

		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}

			next = append(next, &Node{
				Hash:  Hash(left.Hash + right.Hash),
				Left:  left,
				Right: right,
			})
		}

		levels = append(levels, next)
		level = next
	}

	t := Tree{
		Root:   level[0],
		Leaves: leaves,
		levels: levels,
	}

	return &t, nil
}

// RootHash returns the hash at the root of the tree.
func (t *Tree) RootHash() string {
	return t.Root.Hash
}

// Step is one sibling hash on the path from a leaf to the root.
type Step struct {
	Hash string
	Left bool
}

// Proof returns the sibling hashes needed to rebuild the root from the
// first leaf holding the data.
func (t *Tree) Proof(data string) ([]Step, error) {
	hash := Hash(data)

	idx := -1
	for i, leaf := range t.Leaves {
		if leaf.Hash == hash {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrNotFound
	}

	var steps []Step
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(level) {
			sibling = idx
		}

		steps = append(steps, Step{
			Hash: level[sibling].Hash,
			Left: idx%2 == 1,
		})

		idx /= 2
	}

	return steps, nil
}

// VerifyProof reports whether the steps rebuild the root hash from the data.
func VerifyProof(rootHash string, data string, steps []Step) bool {
	hash := Hash(data)

	for _, step := range steps {
		switch step.Left {
		case true:
			hash = Hash(step.Hash + hash)
		default:
			hash = Hash(hash + step.Hash)
		}
	}

	return hash == rootHash
}

// Print writes the tree in order, each node indented by its depth.
func (t *Tree) Print(w io.Writer) {
	fmt.Fprintln(w, "Merkle Tree:")
	printNode(w, t.Root, 0)
	fmt.Fprintf(w, "Root hash: %s\n", t.RootHash())
}

func printNode(w io.Writer, n *Node, depth int) {
	if n == nil {
		return
	}

	printNode(w, n.Left, depth+1)
	fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", depth*2), n.Hash)
	printNode(w, n.Right, depth+1)
}

// Hash returns the hex encoded sha256 of the string.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
