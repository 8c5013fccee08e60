package integrity

import "crypto/sha256"

// sentinelLeaf pads a leaf set to the next power of two. Using a fixed,
// publicly-known value (rather than zero bytes) keeps an attacker from
// crafting a real leaf that collides with padding.
var sentinelLeaf = sha256Sum([]byte("fragtale/bdt/sentinel-leaf"))

const (
	leafDomain  byte = 0x00
	nodeDomain  byte = 0x01
)

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// hashLeaf domain-separates a leaf digest from an internal node hash so a
// leaf value can never be replayed as a forged internal node (and
// vice-versa).
func hashLeaf(digest []byte) []byte {
	h := sha256.New()
	h.Write([]byte{leafDomain})
	h.Write(digest)
	return h.Sum(nil)
}

func hashNode(left, right []byte) []byte {
	h := sha256.New()
	h.Write([]byte{nodeDomain})
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// tree is a fixed-fanout (binary) Merkle tree over an already-ordered leaf
// set, padded with sentinelLeaf to the next power of two.
type tree struct {
	levels [][][]byte // levels[0] = leaf hashes, levels[len-1] = [root]
}

// buildTree hashes leaves (assumed already ordered by unique_time
// ascending) into a complete binary tree and returns it. An empty leaf set
// yields a tree whose root is the hash of a single sentinel leaf.
func buildTree(leaves [][]byte) *tree {
	n := len(leaves)
	size := 1
	for size < n || size == 0 {
		size *= 2
		if size == 0 {
			size = 1
		}
	}
	if n == 0 {
		size = 1
	}
	level := make([][]byte, size)
	for i := 0; i < size; i++ {
		if i < n {
			level[i] = hashLeaf(leaves[i])
		} else {
			level[i] = hashLeaf(sentinelLeaf)
		}
	}
	t := &tree{levels: [][][]byte{level}}
	for len(level) > 1 {
		next := make([][]byte, len(level)/2)
		for i := range next {
			next[i] = hashNode(level[2*i], level[2*i+1])
		}
		t.levels = append(t.levels, next)
		level = next
	}
	return t
}

func (t *tree) root() []byte {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// siblingStep is one step of a Merkle inclusion path: the sibling hash and
// whether that sibling sits to the left of the path node being recomputed.
type siblingStep struct {
	Hash       []byte `json:"hash"`
	SiblingLeft bool   `json:"sibling_left"`
}

// pathFor returns the sibling path from leaf index pos up to (not
// including) the root.
func (t *tree) pathFor(pos int) []siblingStep {
	path := make([]siblingStep, 0, len(t.levels)-1)
	idx := pos
	for lvl := 0; lvl < len(t.levels)-1; lvl++ {
		level := t.levels[lvl]
		var sibling []byte
		siblingLeft := idx%2 == 1
		if siblingLeft {
			sibling = level[idx-1]
		} else {
			sibling = level[idx+1]
		}
		path = append(path, siblingStep{Hash: sibling, SiblingLeft: siblingLeft})
		idx /= 2
	}
	return path
}

// recomputeRoot recomputes a Merkle root from a leaf digest and its sibling
// path, used by independent verification (VerifyProof).
func recomputeRoot(leafDigest []byte, path []siblingStep) []byte {
	h := hashLeaf(leafDigest)
	for _, step := range path {
		if step.SiblingLeft {
			h = hashNode(step.Hash, h)
		} else {
			h = hashNode(h, step.Hash)
		}
	}
	return h
}
