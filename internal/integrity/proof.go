package integrity

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mydriatech/fragtale/internal/fragtaleerr"
	"github.com/mydriatech/fragtale/internal/storage"
)

// sealedNode is a persisted level-1/2/3 BDT node: the Merkle root over its
// leaf set (events for level 1, child roots for levels 2/3) plus its dual
// MAC seal.
type sealedNode struct {
	Level       int    `json:"level"`
	ShardKey    string `json:"shard_key"`
	Root        []byte `json:"root"`
	SealNew     []byte `json:"seal_new"`
	SealOld     []byte `json:"seal_old"`
	AlgNew      string `json:"alg_new"`
	AlgOld      string `json:"alg_old"`
	Generation  uint64 `json:"generation"`
	LeafCount   int    `json:"leaf_count"`
	SealedAtMs  int64  `json:"sealed_at_ms"`
}

// Proof is the per-event inclusion record attached once a leaf's level-1
// shard seals, and that is progressively filled in as its
// ancestor level-2/level-3 shards seal. It is self-contained up to
// HighestSealedLevel: a caller does not need the rest of the tree to verify
// inclusion up to that level.
type Proof struct {
	EventDigest       []byte         `json:"event_digest"`
	Generation        uint64         `json:"generation"`
	HighestSealedLevel int           `json:"highest_sealed_level"`

	L1ShardKey string         `json:"l1_shard_key"`
	L1Position int            `json:"l1_position"`
	L1Path     []siblingStep  `json:"l1_path"`
	L1Root     []byte         `json:"l1_root"`

	L2ShardKey string         `json:"l2_shard_key,omitempty"`
	L2Position int            `json:"l2_position,omitempty"`
	L2Path     []siblingStep  `json:"l2_path,omitempty"`
	L2Root     []byte         `json:"l2_root,omitempty"`

	L3ShardKey string         `json:"l3_shard_key,omitempty"`
	L3Position int            `json:"l3_position,omitempty"`
	L3Path     []siblingStep  `json:"l3_path,omitempty"`
	L3Root     []byte         `json:"l3_root,omitempty"`
}

func nodeKey(table string, level int, shardKey string) storage.Key {
	return storage.Key{
		Table:        table,
		PartitionKey: []byte(levelPartition(level)),
		ClusteringKey: []byte(shardKey),
	}
}

func levelPartition(level int) string { return fmt.Sprintf("level-%d", level) }

func putNode(ctx context.Context, backend storage.Backend, table string, n sealedNode) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	row := storage.Row{
		Key:     nodeKey(table, n.Level, n.ShardKey),
		Columns: map[string][]byte{"node": data},
	}
	_, err = backend.Put(ctx, row, storage.Quorum)
	return err
}

func getNode(ctx context.Context, backend storage.Backend, table string, level int, shardKey string) (sealedNode, error) {
	row, err := backend.Get(ctx, nodeKey(table, level, shardKey))
	if err != nil {
		return sealedNode{}, err
	}
	var n sealedNode
	if err := json.Unmarshal(row.Columns["node"], &n); err != nil {
		return sealedNode{}, err
	}
	return n, nil
}

func proofKey(table string, uniqueTimeHex string) storage.Key {
	return storage.Key{Table: table, PartitionKey: []byte(levelPartition(0)), ClusteringKey: []byte(uniqueTimeHex)}
}

func putProof(ctx context.Context, backend storage.Backend, table, uniqueTimeHex string, p Proof) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	row := storage.Row{
		Key: proofKey(table, uniqueTimeHex),
		Columns: map[string][]byte{
			"proof":        data,
			"l1_shard_key": []byte(p.L1ShardKey),
			"l2_shard_key": []byte(p.L2ShardKey),
		},
	}
	_, err = backend.Put(ctx, row, storage.Quorum)
	return err
}

func decodeProofColumn(columns map[string][]byte, p *Proof) error {
	data, ok := columns["proof"]
	if !ok {
		return fmt.Errorf("integrity: proof row missing proof column")
	}
	return json.Unmarshal(data, p)
}

// GetProof returns the persisted proof for uniqueTimeHex, or
// ErrProofUnavailable if the event's level-1 shard has not sealed yet.
func GetProof(ctx context.Context, backend storage.Backend, bdtTable, uniqueTimeHex string) (Proof, error) {
	row, err := backend.Get(ctx, proofKey(bdtTable, uniqueTimeHex))
	if err != nil {
		return Proof{}, fragtaleerr.ErrProofUnavailable
	}
	var p Proof
	if err := json.Unmarshal(row.Columns["proof"], &p); err != nil {
		return Proof{}, err
	}
	return p, nil
}

// SealedRoot is one level's independently re-derived root, generation, and
// seal timestamp, returned alongside a VerifyResult so a caller can inspect
// exactly what was checked at each level instead of trusting a bare boolean.
type SealedRoot struct {
	Level      int    `json:"level"`
	ShardKey   string `json:"shard_key"`
	Root       []byte `json:"root"`
	Generation uint64 `json:"generation"`
	SealedAtMs int64  `json:"sealed_at_ms"`
}

// VerifyResult reports the outcome of independently recomputing a proof's
// Merkle path and re-checking its dual MAC seal at every level it covers,
// plus the proof and roots that outcome was derived from.
type VerifyResult struct {
	Valid              bool         `json:"valid"`
	HighestSealedLevel int          `json:"highest_sealed_level"`
	Proof              Proof        `json:"proof"`
	Roots              []SealedRoot `json:"roots,omitempty"`
}

// VerifyProof independently recomputes proof's sibling paths up to
// HighestSealedLevel and re-validates each level's dual MAC seal against
// secrets, under a "verify up to the highest currently-sealed level"
// contract.
func VerifyProof(secrets *SecretStore, proof Proof, l1Node, l2Node, l3Node *sealedNode) VerifyResult {
	// Only the current generation's new key and the immediately preceding
	// generation's carried-forward old key are retained (the rollover
	// window). A proof sealed more than one rollover ago cannot be
	// re-validated against its original seal and this reports invalid; the
	// rollover guarantee is scoped to exactly one generation.
	sec := secrets.Current()
	l1Root := recomputeRoot(proof.EventDigest, proof.L1Path)
	if l1Node == nil || !bytesEqual(l1Root, l1Node.Root) || !bytesEqual(l1Root, proof.L1Root) {
		return VerifyResult{Valid: false, Proof: proof}
	}
	if !validateSeal(sec, 1, proof.L1ShardKey, l1Root, l1Node.Generation, l1Node.SealNew, l1Node.SealOld) {
		return VerifyResult{Valid: false, Proof: proof}
	}
	roots := []SealedRoot{{Level: 1, ShardKey: l1Node.ShardKey, Root: l1Root, Generation: l1Node.Generation, SealedAtMs: l1Node.SealedAtMs}}
	if proof.HighestSealedLevel < 2 || l2Node == nil {
		return VerifyResult{Valid: true, HighestSealedLevel: 1, Proof: proof, Roots: roots}
	}
	l2Root := recomputeRoot(l1Root, proof.L2Path)
	if !bytesEqual(l2Root, l2Node.Root) || !bytesEqual(l2Root, proof.L2Root) {
		return VerifyResult{Valid: false, Proof: proof}
	}
	if !validateSeal(sec, 2, proof.L2ShardKey, l2Root, l2Node.Generation, l2Node.SealNew, l2Node.SealOld) {
		return VerifyResult{Valid: false, Proof: proof}
	}
	roots = append(roots, SealedRoot{Level: 2, ShardKey: l2Node.ShardKey, Root: l2Root, Generation: l2Node.Generation, SealedAtMs: l2Node.SealedAtMs})
	if proof.HighestSealedLevel < 3 || l3Node == nil {
		return VerifyResult{Valid: true, HighestSealedLevel: 2, Proof: proof, Roots: roots}
	}
	l3Root := recomputeRoot(l2Root, proof.L3Path)
	if !bytesEqual(l3Root, l3Node.Root) || !bytesEqual(l3Root, proof.L3Root) {
		return VerifyResult{Valid: false, Proof: proof}
	}
	if !validateSeal(sec, 3, proof.L3ShardKey, l3Root, l3Node.Generation, l3Node.SealNew, l3Node.SealOld) {
		return VerifyResult{Valid: false, Proof: proof}
	}
	roots = append(roots, SealedRoot{Level: 3, ShardKey: l3Node.ShardKey, Root: l3Root, Generation: l3Node.Generation, SealedAtMs: l3Node.SealedAtMs})
	return VerifyResult{Valid: true, HighestSealedLevel: 3, Proof: proof, Roots: roots}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
