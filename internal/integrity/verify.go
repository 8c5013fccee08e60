package integrity

import (
	"context"
	"errors"

	"github.com/mydriatech/fragtale/internal/storage"
)

// Verify loads uniqueTimeHex's proof and every sealed node it references,
// then independently re-derives and re-validates it via VerifyProof. This is
// the entry point external callers (the broker facade's VERIFY operation)
// use, since the sealed node representation itself stays unexported.
func Verify(ctx context.Context, backend storage.Backend, secrets *SecretStore, bdtTable, uniqueTimeHex string) (VerifyResult, error) {
	proof, err := GetProof(ctx, backend, bdtTable, uniqueTimeHex)
	if err != nil {
		return VerifyResult{}, err
	}
	l1, err := getNode(ctx, backend, bdtTable, 1, proof.L1ShardKey)
	if err != nil {
		return VerifyResult{}, err
	}
	var l2, l3 *sealedNode
	if proof.HighestSealedLevel >= 2 {
		n, err := getNode(ctx, backend, bdtTable, 2, proof.L2ShardKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return VerifyResult{}, err
		}
		if err == nil {
			l2 = &n
		}
	}
	if proof.HighestSealedLevel >= 3 {
		n, err := getNode(ctx, backend, bdtTable, 3, proof.L3ShardKey)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return VerifyResult{}, err
		}
		if err == nil {
			l3 = &n
		}
	}
	return VerifyProof(secrets, proof, &l1, l2, l3), nil
}
