package pubdata

import (
	"bytes"
	"fmt"

	"zkrollup/common"
)

func mismatch(format string, args ...interface{}) error {
	return common.Wrap(fmt.Errorf("%w: %s", common.ErrWitnessMismatch, fmt.Sprintf(format, args...)))
}

// CheckWitnessConsistency checks that the witness bundle describes the block
// with the given public data: one slot per chunk carrying that chunk, slot
// tags in the order of the public data, transitions chained from the old
// root to the new root, and public inputs matching the public data. Any
// difference is reported as common.ErrWitnessMismatch.
func CheckWitnessConsistency(bundle *common.WitnessBundle, pubData []byte) error {
	nChunks := len(pubData) / common.ChunkBytes
	if len(pubData)%common.ChunkBytes != 0 {
		return mismatch("public data length %d", len(pubData))
	}
	if len(bundle.Slots) != nChunks {
		return mismatch("%d slots for %d chunks", len(bundle.Slots), nChunks)
	}
	pi := bundle.PublicInputs
	if pi.OldRoot == nil || pi.NewRoot == nil || pi.PubDataHash == nil || pi.Commitment == nil {
		return mismatch("incomplete public inputs")
	}
	if pi.BlockNum != bundle.BlockNum {
		return mismatch("public inputs of block %d in the bundle of block %d",
			pi.BlockNum, bundle.BlockNum)
	}
	if pi.PubDataHash.Cmp(Hash(pubData)) != 0 {
		return mismatch("public data hash")
	}
	if pi.Commitment.Cmp(Commitment(pi.BlockNum, pi.OldRoot, pi.NewRoot, pi.PubDataHash)) != 0 {
		return mismatch("commitment")
	}

	root := pi.OldRoot
	checkTransition := func(name string, t *common.LeafTransition) error {
		if t == nil {
			return mismatch("%s without transition", name)
		}
		if t.RootBefore == nil || t.RootBefore.Cmp(root) != 0 {
			return mismatch("%s starts at root %v, expected %v", name, t.RootBefore, root)
		}
		if t.IsIdentity() != (t.RootBefore.Cmp(t.RootAfter) == 0) {
			return mismatch("%s changes the leaf without changing the root", name)
		}
		root = t.RootAfter
		return nil
	}

	var opType common.OpType
	opChunk := 0
	for i, slot := range bundle.Slots {
		chunk := pubData[i*common.ChunkBytes : (i+1)*common.ChunkBytes]
		if !bytes.Equal(slot.PubDataChunk, chunk) {
			return mismatch("slot %d public data", i)
		}
		if opChunk == 0 {
			opType = common.OpType(chunk[0])
			if !opType.Valid() {
				return mismatch("slot %d unknown tag %d", i, chunk[0])
			}
		}
		if slot.Tag != opType || slot.ChunkIdx != opChunk {
			return mismatch("slot %d is chunk %d of %s, expected chunk %d of %s",
				i, slot.ChunkIdx, slot.Tag, opChunk, opType)
		}
		if err := checkTransition(fmt.Sprintf("slot %d", i), slot.Transition); err != nil {
			return err
		}
		opChunk++
		if opChunk == opType.Chunks() {
			opChunk = 0
		}
	}
	if opChunk != 0 {
		return mismatch("last operation %s is truncated", opType)
	}
	for i, t := range bundle.Fees {
		if err := checkTransition(fmt.Sprintf("fee %d", i), t); err != nil {
			return err
		}
		if t.Before.Balance == nil || t.After.Balance == nil ||
			t.After.Balance.Cmp(t.Before.Balance) < 0 {
			return mismatch("fee %d decreases the balance", i)
		}
	}
	if root.Cmp(pi.NewRoot) != 0 {
		return mismatch("transitions end at root %v, expected %v", root, pi.NewRoot)
	}
	return nil
}
