package pubdata

import (
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"zkrollup/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA = ethCommon.HexToAddress("0x00000000000000000000000000000000000000aa")
	addrB = ethCommon.HexToAddress("0x1111111111111111111111111111111111111111")
)

func TestEncodeTransfer(t *testing.T) {
	exec := &common.ExecutedOp{
		Type:       common.OpTypeTransfer,
		AccountIdx: 1,
		TargetIdx:  3,
		Token:      2,
		Amount:     big.NewInt(1000),
		Fee:        big.NewInt(10),
	}
	b, err := EncodeOp(exec)
	require.NoError(t, err)
	assert.Equal(t, 2*common.ChunkBytes, len(b))
	assert.Equal(t, "05"+"00000001"+"0002"+"00000003"+"00000003e8"+"000a", hex.EncodeToString(b))

	// amounts are packed
	exec.Amount = big.NewInt(34359738369)
	_, err = EncodeOp(exec)
	assert.Equal(t, common.ErrPrecisionLoss, common.Unwrap(err))
}

func TestEncodeDecodeOps(t *testing.T) {
	var pkh common.PubKeyHash
	pkh[0], pkh[19] = 0xab, 0xcd
	ops := []*common.ExecutedOp{
		{Type: common.OpTypeDeposit, AccountIdx: 7, Token: 1, Amount: big.NewInt(123456789),
			Fee: big.NewInt(0), Address: addrA},
		{Type: common.OpTypeTransferToNew, AccountIdx: 1, TargetIdx: 9, Token: 0,
			Amount: big.NewInt(5000000000000), Fee: big.NewInt(2000), Address: addrB},
		{Type: common.OpTypeWithdraw, AccountIdx: 2, Token: 3, Amount: big.NewInt(987654321),
			Fee: big.NewInt(1), Address: addrA},
		{Type: common.OpTypeClose, AccountIdx: 4, Amount: big.NewInt(0), Fee: big.NewInt(0)},
		{Type: common.OpTypeTransfer, AccountIdx: 1, TargetIdx: 2, Token: 1, Amount: big.NewInt(10),
			Fee: big.NewInt(0)},
		{Type: common.OpTypeFullExit, AccountIdx: 5, Token: 2, Amount: big.NewInt(42),
			Fee: big.NewInt(0), Address: addrB},
		{Type: common.OpTypeChangePubKey, AccountIdx: 6, PubKeyHash: pkh, Nonce: 3,
			Amount: big.NewInt(0), Fee: big.NewInt(0), Address: addrA},
		{Type: common.OpTypeForcedExit, AccountIdx: 1, TargetIdx: 8, Token: 1,
			Amount: big.NewInt(77), Fee: big.NewInt(5), Address: addrB},
	}
	block := &common.Block{Num: 1, Capacity: 50, Ops: ops}
	pubData, err := EncodeBlock(block)
	require.NoError(t, err)
	assert.Equal(t, 50*common.ChunkBytes, len(pubData))

	decoded, err := DecodeBlock(pubData)
	require.NoError(t, err)
	require.Equal(t, len(ops), len(decoded))
	chunk := 0
	for i, op := range ops {
		op.ChunkIdx = chunk
		chunk += op.Chunks()
		d := decoded[i]
		assert.Equal(t, op.Amount.String(), d.Amount.String(), op.Type.String())
		assert.Equal(t, op.Fee.String(), d.Fee.String(), op.Type.String())
		d.Amount, d.Fee = op.Amount, op.Fee
		assert.Equal(t, op, d, op.Type.String())
	}
	// padding chunks are zero
	for _, v := range pubData[chunk*common.ChunkBytes:] {
		require.Equal(t, byte(0), v)
	}

	args, err := Args(pubData)
	require.NoError(t, err)
	assert.Equal(t, []*big.Int{big.NewInt(7), big.NewInt(1), big.NewInt(123456789),
		common.EthAddrToBigInt(addrA)}, args)

	block.Capacity = chunk - 1
	_, err = EncodeBlock(block)
	assert.Error(t, err)
}

func TestDecodeBlockErrors(t *testing.T) {
	_, err := DecodeBlock(make([]byte, 10))
	assert.Error(t, err)

	b := make([]byte, 2*common.ChunkBytes)
	b[0] = 9
	_, err = DecodeBlock(b)
	assert.Error(t, err)

	// non zero bytes in a noop chunk
	b[0], b[5] = 0, 1
	_, err = DecodeBlock(b)
	assert.Error(t, err)

	// a transfer needs two chunks
	b = make([]byte, common.ChunkBytes)
	b[0] = byte(common.OpTypeTransfer)
	_, err = DecodeBlock(b)
	assert.Error(t, err)

	ops, err := DecodeBlock(make([]byte, 4*common.ChunkBytes))
	require.NoError(t, err)
	assert.Equal(t, 0, len(ops))
}

func TestCommitment(t *testing.T) {
	oldRoot, newRoot := big.NewInt(1), big.NewInt(2)
	pubData := make([]byte, 2*common.ChunkBytes)
	pi := NewPublicInputs(3, oldRoot, newRoot, pubData)
	assert.LessOrEqual(t, pi.Commitment.BitLen(), 253)
	assert.Equal(t, Hash(pubData), pi.PubDataHash)
	assert.Equal(t, pi.Commitment, Commitment(3, oldRoot, newRoot, pi.PubDataHash))
	assert.NotEqual(t, pi.Commitment, Commitment(4, oldRoot, newRoot, pi.PubDataHash))
	assert.NotEqual(t, pi.Commitment, Commitment(3, newRoot, oldRoot, pi.PubDataHash))
	// keccak of the empty string
	assert.Equal(t, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470",
		hex.EncodeToString(Hash(nil).Bytes()))
}

func identityBundle(root *big.Int, n int) (*common.WitnessBundle, []byte) {
	pubData := make([]byte, n*common.ChunkBytes)
	bundle := &common.WitnessBundle{
		BlockNum:     1,
		PublicInputs: NewPublicInputs(1, root, root, pubData),
	}
	for i := 0; i < n; i++ {
		bundle.Slots = append(bundle.Slots, &common.SlotWitness{
			Tag:          common.OpTypeNoop,
			PubDataChunk: make([]byte, common.ChunkBytes),
			Transition: &common.LeafTransition{
				Before:     common.LeafState{LeafHash: big.NewInt(5)},
				After:      common.LeafState{LeafHash: big.NewInt(5)},
				RootBefore: root,
				RootAfter:  root,
			},
		})
	}
	return bundle, pubData
}

func TestCheckWitnessConsistency(t *testing.T) {
	root := big.NewInt(1234)
	bundle, pubData := identityBundle(root, 4)
	require.NoError(t, CheckWitnessConsistency(bundle, pubData))

	isMismatch := func(err error) bool {
		return errors.Is(common.Unwrap(err), common.ErrWitnessMismatch)
	}

	// public data that does not match the slots
	other := make([]byte, len(pubData))
	copy(other, pubData)
	other[common.ChunkBytes+3] = 1
	assert.True(t, isMismatch(CheckWitnessConsistency(bundle, other)))

	// missing slot
	bundle, pubData = identityBundle(root, 4)
	bundle.Slots = bundle.Slots[:3]
	assert.True(t, isMismatch(CheckWitnessConsistency(bundle, pubData)))

	// transitions that do not reach the new root
	bundle, pubData = identityBundle(root, 4)
	bundle.PublicInputs = NewPublicInputs(1, root, big.NewInt(1), pubData)
	assert.True(t, isMismatch(CheckWitnessConsistency(bundle, pubData)))

	// broken chain of roots
	bundle, pubData = identityBundle(root, 4)
	bundle.Slots[2].Transition.RootBefore = big.NewInt(1)
	assert.True(t, isMismatch(CheckWitnessConsistency(bundle, pubData)))

	// a leaf change without root change
	bundle, pubData = identityBundle(root, 4)
	bundle.Slots[1].Transition.After.LeafHash = big.NewInt(6)
	assert.True(t, isMismatch(CheckWitnessConsistency(bundle, pubData)))

	// tampered commitment
	bundle, pubData = identityBundle(root, 4)
	bundle.PublicInputs.Commitment = big.NewInt(1)
	assert.True(t, isMismatch(CheckWitnessConsistency(bundle, pubData)))

	// slot tagged with another operation
	bundle, pubData = identityBundle(root, 4)
	bundle.Slots[0].Tag = common.OpTypeClose
	assert.True(t, isMismatch(CheckWitnessConsistency(bundle, pubData)))
}
