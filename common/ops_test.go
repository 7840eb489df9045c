package common

import (
	"encoding/hex"
	"math/big"
	"testing"

	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBJJKey(t *testing.T, seed string) babyjub.PrivateKey {
	var sk babyjub.PrivateKey
	_, err := hex.Decode(sk[:], []byte(seed))
	require.NoError(t, err)
	return sk
}

func TestOpTypeChunks(t *testing.T) {
	expected := map[OpType]int{
		OpTypeNoop:          1,
		OpTypeDeposit:       6,
		OpTypeTransferToNew: 6,
		OpTypeWithdraw:      6,
		OpTypeClose:         1,
		OpTypeTransfer:      2,
		OpTypeFullExit:      6,
		OpTypeChangePubKey:  6,
		OpTypeForcedExit:    6,
	}
	for opType, chunks := range expected {
		assert.Equal(t, chunks, opType.Chunks(), opType.String())
		assert.Equal(t, chunks*ChunkBytes, opType.PubDataLen())
		assert.True(t, opType.Valid())
	}
	assert.False(t, OpType(9).Valid())
	assert.Equal(t, 0, OpType(9).Chunks())
	assert.Equal(t, "OpType(9)", OpType(9).String())
}

func TestSignAndVerify(t *testing.T) {
	sk := testBJJKey(t, "0001020304050607080900010203040506070809000102030405060708090001")
	op := &TransferOp{
		From:   1,
		To:     2,
		Token:  0,
		Amount: big.NewInt(1000),
		Fee:    big.NewInt(10),
		Nonce:  0,
	}
	require.NoError(t, Sign(op, &sk))

	pkh, ok := VerifySignature(op)
	require.True(t, ok)
	expectedPkh, err := PubKeyHashFromPubKey(sk.Public())
	require.NoError(t, err)
	assert.Equal(t, expectedPkh, pkh)
	assert.False(t, pkh.IsZero())

	// any modification of a signed field invalidates the signature
	op.Amount = big.NewInt(1001)
	_, ok = VerifySignature(op)
	assert.False(t, ok)
	op.Amount = big.NewInt(1000)
	op.Nonce = 1
	_, ok = VerifySignature(op)
	assert.False(t, ok)
	op.Nonce = 0
	_, ok = VerifySignature(op)
	assert.True(t, ok)

	// signature of another key
	sk2 := testBJJKey(t, "0001020304050607080900010203040506070809000102030405060708090002")
	op2 := &CloseOp{Account: 1, Nonce: 3}
	require.NoError(t, Sign(op2, &sk2))
	pkh2, ok := VerifySignature(op2)
	require.True(t, ok)
	assert.NotEqual(t, expectedPkh, pkh2)
}

func TestSignBytesNotPackable(t *testing.T) {
	op := &TransferOp{From: 1, To: 2, Amount: big.NewInt(34359738369), Fee: big.NewInt(0)}
	_, err := op.SignBytes()
	assert.Equal(t, ErrPrecisionLoss, Unwrap(err))
	assert.Equal(t, ErrPrecisionLoss, Unwrap(CheckEncodable(op)))
}

func TestChangePubKeyEthSignature(t *testing.T) {
	key, err := ethCrypto.GenerateKey()
	require.NoError(t, err)
	addr := ethCrypto.PubkeyToAddress(key.PublicKey)
	sk := testBJJKey(t, "0001020304050607080900010203040506070809000102030405060708090003")
	pkh, err := PubKeyHashFromPubKey(sk.Public())
	require.NoError(t, err)

	op := &ChangePubKeyOp{Account: 4, Address: addr, NewPubKeyHash: pkh, Nonce: 0}
	require.NoError(t, op.SignEth(key))
	require.NoError(t, Sign(op, &sk))
	assert.True(t, op.VerifyEthSignature(addr))

	other, err := ethCrypto.GenerateKey()
	require.NoError(t, err)
	assert.False(t, op.VerifyEthSignature(ethCrypto.PubkeyToAddress(other.PublicKey)))

	// V in the 27/28 form is also accepted
	op.EthSignature[64] += 27
	assert.True(t, op.VerifyEthSignature(addr))

	// the message depends on the nonce
	op.Nonce = 1
	assert.False(t, op.VerifyEthSignature(addr))
}

func TestCheckEncodable(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), MaxAmountBits)
	assert.NoError(t, CheckEncodable(NoopOp{}))
	assert.NoError(t, CheckEncodable(&DepositOp{Amount: big.NewInt(123456789)}))
	assert.Equal(t, ErrEncodingOverflow,
		Unwrap(CheckEncodable(&DepositOp{Amount: tooBig})))
	assert.Equal(t, ErrPrecisionLoss, Unwrap(CheckEncodable(&WithdrawOp{
		Amount: big.NewInt(123456789), Fee: big.NewInt(2049)})))
	assert.NoError(t, CheckEncodable(&ForcedExitOp{Fee: big.NewInt(2000)}))

	for _, op := range []Operation{nil, (*TransferOp)(nil), (*DepositOp)(nil),
		(*NoopOp)(nil), (*ChangePubKeyOp)(nil)} {
		err := CheckEncodable(op)
		require.True(t, IsValidationError(err), "%T", op)
		assert.Equal(t, ReasonUnsupportedOp, RejectReason(err))
	}
}

func TestHashBytes(t *testing.T) {
	b := make([]byte, 49)
	h0, err := HashBytes(b)
	require.NoError(t, err)
	b[48] = 1
	h1, err := HashBytes(b)
	require.NoError(t, err)
	assert.NotEqual(t, h0, h1)
	_, err = HashBytes(nil)
	require.NoError(t, err)
}
