// Package pubdata implements the byte layout of the public data of a block:
// the concatenation, in block order, of the tag and fixed width fields of
// every operation, padded to the chunks of its type, followed by all zero
// noop chunks up to the capacity of the block.
package pubdata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	"zkrollup/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

type fieldKind int

const (
	fAccount fieldKind = iota
	fTarget
	fToken
	fAmount
	fAmountF40
	fFee
	fAddr
	fPubKeyHash
	fNonce
)

var fieldWidth = map[fieldKind]int{
	fAccount:    common.AccountIdxBytesLen,
	fTarget:     common.AccountIdxBytesLen,
	fToken:      common.TokenIDBytesLen,
	fAmount:     common.AmountBytesLength,
	fAmountF40:  common.Float40BytesLength,
	fFee:        common.Float16BytesLength,
	fAddr:       ethCommon.AddressLength,
	fPubKeyHash: common.PubKeyHashLen,
	fNonce:      common.NonceBytesLen,
}

// layouts are the fields written after the tag of each operation type
var layouts = map[common.OpType][]fieldKind{
	common.OpTypeNoop:          {},
	common.OpTypeDeposit:       {fAccount, fToken, fAmount, fAddr},
	common.OpTypeTransferToNew: {fAccount, fToken, fAmountF40, fAddr, fTarget, fFee},
	common.OpTypeWithdraw:      {fAccount, fToken, fAmount, fFee, fAddr},
	common.OpTypeClose:         {fAccount},
	common.OpTypeTransfer:      {fAccount, fToken, fTarget, fAmountF40, fFee},
	common.OpTypeFullExit:      {fAccount, fAddr, fToken, fAmount},
	common.OpTypeChangePubKey:  {fAccount, fPubKeyHash, fAddr, fNonce},
	common.OpTypeForcedExit:    {fAccount, fTarget, fToken, fAmount, fFee, fAddr},
}

func init() {
	for opType, layout := range layouts {
		n := 1
		for _, f := range layout {
			n += fieldWidth[f]
		}
		if n > opType.PubDataLen() {
			panic(fmt.Errorf("layout of %s needs %d bytes, has %d", opType, n, opType.PubDataLen()))
		}
	}
}

// EncodeOp returns the public data of an executed operation, of length
// exec.Type.PubDataLen()
func EncodeOp(exec *common.ExecutedOp) ([]byte, error) {
	layout, ok := layouts[exec.Type]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("unknown operation type %d", exec.Type))
	}
	b := make([]byte, exec.Type.PubDataLen())
	b[0] = byte(exec.Type)
	offset := 1
	for _, f := range layout {
		v, err := encodeField(f, exec)
		if err != nil {
			return nil, common.Wrap(err)
		}
		copy(b[offset:offset+fieldWidth[f]], v)
		offset += fieldWidth[f]
	}
	return b, nil
}

func encodeField(f fieldKind, exec *common.ExecutedOp) ([]byte, error) {
	switch f {
	case fAccount:
		b := exec.AccountIdx.Bytes()
		return b[:], nil
	case fTarget:
		b := exec.TargetIdx.Bytes()
		return b[:], nil
	case fToken:
		b := exec.Token.Bytes()
		return b[:], nil
	case fAmount:
		b, err := common.AmountBytes(exec.Amount)
		return b[:], common.Wrap(err)
	case fAmountF40:
		f40, err := common.NewFloat40(exec.Amount)
		if err != nil {
			return nil, common.Wrap(err)
		}
		return f40.Bytes()
	case fFee:
		f16, err := common.NewFloat16(exec.Fee)
		if err != nil {
			return nil, common.Wrap(err)
		}
		return f16.Bytes(), nil
	case fAddr:
		return exec.Address.Bytes(), nil
	case fPubKeyHash:
		return exec.PubKeyHash[:], nil
	case fNonce:
		b := exec.Nonce.Bytes()
		return b[:], nil
	}
	return nil, common.Wrap(fmt.Errorf("unknown field %d", f))
}

// EncodeBlock returns the public data of the block: its operations followed
// by noop chunks up to its capacity
func EncodeBlock(block *common.Block) ([]byte, error) {
	if block.UsedChunks() > block.Capacity {
		return nil, common.Wrap(fmt.Errorf("block %d uses %d chunks, capacity %d",
			block.Num, block.UsedChunks(), block.Capacity))
	}
	var buf bytes.Buffer
	buf.Grow(block.Capacity * common.ChunkBytes)
	for _, exec := range block.Ops {
		b, err := EncodeOp(exec)
		if err != nil {
			return nil, common.Wrap(err)
		}
		buf.Write(b)
	}
	buf.Write(make([]byte, (block.Capacity-block.UsedChunks())*common.ChunkBytes))
	return buf.Bytes(), nil
}

// DecodeOp parses the public data of one operation, which starts at the
// beginning of b, and returns the executed operation and its length
func DecodeOp(b []byte) (*common.ExecutedOp, int, error) {
	if len(b) == 0 {
		return nil, 0, common.Wrap(fmt.Errorf("empty public data"))
	}
	opType := common.OpType(b[0])
	layout, ok := layouts[opType]
	if !ok {
		return nil, 0, common.Wrap(fmt.Errorf("unknown operation tag %d", b[0]))
	}
	n := opType.PubDataLen()
	if len(b) < n {
		return nil, 0, common.Wrap(fmt.Errorf("%s needs %d bytes of public data, has %d",
			opType, n, len(b)))
	}
	exec := &common.ExecutedOp{
		Type:   opType,
		Amount: big.NewInt(0),
		Fee:    big.NewInt(0),
	}
	offset := 1
	for _, f := range layout {
		if err := decodeField(f, b[offset:offset+fieldWidth[f]], exec); err != nil {
			return nil, 0, common.Wrap(err)
		}
		offset += fieldWidth[f]
	}
	if !isZero(b[offset:n]) {
		return nil, 0, common.Wrap(fmt.Errorf("%s: non zero padding", opType))
	}
	return exec, n, nil
}

func decodeField(f fieldKind, b []byte, exec *common.ExecutedOp) error {
	var err error
	switch f {
	case fAccount:
		exec.AccountIdx = common.AccountIdx(binary.BigEndian.Uint32(b))
	case fTarget:
		exec.TargetIdx = common.AccountIdx(binary.BigEndian.Uint32(b))
	case fToken:
		exec.Token = common.TokenID(binary.BigEndian.Uint16(b))
	case fAmount:
		exec.Amount, err = common.AmountFromBytes(b)
	case fAmountF40:
		var f40 common.Float40
		if f40, err = common.Float40FromBytes(b); err == nil {
			exec.Amount, err = f40.BigInt()
		}
	case fFee:
		var f16 common.Float16
		if f16, err = common.Float16FromBytes(b); err == nil {
			exec.Fee = f16.BigInt()
		}
	case fAddr:
		exec.Address = ethCommon.BytesToAddress(b)
	case fPubKeyHash:
		copy(exec.PubKeyHash[:], b)
	case fNonce:
		exec.Nonce = common.Nonce(binary.BigEndian.Uint32(b))
	}
	return common.Wrap(err)
}

// DecodeBlock parses the public data of a block and returns its operations,
// without the noop chunks
func DecodeBlock(pubData []byte) ([]*common.ExecutedOp, error) {
	if len(pubData)%common.ChunkBytes != 0 {
		return nil, common.Wrap(fmt.Errorf("public data length %d is not a multiple of %d",
			len(pubData), common.ChunkBytes))
	}
	var ops []*common.ExecutedOp
	chunk := 0
	for offset := 0; offset < len(pubData); {
		exec, n, err := DecodeOp(pubData[offset:])
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("chunk %d: %w", chunk, err))
		}
		if exec.Type != common.OpTypeNoop {
			exec.ChunkIdx = chunk
			ops = append(ops, exec)
		}
		offset += n
		chunk += exec.Type.Chunks()
	}
	return ops, nil
}

// Args returns the decoded scalar fields of the public data of an
// operation, in layout order
func Args(b []byte) ([]*big.Int, error) {
	exec, _, err := DecodeOp(b)
	if err != nil {
		return nil, common.Wrap(err)
	}
	layout := layouts[exec.Type]
	args := make([]*big.Int, 0, len(layout))
	for _, f := range layout {
		var v *big.Int
		switch f {
		case fAccount:
			v = exec.AccountIdx.BigInt()
		case fTarget:
			v = exec.TargetIdx.BigInt()
		case fToken:
			v = exec.Token.BigInt()
		case fAmount, fAmountF40:
			v = new(big.Int).Set(exec.Amount)
		case fFee:
			v = new(big.Int).Set(exec.Fee)
		case fAddr:
			v = common.EthAddrToBigInt(exec.Address)
		case fPubKeyHash:
			v = exec.PubKeyHash.BigInt()
		case fNonce:
			v = exec.Nonce.BigInt()
		}
		args = append(args, v)
	}
	return args, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Hash returns the Keccak-256 of the public data
func Hash(pubData []byte) *big.Int {
	return new(big.Int).SetBytes(ethCrypto.Keccak256(pubData))
}

// commitmentMask keeps the 253 lower bits of the commitment, so that it fits
// in the scalar field
var commitmentMask = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 253), big.NewInt(1))

// Commitment returns the single public input of the proof of a block:
// keccak(blockNum | oldRoot | newRoot | pubDataHash), truncated to 253 bits
func Commitment(blockNum common.BlockNum, oldRoot, newRoot, pubDataHash *big.Int) *big.Int {
	var b [common.BlockNumBytesLen + 3*32]byte
	bn := blockNum.Bytes()
	copy(b[:common.BlockNumBytesLen], bn[:])
	offset := common.BlockNumBytesLen
	for _, v := range []*big.Int{oldRoot, newRoot, pubDataHash} {
		v.FillBytes(b[offset : offset+32])
		offset += 32
	}
	h := new(big.Int).SetBytes(ethCrypto.Keccak256(b[:]))
	return h.And(h, commitmentMask)
}

// NewPublicInputs returns the public inputs of the proof of a block
func NewPublicInputs(blockNum common.BlockNum, oldRoot, newRoot *big.Int,
	pubData []byte) common.PublicInputs {
	h := Hash(pubData)
	return common.PublicInputs{
		OldRoot:     new(big.Int).Set(oldRoot),
		NewRoot:     new(big.Int).Set(newRoot),
		PubDataHash: h,
		BlockNum:    blockNum,
		Commitment:  Commitment(blockNum, oldRoot, newRoot, h),
	}
}
