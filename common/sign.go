package common

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/accounts"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

// signElemBytes is the number of bytes packed into each field element of the
// message to sign, so that each element is inside the Finite Field
const signElemBytes = 31

// ZkSignature is the BabyJubJub EdDSA-Poseidon signature of a signed
// operation together with the public key that produced it
type ZkSignature struct {
	PubKey    babyjub.PublicKeyComp `json:"pubKey"`
	Signature babyjub.SignatureComp `json:"signature"`
}

// ZkSig returns the signature
func (s *ZkSignature) ZkSig() *ZkSignature {
	return s
}

// PubKeyHashFromPubKey returns the PubKeyHash of a BabyJubJub public key: the
// 160 least significant bits of Poseidon(X, Y)
func PubKeyHashFromPubKey(pk *babyjub.PublicKey) (PubKeyHash, error) {
	var pkh PubKeyHash
	h, err := poseidon.Hash([]*big.Int{pk.X, pk.Y})
	if err != nil {
		return pkh, Wrap(err)
	}
	var b [32]byte
	h.FillBytes(b[:])
	copy(pkh[:], b[32-PubKeyHashLen:])
	return pkh, nil
}

// HashBytes packs b into field elements of 31 bytes and returns their
// Poseidon hash
func HashBytes(b []byte) (*big.Int, error) {
	elems := make([]*big.Int, 0, len(b)/signElemBytes+1)
	for i := 0; i < len(b); i += signElemBytes {
		end := i + signElemBytes
		if end > len(b) {
			end = len(b)
		}
		elems = append(elems, new(big.Int).SetBytes(b[i:end]))
	}
	if len(elems) == 0 {
		elems = append(elems, big.NewInt(0))
	}
	h, err := poseidon.Hash(elems)
	if err != nil {
		return nil, Wrap(err)
	}
	return h, nil
}

// HashToSign returns the message that the BabyJubJub key signs
func HashToSign(op SignedOperation) (*big.Int, error) {
	b, err := op.SignBytes()
	if err != nil {
		return nil, Wrap(err)
	}
	return HashBytes(b)
}

// Sign signs the operation with the given key, setting its ZkSignature
func Sign(op SignedOperation, sk *babyjub.PrivateKey) error {
	h, err := HashToSign(op)
	if err != nil {
		return Wrap(err)
	}
	sig := sk.SignPoseidon(h)
	zkSig := op.ZkSig()
	zkSig.PubKey = sk.Public().Compress()
	zkSig.Signature = sig.Compress()
	return nil
}

// VerifySignature checks the ZkSignature of the operation and returns the
// PubKeyHash of the key that signed it
func VerifySignature(op SignedOperation) (PubKeyHash, bool) {
	zkSig := op.ZkSig()
	pk, err := zkSig.PubKey.Decompress()
	if err != nil {
		return EmptyPubKeyHash, false
	}
	sig, err := zkSig.Signature.Decompress()
	if err != nil {
		return EmptyPubKeyHash, false
	}
	h, err := HashToSign(op)
	if err != nil {
		return EmptyPubKeyHash, false
	}
	if !pk.VerifyPoseidon(h, sig) {
		return EmptyPubKeyHash, false
	}
	pkh, err := PubKeyHashFromPubKey(pk)
	if err != nil {
		return EmptyPubKeyHash, false
	}
	return pkh, true
}

func packedAmount(amount *big.Int) ([]byte, error) {
	f, err := NewFloat40(amount)
	if err != nil {
		return nil, Wrap(err)
	}
	return f.Bytes()
}

func packedFee(fee *big.Int) ([]byte, error) {
	if err := CheckAmount(fee); err != nil {
		return nil, Wrap(err)
	}
	f, err := NewFloat16(fee)
	if err != nil {
		return nil, Wrap(err)
	}
	return f.Bytes(), nil
}

type signBuf struct {
	bytes.Buffer
}

func (b *signBuf) idx(idx AccountIdx) {
	v := idx.Bytes()
	b.Write(v[:])
}

func (b *signBuf) token(t TokenID) {
	v := t.Bytes()
	b.Write(v[:])
}

func (b *signBuf) nonce(n Nonce) {
	v := n.Bytes()
	b.Write(v[:])
}

// SignBytes implements SignedOperation
func (op *TransferOp) SignBytes() ([]byte, error) {
	amount, err := packedAmount(op.Amount)
	if err != nil {
		return nil, Wrap(err)
	}
	fee, err := packedFee(op.Fee)
	if err != nil {
		return nil, Wrap(err)
	}
	var b signBuf
	b.WriteByte(byte(OpTypeTransfer))
	b.idx(op.From)
	b.idx(op.To)
	b.token(op.Token)
	b.Write(amount)
	b.Write(fee)
	b.nonce(op.Nonce)
	return b.Bytes(), nil
}

// SignBytes implements SignedOperation
func (op *TransferToNewOp) SignBytes() ([]byte, error) {
	amount, err := packedAmount(op.Amount)
	if err != nil {
		return nil, Wrap(err)
	}
	fee, err := packedFee(op.Fee)
	if err != nil {
		return nil, Wrap(err)
	}
	var b signBuf
	b.WriteByte(byte(OpTypeTransferToNew))
	b.idx(op.From)
	b.Write(op.ToAddress.Bytes())
	b.token(op.Token)
	b.Write(amount)
	b.Write(fee)
	b.nonce(op.Nonce)
	return b.Bytes(), nil
}

// SignBytes implements SignedOperation
func (op *WithdrawOp) SignBytes() ([]byte, error) {
	amount, err := AmountBytes(op.Amount)
	if err != nil {
		return nil, Wrap(err)
	}
	fee, err := packedFee(op.Fee)
	if err != nil {
		return nil, Wrap(err)
	}
	var b signBuf
	b.WriteByte(byte(OpTypeWithdraw))
	b.idx(op.Account)
	b.Write(op.To.Bytes())
	b.token(op.Token)
	b.Write(amount[:])
	b.Write(fee)
	b.nonce(op.Nonce)
	return b.Bytes(), nil
}

// SignBytes implements SignedOperation
func (op *CloseOp) SignBytes() ([]byte, error) {
	var b signBuf
	b.WriteByte(byte(OpTypeClose))
	b.idx(op.Account)
	b.nonce(op.Nonce)
	return b.Bytes(), nil
}

// SignBytes implements SignedOperation
func (op *ChangePubKeyOp) SignBytes() ([]byte, error) {
	var b signBuf
	b.WriteByte(byte(OpTypeChangePubKey))
	b.idx(op.Account)
	b.Write(op.Address.Bytes())
	b.Write(op.NewPubKeyHash[:])
	b.nonce(op.Nonce)
	return b.Bytes(), nil
}

// SignBytes implements SignedOperation
func (op *ForcedExitOp) SignBytes() ([]byte, error) {
	fee, err := packedFee(op.Fee)
	if err != nil {
		return nil, Wrap(err)
	}
	var b signBuf
	b.WriteByte(byte(OpTypeForcedExit))
	b.idx(op.Initiator)
	b.idx(op.Target)
	b.Write(op.TargetAddress.Bytes())
	b.token(op.Token)
	b.Write(fee)
	b.nonce(op.Nonce)
	return b.Bytes(), nil
}

// ChangePubKeyMessage returns the text that the owner of the account address
// signs with its Ethereum key to authorize a new signing key
func ChangePubKeyMessage(pkh PubKeyHash, nonce Nonce, idx AccountIdx) string {
	nonceBytes := nonce.Bytes()
	idxBytes := idx.Bytes()
	return fmt.Sprintf("Register rollup pubkey:\n\n%s\nnonce: 0x%s\naccount id: 0x%s\n\n"+
		"Only sign this message for a trusted client!",
		hex.EncodeToString(pkh[:]), hex.EncodeToString(nonceBytes[:]),
		hex.EncodeToString(idxBytes[:]))
}

// SignEth sets the Ethereum signature of the operation with the given key
func (op *ChangePubKeyOp) SignEth(key *ecdsa.PrivateKey) error {
	msg := ChangePubKeyMessage(op.NewPubKeyHash, op.Nonce, op.Account)
	sig, err := ethCrypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return Wrap(err)
	}
	op.EthSignature = sig
	return nil
}

// VerifyEthSignature returns true if the Ethereum signature of the operation
// was produced by the key of addr
func (op *ChangePubKeyOp) VerifyEthSignature(addr ethCommon.Address) bool {
	if len(op.EthSignature) != ethCrypto.SignatureLength {
		return false
	}
	sig := make([]byte, ethCrypto.SignatureLength)
	copy(sig, op.EthSignature)
	if sig[ethCrypto.RecoveryIDOffset] >= 27 { //nolint:gomnd
		sig[ethCrypto.RecoveryIDOffset] -= 27
	}
	msg := ChangePubKeyMessage(op.NewPubKeyHash, op.Nonce, op.Account)
	pub, err := ethCrypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return false
	}
	return ethCrypto.PubkeyToAddress(*pub) == addr
}
