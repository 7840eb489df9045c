// Package common zk.go contains the witness data structures consumed by the
// prover: one SlotWitness per chunk of the block, the fee credits applied
// when the block is sealed, and the public inputs of the proof.
package common

import (
	"math/big"
)

// LeafState is the content of an account leaf, with the balance of the token
// touched by a transition
type LeafState struct {
	Nonce      *big.Int `json:"nonce"`
	PubKeyHash *big.Int `json:"pubKeyHash"`
	Address    *big.Int `json:"address"`
	Balance    *big.Int `json:"balance"`
	// BalanceRoot is the root of the balance subtree of the account
	BalanceRoot *big.Int `json:"balanceRoot"`
	// BalancePath are the siblings of the token in the balance subtree,
	// from leaf to root
	BalancePath []*big.Int `json:"balancePath"`
	LeafHash    *big.Int   `json:"leafHash"`
}

// LeafTransition is the update of one leaf of the account tree
type LeafTransition struct {
	AccountIdx AccountIdx `json:"accountIdx"`
	TokenID    TokenID    `json:"tokenId"`
	Before     LeafState  `json:"before"`
	After      LeafState  `json:"after"`
	// PathBefore and PathAfter are the siblings of the leaf in the account
	// tree, from leaf to root, before and after the update
	PathBefore []*big.Int `json:"pathBefore"`
	PathAfter  []*big.Int `json:"pathAfter"`
	// IsOld0, OldKey and OldValue describe the leaf that occupied the
	// position of the updated key in the sparse tree before the update
	IsOld0     bool     `json:"isOld0"`
	OldKey     *big.Int `json:"oldKey"`
	OldValue   *big.Int `json:"oldValue"`
	RootBefore *big.Int `json:"rootBefore"`
	RootAfter  *big.Int `json:"rootAfter"`
}

// IsIdentity returns true if the transition does not change the tree
func (t *LeafTransition) IsIdentity() bool {
	return t.RootBefore.Cmp(t.RootAfter) == 0 && t.Before.LeafHash.Cmp(t.After.LeafHash) == 0
}

// SlotWitness is the witness of one chunk of the block
type SlotWitness struct {
	Tag OpType `json:"tag"`
	// ChunkIdx is the index of the chunk inside its operation
	ChunkIdx int `json:"chunkIdx"`
	// Args are the decoded scalar fields of the operation
	Args         []*big.Int      `json:"args"`
	PubDataChunk []byte          `json:"pubDataChunk"`
	Transition   *LeafTransition `json:"transition"`
}

// PublicInputs are the public inputs of the proof of a block
type PublicInputs struct {
	OldRoot     *big.Int `json:"oldRoot"`
	NewRoot     *big.Int `json:"newRoot"`
	PubDataHash *big.Int `json:"pubDataHash"`
	BlockNum    BlockNum `json:"blockNum"`
	// Commitment is the single field element that binds the other public
	// inputs, as checked by the verifier
	Commitment *big.Int `json:"commitment"`
}

// WitnessBundle is the input of the prover for a block. It is produced once
// and never mutated.
type WitnessBundle struct {
	BlockNum     BlockNum          `json:"blockNum"`
	Slots        []*SlotWitness    `json:"slots"`
	Fees         []*LeafTransition `json:"fees"`
	PublicInputs PublicInputs      `json:"publicInputs"`
}
