package common

import (
	"math/big"
	"sort"
)

// FeeAccumulator aggregates per token the fees paid by the operations of a
// block, which are credited to the fee account once when the block is sealed
type FeeAccumulator struct {
	fees map[TokenID]*big.Int
}

// NewFeeAccumulator returns an empty FeeAccumulator
func NewFeeAccumulator() *FeeAccumulator {
	return &FeeAccumulator{fees: make(map[TokenID]*big.Int)}
}

// Add accumulates a fee
func (f *FeeAccumulator) Add(token TokenID, fee *big.Int) {
	if fee == nil || fee.Sign() == 0 {
		return
	}
	acc, ok := f.fees[token]
	if !ok {
		acc = big.NewInt(0)
		f.fees[token] = acc
	}
	acc.Add(acc, fee)
}

// Credits returns the non zero accumulated fees sorted by token
func (f *FeeAccumulator) Credits() []FeeCredit {
	credits := make([]FeeCredit, 0, len(f.fees))
	for token, amount := range f.fees {
		if amount.Sign() == 0 {
			continue
		}
		credits = append(credits, FeeCredit{Token: token, Amount: new(big.Int).Set(amount)})
	}
	sort.Slice(credits, func(i, j int) bool { return credits[i].Token < credits[j].Token })
	return credits
}

// Reset removes all the accumulated fees
func (f *FeeAccumulator) Reset() {
	f.fees = make(map[TokenID]*big.Int)
}
