package coordinator

import (
	"context"

	"zkrollup/common"
	"zkrollup/coordinator/prover"
	"zkrollup/log"
)

// ProversPool contains the multiple prover clients
type ProversPool struct {
	pool chan prover.Client
}

// NewProversPool creates a new pool with the given provers, all of them idle
func NewProversPool(provers []prover.Client) *ProversPool {
	p := &ProversPool{
		pool: make(chan prover.Client, len(provers)),
	}
	for _, client := range provers {
		p.pool <- client
	}
	return p
}

// Add a prover back to the pool
func (p *ProversPool) Add(ctx context.Context, client prover.Client) {
	select {
	case p.pool <- client:
	case <-ctx.Done():
	}
}

// Get returns the next available prover
func (p *ProversPool) Get(ctx context.Context) (prover.Client, error) {
	select {
	case <-ctx.Done():
		log.Info("ProversPool.Get done")
		return nil, common.Wrap(common.ErrDone)
	case client := <-p.pool:
		return client, nil
	}
}
