// Package chainviewmock is a scripted, in-memory ChainView used by the
// engine and Monitor API tests, following the hand-rolled mock style the
// teacher uses for its own backend-agnostic interfaces (lntest/mock)
// rather than a generated mocking framework.
package chainviewmock

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/chainview"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

// ChainView is a mutable, in-memory chain the test drives by appending
// blocks and editing transaction placements directly.
type ChainView struct {
	mu sync.Mutex

	blocks  map[types.BlockHeight]*chainview.Block
	tip     types.BlockHeight
	txInfos map[chainhash.Hash]*chainview.TxInfo
}

// New returns an empty mock chain view at height 0.
func New() *ChainView {
	return &ChainView{
		blocks:  make(map[types.BlockHeight]*chainview.Block),
		txInfos: make(map[chainhash.Hash]*chainview.TxInfo),
	}
}

// AddBlock appends a new indexed block at height tip+1 and advances the
// mock's tip. Tests call this to simulate the indexer catching up.
func (c *ChainView) AddBlock(block *chainview.Block) types.BlockHeight {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tip++
	c.blocks[c.tip] = block
	return c.tip
}

// SetTxInfo sets (or clears, with nil) the best-known placement of txid,
// letting tests simulate confirmation growth and reorgs directly.
func (c *ChainView) SetTxInfo(txid chainhash.Hash, info *chainview.TxInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if info == nil {
		delete(c.txInfos, txid)
		return
	}
	c.txInfos[txid] = info
}

// TipHeight implements chainview.ChainView.
func (c *ChainView) TipHeight(ctx context.Context) (types.BlockHeight, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tip, nil
}

// AdvanceOne implements chainview.ChainView.
func (c *ChainView) AdvanceOne(ctx context.Context, from types.BlockHeight) (types.BlockHeight, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if from >= c.tip {
		return from, nil
	}
	return from + 1, nil
}

// GetBlock implements chainview.ChainView.
func (c *ChainView) GetBlock(ctx context.Context, height types.BlockHeight) (*chainview.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	block, ok := c.blocks[height]
	if !ok {
		return nil, nil
	}
	return block, nil
}

// GetTxInfo implements chainview.ChainView.
func (c *ChainView) GetTxInfo(ctx context.Context, txid chainhash.Hash) (*chainview.TxInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, ok := c.txInfos[txid]
	if !ok {
		return nil, nil
	}
	return info, nil
}
