// Package chainview defines the external Chain View contract (C2) the
// tick engine depends on: an already-indexed, advancing-by-one view of
// the best chain. Implementations live in subpackages (btcdview for a
// live btcd/bitcoind RPC backend, chainviewmock for tests); this package
// only defines the interface and the value types that cross it, the same
// separation the teacher uses between routing/chainview's interface and
// its concrete backends.
package chainview

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

// Block is the indexed view of one block: its hash, whether the indexer
// currently considers it orphaned, and its transactions in block order.
type Block struct {
	Hash   chainhash.Hash
	Orphan bool
	Txs    []*wire.MsgTx
}

// TxInfo is the best-known placement of a transaction as reported by the
// indexer. A nil TxInfo (see ChainView.GetTxInfo) means the transaction
// has not been observed on chain at all.
type TxInfo struct {
	RawTx       *wire.MsgTx
	BlockHeight types.BlockHeight
	BlockHash   chainhash.Hash
	Orphan      bool
}

// ChainView is the four-method contract the tick engine reads from. It is
// implemented by an external indexer; the core never performs its own
// fork detection and assumes the indexer will eventually reflect reorgs
// by flipping Orphan and/or reporting a new placement.
type ChainView interface {
	// TipHeight returns the current best-chain height known to the
	// indexer.
	TipHeight(ctx context.Context) (types.BlockHeight, error)

	// AdvanceOne returns from+1 if block from+1 is fully indexed,
	// otherwise it returns from unchanged. It must be idempotent and
	// must never skip a height.
	AdvanceOne(ctx context.Context, from types.BlockHeight) (types.BlockHeight, error)

	// GetBlock returns the indexed block at height, or nil if height is
	// not yet indexed.
	GetBlock(ctx context.Context, height types.BlockHeight) (*Block, error)

	// GetTxInfo returns the best-known placement of txid, or nil if the
	// indexer has never observed it.
	GetTxInfo(ctx context.Context, txid chainhash.Hash) (*TxInfo, error)
}
