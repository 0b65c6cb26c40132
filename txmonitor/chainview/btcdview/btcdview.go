// Package btcdview implements chainview.ChainView against a live btcd or
// bitcoind node over JSON-RPC, using github.com/btcsuite/btcd/rpcclient
// the same way chainntnfs/btcdnotify talks to the node in the teacher
// codebase. It assumes the node itself (or a proxy in front of it) is
// already running with a transaction index (txindex=1) so that
// GetRawTransactionVerbose can resolve arbitrary, not-yet-spent txids.
package btcdview

import (
	"bytes"
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/chainview"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/errors"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/txmonitorlog"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

// View adapts an rpcclient.Client to the chainview.ChainView contract.
type View struct {
	client *rpcclient.Client
	net    *chaincfg.Params
}

// New dials the node described by cfg and returns a View for net.
func New(cfg *rpcclient.ConnConfig, net *chaincfg.Params) (*View, error) {
	client, err := rpcclient.New(cfg, nil)
	if err != nil {
		return nil, errors.NewIndexerError(err)
	}
	return &View{client: client, net: net}, nil
}

// Shutdown disconnects the underlying RPC client.
func (v *View) Shutdown() {
	v.client.Shutdown()
	v.client.WaitForShutdown()
}

// TipHeight implements chainview.ChainView.
func (v *View) TipHeight(ctx context.Context) (types.BlockHeight, error) {
	height, err := v.client.GetBlockCount()
	if err != nil {
		return 0, errors.NewIndexerError(err)
	}
	return types.BlockHeight(height), nil
}

// AdvanceOne implements chainview.ChainView.
func (v *View) AdvanceOne(ctx context.Context, from types.BlockHeight) (types.BlockHeight, error) {
	tip, err := v.TipHeight(ctx)
	if err != nil {
		return from, err
	}
	if from >= tip {
		return from, nil
	}
	return from + 1, nil
}

// GetBlock implements chainview.ChainView.
func (v *View) GetBlock(ctx context.Context, height types.BlockHeight) (*chainview.Block, error) {
	hash, err := v.client.GetBlockHash(int64(height))
	if err != nil {
		// The node doesn't have this height indexed yet; treat it as
		// absent rather than as a hard failure so the engine can
		// retry on the next tick.
		txmonitorlog.Log().Debugf("block at height %d not available: %v",
			height, err)
		return nil, nil
	}

	block, err := v.client.GetBlock(hash)
	if err != nil {
		return nil, errors.NewIndexerError(err)
	}

	verbose, err := v.client.GetBlockVerbose(hash)
	if err != nil {
		return nil, errors.NewIndexerError(err)
	}

	return &chainview.Block{
		Hash:   *hash,
		Orphan: verbose.Confirmations < 0,
		Txs:    block.Transactions,
	}, nil
}

// GetTxInfo implements chainview.ChainView.
func (v *View) GetTxInfo(ctx context.Context, txid chainhash.Hash) (*chainview.TxInfo, error) {
	raw, err := v.client.GetRawTransactionVerbose(&txid)
	if err != nil {
		// Not found (or not indexed) is not an error at this layer;
		// the engine treats a nil TxInfo as "never observed".
		txmonitorlog.Log().Tracef("tx %s not found via getrawtransaction: %v",
			txid, err)
		return nil, nil
	}

	if raw.BlockHash == "" {
		// Known to the mempool, but not yet confined to a block.
		return nil, nil
	}

	blockHash, err := chainhash.NewHashFromStr(raw.BlockHash)
	if err != nil {
		return nil, errors.NewIndexerError(err)
	}

	verbose, err := v.client.GetBlockVerbose(blockHash)
	if err != nil {
		return nil, errors.NewIndexerError(err)
	}

	rawTxBytes, err := hex.DecodeString(raw.Hex)
	if err != nil {
		return nil, errors.NewIndexerError(err)
	}

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(rawTxBytes)); err != nil {
		return nil, errors.NewIndexerError(err)
	}

	return &chainview.TxInfo{
		RawTx:       &msgTx,
		BlockHeight: types.BlockHeight(verbose.Height),
		BlockHash:   *blockHash,
		Orphan:      verbose.Confirmations < 0,
	}, nil
}
