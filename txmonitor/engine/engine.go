// Package engine implements the Tick Engine (C4): the single,
// side-effecting step that advances the monitor's view of the chain by at
// most one block and produces whatever news that block's processing
// generates. Its shape follows the Monitor.tick body in the reference
// implementation (src/monitor.rs): read current height, ask the chain
// view to advance, walk active monitors against the new block, then
// persist the new height last so a crash mid-tick is always safe to
// resume from.
package engine

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/chainview"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/errors"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/pegin"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/store"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/txmonitorlog"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

// Engine advances one Store against one ChainView, one block per Tick.
type Engine struct {
	store *store.Store
	chain chainview.ChainView
	net   *chaincfg.Params

	// maxConfirmations bounds how long a Transaction/Group monitor keeps
	// producing news after a watched transaction confirms: once it has
	// more than this many confirmations the engine still looks it up each
	// tick, but no longer caches its status or appends news for it.
	// SpendingOutput, RskPegin and NewBlock news are not bounded by it.
	maxConfirmations uint32
}

// New returns an Engine bound to store s, chain view c, and net (used to
// detect RSK peg-ins), stopping news for a transaction once it has more
// than maxConfirmations confirmations.
func New(s *store.Store, c chainview.ChainView, net *chaincfg.Params, maxConfirmations uint32) *Engine {
	return &Engine{
		store:            s,
		chain:            c,
		net:              net,
		maxConfirmations: maxConfirmations,
	}
}

// Tick performs one processing step: it advances the chain view by at
// most one block and, only when a new block actually arrived, evaluates
// every active monitor's watched transactions against it, scans it for
// peg-ins and spends, and persists the new height. Per §4.4 step 3, a
// tick that finds no new block ready is a pure no-op: it returns without
// touching the store at all, so a caller that ticks in a busy loop while
// waiting on the indexer never mutates state. Confirmation growth and
// reorg detection are therefore observed on the next tick that does
// advance the tip, not on a no-op tick.
func (e *Engine) Tick(ctx context.Context) error {
	current, err := e.store.GetHeight()
	if err != nil {
		return err
	}

	newHeight, err := e.chain.AdvanceOne(ctx, current)
	if err != nil {
		return errors.NewIndexerError(err)
	}
	if newHeight == current {
		// No new block to scan this tick.
		return nil
	}
	tip := newHeight

	block, err := e.chain.GetBlock(ctx, newHeight)
	if err != nil {
		return errors.NewIndexerError(err)
	}
	if block == nil {
		// The view advanced its counter but can't yet hand back the
		// block body; retry on the next tick.
		return nil
	}

	monitors, err := e.store.ListActiveMonitors(tip)
	if err != nil {
		return err
	}

	for _, rec := range monitors {
		if err := e.evaluateMonitor(ctx, rec, tip); err != nil {
			return err
		}
	}

	if err := e.scanBlockForPegins(monitors, block, newHeight); err != nil {
		return err
	}

	if err := e.scanBlockForSpends(monitors, block, newHeight); err != nil {
		return err
	}

	if err := e.emitNewBlockNews(monitors, newHeight, block.Hash); err != nil {
		return err
	}

	if err := e.store.SetHeight(newHeight); err != nil {
		return err
	}

	return nil
}

// evaluateMonitor checks a single monitor's watched transaction(s)
// against their best-known chain placement and appends news for any
// still within the monitoring window (§4.4): a news item is attempted on
// every tick so consumers observe confirmation growth, but the Store's
// natural-key dedup ensures at most one pending item per transaction at
// a time; once acknowledged, the next tick re-enqueues with the current
// confirmation count.
func (e *Engine) evaluateMonitor(ctx context.Context, rec types.MonitorRecord, tip types.BlockHeight) error {
	switch k := rec.Kind.(type) {
	case types.TransactionKind:
		status, inWindow, err := e.refreshTxStatus(ctx, k.TxID, tip)
		if err != nil {
			return err
		}
		if !inWindow {
			return nil
		}
		return e.store.AppendNews(types.TransactionNews{
			TxID:    k.TxID,
			Status:  *status,
			Context: k.Context,
		})

	case types.GroupKind:
		for _, txid := range k.TxIDs {
			status, inWindow, err := e.refreshTxStatus(ctx, txid, tip)
			if err != nil {
				return err
			}
			if !inWindow {
				continue
			}
			if err := e.store.AppendNews(types.GroupTransactionNews{
				MonitorID: k.MonitorID,
				TxID:      txid,
				Status:    *status,
				Context:   k.Context,
			}); err != nil {
				return err
			}
		}
		return nil

	case types.SpendingOutputKind:
		// Handled per-block in scanBlockForSpends, not per-tx here,
		// since detecting a spend requires inspecting every input of
		// every transaction in the block rather than looking up one
		// txid directly.
		return nil

	case types.RskPeginKind:
		// Handled per-block in scanBlockForPegins.
		return nil

	case types.NewBlockKind:
		// Handled once per tick in emitNewBlockNews.
		return nil

	default:
		txmonitorlog.Log().Warnf("tick: unrecognized monitor kind %T", k)
		return nil
	}
}

// refreshTxStatus asks the chain view for txid's current placement and,
// when it is inside the monitoring window, caches it. It reports inWindow=false when the indexer has not yet
// placed the transaction, has placed it ahead of tip, or it has already
// accumulated more than maxConfirmations confirmations, per §4.4's
// monitoring window.
func (e *Engine) refreshTxStatus(ctx context.Context, txid chainhash.Hash, tip types.BlockHeight) (status *types.TransactionStatus, inWindow bool, err error) {
	info, err := e.chain.GetTxInfo(ctx, txid)
	if err != nil {
		return nil, false, errors.NewIndexerError(err)
	}
	if info == nil {
		return nil, false, nil
	}
	if info.BlockHeight > tip {
		return nil, false, nil
	}
	if uint32(tip-info.BlockHeight)+1 > e.maxConfirmations {
		return nil, false, nil
	}

	s := types.TransactionStatus{
		TxID:  txid,
		RawTx: info.RawTx,
		Block: &types.BlockInfo{
			Height:   info.BlockHeight,
			Hash:     info.BlockHash,
			IsOrphan: info.Orphan,
		},
		Confirmations: types.Confirmations(tip, info.BlockHeight, info.Orphan),
	}

	if err := e.store.PutStatus(txid, s); err != nil {
		return nil, false, err
	}

	return &s, true, nil
}

// scanBlockForPegins checks every transaction in block against every
// registered RskPegin monitor, appending RskPeginNews for any match.
func (e *Engine) scanBlockForPegins(monitors []types.MonitorRecord, block *chainview.Block, height types.BlockHeight) error {
	var committees []types.RskPeginKind
	for _, rec := range monitors {
		if pk, ok := rec.Kind.(types.RskPeginKind); ok {
			committees = append(committees, pk)
		}
	}
	if len(committees) == 0 {
		return nil
	}

	for _, tx := range block.Txs {
		for _, committee := range committees {
			if !pegin.IsRskPegin(tx, committee.CommitteeAddress, e.net) {
				continue
			}

			txid := tx.TxHash()
			status := types.TransactionStatus{
				TxID:  txid,
				RawTx: tx,
				Block: &types.BlockInfo{
					Height:   height,
					Hash:     block.Hash,
					IsOrphan: block.Orphan,
				},
				Confirmations: types.Confirmations(height, height, block.Orphan),
			}
			if err := e.store.PutStatus(txid, status); err != nil {
				return err
			}

			if err := e.store.AppendNews(types.RskPeginNews{
				CommitteeAddress: committee.CommitteeAddress,
				TxID:             txid,
				Status:           status,
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

// scanBlockForSpends checks every input of every transaction in block
// against every registered SpendingOutput monitor, appending
// SpendingOutputNews for any match. It is invoked from evaluateMonitor's
// caller path via Tick, once per block, rather than once per monitor, to
// avoid re-walking the block's transactions once per watched outpoint.
func (e *Engine) scanBlockForSpends(monitors []types.MonitorRecord, block *chainview.Block, height types.BlockHeight) error {
	watched := make(map[wire.OutPoint]types.SpendingOutputKind)
	for _, rec := range monitors {
		if sk, ok := rec.Kind.(types.SpendingOutputKind); ok {
			watched[wire.OutPoint{Hash: sk.TxID, Index: sk.Vout}] = sk
		}
	}
	if len(watched) == 0 {
		return nil
	}

	for _, tx := range block.Txs {
		spendingTxID := tx.TxHash()
		for _, in := range tx.TxIn {
			kind, ok := watched[in.PreviousOutPoint]
			if !ok {
				continue
			}

			status := types.TransactionStatus{
				TxID:  spendingTxID,
				RawTx: tx,
				Block: &types.BlockInfo{
					Height:   height,
					Hash:     block.Hash,
					IsOrphan: block.Orphan,
				},
				Confirmations: types.Confirmations(height, height, block.Orphan),
			}
			if err := e.store.PutStatus(spendingTxID, status); err != nil {
				return err
			}

			if err := e.store.AppendNews(types.SpendingOutputNews{
				SpendingTxID: spendingTxID,
				SpentTxID:    kind.TxID,
				Vout:         kind.Vout,
				Status:       status,
				Context:      kind.Context,
			}); err != nil {
				return err
			}
		}
	}

	return nil
}

// emitNewBlockNews appends a NewBlockNews iff a NewBlockKind monitor is
// currently registered and active.
func (e *Engine) emitNewBlockNews(monitors []types.MonitorRecord, height types.BlockHeight, hash chainhash.Hash) error {
	for _, rec := range monitors {
		if _, ok := rec.Kind.(types.NewBlockKind); ok {
			return e.store.AppendNews(types.NewBlockNews{Height: height, Hash: hash})
		}
	}

	return nil
}
