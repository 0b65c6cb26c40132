// Package txmonitor is the Monitor API (C5): the single consumer-facing
// entry point wrapping the Monitor Store (C1), an external Chain View
// (C2), and the Tick Engine (C4). It follows the teacher's convention of
// constructing dependencies outside the type and passing already-open
// handles in (channeldb.Open is called by the daemon, not by
// OpenChannel's caller), and guards concurrent access the way
// chainntnfs/txconfnotifier.go guards its maps with a single mutex.
package txmonitor

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"

	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/chainview"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/config"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/engine"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/errors"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/store"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/txmonitorlog"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

// Monitor is the public handle onto a running transaction monitor. It is
// safe for one ticking goroutine plus any number of concurrent read-only
// callers.
type Monitor struct {
	mu sync.RWMutex

	store  *store.Store
	chain  chainview.ChainView
	engine *engine.Engine
}

// NewMonitor wires an already-open Store and ChainView into a Monitor,
// selecting the Tick Engine's confirmation window from cfg, installing
// log as the package logger if non-nil, and applying the startup height
// selection rule of spec.md §6: on a fresh database, start at
// min(checkpoint_height, tip_height); on a database that has already
// synced, keep the persisted height unless it lags behind
// checkpoint_height, in which case checkpoint_height wins.
func NewMonitor(ctx context.Context, cfg *config.Config, db *store.Store, cv chainview.ChainView, log btclog.Logger) (*Monitor, error) {
	if log != nil {
		txmonitorlog.UseLogger(log)
	}

	net, err := types.NetParamsForName(cfg.Bitcoin.Network)
	if err != nil {
		return nil, errors.NewConfigurationError(err)
	}

	if err := applyStartupHeight(ctx, cfg, db, cv); err != nil {
		return nil, err
	}

	eng := engine.New(db, cv, net, cfg.Settings.MaxMonitoringConfirmations)

	return &Monitor{
		store:  db,
		chain:  cv,
		engine: eng,
	}, nil
}

func applyStartupHeight(ctx context.Context, cfg *config.Config, db *store.Store, cv chainview.ChainView) error {
	hasHeight, err := db.HasHeight()
	if err != nil {
		return err
	}

	var checkpoint types.BlockHeight
	if cfg.CheckpointHeight != nil {
		checkpoint = types.BlockHeight(*cfg.CheckpointHeight)
	}

	if !hasHeight {
		tip, err := cv.TipHeight(ctx)
		if err != nil {
			return errors.NewIndexerError(err)
		}
		start := checkpoint
		if tip < start {
			start = tip
		}
		return db.SetHeight(start)
	}

	if cfg.CheckpointHeight == nil {
		return nil
	}

	persisted, err := db.GetHeight()
	if err != nil {
		return err
	}
	if persisted < checkpoint {
		return db.SetHeight(checkpoint)
	}

	return nil
}

// AddMonitor registers kind for tracking starting at the monitor's
// current height. Idempotent: re-registering an existing Transaction,
// SpendingOutput, RskPegin, or NewBlock monitor merely re-activates it; a
// Group union's the new TxIDs into the existing set.
func (m *Monitor) AddMonitor(kind types.MonitorKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	height, err := m.store.GetHeight()
	if err != nil {
		return err
	}

	return m.store.AddMonitor(kind, height)
}

// DeactivateMonitor sets kind's active bit to false, preserving its row
// and any outstanding news.
func (m *Monitor) DeactivateMonitor(kind types.MonitorKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store.DeactivateMonitor(kind)
}

// ListMonitors returns every active monitor registration whose start height
// is at most the monitor's current height. Deactivated monitors are not
// included.
func (m *Monitor) ListMonitors() ([]types.MonitorRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	height, err := m.store.GetHeight()
	if err != nil {
		return nil, err
	}

	return m.store.ListActiveMonitors(height)
}

// Tick invokes the Tick Engine once, advancing the monitor's view of the
// chain by at most one block.
func (m *Monitor) Tick(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.engine.Tick(ctx)
}

// GetNews returns every pending news item across every monitor, without
// removing anything.
func (m *Monitor) GetNews() ([]types.News, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.store.DrainNews()
}

// AcknowledgeNews removes the news item identified by (tag, naturalKey).
// Acknowledging an unknown item is a no-op logged as a warning.
func (m *Monitor) AcknowledgeNews(tag string, naturalKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store.Acknowledge(tag, naturalKey)
}

// GetTxStatus returns the latest known status for txid, querying the
// chain view directly (and caching the result) if nothing has been
// cached yet.
func (m *Monitor) GetTxStatus(ctx context.Context, txid chainhash.Hash) (*types.TransactionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, err := m.store.GetStatus(txid)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	tip, err := m.store.GetHeight()
	if err != nil {
		return nil, err
	}

	info, err := m.chain.GetTxInfo(ctx, txid)
	if err != nil {
		return nil, errors.NewIndexerError(err)
	}
	if info == nil {
		return nil, nil
	}

	status := types.TransactionStatus{
		TxID:  txid,
		RawTx: info.RawTx,
		Block: &types.BlockInfo{
			Height:   info.BlockHeight,
			Hash:     info.BlockHash,
			IsOrphan: info.Orphan,
		},
		Confirmations: types.Confirmations(tip, info.BlockHeight, info.Orphan),
	}

	if err := m.store.PutStatus(txid, status); err != nil {
		return nil, err
	}

	return &status, nil
}

// GetCurrentHeight returns the last fully-processed block height.
func (m *Monitor) GetCurrentHeight() (types.BlockHeight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.store.GetHeight()
}

// IsReady reports whether the monitor has fully caught up to the chain
// view's current tip.
func (m *Monitor) IsReady(ctx context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	height, err := m.store.GetHeight()
	if err != nil {
		return false, err
	}

	tip, err := m.chain.TipHeight(ctx)
	if err != nil {
		return false, errors.NewIndexerError(err)
	}

	return height == tip, nil
}
