package txmonitor

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/chainview"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/chainview/chainviewmock"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/config"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/store"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

func openTestMonitor(t *testing.T, checkpoint *int32) (*Monitor, *store.Store, *chainviewmock.ChainView, func()) {
	t.Helper()

	tempDir, err := ioutil.TempDir("", "txmonitor-monitor")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}

	db, err := store.Open(filepath.Join(tempDir, "monitor.db"), &chaincfg.RegressionNetParams)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("unable to open store: %v", err)
	}

	cv := chainviewmock.New()

	cfg := config.DefaultConfig()
	cfg.Bitcoin.Network = "regtest"
	cfg.CheckpointHeight = checkpoint

	mon, err := NewMonitor(context.Background(), &cfg, db, cv, nil)
	if err != nil {
		db.Close()
		os.RemoveAll(tempDir)
		t.Fatalf("NewMonitor: %v", err)
	}

	return mon, db, cv, func() {
		db.Close()
		os.RemoveAll(tempDir)
	}
}

func hashFromByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

// TestNewMonitorStartsAtZeroOnFreshDB exercises spec.md §6's startup rule
// with no checkpoint configured: a fresh database starts at height 0.
func TestNewMonitorStartsAtZeroOnFreshDB(t *testing.T) {
	mon, _, _, cleanup := openTestMonitor(t, nil)
	defer cleanup()

	height, err := mon.GetCurrentHeight()
	if err != nil {
		t.Fatalf("GetCurrentHeight: %v", err)
	}
	if height != 0 {
		t.Fatalf("expected height 0, got %d", height)
	}
}

// TestNewMonitorClampsCheckpointToTip ensures a fresh database never
// starts past the chain view's current tip, per §6's min(checkpoint, tip)
// rule.
func TestNewMonitorClampsCheckpointToTip(t *testing.T) {
	tempDir, err := ioutil.TempDir("", "txmonitor-monitor")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	db, err := store.Open(filepath.Join(tempDir, "monitor.db"), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer db.Close()

	cv := chainviewmock.New()
	cv.AddBlock(&chainview.Block{Hash: hashFromByte(1)})
	cv.AddBlock(&chainview.Block{Hash: hashFromByte(2)})

	checkpoint := int32(100)
	cfg := config.DefaultConfig()
	cfg.Bitcoin.Network = "regtest"
	cfg.CheckpointHeight = &checkpoint

	mon, err := NewMonitor(context.Background(), &cfg, db, cv, nil)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	height, err := mon.GetCurrentHeight()
	if err != nil {
		t.Fatalf("GetCurrentHeight: %v", err)
	}
	if height != 2 {
		t.Fatalf("expected height clamped to tip 2, got %d", height)
	}
}

// TestAddMonitorRoundTrip exercises invariant 4 from spec.md §8:
// add_monitor followed by list_monitors reflects it as active at the
// current height.
func TestAddMonitorRoundTrip(t *testing.T) {
	mon, _, _, cleanup := openTestMonitor(t, nil)
	defer cleanup()

	kind := types.TransactionKind{TxID: hashFromByte(1), Context: "deposit"}
	if err := mon.AddMonitor(kind); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	records, err := mon.ListMonitors()
	if err != nil {
		t.Fatalf("ListMonitors: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly 1 record, got %d", len(records))
	}
	if !records[0].Active {
		t.Fatalf("expected the new monitor to be active")
	}

	height, err := mon.GetCurrentHeight()
	if err != nil {
		t.Fatalf("GetCurrentHeight: %v", err)
	}
	if records[0].StartHeight != height {
		t.Fatalf("expected start height %d to equal current height %d",
			records[0].StartHeight, height)
	}
}

// TestTickAndDrainAndAcknowledge exercises the full Monitor API surface
// end to end against a mock chain view.
func TestTickAndDrainAndAcknowledge(t *testing.T) {
	mon, _, cv, cleanup := openTestMonitor(t, nil)
	defer cleanup()

	txid := hashFromByte(7)
	if err := mon.AddMonitor(types.TransactionKind{TxID: txid}); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	cv.AddBlock(&chainview.Block{Hash: hashFromByte(1)})
	cv.SetTxInfo(txid, &chainview.TxInfo{BlockHeight: 1, BlockHash: hashFromByte(1)})

	if err := mon.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	news, err := mon.GetNews()
	if err != nil {
		t.Fatalf("GetNews: %v", err)
	}
	if len(news) != 1 {
		t.Fatalf("expected exactly 1 news item, got %d", len(news))
	}

	if err := mon.AcknowledgeNews(news[0].KindTag(), news[0].NaturalKey()); err != nil {
		t.Fatalf("AcknowledgeNews: %v", err)
	}

	news, err = mon.GetNews()
	if err != nil {
		t.Fatalf("GetNews: %v", err)
	}
	if len(news) != 0 {
		t.Fatalf("expected no news after acknowledgement, got %d", len(news))
	}
}

// TestIsReadyTracksTip verifies IsReady reports false while behind the
// chain view's tip and true once the monitor has caught up.
func TestIsReadyTracksTip(t *testing.T) {
	mon, _, cv, cleanup := openTestMonitor(t, nil)
	defer cleanup()

	cv.AddBlock(&chainview.Block{Hash: hashFromByte(1)})

	ready, err := mon.IsReady(context.Background())
	if err != nil {
		t.Fatalf("IsReady: %v", err)
	}
	if ready {
		t.Fatalf("expected not ready before ticking to the tip")
	}

	if err := mon.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	ready, err = mon.IsReady(context.Background())
	if err != nil {
		t.Fatalf("IsReady: %v", err)
	}
	if !ready {
		t.Fatalf("expected ready after ticking to the tip")
	}
}

// TestGetTxStatusQueriesChainViewWhenUncached ensures a status query for
// a txid with no cached entry falls through to the chain view and caches
// the result, per the Monitor API's get_tx_status contract.
func TestGetTxStatusQueriesChainViewWhenUncached(t *testing.T) {
	mon, db, cv, cleanup := openTestMonitor(t, nil)
	defer cleanup()

	txid := hashFromByte(3)
	cv.AddBlock(&chainview.Block{Hash: hashFromByte(1)})
	if err := mon.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// No monitor watches txid, so the tick above never cached a status
	// for it; GetTxStatus must fall through to the chain view directly.
	cv.SetTxInfo(txid, &chainview.TxInfo{BlockHeight: 1, BlockHash: hashFromByte(1)})

	status, err := mon.GetTxStatus(context.Background(), txid)
	if err != nil {
		t.Fatalf("GetTxStatus: %v", err)
	}
	if status == nil {
		t.Fatalf("expected a status from the chain view")
	}
	if status.Confirmations != 1 {
		t.Fatalf("expected 1 confirmation, got %d", status.Confirmations)
	}

	cached, err := db.GetStatus(txid)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if cached == nil {
		t.Fatalf("expected GetTxStatus to cache its result")
	}
}
