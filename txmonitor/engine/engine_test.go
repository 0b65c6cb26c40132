package engine

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"

	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/chainview"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/chainview/chainviewmock"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/store"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

func openTestStore(t *testing.T) (*store.Store, func()) {
	t.Helper()

	tempDir, err := ioutil.TempDir("", "txmonitor-engine")
	if err != nil {
		t.Fatalf("unable to create temp dir: %v", err)
	}

	s, err := store.Open(filepath.Join(tempDir, "monitor.db"), &chaincfg.RegressionNetParams)
	if err != nil {
		os.RemoveAll(tempDir)
		t.Fatalf("unable to open store: %v", err)
	}

	return s, func() {
		s.Close()
		os.RemoveAll(tempDir)
	}
}

func hashFromByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func emptyBlock(hash chainhash.Hash) *chainview.Block {
	return &chainview.Block{Hash: hash, Txs: nil}
}

// TestTickEmptyAdvancesHeight exercises scenario 1 of spec.md §8: with no
// monitors registered, a single tick that advances the tip by one block must
// move the height and produce no news.
func TestTickEmptyAdvancesHeight(t *testing.T) {
	s, cleanup := openTestStore(t)
	defer cleanup()

	cv := chainviewmock.New()
	cv.AddBlock(emptyBlock(hashFromByte(1)))

	eng := New(s, cv, &chaincfg.RegressionNetParams, 100)

	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	height, err := s.GetHeight()
	if err != nil {
		t.Fatalf("GetHeight: %v", err)
	}
	if height != 1 {
		t.Fatalf("expected height 1, got %d", height)
	}

	news, err := s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if len(news) != 0 {
		t.Fatalf("expected no news, got %d", len(news))
	}
}

// TestTickNoOpWhenTipUnchanged exercises §4.4 step 3: a tick that finds no
// new block must leave the store completely untouched, even when active
// monitors exist.
func TestTickNoOpWhenTipUnchanged(t *testing.T) {
	s, cleanup := openTestStore(t)
	defer cleanup()

	cv := chainviewmock.New()
	txid := hashFromByte(1)
	if err := s.AddMonitor(types.TransactionKind{TxID: txid}, 0); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}
	cv.SetTxInfo(txid, &chainview.TxInfo{BlockHeight: 1})

	eng := New(s, cv, &chaincfg.RegressionNetParams, 100)

	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	height, err := s.GetHeight()
	if err != nil {
		t.Fatalf("GetHeight: %v", err)
	}
	if height != 0 {
		t.Fatalf("expected height to stay 0 on a no-op tick, got %d", height)
	}

	news, err := s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if len(news) != 0 {
		t.Fatalf("expected no news on a no-op tick, got %d", len(news))
	}
}

// TestTickFirstSighting exercises scenario 2: a watched transaction first
// confirmed at the new tip produces exactly one TransactionNews with
// confirmations == 1.
func TestTickFirstSighting(t *testing.T) {
	s, cleanup := openTestStore(t)
	defer cleanup()

	cv := chainviewmock.New()
	txid := hashFromByte(1)
	if err := s.AddMonitor(types.TransactionKind{TxID: txid, Context: "payout"}, 0); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	eng := New(s, cv, &chaincfg.RegressionNetParams, 100)

	// Advance to height 150, placing the watched transaction in the
	// final block.
	for h := types.BlockHeight(1); h < 150; h++ {
		cv.AddBlock(emptyBlock(hashFromByte(byte(h))))
	}
	cv.SetTxInfo(txid, &chainview.TxInfo{BlockHeight: 150, BlockHash: hashFromByte(150)})
	cv.AddBlock(emptyBlock(hashFromByte(150)))

	for h := 0; h < 150; h++ {
		if err := eng.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}

	height, err := s.GetHeight()
	if err != nil {
		t.Fatalf("GetHeight: %v", err)
	}
	if height != 150 {
		t.Fatalf("expected height 150, got %d", height)
	}

	news, err := s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if len(news) != 1 {
		t.Fatalf("expected exactly 1 news item, got %d", len(news))
	}

	txNews, ok := news[0].(types.TransactionNews)
	if !ok {
		t.Fatalf("expected TransactionNews, got %T", news[0])
	}
	if txNews.Status.Confirmations != 1 {
		t.Fatalf("expected 1 confirmation, got %d", txNews.Status.Confirmations)
	}
	if txNews.Status.Block.Height != 150 {
		t.Fatalf("expected block height 150, got %d", txNews.Status.Block.Height)
	}
}

// TestTickConfirmationGrowth exercises scenario 3: while the first sighting
// is pending, further ticks are absorbed by the natural-key dedup; once it is
// acknowledged, the next tick re-enqueues the same transaction with its
// current confirmation count.
func TestTickConfirmationGrowth(t *testing.T) {
	s, cleanup := openTestStore(t)
	defer cleanup()

	cv := chainviewmock.New()
	txid := hashFromByte(1)
	if err := s.AddMonitor(types.TransactionKind{TxID: txid}, 0); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	eng := New(s, cv, &chaincfg.RegressionNetParams, 100)

	cv.AddBlock(emptyBlock(hashFromByte(1)))
	cv.SetTxInfo(txid, &chainview.TxInfo{BlockHeight: 1, BlockHash: hashFromByte(1)})
	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	news, err := s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if len(news) != 1 {
		t.Fatalf("expected 1 news item, got %d", len(news))
	}

	for h := 2; h <= 5; h++ {
		cv.AddBlock(emptyBlock(hashFromByte(byte(h))))
		if err := eng.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}

	if err := s.Acknowledge(news[0].KindTag(), news[0].NaturalKey()); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	cv.AddBlock(emptyBlock(hashFromByte(6)))
	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	news, err = s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if len(news) != 1 {
		t.Fatalf("expected exactly 1 re-enqueued news item, got %d", len(news))
	}
	txNews, ok := news[0].(types.TransactionNews)
	if !ok {
		t.Fatalf("expected TransactionNews, got %T", news[0])
	}
	if txNews.Status.Confirmations != 6 {
		t.Fatalf("expected 6 confirmations, got %d", txNews.Status.Confirmations)
	}
}

// TestTickReorgProducesOrphanNews exercises scenario 4: when the indexer
// flips a previously-canonical placement to orphaned, the next tick that
// touches the monitor emits a news item with 0 confirmations.
func TestTickReorgProducesOrphanNews(t *testing.T) {
	s, cleanup := openTestStore(t)
	defer cleanup()

	cv := chainviewmock.New()
	txid := hashFromByte(1)
	if err := s.AddMonitor(types.TransactionKind{TxID: txid}, 0); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	eng := New(s, cv, &chaincfg.RegressionNetParams, 100)

	cv.AddBlock(emptyBlock(hashFromByte(1)))
	cv.SetTxInfo(txid, &chainview.TxInfo{BlockHeight: 1, BlockHash: hashFromByte(1)})
	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	news, err := s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if err := s.Acknowledge(news[0].KindTag(), news[0].NaturalKey()); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	// Flip the placement to orphaned and tick again.
	cv.SetTxInfo(txid, &chainview.TxInfo{BlockHeight: 1, BlockHash: hashFromByte(1), Orphan: true})
	cv.AddBlock(emptyBlock(hashFromByte(2)))
	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	news, err = s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if len(news) != 1 {
		t.Fatalf("expected exactly 1 news item, got %d", len(news))
	}
	txNews, ok := news[0].(types.TransactionNews)
	if !ok {
		t.Fatalf("expected TransactionNews, got %T", news[0])
	}
	if txNews.Status.Confirmations != 0 {
		t.Fatalf("expected 0 confirmations for an orphaned placement, got %d", txNews.Status.Confirmations)
	}
	if !txNews.Status.Block.IsOrphan {
		t.Fatalf("expected Block.IsOrphan to be true")
	}
}

func committeeAddress(t *testing.T) btcutil.Address {
	t.Helper()
	var hash [20]byte
	hash[0] = 0xAB
	addr, err := btcutil.NewAddressPubKeyHash(hash[:], &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewAddressPubKeyHash: %v", err)
	}
	return addr
}

func peginPayload(t *testing.T) []byte {
	t.Helper()
	data := make([]byte, 69)
	copy(data[0:9], "RSK_PEGIN")
	// bytes [9:37] (packet number + RSK address) are unconstrained.
	// bytes [37:69]: the secp256k1 generator's x-coordinate, a known
	// valid x-only public key.
	xOnly := []byte{
		0x79, 0xbe, 0x66, 0x7e, 0xf9, 0xdc, 0xbb, 0xac,
		0x55, 0xa0, 0x62, 0x95, 0xce, 0x87, 0x0b, 0x07,
		0x02, 0x9b, 0xfc, 0xdb, 0x2d, 0xce, 0x28, 0xd9,
		0x59, 0xf2, 0x81, 0x5b, 0x16, 0xf8, 0x17, 0x98,
	}
	copy(data[37:69], xOnly)

	script, err := txscript.NullDataScript(data)
	if err != nil {
		t.Fatalf("NullDataScript: %v", err)
	}
	return script
}

// TestTickDetectsRskPegin exercises scenario 5: a block containing a
// well-formed peg-in transaction for a tracked committee address produces
// exactly one RskPeginNews.
func TestTickDetectsRskPegin(t *testing.T) {
	s, cleanup := openTestStore(t)
	defer cleanup()

	cv := chainviewmock.New()
	addr := committeeAddress(t)
	if err := s.AddMonitor(types.RskPeginKind{CommitteeAddress: addr}, 0); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	eng := New(s, cv, &chaincfg.RegressionNetParams, 100)

	payScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(0, payScript))
	tx.AddTxOut(wire.NewTxOut(0, peginPayload(t)))

	block := &chainview.Block{Hash: hashFromByte(1), Txs: []*wire.MsgTx{tx}}
	cv.AddBlock(block)

	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	news, err := s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if len(news) != 1 {
		t.Fatalf("expected exactly 1 news item, got %d", len(news))
	}
	if _, ok := news[0].(types.RskPeginNews); !ok {
		t.Fatalf("expected RskPeginNews, got %T", news[0])
	}
}

// TestTickRejectsShortPeginPayload ensures a block whose OP_RETURN payload
// is one byte short of the required 69 bytes produces no peg-in news.
func TestTickRejectsShortPeginPayload(t *testing.T) {
	s, cleanup := openTestStore(t)
	defer cleanup()

	cv := chainviewmock.New()
	addr := committeeAddress(t)
	if err := s.AddMonitor(types.RskPeginKind{CommitteeAddress: addr}, 0); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	eng := New(s, cv, &chaincfg.RegressionNetParams, 100)

	payScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	shortScript, err := txscript.NullDataScript(make([]byte, 68))
	if err != nil {
		t.Fatalf("NullDataScript: %v", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(wire.NewTxOut(0, payScript))
	tx.AddTxOut(wire.NewTxOut(0, shortScript))

	cv.AddBlock(&chainview.Block{Hash: hashFromByte(1), Txs: []*wire.MsgTx{tx}})

	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	news, err := s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if len(news) != 0 {
		t.Fatalf("expected no news for a malformed payload, got %d", len(news))
	}
}

// TestTickDetectsSpendingOutput exercises scenario 6: a transaction
// spending a watched outpoint produces a SpendingOutputNews, and
// deactivating the monitor stops further news for other spends of the
// same parent transaction.
func TestTickDetectsSpendingOutput(t *testing.T) {
	s, cleanup := openTestStore(t)
	defer cleanup()

	cv := chainviewmock.New()
	prevTxID := hashFromByte(1)
	kind := types.SpendingOutputKind{TxID: prevTxID, Vout: 1, Context: "refund"}
	if err := s.AddMonitor(kind, 0); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	eng := New(s, cv, &chaincfg.RegressionNetParams, 100)

	spendTx := wire.NewMsgTx(wire.TxVersion)
	spendTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prevTxID, Index: 1},
	})
	cv.AddBlock(&chainview.Block{Hash: hashFromByte(1), Txs: []*wire.MsgTx{spendTx}})

	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	news, err := s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if len(news) != 1 {
		t.Fatalf("expected exactly 1 news item, got %d", len(news))
	}
	spendNews, ok := news[0].(types.SpendingOutputNews)
	if !ok {
		t.Fatalf("expected SpendingOutputNews, got %T", news[0])
	}
	if spendNews.SpendingTxID != spendTx.TxHash() {
		t.Fatalf("spending txid mismatch")
	}
	if err := s.Acknowledge(news[0].KindTag(), news[0].NaturalKey()); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	// Deactivate, then spend a different output of the same parent
	// transaction; no further news should appear.
	if err := s.DeactivateMonitor(kind); err != nil {
		t.Fatalf("DeactivateMonitor: %v", err)
	}

	otherSpend := wire.NewMsgTx(wire.TxVersion)
	otherSpend.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: prevTxID, Index: 0},
	})
	cv.AddBlock(&chainview.Block{Hash: hashFromByte(2), Txs: []*wire.MsgTx{otherSpend}})

	if err := eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	news, err = s.DrainNews()
	if err != nil {
		t.Fatalf("DrainNews: %v", err)
	}
	if len(news) != 0 {
		t.Fatalf("expected no news after deactivation, got %d", len(news))
	}
}

// TestTickMaxMonitoringConfirmationsStopsNews ensures a transaction stops
// producing news once it has accumulated more than maxConfirmations
// confirmations, per §4.4's monitoring window.
func TestTickMaxMonitoringConfirmationsStopsNews(t *testing.T) {
	s, cleanup := openTestStore(t)
	defer cleanup()

	cv := chainviewmock.New()
	txid := hashFromByte(1)
	if err := s.AddMonitor(types.TransactionKind{TxID: txid}, 0); err != nil {
		t.Fatalf("AddMonitor: %v", err)
	}

	eng := New(s, cv, &chaincfg.RegressionNetParams, 2)

	cv.AddBlock(emptyBlock(hashFromByte(1)))
	cv.SetTxInfo(txid, &chainview.TxInfo{BlockHeight: 1, BlockHash: hashFromByte(1)})

	for h := 0; h < 5; h++ {
		cv.AddBlock(emptyBlock(hashFromByte(byte(h + 2))))
	}

	for h := 0; h < 6; h++ {
		if err := eng.Tick(context.Background()); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		news, err := s.DrainNews()
		if err != nil {
			t.Fatalf("DrainNews: %v", err)
		}
		// From height 3 on the transaction has more than 2 confirmations.
		if h >= 2 && len(news) != 0 {
			t.Fatalf("expected no news past the monitoring window at height %d, got %d", h+1, len(news))
		}
		for _, n := range news {
			if err := s.Acknowledge(n.KindTag(), n.NaturalKey()); err != nil {
				t.Fatalf("Acknowledge: %v", err)
			}
		}
	}

	height, err := s.GetHeight()
	if err != nil {
		t.Fatalf("GetHeight: %v", err)
	}

	// At the final height the transaction has accumulated more than
	// maxConfirmations=2 confirmations, so the last tick must not have
	// produced a new item.
	status, err := s.GetStatus(txid)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status == nil {
		t.Fatalf("expected a cached status from earlier ticks")
	}
	if uint32(height-status.Block.Height)+1 <= 2 {
		t.Fatalf("test setup error: expected confirmations to exceed the window")
	}
}
