// Package types defines the data model shared by every subsystem of the
// transaction monitor: the chain-derived value types (block heights,
// transaction status) and the closed set of monitor/news variants that the
// store and tick engine dispatch over.
//
// It mirrors the role original_source/src/types.rs plays in the reference
// implementation: a small, dependency-free leaf package that every other
// package imports, so that the store and the engine never need to import
// each other just to share a struct definition.
package types

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// ErrUnknownNetwork is returned by NetParamsForName when given a network
// name this module does not recognize.
var ErrUnknownNetwork = errors.New("unknown bitcoin network")

// BlockHeight is a non-negative chain height.
type BlockHeight uint32

// BlockInfo describes where a transaction was last observed in the chain.
type BlockInfo struct {
	// Height is the height of the block the transaction was included in.
	Height BlockHeight

	// Hash is the hash of the block at Height.
	Hash chainhash.Hash

	// IsOrphan is true if the indexer has flagged this placement as no
	// longer part of the best chain.
	IsOrphan bool
}

// TransactionStatus is the latest known placement of a transaction,
// expressed the way a consumer needs it: how many confirmations it has, and
// whether its block is still canonical.
type TransactionStatus struct {
	TxID chainhash.Hash

	// RawTx is the raw transaction, when available from the chain view.
	RawTx *wire.MsgTx

	// Block is nil when the transaction has not yet been seen on chain.
	Block *BlockInfo

	// Confirmations is tip_height - block_height + 1 for a canonical
	// placement, or 0 when Block.IsOrphan is true.
	Confirmations uint32
}

// Confirmations computes the confirmation count for a transaction last seen
// at blockHeight, given the current tip height, following §3's definition.
func Confirmations(tip, blockHeight BlockHeight, isOrphan bool) uint32 {
	if isOrphan {
		return 0
	}
	if tip < blockHeight {
		return 0
	}
	return uint32(tip-blockHeight) + 1
}

// MonitorKind is the closed set of subscription variants a monitor can
// track. The set is fixed and small (§9 of the design notes explicitly
// rules out a virtual/trait-object hierarchy), so dispatch is by type
// switch rather than by a fat interface of behavioral methods. The only
// methods a kind exposes are the ones every store/engine path needs:
// a stable tag used as a storage bucket name, and the natural key used
// for idempotent upserts.
type MonitorKind interface {
	// KindTag returns the stable, storage-facing name of this variant.
	KindTag() string

	// NaturalKey returns the bytes that uniquely identify this monitor
	// registration within its kind.
	NaturalKey() []byte

	isMonitorKind()
}

const (
	TagTransaction    = "tx"
	TagGroup          = "group"
	TagRskPegin       = "pegin"
	TagSpendingOutput = "spend"
	TagNewBlock       = "block"
)

// TransactionKind watches a single transaction id.
type TransactionKind struct {
	TxID    chainhash.Hash
	Context string
}

func (TransactionKind) KindTag() string      { return TagTransaction }
func (k TransactionKind) NaturalKey() []byte { return k.TxID[:] }
func (TransactionKind) isMonitorKind()       {}

// GroupKind watches a named set of transaction ids as a single
// subscription. Merging two registrations for the same MonitorID must
// union the TxIDs (see store.AddMonitor).
type GroupKind struct {
	MonitorID string
	TxIDs     []chainhash.Hash
	Context   string
}

func (GroupKind) KindTag() string      { return TagGroup }
func (k GroupKind) NaturalKey() []byte { return []byte(k.MonitorID) }
func (GroupKind) isMonitorKind()       {}

// RskPeginKind watches for any transaction matching the RSK peg-in shape
// for a tracked committee address.
type RskPeginKind struct {
	CommitteeAddress btcutil.Address
}

func (RskPeginKind) KindTag() string { return TagRskPegin }
func (k RskPeginKind) NaturalKey() []byte {
	return []byte(k.CommitteeAddress.EncodeAddress())
}
func (RskPeginKind) isMonitorKind() {}

// SpendingOutputKind watches for any transaction that spends a given
// outpoint.
type SpendingOutputKind struct {
	TxID    chainhash.Hash
	Vout    uint32
	Context string
}

func (SpendingOutputKind) KindTag() string { return TagSpendingOutput }
func (k SpendingOutputKind) NaturalKey() []byte {
	return outpointKey(k.TxID, k.Vout)
}
func (SpendingOutputKind) isMonitorKind() {}

// NewBlockKind emits one news item per newly processed block. It is a
// singleton subscription: there is never more than one registered at a
// time, so its natural key is constant.
type NewBlockKind struct{}

func (NewBlockKind) KindTag() string    { return TagNewBlock }
func (NewBlockKind) NaturalKey() []byte { return []byte("singleton") }
func (NewBlockKind) isMonitorKind()     {}

// MonitorRecord is the persisted state of one monitor registration.
type MonitorRecord struct {
	Kind        MonitorKind
	StartHeight BlockHeight
	Active      bool
}

// News is the closed set of consumer-visible events the tick engine can
// produce. Like MonitorKind, dispatch is by type switch; the only shared
// behavior needed by the store is a stable kind tag and a natural key for
// deduplication.
type News interface {
	KindTag() string
	NaturalKey() []byte
	isNews()
}

// TransactionNews reports the status of a watched single transaction.
type TransactionNews struct {
	TxID    chainhash.Hash
	Status  TransactionStatus
	Context string
}

func (TransactionNews) KindTag() string      { return TagTransaction }
func (n TransactionNews) NaturalKey() []byte { return n.TxID[:] }
func (TransactionNews) isNews()              {}

// GroupTransactionNews reports the status of one transaction within a
// watched group.
type GroupTransactionNews struct {
	MonitorID string
	TxID      chainhash.Hash
	Status    TransactionStatus
	Context   string
}

func (GroupTransactionNews) KindTag() string { return TagGroup }
func (n GroupTransactionNews) NaturalKey() []byte {
	return append([]byte(n.MonitorID+"\x00"), n.TxID[:]...)
}
func (GroupTransactionNews) isNews() {}

// RskPeginNews reports a detected peg-in transaction for a committee
// address.
type RskPeginNews struct {
	CommitteeAddress btcutil.Address
	TxID             chainhash.Hash
	Status           TransactionStatus
}

func (RskPeginNews) KindTag() string      { return TagRskPegin }
func (n RskPeginNews) NaturalKey() []byte { return n.TxID[:] }
func (RskPeginNews) isNews()              {}

// SpendingOutputNews reports a transaction that spent a watched outpoint.
type SpendingOutputNews struct {
	SpendingTxID chainhash.Hash
	SpentTxID    chainhash.Hash
	Vout         uint32
	Status       TransactionStatus
	Context      string
}

func (SpendingOutputNews) KindTag() string { return TagSpendingOutput }
func (n SpendingOutputNews) NaturalKey() []byte {
	key := outpointKey(n.SpentTxID, n.Vout)
	return append(key, n.SpendingTxID[:]...)
}
func (SpendingOutputNews) isNews() {}

// NewBlockNews reports that a new block was processed.
type NewBlockNews struct {
	Height BlockHeight
	Hash   chainhash.Hash
}

func (NewBlockNews) KindTag() string { return TagNewBlock }
func (n NewBlockNews) NaturalKey() []byte {
	var key [4 + chainhash.HashSize]byte
	key[0] = byte(n.Height >> 24)
	key[1] = byte(n.Height >> 16)
	key[2] = byte(n.Height >> 8)
	key[3] = byte(n.Height)
	copy(key[4:], n.Hash[:])
	return key[:]
}
func (NewBlockNews) isNews() {}

func outpointKey(txid chainhash.Hash, vout uint32) []byte {
	key := make([]byte, chainhash.HashSize+4)
	copy(key, txid[:])
	key[chainhash.HashSize] = byte(vout >> 24)
	key[chainhash.HashSize+1] = byte(vout >> 16)
	key[chainhash.HashSize+2] = byte(vout >> 8)
	key[chainhash.HashSize+3] = byte(vout)
	return key
}

// NetParamsForName resolves a network name from configuration to the
// btcsuite chain parameters used for address decoding in the peg-in
// recognizer.
func NetParamsForName(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "simnet":
		return &chaincfg.SimNetParams, nil
	default:
		return nil, ErrUnknownNetwork
	}
}
