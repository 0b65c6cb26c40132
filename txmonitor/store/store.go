// Package store implements the Monitor Store (C1): the sole owner of
// durable state for monitor registrations, the last-processed height, and
// the pending news inbox. It is backed by github.com/coreos/bbolt, opened
// and laid out the way channeldb.Open/channeldb's nested buckets are in
// the teacher codebase — one bbolt transaction per logical operation,
// nested buckets keyed by kind tag and then by natural key.
package store

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/coreos/bbolt"
	txerrors "github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/errors"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/txmonitorlog"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

var (
	heightBucket  = []byte("monitor-height")
	monitorBucket = []byte("monitor-list")
	newsBucket    = []byte("monitor-news")
	statusBucket  = []byte("monitor-status")

	heightKey = []byte("height")
)

var (
	errUnknownKind = txerrors.NewUnexpected("unknown monitor/news kind tag")
)

// openTimeout bounds how long Open waits to acquire the bbolt file lock,
// the same guard channeldb.Open applies so a stuck second process fails
// fast instead of hanging the caller forever.
const openTimeout = 10 * time.Second

// allKindTags lists every bucket ListActiveMonitors and DrainNews must
// scan, in the fixed order they are enumerated kind by kind. Within a kind,
// entries come back in bbolt's cursor order, the byte order of their natural
// keys; insertion order is not preserved.
var allKindTags = []string{
	types.TagTransaction,
	types.TagGroup,
	types.TagRskPegin,
	types.TagSpendingOutput,
	types.TagNewBlock,
}

// Store is the bbolt-backed implementation of the Monitor Store.
type Store struct {
	db  *bbolt.DB
	net *chaincfg.Params
}

// Open creates or opens the bbolt database at dbPath and ensures its
// top-level bucket layout exists. net is used to re-parse persisted RSK
// committee addresses on read.
func Open(dbPath string, net *chaincfg.Params) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, txerrors.NewStoreError(err)
	}

	s := &Store{db: db, net: net}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(heightBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(statusBucket); err != nil {
			return err
		}

		monitors, err := tx.CreateBucketIfNotExists(monitorBucket)
		if err != nil {
			return err
		}
		news, err := tx.CreateBucketIfNotExists(newsBucket)
		if err != nil {
			return err
		}
		for _, tag := range allKindTags {
			if _, err := monitors.CreateBucketIfNotExists([]byte(tag)); err != nil {
				return err
			}
			if _, err := news.CreateBucketIfNotExists([]byte(tag)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, txerrors.NewStoreError(err)
	}

	return s, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetHeight returns the last fully-processed block height, 0 by default.
func (s *Store) GetHeight() (types.BlockHeight, error) {
	var height uint32

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(heightBucket)
		raw := b.Get(heightKey)
		if raw == nil {
			return nil
		}
		h, err := readUint32FromBytes(raw)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	if err != nil {
		return 0, txerrors.NewStoreError(err)
	}

	return types.BlockHeight(height), nil
}

// HasHeight reports whether a height has ever been persisted, letting the
// caller distinguish a genuinely fresh database from one already synced
// to height 0.
func (s *Store) HasHeight() (bool, error) {
	var has bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(heightBucket)
		has = b.Get(heightKey) != nil
		return nil
	})
	if err != nil {
		return false, txerrors.NewStoreError(err)
	}

	return has, nil
}

// SetHeight persists the last fully-processed block height. It is the
// final write of a tick, per §4.4's ordering requirement.
func (s *Store) SetHeight(h types.BlockHeight) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(heightBucket)
		return b.Put(heightKey, encodeUint32(uint32(h)))
	})
	if err != nil {
		return txerrors.NewStoreError(err)
	}
	return nil
}

// AddMonitor upserts a monitor registration. Re-registering an existing
// Transaction/SpendingOutput/RskPegin/NewBlock monitor is a no-op besides
// re-activating it; re-registering a Group unions its TxIDs with the
// existing set while preserving the original StartHeight, per §4.1.
func (s *Store) AddMonitor(kind types.MonitorKind, startHeight types.BlockHeight) error {
	tag := kind.KindTag()
	key := kind.NaturalKey()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := kindBucket(tx, monitorBucket, tag)
		if err != nil {
			return err
		}

		existingRaw := bucket.Get(key)

		rec := types.MonitorRecord{
			Kind:        kind,
			StartHeight: startHeight,
			Active:      true,
		}

		if existingRaw != nil {
			txmonitorlog.Log().Warnf("add: monitor %s/%x already registered", tag, key)

			existing, err := s.decodeMonitorRecord(tag, existingRaw)
			if err != nil {
				return err
			}

			// start_height never changes after creation (invariant 5).
			rec.StartHeight = existing.StartHeight

			if group, ok := kind.(types.GroupKind); ok {
				existingGroup, ok := existing.Kind.(types.GroupKind)
				if !ok {
					return errUnknownKind
				}
				rec.Kind = types.GroupKind{
					MonitorID: group.MonitorID,
					TxIDs:     unionTxIDs(existingGroup.TxIDs, group.TxIDs),
					Context:   group.Context,
				}
			}
		}

		encoded, err := encodeMonitorRecord(rec)
		if err != nil {
			return err
		}

		return bucket.Put(key, encoded)
	})
	if err != nil {
		return txerrors.NewStoreError(err)
	}

	return nil
}

// DeactivateMonitor sets a monitor's active bit to false, preserving its
// row (and any outstanding news) for audit, per §4.1.
func (s *Store) DeactivateMonitor(kind types.MonitorKind) error {
	tag := kind.KindTag()
	key := kind.NaturalKey()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := kindBucket(tx, monitorBucket, tag)
		if err != nil {
			return err
		}

		raw := bucket.Get(key)
		if raw == nil {
			txmonitorlog.Log().Warnf("deactivate: unknown monitor %s/%x", tag, key)
			return nil
		}

		rec, err := s.decodeMonitorRecord(tag, raw)
		if err != nil {
			return err
		}
		rec.Active = false

		encoded, err := encodeMonitorRecord(rec)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return txerrors.NewStoreError(err)
	}

	return nil
}

// ListActiveMonitors returns every active monitor whose StartHeight is at
// most atHeight, across all kinds, ordered by kind (allKindTags) and then by
// the byte order of each monitor's natural key, which is bbolt's cursor
// order; insertion order is not preserved.
func (s *Store) ListActiveMonitors(atHeight types.BlockHeight) ([]types.MonitorRecord, error) {
	var records []types.MonitorRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		monitors := tx.Bucket(monitorBucket)

		for _, tag := range allKindTags {
			bucket := monitors.Bucket([]byte(tag))
			if bucket == nil {
				continue
			}

			err := bucket.ForEach(func(_ []byte, raw []byte) error {
				rec, err := s.decodeMonitorRecord(tag, raw)
				if err != nil {
					return err
				}
				if rec.Active && rec.StartHeight <= atHeight {
					records = append(records, rec)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, txerrors.NewStoreError(err)
	}

	return records, nil
}

// GetPeginMonitor returns the registered RskPegin monitor for address, if
// any, folding the original source's dedicated address-watch store (see
// SPEC_FULL.md's "Supplemented features") into a plain accessor on the
// unified monitor store.
func (s *Store) GetPeginMonitor(address string) (*types.MonitorRecord, error) {
	var rec *types.MonitorRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket, err := kindBucket(tx, monitorBucket, types.TagRskPegin)
		if err != nil {
			return err
		}

		raw := bucket.Get([]byte(address))
		if raw == nil {
			return nil
		}

		decoded, err := s.decodeMonitorRecord(types.TagRskPegin, raw)
		if err != nil {
			return err
		}
		rec = &decoded
		return nil
	})
	if err != nil {
		return nil, txerrors.NewStoreError(err)
	}

	return rec, nil
}

// AppendNews adds news to its kind's queue iff no item with the same
// natural key is already pending, per the dedup guarantee of §4.1/§3
// invariant 3.
func (s *Store) AppendNews(news types.News) error {
	tag := news.KindTag()
	key := news.NaturalKey()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := kindBucket(tx, newsBucket, tag)
		if err != nil {
			return err
		}

		if bucket.Get(key) != nil {
			// Already pending; the consumer hasn't acknowledged
			// yet, so there is nothing new to enqueue.
			return nil
		}

		encoded, err := encodeNews(news)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
	if err != nil {
		return txerrors.NewStoreError(err)
	}

	return nil
}

// DrainNews returns a snapshot of every pending news item across every
// queue, without removing anything. Queues are visited in allKindTags order
// and items within a queue in the byte order of their natural keys, not in
// insertion order.
func (s *Store) DrainNews() ([]types.News, error) {
	var all []types.News

	err := s.db.View(func(tx *bbolt.Tx) error {
		news := tx.Bucket(newsBucket)

		for _, tag := range allKindTags {
			bucket := news.Bucket([]byte(tag))
			if bucket == nil {
				continue
			}

			err := bucket.ForEach(func(_ []byte, raw []byte) error {
				item, err := s.decodeNews(tag, raw)
				if err != nil {
					return err
				}
				all = append(all, item)
				return nil
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, txerrors.NewStoreError(err)
	}

	return all, nil
}

// Acknowledge removes the pending news item identified by (tag, naturalKey).
// Acknowledging an item that is not present is a no-op, logged as a
// warning rather than propagated, per §7's NotFound policy.
func (s *Store) Acknowledge(tag string, naturalKey []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := kindBucket(tx, newsBucket, tag)
		if err != nil {
			return err
		}

		if bucket.Get(naturalKey) == nil {
			txmonitorlog.Log().Warnf("acknowledge: unknown news %s/%x", tag, naturalKey)
			return nil
		}

		return bucket.Delete(naturalKey)
	})
	if err != nil {
		return txerrors.NewStoreError(err)
	}

	return nil
}

// PutStatus caches the latest known status for txid. Latest write wins.
func (s *Store) PutStatus(txid chainhash.Hash, status types.TransactionStatus) error {
	encoded, err := encodeStatus(status)
	if err != nil {
		return txerrors.NewStoreError(err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(statusBucket)
		return b.Put(txid[:], encoded)
	})
	if err != nil {
		return txerrors.NewStoreError(err)
	}

	return nil
}

// GetStatus returns the cached status for txid, or nil if none has been
// recorded.
func (s *Store) GetStatus(txid chainhash.Hash) (*types.TransactionStatus, error) {
	var status *types.TransactionStatus

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(statusBucket)
		raw := b.Get(txid[:])
		if raw == nil {
			return nil
		}

		decoded, err := decodeStatus(raw)
		if err != nil {
			return err
		}
		status = &decoded
		return nil
	})
	if err != nil {
		return nil, txerrors.NewStoreError(err)
	}

	return status, nil
}

// kindBucket descends into bucket/tag, following the same
// CreateBucketIfNotExists-chain pattern channel.go's fetchChanBucket uses,
// except that every kind bucket is guaranteed to exist by Open so read
// paths can treat a missing bucket as an invariant violation.
func kindBucket(tx *bbolt.Tx, bucket []byte, tag string) (*bbolt.Bucket, error) {
	top := tx.Bucket(bucket)
	if top == nil {
		return nil, errUnknownKind
	}
	sub := top.Bucket([]byte(tag))
	if sub == nil {
		return nil, errUnknownKind
	}
	return sub, nil
}

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	byteOrder.PutUint32(b, v)
	return b
}

func readUint32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, errUnknownKind
	}
	return byteOrder.Uint32(b), nil
}

// unionTxIDs merges b into a without duplicating existing entries,
// preserving a's order and appending new ids from b in b's order.
func unionTxIDs(a, b []chainhash.Hash) []chainhash.Hash {
	seen := make(map[chainhash.Hash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}

	result := append([]chainhash.Hash(nil), a...)
	for _, h := range b {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		result = append(result, h)
	}

	return result
}
