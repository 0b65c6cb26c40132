package store

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
	"github.com/fairgatelabs/bitcoin-tx-monitor/txmonitor/types"
)

// byteOrder is the wire byte order used across every encode/decode helper
// in this package, following the same package-level byteOrder convention
// channeldb uses for its own binary codecs.
var byteOrder = binary.BigEndian

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	byteOrder.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(b[:]), nil
}

func writeBool(w io.Writer, v bool) error {
	b := byte(0)
	if v {
		b = 1
	}
	_, err := w.Write([]byte{b})
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] == 1, nil
}

func writeHash(w io.Writer, h chainhash.Hash) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader) (chainhash.Hash, error) {
	var h chainhash.Hash
	_, err := io.ReadFull(r, h[:])
	return h, err
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// encodeMonitorRecord serializes a MonitorRecord. The kind tag is not
// written here: callers already know it, since it is the name of the
// bucket the record lives in.
func encodeMonitorRecord(rec types.MonitorRecord) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeUint32(&buf, uint32(rec.StartHeight)); err != nil {
		return nil, err
	}
	if err := writeBool(&buf, rec.Active); err != nil {
		return nil, err
	}
	if err := encodeMonitorKind(&buf, rec.Kind); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (s *Store) decodeMonitorRecord(tag string, raw []byte) (types.MonitorRecord, error) {
	r := bytes.NewReader(raw)

	startHeight, err := readUint32(r)
	if err != nil {
		return types.MonitorRecord{}, err
	}
	active, err := readBool(r)
	if err != nil {
		return types.MonitorRecord{}, err
	}
	kind, err := s.decodeMonitorKind(tag, r)
	if err != nil {
		return types.MonitorRecord{}, err
	}

	return types.MonitorRecord{
		Kind:        kind,
		StartHeight: types.BlockHeight(startHeight),
		Active:      active,
	}, nil
}

func encodeMonitorKind(w io.Writer, kind types.MonitorKind) error {
	switch k := kind.(type) {
	case types.TransactionKind:
		if err := writeHash(w, k.TxID); err != nil {
			return err
		}
		return writeString(w, k.Context)

	case types.GroupKind:
		if err := writeString(w, k.MonitorID); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(len(k.TxIDs))); err != nil {
			return err
		}
		for _, txid := range k.TxIDs {
			if err := writeHash(w, txid); err != nil {
				return err
			}
		}
		return writeString(w, k.Context)

	case types.RskPeginKind:
		return writeString(w, k.CommitteeAddress.EncodeAddress())

	case types.SpendingOutputKind:
		if err := writeHash(w, k.TxID); err != nil {
			return err
		}
		if err := writeUint32(w, k.Vout); err != nil {
			return err
		}
		return writeString(w, k.Context)

	case types.NewBlockKind:
		return nil

	default:
		return errUnknownKind
	}
}

// decodeMonitorKind decodes the kind payload for tag from r. s.net is used
// to re-parse the RskPegin committee address, so that addresses persisted
// under one network configuration are never silently reinterpreted under
// another.
func (s *Store) decodeMonitorKind(tag string, r io.Reader) (types.MonitorKind, error) {
	switch tag {
	case types.TagTransaction:
		txid, err := readHash(r)
		if err != nil {
			return nil, err
		}
		ctx, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.TransactionKind{TxID: txid, Context: ctx}, nil

	case types.TagGroup:
		monitorID, err := readString(r)
		if err != nil {
			return nil, err
		}
		count, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		txids := make([]chainhash.Hash, count)
		for i := range txids {
			txids[i], err = readHash(r)
			if err != nil {
				return nil, err
			}
		}
		ctx, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.GroupKind{MonitorID: monitorID, TxIDs: txids, Context: ctx}, nil

	case types.TagRskPegin:
		encoded, err := readString(r)
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.DecodeAddress(encoded, s.net)
		if err != nil {
			return nil, err
		}
		return types.RskPeginKind{CommitteeAddress: addr}, nil

	case types.TagSpendingOutput:
		txid, err := readHash(r)
		if err != nil {
			return nil, err
		}
		vout, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		ctx, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.SpendingOutputKind{TxID: txid, Vout: vout, Context: ctx}, nil

	case types.TagNewBlock:
		return types.NewBlockKind{}, nil

	default:
		return nil, errUnknownKind
	}
}

// encodeStatus serializes a TransactionStatus.
func encodeStatus(status types.TransactionStatus) ([]byte, error) {
	var buf bytes.Buffer

	if err := writeHash(&buf, status.TxID); err != nil {
		return nil, err
	}

	var rawTx []byte
	if status.RawTx != nil {
		var txBuf bytes.Buffer
		if err := status.RawTx.Serialize(&txBuf); err != nil {
			return nil, err
		}
		rawTx = txBuf.Bytes()
	}
	if err := writeBytes(&buf, rawTx); err != nil {
		return nil, err
	}

	hasBlock := status.Block != nil
	if err := writeBool(&buf, hasBlock); err != nil {
		return nil, err
	}
	if hasBlock {
		if err := writeUint32(&buf, uint32(status.Block.Height)); err != nil {
			return nil, err
		}
		if err := writeHash(&buf, status.Block.Hash); err != nil {
			return nil, err
		}
		if err := writeBool(&buf, status.Block.IsOrphan); err != nil {
			return nil, err
		}
	}

	if err := writeUint32(&buf, status.Confirmations); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decodeStatus(raw []byte) (types.TransactionStatus, error) {
	r := bytes.NewReader(raw)

	txid, err := readHash(r)
	if err != nil {
		return types.TransactionStatus{}, err
	}

	rawTxBytes, err := readBytes(r)
	if err != nil {
		return types.TransactionStatus{}, err
	}
	var rawTx *wire.MsgTx
	if len(rawTxBytes) > 0 {
		rawTx = &wire.MsgTx{}
		if err := rawTx.Deserialize(bytes.NewReader(rawTxBytes)); err != nil {
			return types.TransactionStatus{}, err
		}
	}

	hasBlock, err := readBool(r)
	if err != nil {
		return types.TransactionStatus{}, err
	}
	var block *types.BlockInfo
	if hasBlock {
		height, err := readUint32(r)
		if err != nil {
			return types.TransactionStatus{}, err
		}
		hash, err := readHash(r)
		if err != nil {
			return types.TransactionStatus{}, err
		}
		orphan, err := readBool(r)
		if err != nil {
			return types.TransactionStatus{}, err
		}
		block = &types.BlockInfo{
			Height:   types.BlockHeight(height),
			Hash:     hash,
			IsOrphan: orphan,
		}
	}

	confirmations, err := readUint32(r)
	if err != nil {
		return types.TransactionStatus{}, err
	}

	return types.TransactionStatus{
		TxID:          txid,
		RawTx:         rawTx,
		Block:         block,
		Confirmations: confirmations,
	}, nil
}

// encodeNews serializes a News value. Like encodeMonitorKind, the kind
// tag is implied by the bucket the record lives in.
func encodeNews(news types.News) ([]byte, error) {
	var buf bytes.Buffer

	switch n := news.(type) {
	case types.TransactionNews:
		if err := writeHash(&buf, n.TxID); err != nil {
			return nil, err
		}
		statusBytes, err := encodeStatus(n.Status)
		if err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, statusBytes); err != nil {
			return nil, err
		}
		if err := writeString(&buf, n.Context); err != nil {
			return nil, err
		}

	case types.GroupTransactionNews:
		if err := writeString(&buf, n.MonitorID); err != nil {
			return nil, err
		}
		if err := writeHash(&buf, n.TxID); err != nil {
			return nil, err
		}
		statusBytes, err := encodeStatus(n.Status)
		if err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, statusBytes); err != nil {
			return nil, err
		}
		if err := writeString(&buf, n.Context); err != nil {
			return nil, err
		}

	case types.RskPeginNews:
		if err := writeString(&buf, n.CommitteeAddress.EncodeAddress()); err != nil {
			return nil, err
		}
		if err := writeHash(&buf, n.TxID); err != nil {
			return nil, err
		}
		statusBytes, err := encodeStatus(n.Status)
		if err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, statusBytes); err != nil {
			return nil, err
		}

	case types.SpendingOutputNews:
		if err := writeHash(&buf, n.SpendingTxID); err != nil {
			return nil, err
		}
		if err := writeHash(&buf, n.SpentTxID); err != nil {
			return nil, err
		}
		if err := writeUint32(&buf, n.Vout); err != nil {
			return nil, err
		}
		statusBytes, err := encodeStatus(n.Status)
		if err != nil {
			return nil, err
		}
		if err := writeBytes(&buf, statusBytes); err != nil {
			return nil, err
		}
		if err := writeString(&buf, n.Context); err != nil {
			return nil, err
		}

	case types.NewBlockNews:
		if err := writeUint32(&buf, uint32(n.Height)); err != nil {
			return nil, err
		}
		if err := writeHash(&buf, n.Hash); err != nil {
			return nil, err
		}

	default:
		return nil, errUnknownKind
	}

	return buf.Bytes(), nil
}

func (s *Store) decodeNews(tag string, raw []byte) (types.News, error) {
	r := bytes.NewReader(raw)

	switch tag {
	case types.TagTransaction:
		txid, err := readHash(r)
		if err != nil {
			return nil, err
		}
		statusBytes, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		status, err := decodeStatus(statusBytes)
		if err != nil {
			return nil, err
		}
		ctx, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.TransactionNews{TxID: txid, Status: status, Context: ctx}, nil

	case types.TagGroup:
		monitorID, err := readString(r)
		if err != nil {
			return nil, err
		}
		txid, err := readHash(r)
		if err != nil {
			return nil, err
		}
		statusBytes, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		status, err := decodeStatus(statusBytes)
		if err != nil {
			return nil, err
		}
		ctx, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.GroupTransactionNews{
			MonitorID: monitorID,
			TxID:      txid,
			Status:    status,
			Context:   ctx,
		}, nil

	case types.TagRskPegin:
		encoded, err := readString(r)
		if err != nil {
			return nil, err
		}
		addr, err := btcutil.DecodeAddress(encoded, s.net)
		if err != nil {
			return nil, err
		}
		txid, err := readHash(r)
		if err != nil {
			return nil, err
		}
		statusBytes, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		status, err := decodeStatus(statusBytes)
		if err != nil {
			return nil, err
		}
		return types.RskPeginNews{CommitteeAddress: addr, TxID: txid, Status: status}, nil

	case types.TagSpendingOutput:
		spendingTxID, err := readHash(r)
		if err != nil {
			return nil, err
		}
		spentTxID, err := readHash(r)
		if err != nil {
			return nil, err
		}
		vout, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		statusBytes, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		status, err := decodeStatus(statusBytes)
		if err != nil {
			return nil, err
		}
		ctx, err := readString(r)
		if err != nil {
			return nil, err
		}
		return types.SpendingOutputNews{
			SpendingTxID: spendingTxID,
			SpentTxID:    spentTxID,
			Vout:         vout,
			Status:       status,
			Context:      ctx,
		}, nil

	case types.TagNewBlock:
		height, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		hash, err := readHash(r)
		if err != nil {
			return nil, err
		}
		return types.NewBlockNews{Height: types.BlockHeight(height), Hash: hash}, nil

	default:
		return nil, errUnknownKind
	}
}
