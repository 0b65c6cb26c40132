// Package pegin implements the RSK peg-in recognizer (C3): a pure
// predicate over a Bitcoin transaction and a committee address, with no
// I/O and no mutable state, exactly as §4.3 of the specification requires.
package pegin

import (
	"encoding/binary"

	"github.com/btcsuite/btcd/btcec"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcutil"
)

// payloadLen is the fixed size of the OP_RETURN payload: a 9-byte ASCII
// prefix, an 8-byte packet number, a 20-byte RSK address, and a 32-byte
// x-only secp256k1 public key.
const payloadLen = 9 + 8 + 20 + 32

const prefix = "RSK_PEGIN"

// PacketNumber is the 8-byte big-endian counter carried in a peg-in
// payload. Its value is not constrained by the recognizer.
type PacketNumber = uint64

// Payload is the parsed content of a valid peg-in OP_RETURN.
type Payload struct {
	PacketNumber PacketNumber
	RskAddress   [20]byte
	XOnlyPubKey  [32]byte
}

// IsRskPegin reports whether tx matches the RSK peg-in output shape for
// committeeAddr: its first output must pay committeeAddr on the given
// network, and its second output must be a well-formed 69-byte peg-in
// OP_RETURN (see ParsePayload). Any deviation returns false; the function
// performs no I/O and is safe to call from any goroutine.
func IsRskPegin(tx *wire.MsgTx, committeeAddr btcutil.Address, net *chaincfg.Params) bool {
	if len(tx.TxOut) < 2 {
		return false
	}

	if !paysAddress(tx.TxOut[0].PkScript, committeeAddr, net) {
		return false
	}

	_, ok := ParsePayload(tx.TxOut[1].PkScript)
	return ok
}

// paysAddress reports whether pkScript is a standard script paying addr on
// net.
func paysAddress(pkScript []byte, addr btcutil.Address, net *chaincfg.Params) bool {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript, net)
	if err != nil || len(addrs) == 0 {
		return false
	}
	for _, a := range addrs {
		if a.EncodeAddress() == addr.EncodeAddress() {
			return true
		}
	}
	return false
}

// ParsePayload extracts and validates a peg-in OP_RETURN payload from
// pkScript. It returns ok=false for anything that is not a single-push
// NULL_DATA script carrying exactly payloadLen bytes structured as §4.3
// describes, including an x-only public key that fails to parse under
// secp256k1 curve rules.
func ParsePayload(pkScript []byte) (Payload, bool) {
	var payload Payload

	if txscript.GetScriptClass(pkScript) != txscript.NullDataTy {
		return payload, false
	}

	pushes, err := txscript.PushedData(pkScript)
	if err != nil || len(pushes) != 1 {
		return payload, false
	}

	data := pushes[0]
	if len(data) != payloadLen {
		return payload, false
	}

	if string(data[0:9]) != prefix {
		return payload, false
	}

	payload.PacketNumber = binary.BigEndian.Uint64(data[9:17])
	copy(payload.RskAddress[:], data[17:37])
	copy(payload.XOnlyPubKey[:], data[37:69])

	if !isValidXOnlyPubKey(payload.XOnlyPubKey) {
		return payload, false
	}

	return payload, true
}

// isValidXOnlyPubKey reports whether x is the x-coordinate of a point on
// the secp256k1 curve, by attempting to parse it as a compressed public
// key with an even-Y prefix (0x02) the way BIP340 x-only keys are derived.
func isValidXOnlyPubKey(x [32]byte) bool {
	compressed := make([]byte, 33)
	compressed[0] = 0x02
	copy(compressed[1:], x[:])

	_, err := btcec.ParsePubKey(compressed, btcec.S256())
	return err == nil
}
