package translate

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/marko911/lnpulse/pkg/domain"
)

// BitcoindBlockHash decodes a hashblock notification body. bitcoind
// publishes the hash in display byte order.
func BitcoindBlockHash(body []byte) (string, error) {
	if len(body) != chainhash.HashSize {
		return "", domain.Protocol(nil, "hashblock: body is %d bytes", len(body))
	}
	return hex.EncodeToString(body), nil
}

// BitcoindRawBlock decodes a rawblock notification body and returns the
// block hash and the hash of its parent.
func BitcoindRawBlock(body []byte) (hash, prev string, err error) {
	var hdr wire.BlockHeader
	if err := hdr.Deserialize(bytes.NewReader(body)); err != nil {
		return "", "", domain.Protocol(err, "rawblock header")
	}
	return hdr.BlockHash().String(), hdr.PrevBlock.String(), nil
}

// BitcoindRawTx decodes a rawtx notification body into a mempool event.
func BitcoindRawTx(body []byte) (*domain.ChainEvent, error) {
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(body)); err != nil {
		return nil, domain.Protocol(err, "rawtx")
	}
	raw := make([]byte, len(body))
	copy(raw, body)
	return domain.MempoolTxEvent(tx.TxHash().String(), raw), nil
}

// BitcoindTxHash decodes a hashtx notification body.
func BitcoindTxHash(body []byte) (*domain.ChainEvent, error) {
	if len(body) != chainhash.HashSize {
		return nil, domain.Protocol(nil, "hashtx: body is %d bytes", len(body))
	}
	return domain.MempoolTxEvent(hex.EncodeToString(body), nil), nil
}

// ZMQSequence decodes the trailing little-endian sequence frame bitcoind
// attaches to every notification.
func ZMQSequence(frame []byte) (uint32, bool) {
	if len(frame) != 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(frame), true
}
