package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ERC-1155 transfer event signatures.
var (
	transferSingleTopic = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))
	transferBatchTopic  = crypto.Keccak256Hash([]byte("TransferBatch(address,address,address,uint256[],uint256[])"))
)

// decodeTransferLog normalizes one raw log into transfer events. A batch log
// expands into one event per element. Returns nil for anything that is not a
// well-formed ERC-1155 transfer.
func decodeTransferLog(lg types.Log, timestamp int64) []TransferEvent {
	if len(lg.Topics) < 4 {
		return nil
	}

	operator := topicAddress(lg.Topics[1])
	from := topicAddress(lg.Topics[2])
	to := topicAddress(lg.Topics[3])

	base := TransferEvent{
		TxHash:      lg.TxHash.Hex(),
		From:        from,
		To:          to,
		Operator:    operator,
		BlockNumber: lg.BlockNumber,
		Timestamp:   timestamp,
	}

	switch lg.Topics[0] {
	case transferSingleTopic:
		// data: id (32 bytes) || value (32 bytes)
		if len(lg.Data) < 64 {
			return nil
		}
		ev := base
		ev.TokenID = new(big.Int).SetBytes(lg.Data[0:32]).String()
		ev.Amount = new(big.Int).SetBytes(lg.Data[32:64]).String()
		return []TransferEvent{ev}

	case transferBatchTopic:
		// data: offset(ids) || offset(values) || ids[] || values[]
		if len(lg.Data) < 64 {
			return nil
		}
		idsOff := new(big.Int).SetBytes(lg.Data[0:32]).Uint64()
		valsOff := new(big.Int).SetBytes(lg.Data[32:64]).Uint64()

		ids := readWordArray(lg.Data, idsOff)
		vals := readWordArray(lg.Data, valsOff)
		if ids == nil || vals == nil || len(ids) != len(vals) {
			return nil
		}

		events := make([]TransferEvent, 0, len(ids))
		for i := range ids {
			ev := base
			ev.TokenID = ids[i].String()
			ev.Amount = vals[i].String()
			ev.IsBatch = true
			events = append(events, ev)
		}
		return events
	}

	return nil
}

// readWordArray reads an ABI-encoded dynamic uint256 array starting at the
// given byte offset into the data section. Offsets and lengths come straight
// off the wire, so all bounds math must not overflow.
func readWordArray(data []byte, off uint64) []*big.Int {
	size := uint64(len(data))
	if size < 32 || off > size-32 {
		return nil
	}
	n := new(big.Int).SetBytes(data[off : off+32]).Uint64()
	start := off + 32
	if n > (size-start)/32 {
		return nil
	}

	out := make([]*big.Int, 0, n)
	for i := uint64(0); i < n; i++ {
		word := data[start+i*32 : start+(i+1)*32]
		out = append(out, new(big.Int).SetBytes(word))
	}
	return out
}

// topicAddress extracts the address packed into an indexed topic.
func topicAddress(topic common.Hash) string {
	return common.BytesToAddress(topic.Bytes()[12:]).Hex()
}
