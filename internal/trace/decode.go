package trace

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/stakelab/exitflow/internal/model"
	"github.com/stakelab/exitflow/internal/rpc"
	"golang.org/x/crypto/sha3"
)

// ERC20TransferSignature is the canonical Transfer event signature.
const ERC20TransferSignature = "Transfer(address,address,uint256)"

// EventTopic derives the topic0 hash for a human-readable event signature,
// so configuration can name signatures instead of raw 32-byte hashes.
func EventTopic(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// AddressTopic left-pads an address to the 32-byte topic form used by
// indexed address parameters.
func AddressTopic(addr model.Address) string {
	hexPart := strings.TrimPrefix(string(addr), "0x")
	return "0x" + strings.Repeat("0", 64-len(hexPart)) + hexPart
}

// TopicAddress extracts the 20-byte address from a 32-byte topic word.
func TopicAddress(topic string) (model.Address, error) {
	hexPart := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(topic)), "0x")
	if len(hexPart) != 64 {
		return "", fmt.Errorf("topic %q is not a 32-byte word", topic)
	}
	addr := model.Address("0x" + hexPart[24:])
	if !addr.IsValid() {
		return "", fmt.Errorf("topic %q does not hold an address", topic)
	}
	return addr, nil
}

// Decoder converts a raw log into a TransferEvent. Protocol-specific tables
// plug in here; the tracer core stays signature-agnostic.
type Decoder func(*rpc.Log) (model.TransferEvent, error)

// DecodeERC20Transfer decodes the standard Transfer(address,address,uint256)
// log shape: from and to indexed, amount in the first data word.
func DecodeERC20Transfer(log *rpc.Log) (model.TransferEvent, error) {
	if log == nil {
		return model.TransferEvent{}, fmt.Errorf("nil log")
	}
	if len(log.Topics) != 3 {
		return model.TransferEvent{}, fmt.Errorf("transfer log %s has %d topics, want 3", log.TxHash, len(log.Topics))
	}

	from, err := TopicAddress(log.Topics[1])
	if err != nil {
		return model.TransferEvent{}, fmt.Errorf("decode from: %w", err)
	}
	to, err := TopicAddress(log.Topics[2])
	if err != nil {
		return model.TransferEvent{}, fmt.Errorf("decode to: %w", err)
	}

	data := strings.TrimPrefix(log.Data, "0x")
	if len(data) > 64 {
		data = data[:64]
	}
	amount, err := rpc.ParseHexBig("0x" + data)
	if err != nil {
		return model.TransferEvent{}, fmt.Errorf("decode amount: %w", err)
	}

	blockNumber, err := rpc.ParseHexInt64(log.BlockNumber)
	if err != nil {
		return model.TransferEvent{}, fmt.Errorf("decode block number: %w", err)
	}
	logIndex, err := rpc.ParseHexInt64(log.LogIndex)
	if err != nil {
		return model.TransferEvent{}, fmt.Errorf("decode log index: %w", err)
	}

	return model.TransferEvent{
		From:        from,
		To:          to,
		Amount:      amount,
		BlockNumber: blockNumber,
		LogIndex:    logIndex,
		TxHash:      log.TxHash,
	}, nil
}
