package model

import (
	"math/big"
	"strings"
)

// Address is a 0x-prefixed, lowercase hex account identifier.
type Address string

// ZeroAddress is the EVM burn/mint sentinel.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// NormalizeAddress lowercases and trims an address so map lookups and
// comparisons are canonical across label files, RPC responses, and config.
func NormalizeAddress(raw string) Address {
	return Address(strings.ToLower(strings.TrimSpace(raw)))
}

// IsValid reports whether the address is a well-formed 20-byte hex string.
func (a Address) IsValid() bool {
	s := string(a)
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ExitEvent is an on-chain event representing value leaving a staked or
// locked state (unstake, withdraw, bridge burn). Produced by an external
// protocol-specific decoder; immutable once created.
type ExitEvent struct {
	Address     Address  `json:"address"`
	BlockNumber int64    `json:"block_number"`
	TxHash      string   `json:"tx_hash"`
	Amount      *big.Int `json:"-"`

	// AmountRaw carries the base-unit amount as a decimal string in JSON.
	AmountRaw string `json:"amount"`
}

// TransferEvent is a single token movement observed via log retrieval.
type TransferEvent struct {
	From        Address
	To          Address
	Amount      *big.Int
	BlockNumber int64
	LogIndex    int64
	TxHash      string
}

// Window is a bounded forward search horizon in blocks.
type Window struct {
	StartBlock int64
	EndBlock   int64
}

// Contains reports whether block falls inside the window (inclusive).
func (w Window) Contains(block int64) bool {
	return block >= w.StartBlock && block <= w.EndBlock
}

// Classification is the category assigned to an address.
type Classification string

const (
	ClassEndpointMatch       Classification = "endpoint_match"
	ClassLabeledOther        Classification = "labeled_other"
	ClassUnknownContract     Classification = "unknown_contract"
	ClassUnknownAccount      Classification = "unknown_account"
	ClassUnknownUnclassified Classification = "unknown_unclassified"
	ClassNoCandidate         Classification = "no_candidate"
)

// Outcome is the terminal state of one trace.
type Outcome string

const (
	OutcomeMatched     Outcome = "MATCHED"
	OutcomeExhausted   Outcome = "EXHAUSTED"
	OutcomeNoCandidate Outcome = "NO_CANDIDATE"
)

// Hop is one transfer step along a traced path. From of the first hop equals
// the exit address; From of every later hop equals the previous hop's To.
type Hop struct {
	From        Address  `json:"from"`
	To          Address  `json:"to"`
	Amount      *big.Int `json:"-"`
	AmountRaw   string   `json:"amount"`
	BlockNumber int64    `json:"block_number"`
	TxHash      string   `json:"tx_hash"`
}

// TraceResult is the outcome of tracing a single exit event.
type TraceResult struct {
	Exit             ExitEvent      `json:"exit_event"`
	Matched          bool           `json:"matched"`
	Outcome          Outcome        `json:"outcome"`
	Hops             []Hop          `json:"hops,omitempty"`
	TerminalCategory Classification `json:"terminal_category"`
	TerminalAddress  Address        `json:"terminal_address,omitempty"`
	TerminalLabel    string         `json:"terminal_label,omitempty"`

	// AmountAtMatch is the amount carried by the final hop when matched.
	AmountAtMatch *big.Int `json:"-"`
	AmountRaw     string   `json:"amount_at_match,omitempty"`
}

// HopDepth returns the number of hops taken, 0 for traces that never left
// the exit address.
func (r TraceResult) HopDepth() int {
	return len(r.Hops)
}
