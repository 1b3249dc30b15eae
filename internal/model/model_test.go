package model

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, Address("0xabc1000000000000000000000000000000000def"),
		NormalizeAddress("  0xABC1000000000000000000000000000000000DEF "))
}

func TestAddressIsValid(t *testing.T) {
	cases := []struct {
		name string
		addr Address
		want bool
	}{
		{"valid lowercase", "0x1234567890abcdef1234567890abcdef12345678", true},
		{"zero address", ZeroAddress, true},
		{"missing prefix", "1234567890abcdef1234567890abcdef12345678", false},
		{"too short", "0x1234", false},
		{"too long", "0x1234567890abcdef1234567890abcdef1234567890", false},
		{"uppercase rejected", "0x1234567890ABCDEF1234567890abcdef12345678", false},
		{"non-hex char", "0x1234567890abcdeg1234567890abcdef12345678", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.addr.IsValid())
		})
	}
}

func TestWindowContains(t *testing.T) {
	w := Window{StartBlock: 101, EndBlock: 150}
	assert.True(t, w.Contains(101))
	assert.True(t, w.Contains(150))
	assert.False(t, w.Contains(100))
	assert.False(t, w.Contains(151))
}

func TestTraceResultHopDepth(t *testing.T) {
	r := TraceResult{}
	assert.Equal(t, 0, r.HopDepth())

	r.Hops = []Hop{
		{From: "0xa", To: "0xb", Amount: big.NewInt(1)},
		{From: "0xb", To: "0xc", Amount: big.NewInt(1)},
	}
	assert.Equal(t, 2, r.HopDepth())
}
