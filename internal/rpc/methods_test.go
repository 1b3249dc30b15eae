package rpc

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
}

func TestGetBlockNumber(t *testing.T) {
	server := respond(t, `{"jsonrpc":"2.0","id":1,"result":"0x1234"}`)
	defer server.Close()

	client := NewClient(server.URL, nil)
	n, err := client.GetBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0x1234), n)
}

func TestGetBlockByNumberNull(t *testing.T) {
	server := respond(t, `{"jsonrpc":"2.0","id":1,"result":null}`)
	defer server.Close()

	client := NewClient(server.URL, nil)
	block, err := client.GetBlockByNumber(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, block)
}

func TestGetBlockByNumber(t *testing.T) {
	server := respond(t, `{"jsonrpc":"2.0","id":1,"result":{"number":"0x64","hash":"0xabc","timestamp":"0x5f5e100"}}`)
	defer server.Close()

	client := NewClient(server.URL, nil)
	block, err := client.GetBlockByNumber(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, "0x64", block.Number)
	assert.Equal(t, "0x5f5e100", block.Timestamp)
}

func TestGetLogs(t *testing.T) {
	server := respond(t, `{"jsonrpc":"2.0","id":1,"result":[{"address":"0xdead","topics":["0x1"],"data":"0x","blockNumber":"0xa","transactionHash":"0xbeef","logIndex":"0x0","removed":false}]}`)
	defer server.Close()

	client := NewClient(server.URL, nil)
	logs, err := client.GetLogs(context.Background(), LogFilter{FromBlock: "0x1", ToBlock: "0xa"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "0xdead", logs[0].Address)
	assert.Equal(t, "0xbeef", logs[0].TxHash)
}

func TestGetCode(t *testing.T) {
	server := respond(t, `{"jsonrpc":"2.0","id":1,"result":"0x6080"}`)
	defer server.Close()

	client := NewClient(server.URL, nil)
	code, err := client.GetCode(context.Background(), "0xdead")
	require.NoError(t, err)
	assert.Equal(t, "0x6080", code)
}

// ---------------------------------------------------------------------------
// Hex helpers
// ---------------------------------------------------------------------------

func TestParseHexInt64(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0x0", 0, false},
		{"0x10", 16, false},
		{"0xFF", 255, false},
		{" 0xa ", 10, false},
		{"0x", 0, false},
		{"", 0, true},
		{"0xzz", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseHexInt64(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestParseHexBig(t *testing.T) {
	v, err := ParseHexBig("0x1bc16d674ec80000")
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("2000000000000000000", 10)
	assert.Zero(t, v.Cmp(want))

	v, err = ParseHexBig("0x")
	require.NoError(t, err)
	assert.Zero(t, v.Sign())

	_, err = ParseHexBig("0xnothex")
	assert.Error(t, err)
}

func TestFormatHexInt64(t *testing.T) {
	assert.Equal(t, "0x0", FormatHexInt64(0))
	assert.Equal(t, "0x64", FormatHexInt64(100))
}
