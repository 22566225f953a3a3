package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRegistry(t *testing.T) {
	entries, err := DecodeRegistry([]byte(`{"1":{"public_key":"abcd1234","public_url":"http://n1"},"2":{"public_key":"ef","public_url":"http://n2:8000"}}`))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "http://n1", entries["1"].PublicURL)
	assert.Equal(t, "ef", entries["2"].PublicKey)

	entries, err = DecodeRegistry([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDecodeRegistryRejectsLegacyShape(t *testing.T) {
	_, err := DecodeRegistry([]byte(`{"1":"abcd1234"}`))
	require.Error(t, err)

	_, err = DecodeRegistry([]byte(`{"1":{"public_key":"abcd"}}`))
	require.Error(t, err)

	_, err = DecodeRegistry([]byte(`[]`))
	require.Error(t, err)
}

func TestDecodeBlocks(t *testing.T) {
	blocks, err := DecodeBlocks([]byte(`[{"block_data":"tx1","committed_by":2,"commit_time":"2024-05-01T10:00:00.123456"},{"block_data":"tx2","committed_by":"3","commit_time":"later"}]`))
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, FlexString("2"), blocks[0].CommittedBy)
	assert.Equal(t, FlexString("3"), blocks[1].CommittedBy)
	assert.Equal(t, "later", blocks[1].CommitTime)

	blocks, err = DecodeBlocks([]byte(`null`))
	require.NoError(t, err)
	assert.NotNil(t, blocks)

	_, err = DecodeBlocks([]byte(`{"block_data":"x"}`))
	require.Error(t, err)

	_, err = DecodeBlocks([]byte(`[{"committed_by":true}]`))
	require.Error(t, err)
}

func TestDecodeCentralLogs(t *testing.T) {
	lines, err := DecodeCentralLogs([]byte(`{"central_logs":["boot","ready"],"node_logs":{}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"boot", "ready"}, lines)

	_, err = DecodeCentralLogs([]byte(`{"node_logs":{}}`))
	require.Error(t, err)
}

func TestDecodeNodeLogs(t *testing.T) {
	records, err := DecodeNodeLogs([]byte(`[{"log":"boot","log_type":"node"},{"log":"x"}]`))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, LogTypeNode, records[1].LogType)
}

func TestDecodeProposeResponse(t *testing.T) {
	resp := DecodeProposeResponse([]byte(`{"status":"failed","message":"Block data is missing."}`))
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, "Block data is missing.", resp.Message)

	assert.Equal(t, ProposeResponse{}, DecodeProposeResponse([]byte("<html>")))
}
