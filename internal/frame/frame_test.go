package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		f    Frame
	}{
		{"register", Frame{Command: CmdRegister, Name: "alice", Mode: "head"}},
		{"set_subs", Frame{Command: CmdSetSubs, Name: "alice", Subs: []string{"transfer", "vote"}}},
		{"error notice", Frame{Info: InfoError, Data: "name already used"}},
		{"refresh_req", Frame{Info: InfoRefreshReq, Name: "alice"}},
		{"ping_answer bare", Frame{Info: InfoPingAnswer}},
		{"stream_data", Frame{
			Info: InfoStreamData,
			Name: "alice",
			Data: map[string]any{"type": "transfer", "trx_id": "x"},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.f)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, tc.f, got[0])
		})
	}
}

func TestRegisteredFalseKeepsDataField(t *testing.T) {
	b, err := Encode(Frame{Info: InfoRegistered, Data: false})
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	require.Len(t, got, 1)
	v, ok := got[0].DataBool()
	require.True(t, ok)
	assert.False(t, v)
}

func TestDecodeBatchPreservesOrder(t *testing.T) {
	batch := []Frame{
		{Command: CmdRegister, Name: "bob", Mode: "irreversible"},
		{Command: CmdSetSubs, Name: "bob", Subs: []string{"comment"}},
		{Command: CmdRefresh, Name: "bob"},
	}
	b, err := EncodeBatch(batch)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, batch, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrEmpty)

	// A msgpack string is neither a map nor an array of maps.
	b, err := msgpack.Marshal("not a frame")
	require.NoError(t, err)
	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	b, err := msgpack.Marshal(map[string]any{
		"command":   "refresh",
		"name":      "carol",
		"leftovers": []int{1, 2, 3},
	})
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, Frame{Command: CmdRefresh, Name: "carol"}, got[0])
}

func TestControlFramesFitBound(t *testing.T) {
	b, err := EncodeBatch([]Frame{
		{Command: CmdRegister, Name: "a-rather-long-subscriber-name", Mode: "irreversible"},
		{Command: CmdSetSubs, Name: "a-rather-long-subscriber-name", Subs: []string{
			"transfer", "vote", "comment", "custom_json", "claim_reward_balance",
		}},
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(b), MaxControlSize)
}
