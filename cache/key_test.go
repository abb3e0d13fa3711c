package cache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cachet/errors"
)

func TestAddress_Deterministic(t *testing.T) {
	k1, c1, err := Address("sheets", json.RawMessage(`{"sheet":"Q3","range":"A1:F20"}`))
	require.NoError(t, err)
	k2, c2, err := Address("sheets", json.RawMessage(`{"range":"A1:F20","sheet":"Q3"}`))
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Equal(t, string(c1), string(c2))
	assert.True(t, IsKey(string(k1)))
}

func TestAddress_OriginSeparatesKeys(t *testing.T) {
	desc := json.RawMessage(`{"q":"x"}`)
	a, _, err := Address("crm", desc)
	require.NoError(t, err)
	b, _, err := Address("warehouse", desc)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAddress_InvalidDescriptor(t *testing.T) {
	_, _, err := Address("crm", json.RawMessage(`not json`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidDescriptor))

	_, _, err = Address("crm", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalidDescriptor))
}

func TestKeyForGeneration(t *testing.T) {
	digest, _, err := Address("crm", json.RawMessage(`{"q":"x"}`))
	require.NoError(t, err)

	assert.Equal(t, digest, KeyForGeneration(digest, 0))

	g1 := KeyForGeneration(digest, 1)
	g2 := KeyForGeneration(digest, 2)
	assert.True(t, IsKey(string(g1)))
	assert.NotEqual(t, digest, g1)
	assert.NotEqual(t, g1, g2)
	assert.Equal(t, g1, KeyForGeneration(digest, 1))
}

func TestParseKey(t *testing.T) {
	valid := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	k, err := ParseKey(valid)
	require.NoError(t, err)
	assert.Equal(t, Key(valid), k)
	assert.Equal(t, "0123456789ab", k.Short())

	for _, bad := range []string{"", "abc", valid[:63], valid + "0", "0123456789ABCDEF0123456789abcdef0123456789abcdef0123456789abcdef"} {
		_, err := ParseKey(bad)
		assert.True(t, errors.IsInvalidRequestError(err), bad)
	}
}

func TestJobState(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
		pending  bool
		reusable bool
	}{
		{StateSubmitted, false, true, true},
		{StateRunning, false, true, true},
		{StateSuccess, true, false, true},
		{StateFailure, true, false, false},
		{StateRevoked, true, false, false},
		{StateUnknown, false, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.terminal, tt.state.Terminal(), tt.state)
		assert.Equal(t, tt.pending, tt.state.Pending(), tt.state)
		assert.Equal(t, tt.reusable, tt.state.Reusable(), tt.state)
	}
}
