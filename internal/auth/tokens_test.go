package auth

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel.gg/kestrel/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "node_tokens.json"))
	require.NoError(t, err)
	return s
}

func TestMintAndVerify(t *testing.T) {
	s := newTestStore(t)

	token, err := s.Mint("node-1", protocol.TokenSecret)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "kn_"))

	require.NoError(t, s.Verify("node-1", token, protocol.TokenSecret))

	// Wrong token, wrong node, wrong type all fail.
	assert.ErrorIs(t, s.Verify("node-1", "kn_wrong", protocol.TokenSecret), ErrBadToken)
	assert.ErrorIs(t, s.Verify("node-2", token, protocol.TokenSecret), ErrUnknownNode)
	assert.ErrorIs(t, s.Verify("node-1", token, protocol.TokenAPIKey), ErrUnknownNode)
}

func TestMintReplacesCredential(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Mint("node-1", protocol.TokenSecret)
	require.NoError(t, err)
	second, err := s.Mint("node-1", protocol.TokenSecret)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	assert.ErrorIs(t, s.Verify("node-1", first, protocol.TokenSecret), ErrBadToken)
	assert.NoError(t, s.Verify("node-1", second, protocol.TokenSecret))
}

func TestRevoke(t *testing.T) {
	s := newTestStore(t)

	token, err := s.Mint("node-1", protocol.TokenSecret)
	require.NoError(t, err)

	require.NoError(t, s.Revoke("node-1", protocol.TokenSecret))
	assert.ErrorIs(t, s.Verify("node-1", token, protocol.TokenSecret), ErrTokenRevoked)

	assert.ErrorIs(t, s.Revoke("node-9", protocol.TokenSecret), ErrUnknownNode)
}

func TestRemove(t *testing.T) {
	s := newTestStore(t)

	token, err := s.Mint("node-1", protocol.TokenAPIKey)
	require.NoError(t, err)

	require.NoError(t, s.Remove("node-1", protocol.TokenAPIKey))
	assert.ErrorIs(t, s.Verify("node-1", token, protocol.TokenAPIKey), ErrUnknownNode)
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_tokens.json")

	s, err := NewStore(path)
	require.NoError(t, err)
	token, err := s.Mint("node-1", protocol.TokenSecret)
	require.NoError(t, err)

	// A fresh store over the same file sees the credential.
	s2, err := NewStore(path)
	require.NoError(t, err)
	assert.NoError(t, s2.Verify("node-1", token, protocol.TokenSecret))

	list := s2.List()
	require.Len(t, list, 1)
	assert.Equal(t, "node-1", list[0].NodeID)
	assert.NotContains(t, list[0].Hash, token[3:], "plaintext must never be persisted")
}
