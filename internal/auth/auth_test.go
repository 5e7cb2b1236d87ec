package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorStaticKey(t *testing.T) {
	v := NewValidator("sk-proxy-123", "")

	clientID, err := v.Validate("sk-proxy-123")
	require.NoError(t, err)
	assert.Equal(t, "static", clientID)

	clientID, err = v.Validate("Bearer sk-proxy-123")
	require.NoError(t, err)
	assert.Equal(t, "static", clientID)

	_, err = v.Validate("sk-proxy-wrong")
	assert.Error(t, err)
	_, err = v.Validate("")
	assert.Error(t, err)
}

func TestValidatorIssuedKeyRoundTrip(t *testing.T) {
	v := NewValidator("", "secret")

	key, err := v.IssueAPIKey("alice")
	require.NoError(t, err)
	assert.Contains(t, key, APIKeyPrefix)

	clientID, err := v.Validate(key)
	require.NoError(t, err)
	assert.Equal(t, "alice", clientID)

	clientID, err = v.Validate("Bearer " + key)
	require.NoError(t, err)
	assert.Equal(t, "alice", clientID)
}

func TestValidatorRejectsForeignSignature(t *testing.T) {
	issuer := NewValidator("", "secret-a")
	verifier := NewValidator("", "secret-b")

	key, err := issuer.IssueAPIKey("mallory")
	require.NoError(t, err)

	_, err = verifier.Validate(key)
	assert.Error(t, err)
}

func TestValidatorDisabled(t *testing.T) {
	v := NewValidator("", "")
	assert.False(t, v.Enabled())

	_, err := v.IssueAPIKey("anyone")
	assert.Error(t, err)
}
