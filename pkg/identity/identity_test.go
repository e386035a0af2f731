package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIDMatchesSHA256(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	id := DeriveID(pub)
	assert.Len(t, id, 32)
	assert.Equal(t, ID(sha256.Sum256(pub)), id)

	id2 := DeriveID(pub)
	assert.Equal(t, id, id2)
}

func TestIDFromBytesRejectsWrongLength(t *testing.T) {
	_, ok := IDFromBytes([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestLocationRoundTrips(t *testing.T) {
	loc := LocationFromDegrees(50.0872, 14.4210)
	assert.InDelta(t, 50.0872, loc.Lat(), 1e-6)
	assert.InDelta(t, 14.4210, loc.Long(), 1e-6)
}

func TestVerifyProfileSignatureRejectsWrongID(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := ProfileBytes(pub, 1, 0, 0, "Alice", "person", 1, 2, nil)
	sig := ed25519.Sign(priv, msg)

	var wrongID ID
	ok := VerifyProfileSignature(wrongID, pub, sig, 1, 0, 0, "Alice", "person", 1, 2, nil)
	assert.False(t, ok)

	id := DeriveID(pub)
	ok = VerifyProfileSignature(id, pub, sig, 1, 0, 0, "Alice", "person", 1, 2, nil)
	assert.True(t, ok)
}

func TestDeriveCardIDDeterministic(t *testing.T) {
	b := CardBytesForID("app1", []byte("issuer"), []byte("recipient"), "friend", 10, 20)
	id1 := DeriveCardID(b)
	id2 := DeriveCardID(b)
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 32)
}

func TestActionTypeIsProfileClass(t *testing.T) {
	assert.True(t, ActionAddProfile.IsProfileClass())
	assert.True(t, ActionRefreshNeighborStatus.IsProfileClass())
	assert.False(t, ActionAddNeighbor.IsProfileClass())
	assert.False(t, ActionInitializationProcessInProgress.IsProfileClass())
}
