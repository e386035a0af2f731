package wire

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRequestRoundTrips(t *testing.T) {
	env := &Envelope{
		Request: &Request{
			ID:      42,
			Kind:    KindConversation,
			Type:    ReqCheckIn,
			Version: V1,
			Body:    []byte("payload"),
			Signature: []byte("sig-bytes"),
		},
	}

	encoded, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.Request)
	assert.Equal(t, uint32(42), decoded.Request.ID)
	assert.Equal(t, KindConversation, decoded.Request.Kind)
	assert.Equal(t, ReqCheckIn, decoded.Request.Type)
	assert.True(t, decoded.Request.Version.Equal(V1))
	assert.Equal(t, []byte("payload"), decoded.Request.Body)
	assert.Equal(t, []byte("sig-bytes"), decoded.Request.Signature)
}

func TestEncodeDecodeResponseRoundTrips(t *testing.T) {
	env := &Envelope{
		Response: &Response{
			ID:      7,
			Type:    ReqProfileSearch,
			Status:  StatusInvalidValue,
			Path:    "profile.name",
			Message: "too long",
		},
	}

	encoded, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(encoded)
	require.NoError(t, err)
	require.NotNil(t, decoded.Response)
	assert.Equal(t, StatusInvalidValue, decoded.Response.Status)
	assert.Equal(t, "profile.name", decoded.Response.Path)
}

func TestFrameRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("hello frame")

	require.NoError(t, WriteFrame(&buf, body))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUint32(&buf, MaxFrameBytes+1))

	_, err := ReadFrame(&buf)
	assert.Error(t, err)
}

type testBody struct {
	Value string
}

func (b testBody) CanonicalBytes() ([]byte, error) {
	return []byte(b.Value), nil
}

func TestSignAndVerifyBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	body := testBody{Value: "profile-bytes"}
	sig, err := SignBody(priv, body)
	require.NoError(t, err)

	require.NoError(t, VerifySignedBody(pub, body, sig))

	otherPub, _, _ := ed25519.GenerateKey(nil)
	assert.Error(t, VerifySignedBody(otherPub, body, sig))
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	assert.False(t, ConstantTimeEqual([]byte("abc"), []byte("ab")))
}
