package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedSecretIsSymmetric(t *testing.T) {
	alicePriv, alicePub, err := generateEphemeralKey()
	require.NoError(t, err)
	bobPriv, bobPub, err := generateEphemeralKey()
	require.NoError(t, err)

	aliceSecret, err := sharedSecret(alicePriv, bobPub)
	require.NoError(t, err)
	bobSecret, err := sharedSecret(bobPriv, alicePub)
	require.NoError(t, err)
	assert.Equal(t, aliceSecret, bobSecret)
}

func TestShortAuthStringDerivation(t *testing.T) {
	alicePriv, _, err := generateEphemeralKey()
	require.NoError(t, err)
	_, bobPub, err := generateEphemeralKey()
	require.NoError(t, err)
	secret, err := sharedSecret(alicePriv, bobPub)
	require.NoError(t, err)

	transcript := sasTranscript("@alice:localhost", "ALPHA", "@bob:localhost", "BRAVO", "flow1")
	decimal, emoji, err := deriveShortAuthString(secret, transcript)
	require.NoError(t, err)
	require.Len(t, decimal, 3)
	require.Len(t, emoji, 7)
	for _, d := range decimal {
		assert.GreaterOrEqual(t, d, uint16(1000))
		assert.LessOrEqual(t, d, uint16(9191))
	}
	for _, e := range emoji {
		assert.NotEmpty(t, e)
	}

	// Same inputs, same code.
	decimal2, emoji2, err := deriveShortAuthString(secret, transcript)
	require.NoError(t, err)
	assert.Equal(t, decimal, decimal2)
	assert.Equal(t, emoji, emoji2)

	// A different transcript yields a different code.
	otherTranscript := sasTranscript("@alice:localhost", "ALPHA", "@bob:localhost", "BRAVO", "flow2")
	decimal3, emoji3, err := deriveShortAuthString(secret, otherTranscript)
	require.NoError(t, err)
	assert.NotEqual(t, [2]any{decimal, emoji}, [2]any{decimal3, emoji3})
}

func TestCommitmentDetectsSwappedKey(t *testing.T) {
	_, honest, err := generateEphemeralKey()
	require.NoError(t, err)
	_, swapped, err := generateEphemeralKey()
	require.NoError(t, err)
	startCanonical := []byte(`{"method":"m.sas.v1","transaction_id":"flow1"}`)

	commitment := sasCommitment(startCanonical, honest)
	assert.True(t, commitmentMatches(commitment, startCanonical, honest))
	assert.False(t, commitmentMatches(commitment, startCanonical, swapped))
	assert.False(t, commitmentMatches(commitment, []byte(`{"method":"m.sas.v1"}`), honest))
}

func TestMACRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	transcript := macTranscript("@alice:localhost", "ALPHA", "@bob:localhost", "BRAVO", "flow1")

	mac, err := calculateMAC(secret, "somekeymaterial", transcript, "ed25519:ALPHA")
	require.NoError(t, err)
	require.NoError(t, verifyMAC(secret, "somekeymaterial", transcript, "ed25519:ALPHA", mac))

	// The MAC is bound to the key ID and the input.
	assert.Error(t, verifyMAC(secret, "somekeymaterial", transcript, "ed25519:BRAVO", mac))
	assert.Error(t, verifyMAC(secret, "otherkeymaterial", transcript, "ed25519:ALPHA", mac))
}

func TestKeyIDListMACIsOrderIndependent(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	transcript := macTranscript("@alice:localhost", "ALPHA", "@bob:localhost", "BRAVO", "flow1")

	a, err := keyIDListMAC(secret, []string{"ed25519:ALPHA", "ed25519:abc"}, transcript)
	require.NoError(t, err)
	b, err := keyIDListMAC(secret, []string{"ed25519:abc", "ed25519:ALPHA"}, transcript)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestQRPayloadRoundTrip(t *testing.T) {
	secret, err := newQRSecret()
	require.NoError(t, err)
	_, generatorKey, err := generateEphemeralKey()
	require.NoError(t, err)
	_, peerKey, err := generateEphemeralKey()
	require.NoError(t, err)

	payload := &qrPayload{
		Mode:            qrModeCrossUser,
		FlowID:          "flow1",
		GeneratorKey:    generatorKey,
		ExpectedPeerKey: peerKey,
		Secret:          secret,
	}
	raw, err := payload.encode()
	require.NoError(t, err)

	decoded, err := decodeQRPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, payload.Mode, decoded.Mode)
	assert.Equal(t, payload.FlowID, decoded.FlowID)
	assert.Equal(t, payload.GeneratorKey, decoded.GeneratorKey)
	assert.Equal(t, payload.ExpectedPeerKey, decoded.ExpectedPeerKey)
	assert.Equal(t, payload.Secret, decoded.Secret)

	// The textual form survives the trip too.
	fromText, err := decodeQRText(encodeQRText(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, fromText)
}

func TestQRPayloadRejectsGarbage(t *testing.T) {
	_, err := decodeQRPayload(nil)
	assert.Error(t, err)
	_, err = decodeQRPayload([]byte("MATRIX"))
	assert.Error(t, err)
	_, err = decodeQRPayload([]byte("NOTQRC\x02\x00\x00\x05flow1"))
	assert.Error(t, err)
	_, err = decodeQRPayload([]byte("MATRIX\x7f\x00\x00\x05flow1"))
	assert.Error(t, err)
	// Truncated after the flow ID.
	_, err = decodeQRPayload([]byte("MATRIX\x02\x00\x00\x05flow1"))
	assert.Error(t, err)
}
