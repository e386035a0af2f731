package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
)

// ProfileBytes renders the canonical byte form of a profile used for both
// identity-id derivation checks and signature verification. Field order
// is fixed; callers must use the same encoding on both sides.
func ProfileBytes(pubKey []byte, versionMajor, versionMinor, versionPatch uint32, name, typ string, latFixed, longFixed int64, extraData []byte) []byte {
	var buf bytes.Buffer
	buf.Write(pubKey)
	writeUint32(&buf, versionMajor)
	writeUint32(&buf, versionMinor)
	writeUint32(&buf, versionPatch)
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(typ)
	buf.WriteByte(0)
	writeInt64(&buf, latFixed)
	writeInt64(&buf, longFixed)
	buf.Write(extraData)
	return buf.Bytes()
}

// VerifyProfileSignature checks that sig is a valid Ed25519 signature
// over the profile's canonical bytes under pubKey, and that pubKey's
// SHA-256 equals id (testable property 2).
func VerifyProfileSignature(id ID, pubKey, sig []byte, versionMajor, versionMinor, versionPatch uint32, name, typ string, latFixed, longFixed int64, extraData []byte) bool {
	if DeriveID(pubKey) != id {
		return false
	}
	msg := ProfileBytes(pubKey, versionMajor, versionMinor, versionPatch, name, typ, latFixed, longFixed, extraData)
	return ed25519.Verify(ed25519.PublicKey(pubKey), msg, sig)
}

// CardBytesForID renders a relationship card's canonical bytes with the
// card id field zeroed, for deriving the card id itself.
func CardBytesForID(appID string, issuerPub, recipientPub []byte, typ string, validFromUnix, validToUnix int64) []byte {
	var buf bytes.Buffer
	buf.WriteString(appID)
	buf.WriteByte(0)
	buf.Write(issuerPub)
	buf.Write(recipientPub)
	buf.WriteString(typ)
	buf.WriteByte(0)
	writeInt64(&buf, validFromUnix)
	writeInt64(&buf, validToUnix)
	return buf.Bytes()
}

// DeriveCardID computes card_id = SHA-256(canonical card bytes with
// zeroed card_id).
func DeriveCardID(cardBytes []byte) []byte {
	sum := sha256.Sum256(cardBytes)
	return sum[:]
}

// CardApplicationBytes renders the bytes the recipient signature
// verifies, binding the card id to the application.
func CardApplicationBytes(cardID []byte, appID string) []byte {
	var buf bytes.Buffer
	buf.Write(cardID)
	buf.WriteString(appID)
	return buf.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}
