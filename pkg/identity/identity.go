// Package identity defines the profile domain types shared across the
// store, dispatcher, search, and neighborhood packages, plus the
// Ed25519/SHA-256 primitives that bind an identity id to a public key.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"time"

	"github.com/marmos91/profileserver/internal/wire"
)

// ID is the 32-byte SHA-256 hash of an Ed25519 public key: the
// network-level name of a person, service, or server.
type ID [32]byte

// DeriveID computes the identity id of a public key.
func DeriveID(pubKey ed25519.PublicKey) ID {
	return ID(sha256.Sum256(pubKey))
}

func (id ID) Bytes() []byte { return id[:] }

func (id ID) String() string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range id {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

// IDFromBytes validates and constructs an ID from a 32-byte slice.
func IDFromBytes(b []byte) (ID, bool) {
	var id ID
	if len(b) != 32 {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// Location is a fixed-point GPS coordinate per the wire protocol's
// 64-bit fixed-point encoding (degrees * 1e7, matching common
// geo-protocol fixed-point conventions).
type Location struct {
	LatFixed  int64
	LongFixed int64
}

func (l Location) Lat() float64  { return float64(l.LatFixed) / 1e7 }
func (l Location) Long() float64 { return float64(l.LongFixed) / 1e7 }

// LocationFromDegrees builds a Location from floating-point degrees.
func LocationFromDegrees(lat, long float64) Location {
	return Location{LatFixed: int64(lat * 1e7), LongFixed: int64(long * 1e7)}
}

// HostedIdentity is a customer profile hosted on this server.
type HostedIdentity struct {
	ID ID `gorm:"primaryKey;type:bytes;size:32"`

	PublicKey []byte `gorm:"size:128;not null"`

	VersionMajor uint32
	VersionMinor uint32
	VersionPatch uint32

	Name string `gorm:"size:64"`
	Type string `gorm:"size:64;index"`

	LatFixed  int64
	LongFixed int64

	ExtraData []byte `gorm:"size:200"`

	ProfileImageHash   []byte `gorm:"size:32"`
	ThumbnailImageHash []byte `gorm:"size:32"`

	HostingServerID *string `gorm:"size:64"` // set when cancelled with redirect
	ExpirationDate  *time.Time

	Cancelled   bool
	Initialized bool

	Signature []byte
	CANHash   []byte `gorm:"size:64"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location returns the identity's fixed-point GPS coordinate.
func (h *HostedIdentity) Location() Location {
	return Location{LatFixed: h.LatFixed, LongFixed: h.LongFixed}
}

// Version returns the identity's semantic version.
func (h *HostedIdentity) Version() wire.SemVer {
	return wire.SemVer{Major: h.VersionMajor, Minor: h.VersionMinor, Patch: h.VersionPatch}
}

// NeighborIdentity is a snapshot of a profile received from a neighbor,
// keyed by (identity id, hosting server id).
type NeighborIdentity struct {
	IdentityID     ID     `gorm:"primaryKey;type:bytes;size:32"`
	HostingServerID string `gorm:"primaryKey;size:64"`

	PublicKey []byte `gorm:"size:128;not null"`

	VersionMajor uint32
	VersionMinor uint32
	VersionPatch uint32

	Name string `gorm:"size:64"`
	Type string `gorm:"size:64;index"`

	LatFixed  int64
	LongFixed int64

	ExtraData []byte `gorm:"size:200"`

	ProfileImageHash   []byte `gorm:"size:32"`
	ThumbnailImageHash []byte `gorm:"size:32"`

	Signature []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RelatedIdentity is a relationship card attesting a signed claim about
// a hosted identity.
type RelatedIdentity struct {
	CardID []byte `gorm:"primaryKey;size:32"`

	ApplicationID string `gorm:"size:64;index"`

	IssuerPublicKey    []byte `gorm:"size:128"`
	RecipientPublicKey []byte `gorm:"size:128"`

	IssuerSignature    []byte
	RecipientSignature []byte

	Type string `gorm:"size:64"`

	ValidFrom time.Time
	ValidTo   time.Time

	HostedIdentityID ID `gorm:"type:bytes;size:32;index"`

	CreatedAt time.Time
}
