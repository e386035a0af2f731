// Package proto defines the type-specific body payloads carried inside
// a wire.Request/wire.Response's opaque Body field, one struct per
// request type, each with the Encode and/or Decode function the server
// uses for it, in the same hand-rolled field-by-field style as
// internal/wire.
package proto

import (
	"bytes"
	"math"

	"github.com/marmos91/profileserver/internal/wire"
)

// PingBody is both the Ping request and response body: an opaque
// caller-chosen payload echoed back, plus the server clock on replies.
type PingBody struct {
	Payload       []byte
	ServerClockMS uint64 // response only; zero on requests
}

func (b *PingBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBytes(&buf, b.Payload); err != nil {
		return nil, err
	}
	if err := wire.WriteUint64(&buf, b.ServerClockMS); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodePingBody(data []byte) (*PingBody, error) {
	r := bytes.NewReader(data)
	payload, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	clock, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return &PingBody{Payload: payload, ServerClockMS: clock}, nil
}

// RolePortInfo is one {role, port, tcp, tls} triple returned by ListRoles.
type RolePortInfo struct {
	Role string
	Port uint32
	TCP  bool
	TLS  bool
}

// ListRolesBody is the ListRoles response body.
type ListRolesBody struct {
	Roles []RolePortInfo
}

func (b *ListRolesBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteUint32(&buf, uint32(len(b.Roles))); err != nil {
		return nil, err
	}
	for _, r := range b.Roles {
		if err := wire.WriteString(&buf, r.Role); err != nil {
			return nil, err
		}
		if err := wire.WriteUint32(&buf, r.Port); err != nil {
			return nil, err
		}
		if err := wire.WriteBool(&buf, r.TCP); err != nil {
			return nil, err
		}
		if err := wire.WriteBool(&buf, r.TLS); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeListRolesBody(data []byte) (*ListRolesBody, error) {
	r := bytes.NewReader(data)
	count, err := wire.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	b := &ListRolesBody{Roles: make([]RolePortInfo, 0, count)}
	for i := uint32(0); i < count; i++ {
		var info RolePortInfo
		if info.Role, err = wire.ReadString(r); err != nil {
			return nil, err
		}
		if info.Port, err = wire.ReadUint32(r); err != nil {
			return nil, err
		}
		if info.TCP, err = wire.ReadBool(r); err != nil {
			return nil, err
		}
		if info.TLS, err = wire.ReadBool(r); err != nil {
			return nil, err
		}
		b.Roles = append(b.Roles, info)
	}
	return b, nil
}

// StartBody is the Start request body.
type StartBody struct {
	ClientPublicKey []byte
	ClientChallenge []byte
	Versions        []wire.SemVer
}

func (b *StartBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBytes(&buf, b.ClientPublicKey); err != nil {
		return nil, err
	}
	if err := wire.WriteBytes(&buf, b.ClientChallenge); err != nil {
		return nil, err
	}
	if err := wire.WriteUint32(&buf, uint32(len(b.Versions))); err != nil {
		return nil, err
	}
	for _, v := range b.Versions {
		if err := wire.WriteSemVer(&buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeStartBody(data []byte) (*StartBody, error) {
	r := bytes.NewReader(data)
	pub, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	challenge, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	count, err := wire.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	versions := make([]wire.SemVer, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := wire.ReadSemVer(r)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return &StartBody{ClientPublicKey: pub, ClientChallenge: challenge, Versions: versions}, nil
}

// StartResponseBody is the Start response body.
type StartResponseBody struct {
	Negotiated              wire.SemVer
	ServerChallenge         []byte
	ClientChallengeSignature []byte // server signature over the client's challenge
}

func (b *StartResponseBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteSemVer(&buf, b.Negotiated); err != nil {
		return nil, err
	}
	if err := wire.WriteBytes(&buf, b.ServerChallenge); err != nil {
		return nil, err
	}
	if err := wire.WriteBytes(&buf, b.ClientChallengeSignature); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeStartResponseBody(data []byte) (*StartResponseBody, error) {
	r := bytes.NewReader(data)
	b := &StartResponseBody{}
	var err error
	if b.Negotiated, err = wire.ReadSemVer(r); err != nil {
		return nil, err
	}
	if b.ServerChallenge, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.ClientChallengeSignature, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	return b, nil
}

// ChallengeEchoBody is the common shape of CheckIn and VerifyIdentity
// request bodies: the client echoes back the server-issued challenge,
// signed (signature lives in the envelope's Request.Signature field).
type ChallengeEchoBody struct {
	EchoedChallenge []byte
}

func (b *ChallengeEchoBody) CanonicalBytes() ([]byte, error) {
	return b.EchoedChallenge, nil
}

func (b *ChallengeEchoBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBytes(&buf, b.EchoedChallenge); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeChallengeEchoBody(data []byte) (*ChallengeEchoBody, error) {
	r := bytes.NewReader(data)
	challenge, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	return &ChallengeEchoBody{EchoedChallenge: challenge}, nil
}

// RegisterHostingBody is the RegisterHosting request body. Per the
// open questions in the source spec, only identityType is consulted;
// contract/planId/startTime/identityPublicKey are accepted but not
// validated.
type RegisterHostingBody struct {
	IdentityType      string
	IdentityPublicKey []byte
	ContractSignature []byte
	PlanID            string
	StartTimeUnix     int64
}

func DecodeRegisterHostingBody(data []byte) (*RegisterHostingBody, error) {
	r := bytes.NewReader(data)
	typ, err := wire.ReadString(r)
	if err != nil {
		return nil, err
	}
	pub, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	sig, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	planID, err := wire.ReadString(r)
	if err != nil {
		return nil, err
	}
	start, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return &RegisterHostingBody{
		IdentityType:      typ,
		IdentityPublicKey: pub,
		ContractSignature: sig,
		PlanID:            planID,
		StartTimeUnix:     int64(start),
	}, nil
}

// UpdateProfileBody is the UpdateProfile request body: every field is
// gated by its own "set" flag so a client may update a subset of fields.
type UpdateProfileBody struct {
	SetVersion  bool
	Version     wire.SemVer
	SetName     bool
	Name        string
	SetLocation bool
	LatFixed    int64
	LongFixed   int64
	SetExtraData bool
	ExtraData   []byte
	SetProfileImage bool
	ProfileImage    []byte
	SetThumbnail    bool
	Thumbnail       []byte
}

func (b *UpdateProfileBody) CanonicalBytes() ([]byte, error) {
	return b.Encode()
}

func (b *UpdateProfileBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	writes := []error{
		wire.WriteBool(&buf, b.SetVersion),
		wire.WriteSemVer(&buf, b.Version),
		wire.WriteBool(&buf, b.SetName),
		wire.WriteString(&buf, b.Name),
		wire.WriteBool(&buf, b.SetLocation),
	}
	for _, err := range writes {
		if err != nil {
			return nil, err
		}
	}
	if err := wire.WriteUint64(&buf, uint64(b.LatFixed)); err != nil {
		return nil, err
	}
	if err := wire.WriteUint64(&buf, uint64(b.LongFixed)); err != nil {
		return nil, err
	}
	if err := wire.WriteBool(&buf, b.SetExtraData); err != nil {
		return nil, err
	}
	if err := wire.WriteBytes(&buf, b.ExtraData); err != nil {
		return nil, err
	}
	if err := wire.WriteBool(&buf, b.SetProfileImage); err != nil {
		return nil, err
	}
	if err := wire.WriteBytes(&buf, b.ProfileImage); err != nil {
		return nil, err
	}
	if err := wire.WriteBool(&buf, b.SetThumbnail); err != nil {
		return nil, err
	}
	if err := wire.WriteBytes(&buf, b.Thumbnail); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeUpdateProfileBody(data []byte) (*UpdateProfileBody, error) {
	r := bytes.NewReader(data)
	b := &UpdateProfileBody{}
	var err error
	if b.SetVersion, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if b.Version, err = wire.ReadSemVer(r); err != nil {
		return nil, err
	}
	if b.SetName, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if b.Name, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if b.SetLocation, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	lat, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	long, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	b.LatFixed, b.LongFixed = int64(lat), int64(long)
	if b.SetExtraData, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if b.ExtraData, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.SetProfileImage, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if b.ProfileImage, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.SetThumbnail, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if b.Thumbnail, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	return b, nil
}

// GetProfileInformationBody is the GetProfileInformation request body.
type GetProfileInformationBody struct {
	IdentityID []byte
}

func DecodeGetProfileInformationBody(data []byte) (*GetProfileInformationBody, error) {
	r := bytes.NewReader(data)
	id, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	return &GetProfileInformationBody{IdentityID: id}, nil
}

// ProfileInformationBody is a profile as returned by GetProfileInformation
// and embedded in search results.
type ProfileInformationBody struct {
	IdentityID         []byte
	PublicKey          []byte
	Version            wire.SemVer
	Name               string
	Type               string
	LatFixed           int64
	LongFixed          int64
	ExtraData          []byte
	ProfileImageHash   []byte
	ThumbnailImageHash []byte
	HostingServerID    string
}

func (b *ProfileInformationBody) Encode(buf *bytes.Buffer) error {
	if err := wire.WriteBytes(buf, b.IdentityID); err != nil {
		return err
	}
	if err := wire.WriteBytes(buf, b.PublicKey); err != nil {
		return err
	}
	if err := wire.WriteSemVer(buf, b.Version); err != nil {
		return err
	}
	if err := wire.WriteString(buf, b.Name); err != nil {
		return err
	}
	if err := wire.WriteString(buf, b.Type); err != nil {
		return err
	}
	if err := wire.WriteUint64(buf, uint64(b.LatFixed)); err != nil {
		return err
	}
	if err := wire.WriteUint64(buf, uint64(b.LongFixed)); err != nil {
		return err
	}
	if err := wire.WriteBytes(buf, b.ExtraData); err != nil {
		return err
	}
	if err := wire.WriteBytes(buf, b.ProfileImageHash); err != nil {
		return err
	}
	if err := wire.WriteBytes(buf, b.ThumbnailImageHash); err != nil {
		return err
	}
	return wire.WriteString(buf, b.HostingServerID)
}

func DecodeProfileInformationBody(data []byte) (*ProfileInformationBody, error) {
	r := bytes.NewReader(data)
	return decodeProfileInformationFrom(r)
}

// decodeProfileInformationFrom reads one ProfileInformationBody off an
// open reader shared with a larger message (see
// NeighborhoodSharedProfileUpdateBody, which embeds several of these
// back to back), rather than owning the whole buffer itself.
func decodeProfileInformationFrom(r *bytes.Reader) (*ProfileInformationBody, error) {
	b := &ProfileInformationBody{}
	var err error
	if b.IdentityID, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.PublicKey, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.Version, err = wire.ReadSemVer(r); err != nil {
		return nil, err
	}
	if b.Name, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if b.Type, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	lat, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	long, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	b.LatFixed, b.LongFixed = int64(lat), int64(long)
	if b.ExtraData, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.ProfileImageHash, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.ThumbnailImageHash, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.HostingServerID, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	return b, nil
}

// ProfileSearchBody is the ProfileSearch request body.
type ProfileSearchBody struct {
	TypePattern        string
	NamePattern        string
	HasLocation        bool
	CenterLatFixed     int64
	CenterLongFixed    int64
	RadiusMeters       float64
	ExtraDataRegex     string
	IncludeThumbnails  bool
	IncludeHostedOnly  bool
	MaxTotalRecords    uint32
	MaxResponseRecords uint32
}

func DecodeProfileSearchBody(data []byte) (*ProfileSearchBody, error) {
	r := bytes.NewReader(data)
	b := &ProfileSearchBody{}
	var err error
	if b.TypePattern, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if b.NamePattern, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if b.HasLocation, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	lat, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	long, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	b.CenterLatFixed, b.CenterLongFixed = int64(lat), int64(long)
	radiusBits, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	b.RadiusMeters = float64FromBits(radiusBits)
	if b.ExtraDataRegex, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if b.IncludeThumbnails, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if b.IncludeHostedOnly, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if b.MaxTotalRecords, err = wire.ReadUint32(r); err != nil {
		return nil, err
	}
	if b.MaxResponseRecords, err = wire.ReadUint32(r); err != nil {
		return nil, err
	}
	return b, nil
}

// ProfileSearchResponseBody is the ProfileSearch response body.
type ProfileSearchResponseBody struct {
	Records           []ProfileInformationBody
	TotalRecordCount  uint32
	CoveredServerIDs  []string
}

func (b *ProfileSearchResponseBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteUint32(&buf, uint32(len(b.Records))); err != nil {
		return nil, err
	}
	for i := range b.Records {
		if err := b.Records[i].Encode(&buf); err != nil {
			return nil, err
		}
	}
	if err := wire.WriteUint32(&buf, b.TotalRecordCount); err != nil {
		return nil, err
	}
	if err := wire.WriteUint32(&buf, uint32(len(b.CoveredServerIDs))); err != nil {
		return nil, err
	}
	for _, id := range b.CoveredServerIDs {
		if err := wire.WriteString(&buf, id); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ProfileSearchPartBody is the ProfileSearchPart request body.
type ProfileSearchPartBody struct {
	RecordIndex int64
	RecordCount uint32
}

func DecodeProfileSearchPartBody(data []byte) (*ProfileSearchPartBody, error) {
	r := bytes.NewReader(data)
	idx, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	count, err := wire.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	return &ProfileSearchPartBody{RecordIndex: int64(idx), RecordCount: count}, nil
}

func float64FromBits(bits uint64) float64 {
	return math.Float64frombits(bits)
}
