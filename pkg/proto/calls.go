package proto

import (
	"bytes"

	"github.com/marmos91/profileserver/internal/wire"
)

// CancelHostingAgreementBody is the CancelHostingAgreement request body.
// Redirect is optional: when set, cancelled identities keep a pointer to
// their new hosting server for the grace period instead of being wiped
// immediately (spec.md §3: HostedIdentity lifecycle).
type CancelHostingAgreementBody struct {
	SetRedirect bool
	RedirectServerID string
}

func (b *CancelHostingAgreementBody) CanonicalBytes() ([]byte, error) { return b.Encode() }

func (b *CancelHostingAgreementBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBool(&buf, b.SetRedirect); err != nil {
		return nil, err
	}
	if err := wire.WriteString(&buf, b.RedirectServerID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeCancelHostingAgreementBody(data []byte) (*CancelHostingAgreementBody, error) {
	r := bytes.NewReader(data)
	b := &CancelHostingAgreementBody{}
	var err error
	if b.SetRedirect, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if b.RedirectServerID, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	return b, nil
}

// AppSvcAddBody / AppSvcRemoveBody name one application-service on a
// hosted identity's session (spec.md §3: Session.appServices).
type AppSvcAddBody struct {
	ServiceName string
}

func (b *AppSvcAddBody) CanonicalBytes() ([]byte, error) { return b.Encode() }

func (b *AppSvcAddBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteString(&buf, b.ServiceName); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeAppSvcAddBody(data []byte) (*AppSvcAddBody, error) {
	r := bytes.NewReader(data)
	name, err := wire.ReadString(r)
	if err != nil {
		return nil, err
	}
	return &AppSvcAddBody{ServiceName: name}, nil
}

type AppSvcRemoveBody struct {
	ServiceName string
}

func (b *AppSvcRemoveBody) CanonicalBytes() ([]byte, error) { return b.Encode() }

func (b *AppSvcRemoveBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteString(&buf, b.ServiceName); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeAppSvcRemoveBody(data []byte) (*AppSvcRemoveBody, error) {
	r := bytes.NewReader(data)
	name, err := wire.ReadString(r)
	if err != nil {
		return nil, err
	}
	return &AppSvcRemoveBody{ServiceName: name}, nil
}

// RelatedIdentityCardBody is the wire shape of a relationship card
// (spec.md §3: RelatedIdentity).
type RelatedIdentityCardBody struct {
	CardID             []byte
	ApplicationID      string
	IssuerPublicKey    []byte
	RecipientPublicKey []byte
	IssuerSignature    []byte
	RecipientSignature []byte
	Type               string
	ValidFromUnix      int64
	ValidToUnix        int64
}

func (c *RelatedIdentityCardBody) Encode(buf *bytes.Buffer) error {
	if err := wire.WriteBytes(buf, c.CardID); err != nil {
		return err
	}
	if err := wire.WriteString(buf, c.ApplicationID); err != nil {
		return err
	}
	if err := wire.WriteBytes(buf, c.IssuerPublicKey); err != nil {
		return err
	}
	if err := wire.WriteBytes(buf, c.RecipientPublicKey); err != nil {
		return err
	}
	if err := wire.WriteBytes(buf, c.IssuerSignature); err != nil {
		return err
	}
	if err := wire.WriteBytes(buf, c.RecipientSignature); err != nil {
		return err
	}
	if err := wire.WriteString(buf, c.Type); err != nil {
		return err
	}
	if err := wire.WriteUint64(buf, uint64(c.ValidFromUnix)); err != nil {
		return err
	}
	return wire.WriteUint64(buf, uint64(c.ValidToUnix))
}

func decodeRelatedIdentityCardFrom(r *bytes.Reader) (*RelatedIdentityCardBody, error) {
	c := &RelatedIdentityCardBody{}
	var err error
	if c.CardID, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if c.ApplicationID, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if c.IssuerPublicKey, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if c.RecipientPublicKey, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if c.IssuerSignature, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if c.RecipientSignature, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if c.Type, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	validFrom, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	validTo, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	c.ValidFromUnix, c.ValidToUnix = int64(validFrom), int64(validTo)
	return c, nil
}

// AddRelatedIdentityBody is the AddRelatedIdentity request body: the
// caller submits a fully-signed card; the handler only validates and
// persists it (issuer/recipient signature checks happen against the
// card's own embedded keys, not the session's).
type AddRelatedIdentityBody struct {
	Card RelatedIdentityCardBody
}

func (b *AddRelatedIdentityBody) CanonicalBytes() ([]byte, error) { return b.Encode() }

func (b *AddRelatedIdentityBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := b.Card.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeAddRelatedIdentityBody(data []byte) (*AddRelatedIdentityBody, error) {
	r := bytes.NewReader(data)
	card, err := decodeRelatedIdentityCardFrom(r)
	if err != nil {
		return nil, err
	}
	return &AddRelatedIdentityBody{Card: *card}, nil
}

// RemoveRelatedIdentityBody is the RemoveRelatedIdentity request body.
type RemoveRelatedIdentityBody struct {
	CardID []byte
}

func (b *RemoveRelatedIdentityBody) CanonicalBytes() ([]byte, error) { return b.Encode() }

func (b *RemoveRelatedIdentityBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBytes(&buf, b.CardID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeRemoveRelatedIdentityBody(data []byte) (*RemoveRelatedIdentityBody, error) {
	r := bytes.NewReader(data)
	id, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	return &RemoveRelatedIdentityBody{CardID: id}, nil
}

// GetIdentityRelationshipsBody is the GetIdentityRelationships request body.
type GetIdentityRelationshipsBody struct {
	IdentityID []byte
}

func DecodeGetIdentityRelationshipsBody(data []byte) (*GetIdentityRelationshipsBody, error) {
	r := bytes.NewReader(data)
	id, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	return &GetIdentityRelationshipsBody{IdentityID: id}, nil
}

// GetIdentityRelationshipsResponseBody returns every relationship card
// attesting a claim about the requested identity.
type GetIdentityRelationshipsResponseBody struct {
	Cards []RelatedIdentityCardBody
}

func (b *GetIdentityRelationshipsResponseBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteUint32(&buf, uint32(len(b.Cards))); err != nil {
		return nil, err
	}
	for i := range b.Cards {
		if err := b.Cards[i].Encode(&buf); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// CanStoreDataBody / CanStoreDataResponseBody: a pre-flight check
// gating whether the identity may publish dataSize bytes to the
// external CAN/IPFS collaborator (spec.md §1: "CAN/IPFS publishing" is
// an external collaborator). The server allows it while the hosting
// agreement is active; DataSizeBytes is not compared against any quota.
type CanStoreDataBody struct {
	DataSizeBytes uint64
}

func (b *CanStoreDataBody) CanonicalBytes() ([]byte, error) { return b.Encode() }

func (b *CanStoreDataBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteUint64(&buf, b.DataSizeBytes); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeCanStoreDataBody(data []byte) (*CanStoreDataBody, error) {
	r := bytes.NewReader(data)
	size, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return &CanStoreDataBody{DataSizeBytes: size}, nil
}

type CanStoreDataResponseBody struct {
	Allowed bool
}

func (b *CanStoreDataResponseBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBool(&buf, b.Allowed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanPublishIpnsBody / CanPublishIpnsResponseBody: a pre-flight check
// for publishing an IPNS record with the given validity window. Per
// spec.md §9's open question, this specification does not check the
// record's validity against the hosting-plan expiration (the source
// itself marks this TODO).
type CanPublishIpnsBody struct {
	ValidUntilUnix int64
}

func (b *CanPublishIpnsBody) CanonicalBytes() ([]byte, error) { return b.Encode() }

func (b *CanPublishIpnsBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteUint64(&buf, uint64(b.ValidUntilUnix)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeCanPublishIpnsBody(data []byte) (*CanPublishIpnsBody, error) {
	r := bytes.NewReader(data)
	until, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return &CanPublishIpnsBody{ValidUntilUnix: int64(until)}, nil
}

type CanPublishIpnsResponseBody struct {
	Allowed bool
}

func (b *CanPublishIpnsResponseBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBool(&buf, b.Allowed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ProfileStatsBody is the ProfileStats request body: no fields, it
// reports on the caller's own server.
type ProfileStatsBody struct{}

func DecodeProfileStatsBody(data []byte) (*ProfileStatsBody, error) { return &ProfileStatsBody{}, nil }

// ProfileStatsResponseBody reports coarse population counters.
type ProfileStatsResponseBody struct {
	HostedIdentityCount  uint32
	NeighborIdentityCount uint32
	NeighborCount        uint32
	FollowerCount        uint32
}

func (b *ProfileStatsResponseBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range []uint32{b.HostedIdentityCount, b.NeighborIdentityCount, b.NeighborCount, b.FollowerCount} {
		if err := wire.WriteUint32(&buf, v); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// CallIdentityApplicationServiceBody is the request a caller sends to
// ring a hosted callee over one of its registered application services
// (spec.md §4.D).
type CallIdentityApplicationServiceBody struct {
	CalleeIdentityID []byte
	ServiceName      string
}

func DecodeCallIdentityApplicationServiceBody(data []byte) (*CallIdentityApplicationServiceBody, error) {
	r := bytes.NewReader(data)
	b := &CallIdentityApplicationServiceBody{}
	var err error
	if b.CalleeIdentityID, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.ServiceName, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	return b, nil
}

// CallIdentityApplicationServiceResponseBody carries the caller's
// bound relay token once the callee accepts the call.
type CallIdentityApplicationServiceResponseBody struct {
	CallerToken []byte
}

func (b *CallIdentityApplicationServiceResponseBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBytes(&buf, b.CallerToken); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IncomingCallNotificationBody is the server-originated request sent to
// a callee's session announcing an incoming call; the callee's response
// status (ok/REJECTED/NOT_AVAILABLE) resumes the caller's suspended
// CallIdentityApplicationService handler.
type IncomingCallNotificationBody struct {
	CallerPublicKey []byte
	ServiceName     string
	CalleeToken     []byte
}

func (b *IncomingCallNotificationBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBytes(&buf, b.CallerPublicKey); err != nil {
		return nil, err
	}
	if err := wire.WriteString(&buf, b.ServiceName); err != nil {
		return nil, err
	}
	if err := wire.WriteBytes(&buf, b.CalleeToken); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeIncomingCallNotificationBody(data []byte) (*IncomingCallNotificationBody, error) {
	r := bytes.NewReader(data)
	b := &IncomingCallNotificationBody{}
	var err error
	if b.CallerPublicKey, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.ServiceName, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if b.CalleeToken, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	return b, nil
}

// AppServiceSendMessageBody is the request an already-bound ClAppService
// connection uses both to bind its relay token on first use and to send
// opaque payload bytes thereafter.
type AppServiceSendMessageBody struct {
	Token   []byte
	Payload []byte
}

func DecodeAppServiceSendMessageBody(data []byte) (*AppServiceSendMessageBody, error) {
	r := bytes.NewReader(data)
	b := &AppServiceSendMessageBody{}
	var err error
	if b.Token, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	if b.Payload, err = wire.ReadBytes(r); err != nil {
		return nil, err
	}
	return b, nil
}

// AppServiceReceiveMessageNotificationBody is the server-originated
// request delivering a forwarded payload to the opposite relay endpoint.
type AppServiceReceiveMessageNotificationBody struct {
	Payload []byte
}

func (b *AppServiceReceiveMessageNotificationBody) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteBytes(&buf, b.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeAppServiceReceiveMessageNotificationBody(data []byte) (*AppServiceReceiveMessageNotificationBody, error) {
	r := bytes.NewReader(data)
	payload, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	return &AppServiceReceiveMessageNotificationBody{Payload: payload}, nil
}
