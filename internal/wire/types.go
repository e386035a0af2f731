// Package wire implements the length-prefixed envelope that carries every
// request and response across a role port: a uint32 big-endian length
// followed by a body, hand-encoded field by field in the same style as
// the NFS/SMB wire codecs this package is descended from — no protobuf
// toolchain, no code generation.
package wire

// ConversationKind discriminates a SingleRequest from a ConversationRequest.
type ConversationKind uint32

const (
	KindSingle ConversationKind = iota
	KindConversation
)

// RequestType identifies the payload carried by an envelope.
type RequestType uint32

const (
	ReqPing RequestType = iota + 1
	ReqListRoles
	ReqGetProfileInformation
	ReqProfileSearch
	ReqProfileSearchPart
	ReqProfileStats
	ReqGetIdentityRelationships
	ReqStart
	ReqRegisterHosting
	ReqCheckIn
	ReqVerifyIdentity
	ReqUpdateProfile
	ReqCancelHostingAgreement
	ReqAppSvcAdd
	ReqAppSvcRemove
	ReqAddRelatedIdentity
	ReqRemoveRelatedIdentity
	ReqCanStoreData
	ReqCanPublishIpns
	ReqCallIdentityApplicationService
	ReqAppServiceSendMessage
	ReqStartNeighborhoodInitialization
	ReqFinishNeighborhoodInitialization
	ReqNeighborhoodSharedProfileUpdate
	ReqStopNeighborhoodUpdates

	// Server-originated requests, correlated via the session's pending
	// response table.
	ReqIncomingCallNotification
	ReqAppServiceReceiveMessageNotification
)

var requestTypeNames = map[RequestType]string{
	ReqPing:                             "ping",
	ReqListRoles:                        "list_roles",
	ReqGetProfileInformation:            "get_profile_information",
	ReqProfileSearch:                    "profile_search",
	ReqProfileSearchPart:                "profile_search_part",
	ReqProfileStats:                     "profile_stats",
	ReqGetIdentityRelationships:         "get_identity_relationships",
	ReqStart:                            "start",
	ReqRegisterHosting:                  "register_hosting",
	ReqCheckIn:                          "check_in",
	ReqVerifyIdentity:                   "verify_identity",
	ReqUpdateProfile:                    "update_profile",
	ReqCancelHostingAgreement:           "cancel_hosting_agreement",
	ReqAppSvcAdd:                        "app_svc_add",
	ReqAppSvcRemove:                     "app_svc_remove",
	ReqAddRelatedIdentity:               "add_related_identity",
	ReqRemoveRelatedIdentity:            "remove_related_identity",
	ReqCanStoreData:                     "can_store_data",
	ReqCanPublishIpns:                   "can_publish_ipns",
	ReqCallIdentityApplicationService:   "call_identity_application_service",
	ReqAppServiceSendMessage:            "app_service_send_message",
	ReqStartNeighborhoodInitialization:  "start_neighborhood_initialization",
	ReqFinishNeighborhoodInitialization: "finish_neighborhood_initialization",
	ReqNeighborhoodSharedProfileUpdate:  "neighborhood_shared_profile_update",
	ReqStopNeighborhoodUpdates:          "stop_neighborhood_updates",
	ReqIncomingCallNotification:         "incoming_call_notification",
	ReqAppServiceReceiveMessageNotification: "app_service_receive_message_notification",
}

// String renders a RequestType as a metrics-label-friendly name,
// falling back to "unknown" for a value outside the enum.
func (t RequestType) String() string {
	if name, ok := requestTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// StatusCode is the protocol-visible result status of a Response.
type StatusCode uint32

const (
	StatusOK StatusCode = iota
	StatusProtocolViolation
	StatusUnsupported
	StatusBadRole
	StatusBadConversationStatus
	StatusUnauthorized
	StatusInvalidSignature
	StatusInvalidValue
	StatusNotFound
	StatusAlreadyExists
	StatusQuotaExceeded
	StatusBusy
	StatusRejected
	StatusNotAvailable
	StatusUninitialized
	StatusInternal
)

var statusCodeNames = map[StatusCode]string{
	StatusOK:                    "ok",
	StatusProtocolViolation:     "protocol_violation",
	StatusUnsupported:           "unsupported",
	StatusBadRole:               "bad_role",
	StatusBadConversationStatus: "bad_conversation_status",
	StatusUnauthorized:          "unauthorized",
	StatusInvalidSignature:      "invalid_signature",
	StatusInvalidValue:          "invalid_value",
	StatusNotFound:              "not_found",
	StatusAlreadyExists:         "already_exists",
	StatusQuotaExceeded:         "quota_exceeded",
	StatusBusy:                  "busy",
	StatusRejected:              "rejected",
	StatusNotAvailable:          "not_available",
	StatusUninitialized:         "uninitialized",
	StatusInternal:              "internal",
}

// String renders a StatusCode as a metrics-label-friendly name,
// falling back to "unknown" for a value outside the enum.
func (c StatusCode) String() string {
	if name, ok := statusCodeNames[c]; ok {
		return name
	}
	return "unknown"
}

// UnsolicitedMessageID is used on Responses sent with no correlated
// request id, e.g. a malformed frame rejected before it could be parsed.
const UnsolicitedMessageID uint32 = 0x0BADC0DE

// MaxFrameBytes is the hard cap on a single encoded envelope body.
const MaxFrameBytes = 1 << 20

// Envelope is the decoded form of one frame body: exactly one of Request
// or Response is non-nil.
type Envelope struct {
	Request  *Request
	Response *Response
}

// Request wraps a SingleRequest or ConversationRequest payload.
type Request struct {
	ID      uint32
	Kind    ConversationKind
	Type    RequestType
	Version SemVer
	Body    []byte // type-specific payload, decoded by the handler layer
	// Signature is present on conversation requests that mutate
	// identity-bearing state; empty otherwise.
	Signature []byte
}

// Response wraps a SingleResponse or ConversationResponse payload.
type Response struct {
	ID      uint32
	Kind    ConversationKind
	Type    RequestType
	Status  StatusCode
	Path    string // set only when Status == StatusInvalidValue
	Message string
	Body    []byte
}

// SemVer is a semantic-version triple, encoded as three uint32 fields.
type SemVer struct {
	Major, Minor, Patch uint32
}

// V1 is the only protocol version this server accepts.
var V1 = SemVer{Major: 1, Minor: 0, Patch: 0}

func (v SemVer) Equal(o SemVer) bool {
	return v.Major == o.Major && v.Minor == o.Minor && v.Patch == o.Patch
}

func (v SemVer) String() string {
	return itoa(v.Major) + "." + itoa(v.Minor) + "." + itoa(v.Patch)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
