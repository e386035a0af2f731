// Package server wires the wire protocol to the domain engines: a
// gating table decides whether a session's role and conversation status
// permit a given request, a handler produces the response body, and
// conn.go drives the per-connection read/write loop around both.
package server

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/marmos91/profileserver/internal/telemetry"
	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/blobstore"
	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/metrics"
	"github.com/marmos91/profileserver/pkg/neighborhood"
	"github.com/marmos91/profileserver/pkg/protoerr"
	"github.com/marmos91/profileserver/pkg/relay"
	"github.com/marmos91/profileserver/pkg/search"
	"github.com/marmos91/profileserver/pkg/session"
	"github.com/marmos91/profileserver/pkg/store"
)

// Deps bundles every domain collaborator a handler may need. Built once
// at composition time and shared (read-only) across all connections.
type Deps struct {
	Store        *store.Store
	Blobs        *blobstore.Store
	Search       *search.Engine
	Relay        *relay.Engine
	Neighborhood *neighborhood.Engine
	Registry     *SessionRegistry
	Metrics      *metrics.Metrics

	Config     *config.Config
	ServerID   string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// handlerFunc produces a response body for req on sess, or an error
// (ideally a *protoerr.Error, mapped to the matching wire.StatusCode by
// Dispatch; any other error maps to StatusInternal).
type handlerFunc func(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error)

// allRoles is the role bitmask for requests any serving role may issue
// (Ping, and the unauthenticated Start handshake).
const allRoles = session.RolePrimary | session.RoleClCustomer | session.RoleClNonCustomer |
	session.RoleClAppService | session.RoleSrNeighbor

// clientRoles is the role bitmask shared by every client-facing port
// (both customer and non-customer clients), used by the handful of
// requests available to both.
const clientRoles = session.RoleClCustomer | session.RoleClNonCustomer

// statusRule expresses one request's required conversation status
// (spec.md §4.C): none admits any status including NoConversation,
// conversationAny admits anything but NoConversation, and otherwise the
// session must satisfy the exact required status (Authenticated also
// satisfies a Verified requirement, per session.SatisfiesStatus).
type statusRule struct {
	none            bool
	conversationAny bool
	required        session.Status
}

func anyStatus() statusRule                 { return statusRule{none: true} }
func conversationStarted() statusRule       { return statusRule{required: session.ConversationStarted} }
func conversationAny() statusRule           { return statusRule{conversationAny: true} }
func verified() statusRule                  { return statusRule{required: session.Verified} }
func authenticated() statusRule             { return statusRule{required: session.Authenticated} }
func noConversation() statusRule            { return statusRule{required: session.NoConversation} }

func (r statusRule) satisfies(s *session.Session) bool {
	if r.none {
		return true
	}
	return s.SatisfiesStatus(r.required, r.conversationAny)
}

// route is one entry in the dispatch table: the gate and the handler it
// guards.
type route struct {
	role   session.Role
	status statusRule
	handle handlerFunc
}

// routes is the dispatch table, keyed by wire.RequestType, built once in
// init the way the teacher builds its nfsProcedure map. Only requests
// this server ever receives as an inbound Request are listed here:
// IncomingCallNotification, AppServiceReceiveMessageNotification, and
// FinishNeighborhoodInitialization are always server-originated (sent
// via Session.SendMessage and correlated through the pending-response
// table in conn.go), never dispatched through this table, even though
// FinishNeighborhoodInitialization appears in the protocol's own request
// enum.
var routes map[wire.RequestType]*route

func init() {
	routes = map[wire.RequestType]*route{
		wire.ReqPing: {
			role: allRoles, status: anyStatus(), handle: handlePing,
		},
		wire.ReqListRoles: {
			role: session.RolePrimary, status: anyStatus(), handle: handleListRoles,
		},
		wire.ReqGetProfileInformation: {
			role: clientRoles, status: anyStatus(), handle: handleGetProfileInformation,
		},
		wire.ReqProfileSearch: {
			role: clientRoles, status: conversationAny(), handle: handleProfileSearch,
		},
		wire.ReqProfileSearchPart: {
			role: clientRoles, status: conversationAny(), handle: handleProfileSearchPart,
		},
		wire.ReqProfileStats: {
			role: clientRoles, status: conversationAny(), handle: handleProfileStats,
		},
		wire.ReqGetIdentityRelationships: {
			role: clientRoles, status: conversationAny(), handle: handleGetIdentityRelationships,
		},
		wire.ReqStart: {
			role: allRoles, status: noConversation(), handle: handleStart,
		},
		wire.ReqRegisterHosting: {
			role: session.RoleClNonCustomer, status: conversationStarted(), handle: handleRegisterHosting,
		},
		wire.ReqCheckIn: {
			role: session.RoleClCustomer, status: conversationStarted(), handle: handleCheckIn,
		},
		wire.ReqVerifyIdentity: {
			role: session.RoleClNonCustomer | session.RoleSrNeighbor, status: conversationStarted(), handle: handleVerifyIdentity,
		},
		wire.ReqUpdateProfile: {
			role: session.RoleClCustomer, status: authenticated(), handle: handleUpdateProfile,
		},
		wire.ReqCancelHostingAgreement: {
			role: session.RoleClCustomer, status: authenticated(), handle: handleCancelHostingAgreement,
		},
		wire.ReqAppSvcAdd: {
			role: session.RoleClCustomer, status: authenticated(), handle: handleAppSvcAdd,
		},
		wire.ReqAppSvcRemove: {
			role: session.RoleClCustomer, status: authenticated(), handle: handleAppSvcRemove,
		},
		wire.ReqAddRelatedIdentity: {
			role: session.RoleClCustomer, status: authenticated(), handle: handleAddRelatedIdentity,
		},
		wire.ReqRemoveRelatedIdentity: {
			role: session.RoleClCustomer, status: authenticated(), handle: handleRemoveRelatedIdentity,
		},
		wire.ReqCanStoreData: {
			role: session.RoleClCustomer, status: authenticated(), handle: handleCanStoreData,
		},
		wire.ReqCanPublishIpns: {
			role: session.RoleClCustomer, status: authenticated(), handle: handleCanPublishIpns,
		},
		wire.ReqCallIdentityApplicationService: {
			role: clientRoles, status: verified(), handle: handleCallIdentityApplicationService,
		},
		wire.ReqAppServiceSendMessage: {
			role: session.RoleClAppService, status: anyStatus(), handle: handleAppServiceSendMessage,
		},
		wire.ReqStartNeighborhoodInitialization: {
			role: session.RoleSrNeighbor, status: verified(), handle: handleStartNeighborhoodInitialization,
		},
		wire.ReqNeighborhoodSharedProfileUpdate: {
			role: session.RoleSrNeighbor, status: verified(), handle: handleNeighborhoodSharedProfileUpdate,
		},
		wire.ReqStopNeighborhoodUpdates: {
			role: session.RoleSrNeighbor, status: verified(), handle: handleStopNeighborhoodUpdates,
		},
	}
}

// Dispatch gates req against sess's role and status, runs the matching
// handler, and renders the result (or error) as a wire.Response. It
// never returns nil.
func Dispatch(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) *wire.Response {
	ctx, span := telemetry.StartDispatchSpan(ctx, req.Type.String(), sess.Role().String())
	defer span.End()

	start := time.Now()
	resp := dispatch(ctx, d, sess, req)
	d.Metrics.RecordRequest(req.Type.String(), sess.Role().String(), resp.Status.String(), time.Since(start))
	telemetry.SetAttributes(ctx, telemetry.Status(resp.Status.String()))
	return resp
}

func dispatch(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) *wire.Response {
	r, ok := routes[req.Type]
	if !ok {
		return errorResponse(req, protoerr.New(protoerr.Unsupported, "unrecognized request type"))
	}

	if sess.Role()&r.role == 0 {
		return errorResponse(req, protoerr.New(protoerr.BadRole, "role does not serve this request"))
	}
	if !r.status.satisfies(sess) {
		code := protoerr.BadConversationStatus
		if !r.status.none && (r.status.required == session.Verified || r.status.required == session.Authenticated) {
			code = protoerr.Unauthorized
		}
		return errorResponse(req, protoerr.New(code, "conversation status does not permit this request"))
	}

	body, err := r.handle(ctx, d, sess, req)
	if err != nil {
		return errorResponse(req, err)
	}
	return &wire.Response{
		ID:     req.ID,
		Kind:   req.Kind,
		Type:   req.Type,
		Status: wire.StatusOK,
		Body:   body,
	}
}

// errorResponse renders err as a Response, mapping a *protoerr.Error to
// its corresponding wire.StatusCode and falling back to StatusInternal
// for anything else (a handler bug, not a protocol-level rejection).
func errorResponse(req *wire.Request, err error) *wire.Response {
	pe, ok := protoerr.As(err)
	if !ok {
		return &wire.Response{
			ID: req.ID, Kind: req.Kind, Type: req.Type,
			Status: wire.StatusInternal, Message: err.Error(),
		}
	}
	return &wire.Response{
		ID: req.ID, Kind: req.Kind, Type: req.Type,
		Status:  statusCodeFor(pe.Code()),
		Path:    pe.Path(),
		Message: pe.Message(),
	}
}

// statusCodeFor maps a protoerr.Code onto its wire.StatusCode: the two
// enums share the same ordinal layout by construction, offset by
// StatusOK having no protoerr equivalent.
func statusCodeFor(code protoerr.Code) wire.StatusCode {
	switch code {
	case protoerr.ProtocolViolation:
		return wire.StatusProtocolViolation
	case protoerr.Unsupported:
		return wire.StatusUnsupported
	case protoerr.BadRole:
		return wire.StatusBadRole
	case protoerr.BadConversationStatus:
		return wire.StatusBadConversationStatus
	case protoerr.Unauthorized:
		return wire.StatusUnauthorized
	case protoerr.InvalidSignature:
		return wire.StatusInvalidSignature
	case protoerr.InvalidValue:
		return wire.StatusInvalidValue
	case protoerr.NotFound:
		return wire.StatusNotFound
	case protoerr.AlreadyExists:
		return wire.StatusAlreadyExists
	case protoerr.QuotaExceeded:
		return wire.StatusQuotaExceeded
	case protoerr.Busy:
		return wire.StatusBusy
	case protoerr.Rejected:
		return wire.StatusRejected
	case protoerr.NotAvailable:
		return wire.StatusNotAvailable
	case protoerr.Uninitialized:
		return wire.StatusUninitialized
	default:
		return wire.StatusInternal
	}
}
