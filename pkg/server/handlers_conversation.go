package server

import (
	"context"
	"crypto/ed25519"
	"net"
	"strconv"
	"time"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/protoerr"
	"github.com/marmos91/profileserver/pkg/session"
	"github.com/marmos91/profileserver/pkg/store"
)

// handlePing echoes the caller's payload back with the server clock
// attached, available on every role port regardless of conversation
// status (spec.md §4.A).
func handlePing(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodePingBody(req.Body)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.ProtocolViolation, "decode ping body", err)
	}
	return (&proto.PingBody{
		Payload:       body.Payload,
		ServerClockMS: uint64(time.Now().UnixMilli()),
	}).Encode()
}

// handleListRoles reports every configured role port, available
// unauthenticated on the Primary port so a new peer can discover where
// to dial for each conversation (spec.md §4.A, §6).
func handleListRoles(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	roles := []RolePortInfo{}
	for _, e := range []struct {
		role session.Role
		port config.RolePortConfig
	}{
		{session.RolePrimary, d.Config.Server.Primary},
		{session.RoleClCustomer, d.Config.Server.ClCustomer},
		{session.RoleClNonCustomer, d.Config.Server.ClNonCustomer},
		{session.RoleClAppService, d.Config.Server.ClAppService},
		{session.RoleSrNeighbor, d.Config.Server.SrNeighbor},
	} {
		port, ok := portFromAddress(e.port.Address)
		if !ok {
			continue
		}
		roles = append(roles, RolePortInfo{Role: e.role, Port: port})
	}

	body := &proto.ListRolesBody{}
	for _, r := range roles {
		body.Roles = append(body.Roles, proto.RolePortInfo{
			Role: r.Role.String(), Port: r.Port, TCP: true, TLS: true,
		})
	}
	return body.Encode()
}

// RolePortInfo pairs a role with the TCP port it listens on, an
// intermediate shape between ServerConfig and the wire RolePortInfo.
type RolePortInfo struct {
	Role session.Role
	Port uint32
}

func portFromAddress(addr string) (uint32, bool) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, false
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(port), true
}

// handleStart begins a conversation: it derives the caller's identity id
// from the declared public key, negotiates a protocol version, and
// returns a fresh server challenge signed for the caller's own challenge
// in turn, so each side proves possession of its declared key across the
// exchange (spec.md §4.A).
func handleStart(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeStartBody(req.Body)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.ProtocolViolation, "decode start body", err)
	}
	if len(body.ClientPublicKey) != ed25519.PublicKeySize {
		return nil, protoerr.New(protoerr.InvalidValue, "invalid client public key length")
	}

	negotiated, ok := negotiateVersion(body.Versions)
	if !ok {
		return nil, protoerr.New(protoerr.Unsupported, "no common protocol version")
	}

	challenge, err := sess.StartConversation(body.ClientPublicKey, negotiated)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "start conversation", err)
	}

	sig := ed25519.Sign(d.PrivateKey, body.ClientChallenge)
	return (&proto.StartResponseBody{
		Negotiated:               negotiated,
		ServerChallenge:          challenge[:],
		ClientChallengeSignature: sig,
	}).Encode()
}

func negotiateVersion(offered []wire.SemVer) (wire.SemVer, bool) {
	for _, v := range offered {
		if v.Equal(wire.V1) {
			return wire.V1, true
		}
	}
	return wire.SemVer{}, false
}

// handleRegisterHosting admits a new hosted identity on the
// ClNonCustomer port: the caller's own declared key (from Start) becomes
// the identity's public key, gated only by the admission quota (spec.md
// §4.A, §6; the source spec leaves contract/plan validation an open
// question, resolved here as accept-and-record).
func handleRegisterHosting(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	body, err := proto.DecodeRegisterHostingBody(req.Body)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.ProtocolViolation, "decode register-hosting body", err)
	}

	count, err := d.Store.CountActiveHostedIdentities(ctx)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.Internal, "count hosted identities", err)
	}
	if int(count) >= d.Config.Identity.MaxHostedIdentities {
		return nil, protoerr.New(protoerr.QuotaExceeded, "hosted identity admission quota reached")
	}

	h := &identity.HostedIdentity{
		ID:        sess.IdentityID(),
		PublicKey: sess.ClientPublicKey(),
		Type:      body.IdentityType,
		Signature: body.ContractSignature,
	}
	if err := d.Store.InsertHostedIdentity(ctx, h); err != nil {
		if err == store.ErrHostedIdentityExists {
			return nil, protoerr.New(protoerr.AlreadyExists, "identity already hosted")
		}
		return nil, protoerr.Wrap(protoerr.Internal, "insert hosted identity", err)
	}
	return nil, nil
}

// handleCheckIn authenticates a returning hosted identity on the
// ClCustomer port: the caller must hold the private key matching its
// HostedIdentity record and echo back the session's server challenge
// signed with it (spec.md §4.A).
func handleCheckIn(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	hosted, err := d.Store.GetHostedIdentity(ctx, sess.IdentityID())
	if err != nil {
		if err == store.ErrHostedIdentityNotFound {
			return nil, protoerr.New(protoerr.NotFound, "no hosted identity for this key")
		}
		return nil, protoerr.Wrap(protoerr.Internal, "look up hosted identity", err)
	}
	if hosted.Cancelled {
		return nil, protoerr.New(protoerr.Rejected, "hosting agreement cancelled")
	}

	echo, err := decodeAndVerifyChallengeEcho(sess, req, hosted.PublicKey)
	if err != nil {
		return nil, err
	}
	_ = echo

	sess.MarkAuthenticated()
	d.Registry.Register(sess.IdentityID(), sess)
	return nil, nil
}

// handleVerifyIdentity proves possession of the session's declared key
// without requiring a hosting relationship, used by non-customer clients
// ahead of CallIdentityApplicationService and by neighbor servers ahead
// of the SrNeighbor conversation (spec.md §4.A, §4.F).
func handleVerifyIdentity(ctx context.Context, d *Deps, sess *session.Session, req *wire.Request) ([]byte, error) {
	if _, err := decodeAndVerifyChallengeEcho(sess, req, sess.ClientPublicKey()); err != nil {
		return nil, err
	}
	sess.MarkVerified()
	return nil, nil
}

// decodeAndVerifyChallengeEcho decodes req's ChallengeEchoBody, confirms
// it echoes this session's server challenge, and verifies req.Signature
// over it under pub.
func decodeAndVerifyChallengeEcho(sess *session.Session, req *wire.Request, pub ed25519.PublicKey) (*proto.ChallengeEchoBody, error) {
	echo, err := proto.DecodeChallengeEchoBody(req.Body)
	if err != nil {
		return nil, protoerr.Wrap(protoerr.ProtocolViolation, "decode challenge echo", err)
	}
	challenge := sess.ServerChallenge()
	if !wire.ConstantTimeEqual(echo.EchoedChallenge, challenge[:]) {
		return nil, protoerr.New(protoerr.InvalidValue, "echoed challenge does not match")
	}
	if len(pub) != ed25519.PublicKeySize {
		return nil, protoerr.New(protoerr.InvalidValue, "no public key to verify against")
	}
	if err := wire.VerifySignedBody(pub, echo, req.Signature); err != nil {
		return nil, protoerr.New(protoerr.InvalidSignature, "challenge signature verification failed")
	}
	return echo, nil
}
