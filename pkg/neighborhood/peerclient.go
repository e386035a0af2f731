package neighborhood

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/proto"
)

// ErrPeerIdentityMismatch is returned by handshake/dialAndAuthenticate
// when the remote side's ClientChallengeSignature does not verify
// against the public key expected for that peer. Callers treat this the
// same as any other divergence signal: the relationship is no longer
// trustworthy and must be torn down.
var ErrPeerIdentityMismatch = errors.New("peer did not prove the expected identity")

// peerClient is one outbound TLS connection to a peer server's
// SrNeighbor port. A fresh client is dialed per action execution — no
// connection pooling or caching across workers — mirroring the
// teacher's one-shot callback-connection discipline.
//
// TLS here provides transport confidentiality only; peer authenticity
// is established at the application layer by the Start/VerifyIdentity
// challenge-signature exchange, since the network has no shared
// certificate authority.
type peerClient struct {
	conn   net.Conn
	nextID uint32
}

func dialPeer(ctx context.Context, addr string) (*peerClient, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // app-layer auth, see peerClient doc
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial peer %s: %w", addr, err)
	}
	return &peerClient{conn: conn}, nil
}

func (c *peerClient) Close() error { return c.conn.Close() }

func (c *peerClient) setDeadline(ctx context.Context) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
}

// call sends one conversation request and reads back exactly one
// response, for the strictly-alternating request/response exchanges
// used everywhere except the initialization duplex phase (see
// readRequest/respond below).
func (c *peerClient) call(ctx context.Context, reqType wire.RequestType, body []byte, sig []byte) (*wire.Response, error) {
	c.nextID++
	req := &wire.Request{
		ID:        c.nextID,
		Kind:      wire.KindConversation,
		Type:      reqType,
		Version:   wire.V1,
		Body:      body,
		Signature: sig,
	}

	c.setDeadline(ctx)
	encoded, err := wire.EncodeEnvelope(&wire.Envelope{Request: req})
	if err != nil {
		return nil, fmt.Errorf("encode %v request: %w", reqType, err)
	}
	if err := wire.WriteFrame(c.conn, encoded); err != nil {
		return nil, fmt.Errorf("send %v request: %w", reqType, err)
	}

	c.setDeadline(ctx)
	respFrame, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read %v response: %w", reqType, err)
	}
	env, err := wire.DecodeEnvelope(respFrame)
	if err != nil {
		return nil, fmt.Errorf("decode %v response: %w", reqType, err)
	}
	if env.Response == nil {
		return nil, fmt.Errorf("peer sent a request instead of a %v response", reqType)
	}
	if env.Response.Type != reqType {
		return nil, fmt.Errorf("response type %v does not match request type %v", env.Response.Type, reqType)
	}
	return env.Response, nil
}

// readRequest blocks for one inbound request, used while this side
// plays the passive half of the initialization duplex (§4.F.2): after
// we send StartNeighborhoodInitialization, the peer drives the rest of
// the conversation by sending us NeighborhoodSharedProfileUpdate and
// FinishNeighborhoodInitialization requests on the same connection.
func (c *peerClient) readRequest(ctx context.Context) (*wire.Request, error) {
	c.setDeadline(ctx)
	frame, err := wire.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read inbound request: %w", err)
	}
	env, err := wire.DecodeEnvelope(frame)
	if err != nil {
		return nil, fmt.Errorf("decode inbound request: %w", err)
	}
	if env.Request == nil {
		return nil, fmt.Errorf("peer sent a response where a request was expected")
	}
	return env.Request, nil
}

func (c *peerClient) respond(ctx context.Context, id uint32, reqType wire.RequestType, status wire.StatusCode, body []byte) error {
	resp := &wire.Response{ID: id, Kind: wire.KindConversation, Type: reqType, Status: status, Body: body}
	c.setDeadline(ctx)
	encoded, err := wire.EncodeEnvelope(&wire.Envelope{Response: resp})
	if err != nil {
		return fmt.Errorf("encode response to %v: %w", reqType, err)
	}
	return wire.WriteFrame(c.conn, encoded)
}

// handshake runs Start + VerifyIdentity as the client, proving
// ownership of priv and reaching Verified on the peer's session. When
// expectedPeerPublicKey is non-empty, it also verifies the peer's
// ClientChallengeSignature over our own challenge: the signature the
// peer returns is produced by its private key, so a valid signature
// against expectedPeerPublicKey proves the peer we reached actually
// holds that key (mirroring the inbound ServerID check in
// receive.go's HandleStartNeighborhoodInitialization). A mismatch
// returns ErrPeerIdentityMismatch.
func (c *peerClient) handshake(ctx context.Context, priv ed25519.PrivateKey, pub ed25519.PublicKey, expectedPeerPublicKey ed25519.PublicKey) error {
	var clientChallenge [32]byte
	if _, err := rand.Read(clientChallenge[:]); err != nil {
		return fmt.Errorf("generate client challenge: %w", err)
	}

	startBody, err := (&proto.StartBody{
		ClientPublicKey: pub,
		ClientChallenge: clientChallenge[:],
		Versions:        []wire.SemVer{wire.V1},
	}).Encode()
	if err != nil {
		return fmt.Errorf("encode start body: %w", err)
	}

	resp, err := c.call(ctx, wire.ReqStart, startBody, nil)
	if err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("start conversation rejected: %s", resp.Message)
	}
	startResp, err := proto.DecodeStartResponseBody(resp.Body)
	if err != nil {
		return fmt.Errorf("decode start response: %w", err)
	}

	if len(expectedPeerPublicKey) == ed25519.PublicKeySize {
		if !ed25519.Verify(expectedPeerPublicKey, clientChallenge[:], startResp.ClientChallengeSignature) {
			return ErrPeerIdentityMismatch
		}
	}

	echo := &proto.ChallengeEchoBody{EchoedChallenge: startResp.ServerChallenge}
	echoBody, err := echo.Encode()
	if err != nil {
		return fmt.Errorf("encode verify-identity body: %w", err)
	}
	sig, err := wire.SignBody(priv, echo)
	if err != nil {
		return fmt.Errorf("sign server challenge: %w", err)
	}

	resp, err = c.call(ctx, wire.ReqVerifyIdentity, echoBody, sig)
	if err != nil {
		return fmt.Errorf("verify identity: %w", err)
	}
	if resp.Status != wire.StatusOK {
		return fmt.Errorf("verify identity rejected: %s", resp.Message)
	}
	return nil
}

// dialAndAuthenticate dials addr and runs the handshake, wiring a
// reasonable total deadline for both steps combined. expectedPeerPublicKey
// may be nil/empty when no identity is yet on file for the target (e.g.
// resolveFollowerEndpoint's plain ListRoles probe never reaches this
// function at all); when present, a failed verification closes the
// connection and returns ErrPeerIdentityMismatch.
func dialAndAuthenticate(ctx context.Context, addr string, timeout time.Duration, priv ed25519.PrivateKey, pub ed25519.PublicKey, expectedPeerPublicKey ed25519.PublicKey) (*peerClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := dialPeer(dialCtx, addr)
	if err != nil {
		return nil, err
	}
	if err := c.handshake(dialCtx, priv, pub, expectedPeerPublicKey); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}
