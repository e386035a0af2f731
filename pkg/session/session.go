// Package session holds per-connection mutable state for one role-port
// client: the conversation status machine, pending-response correlation
// table, cached search results, and the write-side serialization that
// keeps concurrent sends from interleaving half a frame onto the wire.
package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/internal/wire"
	"github.com/marmos91/profileserver/pkg/identity"
)

// Status is the conversation status machine from the protocol: every
// transition is one of NoConversation -> ConversationStarted ->
// {Verified, Authenticated}. Status never regresses.
type Status int

const (
	NoConversation Status = iota
	ConversationStarted
	Verified
	Authenticated
)

func (s Status) String() string {
	switch s {
	case NoConversation:
		return "no_conversation"
	case ConversationStarted:
		return "conversation_started"
	case Verified:
		return "verified"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Role is the bitmask of role ports a connection may have been accepted
// on; a connection is bound to exactly one role for its lifetime.
type Role uint32

const (
	RolePrimary Role = 1 << iota
	RoleClCustomer
	RoleClNonCustomer
	RoleClAppService
	RoleSrNeighbor
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleClCustomer:
		return "cl_customer"
	case RoleClNonCustomer:
		return "cl_non_customer"
	case RoleClAppService:
		return "cl_app_service"
	case RoleSrNeighbor:
		return "sr_neighbor"
	default:
		return "unknown"
	}
}

// PendingResponse is the context stored against an outbound request id
// awaiting a matching response: a relay pointer, an initialization
// handshake's progress, or a relayed-message wait, resolved via a
// one-shot channel the handler blocks on.
type PendingResponse struct {
	RequestType wire.RequestType
	Done        chan *wire.Response
	Context     any
}

// SearchCache holds every accepted record of a completed ProfileSearch
// whose results did not fit in one response, for pagination by
// ProfileSearchPart. It is invalidated whenever a new
// search overwrites it or the session ends.
type SearchCache struct {
	Records            [][]byte
	IncludesThumbnails bool
	CoveredServerIDs    []string
}

// Session is one accepted connection's state. All exported methods are
// safe for concurrent use; SendMessage and the pending-response table
// are the two surfaces exercised from multiple goroutines (the read
// loop and neighborhood/relay workers resuming a suspended handler).
type Session struct {
	conn net.Conn
	role Role

	writeMu sync.Mutex // serializes frame writes on the stream

	mu              sync.Mutex
	status          Status
	clientPublicKey ed25519.PublicKey
	identityID      identity.ID
	serverChallenge [32]byte
	negotiated      wire.SemVer

	appServices map[string]struct{}

	searchCache *SearchCache

	relayEndpointToken [16]byte // bound token when acting as a relay endpoint
	relayBound         bool
	initInProgress     bool

	pending map[uint32]*PendingResponse
	nextID  uint32

	deadline   time.Time
	forceClose bool
}

// New wraps an accepted connection for the given role.
func New(conn net.Conn, role Role) *Session {
	return &Session{
		conn:        conn,
		role:        role,
		status:      NoConversation,
		appServices: make(map[string]struct{}),
		pending:     make(map[uint32]*PendingResponse),
	}
}

func (s *Session) Role() Role           { return s.role }
func (s *Session) RemoteAddr() string   { return s.conn.RemoteAddr().String() }
func (s *Session) Conn() net.Conn       { return s.conn }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SatisfiesStatus implements the dispatcher's status-gating rule:
// Authenticated satisfies a Verified requirement, and ConversationAny
// is satisfied by anything past NoConversation.
func (s *Session) SatisfiesStatus(required Status, conversationAny bool) bool {
	cur := s.Status()
	if conversationAny {
		return cur != NoConversation
	}
	if required == Verified {
		return cur == Verified || cur == Authenticated
	}
	return cur == required
}

// advance sets a new status. Callers are responsible for only calling
// this along a legal arrow of the conversation status machine.
func (s *Session) advance(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// StartConversation begins a conversation: stores the client's public
// key, derives the identity id, generates a fresh server challenge, and
// advances to ConversationStarted. Returns the server challenge.
func (s *Session) StartConversation(pubKey ed25519.PublicKey, version wire.SemVer) ([32]byte, error) {
	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return challenge, fmt.Errorf("generate server challenge: %w", err)
	}

	s.mu.Lock()
	s.clientPublicKey = pubKey
	s.identityID = identity.DeriveID(pubKey)
	s.serverChallenge = challenge
	s.negotiated = version
	s.status = ConversationStarted
	s.mu.Unlock()

	return challenge, nil
}

func (s *Session) ClientPublicKey() ed25519.PublicKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientPublicKey
}

func (s *Session) IdentityID() identity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identityID
}

func (s *Session) ServerChallenge() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverChallenge
}

// MarkVerified advances ConversationStarted -> Verified.
func (s *Session) MarkVerified() { s.advance(Verified) }

// MarkAuthenticated advances ConversationStarted -> Authenticated.
func (s *Session) MarkAuthenticated() { s.advance(Authenticated) }

func (s *Session) AddAppService(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appServices[name] = struct{}{}
}

func (s *Session) RemoveAppService(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.appServices, name)
}

func (s *Session) HasAppService(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.appServices[name]
	return ok
}

func (s *Session) SetSearchCache(cache *SearchCache) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchCache = cache
}

func (s *Session) SearchCache() *SearchCache {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchCache
}

// BindRelayEndpoint records which relay endpoint token this ClAppService
// connection has bound, on its first AppServiceSendMessage.
func (s *Session) BindRelayEndpoint(token [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayEndpointToken = token
	s.relayBound = true
}

// BoundRelayEndpoint returns the token bound by BindRelayEndpoint, and
// whether one has been bound at all.
func (s *Session) BoundRelayEndpoint() ([16]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relayEndpointToken, s.relayBound
}

func (s *Session) SetInitializationInProgress(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initInProgress = v
}

func (s *Session) InitializationInProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initInProgress
}

// RegisterUnfinishedRequest allocates a fresh request id, stores pending
// against it, and returns the id to embed in the outbound request.
func (s *Session) RegisterUnfinishedRequest(reqType wire.RequestType, ctxValue any) (uint32, *PendingResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	pending := &PendingResponse{
		RequestType: reqType,
		Done:        make(chan *wire.Response, 1),
		Context:     ctxValue,
	}
	s.pending[id] = pending
	return id, pending
}

// GetAndRemoveUnfinishedRequest looks up and removes the pending entry
// for id, used when a response for it arrives.
func (s *Session) GetAndRemoveUnfinishedRequest(id uint32) (*PendingResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return p, ok
}

// CancelAllPending fails every outstanding pending response, used on
// disconnect so suspended handlers don't hang forever.
func (s *Session) CancelAllPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[uint32]*PendingResponse)
	s.mu.Unlock()

	for _, p := range pending {
		close(p.Done)
	}
}

// RequestForceClose marks the connection for immediate teardown, used
// after a protocol-violation response is sent or a relay token is
// unrecognized.
func (s *Session) RequestForceClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceClose = true
}

func (s *Session) ForceCloseRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceClose
}

// RefreshDeadline bumps the keep-alive deadline; called on every
// received message.
func (s *Session) RefreshDeadline(keepAlive time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = time.Now().Add(keepAlive)
}

func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.deadline.IsZero() && now.After(s.deadline)
}

// SendMessage serializes env and writes it as one length-prefixed frame,
// holding the write lock for the duration so concurrent senders (the
// read loop replying, and workers delivering unsolicited notifications)
// never interleave a partial frame.
func (s *Session) SendMessage(ctx context.Context, env *wire.Envelope) error {
	body, err := wire.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	if err := wire.WriteFrame(s.conn, body); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close tears down the connection and fails any outstanding pending
// responses.
func (s *Session) Close() {
	s.CancelAllPending()
	if err := s.conn.Close(); err != nil {
		logger.Debug("session: error closing connection", "address", s.RemoteAddr(), "error", err)
	}
}
