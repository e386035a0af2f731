// Package relay implements the call-relay state machine: a caller asks
// the server to ring a hosted callee over one of the callee's
// registered application services, and the server relays opaque bytes
// between the two for the lifetime of the call. The engine owns every
// live Relay in a process-wide registry keyed three ways (relay id,
// caller token, callee token) so any of the three GUIDs reaches the
// same object, mirroring the teacher's sync.Map-backed connection
// registry in the NFS adapter.
package relay

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/pkg/session"
)

// State is one stage of a Relay's life, per spec.md §4.D.
type State int

const (
	WaitingForCalleeResponse State = iota
	WaitingForFirstAppServiceConnection
	WaitingForSecondAppServiceConnection
	Open
	Destroyed
)

func (s State) String() string {
	switch s {
	case WaitingForCalleeResponse:
		return "waiting_for_callee_response"
	case WaitingForFirstAppServiceConnection:
		return "waiting_for_first_app_service_connection"
	case WaitingForSecondAppServiceConnection:
		return "waiting_for_second_app_service_connection"
	case Open:
		return "open"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Token is a 16-byte GUID used for the relay id and both endpoint
// tokens.
type Token [16]byte

func newToken() Token {
	var t Token
	copy(t[:], uuid.New()[:])
	return t
}

func (t Token) String() string { return uuid.UUID(t).String() }

// Bytes returns the token's 16 raw bytes, for embedding on the wire.
func (t Token) Bytes() []byte { return t[:] }

// TokenFromBytes validates and constructs a Token from a 16-byte slice,
// used by the dispatcher to parse a relay token off the wire.
func TokenFromBytes(b []byte) (Token, bool) {
	var t Token
	if len(b) != 16 {
		return t, false
	}
	copy(t[:], b)
	return t, true
}

// endpoint is one side of a call: the session that is currently bound
// to it, plus the app-service session once WaitingForFirstAppServiceConnection
// or later has bound it. The caller/callee signaling session and the
// app-service byte-stream session are frequently different connections.
type endpoint struct {
	token Token

	signalingSession *session.Session // the Cl* connection that placed/received the call
	appServiceSession *session.Session // the ClAppService connection bound for forwarding

	// pendingAck is non-nil while a forwarded message awaits this
	// endpoint's acknowledgement before the next send may go out,
	// implementing the ack-gated per-direction ordering of §5.
	pendingAck chan struct{}
}

// Relay is one in-memory, two-party call object.
type Relay struct {
	mu sync.Mutex

	ID          Token
	ServiceName string

	state State

	caller endpoint
	callee endpoint

	createdAt time.Time
}

func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// CallerToken and CalleeToken expose the two endpoint GUIDs, handed to
// the caller/callee respectively so future AppServiceSendMessage
// requests can identify which endpoint they are.
func (r *Relay) CallerToken() Token { return r.caller.token }
func (r *Relay) CalleeToken() Token { return r.callee.token }

// CalleeSession returns the signaling session currently bound as the
// callee, used to deliver IncomingCallNotification.
func (r *Relay) CalleeSession() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.callee.signalingSession
}

// CallerSession returns the signaling session currently bound as the
// caller, used to deliver the suspended CallIdentityApplicationService
// response once the callee accepts or rejects.
func (r *Relay) CallerSession() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caller.signalingSession
}

// bindAppService attaches sess as the app-service endpoint identified by
// token, transitioning WaitingForFirstAppServiceConnection ->
// WaitingForSecondAppServiceConnection -> Open as both sides arrive.
// Returns the resulting state and whether token was recognized at all.
func (r *Relay) bindAppService(token Token, sess *session.Session) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ep *endpoint
	switch token {
	case r.caller.token:
		ep = &r.caller
	case r.callee.token:
		ep = &r.callee
	default:
		return r.state, false
	}

	switch r.state {
	case WaitingForFirstAppServiceConnection:
		ep.appServiceSession = sess
		r.state = WaitingForSecondAppServiceConnection
	case WaitingForSecondAppServiceConnection:
		if ep.appServiceSession != nil {
			// same endpoint reconnecting before the other bound; replace.
			ep.appServiceSession = sess
			return r.state, true
		}
		ep.appServiceSession = sess
		r.state = Open
	case Open:
		ep.appServiceSession = sess
	default:
		return r.state, false
	}

	return r.state, true
}

// endpointsFor returns the endpoint owning token and the endpoint
// opposite it.
func (r *Relay) endpointsFor(token Token) (own, other *endpoint, ok bool) {
	switch token {
	case r.caller.token:
		return &r.caller, &r.callee, true
	case r.callee.token:
		return &r.callee, &r.caller, true
	default:
		return nil, nil, false
	}
}

// Engine owns every live Relay in a process, keyed three ways.
type Engine struct {
	mu       sync.Mutex
	byID     map[Token]*Relay
	byCaller map[Token]*Relay
	byCallee map[Token]*Relay

	calleeResponseTimeout time.Duration
	appServiceBindTimeout time.Duration
}

// New builds an Engine with the given per-stage timeouts (spec.md §5:
// "incoming-call callee notification: 30 s", "AppService binding: 60 s").
func New(calleeResponseTimeout, appServiceBindTimeout time.Duration) *Engine {
	return &Engine{
		byID:     make(map[Token]*Relay),
		byCaller: make(map[Token]*Relay),
		byCallee: make(map[Token]*Relay),
		calleeResponseTimeout: calleeResponseTimeout,
		appServiceBindTimeout: appServiceBindTimeout,
	}
}

// Create allocates a fresh Relay in WaitingForCalleeResponse and
// registers it under all three keys. The caller is responsible for
// sending IncomingCallNotification to the callee and for arranging a
// timeout that calls Destroy if no response arrives.
func (e *Engine) Create(serviceName string, callerSession, calleeSession *session.Session) *Relay {
	r := &Relay{
		ID:          newToken(),
		ServiceName: serviceName,
		state:       WaitingForCalleeResponse,
		caller:      endpoint{token: newToken(), signalingSession: callerSession},
		callee:      endpoint{token: newToken(), signalingSession: calleeSession},
		createdAt:   time.Now(),
	}

	e.mu.Lock()
	e.byID[r.ID] = r
	e.byCaller[r.caller.token] = r
	e.byCallee[r.callee.token] = r
	e.mu.Unlock()

	return r
}

// Lookup finds a Relay by any of its three tokens.
func (e *Engine) Lookup(token Token) (*Relay, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.byID[token]; ok {
		return r, true
	}
	if r, ok := e.byCaller[token]; ok {
		return r, true
	}
	if r, ok := e.byCallee[token]; ok {
		return r, true
	}
	return nil, false
}

// AcceptCallee transitions WaitingForCalleeResponse ->
// WaitingForFirstAppServiceConnection once the callee has agreed to take
// the call. Returns false if the relay was not in the expected state
// (already timed out, rejected, or destroyed by a race).
func (e *Engine) AcceptCallee(r *Relay) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != WaitingForCalleeResponse {
		return false
	}
	r.state = WaitingForFirstAppServiceConnection
	return true
}

// BindAppService attaches sess as the app-service endpoint for token,
// advancing the state machine. ok is false if token is unrecognized.
func (e *Engine) BindAppService(token Token, sess *session.Session) (state State, ok bool) {
	r, found := e.Lookup(token)
	if !found {
		return 0, false
	}
	return r.bindAppService(token, sess)
}

// Forward delivers payload from the endpoint owning fromToken to the
// opposite endpoint's bound app-service session, as an
// AppServiceReceiveMessageNotification. It blocks until the recipient's
// prior pending message (if any) has been acknowledged, preserving
// per-direction order (§5). send is supplied by the dispatcher, which
// knows how to shape the notification envelope and register it in the
// recipient's pending-response table.
func (e *Engine) Forward(token Token, send func(recipient *session.Session) error) error {
	r, ok := e.Lookup(token)
	if !ok {
		return fmt.Errorf("relay: unknown token")
	}

	r.mu.Lock()
	if r.state != Open {
		r.mu.Unlock()
		return fmt.Errorf("relay: not open")
	}
	_, other, ok := r.endpointsFor(token)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("relay: unknown token")
	}
	recipient := other.appServiceSession
	wait := other.pendingAck
	done := make(chan struct{})
	other.pendingAck = done
	r.mu.Unlock()

	if wait != nil {
		<-wait
	}

	err := send(recipient)
	close(done)
	return err
}

// Destroy is idempotent: only the first caller actually removes the
// three map entries and transitions to Destroyed (testable property 7).
func (e *Engine) Destroy(token Token) {
	r, ok := e.Lookup(token)
	if !ok {
		return
	}

	r.mu.Lock()
	if r.state == Destroyed {
		r.mu.Unlock()
		return
	}
	r.state = Destroyed
	callerToken, calleeToken, id := r.caller.token, r.callee.token, r.ID
	r.mu.Unlock()

	e.mu.Lock()
	delete(e.byID, id)
	delete(e.byCaller, callerToken)
	delete(e.byCallee, calleeToken)
	e.mu.Unlock()

	logger.Debug("relay: destroyed", "relay_id", id.String())
}

// CalleeResponseTimeout and AppServiceBindTimeout expose the configured
// per-stage durations to callers that schedule the timeout goroutines.
func (e *Engine) CalleeResponseTimeout() time.Duration { return e.calleeResponseTimeout }
func (e *Engine) AppServiceBindTimeout() time.Duration { return e.appServiceBindTimeout }

// DestroyForSession tears down any Relay in which sess participates as
// a signaling or app-service endpoint, used on disconnect.
func (e *Engine) DestroyForSession(sess *session.Session) {
	e.mu.Lock()
	var hit *Relay
	for _, r := range e.byID {
		r.mu.Lock()
		if r.caller.signalingSession == sess || r.caller.appServiceSession == sess ||
			r.callee.signalingSession == sess || r.callee.appServiceSession == sess {
			hit = r
		}
		r.mu.Unlock()
		if hit != nil {
			break
		}
	}
	e.mu.Unlock()

	if hit != nil {
		e.Destroy(hit.ID)
	}
}

// CountByState returns the number of live relays in each State, for
// pkg/metrics' periodic gauge snapshot.
func (e *Engine) CountByState() map[State]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := make(map[State]int, 5)
	for _, r := range e.byID {
		counts[r.State()]++
	}
	return counts
}
