package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/pkg/session"
)

func pipeSession() *session.Session {
	_, server := net.Pipe()
	return session.New(server, session.RoleClCustomer)
}

func TestCreateRegistersAllThreeKeys(t *testing.T) {
	e := New(30*time.Second, 60*time.Second)
	r := e.Create("chat", pipeSession(), pipeSession())

	for _, tok := range []Token{r.ID, r.CallerToken(), r.CalleeToken()} {
		found, ok := e.Lookup(tok)
		require.True(t, ok)
		require.Same(t, r, found)
	}
}

func TestRelayTokensArePairwiseDistinct(t *testing.T) {
	e := New(time.Second, time.Second)
	r := e.Create("chat", pipeSession(), pipeSession())
	require.NotEqual(t, r.ID, r.CallerToken())
	require.NotEqual(t, r.ID, r.CalleeToken())
	require.NotEqual(t, r.CallerToken(), r.CalleeToken())
}

func TestAcceptCalleeAdvancesState(t *testing.T) {
	e := New(time.Second, time.Second)
	r := e.Create("chat", pipeSession(), pipeSession())
	require.True(t, e.AcceptCallee(r))
	require.Equal(t, WaitingForFirstAppServiceConnection, r.State())
	require.False(t, e.AcceptCallee(r), "second accept on the same relay must fail")
}

func TestBindAppServiceReachesOpen(t *testing.T) {
	e := New(time.Second, time.Second)
	r := e.Create("chat", pipeSession(), pipeSession())
	require.True(t, e.AcceptCallee(r))

	state, ok := e.BindAppService(r.CallerToken(), pipeSession())
	require.True(t, ok)
	require.Equal(t, WaitingForSecondAppServiceConnection, state)

	state, ok = e.BindAppService(r.CalleeToken(), pipeSession())
	require.True(t, ok)
	require.Equal(t, Open, state)
}

func TestDestroyIsIdempotent(t *testing.T) {
	e := New(time.Second, time.Second)
	r := e.Create("chat", pipeSession(), pipeSession())

	e.Destroy(r.ID)
	_, ok := e.Lookup(r.ID)
	require.False(t, ok)

	e.Destroy(r.ID) // second call must be a no-op, not a panic
	require.Equal(t, Destroyed, r.State())
}

func TestBindAppServiceUnknownTokenFails(t *testing.T) {
	e := New(time.Second, time.Second)
	_, ok := e.BindAppService(Token{}, pipeSession())
	require.False(t, ok)
}
