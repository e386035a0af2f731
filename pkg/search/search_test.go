package search

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/proto"
	"github.com/marmos91/profileserver/pkg/session"
	"github.com/marmos91/profileserver/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testConfig() config.SearchConfig {
	return config.SearchConfig{
		MaxTotalWithThumbnails:    100,
		MaxResponseWithThumbnails: 10,
		MaxTotalNoThumbnails:      1000,
		MaxResponseNoThumbnails:   100,
		WallClockBudget:           15 * time.Second,
		RegexPerProfileBudget:     25 * time.Millisecond,
		RegexCumulativeBudget:     time.Second,
	}
}

func seedIdentity(t *testing.T, s *store.Store, idByte byte, name, typ string) {
	t.Helper()
	var id identity.ID
	id[0] = idByte
	err := s.InsertHostedIdentity(context.Background(), &identity.HostedIdentity{
		ID:          id,
		PublicKey:   []byte{idByte},
		Name:        name,
		Type:        typ,
		Initialized: true,
	})
	require.NoError(t, err)
}

func pipeSession() *session.Session {
	_, server := net.Pipe()
	return session.New(server, session.RoleClCustomer)
}

func TestSearchMatchesTypeWildcard(t *testing.T) {
	s := newTestStore(t)
	seedIdentity(t, s, 1, "Alice", "person")
	seedIdentity(t, s, 2, "Bob", "bot")

	e := New(s, testConfig(), "srv1", nil)
	resp, protoErr := e.Search(context.Background(), pipeSession(), &proto.ProfileSearchBody{
		TypePattern:        "per*",
		IncludeHostedOnly:  true,
		MaxTotalRecords:    20,
		MaxResponseRecords: 10,
	})
	require.Nil(t, protoErr)
	require.Len(t, resp.Records, 1)
	require.Equal(t, "Alice", resp.Records[0].Name)
	require.Equal(t, []string{"srv1"}, resp.CoveredServerIDs)
}

func TestSearchOverflowIsCachedAndPaginated(t *testing.T) {
	s := newTestStore(t)
	for i := byte(1); i <= 5; i++ {
		seedIdentity(t, s, i, "p", "person")
	}

	cfg := testConfig()
	cfg.MaxResponseNoThumbnails = 2
	e := New(s, cfg, "srv1", nil)
	sess := pipeSession()

	resp, protoErr := e.Search(context.Background(), sess, &proto.ProfileSearchBody{
		IncludeHostedOnly: true,
	})
	require.Nil(t, protoErr)
	require.Len(t, resp.Records, 2)
	require.EqualValues(t, 5, resp.TotalRecordCount)

	part, protoErr := e.Part(context.Background(), sess, &proto.ProfileSearchPartBody{RecordIndex: 2, RecordCount: 2})
	require.Nil(t, protoErr)
	require.Len(t, part.Records, 2)

	_, protoErr = e.Part(context.Background(), sess, &proto.ProfileSearchPartBody{RecordIndex: 0, RecordCount: 3})
	require.NotNil(t, protoErr, "record count above the cached flavor's response limit must fail")
}

func TestPartWithoutPriorSearchFails(t *testing.T) {
	s := newTestStore(t)
	e := New(s, testConfig(), "srv1", nil)
	_, protoErr := e.Part(context.Background(), pipeSession(), &proto.ProfileSearchPartBody{RecordCount: 1})
	require.NotNil(t, protoErr)
}
