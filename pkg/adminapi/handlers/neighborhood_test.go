package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/profileserver/pkg/identity"
)

func TestNeighborsListsInsertedRows(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertNeighbor(t.Context(), &identity.Neighbor{
		ServerID: "peer1", IPAddress: "10.0.0.1", PrimaryPort: 9001,
	}))
	h := NewNeighborhoodHandler(s)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/neighbors", nil)
	rec := httptest.NewRecorder()
	h.Neighbors(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []identity.Neighbor `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, "peer1", resp.Data[0].ServerID)
}

func TestFollowersListsInsertedRows(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertFollower(t.Context(), &identity.Follower{
		ServerID: "follower1", IPAddress: "10.0.0.2", PrimaryPort: 9001,
	}))
	h := NewNeighborhoodHandler(s)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/followers", nil)
	rec := httptest.NewRecorder()
	h.Followers(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []identity.Follower `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, "follower1", resp.Data[0].ServerID)
}

func TestActionQueueWithoutServerIDReportsDepth(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnqueueRefreshAction(t.Context(), "peer1"))
	h := NewNeighborhoodHandler(s)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/actions", nil)
	rec := httptest.NewRecorder()
	h.ActionQueue(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data map[string]int64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 1, resp.Data["queue_depth"])
}

func TestActionQueueWithServerIDListsOnlyThatServersActions(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnqueueRefreshAction(t.Context(), "peer1"))
	require.NoError(t, s.EnqueueRefreshAction(t.Context(), "peer2"))
	h := NewNeighborhoodHandler(s)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/actions?server_id=peer1", nil)
	rec := httptest.NewRecorder()
	h.ActionQueue(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []actionView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, "peer1", resp.Data[0].ServerID)
}

func TestForceRefreshEnqueuesActionForKnownNeighbor(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertNeighbor(t.Context(), &identity.Neighbor{
		ServerID: "peer1", IPAddress: "10.0.0.1", PrimaryPort: 9001,
	}))
	h := NewNeighborhoodHandler(s)

	r := chi.NewRouter()
	r.Post("/api/v1/neighbors/{serverID}/refresh", h.ForceRefresh)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/neighbors/peer1/refresh", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	count, err := s.CountPendingActions(t.Context())
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestForceRefreshRejectsUnknownNeighbor(t *testing.T) {
	s := newTestStore(t)
	h := NewNeighborhoodHandler(s)

	r := chi.NewRouter()
	r.Post("/api/v1/neighbors/{serverID}/refresh", h.ForceRefresh)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/neighbors/ghost/refresh", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
