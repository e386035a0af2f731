package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/profileserver/pkg/identity"
	"github.com/marmos91/profileserver/pkg/store"
)

// NeighborhoodHandler serves the operator views over neighbors,
// followers, and the NeighborhoodAction queue.
type NeighborhoodHandler struct {
	store *store.Store
}

func NewNeighborhoodHandler(store *store.Store) *NeighborhoodHandler {
	return &NeighborhoodHandler{store: store}
}

// Neighbors handles GET /api/v1/neighbors.
func (h *NeighborhoodHandler) Neighbors(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListNeighbors(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(rows))
}

// Followers handles GET /api/v1/followers.
func (h *NeighborhoodHandler) Followers(w http.ResponseWriter, r *http.Request) {
	rows, err := h.store.ListFollowers(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(rows))
}

// actionView renders a NeighborhoodAction for JSON, since identity.ID's
// [32]byte underlying type has no custom MarshalJSON.
type actionView struct {
	ID               uint64  `json:"id"`
	ServerID         string  `json:"server_id"`
	Type             string  `json:"type"`
	TargetIdentityID *string `json:"target_identity_id,omitempty"`
	Timestamp        string  `json:"timestamp"`
}

func renderAction(a identity.NeighborhoodAction) actionView {
	v := actionView{
		ID:        a.ID,
		ServerID:  a.ServerID,
		Type:      a.Type.String(),
		Timestamp: a.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
	}
	if a.TargetIdentityID != nil {
		s := a.TargetIdentityID.String()
		v.TargetIdentityID = &s
	}
	return v
}

// ActionQueue handles GET /api/v1/actions?server_id=... listing pending
// NeighborhoodAction rows for one server, or the total queue depth when
// server_id is omitted.
func (h *NeighborhoodHandler) ActionQueue(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("server_id")
	if serverID == "" {
		count, err := h.store.CountPendingActions(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, okResponse(map[string]int64{"queue_depth": count}))
		return
	}

	rows, err := h.store.ListPendingActionsForServer(r.Context(), serverID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	views := make([]actionView, 0, len(rows))
	for _, a := range rows {
		views = append(views, renderAction(a))
	}
	writeJSON(w, http.StatusOK, okResponse(views))
}

// ForceRefresh handles POST /api/v1/neighbors/{serverID}/refresh, enqueuing
// an immediate ActionRefreshNeighborStatus for the neighborhood engine's
// next scan.
func (h *NeighborhoodHandler) ForceRefresh(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")

	if _, err := h.store.GetNeighbor(r.Context(), serverID); err != nil {
		if err == store.ErrNeighborNotFound {
			writeJSON(w, http.StatusNotFound, errorResponse("no neighbor with that server id"))
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	if err := h.store.EnqueueRefreshAction(r.Context(), serverID); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusAccepted, okResponse(map[string]string{"enqueued": "refresh_neighbor_status"}))
}
