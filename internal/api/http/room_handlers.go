package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hearth-im/hearth/internal/application/roomstate"
	"github.com/hearth-im/hearth/internal/domain/room"
)

type stateAtRequest struct {
	ParentEventIDs []string `json:"parent_event_ids"`
}

type stateResponse struct {
	State      room.StateSnapshot `json:"state"`
	StateGroup int64              `json:"state_group,omitempty"`
	StateID    string             `json:"state_id"`
	PrevGroup  int64              `json:"prev_group,omitempty"`
	Delta      room.StateSnapshot `json:"delta,omitempty"`
}

func newStateResponse(entry *roomstate.StateEntry) stateResponse {
	return stateResponse{
		State:      entry.State,
		StateGroup: entry.StateGroup,
		StateID:    entry.StateID,
		PrevGroup:  entry.PrevGroup,
		Delta:      entry.Delta,
	}
}

func (s *Server) stateAt(w http.ResponseWriter, r *http.Request) {
	var req stateAtRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, room.CodeBadJSON, err.Error())
		return
	}
	entry, err := s.stateSvc.ComputeStateAtParents(r.Context(), chi.URLParam(r, "roomId"), req.ParentEventIDs)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newStateResponse(entry))
}

func (s *Server) currentState(w http.ResponseWriter, r *http.Request) {
	entry, err := s.stateSvc.CurrentState(r.Context(), chi.URLParam(r, "roomId"))
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newStateResponse(entry))
}

func (s *Server) members(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	users, err := s.stateSvc.JoinedUsers(r.Context(), roomID)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	hosts, err := s.stateSvc.JoinedHosts(r.Context(), roomID)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"joined_users": users,
		"joined_hosts": hosts,
	})
}

type eventRequest struct {
	Event *room.Event `json:"event"`
	// AuthEventIDs names the auth state explicitly. When absent the state
	// at the event's parents is used.
	AuthEventIDs *[]string `json:"auth_event_ids,omitempty"`
}

func (s *Server) decodeEventRequest(w http.ResponseWriter, r *http.Request) (*eventRequest, bool) {
	// Events may carry fields this server does not model.
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, room.CodeBadJSON, err.Error())
		return nil, false
	}
	if req.Event == nil {
		respondError(w, http.StatusBadRequest, room.CodeBadJSON, "event is required")
		return nil, false
	}
	if err := req.Event.Validate(); err != nil {
		s.respondDomainError(w, r, err)
		return nil, false
	}
	return &req, true
}

// authStateFor loads the auth state a request names, or the auth-relevant
// state at the event's parents.
func (s *Server) authStateFor(ctx context.Context, req *eventRequest) (room.StateEvents, error) {
	if req.AuthEventIDs != nil {
		return s.stateSvc.LoadStateEvents(ctx, *req.AuthEventIDs)
	}
	entry, err := s.stateSvc.ComputeStateAtParents(ctx, req.Event.RoomID, req.Event.PrevEvents)
	if err != nil {
		return nil, err
	}
	return s.stateSvc.AuthStateFor(ctx, req.Event, entry.State)
}

func (s *Server) authEvents(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEventRequest(w, r)
	if !ok {
		return
	}
	entry, err := s.stateSvc.ComputeStateAtParents(r.Context(), req.Event.RoomID, req.Event.PrevEvents)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	current, err := s.stateSvc.AuthStateFor(r.Context(), req.Event, entry.State)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"auth_event_ids": s.stateSvc.ComputeAuthEvents(req.Event, current),
	})
}

func (s *Server) authorizeEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEventRequest(w, r)
	if !ok {
		return
	}
	authState, err := s.authStateFor(r.Context(), req)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	if err := s.stateSvc.Authorize(req.Event, authState); err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"allowed": true})
}

func (s *Server) redactionPermission(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEventRequest(w, r)
	if !ok {
		return
	}
	authState, err := s.authStateFor(r.Context(), req)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	perm, err := s.stateSvc.CheckRedactionPermission(req.Event, authState)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"permission": perm})
}

func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeEventRequest(w, r)
	if !ok {
		return
	}
	out, err := s.stateSvc.Ingest(r.Context(), req.Event)
	if err != nil {
		s.respondDomainError(w, r, err)
		return
	}
	resp := map[string]any{
		"event_id":    req.Event.EventID,
		"state_group": out.StateGroup,
	}
	if out.ReplacesState != "" {
		resp["replaces_state"] = out.ReplacesState
	}
	s.publish(req.Event, out)
	respondJSON(w, http.StatusOK, resp)
}
