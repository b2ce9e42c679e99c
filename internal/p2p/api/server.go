package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/raft"

	"github.com/hearth-im/hearth/internal/domain/room"
	"github.com/hearth-im/hearth/internal/p2p/protocol"
	"github.com/hearth-im/hearth/internal/p2p/state"
)

// Node is the replicated runtime the server fronts.
type Node interface {
	ID() string
	RaftAddr() string
	State() string
	IsLeader() bool
	LeaderAddr() string
	LeaderNodeID() string
	Stats() map[string]string
	Machine() *state.Machine
	ApplyTx(ctx context.Context, tx protocol.Tx) (state.Result, error)
	AddVoter(ctx context.Context, nodeID, raftAddr string) error
	RemoveServer(ctx context.Context, nodeID string) error
}

// Server provides HTTP endpoints for P2P runtime.
type Server struct {
	node Node
}

func NewServer(node Node) *Server {
	return &Server{node: node}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Route("/v1/p2p", func(r chi.Router) {
		r.Post("/tx", s.submitTx)
		r.Get("/tx/{txId}", s.getTxResult)
		r.Get("/stats", s.stateStats)
		r.Get("/raft", s.raftStatus)
		r.Post("/raft/join", s.raftJoin)
		r.Post("/raft/remove", s.raftRemove)

		r.Get("/rooms/{roomId}/state", s.roomState)
		r.Get("/rooms/{roomId}/members", s.roomMembers)
		r.Get("/events/{eventId}", s.getEvent)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"nodeId":   s.node.ID(),
		"state":    s.node.State(),
		"leader":   s.node.LeaderAddr(),
		"leaderId": s.node.LeaderNodeID(),
	})
}

func (s *Server) notLeader(w http.ResponseWriter, message string) {
	respondError(w, http.StatusConflict, "NOT_LEADER", message, map[string]any{
		"leader":    s.node.LeaderAddr(),
		"leader_id": s.node.LeaderNodeID(),
	})
}

func (s *Server) submitTx(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.notLeader(w, "submit to leader")
		return
	}
	var tx protocol.Tx
	if err := decodeBody(r, &tx); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	res, err := s.node.ApplyTx(r.Context(), tx)
	if err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "TX_REJECTED", err.Error(), nil)
		return
	}
	respondJSON(w, resultStatus(res), res)
}

// resultStatus maps a committed verdict onto HTTP. A rejected event is still
// committed; the status tells the submitter why it did not enter the room.
func resultStatus(res state.Result) int {
	if res.Accepted {
		return http.StatusOK
	}
	switch res.Errcode {
	case room.CodeForbidden:
		return http.StatusForbidden
	case room.CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case room.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) getTxResult(w http.ResponseWriter, r *http.Request) {
	res, ok := s.node.Machine().Result(chi.URLParam(r, "txId"))
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "tx not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) roomState(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(chi.URLParam(r, "roomId"))
	entry, err := s.node.Machine().RoomState(r.Context(), roomID)
	if err != nil {
		respondLookupError(w, err, "room not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"room_id":     roomID,
		"state":       entry.State,
		"state_group": entry.StateGroup,
	})
}

func (s *Server) roomMembers(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(chi.URLParam(r, "roomId"))
	users, hosts, err := s.node.Machine().Members(r.Context(), roomID)
	if err != nil {
		respondLookupError(w, err, "room not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"room_id":      roomID,
		"joined_users": users,
		"joined_hosts": hosts,
	})
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.node.Machine().GetEvent(r.Context(), chi.URLParam(r, "eventId"))
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "event not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, ev)
}

func (s *Server) stateStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.node.Machine().StateStats())
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.node.ID(),
		"raft_addr":  s.node.RaftAddr(),
		"state":      s.node.State(),
		"leader":     s.node.LeaderAddr(),
		"leader_id":  s.node.LeaderNodeID(),
		"is_leader":  s.node.IsLeader(),
		"raft_stats": s.node.Stats(),
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.notLeader(w, "submit to leader")
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.notLeader(w, "submit to leader")
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.RemoveServer(r.Context(), req.NodeID); err != nil {
		if isLeadershipErr(err) {
			s.notLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondLookupError(w http.ResponseWriter, err error, notFound string) {
	if errors.Is(err, room.ErrNotFound) {
		respondError(w, http.StatusNotFound, "NOT_FOUND", notFound, nil)
		return
	}
	respondError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

func isLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
