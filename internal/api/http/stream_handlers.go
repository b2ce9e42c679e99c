package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hearth-im/hearth/internal/application/roomstate"
	"github.com/hearth-im/hearth/internal/domain/room"
	"github.com/hearth-im/hearth/internal/infrastructure/sse"
)

const streamEventIngested = "room.event"

type ingestedFrame struct {
	EventID       string  `json:"event_id"`
	Type          string  `json:"type"`
	StateKey      *string `json:"state_key,omitempty"`
	StateGroup    int64   `json:"state_group"`
	ReplacesState string  `json:"replaces_state,omitempty"`
}

func (s *Server) publish(event *room.Event, out *roomstate.EventContext) {
	msg, err := sse.NewMessage(streamEventIngested, ingestedFrame{
		EventID:       event.EventID,
		Type:          event.Type,
		StateKey:      event.StateKey,
		StateGroup:    out.StateGroup,
		ReplacesState: out.ReplacesState,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("eventId", event.EventID).Msg("failed to encode stream frame")
		return
	}
	s.hub.BroadcastToRoom(event.RoomID, msg)
}

// streamRoom sends a frame for every event ingested into the room until the
// client disconnects.
func (s *Server) streamRoom(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(chi.URLParam(r, "roomId"))
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, room.CodeUnknown, "streaming not supported")
		return
	}
	client := sse.NewClient(roomID)
	s.hub.Register(client)
	defer s.hub.Unregister(client.ClientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("event: " + msg.Event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
