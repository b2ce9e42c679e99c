// Package memstore keeps a room graph and its state groups in memory.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hearth-im/hearth/internal/domain/room"
)

type stateGroup struct {
	RoomID    string             `json:"roomId"`
	EventID   string             `json:"eventId"`
	PrevGroup int64              `json:"prevGroup,omitempty"`
	Delta     room.StateSnapshot `json:"delta"`
}

type snapshot struct {
	Events       map[string]*room.Event `json:"events"`
	EventGroups  map[string]int64       `json:"eventGroups"`
	RoomVersions map[string]string      `json:"roomVersions"`
	Extremities  map[string][]string    `json:"extremities"`
	Groups       map[int64]stateGroup   `json:"groups"`
	NextGroup    int64                  `json:"nextGroup"`
}

// Store implements room.Repository. Groups are kept as deltas over their
// previous group, as the durable store does.
type Store struct {
	mu sync.RWMutex
	s  snapshot
}

var _ room.Repository = (*Store)(nil)

func New() *Store {
	return &Store{s: emptySnapshot()}
}

func emptySnapshot() snapshot {
	return snapshot{
		Events:       map[string]*room.Event{},
		EventGroups:  map[string]int64{},
		RoomVersions: map[string]string{},
		Extremities:  map[string][]string{},
		Groups:       map[int64]stateGroup{},
		NextGroup:    1,
	}
}

// Marshal serializes the store.
func (s *Store) Marshal() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return json.Marshal(s.s)
}

// Unmarshal replaces the store's content with a Marshal payload.
func (s *Store) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	normalize(&snap)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s = snap
	return nil
}

func normalize(snap *snapshot) {
	if snap.Events == nil {
		snap.Events = map[string]*room.Event{}
	}
	if snap.EventGroups == nil {
		snap.EventGroups = map[string]int64{}
	}
	if snap.RoomVersions == nil {
		snap.RoomVersions = map[string]string{}
	}
	if snap.Extremities == nil {
		snap.Extremities = map[string][]string{}
	}
	if snap.Groups == nil {
		snap.Groups = map[int64]stateGroup{}
	}
	for id := range snap.Groups {
		if id >= snap.NextGroup {
			snap.NextGroup = id + 1
		}
	}
	if snap.NextGroup < 1 {
		snap.NextGroup = 1
	}
}

func (s *Store) GetEvents(_ context.Context, eventIDs []string) (map[string]*room.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*room.Event, len(eventIDs))
	for _, id := range eventIDs {
		if ev, ok := s.s.Events[id]; ok {
			out[id] = ev
		}
	}
	return out, nil
}

// StoreEvent records event. Events with a state group become forward
// extremities of their room in place of their parents; a create event
// registers the room and its version.
func (s *Store) StoreEvent(_ context.Context, event *room.Event, stateGroup int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.s.Events[event.EventID]; exists {
		return nil
	}
	s.s.Events[event.EventID] = event
	if event.Type == room.TypeCreate && event.StateKeyValue() == "" {
		if _, known := s.s.RoomVersions[event.RoomID]; !known {
			s.s.RoomVersions[event.RoomID] = event.RoomVersionID()
		}
	}
	if stateGroup == room.NoStateGroup {
		return nil
	}
	s.s.EventGroups[event.EventID] = stateGroup

	parents := make(map[string]struct{}, len(event.PrevEvents))
	for _, id := range event.PrevEvents {
		parents[id] = struct{}{}
	}
	next := []string{event.EventID}
	for _, id := range s.s.Extremities[event.RoomID] {
		if _, replaced := parents[id]; !replaced {
			next = append(next, id)
		}
	}
	sort.Strings(next)
	s.s.Extremities[event.RoomID] = next
	return nil
}

func (s *Store) GetForwardExtremities(_ context.Context, roomID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.s.Extremities[roomID]...), nil
}

func (s *Store) GetRoomVersion(_ context.Context, roomID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.s.RoomVersions[roomID]
	if !ok {
		return "", fmt.Errorf("room %s: %w", roomID, room.ErrNotFound)
	}
	return v, nil
}

func (s *Store) GetStateGroupsForEvents(_ context.Context, eventIDs []string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(eventIDs))
	for _, id := range eventIDs {
		if g, ok := s.s.EventGroups[id]; ok {
			out[id] = g
		}
	}
	return out, nil
}

// GetStateGroupSnapshot rebuilds a group's full state from its delta chain.
func (s *Store) GetStateGroupSnapshot(_ context.Context, group int64) (room.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var chain []room.StateSnapshot
	for g := group; g != room.NoStateGroup; {
		rec, ok := s.s.Groups[g]
		if !ok {
			return nil, fmt.Errorf("state group %d: %w", g, room.ErrNotFound)
		}
		chain = append(chain, rec.Delta)
		g = rec.PrevGroup
	}
	out := room.StateSnapshot{}
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i] {
			out[k] = v
		}
	}
	return out, nil
}

func (s *Store) GetStateGroupDelta(_ context.Context, group int64) (int64, room.StateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.s.Groups[group]
	if !ok {
		return room.NoStateGroup, nil, fmt.Errorf("state group %d: %w", group, room.ErrNotFound)
	}
	if rec.PrevGroup == room.NoStateGroup {
		return room.NoStateGroup, nil, nil
	}
	return rec.PrevGroup, rec.Delta.Clone(), nil
}

// StoreStateGroup allocates a group. With a known prevGroup only delta is
// kept, otherwise the full current state is.
func (s *Store) StoreStateGroup(_ context.Context, eventID, roomID string, prevGroup int64, delta, current room.StateSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := stateGroup{RoomID: roomID, EventID: eventID}
	if _, ok := s.s.Groups[prevGroup]; ok && prevGroup != room.NoStateGroup && delta != nil {
		rec.PrevGroup = prevGroup
		rec.Delta = delta.Clone()
	} else {
		rec.Delta = current.Clone()
	}
	id := s.s.NextGroup
	s.s.NextGroup++
	s.s.Groups[id] = rec
	return id, nil
}

// Stats summarizes the store for health endpoints.
type Stats struct {
	Rooms       int `json:"rooms"`
	Events      int `json:"events"`
	StateGroups int `json:"stateGroups"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Rooms:       len(s.s.RoomVersions),
		Events:      len(s.s.Events),
		StateGroups: len(s.s.Groups),
	}
}
