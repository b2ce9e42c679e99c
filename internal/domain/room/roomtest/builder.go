// Package roomtest builds room events for tests.
package roomtest

import (
	"encoding/json"
	"fmt"

	"github.com/hearth-im/hearth/internal/domain/room"
)

// RoomID is the room every builder places events in.
const RoomID = "!room:hs1"

// Option adjusts an event under construction.
type Option func(*room.Event)

// State marks the event as a state event with stateKey.
func State(stateKey string) Option {
	return func(ev *room.Event) {
		sk := stateKey
		ev.StateKey = &sk
	}
}

// Depth sets the event depth.
func Depth(depth int64) Option {
	return func(ev *room.Event) { ev.Depth = depth }
}

// Prev sets prev_events.
func Prev(ids ...string) Option {
	return func(ev *room.Event) { ev.PrevEvents = ids }
}

// Auth sets auth_events.
func Auth(ids ...string) Option {
	return func(ev *room.Event) { ev.AuthEvents = ids }
}

// Redacts sets the redaction target.
func Redacts(id string) Option {
	return func(ev *room.Event) { ev.Redacts = id }
}

// InRoom overrides the room id.
func InRoom(roomID string) Option {
	return func(ev *room.Event) { ev.RoomID = roomID }
}

// Event builds an event with raw JSON content.
func Event(id, eventType, sender, content string, opts ...Option) *room.Event {
	ev := &room.Event{
		EventID:        id,
		RoomID:         RoomID,
		Sender:         sender,
		Type:           eventType,
		Content:        json.RawMessage(content),
		PrevEvents:     []string{},
		AuthEvents:     []string{},
		Depth:          1,
		OriginServerTS: 1700000000000,
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

// Create builds the m.room.create event of a room created by creator.
func Create(id, creator string, opts ...Option) *room.Event {
	content := fmt.Sprintf(`{"creator":%q}`, creator)
	return Event(id, room.TypeCreate, creator, content, append([]Option{State("")}, opts...)...)
}

// Member builds an m.room.member event sent by sender about target.
func Member(id, sender, target, membership string, opts ...Option) *room.Event {
	content := fmt.Sprintf(`{"membership":%q}`, membership)
	return Event(id, room.TypeMember, sender, content, append([]Option{State(target)}, opts...)...)
}

// PowerLevels builds an m.room.power_levels event with raw content.
func PowerLevels(id, sender, content string, opts ...Option) *room.Event {
	return Event(id, room.TypePowerLevels, sender, content, append([]Option{State("")}, opts...)...)
}

// JoinRules builds an m.room.join_rules event.
func JoinRules(id, sender, rule string, opts ...Option) *room.Event {
	content := fmt.Sprintf(`{"join_rule":%q}`, rule)
	return Event(id, room.TypeJoinRules, sender, content, append([]Option{State("")}, opts...)...)
}

// Message builds an m.room.message event.
func Message(id, sender, body string, opts ...Option) *room.Event {
	content := fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, body)
	return Event(id, room.TypeMessage, sender, content, opts...)
}

// StateOf collects state events into auth state.
func StateOf(events ...*room.Event) room.StateEvents {
	out := room.StateEvents{}
	for _, ev := range events {
		out[ev.Key()] = ev
	}
	return out
}

// Index maps events by id.
func Index(events ...*room.Event) map[string]*room.Event {
	out := make(map[string]*room.Event, len(events))
	for _, ev := range events {
		out[ev.EventID] = ev
	}
	return out
}
