package room

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Event types the core understands.
const (
	TypeCreate            = "m.room.create"
	TypeMember            = "m.room.member"
	TypePowerLevels       = "m.room.power_levels"
	TypeJoinRules         = "m.room.join_rules"
	TypeThirdPartyInvite  = "m.room.third_party_invite"
	TypeRedaction         = "m.room.redaction"
	TypeAliases           = "m.room.aliases"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeMessage           = "m.room.message"
)

// Membership values.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipKnock  = "knock"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
)

// Join rules.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
	JoinRulePrivate         = "private"
)

// Event is one node of a room graph. Events are immutable once built:
// nothing in this module writes to an Event after construction, and
// Redact returns a new value.
type Event struct {
	EventID        string                       `json:"event_id"`
	RoomID         string                       `json:"room_id"`
	Sender         string                       `json:"sender"`
	Type           string                       `json:"type"`
	StateKey       *string                      `json:"state_key,omitempty"`
	Content        json.RawMessage              `json:"content"`
	PrevEvents     []string                     `json:"prev_events"`
	AuthEvents     []string                     `json:"auth_events"`
	Depth          int64                        `json:"depth"`
	OriginServerTS int64                        `json:"origin_server_ts"`
	Redacts        string                       `json:"redacts,omitempty"`
	Signatures     map[string]map[string]string `json:"signatures,omitempty"`
	Unsigned       json.RawMessage              `json:"unsigned,omitempty"`
}

// IsState reports whether the event carries a state_key.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// StateKeyValue returns the state_key or "" for non-state events.
func (e *Event) StateKeyValue() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

// Key returns the (type, state_key) pair the event occupies in room state.
func (e *Event) Key() StateKey {
	return StateKey{Type: e.Type, StateKey: e.StateKeyValue()}
}

// ContentField reads one field of the content using a gjson path.
func (e *Event) ContentField(path string) gjson.Result {
	if len(e.Content) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(e.Content, path)
}

// Membership returns content.membership for m.room.member events.
func (e *Event) Membership() string {
	return e.ContentField("membership").String()
}

// JoinRule returns content.join_rule, defaulting to invite.
func (e *Event) JoinRule() string {
	rule := e.ContentField("join_rule")
	if !rule.Exists() || rule.String() == "" {
		return JoinRuleInvite
	}
	return rule.String()
}

// Creator returns the room creator named by a create event. Newer room
// versions drop content.creator in favour of the sender.
func (e *Event) Creator() string {
	if creator := e.ContentField("creator").String(); creator != "" {
		return creator
	}
	return e.Sender
}

// Federate reports the m.federate flag of a create event.
func (e *Event) Federate() bool {
	flag := e.ContentField("m\\.federate")
	if !flag.Exists() {
		return true
	}
	return flag.Type == gjson.True
}

// RoomVersionID returns the room_version declared by a create event.
func (e *Event) RoomVersionID() string {
	if v := e.ContentField("room_version").String(); v != "" {
		return v
	}
	return DefaultVersionID
}

// ThirdPartyInviteToken returns content.third_party_invite.signed.token,
// if the membership event carries one.
func (e *Event) ThirdPartyInviteToken() (string, bool) {
	token := e.ContentField("third_party_invite.signed.token")
	if !token.Exists() || token.Type != gjson.String {
		return "", false
	}
	return token.String(), true
}

// JSON returns the serialized event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Validate checks the fields every event must carry.
func (e *Event) Validate() error {
	switch {
	case strings.TrimSpace(e.EventID) == "":
		return Malformed("event_id is required")
	case strings.TrimSpace(e.RoomID) == "":
		return Malformed("room_id is required")
	case strings.TrimSpace(e.Sender) == "":
		return Malformed("sender is required")
	case strings.TrimSpace(e.Type) == "":
		return Malformed("type is required")
	}
	if len(e.Content) > 0 && !gjson.ValidBytes(e.Content) {
		return Malformed("content is not valid JSON")
	}
	if e.Type == TypeMember {
		if !e.IsState() {
			return Malformed("membership event without state_key")
		}
		if e.Membership() == "" {
			return Malformed("membership event without content.membership")
		}
	}
	if e.Type == TypeRedaction && e.Redacts == "" {
		return Malformed("redaction without redacts")
	}
	return nil
}

var essentialContent = map[string][]string{
	TypeMember:            {"membership"},
	TypeCreate:            {"creator"},
	TypeJoinRules:         {"join_rule"},
	TypeAliases:           {"aliases"},
	TypeHistoryVisibility: {"history_visibility"},
	TypePowerLevels: {
		"users", "users_default", "events", "events_default",
		"state_default", "ban", "kick", "redact",
	},
}

// Redact derives the redacted form of the event: content is stripped to
// the keys that affect authorization and unsigned data is dropped.
func (e *Event) Redact(version Version) *Event {
	out := *e
	out.Unsigned = nil
	out.PrevEvents = append([]string(nil), e.PrevEvents...)
	out.AuthEvents = append([]string(nil), e.AuthEvents...)

	keep := essentialContent[e.Type]
	if e.Type == TypeJoinRules && version.RestrictedJoinRule {
		keep = append([]string{"allow"}, keep...)
	}
	stripped := map[string]json.RawMessage{}
	var full map[string]json.RawMessage
	if err := json.Unmarshal(e.Content, &full); err == nil {
		for _, k := range keep {
			if v, ok := full[k]; ok {
				stripped[k] = v
			}
		}
	}
	out.Content, _ = json.Marshal(stripped)
	return &out
}

// DomainFromID returns the server name of a sigil-prefixed identifier
// such as @user:server, !room:server or $event:server.
func DomainFromID(id string) (string, error) {
	idx := strings.IndexByte(id, ':')
	if idx < 0 || idx == len(id)-1 {
		return "", errors.New("identifier has no server name: " + id)
	}
	return id[idx+1:], nil
}

// IsUserID reports whether s looks like a user id.
func IsUserID(s string) bool {
	return strings.HasPrefix(s, "@") && strings.IndexByte(s, ':') > 1
}
