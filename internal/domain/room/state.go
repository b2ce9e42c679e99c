package room

import (
	"encoding/json"
	"sort"
)

// StateKey identifies one slot of room state.
type StateKey struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
}

func (k StateKey) String() string {
	return k.Type + "|" + k.StateKey
}

// Well-known state slots.
var (
	CreateKey      = StateKey{Type: TypeCreate}
	PowerLevelsKey = StateKey{Type: TypePowerLevels}
	JoinRulesKey   = StateKey{Type: TypeJoinRules}
)

// MemberKey is the membership slot for a user.
func MemberKey(userID string) StateKey {
	return StateKey{Type: TypeMember, StateKey: userID}
}

// ThirdPartyInviteKey is the slot of a third-party invite token.
func ThirdPartyInviteKey(token string) StateKey {
	return StateKey{Type: TypeThirdPartyInvite, StateKey: token}
}

// StateSnapshot maps each state slot to the event id occupying it.
// Snapshots are treated as values: callers never write into a snapshot
// they did not build, and With returns a modified copy.
type StateSnapshot map[StateKey]string

type stateEntry struct {
	Type     string `json:"type"`
	StateKey string `json:"state_key"`
	EventID  string `json:"event_id"`
}

// MarshalJSON encodes the snapshot as a list of entries ordered by key.
func (s StateSnapshot) MarshalJSON() ([]byte, error) {
	entries := make([]stateEntry, 0, len(s))
	for _, k := range s.Keys() {
		entries = append(entries, stateEntry{Type: k.Type, StateKey: k.StateKey, EventID: s[k]})
	}
	return json.Marshal(entries)
}

// UnmarshalJSON decodes the list form written by MarshalJSON.
func (s *StateSnapshot) UnmarshalJSON(data []byte) error {
	var entries []stateEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	out := make(StateSnapshot, len(entries))
	for _, e := range entries {
		out[StateKey{Type: e.Type, StateKey: e.StateKey}] = e.EventID
	}
	*s = out
	return nil
}

// Clone returns an independent copy.
func (s StateSnapshot) Clone() StateSnapshot {
	out := make(StateSnapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// With returns a copy of s with key set to eventID.
func (s StateSnapshot) With(key StateKey, eventID string) StateSnapshot {
	out := make(StateSnapshot, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[key] = eventID
	return out
}

// Overlay returns a copy of s with every entry of delta applied.
func (s StateSnapshot) Overlay(delta StateSnapshot) StateSnapshot {
	out := make(StateSnapshot, len(s)+len(delta))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// EventIDs returns the distinct event ids in the snapshot, sorted.
func (s StateSnapshot) EventIDs() []string {
	seen := make(map[string]struct{}, len(s))
	out := make([]string, 0, len(s))
	for _, id := range s {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Keys returns the snapshot's keys in a stable order.
func (s StateSnapshot) Keys() []StateKey {
	out := make([]StateKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	SortKeys(out)
	return out
}

// Equal reports whether both snapshots map the same keys to the same ids.
func (s StateSnapshot) Equal(other StateSnapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// SameEvents reports whether both snapshots reference the same event id set.
func (s StateSnapshot) SameEvents(other StateSnapshot) bool {
	a, b := s.EventIDs(), other.EventIDs()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Diff returns the entries of s that other lacks or maps differently.
func (s StateSnapshot) Diff(other StateSnapshot) StateSnapshot {
	out := StateSnapshot{}
	for k, v := range s {
		if other[k] != v {
			out[k] = v
		}
	}
	return out
}

// SortKeys orders keys by type then state_key.
func SortKeys(keys []StateKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].StateKey < keys[j].StateKey
	})
}

// StateEvents is a snapshot whose ids have been loaded into events. It is
// the form authorization works on.
type StateEvents map[StateKey]*Event

// Get returns the event at (eventType, stateKey) or nil.
func (s StateEvents) Get(eventType, stateKey string) *Event {
	if s == nil {
		return nil
	}
	return s[StateKey{Type: eventType, StateKey: stateKey}]
}

// IDs returns the snapshot form of s.
func (s StateEvents) IDs() StateSnapshot {
	out := make(StateSnapshot, len(s))
	for k, ev := range s {
		out[k] = ev.EventID
	}
	return out
}

// With returns a copy of s with ev placed at its own key.
func (s StateEvents) With(ev *Event) StateEvents {
	out := make(StateEvents, len(s)+1)
	for k, v := range s {
		out[k] = v
	}
	out[ev.Key()] = ev
	return out
}

// ConflictSet partitions a group of snapshots into the slots they agree on
// and the slots they disagree on.
type ConflictSet struct {
	Unconflicted StateSnapshot
	// Conflicted maps each disagreeing slot to its candidate ids, sorted.
	Conflicted map[StateKey][]string
}

// Separate builds the ConflictSet for snapshots. A slot present in only
// some snapshots is unconflicted as long as every snapshot that has it
// agrees.
func Separate(snapshots []StateSnapshot) ConflictSet {
	candidates := map[StateKey]map[string]struct{}{}
	for _, snap := range snapshots {
		for k, id := range snap {
			set, ok := candidates[k]
			if !ok {
				set = map[string]struct{}{}
				candidates[k] = set
			}
			set[id] = struct{}{}
		}
	}
	out := ConflictSet{
		Unconflicted: StateSnapshot{},
		Conflicted:   map[StateKey][]string{},
	}
	for k, set := range candidates {
		if len(set) == 1 {
			for id := range set {
				out.Unconflicted[k] = id
			}
			continue
		}
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out.Conflicted[k] = ids
	}
	return out
}

// ConflictedEventIDs returns every candidate id across conflicted slots.
func (c ConflictSet) ConflictedEventIDs() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, ids := range c.Conflicted {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// JoinedUsers lists users whose membership in state is join.
func (s StateEvents) JoinedUsers() []string {
	out := make([]string, 0)
	for k, ev := range s {
		if k.Type == TypeMember && ev.Membership() == MembershipJoin {
			out = append(out, k.StateKey)
		}
	}
	sort.Strings(out)
	return out
}

// JoinedHosts lists the servers with at least one joined user.
func (s StateEvents) JoinedHosts() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, user := range s.JoinedUsers() {
		host, err := DomainFromID(user)
		if err != nil {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		out = append(out, host)
	}
	sort.Strings(out)
	return out
}
