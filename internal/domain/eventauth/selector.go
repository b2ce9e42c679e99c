package eventauth

import (
	"sort"

	"github.com/hearth-im/hearth/internal/domain/room"
)

// SelectAuthEvents returns the minimal set of current state event ids that
// event must cite as auth_events, sorted.
func SelectAuthEvents(event *room.Event, current room.StateEvents) []string {
	if event.Type == room.TypeCreate {
		return []string{}
	}
	ids := map[string]struct{}{}
	add := func(ev *room.Event) {
		if ev != nil {
			ids[ev.EventID] = struct{}{}
		}
	}

	add(current.Get(room.TypeCreate, ""))
	add(current.Get(room.TypePowerLevels, ""))

	if event.Type != room.TypeMember {
		add(current.Get(room.TypeMember, event.Sender))
		return sortedIDs(ids)
	}

	membership := event.Membership()
	joinRules := current.Get(room.TypeJoinRules, "")
	switch membership {
	case room.MembershipJoin, room.MembershipInvite, room.MembershipKnock:
		add(joinRules)
	}

	publicJoin := membership == room.MembershipJoin &&
		joinRules != nil && joinRules.JoinRule() == room.JoinRulePublic
	if !publicJoin {
		add(current.Get(room.TypeMember, event.Sender))
		add(current.Get(room.TypeMember, event.StateKeyValue()))
	}

	if membership == room.MembershipInvite {
		if token, ok := event.ThirdPartyInviteToken(); ok {
			add(current.Get(room.TypeThirdPartyInvite, token))
		}
	}
	if membership == room.MembershipJoin {
		if via := event.ContentField("join_authorised_via_users_server").String(); via != "" {
			add(current.Get(room.TypeMember, via))
		}
	}
	return sortedIDs(ids)
}

// AuthTypesForEvent lists the state keys whose events can take part in
// authorizing event.
func AuthTypesForEvent(event *room.Event) []room.StateKey {
	if event.Type == room.TypeCreate {
		return nil
	}
	keys := []room.StateKey{
		room.CreateKey,
		room.PowerLevelsKey,
		room.MemberKey(event.Sender),
	}
	if event.Type == room.TypeMember {
		keys = append(keys, room.MemberKey(event.StateKeyValue()))
		switch event.Membership() {
		case room.MembershipJoin, room.MembershipInvite, room.MembershipKnock:
			keys = append(keys, room.JoinRulesKey)
		}
		if token, ok := event.ThirdPartyInviteToken(); ok {
			keys = append(keys, room.ThirdPartyInviteKey(token))
		}
		if via := event.ContentField("join_authorised_via_users_server").String(); via != "" {
			keys = append(keys, room.MemberKey(via))
		}
	}
	return keys
}

func sortedIDs(ids map[string]struct{}) []string {
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
