package eventauth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hearth-im/hearth/internal/domain/room"
	rt "github.com/hearth-im/hearth/internal/domain/room/roomtest"
)

func TestSelectAuthEvents(t *testing.T) {
	f := newFixture()
	invitedC := rt.Member("$ic:hs1", "@a:hs1", "@c:hs1", room.MembershipInvite)
	tpi := rt.Event("$tpi:hs1", room.TypeThirdPartyInvite, "@a:hs1", `{}`, rt.State("tok"))
	topic := rt.Event("$topic:hs1", "m.room.topic", "@a:hs1", `{"topic":"x"}`, rt.State(""))
	current := f.state(invitedC, tpi, topic)
	public := rt.StateOf(f.create, f.pl, f.joinA, rt.JoinRules("$pub:hs1", "@a:hs1", room.JoinRulePublic))

	tests := []struct {
		name    string
		event   *room.Event
		current room.StateEvents
		want    []string
	}{
		{
			name:    "create cites nothing",
			event:   rt.Create("$c2:hs1", "@a:hs1"),
			current: current,
			want:    []string{},
		},
		{
			name:    "message cites sender membership",
			event:   rt.Message("$m:hs1", "@b:hs1", "hi"),
			current: current,
			want:    []string{"$c:hs1", "$jb:hs1", "$pl:hs1"},
		},
		{
			name:    "invited user joins invite room",
			event:   rt.Member("$jc:hs1", "@c:hs1", "@c:hs1", room.MembershipJoin),
			current: current,
			want:    []string{"$c:hs1", "$ic:hs1", "$jr:hs1", "$pl:hs1"},
		},
		{
			name:    "join public room omits membership",
			event:   rt.Member("$jc:hs1", "@c:hs1", "@c:hs1", room.MembershipJoin),
			current: public.With(invitedC),
			want:    []string{"$c:hs1", "$pl:hs1", "$pub:hs1"},
		},
		{
			name:    "kick cites both memberships but not join rules",
			event:   rt.Member("$kc:hs1", "@b:hs1", "@c:hs1", room.MembershipLeave),
			current: current,
			want:    []string{"$c:hs1", "$ic:hs1", "$jb:hs1", "$pl:hs1"},
		},
		{
			name: "third party invite cites token event",
			event: rt.Event("$i:hs1", room.TypeMember, "@a:hs1",
				`{"membership":"invite","third_party_invite":{"signed":{"token":"tok","mxid":"@x:hs2"}}}`, rt.State("@x:hs2")),
			current: current,
			want:    []string{"$c:hs1", "$ja:hs1", "$jr:hs1", "$pl:hs1", "$tpi:hs1"},
		},
		{
			name: "restricted join cites authorising user",
			event: rt.Event("$jx:hs1", room.TypeMember, "@x:hs1",
				`{"membership":"join","join_authorised_via_users_server":"@b:hs1"}`, rt.State("@x:hs1")),
			current: current,
			want:    []string{"$c:hs1", "$jb:hs1", "$jr:hs1", "$pl:hs1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectAuthEvents(tt.event, tt.current)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Every selected event occupies a key derivable from the event itself.
func TestSelectAuthEvents_Minimal(t *testing.T) {
	f := newFixture()
	current := f.state(
		rt.Member("$ic:hs1", "@a:hs1", "@c:hs1", room.MembershipInvite),
		rt.Event("$topic:hs1", "m.room.topic", "@a:hs1", `{}`, rt.State("")),
		rt.Event("$name:hs1", "m.room.name", "@a:hs1", `{}`, rt.State("")),
	)
	events := []*room.Event{
		rt.Message("$m:hs1", "@a:hs1", "x"),
		rt.Member("$jc:hs1", "@c:hs1", "@c:hs1", room.MembershipJoin),
		rt.Member("$bc:hs1", "@a:hs1", "@c:hs1", room.MembershipBan),
		rt.Event("$t:hs1", "m.room.topic", "@b:hs1", `{}`, rt.State("")),
	}
	byID := map[string]*room.Event{}
	for _, ev := range current {
		byID[ev.EventID] = ev
	}

	for _, ev := range events {
		allowed := map[room.StateKey]bool{}
		for _, k := range AuthTypesForEvent(ev) {
			allowed[k] = true
		}
		for _, id := range SelectAuthEvents(ev, current) {
			assert.True(t, allowed[byID[id].Key()], "%s cites %s outside its auth types", ev.EventID, id)
		}
	}
}
