package eventauth

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-im/hearth/internal/domain/room"
	rt "github.com/hearth-im/hearth/internal/domain/room/roomtest"
)

var v1 = room.MustVersion("1")

type fixture struct {
	create *room.Event
	joinA  *room.Event
	joinB  *room.Event
	pl     *room.Event
	rules  *room.Event
}

func newFixture() fixture {
	return fixture{
		create: rt.Create("$c:hs1", "@a:hs1"),
		joinA:  rt.Member("$ja:hs1", "@a:hs1", "@a:hs1", room.MembershipJoin, rt.Prev("$c:hs1"), rt.Depth(2)),
		joinB:  rt.Member("$jb:hs1", "@b:hs1", "@b:hs1", room.MembershipJoin, rt.Depth(5)),
		pl: rt.PowerLevels("$pl:hs1", "@a:hs1",
			`{"users":{"@a:hs1":100,"@b:hs1":50,"@d:hs1":50},"users_default":0}`, rt.Depth(3)),
		rules: rt.JoinRules("$jr:hs1", "@a:hs1", room.JoinRuleInvite, rt.Depth(4)),
	}
}

func (f fixture) state(extra ...*room.Event) room.StateEvents {
	return rt.StateOf(append([]*room.Event{f.create, f.joinA, f.joinB, f.pl, f.rules}, extra...)...)
}

func newTestAuthorizer(opts ...Option) *Authorizer {
	return NewAuthorizer(zerolog.Nop(), opts...)
}

func requireDenied(t *testing.T, err error, reason room.DenialReason) {
	t.Helper()
	require.Error(t, err)
	var authErr *room.AuthError
	require.True(t, errors.As(err, &authErr), "expected AuthError, got %T: %v", err, err)
	assert.Equal(t, reason, authErr.Reason)
	assert.Equal(t, room.CodeForbidden, room.ErrorCode(err))
}

func TestCheck_Create(t *testing.T) {
	a := newTestAuthorizer()

	require.NoError(t, a.Check(v1, rt.Create("$c:hs1", "@a:hs1"), nil, CheckOptions{}))

	withPrev := rt.Create("$c:hs1", "@a:hs1", rt.Prev("$x:hs1"))
	requireDenied(t, a.Check(v1, withPrev, nil, CheckOptions{}), room.ReasonInvalidCreate)

	foreign := rt.Create("$c:hs2", "@z:hs2")
	requireDenied(t, a.Check(v1, foreign, nil, CheckOptions{}), room.ReasonInvalidCreate)

	unknownVersion := rt.Event("$c:hs1", room.TypeCreate, "@a:hs1", `{"room_version":"99"}`, rt.State(""))
	err := a.Check(v1, unknownVersion, nil, CheckOptions{})
	require.Error(t, err)
	assert.True(t, room.IsMalformed(err))
}

func TestCheck_NoContext(t *testing.T) {
	a := newTestAuthorizer()
	msg := rt.Message("$m:hs1", "@a:hs1", "hello")

	requireDenied(t, a.Check(v1, msg, nil, CheckOptions{}), room.ReasonMissingAuthContext)
	assert.NoError(t, a.Check(v1, msg, nil, CheckOptions{TrustIfNoContext: true}))

	// An empty, non-nil state is context: the room does not exist in it.
	requireDenied(t, a.Check(v1, msg, room.StateEvents{}, CheckOptions{TrustIfNoContext: true}), room.ReasonRoomDoesNotExist)
}

func TestCheck_SizeLimits(t *testing.T) {
	a := newTestAuthorizer()
	f := newFixture()

	long := "@" + strings.Repeat("x", 260) + ":hs1"
	err := a.Check(v1, rt.Message("$m:hs1", long, "hi"), f.state(), CheckOptions{})
	var tooLarge *room.EventTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, "sender", tooLarge.Field)
	assert.Equal(t, room.CodeTooLarge, room.ErrorCode(err))

	huge := rt.Message("$m:hs1", "@a:hs1", strings.Repeat("a", MaxEventLength))
	require.ErrorAs(t, a.Check(v1, huge, f.state(), CheckOptions{}), &tooLarge)
	assert.Equal(t, "event", tooLarge.Field)

	assert.NoError(t, a.Check(v1, huge, f.state(), CheckOptions{SkipSizeChecks: true}))
}

type stubVerifier struct{ err error }

func (s stubVerifier) VerifyEventSignatures(*room.Event) error { return s.err }

func TestCheck_SignatureHook(t *testing.T) {
	f := newFixture()
	msg := rt.Message("$m:hs1", "@a:hs1", "hi")

	bad := newTestAuthorizer(WithSignatureVerifier(stubVerifier{err: errors.New("bad sig")}))
	requireDenied(t, bad.Check(v1, msg, f.state(), CheckOptions{}), room.ReasonInvalidSignature)
	assert.NoError(t, bad.Check(v1, msg, f.state(), CheckOptions{SkipSignatureChecks: true}))

	good := newTestAuthorizer(WithSignatureVerifier(stubVerifier{}))
	assert.NoError(t, good.Check(v1, msg, f.state(), CheckOptions{}))
}

func TestCheck_Federation(t *testing.T) {
	a := newTestAuthorizer()
	create := rt.Event("$c:hs1", room.TypeCreate, "@a:hs1", `{"creator":"@a:hs1","m.federate":false}`, rt.State(""))
	joinRemote := rt.Member("$jz:hs2", "@z:hs2", "@z:hs2", room.MembershipJoin)
	state := rt.StateOf(create, rt.JoinRules("$jr:hs1", "@a:hs1", room.JoinRulePublic), joinRemote)

	requireDenied(t, a.Check(v1, rt.Message("$m:hs2", "@z:hs2", "hi"), state, CheckOptions{}), room.ReasonUnfederatable)
	requireDenied(t, a.Check(v1, joinRemote, state, CheckOptions{}), room.ReasonUnfederatable)
}

func TestCheck_SendRules(t *testing.T) {
	a := newTestAuthorizer()
	f := newFixture()
	state := f.state(rt.Member("$jc:hs1", "@c:hs1", "@c:hs1", room.MembershipJoin))

	tests := []struct {
		name   string
		event  *room.Event
		reason room.DenialReason
	}{
		{name: "member sends message", event: rt.Message("$m:hs1", "@c:hs1", "hi")},
		{name: "non member sends message", event: rt.Message("$m:hs1", "@x:hs1", "hi"), reason: room.ReasonNotInRoom},
		{name: "state below state_default", event: rt.Event("$t:hs1", "m.room.topic", "@c:hs1", `{"topic":"x"}`, rt.State("")), reason: room.ReasonInsufficientPower},
		{name: "state at state_default", event: rt.Event("$t:hs1", "m.room.topic", "@b:hs1", `{"topic":"x"}`, rt.State(""))},
		{name: "own user-scoped state", event: rt.Event("$s:hs1", "org.example.status", "@b:hs1", `{}`, rt.State("@b:hs1"))},
		{name: "foreign user-scoped state", event: rt.Event("$s:hs1", "org.example.status", "@b:hs1", `{}`, rt.State("@a:hs1")), reason: room.ReasonForeignState},
		{name: "third party invite by member", event: rt.Event("$tp:hs1", room.TypeThirdPartyInvite, "@c:hs1", `{"public_key":"abc"}`, rt.State("tok"))},
		{name: "aliases for own server", event: rt.Event("$al:hs2", room.TypeAliases, "@z:hs2", `{"aliases":["#x:hs2"]}`, rt.State("hs2"))},
		{name: "aliases for another server", event: rt.Event("$al:hs2", room.TypeAliases, "@z:hs2", `{"aliases":["#x:hs1"]}`, rt.State("hs1")), reason: room.ReasonForeignState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Check(v1, tt.event, state, CheckOptions{})
			if tt.reason == "" {
				require.NoError(t, err)
				return
			}
			requireDenied(t, err, tt.reason)
		})
	}
}

func TestCheck_AliasesWithoutSpecialCase(t *testing.T) {
	a := newTestAuthorizer()
	f := newFixture()
	aliases := rt.Event("$al:hs2", room.TypeAliases, "@z:hs2", `{"aliases":["#x:hs2"]}`, rt.State("hs2"))

	requireDenied(t, a.Check(room.MustVersion("6"), aliases, f.state(), CheckOptions{}), room.ReasonNotInRoom)
}

func TestCheck_NoPowerLevelsEvent(t *testing.T) {
	a := newTestAuthorizer()
	create := rt.Create("$c:hs1", "@a:hs1")
	joinA := rt.Member("$ja:hs1", "@a:hs1", "@a:hs1", room.MembershipJoin)
	state := rt.StateOf(create, joinA)

	pl := rt.PowerLevels("$pl:hs1", "@a:hs1", `{"users":{"@a:hs1":100}}`)
	assert.NoError(t, a.Check(v1, pl, state, CheckOptions{}))

	ban := rt.Member("$ban:hs1", "@a:hs1", "@x:hs1", room.MembershipBan)
	assert.NoError(t, a.Check(v1, ban, state, CheckOptions{}), "creator holds level 100 before power levels exist")
}
