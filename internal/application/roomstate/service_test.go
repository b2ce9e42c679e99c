package roomstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/hearth-im/hearth/internal/domain/eventauth"
	"github.com/hearth-im/hearth/internal/domain/room"
	"github.com/hearth-im/hearth/internal/domain/room/mocks"
	rt "github.com/hearth-im/hearth/internal/domain/room/roomtest"
	"github.com/hearth-im/hearth/internal/infrastructure/memstore"
)

// seededRoom ingests a public room with @a:hs1 (creator, level 100) and
// @b:hs2 joined, and a message from @b.
type seededRoom struct {
	svc   *Service
	store *memstore.Store
	ctxs  map[string]*EventContext
}

func newSeededRoom(t *testing.T) *seededRoom {
	t.Helper()
	store := memstore.New()
	r := &seededRoom{
		svc:   NewService(store, Config{}, zerolog.Nop()),
		store: store,
		ctxs:  map[string]*EventContext{},
	}
	r.mustIngest(t, rt.Create("$c:hs1", "@a:hs1"))
	r.mustIngest(t, rt.Member("$ja:hs1", "@a:hs1", "@a:hs1", room.MembershipJoin,
		rt.Depth(2), rt.Prev("$c:hs1"), rt.Auth("$c:hs1")))
	r.mustIngest(t, rt.PowerLevels("$pl:hs1", "@a:hs1", `{"users":{"@a:hs1":100}}`,
		rt.Depth(3), rt.Prev("$ja:hs1"), rt.Auth("$c:hs1", "$ja:hs1")))
	r.mustIngest(t, rt.JoinRules("$jr:hs1", "@a:hs1", room.JoinRulePublic,
		rt.Depth(4), rt.Prev("$pl:hs1"), rt.Auth("$c:hs1", "$ja:hs1", "$pl:hs1")))
	r.mustIngest(t, rt.Member("$jb:hs2", "@b:hs2", "@b:hs2", room.MembershipJoin,
		rt.Depth(5), rt.Prev("$jr:hs1"), rt.Auth("$c:hs1", "$jr:hs1", "$pl:hs1")))
	r.mustIngest(t, rt.Message("$mb:hs2", "@b:hs2", "hello",
		rt.Depth(6), rt.Prev("$jb:hs2"), rt.Auth("$c:hs1", "$pl:hs1", "$jb:hs2")))
	return r
}

func (r *seededRoom) mustIngest(t *testing.T, ev *room.Event) *EventContext {
	t.Helper()
	out, err := r.svc.Ingest(context.Background(), ev)
	require.NoError(t, err, "ingest %s", ev.EventID)
	r.ctxs[ev.EventID] = out
	return out
}

func requireDenied(t *testing.T, err error, reason room.DenialReason) {
	t.Helper()
	require.Error(t, err)
	var authErr *room.AuthError
	require.True(t, errors.As(err, &authErr), "expected denial, got %v", err)
	assert.Equal(t, reason, authErr.Reason)
}

func TestIngest_BuildsRoomState(t *testing.T) {
	r := newSeededRoom(t)
	ctx := context.Background()

	current, err := r.svc.CurrentState(ctx, rt.RoomID)
	require.NoError(t, err)
	assert.Equal(t, room.StateSnapshot{
		room.CreateKey:           "$c:hs1",
		room.MemberKey("@a:hs1"): "$ja:hs1",
		room.PowerLevelsKey:      "$pl:hs1",
		room.JoinRulesKey:        "$jr:hs1",
		room.MemberKey("@b:hs2"): "$jb:hs2",
	}, current.State)

	// A message reuses the group of the state it was sent in.
	assert.Equal(t, r.ctxs["$jb:hs2"].StateGroup, r.ctxs["$mb:hs2"].StateGroup)
	assert.Equal(t, current.StateGroup, r.ctxs["$mb:hs2"].StateGroup)

	users, err := r.svc.JoinedUsers(ctx, rt.RoomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"@a:hs1", "@b:hs2"}, users)

	hosts, err := r.svc.JoinedHosts(ctx, rt.RoomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"hs1", "hs2"}, hosts)

	version, err := r.svc.RoomVersion(ctx, rt.RoomID)
	require.NoError(t, err)
	assert.Equal(t, room.DefaultVersionID, version.ID)
}

func TestIngest_StateEventLinksDeltaToParentGroup(t *testing.T) {
	r := newSeededRoom(t)
	out := r.ctxs["$jr:hs1"]
	parent := r.ctxs["$pl:hs1"]

	assert.Equal(t, parent.StateGroup, out.PrevGroup)
	assert.Equal(t, room.StateSnapshot{room.JoinRulesKey: "$jr:hs1"}, out.Delta)
	assert.Empty(t, out.ReplacesState)
	assert.NotContains(t, out.PrevState, room.JoinRulesKey)
	assert.Equal(t, "$jr:hs1", out.CurrentState[room.JoinRulesKey])

	snap, err := r.store.GetStateGroupSnapshot(context.Background(), out.StateGroup)
	require.NoError(t, err)
	assert.True(t, snap.Equal(out.CurrentState))
}

func TestIngest_ReplacesState(t *testing.T) {
	r := newSeededRoom(t)
	out := r.mustIngest(t, rt.JoinRules("$jr2:hs1", "@a:hs1", room.JoinRuleInvite,
		rt.Depth(7), rt.Prev("$mb:hs2"), rt.Auth("$c:hs1", "$ja:hs1", "$pl:hs1")))
	assert.Equal(t, "$jr:hs1", out.ReplacesState)
	assert.Equal(t, "$jr2:hs1", out.CurrentState[room.JoinRulesKey])
}

func TestIngest_ResolvesForkedParents(t *testing.T) {
	r := newSeededRoom(t)
	cite := rt.Auth("$c:hs1", "$ja:hs1", "$pl:hs1")
	t1 := rt.Event("$t1:hs1", "m.room.topic", "@a:hs1", `{"topic":"one"}`, rt.State(""), rt.Depth(7), rt.Prev("$mb:hs2"), cite)
	t2 := rt.Event("$t2:hs1", "m.room.topic", "@a:hs1", `{"topic":"two"}`, rt.State(""), rt.Depth(8), rt.Prev("$mb:hs2"), cite)
	r.mustIngest(t, t1)
	r.mustIngest(t, t2)

	ext, err := r.store.GetForwardExtremities(context.Background(), rt.RoomID)
	require.NoError(t, err)
	assert.Equal(t, []string{"$t1:hs1", "$t2:hs1"}, ext)

	merge := r.mustIngest(t, rt.Message("$merge:hs1", "@a:hs1", "merge",
		rt.Depth(9), rt.Prev("$t1:hs1", "$t2:hs1"), rt.Auth("$c:hs1", "$ja:hs1", "$pl:hs1")))
	assert.Equal(t, "$t2:hs1", merge.CurrentState[room.StateKey{Type: "m.room.topic"}])
	// The resolved state is exactly t2's group, so no new group is made.
	assert.Equal(t, r.ctxs["$t2:hs1"].StateGroup, merge.StateGroup)
	assert.Equal(t, 1, r.svc.Cache().Len())
}

func TestIngest_Denials(t *testing.T) {
	r := newSeededRoom(t)
	ctx := context.Background()

	t.Run("sender not in room", func(t *testing.T) {
		_, err := r.svc.Ingest(ctx, rt.Message("$mc:hs3", "@c:hs3", "hi",
			rt.Depth(7), rt.Prev("$mb:hs2"), rt.Auth("$c:hs1", "$pl:hs1")))
		requireDenied(t, err, room.ReasonNotInRoom)
		events, err := r.store.GetEvents(ctx, []string{"$mc:hs3"})
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("cites an event that cannot authorize it", func(t *testing.T) {
		_, err := r.svc.Ingest(ctx, rt.Message("$mx:hs2", "@b:hs2", "hi",
			rt.Depth(7), rt.Prev("$mb:hs2"), rt.Auth("$c:hs1", "$pl:hs1", "$jb:hs2", "$jr:hs1")))
		requireDenied(t, err, room.ReasonUnexpectedAuthEvent)
	})

	t.Run("cites an unknown event", func(t *testing.T) {
		_, err := r.svc.Ingest(ctx, rt.Message("$my:hs2", "@b:hs2", "hi",
			rt.Depth(7), rt.Prev("$mb:hs2"), rt.Auth("$c:hs1", "$nope:hs2")))
		requireDenied(t, err, room.ReasonUnexpectedAuthEvent)
	})

	t.Run("no parents", func(t *testing.T) {
		_, err := r.svc.Ingest(ctx, rt.Message("$mz:hs2", "@b:hs2", "hi"))
		require.Error(t, err)
		assert.True(t, room.IsMalformed(err))
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := r.svc.Ingest(ctx, rt.Event("$bad:hs1", room.TypeMember, "@a:hs1", `{}`, rt.State("@a:hs1"), rt.Prev("$mb:hs2")))
		require.Error(t, err)
		assert.Equal(t, room.CodeBadJSON, room.ErrorCode(err))
	})

	t.Run("create from another server", func(t *testing.T) {
		_, err := r.svc.Ingest(ctx, rt.Create("$c2:hs9", "@x:hs9", rt.InRoom("!other:hs1")))
		requireDenied(t, err, room.ReasonInvalidCreate)
	})
}

func TestIngest_Redactions(t *testing.T) {
	r := newSeededRoom(t)
	ctx := context.Background()
	r.mustIngest(t, rt.Message("$ma:hs1", "@a:hs1", "from a",
		rt.Depth(7), rt.Prev("$mb:hs2"), rt.Auth("$c:hs1", "$ja:hs1", "$pl:hs1")))
	bCites := rt.Auth("$c:hs1", "$pl:hs1", "$jb:hs2")

	t.Run("low power redacting another server's event", func(t *testing.T) {
		_, err := r.svc.Ingest(ctx, rt.Event("$rb:hs2", room.TypeRedaction, "@b:hs2", `{}`,
			rt.Redacts("$ma:hs1"), rt.Depth(8), rt.Prev("$ma:hs1"), bCites))
		requireDenied(t, err, room.ReasonRedactionForbidden)
	})

	t.Run("low power redacting own server's event", func(t *testing.T) {
		r.mustIngest(t, rt.Event("$rb2:hs2", room.TypeRedaction, "@b:hs2", `{}`,
			rt.Redacts("$mb:hs2"), rt.Depth(8), rt.Prev("$ma:hs1"), bCites))
	})

	t.Run("opaque ids fall back to the senders", func(t *testing.T) {
		r.mustIngest(t, rt.Message("opaqueA", "@a:hs1", "opaque",
			rt.Depth(9), rt.Prev("$rb2:hs2"), rt.Auth("$c:hs1", "$ja:hs1", "$pl:hs1")))
		_, err := r.svc.Ingest(ctx, rt.Event("opaqueR", room.TypeRedaction, "@b:hs2", `{}`,
			rt.Redacts("opaqueA"), rt.Depth(10), rt.Prev("opaqueA"), bCites))
		requireDenied(t, err, room.ReasonRedactionForbidden)
	})

	t.Run("permission query", func(t *testing.T) {
		authState, err := r.svc.LoadStateEvents(ctx, []string{"$c:hs1", "$pl:hs1", "$ja:hs1"})
		require.NoError(t, err)
		perm, err := r.svc.CheckRedactionPermission(rt.Event("$ra:hs1", room.TypeRedaction, "@a:hs1", `{}`, rt.Redacts("$mb:hs2")), authState)
		require.NoError(t, err)
		assert.Equal(t, eventauth.RedactFull, perm)
	})
}

func TestAuthorize_MissingContext(t *testing.T) {
	msg := rt.Message("$m:hs1", "@a:hs1", "hi")

	strict := NewService(memstore.New(), Config{}, zerolog.Nop())
	requireDenied(t, strict.Authorize(msg, nil), room.ReasonMissingAuthContext)

	trusting := NewService(memstore.New(), Config{TrustIfNoContext: true}, zerolog.Nop())
	assert.NoError(t, trusting.Authorize(msg, nil))
}

func TestComputeAuthEvents(t *testing.T) {
	r := newSeededRoom(t)
	ctx := context.Background()
	current, err := r.svc.CurrentState(ctx, rt.RoomID)
	require.NoError(t, err)
	state, err := r.svc.LoadStateEvents(ctx, current.State.EventIDs())
	require.NoError(t, err)

	ids := r.svc.ComputeAuthEvents(rt.Message("$new:hs2", "@b:hs2", "x"), state)
	assert.Equal(t, []string{"$c:hs1", "$jb:hs2", "$pl:hs1"}, ids)
	assert.NoError(t, r.svc.Authorize(rt.Message("$new:hs2", "@b:hs2", "x", rt.Prev("$mb:hs2")), state))
}

func TestComputeEventContext_Variants(t *testing.T) {
	r := newSeededRoom(t)
	ctx := context.Background()
	topic := rt.Event("$t:hs1", "m.room.topic", "@a:hs1", `{"topic":"t"}`, rt.State(""), rt.Prev("$far:hs9"))

	t.Run("outlier", func(t *testing.T) {
		out, err := r.svc.ComputeEventContext(ctx, topic, ContextOptions{Outlier: true})
		require.NoError(t, err)
		assert.Equal(t, room.NoStateGroup, out.StateGroup)
		assert.Empty(t, out.CurrentState)
	})

	t.Run("old state supplied", func(t *testing.T) {
		old := []*room.Event{rt.Create("$c:hs1", "@a:hs1"), rt.Member("$ja:hs1", "@a:hs1", "@a:hs1", room.MembershipJoin)}
		out, err := r.svc.ComputeEventContext(ctx, topic, ContextOptions{OldState: old})
		require.NoError(t, err)
		assert.Len(t, out.PrevState, 2)
		assert.Equal(t, "$t:hs1", out.CurrentState[room.StateKey{Type: "m.room.topic"}])
		assert.NotEqual(t, room.NoStateGroup, out.StateGroup)

		snap, err := r.store.GetStateGroupSnapshot(ctx, out.StateGroup)
		require.NoError(t, err)
		assert.True(t, snap.Equal(out.CurrentState))
	})

	t.Run("unknown parents start from empty state", func(t *testing.T) {
		out, err := r.svc.ComputeEventContext(ctx, topic, ContextOptions{})
		require.NoError(t, err)
		assert.Empty(t, out.PrevState)
		assert.Equal(t, room.StateSnapshot{room.StateKey{Type: "m.room.topic"}: "$t:hs1"}, out.CurrentState)
	})
}

func TestComputeStateAtParents_SingleGroupUsesStoredDelta(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewService(repo, Config{}, zerolog.Nop())
	ctx := context.Background()

	snap := room.StateSnapshot{room.CreateKey: "$c:hs1", room.MemberKey("@a:hs1"): "$ja:hs1"}
	delta := room.StateSnapshot{room.MemberKey("@a:hs1"): "$ja:hs1"}
	gomock.InOrder(
		repo.EXPECT().GetStateGroupsForEvents(gomock.Any(), []string{"$x:hs1", "$y:hs1"}).
			Return(map[string]int64{"$x:hs1": 7, "$y:hs1": 7}, nil),
		repo.EXPECT().GetStateGroupSnapshot(gomock.Any(), int64(7)).Return(snap, nil),
		repo.EXPECT().GetStateGroupDelta(gomock.Any(), int64(7)).Return(int64(6), delta, nil),
	)

	entry, err := svc.ComputeStateAtParents(ctx, rt.RoomID, []string{"$x:hs1", "$y:hs1"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), entry.StateGroup)
	assert.Equal(t, "7", entry.StateID)
	assert.Equal(t, int64(6), entry.PrevGroup)
	assert.Equal(t, delta, entry.Delta)
	assert.Equal(t, snap, entry.State)
}

func TestComputeStateAtParents_StorageErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	svc := NewService(repo, Config{}, zerolog.Nop())
	boom := errors.New("connection reset")

	repo.EXPECT().GetStateGroupsForEvents(gomock.Any(), gomock.Any()).Return(nil, boom)
	_, err := svc.ComputeStateAtParents(context.Background(), rt.RoomID, []string{"$x:hs1"})
	assert.ErrorIs(t, err, boom)

	repo.EXPECT().GetForwardExtremities(gomock.Any(), rt.RoomID).Return(nil, nil)
	_, err = svc.CurrentState(context.Background(), rt.RoomID)
	assert.ErrorIs(t, err, room.ErrNotFound)
}

func TestRestrictedJoinUsesLocalSpaceMembership(t *testing.T) {
	r := newSeededRoom(t)
	ctx := context.Background()

	// A version 8 room whose join rule allows members of the seeded room.
	const restricted = "!restricted:hs1"
	in := rt.InRoom(restricted)
	r.mustIngest(t, rt.Event("$rc:hs1", room.TypeCreate, "@a:hs1", `{"creator":"@a:hs1","room_version":"8"}`, rt.State(""), in))
	r.mustIngest(t, rt.Member("$rja:hs1", "@a:hs1", "@a:hs1", room.MembershipJoin,
		in, rt.Depth(2), rt.Prev("$rc:hs1"), rt.Auth("$rc:hs1")))
	r.mustIngest(t, rt.Event("$rjr:hs1", room.TypeJoinRules, "@a:hs1",
		`{"join_rule":"restricted","allow":[{"type":"m.room_membership","room_id":"`+rt.RoomID+`"}]}`,
		rt.State(""), in, rt.Depth(3), rt.Prev("$rja:hs1"), rt.Auth("$rc:hs1", "$rja:hs1")))

	r.mustIngest(t, rt.Member("$rjb:hs2", "@b:hs2", "@b:hs2", room.MembershipJoin,
		in, rt.Depth(4), rt.Prev("$rjr:hs1"), rt.Auth("$rc:hs1", "$rjr:hs1")))

	_, err := r.svc.Ingest(ctx, rt.Member("$rjc:hs3", "@c:hs3", "@c:hs3", room.MembershipJoin,
		in, rt.Depth(5), rt.Prev("$rjb:hs2"), rt.Auth("$rc:hs1", "$rjr:hs1")))
	requireDenied(t, err, room.ReasonJoinRuleForbids)
}

func TestResolveRestrictedRoomAllowingItself(t *testing.T) {
	store := memstore.New()
	svc := NewService(store, Config{}, zerolog.Nop())
	ctx := context.Background()
	ingest := func(ev *room.Event) {
		t.Helper()
		_, err := svc.Ingest(ctx, ev)
		require.NoError(t, err, "ingest %s", ev.EventID)
	}

	const self = "!self:hs1"
	in := rt.InRoom(self)
	ingest(rt.Event("$sc:hs1", room.TypeCreate, "@a:hs1", `{"creator":"@a:hs1","room_version":"8"}`, rt.State(""), in))
	ingest(rt.Member("$sja:hs1", "@a:hs1", "@a:hs1", room.MembershipJoin,
		in, rt.Depth(2), rt.Prev("$sc:hs1"), rt.Auth("$sc:hs1")))
	ingest(rt.PowerLevels("$spl:hs1", "@a:hs1", `{"users":{"@a:hs1":100}}`,
		in, rt.Depth(3), rt.Prev("$sja:hs1"), rt.Auth("$sc:hs1", "$sja:hs1")))
	ingest(rt.Event("$sjr:hs1", room.TypeJoinRules, "@a:hs1",
		`{"join_rule":"restricted","allow":[{"type":"m.room_membership","room_id":"`+self+`"}]}`,
		rt.State(""), in, rt.Depth(4), rt.Prev("$spl:hs1"), rt.Auth("$sc:hs1", "$sja:hs1", "$spl:hs1")))

	// One branch invites @u, the other holds a join by @u that arrived
	// through backfill with no authorising user.
	ingest(rt.Member("$si:hs1", "@a:hs1", "@u:hs2", room.MembershipInvite,
		in, rt.Depth(5), rt.Prev("$sjr:hs1"), rt.Auth("$sc:hs1", "$sja:hs1", "$spl:hs1", "$sjr:hs1")))
	join := rt.Member("$su:hs2", "@u:hs2", "@u:hs2", room.MembershipJoin,
		in, rt.Depth(10), rt.Prev("$sjr:hs1"), rt.Auth("$sc:hs1", "$spl:hs1", "$sjr:hs1"))
	out, err := svc.ComputeEventContext(ctx, join, ContextOptions{})
	require.NoError(t, err)
	require.NoError(t, store.StoreEvent(ctx, join, out.StateGroup))

	type result struct {
		entry *StateEntry
		err   error
	}
	done := make(chan result, 1)
	go func() {
		entry, err := svc.CurrentState(ctx, self)
		done <- result{entry, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		// The join needs a lookup of the room being resolved, so it loses
		// to the invite.
		assert.Equal(t, "$si:hs1", res.entry.State[room.MemberKey("@u:hs2")])
	case <-time.After(5 * time.Second):
		t.Fatal("resolving the restricted room did not finish")
	}
}
