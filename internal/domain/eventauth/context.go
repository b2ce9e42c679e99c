package eventauth

import (
	"github.com/hearth-im/hearth/internal/domain/room"
)

// authContext is the auth state of one check with power levels parsed.
type authContext struct {
	version room.Version
	state   room.StateEvents
	create  *room.Event
	levels  *room.PowerLevels
	spaces  SpaceMembership
}

func newAuthContext(version room.Version, state room.StateEvents) (*authContext, error) {
	ctx := &authContext{
		version: version,
		state:   state,
		create:  state.Get(room.TypeCreate, ""),
	}
	if pl := state.Get(room.TypePowerLevels, ""); pl != nil {
		levels, err := room.ParsePowerLevels(pl.Content, version.EnforceIntPowerLevels)
		if err != nil {
			return nil, err
		}
		ctx.levels = levels
	}
	return ctx, nil
}

// userLevel falls back to the creator bootstrap rule when the room has no
// power-levels event yet.
func (c *authContext) userLevel(userID string) int64 {
	if c.levels == nil {
		if c.create != nil && c.create.Creator() == userID {
			return room.CreatorLevel
		}
		return room.DefaultUsersLevel
	}
	return c.levels.UserLevel(userID)
}

func (c *authContext) namedLevel(name string, def int64) int64 {
	if c.levels == nil {
		return def
	}
	return c.levels.NamedLevel(name, def)
}

func (c *authContext) sendLevel(event *room.Event) int64 {
	if c.levels == nil {
		return 0
	}
	return c.levels.EventLevel(event.Type, event.IsState())
}

func (c *authContext) member(userID string) *room.Event {
	return c.state.Get(room.TypeMember, userID)
}

func (c *authContext) membership(userID string) string {
	if ev := c.member(userID); ev != nil {
		return ev.Membership()
	}
	return ""
}

func (c *authContext) joinRule() string {
	if ev := c.state.Get(room.TypeJoinRules, ""); ev != nil {
		return ev.JoinRule()
	}
	return room.JoinRuleInvite
}
