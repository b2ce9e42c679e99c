package eventauth

import (
	"github.com/hearth-im/hearth/internal/domain/room"
)

// checkMembership evaluates the membership state machine. Transitions are
// keyed by the target's and sender's current membership, the requested
// membership and the join rule.
func (a *Authorizer) checkMembership(ctx *authContext, event *room.Event) error {
	membership := event.Membership()
	target := event.StateKeyValue()
	sender := event.Sender
	if !room.IsUserID(target) {
		return room.Malformed("membership state_key is not a user id: " + target)
	}

	// The creator's own join directly after the create event.
	if membership == room.MembershipJoin &&
		len(event.PrevEvents) == 1 &&
		event.PrevEvents[0] == ctx.create.EventID &&
		ctx.create.Creator() == target &&
		sender == target {
		return nil
	}

	if !sameDomain(event.RoomID, target) && !ctx.create.Federate() {
		return room.Denied(room.ReasonUnfederatable, "room %s has been marked as unfederatable", event.RoomID)
	}

	callerMembership := ctx.membership(sender)
	callerInRoom := callerMembership == room.MembershipJoin
	callerInvited := callerMembership == room.MembershipInvite
	targetMembership := ctx.membership(target)
	targetInRoom := targetMembership == room.MembershipJoin
	targetBanned := targetMembership == room.MembershipBan

	userLevel := ctx.userLevel(sender)
	targetLevel := ctx.userLevel(target)
	banLevel := ctx.namedLevel(room.LevelBan, room.DefaultBanLevel)

	if membership == room.MembershipInvite && event.ContentField("third_party_invite").Exists() {
		if err := verifyThirdPartyInvite(ctx, event); err != nil {
			return err
		}
		if targetBanned {
			return room.Denied(room.ReasonBanned, "%s is banned from the room", target)
		}
		return nil
	}

	if membership == room.MembershipKnock {
		return checkKnock(ctx, event, targetMembership)
	}

	if membership != room.MembershipJoin {
		// Declining an invite or rescinding a knock.
		if membership == room.MembershipLeave && target == sender &&
			(callerInvited || callerMembership == room.MembershipKnock) {
			return nil
		}
		if !callerInRoom {
			return room.Denied(room.ReasonNotInRoom, "%s not in room %s", sender, event.RoomID)
		}
	}

	switch membership {
	case room.MembershipInvite:
		if targetBanned {
			return room.Denied(room.ReasonBanned, "%s is banned from the room", target)
		}
		if targetInRoom {
			return room.Denied(room.ReasonAlreadyJoined, "%s is already in the room", target)
		}
		if userLevel < ctx.namedLevel(room.LevelInvite, room.DefaultInviteLevel) {
			return room.Denied(room.ReasonInsufficientPower, "%s cannot invite %s", sender, target)
		}
		return nil

	case room.MembershipJoin:
		if sender != target {
			return room.Denied(room.ReasonCannotForceJoin, "cannot force %s to join", target)
		}
		if targetBanned {
			return room.Denied(room.ReasonBanned, "%s is banned from the room", target)
		}
		return a.checkJoinRule(ctx, event, callerInRoom || callerInvited)

	case room.MembershipLeave:
		if targetBanned && userLevel < banLevel {
			return room.Denied(room.ReasonInsufficientPower, "%s cannot unban %s", sender, target)
		}
		if target != sender {
			kickLevel := ctx.namedLevel(room.LevelKick, room.DefaultKickLevel)
			if userLevel < kickLevel || userLevel <= targetLevel {
				return room.Denied(room.ReasonInsufficientPower, "%s cannot kick %s", sender, target)
			}
		}
		return nil

	case room.MembershipBan:
		if userLevel < banLevel || userLevel <= targetLevel {
			return room.Denied(room.ReasonInsufficientPower, "%s cannot ban %s", sender, target)
		}
		return nil

	default:
		return room.Denied(room.ReasonUnknownMembership, "unknown membership %q", membership)
	}
}

func (a *Authorizer) checkJoinRule(ctx *authContext, event *room.Event, invitedOrJoined bool) error {
	switch rule := ctx.joinRule(); {
	case rule == room.JoinRulePublic:
		return nil
	case rule == room.JoinRuleInvite,
		rule == room.JoinRuleKnock && ctx.version.Knocking:
		if !invitedOrJoined {
			return room.Denied(room.ReasonNotInvited, "%s is not invited to this room", event.Sender)
		}
		return nil
	case rule == room.JoinRuleRestricted && ctx.version.RestrictedJoinRule,
		rule == room.JoinRuleKnockRestricted && ctx.version.KnockRestrictedJoinRule:
		if invitedOrJoined {
			return nil
		}
		return a.checkRestrictedJoin(ctx, event)
	default:
		return room.Denied(room.ReasonJoinRuleForbids, "join rule %q does not allow %s to join", rule, event.Sender)
	}
}

// checkRestrictedJoin passes when a resident user with invite power vouched
// for the join, or when the joiner is in one of the allow-listed rooms.
func (a *Authorizer) checkRestrictedJoin(ctx *authContext, event *room.Event) error {
	if via := event.ContentField("join_authorised_via_users_server").String(); via != "" {
		if ctx.membership(via) != room.MembershipJoin {
			return room.Denied(room.ReasonJoinRuleForbids, "authorising user %s is not in the room", via)
		}
		if ctx.userLevel(via) < ctx.namedLevel(room.LevelInvite, room.DefaultInviteLevel) {
			return room.Denied(room.ReasonJoinRuleForbids, "authorising user %s cannot invite", via)
		}
		return nil
	}

	if ctx.spaces != nil {
		if rules := ctx.state.Get(room.TypeJoinRules, ""); rules != nil {
			for _, allow := range rules.ContentField("allow").Array() {
				if allow.Get("type").String() != "m.room_membership" {
					continue
				}
				if ctx.spaces.IsJoined(allow.Get("room_id").String(), event.StateKeyValue()) {
					return nil
				}
			}
		}
	}
	return room.Denied(room.ReasonJoinRuleForbids, "%s does not satisfy the restricted join rule", event.Sender)
}

func checkKnock(ctx *authContext, event *room.Event, targetMembership string) error {
	if !ctx.version.Knocking {
		return room.Denied(room.ReasonUnknownMembership, "room version %s does not support knocking", ctx.version.ID)
	}
	rule := ctx.joinRule()
	if rule != room.JoinRuleKnock && !(rule == room.JoinRuleKnockRestricted && ctx.version.KnockRestrictedJoinRule) {
		return room.Denied(room.ReasonJoinRuleForbids, "join rule %q does not allow knocking", rule)
	}
	if event.Sender != event.StateKeyValue() {
		return room.Denied(room.ReasonCannotForceJoin, "cannot knock on behalf of %s", event.StateKeyValue())
	}
	switch targetMembership {
	case room.MembershipBan:
		return room.Denied(room.ReasonBanned, "%s is banned from the room", event.Sender)
	case room.MembershipJoin:
		return room.Denied(room.ReasonAlreadyJoined, "%s is already in the room", event.Sender)
	}
	return nil
}
