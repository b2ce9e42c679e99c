// Package eventauth decides whether an event may extend a room graph given
// the state it cites, and which state an event must cite.
package eventauth

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/hearth-im/hearth/internal/domain/room"
)

// Size limits applied to every event.
const (
	MaxIDLength    = 255
	MaxEventLength = 65536
)

// SignatureVerifier checks the origin signatures of an event.
type SignatureVerifier interface {
	VerifyEventSignatures(event *room.Event) error
}

// SpaceMembership answers restricted-join allow conditions.
type SpaceMembership interface {
	IsJoined(roomID, userID string) bool
}

// CheckOptions tune a single authorization check.
type CheckOptions struct {
	// SkipSignatureChecks is set when signatures were verified on receipt.
	SkipSignatureChecks bool
	// SkipSizeChecks is set when size limits were enforced on receipt.
	SkipSizeChecks bool
	// TrustIfNoContext allows an event checked against nil auth state.
	// Only backfill and bootstrap callers set it.
	TrustIfNoContext bool
	// SkipSpaceLookups decides restricted joins from the auth state alone,
	// without asking SpaceMembership about other rooms. State resolution
	// sets it so a replayed check depends only on the events it is given.
	SkipSpaceLookups bool
}

// Authorizer evaluates the event authorization rules.
type Authorizer struct {
	signatures SignatureVerifier
	spaces     SpaceMembership
	logger     zerolog.Logger
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithSignatureVerifier enables origin signature checks.
func WithSignatureVerifier(v SignatureVerifier) Option {
	return func(a *Authorizer) { a.signatures = v }
}

// WithSpaceMembership enables allow-list checks for restricted joins.
func WithSpaceMembership(s SpaceMembership) Option {
	return func(a *Authorizer) { a.spaces = s }
}

// NewAuthorizer creates an Authorizer.
func NewAuthorizer(logger zerolog.Logger, opts ...Option) *Authorizer {
	a := &Authorizer{
		logger: logger.With().Str("component", "eventauth").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Check returns nil when event is allowed against authState. Denials are
// *room.AuthError; structural problems are *room.EventTooLargeError or
// *room.MalformedEventError.
func (a *Authorizer) Check(version room.Version, event *room.Event, authState room.StateEvents, opts CheckOptions) error {
	if !opts.SkipSizeChecks {
		if err := CheckSizeLimits(event); err != nil {
			return err
		}
	}
	if event.RoomID == "" {
		return room.Malformed("event has no room_id")
	}
	if !opts.SkipSignatureChecks && a.signatures != nil {
		if err := a.signatures.VerifyEventSignatures(event); err != nil {
			return room.Denied(room.ReasonInvalidSignature, "%s: %v", event.EventID, err)
		}
	}

	if event.Type == room.TypeCreate {
		return checkCreate(event)
	}

	if authState == nil {
		if opts.TrustIfNoContext {
			a.logger.Warn().Str("eventId", event.EventID).Msg("trusting event without auth context")
			return nil
		}
		return room.Denied(room.ReasonMissingAuthContext, "no auth state supplied for %s", event.EventID)
	}

	err := a.check(version, event, authState, opts)
	if err != nil {
		a.logger.Debug().
			Str("eventId", event.EventID).
			Str("type", event.Type).
			Str("sender", event.Sender).
			Err(err).
			Msg("denying event")
	}
	return err
}

func (a *Authorizer) check(version room.Version, event *room.Event, authState room.StateEvents, opts CheckOptions) error {
	ctx, err := newAuthContext(version, authState)
	if err != nil {
		return err
	}
	if !opts.SkipSpaceLookups {
		ctx.spaces = a.spaces
	}
	if ctx.create == nil {
		return room.Denied(room.ReasonRoomDoesNotExist, "room %s does not exist", event.RoomID)
	}

	if !sameDomain(event.RoomID, event.Sender) && !ctx.create.Federate() {
		return room.Denied(room.ReasonUnfederatable, "room %s has been marked as unfederatable", event.RoomID)
	}

	if event.Type == room.TypeAliases && version.SpecialCaseAliasesAuth {
		return checkAliases(event)
	}

	if event.Type == room.TypeMember {
		return a.checkMembership(ctx, event)
	}

	if ctx.membership(event.Sender) != room.MembershipJoin {
		return room.Denied(room.ReasonNotInRoom, "%s not in room %s", event.Sender, event.RoomID)
	}

	if event.Type == room.TypeThirdPartyInvite {
		if ctx.userLevel(event.Sender) < ctx.namedLevel(room.LevelInvite, room.DefaultInviteLevel) {
			return room.Denied(room.ReasonInsufficientPower, "%s cannot issue third party invites", event.Sender)
		}
		return nil
	}

	if err := checkSendLevel(ctx, event); err != nil {
		return err
	}

	if event.Type == room.TypePowerLevels {
		if err := checkPowerLevels(ctx, event); err != nil {
			return err
		}
	}

	if event.Type == room.TypeRedaction {
		if _, err := redactionPermission(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// CheckSizeLimits enforces identifier and serialized size limits.
func CheckSizeLimits(event *room.Event) error {
	tooBig := func(field string) error { return &room.EventTooLargeError{Field: field} }
	switch {
	case len(event.Sender) > MaxIDLength:
		return tooBig("sender")
	case len(event.RoomID) > MaxIDLength:
		return tooBig("room_id")
	case event.IsState() && len(*event.StateKey) > MaxIDLength:
		return tooBig("state_key")
	case len(event.Type) > MaxIDLength:
		return tooBig("type")
	case len(event.EventID) > MaxIDLength:
		return tooBig("event_id")
	}
	data, err := event.JSON()
	if err != nil {
		return room.Malformed("event cannot be serialized: " + err.Error())
	}
	if len(data) > MaxEventLength {
		return tooBig("event")
	}
	return nil
}

func checkCreate(event *room.Event) error {
	if len(event.PrevEvents) > 0 {
		return room.Denied(room.ReasonInvalidCreate, "create event has prev_events")
	}
	if !sameDomain(event.RoomID, event.Sender) {
		return room.Denied(room.ReasonInvalidCreate, "creation event's room_id domain does not match sender")
	}
	if _, err := room.LookupVersion(event.ContentField("room_version").String()); err != nil {
		return err
	}
	return nil
}

func checkAliases(event *room.Event) error {
	if !event.IsState() {
		return room.Denied(room.ReasonForeignState, "alias event must be a state event")
	}
	senderDomain, err := room.DomainFromID(event.Sender)
	if err != nil {
		return room.Malformed(err.Error())
	}
	if event.StateKeyValue() != senderDomain {
		return room.Denied(room.ReasonForeignState, "alias state_key does not match sender domain")
	}
	return nil
}

func checkSendLevel(ctx *authContext, event *room.Event) error {
	sendLevel := ctx.sendLevel(event)
	userLevel := ctx.userLevel(event.Sender)
	if userLevel < sendLevel {
		return room.Denied(room.ReasonInsufficientPower,
			"user_level (%d) < send_level (%d) for %s", userLevel, sendLevel, event.Type)
	}
	if event.IsState() && strings.HasPrefix(event.StateKeyValue(), "@") && event.StateKeyValue() != event.Sender {
		return room.Denied(room.ReasonForeignState, "%s cannot set state for %s", event.Sender, event.StateKeyValue())
	}
	return nil
}

func sameDomain(a, b string) bool {
	da, errA := room.DomainFromID(a)
	db, errB := room.DomainFromID(b)
	return errA == nil && errB == nil && da == db
}
