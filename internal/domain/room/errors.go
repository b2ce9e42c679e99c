package room

import (
	"errors"
	"fmt"
)

// Client-facing error codes.
const (
	CodeForbidden = "M_FORBIDDEN"
	CodeTooLarge  = "M_TOO_LARGE"
	CodeBadJSON   = "M_BAD_JSON"
	CodeNotFound  = "M_NOT_FOUND"
	CodeUnknown   = "M_UNKNOWN"
)

// DenialReason classifies an authorization denial.
type DenialReason string

const (
	ReasonRoomDoesNotExist    DenialReason = "room_does_not_exist"
	ReasonMissingAuthContext  DenialReason = "missing_auth_context"
	ReasonUnfederatable       DenialReason = "unfederatable"
	ReasonNotInRoom           DenialReason = "not_in_room"
	ReasonInsufficientPower   DenialReason = "insufficient_power"
	ReasonBanned              DenialReason = "banned"
	ReasonAlreadyJoined       DenialReason = "already_joined"
	ReasonNotInvited          DenialReason = "not_invited"
	ReasonJoinRuleForbids     DenialReason = "join_rule_forbids"
	ReasonForeignState        DenialReason = "foreign_state_key"
	ReasonInvalidThirdParty   DenialReason = "invalid_third_party_invite"
	ReasonInvalidSignature    DenialReason = "invalid_signature"
	ReasonInvalidCreate       DenialReason = "invalid_create"
	ReasonUnknownMembership   DenialReason = "unknown_membership"
	ReasonCannotForceJoin     DenialReason = "cannot_force_join"
	ReasonRedactionForbidden  DenialReason = "redaction_forbidden"
	ReasonPowerLevelEscalated DenialReason = "power_level_escalation"
	ReasonUnexpectedAuthEvent DenialReason = "unexpected_auth_event"
)

// AuthError is an expected authorization denial. The event is rejected
// but the room carries on.
type AuthError struct {
	Reason  DenialReason
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

// Denied builds an AuthError.
func Denied(reason DenialReason, format string, args ...any) *AuthError {
	return &AuthError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// EventTooLargeError reports a size limit violation. It is fatal: the
// event never enters the graph.
type EventTooLargeError struct {
	Field string
}

func (e *EventTooLargeError) Error() string {
	return e.Field + " too large"
}

// MalformedEventError reports a structurally invalid event.
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string {
	return "malformed event: " + e.Reason
}

// Malformed builds a MalformedEventError.
func Malformed(reason string) *MalformedEventError {
	return &MalformedEventError{Reason: reason}
}

// ErrNotFound is returned by storage when an id is unknown.
var ErrNotFound = errors.New("not found")

// IsAuthError reports whether err is a denial.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsMalformed reports whether err is a structural violation.
func IsMalformed(err error) bool {
	var tooLarge *EventTooLargeError
	var malformed *MalformedEventError
	return errors.As(err, &tooLarge) || errors.As(err, &malformed)
}

// ErrorCode maps err to the code surfaced to clients, so "you are not
// allowed" stays distinguishable from "your event is invalid".
func ErrorCode(err error) string {
	var tooLarge *EventTooLargeError
	var malformed *MalformedEventError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &tooLarge):
		return CodeTooLarge
	case errors.As(err, &malformed):
		return CodeBadJSON
	case IsAuthError(err):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeUnknown
	}
}
