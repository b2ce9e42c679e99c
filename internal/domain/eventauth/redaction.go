package eventauth

import (
	"github.com/hearth-im/hearth/internal/domain/room"
)

// RedactionPermission is the scope within which a redaction applies.
type RedactionPermission string

const (
	// RedactFull lets the redaction apply to any event.
	RedactFull RedactionPermission = "full"
	// RedactSelfOnly lets the redaction apply only to an event from the
	// redacting event's own origin; the caller confirms this once the
	// target is loaded.
	RedactSelfOnly RedactionPermission = "self-only"
)

// CheckRedaction decides how far a redaction event reaches.
func (a *Authorizer) CheckRedaction(version room.Version, event *room.Event, authState room.StateEvents) (RedactionPermission, error) {
	if event.Type != room.TypeRedaction {
		return "", room.Malformed("not a redaction: " + event.Type)
	}
	ctx, err := newAuthContext(version, authState)
	if err != nil {
		return "", err
	}
	return redactionPermission(ctx, event)
}

func redactionPermission(ctx *authContext, event *room.Event) (RedactionPermission, error) {
	userLevel := ctx.userLevel(event.Sender)
	if userLevel >= ctx.namedLevel(room.LevelRedact, room.DefaultRedactLevel) {
		return RedactFull, nil
	}

	redacter, errA := room.DomainFromID(event.EventID)
	redactee, errB := room.DomainFromID(event.Redacts)
	if errA != nil || errB != nil {
		// Opaque event ids carry no origin.
		return RedactSelfOnly, nil
	}
	if redacter == redactee {
		return RedactSelfOnly, nil
	}
	return "", room.Denied(room.ReasonRedactionForbidden, "%s does not have permission to redact %s", event.Sender, event.Redacts)
}
