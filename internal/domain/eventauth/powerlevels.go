package eventauth

import (
	"sort"

	"github.com/hearth-im/hearth/internal/domain/room"
)

// checkPowerLevels rejects a power-levels change that touches any level
// above the sender's own, or that demotes a peer holding the sender's level.
func checkPowerLevels(ctx *authContext, event *room.Event) error {
	next, err := room.ParsePowerLevels(event.Content, ctx.version.EnforceIntPowerLevels)
	if err != nil {
		return err
	}
	if ctx.levels == nil {
		return nil
	}
	prev := ctx.levels
	userLevel := ctx.userLevel(event.Sender)

	for _, name := range room.NamedLevels {
		if err := checkLevelChange(name, prev.Named[name], next.Named[name], userLevel, false); err != nil {
			return err
		}
	}
	for _, user := range unionKeys(prev.Users, next.Users) {
		isPeer := user != event.Sender
		if err := checkLevelChange(user, lookup(prev.Users, user), lookup(next.Users, user), userLevel, isPeer); err != nil {
			return err
		}
	}
	for _, eventType := range unionKeys(prev.Events, next.Events) {
		if err := checkLevelChange(eventType, lookup(prev.Events, eventType), lookup(next.Events, eventType), userLevel, false); err != nil {
			return err
		}
	}
	return nil
}

func checkLevelChange(subject string, before, after *int64, userLevel int64, isPeer bool) error {
	if before == nil && after == nil {
		return nil
	}
	if before != nil && after != nil && *before == *after {
		return nil
	}
	if isPeer && before != nil && *before == userLevel {
		return room.Denied(room.ReasonPowerLevelEscalated,
			"cannot change the level of %s, which equals your own", subject)
	}
	if (before != nil && *before > userLevel) || (after != nil && *after > userLevel) {
		return room.Denied(room.ReasonPowerLevelEscalated,
			"cannot change %s to or from a level above your own (%d)", subject, userLevel)
	}
	return nil
}

func lookup(m map[string]int64, key string) *int64 {
	v, ok := m[key]
	if !ok {
		return nil
	}
	return &v
}

func unionKeys(a, b map[string]int64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
