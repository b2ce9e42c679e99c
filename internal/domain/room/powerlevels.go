package room

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Default levels applied when a power-levels event omits a field.
const (
	DefaultUsersLevel  int64 = 0
	DefaultEventsLevel int64 = 0
	DefaultStateLevel  int64 = 50
	DefaultBanLevel    int64 = 50
	DefaultKickLevel   int64 = 50
	DefaultRedactLevel int64 = 50
	DefaultInviteLevel int64 = 0
	CreatorLevel       int64 = 100
)

// Named levels of a power-levels event.
const (
	LevelUsersDefault  = "users_default"
	LevelEventsDefault = "events_default"
	LevelStateDefault  = "state_default"
	LevelBan           = "ban"
	LevelKick          = "kick"
	LevelRedact        = "redact"
	LevelInvite        = "invite"
)

// NamedLevels lists the scalar levels in the order they are checked.
var NamedLevels = []string{
	LevelUsersDefault, LevelEventsDefault, LevelStateDefault,
	LevelBan, LevelRedact, LevelKick, LevelInvite,
}

// PowerLevels is the parsed content of an m.room.power_levels event.
// A nil entry in Named means the field was absent.
type PowerLevels struct {
	Users  map[string]int64
	Events map[string]int64
	Named  map[string]*int64
}

// ParsePowerLevels decodes power-levels content. When strict is set
// only JSON integers are accepted; otherwise numeric strings are too.
func ParsePowerLevels(content []byte, strict bool) (*PowerLevels, error) {
	pl := &PowerLevels{
		Users:  map[string]int64{},
		Events: map[string]int64{},
		Named:  map[string]*int64{},
	}
	if len(content) == 0 {
		return pl, nil
	}
	if !gjson.ValidBytes(content) {
		return nil, Malformed("power levels content is not valid JSON")
	}
	root := gjson.ParseBytes(content)
	for _, name := range NamedLevels {
		raw := root.Get(name)
		if !raw.Exists() {
			continue
		}
		level, err := parseLevel(raw, strict)
		if err != nil {
			return nil, Malformed(fmt.Sprintf("%s: %v", name, err))
		}
		pl.Named[name] = &level
	}
	var parseErr error
	root.Get("users").ForEach(func(key, value gjson.Result) bool {
		if !IsUserID(key.String()) {
			parseErr = Malformed("not a valid user_id: " + key.String())
			return false
		}
		level, err := parseLevel(value, strict)
		if err != nil {
			parseErr = Malformed(fmt.Sprintf("users.%s: %v", key.String(), err))
			return false
		}
		pl.Users[key.String()] = level
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	root.Get("events").ForEach(func(key, value gjson.Result) bool {
		level, err := parseLevel(value, strict)
		if err != nil {
			parseErr = Malformed(fmt.Sprintf("events.%s: %v", key.String(), err))
			return false
		}
		pl.Events[key.String()] = level
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return pl, nil
}

func parseLevel(raw gjson.Result, strict bool) (int64, error) {
	switch raw.Type {
	case gjson.Number:
		if raw.Num != math.Trunc(raw.Num) {
			return 0, fmt.Errorf("not an integer: %s", raw.Raw)
		}
		return raw.Int(), nil
	case gjson.String:
		if strict {
			return 0, fmt.Errorf("not an integer: %s", raw.Raw)
		}
		v, err := strconv.ParseInt(strings.TrimSpace(raw.Str), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not a valid power level: %s", raw.Raw)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("not a valid power level: %s", raw.Raw)
	}
}

// NamedLevel returns a named level or def when absent.
func (pl *PowerLevels) NamedLevel(name string, def int64) int64 {
	if v := pl.Named[name]; v != nil {
		return *v
	}
	return def
}

// UserLevel returns the level of userID, falling back to users_default.
func (pl *PowerLevels) UserLevel(userID string) int64 {
	if level, ok := pl.Users[userID]; ok {
		return level
	}
	return pl.NamedLevel(LevelUsersDefault, DefaultUsersLevel)
}

// EventLevel returns the level needed to send eventType.
func (pl *PowerLevels) EventLevel(eventType string, isState bool) int64 {
	if level, ok := pl.Events[eventType]; ok {
		return level
	}
	if isState {
		return pl.NamedLevel(LevelStateDefault, DefaultStateLevel)
	}
	return pl.NamedLevel(LevelEventsDefault, DefaultEventsLevel)
}
