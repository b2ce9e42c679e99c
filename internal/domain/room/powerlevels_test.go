package room

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePowerLevels(t *testing.T) {
	pl, err := ParsePowerLevels([]byte(`{
		"users": {"@a:hs1": 100, "@b:hs1": "50"},
		"users_default": 10,
		"events": {"m.room.name": 75},
		"ban": 60
	}`), false)
	require.NoError(t, err)

	assert.Equal(t, int64(100), pl.UserLevel("@a:hs1"))
	assert.Equal(t, int64(50), pl.UserLevel("@b:hs1"))
	assert.Equal(t, int64(10), pl.UserLevel("@c:hs1"))
	assert.Equal(t, int64(60), pl.NamedLevel(LevelBan, DefaultBanLevel))
	assert.Equal(t, DefaultKickLevel, pl.NamedLevel(LevelKick, DefaultKickLevel))
	assert.Equal(t, int64(75), pl.EventLevel("m.room.name", true))
	assert.Equal(t, DefaultStateLevel, pl.EventLevel("m.room.topic", true))
	assert.Equal(t, DefaultEventsLevel, pl.EventLevel(TypeMessage, false))
}

func TestParsePowerLevels_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		strict  bool
	}{
		{name: "string level in strict mode", content: `{"users":{"@a:hs1":"50"}}`, strict: true},
		{name: "non numeric string", content: `{"ban":"lots"}`},
		{name: "fractional level", content: `{"kick":5.5}`},
		{name: "bad user id", content: `{"users":{"alice":50}}`},
		{name: "object level", content: `{"events":{"m.room.name":{}}}`},
		{name: "not json", content: `{"users":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePowerLevels([]byte(tt.content), tt.strict)
			require.Error(t, err)
			assert.True(t, IsMalformed(err))
		})
	}
}

func TestParsePowerLevels_Empty(t *testing.T) {
	pl, err := ParsePowerLevels(nil, true)
	require.NoError(t, err)
	assert.Equal(t, DefaultUsersLevel, pl.UserLevel("@a:hs1"))
	assert.Equal(t, DefaultRedactLevel, pl.NamedLevel(LevelRedact, DefaultRedactLevel))
}
