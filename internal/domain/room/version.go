package room

import "fmt"

// DefaultVersionID is assumed when a create event names no version.
const DefaultVersionID = "1"

// Version describes the authorization variants active in a room.
type Version struct {
	ID string
	// m.room.aliases is authorized by state_key == sender server.
	SpecialCaseAliasesAuth bool
	// The "restricted" join rule.
	RestrictedJoinRule bool
	// Membership "knock" and the "knock" join rule.
	Knocking bool
	// The "knock_restricted" join rule.
	KnockRestrictedJoinRule bool
	// Power levels must be JSON integers.
	EnforceIntPowerLevels bool
}

var knownVersions = map[string]Version{
	"1":  {ID: "1", SpecialCaseAliasesAuth: true},
	"2":  {ID: "2", SpecialCaseAliasesAuth: true},
	"3":  {ID: "3", SpecialCaseAliasesAuth: true},
	"4":  {ID: "4", SpecialCaseAliasesAuth: true},
	"5":  {ID: "5", SpecialCaseAliasesAuth: true},
	"6":  {ID: "6"},
	"7":  {ID: "7", Knocking: true},
	"8":  {ID: "8", Knocking: true, RestrictedJoinRule: true},
	"9":  {ID: "9", Knocking: true, RestrictedJoinRule: true},
	"10": {ID: "10", Knocking: true, RestrictedJoinRule: true, KnockRestrictedJoinRule: true, EnforceIntPowerLevels: true},
}

// LookupVersion returns the descriptor for a room version identifier.
func LookupVersion(id string) (Version, error) {
	if id == "" {
		id = DefaultVersionID
	}
	v, ok := knownVersions[id]
	if !ok {
		return Version{}, Malformed(fmt.Sprintf("unsupported room version %q", id))
	}
	return v, nil
}

// MustVersion is LookupVersion for identifiers known at compile time.
func MustVersion(id string) Version {
	v, err := LookupVersion(id)
	if err != nil {
		panic(err)
	}
	return v
}
