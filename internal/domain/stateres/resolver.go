// Package stateres merges divergent room state snapshots into one
// canonical snapshot.
package stateres

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/hearth-im/hearth/internal/domain/eventauth"
	"github.com/hearth-im/hearth/internal/domain/room"
)

// EventFetcher loads events by id. Unknown ids are absent from the result.
type EventFetcher interface {
	GetEvents(ctx context.Context, eventIDs []string) (map[string]*room.Event, error)
}

// Resolver implements state resolution. It holds no state of its own and
// is safe for concurrent use.
type Resolver struct {
	auth   *eventauth.Authorizer
	logger zerolog.Logger
}

// NewResolver creates a Resolver checking candidates with auth.
func NewResolver(auth *eventauth.Authorizer, logger zerolog.Logger) *Resolver {
	return &Resolver{
		auth:   auth,
		logger: logger.With().Str("component", "stateres").Logger(),
	}
}

var replayOptions = eventauth.CheckOptions{
	SkipSignatureChecks: true,
	SkipSizeChecks:      true,
	SkipSpaceLookups:    true,
}

// Resolve merges snapshots. The result depends only on the snapshots and
// the fetched events, never on input order.
func (r *Resolver) Resolve(ctx context.Context, version room.Version, snapshots []room.StateSnapshot, fetcher EventFetcher) (room.StateSnapshot, error) {
	switch len(snapshots) {
	case 0:
		return room.StateSnapshot{}, nil
	case 1:
		return snapshots[0], nil
	}

	conflicts := room.Separate(snapshots)
	if len(conflicts.Conflicted) == 0 {
		return conflicts.Unconflicted, nil
	}

	candidates, err := fetcher.GetEvents(ctx, conflicts.ConflictedEventIDs())
	if err != nil {
		return nil, fmt.Errorf("fetch conflicted events: %w", err)
	}

	authState, cited, err := r.loadAuthContext(ctx, conflicts, candidates, fetcher)
	if err != nil {
		return nil, err
	}

	resolved := r.resolveConflicts(version, conflicts.Conflicted, candidates, authState, cited)

	out := conflicts.Unconflicted.Clone()
	for k, ev := range resolved {
		out[k] = ev.EventID
	}
	return out, nil
}

// loadAuthContext fetches, in one batch, the unconflicted state the
// candidates' auth rules can refer to and the events the candidates cite.
func (r *Resolver) loadAuthContext(
	ctx context.Context,
	conflicts room.ConflictSet,
	candidates map[string]*room.Event,
	fetcher EventFetcher,
) (room.StateEvents, map[string]*room.Event, error) {
	authKeys := map[room.StateKey]struct{}{}
	citedIDs := map[string]struct{}{}
	for _, ev := range candidates {
		for _, k := range eventauth.AuthTypesForEvent(ev) {
			authKeys[k] = struct{}{}
		}
		for _, id := range ev.AuthEvents {
			citedIDs[id] = struct{}{}
		}
	}

	want := map[string]struct{}{}
	for k := range authKeys {
		if id, ok := conflicts.Unconflicted[k]; ok {
			want[id] = struct{}{}
		}
	}
	for id := range citedIDs {
		want[id] = struct{}{}
	}
	ids := make([]string, 0, len(want))
	for id := range want {
		if _, ok := candidates[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	fetched := map[string]*room.Event{}
	if len(ids) > 0 {
		var err error
		fetched, err = fetcher.GetEvents(ctx, ids)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch auth events: %w", err)
		}
	}
	lookup := func(id string) *room.Event {
		if ev, ok := candidates[id]; ok {
			return ev
		}
		return fetched[id]
	}

	authState := room.StateEvents{}
	for k := range authKeys {
		id, ok := conflicts.Unconflicted[k]
		if !ok {
			continue
		}
		if ev := lookup(id); ev != nil {
			authState[k] = ev
		}
	}
	cited := map[string]*room.Event{}
	for id := range citedIDs {
		if ev := lookup(id); ev != nil {
			cited[id] = ev
		}
	}
	return authState, cited, nil
}

// resolveConflicts settles conflicted keys by category: power levels, join
// rules, memberships, then everything else. Each category is checked
// against the context the earlier categories produced.
func (r *Resolver) resolveConflicts(
	version room.Version,
	conflicted map[room.StateKey][]string,
	candidates map[string]*room.Event,
	authState room.StateEvents,
	cited map[string]*room.Event,
) map[room.StateKey]*room.Event {
	resolved := map[room.StateKey]*room.Event{}
	for _, category := range categorize(conflicted) {
		winners := map[room.StateKey]*room.Event{}
		for _, key := range category {
			events := make([]*room.Event, 0, len(conflicted[key]))
			for _, id := range conflicted[key] {
				if ev, ok := candidates[id]; ok {
					events = append(events, ev)
				}
			}
			if len(events) == 0 {
				r.logger.Warn().Str("key", key.String()).Msg("no candidate events available, dropping conflicted key")
				continue
			}
			winners[key] = r.resolveKey(version, key, events, authState, cited)
		}
		authState = overlay(authState, winners)
		for k, ev := range winners {
			resolved[k] = ev
		}
	}
	return resolved
}

func (r *Resolver) resolveKey(
	version room.Version,
	key room.StateKey,
	events []*room.Event,
	authState room.StateEvents,
	cited map[string]*room.Event,
) *room.Event {
	ordered := OrderCandidates(events)
	for _, ev := range ordered {
		err := r.auth.Check(version, ev, contextFor(ev, authState, cited), replayOptions)
		if err == nil {
			r.logger.Debug().Str("key", key.String()).Str("eventId", ev.EventID).Int("candidates", len(ordered)).Msg("resolved conflicted key")
			return ev
		}
		r.logger.Debug().Str("key", key.String()).Str("eventId", ev.EventID).Err(err).Msg("candidate rejected")
	}
	fallback := ordered[len(ordered)-1]
	r.logger.Debug().Str("key", key.String()).Str("eventId", fallback.EventID).Msg("every candidate rejected, using fallback")
	return fallback
}

// contextFor completes authState with the events ev itself cites, for
// keys the resolved context has no opinion on.
func contextFor(ev *room.Event, authState room.StateEvents, cited map[string]*room.Event) room.StateEvents {
	var out room.StateEvents
	for _, id := range ev.AuthEvents {
		citedEv, ok := cited[id]
		if !ok {
			continue
		}
		if _, known := authState[citedEv.Key()]; known {
			continue
		}
		if out == nil {
			out = overlay(authState, nil)
		}
		out[citedEv.Key()] = citedEv
	}
	if out == nil {
		return authState
	}
	return out
}

func overlay(base room.StateEvents, updates map[room.StateKey]*room.Event) room.StateEvents {
	out := make(room.StateEvents, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

// categorize splits conflicted keys into resolution order, each category
// sorted.
func categorize(conflicted map[room.StateKey][]string) [][]room.StateKey {
	var power, joinRules, members, rest []room.StateKey
	for k := range conflicted {
		switch {
		case k == room.PowerLevelsKey:
			power = append(power, k)
		case k.Type == room.TypeJoinRules:
			joinRules = append(joinRules, k)
		case k.Type == room.TypeMember:
			members = append(members, k)
		default:
			rest = append(rest, k)
		}
	}
	out := [][]room.StateKey{power, joinRules, members, rest}
	for _, keys := range out {
		room.SortKeys(keys)
	}
	return out
}

// OrderCandidates sorts events by descending depth, then descending
// OrderingHash of the event id.
func OrderCandidates(events []*room.Event) []*room.Event {
	out := append([]*room.Event(nil), events...)
	hashes := make(map[string]string, len(out))
	for _, ev := range out {
		hashes[ev.EventID] = OrderingHash(ev.EventID)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth > out[j].Depth
		}
		return hashes[out[i].EventID] > hashes[out[j].EventID]
	})
	return out
}

// OrderingHash is the hex SHA-1 of an event id.
func OrderingHash(eventID string) string {
	sum := sha1.Sum([]byte(eventID))
	return hex.EncodeToString(sum[:])
}
