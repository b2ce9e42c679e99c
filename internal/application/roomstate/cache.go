package roomstate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/hearth-im/hearth/internal/domain/room"
	"github.com/hearth-im/hearth/internal/domain/stateres"
)

// Cache defaults.
const (
	DefaultCacheSize = 100000
	DefaultCacheTTL  = time.Hour
)

// StateEntry is resolved state together with its storage linkage. Entries
// are shared between callers and must not be modified.
type StateEntry struct {
	State room.StateSnapshot
	// StateGroup is set when State is exactly one persisted group.
	StateGroup int64
	// StateID identifies State for caching: the group id when there is
	// one, otherwise an ephemeral id that is never persisted.
	StateID string
	// PrevGroup and Delta describe State as a delta over a stored group.
	PrevGroup int64
	Delta     room.StateSnapshot
}

// HasGroup reports whether the entry is a persisted group.
func (e *StateEntry) HasGroup() bool {
	return e.StateGroup != room.NoStateGroup
}

// StateGroupCache memoizes resolution of state group sets.
type StateGroupCache struct {
	resolver *stateres.Resolver
	entries  *expirable.LRU[string, *StateEntry]
	inflight singleflight.Group
	tracer   trace.Tracer
	logger   zerolog.Logger
}

// NewStateGroupCache creates a cache holding up to size entries, each
// expiring ttl after its last use.
func NewStateGroupCache(resolver *stateres.Resolver, size int, ttl time.Duration, tracer trace.Tracer, logger zerolog.Logger) *StateGroupCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &StateGroupCache{
		resolver: resolver,
		entries:  expirable.NewLRU[string, *StateEntry](size, nil, ttl),
		tracer:   tracer,
		logger:   logger.With().Str("service", "state_group_cache").Logger(),
	}
}

// GroupSetKey is the cache key of a set of state groups; order is ignored.
func GroupSetKey(groups []int64) string {
	sorted := append([]int64(nil), groups...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, 0, len(sorted))
	for i, g := range sorted {
		if i > 0 && g == sorted[i-1] {
			continue
		}
		parts = append(parts, strconv.FormatInt(g, 10))
	}
	return strings.Join(parts, ",")
}

// ResolveGroups resolves the state of several groups. At most one
// resolution per group set runs at a time; concurrent callers share it.
func (c *StateGroupCache) ResolveGroups(
	ctx context.Context,
	roomID string,
	version room.Version,
	groups map[int64]room.StateSnapshot,
	fetcher stateres.EventFetcher,
) (*StateEntry, error) {
	ids := make([]int64, 0, len(groups))
	for g := range groups {
		ids = append(ids, g)
	}
	key := GroupSetKey(ids)

	if entry, ok := c.lookup(key); ok {
		return entry, nil
	}

	// The shared computation must outlive any single caller's cancellation.
	detached := context.WithoutCancel(ctx)
	v, err, shared := c.inflight.Do(key, func() (any, error) {
		if entry, ok := c.lookup(key); ok {
			return entry, nil
		}
		entry, err := c.resolve(detached, roomID, version, groups, fetcher)
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug().Str("roomId", roomID).Str("groups", key).Msg("joined in-flight resolution")
	}
	return v.(*StateEntry), nil
}

// lookup returns a cached entry and restarts its expiry.
func (c *StateGroupCache) lookup(key string) (*StateEntry, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	c.entries.Add(key, entry)
	return entry, true
}

func (c *StateGroupCache) resolve(
	ctx context.Context,
	roomID string,
	version room.Version,
	groups map[int64]room.StateSnapshot,
	fetcher stateres.EventFetcher,
) (*StateEntry, error) {
	ctx, span := c.tracer.Start(ctx, "roomstate.ResolveGroups",
		trace.WithAttributes(attribute.String("room.id", roomID), attribute.Int("groups", len(groups))))
	defer span.End()

	ids := sortedGroups(groups)
	snapshots := make([]room.StateSnapshot, 0, len(ids))
	for _, g := range ids {
		snapshots = append(snapshots, groups[g])
	}

	c.logger.Info().Str("roomId", roomID).Int("groups", len(ids)).Msg("resolving state groups")
	state, err := c.resolver.Resolve(ctx, version, snapshots, fetcher)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("resolve state for %s: %w", roomID, err)
	}

	entry := &StateEntry{State: state}
	for _, g := range ids {
		if groups[g].SameEvents(state) {
			entry.StateGroup = g
			break
		}
	}
	entry.PrevGroup, entry.Delta = selectDelta(ids, groups, state)
	if entry.HasGroup() {
		entry.StateID = strconv.FormatInt(entry.StateGroup, 10)
	} else {
		entry.StateID = uuid.NewString()
	}
	return entry, nil
}

// selectDelta picks the input group the result differs from by the fewest
// entries. Only groups with exactly the keys of the result qualify, so that
// replaying the delta over the group rebuilds the result. A key can vanish
// when none of its candidates could be fetched.
func selectDelta(ids []int64, groups map[int64]room.StateSnapshot, state room.StateSnapshot) (int64, room.StateSnapshot) {
	prevGroup := room.NoStateGroup
	var delta room.StateSnapshot
	for _, g := range ids {
		old := groups[g]
		if !sameKeys(old, state) {
			continue
		}
		d := state.Diff(old)
		if delta == nil || len(d) < len(delta) {
			prevGroup, delta = g, d
		}
	}
	return prevGroup, delta
}

func sameKeys(old, state room.StateSnapshot) bool {
	if len(old) != len(state) {
		return false
	}
	for k := range state {
		if _, ok := old[k]; !ok {
			return false
		}
	}
	return true
}

func sortedGroups(groups map[int64]room.StateSnapshot) []int64 {
	ids := make([]int64, 0, len(groups))
	for g := range groups {
		ids = append(ids, g)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of live entries.
func (c *StateGroupCache) Len() int {
	return c.entries.Len()
}
