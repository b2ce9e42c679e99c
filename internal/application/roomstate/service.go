// Package roomstate answers what the state of a room is at any point in its
// graph and whether an event may be added to it.
package roomstate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hearth-im/hearth/internal/domain/eventauth"
	"github.com/hearth-im/hearth/internal/domain/room"
	"github.com/hearth-im/hearth/internal/domain/stateres"
)

const tracerName = "github.com/hearth-im/hearth/internal/application/roomstate"

// Config tunes a Service.
type Config struct {
	CacheSize int
	CacheTTL  time.Duration
	// TrustIfNoContext lets Authorize accept events checked without any
	// auth state. Only backfill and bootstrap deployments enable it.
	TrustIfNoContext bool
	// SpaceLookupTimeout bounds restricted-join membership lookups.
	SpaceLookupTimeout time.Duration
}

// EventContext is the state before and after an event.
type EventContext struct {
	PrevState    room.StateSnapshot
	CurrentState room.StateSnapshot
	// StateGroup is NoStateGroup for outliers.
	StateGroup int64
	PrevGroup  int64
	Delta      room.StateSnapshot
	// ReplacesState is the event id the event displaced from state, if any.
	ReplacesState string
}

// ContextOptions select the event-context variants.
type ContextOptions struct {
	// Outlier events get no state group.
	Outlier bool
	// OldState supplies the state before the event when its parents are
	// unknown locally, as in backfill.
	OldState []*room.Event
}

// Service is the room state façade.
type Service struct {
	repo   room.Repository
	auth   *eventauth.Authorizer
	cache  *StateGroupCache
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewService creates a Service. Restricted joins checked at ingest consult
// the current state of the allow-listed rooms unless opts override it;
// state resolution never does.
func NewService(repo room.Repository, cfg Config, logger zerolog.Logger, opts ...eventauth.Option) *Service {
	if cfg.SpaceLookupTimeout <= 0 {
		cfg.SpaceLookupTimeout = 5 * time.Second
	}
	s := &Service{
		repo:   repo,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		logger: logger.With().Str("service", "roomstate").Logger(),
	}
	authOpts := append([]eventauth.Option{eventauth.WithSpaceMembership(localSpaces{svc: s})}, opts...)
	s.auth = eventauth.NewAuthorizer(logger, authOpts...)
	resolver := stateres.NewResolver(s.auth, logger)
	s.cache = NewStateGroupCache(resolver, cfg.CacheSize, cfg.CacheTTL, s.tracer, logger)
	return s
}

// Cache exposes the resolution cache.
func (s *Service) Cache() *StateGroupCache {
	return s.cache
}

// RoomVersion returns the version descriptor of a stored room.
func (s *Service) RoomVersion(ctx context.Context, roomID string) (room.Version, error) {
	id, err := s.repo.GetRoomVersion(ctx, roomID)
	if err != nil {
		return room.Version{}, fmt.Errorf("failed to get room version for %s: %w", roomID, err)
	}
	return room.LookupVersion(id)
}

// ComputeStateAtParents returns the state after the given parent events,
// resolving it when the parents disagree.
func (s *Service) ComputeStateAtParents(ctx context.Context, roomID string, parentIDs []string) (*StateEntry, error) {
	ctx, span := s.tracer.Start(ctx, "roomstate.ComputeStateAtParents",
		trace.WithAttributes(attribute.String("room.id", roomID), attribute.Int("parents", len(parentIDs))))
	defer span.End()

	if len(parentIDs) == 0 {
		return &StateEntry{State: room.StateSnapshot{}, StateID: "empty"}, nil
	}

	groupsByEvent, err := s.repo.GetStateGroupsForEvents(ctx, parentIDs)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get state groups for parents: %w", err)
	}
	groups := map[int64]room.StateSnapshot{}
	for _, id := range parentIDs {
		g, ok := groupsByEvent[id]
		if !ok || g == room.NoStateGroup {
			s.logger.Debug().Str("roomId", roomID).Str("eventId", id).Msg("parent has no state group")
			continue
		}
		if _, seen := groups[g]; seen {
			continue
		}
		snap, err := s.repo.GetStateGroupSnapshot(ctx, g)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to load state group %d: %w", g, err)
		}
		groups[g] = snap
	}

	switch len(groups) {
	case 0:
		return &StateEntry{State: room.StateSnapshot{}, StateID: "empty"}, nil
	case 1:
		for g, snap := range groups {
			prev, delta, err := s.repo.GetStateGroupDelta(ctx, g)
			if err != nil {
				return nil, fmt.Errorf("failed to load delta of state group %d: %w", g, err)
			}
			return &StateEntry{
				State:      snap,
				StateGroup: g,
				StateID:    strconv.FormatInt(g, 10),
				PrevGroup:  prev,
				Delta:      delta,
			}, nil
		}
	}

	version, err := s.RoomVersion(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return s.cache.ResolveGroups(ctx, roomID, version, groups, s.repo)
}

// ComputeAuthEvents returns the event ids event must cite.
func (s *Service) ComputeAuthEvents(event *room.Event, current room.StateEvents) []string {
	return eventauth.SelectAuthEvents(event, current)
}

// Authorize checks event against authState. A nil authState is trusted
// only when the service is configured to do so.
func (s *Service) Authorize(event *room.Event, authState room.StateEvents) error {
	version, err := versionOf(event, authState)
	if err != nil {
		return err
	}
	return s.auth.Check(version, event, authState, eventauth.CheckOptions{
		TrustIfNoContext: s.cfg.TrustIfNoContext,
	})
}

// CheckRedactionPermission reports whether a redaction may apply to any
// event or only to events from its own origin.
func (s *Service) CheckRedactionPermission(event *room.Event, authState room.StateEvents) (eventauth.RedactionPermission, error) {
	version, err := versionOf(event, authState)
	if err != nil {
		return "", err
	}
	return s.auth.CheckRedaction(version, event, authState)
}

// LoadStateEvents loads the events of the given ids as auth state. Ids of
// non-state events are ignored.
func (s *Service) LoadStateEvents(ctx context.Context, eventIDs []string) (room.StateEvents, error) {
	out := room.StateEvents{}
	if len(eventIDs) == 0 {
		return out, nil
	}
	events, err := s.repo.GetEvents(ctx, eventIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	for _, id := range eventIDs {
		ev, ok := events[id]
		if !ok {
			return nil, fmt.Errorf("event %s: %w", id, room.ErrNotFound)
		}
		if ev.IsState() {
			out[ev.Key()] = ev
		}
	}
	return out, nil
}

// AuthStateFor loads the part of state that can take part in authorizing
// event.
func (s *Service) AuthStateFor(ctx context.Context, event *room.Event, state room.StateSnapshot) (room.StateEvents, error) {
	ids := make([]string, 0)
	for _, k := range eventauth.AuthTypesForEvent(event) {
		if id, ok := state[k]; ok {
			ids = append(ids, id)
		}
	}
	return s.LoadStateEvents(ctx, ids)
}

// CurrentState resolves the state at the room's forward extremities.
func (s *Service) CurrentState(ctx context.Context, roomID string) (*StateEntry, error) {
	extremities, err := s.repo.GetForwardExtremities(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get forward extremities: %w", err)
	}
	if len(extremities) == 0 {
		return nil, fmt.Errorf("room %s: %w", roomID, room.ErrNotFound)
	}
	return s.ComputeStateAtParents(ctx, roomID, extremities)
}

// JoinedUsers lists the users joined to a room now.
func (s *Service) JoinedUsers(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.currentMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return members.JoinedUsers(), nil
}

// JoinedHosts lists the servers with users joined to a room now.
func (s *Service) JoinedHosts(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.currentMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return members.JoinedHosts(), nil
}

func (s *Service) currentMembers(ctx context.Context, roomID string) (room.StateEvents, error) {
	entry, err := s.CurrentState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for k, id := range entry.State {
		if k.Type == room.TypeMember {
			ids = append(ids, id)
		}
	}
	return s.LoadStateEvents(ctx, ids)
}

// ComputeEventContext works out the state before and after event and
// registers a state group for the state after it.
func (s *Service) ComputeEventContext(ctx context.Context, event *room.Event, opts ContextOptions) (*EventContext, error) {
	if opts.Outlier {
		out := &EventContext{PrevState: room.StateSnapshot{}, CurrentState: room.StateSnapshot{}}
		if opts.OldState != nil {
			out.PrevState = snapshotOfEvents(opts.OldState)
			out.CurrentState = afterEvent(out.PrevState, event)
		}
		return out, nil
	}

	if opts.OldState != nil {
		prev := snapshotOfEvents(opts.OldState)
		out := &EventContext{PrevState: prev, CurrentState: afterEvent(prev, event)}
		if event.IsState() {
			if replaced, ok := prev[event.Key()]; ok && replaced != event.EventID {
				out.ReplacesState = replaced
			}
		}
		group, err := s.storeStateGroup(ctx, event, room.NoStateGroup, nil, out.CurrentState)
		if err != nil {
			return nil, err
		}
		out.StateGroup = group
		return out, nil
	}

	entry, err := s.ComputeStateAtParents(ctx, event.RoomID, event.PrevEvents)
	if err != nil {
		return nil, err
	}
	return s.contextFromEntry(ctx, event, entry)
}

func (s *Service) contextFromEntry(ctx context.Context, event *room.Event, entry *StateEntry) (*EventContext, error) {
	out := &EventContext{PrevState: entry.State}

	if !event.IsState() {
		out.CurrentState = entry.State
		out.PrevGroup = entry.PrevGroup
		out.Delta = entry.Delta
		out.StateGroup = entry.StateGroup
		if !entry.HasGroup() {
			group, err := s.storeStateGroup(ctx, event, entry.PrevGroup, entry.Delta, entry.State)
			if err != nil {
				return nil, err
			}
			out.StateGroup = group
		}
		return out, nil
	}

	key := event.Key()
	if replaced, ok := entry.State[key]; ok {
		out.ReplacesState = replaced
	}
	out.CurrentState = entry.State.With(key, event.EventID)
	switch {
	case entry.HasGroup():
		out.PrevGroup = entry.StateGroup
		out.Delta = room.StateSnapshot{key: event.EventID}
	case entry.PrevGroup != room.NoStateGroup:
		out.PrevGroup = entry.PrevGroup
		out.Delta = entry.Delta.With(key, event.EventID)
	}
	group, err := s.storeStateGroup(ctx, event, out.PrevGroup, out.Delta, out.CurrentState)
	if err != nil {
		return nil, err
	}
	out.StateGroup = group
	return out, nil
}

func (s *Service) storeStateGroup(ctx context.Context, event *room.Event, prevGroup int64, delta, current room.StateSnapshot) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "roomstate.StoreStateGroup",
		trace.WithAttributes(attribute.String("event.id", event.EventID), attribute.Int64("prev_group", prevGroup)))
	defer span.End()

	group, err := s.repo.StoreStateGroup(ctx, event.EventID, event.RoomID, prevGroup, delta, current)
	if err != nil {
		span.RecordError(err)
		return room.NoStateGroup, fmt.Errorf("failed to store state group for %s: %w", event.EventID, err)
	}
	return group, nil
}

// Ingest authorizes event against the state at its parents and persists
// it with its state group.
func (s *Service) Ingest(ctx context.Context, event *room.Event) (*EventContext, error) {
	ctx, span := s.tracer.Start(ctx, "roomstate.Ingest",
		trace.WithAttributes(attribute.String("event.id", event.EventID), attribute.String("room.id", event.RoomID)))
	defer span.End()

	if err := event.Validate(); err != nil {
		return nil, err
	}
	if err := eventauth.CheckSizeLimits(event); err != nil {
		return nil, err
	}

	var (
		eventCtx *EventContext
		err      error
	)
	if event.Type == room.TypeCreate && len(event.PrevEvents) == 0 {
		version, verr := room.LookupVersion(event.RoomVersionID())
		if verr != nil {
			return nil, verr
		}
		if err := s.auth.Check(version, event, nil, eventauth.CheckOptions{SkipSizeChecks: true}); err != nil {
			return nil, err
		}
		eventCtx, err = s.contextFromEntry(ctx, event, &StateEntry{State: room.StateSnapshot{}})
	} else {
		eventCtx, err = s.ingestIntoGraph(ctx, event)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := s.repo.StoreEvent(ctx, event, eventCtx.StateGroup); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store event %s: %w", event.EventID, err)
	}

	s.logger.Debug().
		Str("roomId", event.RoomID).
		Str("eventId", event.EventID).
		Str("type", event.Type).
		Int64("stateGroup", eventCtx.StateGroup).
		Msg("event ingested")
	return eventCtx, nil
}

func (s *Service) ingestIntoGraph(ctx context.Context, event *room.Event) (*EventContext, error) {
	if len(event.PrevEvents) == 0 {
		return nil, room.Malformed("event has no prev_events")
	}
	version, err := s.RoomVersion(ctx, event.RoomID)
	if err != nil {
		return nil, err
	}
	entry, err := s.ComputeStateAtParents(ctx, event.RoomID, event.PrevEvents)
	if err != nil {
		return nil, err
	}
	authState, err := s.AuthStateFor(ctx, event, entry.State)
	if err != nil {
		return nil, err
	}
	if err := s.checkCitedAuthEvents(ctx, event); err != nil {
		return nil, err
	}
	if err := s.auth.Check(version, event, authState, eventauth.CheckOptions{SkipSizeChecks: true}); err != nil {
		return nil, err
	}
	if event.Type == room.TypeRedaction {
		if err := s.checkRedactionTarget(ctx, version, event, authState); err != nil {
			return nil, err
		}
	}
	return s.contextFromEntry(ctx, event, entry)
}

// checkCitedAuthEvents rejects events citing anything but state events
// at keys that can authorize them.
func (s *Service) checkCitedAuthEvents(ctx context.Context, event *room.Event) error {
	if len(event.AuthEvents) == 0 {
		return nil
	}
	allowed := map[room.StateKey]struct{}{}
	for _, k := range eventauth.AuthTypesForEvent(event) {
		allowed[k] = struct{}{}
	}
	cited, err := s.repo.GetEvents(ctx, event.AuthEvents)
	if err != nil {
		return fmt.Errorf("failed to load auth events: %w", err)
	}
	for _, id := range event.AuthEvents {
		ev, ok := cited[id]
		if !ok {
			return room.Denied(room.ReasonUnexpectedAuthEvent, "auth event %s is unknown", id)
		}
		if _, ok := allowed[ev.Key()]; !ev.IsState() || !ok {
			return room.Denied(room.ReasonUnexpectedAuthEvent, "auth event %s (%s) cannot authorize %s", id, ev.Key(), event.Type)
		}
	}
	return nil
}

// checkRedactionTarget applies a self-only redaction permission. Event ids
// without a server name say nothing about origin, so the senders decide.
func (s *Service) checkRedactionTarget(ctx context.Context, version room.Version, event *room.Event, authState room.StateEvents) error {
	perm, err := s.auth.CheckRedaction(version, event, authState)
	if err != nil || perm == eventauth.RedactFull {
		return err
	}
	_, errA := room.DomainFromID(event.EventID)
	_, errB := room.DomainFromID(event.Redacts)
	if errA == nil && errB == nil {
		return nil
	}
	targets, err := s.repo.GetEvents(ctx, []string{event.Redacts})
	if err != nil {
		return fmt.Errorf("failed to load redacted event: %w", err)
	}
	target, ok := targets[event.Redacts]
	if !ok {
		// Applied later if the target ever arrives.
		return nil
	}
	redacter, errA := room.DomainFromID(event.Sender)
	redactee, errB := room.DomainFromID(target.Sender)
	if errA != nil || errB != nil || redacter != redactee {
		return room.Denied(room.ReasonRedactionForbidden, "%s cannot redact %s", event.Sender, event.Redacts)
	}
	return nil
}

func versionOf(event *room.Event, authState room.StateEvents) (room.Version, error) {
	if event.Type == room.TypeCreate {
		return room.LookupVersion(event.RoomVersionID())
	}
	if create := authState.Get(room.TypeCreate, ""); create != nil {
		return room.LookupVersion(create.RoomVersionID())
	}
	return room.LookupVersion(room.DefaultVersionID)
}

func snapshotOfEvents(events []*room.Event) room.StateSnapshot {
	out := make(room.StateSnapshot, len(events))
	for _, ev := range events {
		out[ev.Key()] = ev.EventID
	}
	return out
}

func afterEvent(prev room.StateSnapshot, event *room.Event) room.StateSnapshot {
	if !event.IsState() {
		return prev
	}
	return prev.With(event.Key(), event.EventID)
}

// localSpaces answers restricted-join allow conditions from the current
// state of the allow-listed room, when this server knows it.
type localSpaces struct {
	svc *Service
}

func (l localSpaces) IsJoined(roomID, userID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.svc.cfg.SpaceLookupTimeout)
	defer cancel()

	entry, err := l.svc.CurrentState(ctx, roomID)
	if err != nil {
		if !errors.Is(err, room.ErrNotFound) {
			l.svc.logger.Warn().Err(err).Str("roomId", roomID).Msg("failed to load allow-listed room state")
		}
		return false
	}
	id, ok := entry.State[room.MemberKey(userID)]
	if !ok {
		return false
	}
	events, err := l.svc.repo.GetEvents(ctx, []string{id})
	if err != nil {
		l.svc.logger.Warn().Err(err).Str("roomId", roomID).Msg("failed to load membership")
		return false
	}
	ev, ok := events[id]
	return ok && ev.Membership() == room.MembershipJoin
}
