package room

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
)

// NoStateGroup marks the absence of a state group id.
const NoStateGroup int64 = 0

// Repository is the storage collaborator the state core consumes.
type Repository interface {
	// Event operations
	GetEvents(ctx context.Context, eventIDs []string) (map[string]*Event, error)
	StoreEvent(ctx context.Context, event *Event, stateGroup int64) error
	GetForwardExtremities(ctx context.Context, roomID string) ([]string, error)

	// Room operations
	GetRoomVersion(ctx context.Context, roomID string) (string, error)

	// State group operations
	GetStateGroupsForEvents(ctx context.Context, eventIDs []string) (map[string]int64, error)
	GetStateGroupSnapshot(ctx context.Context, stateGroup int64) (StateSnapshot, error)
	GetStateGroupDelta(ctx context.Context, stateGroup int64) (prevGroup int64, delta StateSnapshot, err error)
	StoreStateGroup(ctx context.Context, eventID, roomID string, prevGroup int64, delta, current StateSnapshot) (int64, error)
}
