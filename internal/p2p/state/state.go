package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-im/hearth/internal/application/roomstate"
	"github.com/hearth-im/hearth/internal/domain/room"
	"github.com/hearth-im/hearth/internal/infrastructure/memstore"
	"github.com/hearth-im/hearth/internal/p2p/protocol"
)

// Result records how one replicated tx was applied. Rejections are results,
// not errors: every replica must reach the same verdict and remember it.
type Result struct {
	TxID          string    `json:"txId"`
	EventID       string    `json:"eventId,omitempty"`
	Accepted      bool      `json:"accepted"`
	StateGroup    int64     `json:"stateGroup,omitempty"`
	ReplacesState string    `json:"replacesState,omitempty"`
	Errcode       string    `json:"errcode,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Error         string    `json:"error,omitempty"`
	AppliedAt     time.Time `json:"appliedAt"`
}

type snapshot struct {
	Store   json.RawMessage   `json:"store"`
	Applied map[string]Result `json:"applied"`
}

// Machine is the deterministic room state machine replicated by raft. Each
// accepted event goes through the same ingestion path a single server uses.
type Machine struct {
	mu      sync.RWMutex
	store   *memstore.Store
	svc     *roomstate.Service
	applied map[string]Result

	cfg    roomstate.Config
	logger zerolog.Logger
}

func NewMachine(cfg roomstate.Config, logger zerolog.Logger) *Machine {
	m := &Machine{
		cfg:     cfg,
		logger:  logger.With().Str("component", "p2p-state").Logger(),
		applied: map[string]Result{},
	}
	m.reset(memstore.New())
	return m
}

// reset swaps the backing store. The service is rebuilt with it so cached
// resolutions never outlive the groups they reference.
func (m *Machine) reset(store *memstore.Store) {
	m.store = store
	m.svc = roomstate.NewService(store, m.cfg, m.logger)
}

// Marshal serializes current machine snapshot.
func (m *Machine) Marshal() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	storeRaw, err := m.store.Marshal()
	if err != nil {
		return nil, err
	}
	applied := make(map[string]Result, len(m.applied))
	for k, v := range m.applied {
		applied[k] = v
	}
	return json.Marshal(snapshot{Store: storeRaw, Applied: applied})
}

// Unmarshal restores machine state from snapshot payload.
func (m *Machine) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty snapshot")
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	store := memstore.New()
	if err := store.Unmarshal(s.Store); err != nil {
		return err
	}
	if s.Applied == nil {
		s.Applied = map[string]Result{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset(store)
	m.applied = s.Applied
	return nil
}

// ApplyTx validates and applies one signed transaction. A tx applied before
// returns its recorded result. Only failures that say nothing about the
// event itself, such as a bad envelope, are returned as errors.
func (m *Machine) ApplyTx(tx protocol.Tx) (Result, error) {
	if err := tx.Verify(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if res, ok := m.applied[tx.TxID]; ok {
		return res, nil
	}

	res := Result{TxID: tx.TxID, AppliedAt: tx.Timestamp.UTC()}
	ev, err := tx.DecodeEvent()
	if err == nil {
		res.EventID = ev.EventID
		var out *roomstate.EventContext
		// Raft applies are never cancelled; a half-applied event would fork
		// the replicas.
		out, err = m.svc.Ingest(context.Background(), ev)
		if err == nil {
			res.Accepted = true
			res.StateGroup = out.StateGroup
			res.ReplacesState = out.ReplacesState
		}
	}
	if err != nil {
		code := room.ErrorCode(err)
		if code == room.CodeUnknown {
			return Result{}, err
		}
		res.Errcode = code
		res.Error = err.Error()
		var authErr *room.AuthError
		if errors.As(err, &authErr) {
			res.Reason = string(authErr.Reason)
		}
		m.logger.Debug().Str("tx_id", tx.TxID).Str("errcode", code).Err(err).Msg("event rejected")
	}
	m.applied[tx.TxID] = res
	return res, nil
}

// Result returns the recorded outcome of txID.
func (m *Machine) Result(txID string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.applied[strings.TrimSpace(txID)]
	return res, ok
}

// RoomState returns the current resolved state of roomID.
func (m *Machine) RoomState(ctx context.Context, roomID string) (*roomstate.StateEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.svc.CurrentState(ctx, strings.TrimSpace(roomID))
}

// Members returns the joined users and hosts of roomID.
func (m *Machine) Members(ctx context.Context, roomID string) ([]string, []string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	roomID = strings.TrimSpace(roomID)
	users, err := m.svc.JoinedUsers(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	hosts, err := m.svc.JoinedHosts(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	return users, hosts, nil
}

func (m *Machine) GetEvent(ctx context.Context, eventID string) (*room.Event, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eventID = strings.TrimSpace(eventID)
	found, err := m.store.GetEvents(ctx, []string{eventID})
	if err != nil {
		return nil, false
	}
	ev, ok := found[eventID]
	return ev, ok
}

type Stats struct {
	memstore.Stats
	AppliedTx     int `json:"appliedTx"`
	RejectedTx    int `json:"rejectedTx"`
	CachedEntries int `json:"cachedEntries"`
}

func (m *Machine) StateStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := Stats{
		Stats:         m.store.Stats(),
		AppliedTx:     len(m.applied),
		CachedEntries: m.svc.Cache().Len(),
	}
	for _, res := range m.applied {
		if !res.Accepted {
			stats.RejectedTx++
		}
	}
	return stats
}
