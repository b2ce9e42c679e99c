package consensus

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearth-im/hearth/internal/application/roomstate"
	rt "github.com/hearth-im/hearth/internal/domain/room/roomtest"
	"github.com/hearth-im/hearth/internal/p2p/protocol"
	"github.com/hearth-im/hearth/internal/p2p/state"
)

type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "mem" }
func (s *memorySink) Close() error  { return nil }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }

func newFSM() *fsm {
	return &fsm{machine: state.NewMachine(roomstate.Config{}, zerolog.Nop())}
}

func createLog(t *testing.T) *raft.Log {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tx, err := protocol.NewEventSubmit("tx-1", "n-1", "hs1", time.Now(), rt.Create("$c:hs1", "@a:hs1"))
	require.NoError(t, err)
	require.NoError(t, tx.Sign(priv))
	data, err := json.Marshal(tx)
	require.NoError(t, err)
	return &raft.Log{Index: 1, Data: data}
}

func TestFSMApplyReturnsResult(t *testing.T) {
	f := newFSM()

	resp := f.Apply(createLog(t))
	res, ok := resp.(state.Result)
	require.True(t, ok, "got %T", resp)
	assert.True(t, res.Accepted)
	assert.Equal(t, "$c:hs1", res.EventID)

	bad := f.Apply(&raft.Log{Index: 2, Data: []byte("{")})
	_, isErr := bad.(error)
	assert.True(t, isErr)
}

func TestFSMSnapshotRestore(t *testing.T) {
	f := newFSM()
	f.Apply(createLog(t))

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memorySink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)

	restored := newFSM()
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))
	entry, err := restored.machine.RoomState(context.Background(), rt.RoomID)
	require.NoError(t, err)
	assert.Len(t, entry.State, 1)

	empty := newFSM()
	assert.NoError(t, empty.Restore(io.NopCloser(bytes.NewReader(nil))))
}

func TestConfigNormalized(t *testing.T) {
	_, err := Config{RaftAddr: "127.0.0.1:7000", DataDir: t.TempDir()}.normalized()
	assert.Error(t, err)

	cfg, err := Config{NodeID: " n1 ", RaftAddr: "127.0.0.1:7000", DataDir: t.TempDir()}.normalized()
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, 2, cfg.SnapshotRetain)
	assert.Equal(t, 5*time.Second, cfg.ApplyTimeout)
}
