package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carebridge/carebridge/internal/portal/domain"
	"github.com/carebridge/carebridge/internal/portal/store/drivers/sqlite"
	"github.com/carebridge/carebridge/pkg/canonjson"
)

func TestAuditChainStartsWithGenesis(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	blocks, err := env.store.AuditBlocks().List(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, blocks)

	genesis := blocks[0]
	require.Equal(t, int64(0), genesis.Seq)
	require.Equal(t, "0", genesis.PreviousHash)
	require.JSONEq(t, `{"message":"Genesis Block"}`, string(genesis.Data))

	require.NoError(t, env.audit.Verify(ctx))
}

func TestAuditChainLinksBlocks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.audit.Record(ctx, domain.AuditEvent{
		UserID: "alice", Action: "login", Resource: "auth",
		Status: domain.AuditSuccess, Message: "login successful",
	}))
	require.NoError(t, env.audit.Record(ctx, domain.AuditEvent{
		UserID: "mallory", Action: "login", Resource: "auth",
		Status: domain.AuditFailure, Message: "login failed",
	}))

	blocks, err := env.store.AuditBlocks().List(ctx)
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	for i := 1; i < len(blocks); i++ {
		require.Equal(t, blocks[i-1].Hash, blocks[i].PreviousHash)
		require.Equal(t, int64(i), blocks[i].Seq)
	}
	require.NoError(t, env.audit.Verify(ctx))
	require.True(t, env.audit.IsValid(ctx))
}

func TestAuditVerifyDetectsTampering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.audit.Record(ctx, domain.AuditEvent{
		UserID: "alice", Action: "view", Resource: "patient_data:P1",
		Status: domain.AuditSuccess, Message: "viewed records",
	}))

	// Forge a block whose hash does not cover its data.
	forged, err := canonjson.Marshal(map[string]any{"message": "nothing happened here"})
	require.NoError(t, err)
	tail, err := env.store.AuditBlocks().Tail(ctx)
	require.NoError(t, err)
	require.NoError(t, env.store.AuditBlocks().Append(ctx, domain.AuditBlock{
		Seq:          tail.Seq + 1,
		Data:         forged,
		Hash:         tail.Hash, // wrong on purpose
		PreviousHash: tail.Hash,
	}))

	err = env.audit.Verify(ctx)
	require.ErrorIs(t, err, ErrChainInvalid)
	require.False(t, env.audit.IsValid(ctx))
}

func TestAuditVerifyDetectsBrokenLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tail, err := env.store.AuditBlocks().Tail(ctx)
	require.NoError(t, err)

	block, err := makeBlock(tail.Seq+1, "not-the-tail-hash", map[string]any{"message": "orphan"})
	require.NoError(t, err)
	require.NoError(t, env.store.AuditBlocks().Append(ctx, block))

	require.ErrorIs(t, env.audit.Verify(ctx), ErrChainInvalid)
}

func TestAuditChainResumesAcrossRestart(t *testing.T) {
	ctx := context.Background()

	st, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.ApplyMigrations())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	first, err := NewAuditService(ctx, st, logger)
	require.NoError(t, err)
	_, err = first.Append(ctx, map[string]any{"message": "before restart"})
	require.NoError(t, err)

	// A second service over the same database picks up at the tail instead
	// of re-creating genesis.
	second, err := NewAuditService(ctx, st, logger)
	require.NoError(t, err)
	block, err := second.Append(ctx, map[string]any{"message": "after restart"})
	require.NoError(t, err)
	require.Equal(t, int64(2), block.Seq)

	require.NoError(t, second.Verify(ctx))
}

func TestAuditRecordFillsDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.audit.Record(ctx, domain.AuditEvent{
		UserID: "alice", Action: "login", Resource: "auth",
		Status: domain.AuditSuccess, Message: "ok",
	}))

	tail, err := env.store.AuditBlocks().Tail(ctx)
	require.NoError(t, err)

	var event domain.AuditEvent
	require.NoError(t, json.Unmarshal(tail.Data, &event))
	require.NotEmpty(t, event.Timestamp)
	require.NotEmpty(t, event.EventID)
	require.NotNil(t, event.Details)
}
