package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nooterra/settld-core/internal/chain"
	"github.com/nooterra/settld-core/internal/store/memstore"
)

func TestAppendEventChainsOffGenesis(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	e := &Engine{Store: s}

	sess, err := e.Create(ctx, "t1", "sess_1", "agent_a")
	require.NoError(t, err)
	require.Equal(t, chain.GenesisPrevHash, sess.LastChainHash)

	sess, ev1, err := e.AppendEvent(ctx, "t1", "sess_1", "MESSAGE_SENT", "agent_a", map[string]any{"text": "hi"}, chain.GenesisPrevHash)
	require.NoError(t, err)
	require.Equal(t, chain.GenesisPrevHash, ev1.PrevChainHash)
	require.Equal(t, ev1.ChainHash, sess.LastChainHash)

	_, ev2, err := e.AppendEvent(ctx, "t1", "sess_1", "MESSAGE_SENT", "agent_b", map[string]any{"text": "hello back"}, sess.LastChainHash)
	require.NoError(t, err)
	require.Equal(t, ev1.ChainHash, ev2.PrevChainHash)
}

func TestAppendEventRejectsStaleExpectedPrevHash(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	e := &Engine{Store: s}

	_, err := e.Create(ctx, "t1", "sess_1", "agent_a")
	require.NoError(t, err)

	_, _, err = e.AppendEvent(ctx, "t1", "sess_1", "MESSAGE_SENT", "agent_a", nil, "not-the-real-head")
	require.ErrorIs(t, err, chain.ErrChainHashMismatch)
}

func TestReplayPackManifestHashCoversFullOrderedChain(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	e := &Engine{Store: s}

	_, err := e.Create(ctx, "t1", "sess_1", "agent_a")
	require.NoError(t, err)
	sess, _, err := e.AppendEvent(ctx, "t1", "sess_1", "MESSAGE_SENT", "agent_a", map[string]any{"n": 1}, chain.GenesisPrevHash)
	require.NoError(t, err)
	_, _, err = e.AppendEvent(ctx, "t1", "sess_1", "MESSAGE_SENT", "agent_b", map[string]any{"n": 2}, sess.LastChainHash)
	require.NoError(t, err)

	pack, err := e.ReplayPack(ctx, "t1", "sess_1")
	require.NoError(t, err)
	require.Len(t, pack.Events, 2)
	require.NotEmpty(t, pack.ManifestHash)

	again, err := e.ReplayPack(ctx, "t1", "sess_1")
	require.NoError(t, err)
	require.Equal(t, pack.ManifestHash, again.ManifestHash)
}

func TestTranscriptFlattensEventsInOrder(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	e := &Engine{Store: s}

	_, err := e.Create(ctx, "t1", "sess_1", "agent_a")
	require.NoError(t, err)
	sess, _, err := e.AppendEvent(ctx, "t1", "sess_1", "MESSAGE_SENT", "agent_a", map[string]any{"text": "first"}, chain.GenesisPrevHash)
	require.NoError(t, err)
	_, _, err = e.AppendEvent(ctx, "t1", "sess_1", "MESSAGE_SENT", "agent_b", map[string]any{"text": "second"}, sess.LastChainHash)
	require.NoError(t, err)

	transcript, err := e.Transcript(ctx, "t1", "sess_1")
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	require.Equal(t, "agent_a", transcript[0].Actor)
	require.Equal(t, "first", transcript[0].Payload["text"])
	require.Equal(t, "agent_b", transcript[1].Actor)
}
