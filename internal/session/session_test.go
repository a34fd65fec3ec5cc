package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveInteractionAndGetHistory(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.SaveInteraction(ctx, "a", "A", "gpt", "", "")
	require.NoError(t, err)
	_, err = store.SaveInteraction(ctx, "b", "B", "gpt", "", "")
	require.NoError(t, err)

	history, err := store.GetHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// Most recent call ("b","B") must be at the top of history.
	require.Equal(t, "b", history[0].Query)
	require.Equal(t, "B", history[0].Answer)
	require.Equal(t, "a", history[1].Query)
}

func TestGetHistoryZeroLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, _ = store.SaveInteraction(ctx, "a", "A", "gpt", "", "")
	history, err := store.GetHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)

	history, err = store.GetHistory(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestSelectorExpansion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ia, err := store.SaveInteraction(ctx, "a", "A", "gpt", "", "")
	require.NoError(t, err)
	ib, err := store.SaveInteraction(ctx, "b", "B", "gpt", "", "")
	require.NoError(t, err)

	// ib.AssistantID is the id of the "B" assistant message; requesting it
	// alone must still expand to include its "b" user partner, per spec.md
	// scenario 2.
	out, err := store.GetInteractionContext(ctx, []int64{ib.AssistantID}, true)
	require.NoError(t, err)
	require.Contains(t, out, "Query: b")
	require.Contains(t, out, "Answer: B")
	require.False(t, strings.Contains(out, "Query: a"))
	require.False(t, strings.Contains(out, "Answer: A"))
	_ = ia
}

func TestDeleteMessagesPartnerExpansion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ia, err := store.SaveInteraction(ctx, "a", "A", "gpt", "", "")
	require.NoError(t, err)

	n, err := store.DeleteMessages(ctx, DeleteSpec{IDs: []int64{ia.AssistantID}})
	require.NoError(t, err)
	require.Equal(t, 2, n) // both halves of the pair deleted

	history, err := store.GetHistory(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestSessionByNameAmbiguous(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.CreateSession(ctx, "research", "gpt", 0)
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, "research", "gpt", 0)
	require.NoError(t, err)

	_, _, err = store.GetSessionByName(ctx, "research")
	require.Error(t, err)
	var ambErr ErrAmbiguous
	require.ErrorAs(t, err, &ambErr)
}

func TestCompactSessionRetainsRawMessages(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	sess, err := store.CreateSession(ctx, "s1", "gpt", 0)
	require.NoError(t, err)

	_, err = store.SaveMessage(ctx, Message{SessionID: sess.ID, Role: "user", Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, store.CompactSession(ctx, sess.ID, "summary text"))

	got, ok, err := store.GetSessionByID(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "summary text", got.CompactedSummary)

	msgs, err := store.GetSessionMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestParseSelectors(t *testing.T) {
	recent := []int64{30, 20, 10}
	ids, err := ParseSelectors("10,~1,widget__hid_99", recent)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 30, 99}, ids)

	_, err = ParseSelectors("~99", recent)
	require.Error(t, err)

	_, err = ParseSelectors("not-a-number", recent)
	require.Error(t, err)
}

func TestUserMemory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	memID, err := store.SaveUserMemory(ctx, "likes Go", "", true)
	require.NoError(t, err)
	require.NoError(t, store.UpdateUserMemoryEmbedding(ctx, memID, []float32{0.3}, "test-model"))
	mems, err := store.ListUserMemories(ctx, "", true)
	require.NoError(t, err)
	require.Len(t, mems, 1)
}
