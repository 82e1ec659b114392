package sessionstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadRoundTrip(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Append("tg_123", "user", "hello", nil))
	require.NoError(t, store.Append("tg_123", "assistant", "hi there", map[string]any{"model": "local"}))

	turns, err := store.Read("tg_123", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
}

func TestReadRespectsLimit(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append("s1", "user", "msg", nil))
	}
	turns, err := store.Read("s1", 2)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
}

func TestAppendRejectsInvalidRole(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	err = store.Append("s1", "narrator", "x", nil)
	assert.Error(t, err)
}

func TestAppendSkipsEmptyContent(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Append("s1", "user", "   ", nil))
	turns, err := store.Read("s1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestSafeSessionIDSanitizesPathCharacters(t *testing.T) {
	assert.Equal(t, "tg_123", safeSessionID("tg_123"))
	assert.Equal(t, "a_b", safeSessionID("a/b"))
	assert.Equal(t, "chat:42", safeSessionID("  chat:42  "))
}

func TestListSessionsAndDelete(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Append("a", "user", "x", nil))
	require.NoError(t, store.Append("b", "user", "y", nil))

	ids, err := store.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ok, err := store.Delete("a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Delete("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadMissingSessionReturnsEmpty(t *testing.T) {
	store, err := New(t.TempDir())
	require.NoError(t, err)
	turns, err := store.Read("ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}
