//go:build unit

package antigravity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequestID(t *testing.T) {
	id := NewRequestID()
	require.True(t, strings.HasPrefix(id, "agent-"))
	require.NotEqual(t, id, NewRequestID())
}

func TestNewToolCallID(t *testing.T) {
	id := NewToolCallID()
	require.True(t, strings.HasPrefix(id, "call_"))
	require.NotContains(t, id, "-")
}

func TestStableSessionID(t *testing.T) {
	contents := func(text string) []GeminiContent {
		return []GeminiContent{
			{Role: "model", Parts: []GeminiPart{{Text: "earlier reply"}}},
			{Role: "user", Parts: []GeminiPart{{Text: text}}},
		}
	}

	t.Run("deterministic for identical first user text", func(t *testing.T) {
		a := StableSessionID(contents("hello world"))
		b := StableSessionID(contents("hello world"))
		require.Equal(t, a, b)
		require.Len(t, a, 32)
		for _, r := range a {
			require.Contains(t, "0123456789abcdef", string(r))
		}
	})

	t.Run("any change flips the id", func(t *testing.T) {
		a := StableSessionID(contents("hello world"))
		b := StableSessionID(contents("hello world!"))
		require.NotEqual(t, a, b)
	})

	t.Run("thought parts are skipped", func(t *testing.T) {
		withThought := []GeminiContent{
			{Role: "user", Parts: []GeminiPart{
				{Text: "internal", Thought: true},
				{Text: "visible"},
			}},
		}
		require.Equal(t,
			StableSessionID([]GeminiContent{{Role: "user", Parts: []GeminiPart{{Text: "visible"}}}}),
			StableSessionID(withThought))
	})

	t.Run("no user text falls back to random uuid", func(t *testing.T) {
		empty := []GeminiContent{{Role: "model", Parts: []GeminiPart{{Text: "hi"}}}}
		a := StableSessionID(empty)
		b := StableSessionID(empty)
		require.NotEqual(t, a, b)
	})
}
