package autogen

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripThinkTags(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no tags",
			input:    "Hello there!",
			expected: "Hello there!",
		},
		{
			name:     "leading think block",
			input:    "<think>reasoning goes here</think>\nHello there!",
			expected: "Hello there!",
		},
		{
			name:     "only close tag",
			input:    "reasoning</think> Hello",
			expected: "reasoning</think> Hello",
		},
		{
			name:     "empty after stripping",
			input:    "<think>all reasoning</think>",
			expected: "",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, stripThinkTags(tc.input))
			},
		)
	}
}

func TestCleanMemoryText(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text",
			input:    "I like turtles",
			expected: "I like turtles",
		},
		{
			name:     "response prefix",
			input:    "Response: I like turtles",
			expected: "I like turtles",
		},
		{
			name:     "think tags and prefix",
			input:    "<think>hmm</think>Response: I like turtles",
			expected: "I like turtles",
		},
		{
			name:     "leading dashes",
			input:    "---\nI like turtles",
			expected: "I like turtles",
		},
		{
			name:     "whitespace only",
			input:    "   \n ",
			expected: "",
		},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, cleanMemoryText(tc.input))
			},
		)
	}
}

func TestSplitMessage(t *testing.T) {
	t.Run(
		"short message is a single chunk", func(t *testing.T) {
			chunks := splitMessage("hello world", discordMaxMessageLength)
			assert.Equal(t, []string{"hello world"}, chunks)
		},
	)

	t.Run(
		"splits on word boundaries", func(t *testing.T) {
			content := strings.TrimSpace(
				strings.Repeat("word ", 1000),
			)
			chunks := splitMessage(content, discordMaxMessageLength)
			require.Greater(t, len(chunks), 1)
			for _, chunk := range chunks {
				assert.LessOrEqual(t, len(chunk), discordMaxMessageLength)
				assert.False(t, strings.HasPrefix(chunk, " "))
				assert.False(t, strings.HasSuffix(chunk, " "))
			}
			assert.Equal(
				t,
				strings.Fields(content),
				strings.Fields(strings.Join(chunks, " ")),
				"no words should be lost or reordered",
			)
		},
	)

	t.Run(
		"hard-splits oversized words", func(t *testing.T) {
			content := strings.Repeat("a", 4500)
			chunks := splitMessage(content, discordMaxMessageLength)
			require.Len(t, chunks, 3)
			assert.Equal(t, discordMaxMessageLength, len(chunks[0]))
			assert.Equal(t, discordMaxMessageLength, len(chunks[1]))
			assert.Equal(t, 500, len(chunks[2]))
		},
	)

	t.Run(
		"first word exactly at the limit", func(t *testing.T) {
			content := strings.Repeat("a", discordMaxMessageLength) + " tail"
			chunks := splitMessage(content, discordMaxMessageLength)
			require.Len(t, chunks, 2)
			assert.Equal(t, discordMaxMessageLength, len(chunks[0]))
			assert.Equal(t, "tail", chunks[1])
			for _, chunk := range chunks {
				assert.NotEmpty(t, chunk)
			}
		},
	)

	t.Run(
		"exactly at the limit", func(t *testing.T) {
			content := strings.Repeat("a", discordMaxMessageLength)
			chunks := splitMessage(content, discordMaxMessageLength)
			assert.Equal(t, []string{content}, chunks)
		},
	)
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx = WithLogger(ctx, logger)
	got, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Same(t, logger, got)

	// A nil logger falls back to the default rather than storing nil.
	fallback, ok := ContextLogger(WithLogger(context.Background(), nil))
	require.True(t, ok)
	assert.NotNil(t, fallback)
}

func TestStructToSlogValue_RedactsTaggedFields(t *testing.T) {
	cfg := DiscordConfig{
		Token:            "super-secret",
		AllowedServerIDs: "123",
	}
	v := structToSlogValue(cfg)
	rendered := v.String()
	assert.NotContains(t, rendered, "super-secret")
	assert.Contains(t, rendered, "[redacted]")
	assert.Contains(t, rendered, "123")
}
