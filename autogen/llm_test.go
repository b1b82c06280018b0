package autogen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider fails a configured number of times before succeeding.
type stubProvider struct {
	response  string
	failUntil int
	calls     int
	err       error
	received  [][]ChatMessage
}

func (s *stubProvider) Name() LLMProviderName {
	return ProviderLMStudio
}

func (s *stubProvider) GenerateResponse(
	_ context.Context,
	messages []ChatMessage,
) (string, error) {
	s.calls++
	s.received = append(s.received, messages)
	if s.calls <= s.failUntil {
		if s.err != nil {
			return "", s.err
		}
		return "", fmt.Errorf("stub failure %d", s.calls)
	}
	return s.response, nil
}

func newTestLLMClient(
	t testing.TB,
	provider LLMProvider,
) (*LLMClient, *[]time.Duration) {
	t.Helper()
	cfg := testConfig(t)
	cfg.LLM.MaxRequestsPerSecond = 1000
	client := NewLLMClient(provider, cfg.LLM, cfg.Memory, nil)

	var sleeps []time.Duration
	client.sleepFunc = func(d time.Duration) {
		sleeps = append(sleeps, d)
	}
	return client, &sleeps
}

func TestLLMClient_RespondTo(t *testing.T) {
	provider := &stubProvider{response: "hi there"}
	client, sleeps := newTestLLMClient(t, provider)

	response, attempts, err := client.RespondTo(
		context.Background(), "hello", nil,
	)
	require.NoError(t, err)
	assert.Equal(t, "hi there", response)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, *sleeps)
}

func TestLLMClient_RetriesWithBackoff(t *testing.T) {
	provider := &stubProvider{response: "finally", failUntil: 2}
	client, sleeps := newTestLLMClient(t, provider)

	response, attempts, err := client.RespondTo(
		context.Background(), "hello", nil,
	)
	require.NoError(t, err)
	assert.Equal(t, "finally", response)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *sleeps)
}

func TestLLMClient_ExhaustsRetries(t *testing.T) {
	providerErr := errors.New("model exploded")
	provider := &stubProvider{failUntil: 100, err: providerErr}
	client, sleeps := newTestLLMClient(t, provider)
	client.config.MaxRetries = 3

	_, attempts, err := client.RespondTo(context.Background(), "hello", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, providerErr)
	assert.Equal(t, 4, attempts, "initial attempt plus MaxRetries")
	assert.Equal(
		t,
		[]time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		*sleeps,
	)
}

func TestLLMClient_StripsThinkTags(t *testing.T) {
	provider := &stubProvider{
		response: "<think>let me reason</think>The answer is 4",
	}
	client, _ := newTestLLMClient(t, provider)

	response, _, err := client.RespondTo(context.Background(), "2+2?", nil)
	require.NoError(t, err)
	assert.Equal(t, "The answer is 4", response)
}

func TestLLMClient_CanceledContext(t *testing.T) {
	provider := &stubProvider{failUntil: 100}
	client, _ := newTestLLMClient(t, provider)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := client.RespondTo(ctx, "hello", nil)
	require.Error(t, err)
}

// memoryCandidate builds a MemoryCandidate with a deterministic ID and
// timestamp derived from its position.
func memoryCandidate(i int, role MemoryRole, similarity float64) MemoryCandidate {
	return MemoryCandidate{
		Memory: Memory{
			ID:        fmt.Sprintf("mem-%03d", i),
			UserID:    "user-1",
			Role:      role,
			Text:      fmt.Sprintf("memory %d", i),
			CreatedAt: int64(1000 + i),
		},
		Similarity: similarity,
	}
}

func TestFilterRelevantMemories(t *testing.T) {
	provider := &stubProvider{response: "ok"}
	client, _ := newTestLLMClient(t, provider)
	client.memory.TopMemoriesToConsider = 3
	client.memory.SimilarityThreshold = 0.15
	client.memory.ContextWindowSize = 10

	t.Run(
		"empty input", func(t *testing.T) {
			assert.Nil(t, client.filterRelevantMemories(nil))
		},
	)

	t.Run(
		"keeps top scoring above threshold", func(t *testing.T) {
			candidates := []MemoryCandidate{
				memoryCandidate(0, MemoryRoleUser, 0.9),
				memoryCandidate(1, MemoryRoleAssistant, 0.05),
				memoryCandidate(2, MemoryRoleUser, 0.5),
				memoryCandidate(3, MemoryRoleAssistant, 0.4),
				memoryCandidate(4, MemoryRoleUser, 0.3),
			}
			filtered := client.filterRelevantMemories(candidates)

			ids := make([]string, len(filtered))
			for i, c := range filtered {
				ids[i] = c.Memory.ID
			}
			// top 3 by similarity (0, 2, 3) plus the most recent (4),
			// in chronological order
			assert.Equal(
				t, []string{"mem-000", "mem-002", "mem-003", "mem-004"}, ids,
			)
		},
	)

	t.Run(
		"below-threshold candidates are dropped", func(t *testing.T) {
			candidates := []MemoryCandidate{
				memoryCandidate(0, MemoryRoleUser, 0.01),
				memoryCandidate(1, MemoryRoleAssistant, 0.1),
				memoryCandidate(2, MemoryRoleUser, 0.12),
			}
			filtered := client.filterRelevantMemories(candidates)
			// only the most recent survives, kept for continuity
			require.Len(t, filtered, 1)
			assert.Equal(t, "mem-002", filtered[0].Memory.ID)
		},
	)

	t.Run(
		"trims to context window", func(t *testing.T) {
			client.memory.TopMemoriesToConsider = 20
			client.memory.ContextWindowSize = 2
			defer func() {
				client.memory.TopMemoriesToConsider = 3
				client.memory.ContextWindowSize = 10
			}()

			var candidates []MemoryCandidate
			for i := 0; i < 6; i++ {
				candidates = append(
					candidates, memoryCandidate(i, MemoryRoleUser, 0.9),
				)
			}
			filtered := client.filterRelevantMemories(candidates)
			require.Len(t, filtered, 2)
			assert.Equal(t, "mem-004", filtered[0].Memory.ID)
			assert.Equal(t, "mem-005", filtered[1].Memory.ID)
		},
	)
}

func TestBuildMessages(t *testing.T) {
	provider := &stubProvider{response: "ok"}
	client, _ := newTestLLMClient(t, provider)

	t.Run(
		"without memories", func(t *testing.T) {
			messages := client.buildMessages(
				context.Background(), "what's up?", nil,
			)
			require.Len(t, messages, 2)
			assert.Equal(t, chatRoleSystem, messages[0].Role)
			assert.Equal(t, client.systemPrompt, messages[0].Content)
			assert.Equal(t, chatRoleUser, messages[1].Role)
			assert.Equal(t, "what's up?", messages[1].Content)
		},
	)

	t.Run(
		"with memories", func(t *testing.T) {
			candidates := []MemoryCandidate{
				memoryCandidate(0, MemoryRoleUser, 0.9),
				memoryCandidate(1, MemoryRoleAssistant, 0.8),
			}
			messages := client.buildMessages(
				context.Background(), "what's up?", candidates,
			)
			require.Len(t, messages, 3)
			assert.Equal(t, chatRoleSystem, messages[1].Role)
			assert.True(
				t,
				strings.HasPrefix(
					messages[1].Content, "Relevant conversation context:\n",
				),
			)
			assert.Contains(t, messages[1].Content, "user: memory 0")
			assert.Contains(t, messages[1].Content, "assistant: memory 1")
			assert.Equal(t, chatRoleUser, messages[2].Role)
		},
	)
}

func TestConvertToGeminiContents(t *testing.T) {
	messages := []ChatMessage{
		{Role: chatRoleSystem, Content: "persona"},
		{Role: chatRoleSystem, Content: "context"},
		{Role: chatRoleUser, Content: "hello"},
		{Role: chatRoleAssistant, Content: "hi!"},
		{Role: chatRoleUser, Content: "how are you?"},
	}
	contents, system := convertToGeminiContents(messages)

	assert.Equal(t, "persona\ncontext", system)
	require.Len(t, contents, 3)
	assert.Equal(t, chatRoleUser, contents[0].Role)
	assert.Equal(t, geminiRoleModel, contents[1].Role)
	assert.Equal(t, chatRoleUser, contents[2].Role)
	assert.Equal(t, genai.Text("hello"), contents[0].Parts[0])
}

func TestNewLLMProvider(t *testing.T) {
	t.Run(
		"lmstudio", func(t *testing.T) {
			cfg := testConfig(t)
			provider, err := newLLMProvider(cfg.LLM, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, ProviderLMStudio, provider.Name())
		},
	)
	t.Run(
		"openai", func(t *testing.T) {
			cfg := testConfig(t)
			cfg.LLM.Provider = ProviderOpenAI
			cfg.LLM.OpenAI.APIKey = "sk-test"
			cfg.LLM.OpenAI.Model = "gpt-4o-mini"
			provider, err := newLLMProvider(cfg.LLM, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, ProviderOpenAI, provider.Name())
		},
	)
	t.Run(
		"gemini requires client", func(t *testing.T) {
			cfg := testConfig(t)
			cfg.LLM.Provider = ProviderGemini
			_, err := newLLMProvider(cfg.LLM, nil, nil)
			assert.Error(t, err)
		},
	)
	t.Run(
		"unknown provider", func(t *testing.T) {
			cfg := testConfig(t)
			cfg.LLM.Provider = "mystery"
			_, err := newLLMProvider(cfg.LLM, nil, nil)
			assert.Error(t, err)
		},
	)
}
