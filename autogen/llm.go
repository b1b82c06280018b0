package autogen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	chatRoleSystem    = "system"
	chatRoleUser      = "user"
	chatRoleAssistant = "assistant"

	// geminiRoleModel is Gemini's name for the assistant role
	geminiRoleModel = "model"

	lmStudioMaxTokens      = 8196
	geminiMaxOutputTokens  = 2048
	defaultLLMTemperature  = 0.7
	geminiPlaceholderInput = "[message without text]"
)

// defaultSystemPrompt is the conversational persona sent with every
// chat completion request.
const defaultSystemPrompt = "You are Autogen, a friendly and natural conversational AI. " +
	"Your goal is to chat in a way that feels easy, natural, and helpful. " +
	"Here's how to keep the conversation flowing:\n\n" +
	"1. Keep things sounding natural—don't repeat the same phrases over and over.\n" +
	"2. Pay attention to what's already been said so the conversation feels connected and smooth.\n" +
	"3. Keep your replies short, clear, and helpful—get to the point without rambling.\n" +
	"4. For direct questions, give only the answer without adding extra commentary " +
	"unless the user asks for more details.\n" +
	"5. Don't overcomplicate things. Be concise and direct while staying friendly.\n" +
	"6. Stay focused on the current topic. Don't drift off-topic unless the user asks.\n" +
	"7. If someone mentions another person, don't assume they're part of the conversation " +
	"unless it's clear they are.\n" +
	"8. Just use plain text—no fancy formatting, markdown, or extra symbols.\n\n" +
	"Above all, keep it friendly and conversational, like you're chatting with a friend!"

// ChatMessage is a single prompt message in OpenAI chat format. The
// Gemini provider converts these to its own content format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMProvider generates a chat completion for the given messages.
// Implementations exist for LMStudio, OpenAI, and Gemini.
type LLMProvider interface {
	// Name returns the configured provider name
	Name() LLMProviderName

	// GenerateResponse returns the completion text for the given
	// messages. The context carries the per-call timeout.
	GenerateResponse(ctx context.Context, messages []ChatMessage) (string, error)
}

// newLLMProvider returns the provider selected by config.Provider.
// geminiClient is only required (and only used) for the gemini
// provider.
func newLLMProvider(
	config *LLMConfig,
	geminiClient *genai.Client,
	logger *slog.Logger,
) (LLMProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch config.Provider {
	case ProviderLMStudio:
		clientCfg := openai.DefaultConfig("not-needed")
		clientCfg.BaseURL = config.BaseURL
		return &openAICompatProvider{
			name:      ProviderLMStudio,
			client:    openai.NewClientWithConfig(clientCfg),
			model:     config.Model,
			maxTokens: lmStudioMaxTokens,
			logger:    logger.With(loggerNameKey, "lmstudio"),
		}, nil
	case ProviderOpenAI:
		clientCfg := openai.DefaultConfig(config.OpenAI.APIKey)
		if config.OpenAI.APIBase != "" {
			clientCfg.BaseURL = config.OpenAI.APIBase
		}
		return &openAICompatProvider{
			name:   ProviderOpenAI,
			client: openai.NewClientWithConfig(clientCfg),
			model:  config.OpenAI.Model,
			logger: logger.With(loggerNameKey, "openai"),
		}, nil
	case ProviderGemini:
		if geminiClient == nil {
			return nil, errors.New("gemini provider requires a gemini client")
		}
		return &geminiProvider{
			client: geminiClient,
			model:  config.Gemini.Model,
			logger: logger.With(loggerNameKey, "gemini"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", config.Provider)
	}
}

// openAICompatProvider sends chat completions to any OpenAI-compatible
// endpoint. LMStudio serves the same API locally without credentials.
type openAICompatProvider struct {
	name      LLMProviderName
	client    *openai.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

func (p *openAICompatProvider) Name() LLMProviderName {
	return p.name
}

func (p *openAICompatProvider) GenerateResponse(
	ctx context.Context,
	messages []ChatMessage,
) (string, error) {
	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		chatMessages = append(
			chatMessages, openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			},
		)
	}
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    chatMessages,
		Temperature: defaultLLMTemperature,
	}
	if p.maxTokens > 0 {
		req.MaxTokens = p.maxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("error communicating with %s: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from %s", p.name)
	}
	return resp.Choices[0].Message.Content, nil
}

// geminiProvider sends chat completions to the Gemini API.
type geminiProvider struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func (p *geminiProvider) Name() LLMProviderName {
	return ProviderGemini
}

func (p *geminiProvider) GenerateResponse(
	ctx context.Context,
	messages []ChatMessage,
) (string, error) {
	model := p.client.GenerativeModel(p.model)
	model.SetTemperature(defaultLLMTemperature)
	model.SetTopP(1)
	model.SetTopK(1)
	model.SetMaxOutputTokens(geminiMaxOutputTokens)

	contents, systemContent := convertToGeminiContents(messages)

	// Gemini has no separate system role in chat history; fold system
	// content into the first user message.
	if systemContent != "" && len(contents) > 0 {
		first := contents[0]
		if first.Role == chatRoleUser && len(first.Parts) > 0 {
			if text, ok := first.Parts[0].(genai.Text); ok {
				first.Parts[0] = genai.Text(
					fmt.Sprintf(
						"%s\n\nUser message:\n%s", systemContent, string(text),
					),
				)
			}
		}
	}

	session := model.StartChat()
	var lastPart genai.Part = genai.Text(systemContent)
	if len(contents) > 0 {
		session.History = contents[:len(contents)-1]
		last := contents[len(contents)-1]
		if len(last.Parts) > 0 {
			lastPart = last.Parts[0]
		} else {
			lastPart = genai.Text(geminiPlaceholderInput)
		}
	}

	resp, err := session.SendMessage(ctx, lastPart)
	if err != nil {
		return "", geminiAPIError(err)
	}

	var sb strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("empty response from Gemini API")
	}
	return sb.String(), nil
}

// convertToGeminiContents maps OpenAI-style messages to Gemini chat
// contents, accumulating system message content separately.
func convertToGeminiContents(messages []ChatMessage) ([]*genai.Content, string) {
	var contents []*genai.Content
	var systemContent strings.Builder

	for _, msg := range messages {
		if msg.Role == chatRoleSystem {
			systemContent.WriteString(msg.Content)
			systemContent.WriteString("\n")
			continue
		}
		role := chatRoleUser
		if msg.Role == chatRoleAssistant {
			role = geminiRoleModel
		}
		contents = append(
			contents, &genai.Content{
				Role:  role,
				Parts: []genai.Part{genai.Text(msg.Content)},
			},
		)
	}
	return contents, strings.TrimSpace(systemContent.String())
}

// geminiAPIError maps common Gemini API failures to descriptive errors.
func geminiAPIError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"):
		return fmt.Errorf(
			"gemini API rate limit exceeded - wait a few minutes before "+
				"trying again, or check your API quota: %w", err,
		)
	case strings.Contains(msg, "403"):
		return fmt.Errorf(
			"gemini API access denied - check that your API key is valid "+
				"and has the necessary permissions: %w", err,
		)
	default:
		return fmt.Errorf("gemini API error: %w", err)
	}
}

// LLMClient wraps an LLMProvider with prompt assembly, memory relevance
// filtering, rate limiting, and retry behavior.
type LLMClient struct {
	provider LLMProvider
	config   *LLMConfig
	memory   *MemoryConfig

	// requestLimiter rate-limits outbound completion calls
	requestLimiter *rate.Limiter

	systemPrompt string
	logger       *slog.Logger

	// sleepFunc is swappable for tests; defaults to time.Sleep
	sleepFunc func(time.Duration)
}

// NewLLMClient creates an LLMClient for the given provider.
func NewLLMClient(
	provider LLMProvider,
	config *LLMConfig,
	memory *MemoryConfig,
	logger *slog.Logger,
) *LLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	rps := config.MaxRequestsPerSecond
	if rps <= 0 {
		rps = DefaultLLMMaxRequestsPerSecond
	}
	return &LLMClient{
		provider:       provider,
		config:         config,
		memory:         memory,
		requestLimiter: rate.NewLimiter(rate.Limit(rps), 1),
		systemPrompt:   defaultSystemPrompt,
		logger:         logger.With(loggerNameKey, "llm"),
		sleepFunc:      time.Sleep,
	}
}

// RespondTo generates a reply to userMessage, including any relevant
// memory candidates in the prompt. It returns the cleaned response and
// the number of attempts made.
func (c *LLMClient) RespondTo(
	ctx context.Context,
	userMessage string,
	candidates []MemoryCandidate,
) (string, int, error) {
	messages := c.buildMessages(ctx, userMessage, candidates)
	return c.makeRequest(ctx, messages)
}

// buildMessages assembles the prompt: system persona, filtered memory
// context (if any), then the user message.
func (c *LLMClient) buildMessages(
	ctx context.Context,
	userMessage string,
	candidates []MemoryCandidate,
) []ChatMessage {
	messages := []ChatMessage{
		{Role: chatRoleSystem, Content: c.systemPrompt},
	}

	relevant := c.filterRelevantMemories(candidates)
	if len(relevant) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant conversation context:\n")
		for i, mem := range relevant {
			if i > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(string(mem.Memory.Role))
			sb.WriteString(": ")
			sb.WriteString(mem.Memory.Text)
		}
		messages = append(
			messages,
			ChatMessage{Role: chatRoleSystem, Content: sb.String()},
		)
		c.logger.DebugContext(
			ctx,
			"including memory context",
			"candidates", len(candidates),
			"selected", len(relevant),
		)
	}

	messages = append(
		messages,
		ChatMessage{Role: chatRoleUser, Content: userMessage},
	)
	return messages
}

// filterRelevantMemories keeps the TopMemoriesToConsider highest-scoring
// candidates above SimilarityThreshold, always retains the most recent
// memory for continuity, restores chronological order, and trims to the
// last ContextWindowSize entries.
func (c *LLMClient) filterRelevantMemories(
	candidates []MemoryCandidate,
) []MemoryCandidate {
	if len(candidates) == 0 {
		return nil
	}

	scored := make([]MemoryCandidate, len(candidates))
	copy(scored, candidates)
	sortCandidatesBySimilarity(scored)

	topN := c.memory.TopMemoriesToConsider
	if topN > len(scored) {
		topN = len(scored)
	}

	selected := make(map[string]struct{}, topN+1)
	for _, cand := range scored[:topN] {
		if cand.Similarity > c.memory.SimilarityThreshold {
			selected[cand.Memory.ID] = struct{}{}
		}
	}

	// the most recent memory is always kept for continuity
	mostRecent := candidates[len(candidates)-1]
	selected[mostRecent.Memory.ID] = struct{}{}

	filtered := make([]MemoryCandidate, 0, len(selected))
	for _, cand := range candidates {
		if _, ok := selected[cand.Memory.ID]; ok {
			filtered = append(filtered, cand)
		}
	}

	if window := c.memory.ContextWindowSize; len(filtered) > window {
		filtered = filtered[len(filtered)-window:]
	}
	return filtered
}

// makeRequest calls the provider with retry and exponential backoff.
// Each attempt is bounded by the configured timeout. Think tags are
// stripped from successful responses.
func (c *LLMClient) makeRequest(
	ctx context.Context,
	messages []ChatMessage,
) (string, int, error) {
	var lastErr error
	attempts := 0

	for retry := 0; retry <= c.config.MaxRetries; retry++ {
		if retry > 0 {
			backoff := time.Duration(1<<(retry-1)) * time.Second
			c.logger.WarnContext(
				ctx,
				"retrying LLM request",
				"retry", retry,
				"backoff", backoff,
				tint.Err(lastErr),
			)
			c.sleepFunc(backoff)
		}

		if err := c.requestLimiter.Wait(ctx); err != nil {
			return "", attempts, err
		}

		attempts++
		callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout())
		content, err := c.provider.GenerateResponse(callCtx, messages)
		cancel()
		if err == nil {
			return stripThinkTags(content), attempts, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return "", attempts, fmt.Errorf(
		"error communicating with LLM: %w", lastErr,
	)
}
