package autogen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/generative-ai-go/genai"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"
)

// Set via ldflags at build time.
var (
	Version   string
	CommitSHA string
	BuildTime string
)

// AG2Bot is the top-level bot: it owns the Discord gateway session,
// the LLM client, the per-user memory store, the web searcher, the
// chat request queue, the application database and the optional status
// API, and runs the worker loop that drains the queue.
type AG2Bot struct {
	config *Config
	logger *slog.Logger

	db       DBI
	discord  *Discord
	llm      *LLMClient
	memories *MemoryStore
	searcher *WebSearcher
	queue    *ChatRequestQueue
	api      *APIServer

	geminiClient *genai.Client

	// signalStop receives SIGINT/SIGTERM to trigger shutdown
	signalStop chan os.Signal

	// eventReady is closed once startup has finished; used by tests
	eventReady chan struct{}
}

// New creates an AG2Bot from the given config. The config is validated
// eagerly so misconfiguration (a provider without its credentials, a
// missing token, empty allow-lists) fails before any connection is
// attempted.
func New(config *Config) (*AG2Bot, error) {
	if config == nil {
		return nil, errors.New("nil config")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := newTintLogger(config.LogLevel, "autogen")
	slog.SetDefault(logger)

	discord, err := newDiscord(config.Discord)
	if err != nil {
		return nil, err
	}
	discord.logger = newTintLogger(config.Discord.LogLevel, "discord")

	bot := &AG2Bot{
		config:     config,
		logger:     logger,
		discord:    discord,
		queue:      NewChatRequestQueue(config.Queue, logger),
		signalStop: make(chan os.Signal, 1),
		eventReady: make(chan struct{}),
	}

	bot.searcher = NewWebSearcher(
		&http.Client{Timeout: config.LLM.Timeout()},
		logger,
	)

	if config.API.Enabled {
		bot.api, err = newAPIServer(bot, config.API)
		if err != nil {
			return nil, err
		}
	}
	return bot, nil
}

// init wires up everything that needs a context: the application
// database, the Gemini client (when that provider or its embeddings
// are configured), the embedder, the memory store and the LLM client.
func (b *AG2Bot) init(ctx context.Context) error {
	gormLogger := newGORMLogger(
		newTintLogger(b.config.DatabaseLogLevel, "db").Handler(),
		b.config.DatabaseSlowThreshold,
	)
	db, err := CreateDB(ctx, b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = NewDatabase(
		db,
		b.logger,
		b.config.DatabaseType == dbTypePostgres,
	)

	if b.config.LLM.Provider == ProviderGemini {
		b.geminiClient, err = genai.NewClient(
			ctx, option.WithAPIKey(b.config.LLM.Gemini.APIKey),
		)
		if err != nil {
			return fmt.Errorf("error creating gemini client: %w", err)
		}
	}

	embedder, err := b.newEmbedder()
	if err != nil {
		return err
	}
	b.memories, err = NewMemoryStore(ctx, b.config.Memory, embedder, b.logger)
	if err != nil {
		return err
	}

	llmLogger := newTintLogger(b.config.LLM.LogLevel, "llm")
	provider, err := newLLMProvider(b.config.LLM, b.geminiClient, llmLogger)
	if err != nil {
		return err
	}
	b.llm = NewLLMClient(provider, b.config.LLM, b.config.Memory, llmLogger)

	if b.discord.session == nil {
		discordgo.Logger = discordgoLoggerFunc(
			ctx,
			newTintLogger(
				b.config.Discord.DiscordGoLogLevel, "discordgo",
			).Handler(),
		)
		session, sessionErr := b.discord.newSession()
		if sessionErr != nil {
			return sessionErr
		}
		b.discord.session = session
	}
	return nil
}

// newEmbedder selects the embedding backend to match the configured
// provider: Gemini uses its own embedding API, while OpenAI and LM
// Studio both speak the OpenAI embeddings endpoint.
func (b *AG2Bot) newEmbedder() (Embedder, error) {
	model := b.config.Memory.EmbeddingsModel
	switch b.config.LLM.Provider {
	case ProviderGemini:
		return newGeminiEmbedder(b.geminiClient, model, b.logger), nil
	case ProviderLMStudio:
		return newOpenAIEmbedder(
			"not-needed", b.config.LLM.BaseURL, model, b.logger,
		), nil
	case ProviderOpenAI:
		return newOpenAIEmbedder(
			b.config.LLM.OpenAI.APIKey,
			b.config.LLM.OpenAI.APIBase,
			model,
			b.logger,
		), nil
	default:
		return nil, fmt.Errorf(
			"unknown LLM provider: %s", b.config.LLM.Provider,
		)
	}
}

// Run starts the bot and blocks until the context is canceled or a
// SIGINT/SIGTERM is received. Startup is bounded by StartupTimeout;
// shutdown by ShutdownTimeout.
func (b *AG2Bot) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	startupCtx, startupCancel := context.WithTimeout(
		ctx, b.config.StartupTimeout,
	)
	defer startupCancel()

	if err := b.init(startupCtx); err != nil {
		return err
	}

	b.discord.removeHandlerFuncs = append(
		b.discord.removeHandlerFuncs,
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, m *discordgo.MessageCreate) {
				b.handleMessageCreate(ctx, m)
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, _ *discordgo.Connect) {
				b.discord.connected.Store(true)
				b.discord.metricConnects.Add(1)
			},
		),
		b.discord.session.AddHandler(
			func(_ *discordgo.Session, _ *discordgo.Disconnect) {
				b.discord.connected.Store(false)
				b.discord.metricDisconnects.Add(1)
			},
		),
	)

	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	b.logger.InfoContext(
		ctx,
		"bot started",
		"version", Version,
		"provider", b.config.LLM.Provider,
	)

	signal.Notify(b.signalStop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(b.signalStop)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(
		func() error {
			b.watchQueue(groupCtx)
			return nil
		},
	)
	if b.api != nil {
		group.Go(
			func() error {
				return b.api.Serve(groupCtx)
			},
		)
	}
	group.Go(
		func() error {
			select {
			case sig := <-b.signalStop:
				b.logger.Warn("received signal, shutting down", "signal", sig)
				cancel()
			case <-groupCtx.Done():
			}
			return nil
		},
	)

	close(b.eventReady)
	err := group.Wait()
	b.shutdown()
	return err
}

// shutdown closes the Discord session and the memory store, bounded by
// ShutdownTimeout via the deadline on the remaining handler contexts.
func (b *AG2Bot) shutdown() {
	ctx, cancel := context.WithTimeout(
		context.Background(), b.config.ShutdownTimeout,
	)
	defer cancel()

	for _, removeHandler := range b.discord.removeHandlerFuncs {
		removeHandler()
	}
	if err := b.discord.session.Close(); err != nil {
		b.logger.ErrorContext(
			ctx, "error closing discord session", tint.Err(err),
		)
	}
	if b.memories != nil {
		if err := b.memories.Close(); err != nil {
			b.logger.ErrorContext(
				ctx, "error closing memory store", tint.Err(err),
			)
		}
	}
	b.logger.InfoContext(ctx, "shutdown complete")
}

// handleMessageCreate is the gateway message handler. It filters out
// bot/self messages and messages outside the allow-lists, sends the
// placeholder message, and enqueues a ChatRequest for the worker loop.
func (b *AG2Bot) handleMessageCreate(
	ctx context.Context,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !b.discord.isAllowedServer(m.GuildID) {
		return
	}
	if !b.discord.isAllowedChannel(m.ChannelID) {
		return
	}
	if !b.discord.shouldRespond(m.Content) {
		return
	}
	b.discord.metricMessagesHandled.Add(1)

	logger := b.logger.With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		"user_id", m.Author.ID,
	)

	user, _, err := b.db.GetOrCreateUser(ctx, *m.Author)
	if err != nil {
		logger.ErrorContext(ctx, "error upserting user", tint.Err(err))
		return
	}

	placeholder := b.discord.pickThinkingMessage()
	if _, _, isSearch := parseSearchCommand(m.Content); isSearch {
		placeholder = searchingMessage
	}
	thinkingMsg, err := b.discord.session.ChannelMessageSend(
		m.ChannelID, placeholder,
	)
	if err != nil {
		logger.ErrorContext(
			ctx, "error sending placeholder message", tint.Err(err),
		)
		return
	}

	req := NewChatRequest(user, m.Message)
	req.ThinkingMessageID = thinkingMsg.ID
	if err = b.queue.Push(ctx, req); err != nil {
		logger.ErrorContext(ctx, "error queueing request", tint.Err(err))
		b.discord.sendError(m.ChannelID, thinkingMsg.ID, err)
	}
}

// watchQueue is the worker loop: it drains the chat request queue one
// request at a time, sleeping briefly when the queue is empty.
func (b *AG2Bot) watchQueue(ctx context.Context) {
	b.logger.InfoContext(ctx, "watching request queue")
	for {
		select {
		case <-ctx.Done():
			b.logger.InfoContext(ctx, "stopped watching request queue")
			return
		default:
		}

		req := b.queue.Pop(ctx)
		if req == nil {
			select {
			case <-ctx.Done():
			case <-time.After(b.config.Queue.SleepEmpty):
			}
			continue
		}

		if query, limit, ok := parseSearchCommand(req.Content); ok {
			b.handleSearchRequest(ctx, req, query, limit)
		} else {
			b.handleChatRequest(ctx, req)
		}
	}
}

// handleChatRequest runs the full chat pipeline for one request:
// retrieve relevant memories, generate a response, store both sides of
// the exchange as new memories, log the exchange, and deliver the
// reply.
func (b *AG2Bot) handleChatRequest(ctx context.Context, req *ChatRequest) {
	logger := b.logger.With(
		"request_id", req.ID,
		"user", req.User.String(),
	)
	started := time.Now()

	candidates, err := b.memories.Relevant(ctx, req.User.ID, req.Content)
	if err != nil {
		// degrade to a memory-less response rather than failing
		logger.ErrorContext(ctx, "error retrieving memories", tint.Err(err))
		candidates = nil
	}

	response, attempts, err := b.llm.RespondTo(ctx, req.Content, candidates)

	chatLog := &ChatLog{
		UserID:         req.User.ID,
		ChannelID:      req.ChannelID,
		Prompt:         req.Content,
		Provider:       string(b.config.LLM.Provider),
		MemoriesUsed:   len(candidates),
		Attempts:       attempts,
		RequestStarted: started.UnixMilli(),
		RequestEnded:   time.Now().UnixMilli(),
	}
	if err != nil {
		logger.ErrorContext(ctx, "error generating response", tint.Err(err))
		chatLog.Error = err.Error()
		if _, logErr := b.db.Create(ctx, chatLog); logErr != nil {
			logger.ErrorContext(ctx, "error saving chat log", tint.Err(logErr))
		}
		b.discord.sendError(req.ChannelID, req.ThinkingMessageID, err)
		return
	}
	chatLog.Response = response

	if memErr := b.memories.Add(
		ctx, req.User.ID, req.Content, MemoryRoleUser,
	); memErr != nil {
		logger.ErrorContext(ctx, "error storing user memory", tint.Err(memErr))
	}
	if memErr := b.memories.Add(
		ctx, req.User.ID, response, MemoryRoleAssistant,
	); memErr != nil {
		logger.ErrorContext(
			ctx, "error storing assistant memory", tint.Err(memErr),
		)
	}

	if _, logErr := b.db.Create(ctx, chatLog); logErr != nil {
		logger.ErrorContext(ctx, "error saving chat log", tint.Err(logErr))
	}

	if err = b.discord.sendResponse(
		req.ChannelID, req.ThinkingMessageID, response,
	); err != nil {
		logger.ErrorContext(ctx, "error delivering response", tint.Err(err))
		return
	}
	logger.InfoContext(
		ctx,
		"handled chat request",
		"attempts", attempts,
		"memories_used", len(candidates),
		"duration", time.Since(started),
	)
}

// handleSearchRequest runs a web search command and replies with the
// formatted results.
func (b *AG2Bot) handleSearchRequest(
	ctx context.Context,
	req *ChatRequest,
	query string,
	limit int,
) {
	logger := b.logger.With(
		"request_id", req.ID,
		"user", req.User.String(),
		"query", query,
	)

	result := b.searcher.Search(ctx, query, limit)

	searchLog := &WebSearchLog{
		UserID:      req.User.ID,
		Query:       query,
		ResultLimit: limit,
		ResultCount: len(result.Results),
	}
	if result.Err != nil {
		searchLog.Error = result.Err.Error()
	}
	if _, logErr := b.db.Create(ctx, searchLog); logErr != nil {
		logger.ErrorContext(ctx, "error saving search log", tint.Err(logErr))
	}

	if err := b.discord.sendResponse(
		req.ChannelID, req.ThinkingMessageID, result.FormatDiscord(),
	); err != nil {
		logger.ErrorContext(ctx, "error delivering search results", tint.Err(err))
		return
	}
	logger.InfoContext(
		ctx, "handled search request", "result_count", len(result.Results),
	)
}
