package autogen

import (
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
)

// thinkingMessages are placeholder messages sent while a response is
// being generated, picked at random for variety.
var thinkingMessages = []string{
	"🤔 Let me think about that...",
	"🧠 Processing your message...",
	"💭 Gathering my thoughts...",
	"⚡ Computing response...",
	"🔄 Analyzing context...",
}

const (
	searchPrefixFor   = "search for "
	searchPrefixColon = "search:"

	searchingMessage = "🔍 Searching the web for information..."
)

// DiscordSessionHandler is the subset of discordgo.Session the bot
// uses. It's an interface primarily to enable mocking in tests.
type DiscordSessionHandler interface {
	Open() error
	Close() error
	AddHandler(handler any) func()
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelMessageEdit(
		channelID string,
		messageID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
}

// Discord manages the gateway session and message formatting for the
// bot: allow-list enforcement, placeholder messages, and splitting
// long replies across Discord's message length limit.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger

	allowedServers  map[string]struct{}
	allowedChannels map[string]struct{}

	connected             atomic.Bool
	metricConnects        atomic.Int64
	metricDisconnects     atomic.Int64
	metricMessagesHandled atomic.Int64

	removeHandlerFuncs []func()
}

// newDiscord initializes a new Discord instance with the provided
// configuration.
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:             config,
		allowedServers:     map[string]struct{}{},
		allowedChannels:    map[string]struct{}{},
		removeHandlerFuncs: []func(){},
	}
	for _, id := range config.ServerIDs() {
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid allowed server ID %q: %w", id, err)
		}
		d.allowedServers[id] = struct{}{}
	}
	for _, id := range config.ChannelIDs() {
		if _, err := strconv.ParseUint(id, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid allowed channel ID %q: %w", id, err)
		}
		d.allowedChannels[id] = struct{}{}
	}
	return d, nil
}

// newSession initializes the discordgo session with the message
// content intent. The separate method keeps session creation out of
// the constructor so tests can substitute a mock handler.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.SyncEvents = true
	session.StateEnabled = false
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent
	session.LogLevel = discordgoLibraryLogLevel(
		d.config.DiscordGoLogLevel.Level(),
	)
	return session, nil
}

// discordgoLibraryLogLevel maps an slog level to discordgo's log level
// constants.
func discordgoLibraryLogLevel(level slog.Level) int {
	switch {
	case level <= slog.LevelDebug:
		return discordgo.LogDebug
	case level <= slog.LevelInfo:
		return discordgo.LogInformational
	case level <= slog.LevelWarn:
		return discordgo.LogWarning
	default:
		return discordgo.LogError
	}
}

// isAllowedServer reports whether the bot should respond in the guild.
func (d *Discord) isAllowedServer(guildID string) bool {
	_, ok := d.allowedServers[guildID]
	return ok
}

// isAllowedChannel reports whether the bot should respond in the channel.
func (d *Discord) isAllowedChannel(channelID string) bool {
	_, ok := d.allowedChannels[channelID]
	return ok
}

// shouldRespond reports whether the bot should respond to this message
// content at all. Messages containing '@' are ignored so the bot
// doesn't butt into conversations mentioning other users.
func (*Discord) shouldRespond(content string) bool {
	return !strings.Contains(content, "@")
}

// pickThinkingMessage returns a random placeholder message.
func (*Discord) pickThinkingMessage() string {
	return thinkingMessages[rand.Intn(len(thinkingMessages))]
}

// sendThinkingMessage sends a placeholder to the channel, returning
// its message ID for later editing.
func (d *Discord) sendThinkingMessage(channelID string) (string, error) {
	msg, err := d.session.ChannelMessageSend(channelID, d.pickThinkingMessage())
	if err != nil {
		return "", fmt.Errorf("error sending thinking message: %w", err)
	}
	return msg.ID, nil
}

// sendResponse delivers content to the channel, splitting it into
// chunks that fit Discord's message limit. The first chunk replaces
// the placeholder message (when set); the rest are sent as follow-up
// messages.
func (d *Discord) sendResponse(
	channelID string,
	thinkingMessageID string,
	content string,
) error {
	chunks := splitMessage(content, discordMaxMessageLength)
	if len(chunks) == 0 {
		return nil
	}

	rest := chunks
	if thinkingMessageID != "" {
		if _, err := d.session.ChannelMessageEdit(
			channelID, thinkingMessageID, chunks[0],
		); err != nil {
			return fmt.Errorf("error editing placeholder message: %w", err)
		}
		rest = chunks[1:]
	}
	for _, chunk := range rest {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("error sending response chunk: %w", err)
		}
	}
	return nil
}

// sendError reports an error to the channel, preferring to edit the
// placeholder message if one exists.
func (d *Discord) sendError(
	channelID string,
	thinkingMessageID string,
	err error,
) {
	content := fmt.Sprintf("An error occurred: %s", err.Error())
	if thinkingMessageID != "" {
		if _, editErr := d.session.ChannelMessageEdit(
			channelID, thinkingMessageID, content,
		); editErr == nil {
			return
		}
	}
	if _, sendErr := d.session.ChannelMessageSend(channelID, content); sendErr != nil {
		d.logger.Error(
			"failed to report error to channel",
			"channel_id", channelID,
			"send_error", sendErr,
		)
	}
}

// parseSearchCommand extracts a search query and result limit from a
// message. Two forms are recognized (case-insensitive):
//
//	search for <query>[: <limit>]
//	search: <query>[: <limit>]
//
// The limit is clamped to 1..10 and defaults to 5; a non-numeric limit
// is ignored. The returned bool reports whether the message was a
// search command at all.
func parseSearchCommand(content string) (string, int, bool) {
	lowered := strings.ToLower(strings.TrimSpace(content))

	var queryText string
	switch {
	case strings.HasPrefix(lowered, searchPrefixFor):
		queryText = strings.TrimSpace(lowered[len(searchPrefixFor):])
	case strings.HasPrefix(lowered, searchPrefixColon):
		queryText = strings.TrimSpace(lowered[len(searchPrefixColon):])
	default:
		return "", 0, false
	}

	if queryText == "" {
		return "", 0, false
	}

	parts := strings.Split(queryText, ":")
	query := strings.TrimSpace(parts[0])
	if query == "" {
		return "", 0, false
	}

	limit := DefaultSearchResultLimit
	if len(parts) >= 2 {
		if parsed, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
			limit = clampResultLimit(parsed)
		}
	}
	return query, limit, true
}
