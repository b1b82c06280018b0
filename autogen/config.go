//nolint:lll // struct tags can't be split
package autogen

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	// DefaultEnvFile is the .env file loaded when no --config flag is given
	DefaultEnvFile = ".env"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "autogen.sqlite3"

	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultLLMLogLevel       = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	// Defaults for the memory retrieval knobs. These mirror the values the
	// bot has always shipped with, so an empty .env behaves identically.
	DefaultChromaDBPath          = "./data/chromadb"
	DefaultEmbeddingsModel       = "sentence-transformers/all-mpnet-base-v2"
	DefaultMaxMemoriesPerQuery   = 15
	DefaultContextWindowSize     = 10
	DefaultSimilarityThreshold   = 0.15
	DefaultTopMemoriesToConsider = 8

	DefaultAPITimeoutSeconds = 30
	DefaultMaxRetries        = 3

	// DefaultOpenAIAPIBase is used when OPENAI_API_BASE isn't set
	DefaultOpenAIAPIBase = "https://api.openai.com/v1"

	DefaultLLMMaxRequestsPerSecond = 1

	DefaultQueueSize       = 100
	DefaultQueueMaxAge     = 3 * time.Minute
	DefaultQueueSleepEmpty = 1 * time.Second

	DefaultAPIListen         = "127.0.0.1:5000"
	defaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	// discordMaxMessageLength is Discord's hard limit on message content
	discordMaxMessageLength = 2000

	// Web search result limits: callers may request 1..10 results,
	// and get 5 when no limit is specified.
	DefaultSearchResultLimit = 5
	MaxSearchResultLimit     = 10
	MinSearchResultLimit     = 1
)

// LLMProviderName identifies which backend the bot sends chat
// completions to.
type LLMProviderName string

const (
	// ProviderLMStudio is a local OpenAI-compatible inference server
	ProviderLMStudio LLMProviderName = "lmstudio"

	// ProviderOpenAI is the hosted OpenAI API (or a compatible proxy)
	ProviderOpenAI LLMProviderName = "openai"

	// ProviderGemini is Google's Gemini API
	ProviderGemini LLMProviderName = "gemini"
)

// String returns the provider name as configured.
func (p LLMProviderName) String() string {
	return string(p)
}

// Config is the top-level bot configuration. It's populated once at
// startup from environment variables (see cmd/root.go for the exact
// variable names), validated, and treated as read-only afterward.
type Config struct {
	// Database connection string (sqlite path or postgres DSN)
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// LLM configures the chat completion provider
	LLM *LLMConfig `yaml:"llm" mapstructure:"llm" json:"llm"`

	// Memory configures the persistent conversation memory store
	Memory *MemoryConfig `yaml:"memory" mapstructure:"memory" json:"memory"`

	// Queue holds the configuration for the inbound chat request queue
	Queue *QueueConfig `yaml:"queue" mapstructure:"queue" json:"queue"`

	// API configures the status/management API server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the Discord gateway session and which
// servers/channels the bot will respond in.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// AllowedServerIDs restricts the bot to these guilds. Comma-separated
	// numeric IDs in the DISCORD allowed-server env var.
	AllowedServerIDs string `yaml:"allowed_server_id" mapstructure:"allowed_server_id" json:"allowed_server_id" binding:"required"`

	// AllowedChannelIDs restricts the bot to these channels.
	// Comma-separated numeric IDs.
	AllowedChannelIDs string `yaml:"allowed_channel_id" mapstructure:"allowed_channel_id" json:"allowed_channel_id" binding:"required"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`
}

// ServerIDs returns the allowed guild IDs as a slice, with surrounding
// whitespace trimmed and empty entries dropped.
func (d DiscordConfig) ServerIDs() []string {
	return splitIDList(d.AllowedServerIDs)
}

// ChannelIDs returns the allowed channel IDs as a slice.
func (d DiscordConfig) ChannelIDs() []string {
	return splitIDList(d.AllowedChannelIDs)
}

func splitIDList(s string) []string {
	parts := strings.Split(s, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// LLMConfig configures the chat completion provider and outbound call
// behavior (timeouts, retries, rate limiting).
type LLMConfig struct {
	// Provider selects which credential block below is required
	Provider LLMProviderName `yaml:"provider" mapstructure:"provider" json:"provider" binding:"required,oneof=lmstudio openai gemini"`

	// BaseURL is the LMStudio endpoint (e.g. http://localhost:1234/v1)
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"required_if=Provider lmstudio"`

	// Model is the LMStudio model name
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required_if=Provider lmstudio"`

	// OpenAI credentials, required when Provider is 'openai'
	OpenAI OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// Gemini credentials, required when Provider is 'gemini'
	Gemini GeminiConfig `yaml:"gemini" mapstructure:"gemini" json:"gemini"`

	// TimeoutSeconds bounds each outbound LLM/embedding API call
	TimeoutSeconds int `yaml:"timeout_seconds" mapstructure:"timeout_seconds" json:"timeout_seconds" binding:"min=1"`

	// MaxRetries is the number of retries (with exponential backoff)
	// after a failed LLM call
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries" binding:"min=0"`

	// MaxRequestsPerSecond rate-limits outbound chat completion calls
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second"`

	// LLM base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// Timeout returns TimeoutSeconds as a time.Duration.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OpenAIConfig holds OpenAI API credentials.
type OpenAIConfig struct {
	// OpenAI API key
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// Model name (e.g. gpt-4o-mini)
	Model string `yaml:"model" mapstructure:"model" json:"model"`

	// APIBase overrides the OpenAI API base URL
	APIBase string `yaml:"api_base" mapstructure:"api_base" json:"api_base"`
}

// GeminiConfig holds Google Gemini API credentials.
type GeminiConfig struct {
	// Gemini API key
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]"`

	// Model name (e.g. gemini-1.5-flash)
	Model string `yaml:"model" mapstructure:"model" json:"model"`
}

// MemoryConfig configures the persistent vector memory store and the
// retrieval knobs bounding how much prior conversation is fed back into
// the prompt.
type MemoryConfig struct {
	// DBPath is the directory holding the memory database
	DBPath string `yaml:"db_path" mapstructure:"db_path" json:"db_path" binding:"required"`

	// PersistDir must match DBPath; kept as a separate key for
	// compatibility with older .env files. It's forced equal to DBPath
	// during validation.
	PersistDir string `yaml:"persist_dir" mapstructure:"persist_dir" json:"persist_dir"`

	// EmbeddingsModel identifies the embedding model name
	EmbeddingsModel string `yaml:"embeddings_model" mapstructure:"embeddings_model" json:"embeddings_model" binding:"required"`

	// MaxMemoriesPerQuery caps how many memories are fetched from the
	// store for a single incoming message
	MaxMemoriesPerQuery int `yaml:"max_memories_per_query" mapstructure:"max_memories_per_query" json:"max_memories_per_query" binding:"min=1"`

	// ContextWindowSize caps how many memories survive relevance
	// filtering and are included in the prompt
	ContextWindowSize int `yaml:"context_window_size" mapstructure:"context_window_size" json:"context_window_size" binding:"min=1"`

	// SimilarityThreshold is the minimum cosine similarity for a stored
	// memory to be considered relevant to a new query
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold" json:"similarity_threshold" binding:"min=0,max=1"`

	// TopMemoriesToConsider caps how many of the highest-scoring
	// memories are considered before the threshold is applied
	TopMemoriesToConsider int `yaml:"top_memories_to_consider" mapstructure:"top_memories_to_consider" json:"top_memories_to_consider" binding:"min=1"`
}

// QueueConfig configures the capacity and behavior of the chat
// request queue.
type QueueConfig struct {
	// Maximum queue size. 0=unlimited
	Size int `yaml:"size" mapstructure:"size" json:"size"`

	// Maximum age of a request that will be returned from the queue.
	// Requests older than this will be discarded. 0=unlimited
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`

	// Sleep for this duration when the queue is empty, before checking again
	SleepEmpty time.Duration `yaml:"sleep_empty" mapstructure:"sleep_empty" json:"sleep_empty"`
}

// APIConfig configures the status/management API server.
type APIConfig struct {
	// Enabled determines whether the API server is started at all
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// AllowOrigins is passed through to the CORS middleware
	AllowOrigins []string `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,min=1s"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	llmLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	llmLogLevel.Set(DefaultLLMLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		LLM: &LLMConfig{
			OpenAI: OpenAIConfig{
				APIBase: DefaultOpenAIAPIBase,
			},
			TimeoutSeconds:       DefaultAPITimeoutSeconds,
			MaxRetries:           DefaultMaxRetries,
			MaxRequestsPerSecond: DefaultLLMMaxRequestsPerSecond,
			LogLevel:             llmLogLevel,
		},
		Memory: &MemoryConfig{
			DBPath:                DefaultChromaDBPath,
			PersistDir:            DefaultChromaDBPath,
			EmbeddingsModel:       DefaultEmbeddingsModel,
			MaxMemoriesPerQuery:   DefaultMaxMemoriesPerQuery,
			ContextWindowSize:     DefaultContextWindowSize,
			SimilarityThreshold:   DefaultSimilarityThreshold,
			TopMemoriesToConsider: DefaultTopMemoriesToConsider,
		},
		Queue: &QueueConfig{
			Size:       DefaultQueueSize,
			MaxAge:     DefaultQueueMaxAge,
			SleepEmpty: DefaultQueueSleepEmpty,
		},
		API: &APIConfig{
			Enabled:           false,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}

// Validate checks the configuration, applies the persist-dir/db-path
// consistency rule, and creates the memory directory if it doesn't
// exist. The provider-specific credential requirements are enforced
// here: for every value of LLM.Provider, the corresponding credential
// fields must be present before the process may start.
func (c *Config) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		return err
	}

	switch c.LLM.Provider {
	case ProviderLMStudio:
		// BaseURL/Model enforced by required_if tags
	case ProviderOpenAI:
		if c.LLM.OpenAI.APIKey == "" {
			return fmt.Errorf("LLM provider 'openai' requires OPENAI_API_KEY")
		}
		if c.LLM.OpenAI.Model == "" {
			return fmt.Errorf("LLM provider 'openai' requires OPENAI_MODEL")
		}
	case ProviderGemini:
		if c.LLM.Gemini.APIKey == "" {
			return fmt.Errorf("LLM provider 'gemini' requires GEMINI_API_KEY")
		}
		if c.LLM.Gemini.Model == "" {
			return fmt.Errorf("LLM provider 'gemini' requires GEMINI_MODEL")
		}
	default:
		return fmt.Errorf("unknown LLM provider: %s", c.LLM.Provider)
	}

	if len(c.Discord.ServerIDs()) == 0 {
		return fmt.Errorf("at least one allowed server ID is required")
	}
	if len(c.Discord.ChannelIDs()) == 0 {
		return fmt.Errorf("at least one allowed channel ID is required")
	}

	// CHROMA_PERSIST_DIR historically duplicated CHROMA_DB_PATH; the db
	// path always wins, matching prior releases.
	if c.Memory.PersistDir != c.Memory.DBPath {
		c.Memory.PersistDir = c.Memory.DBPath
	}
	if err := os.MkdirAll(c.Memory.DBPath, 0o755); err != nil {
		return fmt.Errorf("error creating memory directory %q: %w", c.Memory.DBPath, err)
	}

	return nil
}
