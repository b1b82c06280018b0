package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/nvmax/AutogenDiscordbot/autogen"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = autogen.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "autogen [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes string log levels into *slog.LevelVar.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// environmentBindings maps config keys to the environment variables
// that set them. These names are the external configuration contract
// and bind exactly, with no prefix.
var environmentBindings = map[string]string{
	"discord.token":              "DISCORD_TOKEN",
	"discord.allowed_server_id":  "ALLOWED_SERVER_ID",
	"discord.allowed_channel_id": "ALLOWED_CHANNEL_ID",

	"llm.provider":        "LLM_PROVIDER",
	"llm.base_url":        "LLM_BASE_URL",
	"llm.model":           "LLM_MODEL",
	"llm.timeout_seconds": "API_TIMEOUT",
	"llm.max_retries":     "MAX_RETRIES",

	"llm.openai.api_key":  "OPENAI_API_KEY",
	"llm.openai.model":    "OPENAI_MODEL",
	"llm.openai.api_base": "OPENAI_API_BASE",

	"llm.gemini.api_key": "GEMINI_API_KEY",
	"llm.gemini.model":   "GEMINI_MODEL",

	"memory.db_path":                  "CHROMA_DB_PATH",
	"memory.persist_dir":              "CHROMA_PERSIST_DIR",
	"memory.embeddings_model":         "EMBEDDINGS_MODEL",
	"memory.max_memories_per_query":   "MAX_MEMORIES_PER_QUERY",
	"memory.context_window_size":      "CONTEXT_WINDOW_SIZE",
	"memory.similarity_threshold":     "MEMORY_SIMILARITY_THRESHOLD",
	"memory.top_memories_to_consider": "TOP_MEMORIES_TO_CONSIDER",
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", autogen.DefaultDatabase)
	viper.SetDefault("database_type", autogen.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		autogen.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		autogen.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", autogen.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", autogen.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", autogen.DefaultShutdownTimeout)

	viper.SetDefault("queue.max_age", autogen.DefaultQueueMaxAge)
	viper.SetDefault("queue.size", autogen.DefaultQueueSize)
	viper.SetDefault("queue.sleep_empty", autogen.DefaultQueueSleepEmpty)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.allowed_server_id", "")
	viper.SetDefault("discord.allowed_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		autogen.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		autogen.DefaultDiscordgoLogLevel.String(),
	)

	// LLM config
	viper.SetDefault("llm.provider", "")
	viper.SetDefault("llm.base_url", "")
	viper.SetDefault("llm.model", "")
	viper.SetDefault("llm.timeout_seconds", autogen.DefaultAPITimeoutSeconds)
	viper.SetDefault("llm.max_retries", autogen.DefaultMaxRetries)
	viper.SetDefault(
		"llm.max_requests_per_second",
		autogen.DefaultLLMMaxRequestsPerSecond,
	)
	viper.SetDefault("llm.log_level", autogen.DefaultLLMLogLevel.String())
	viper.SetDefault("llm.openai.api_key", "")
	viper.SetDefault("llm.openai.model", "")
	viper.SetDefault("llm.openai.api_base", autogen.DefaultOpenAIAPIBase)
	viper.SetDefault("llm.gemini.api_key", "")
	viper.SetDefault("llm.gemini.model", "")

	// Memory config
	viper.SetDefault("memory.db_path", autogen.DefaultChromaDBPath)
	viper.SetDefault("memory.persist_dir", "")
	viper.SetDefault(
		"memory.embeddings_model",
		autogen.DefaultEmbeddingsModel,
	)
	viper.SetDefault(
		"memory.max_memories_per_query",
		autogen.DefaultMaxMemoriesPerQuery,
	)
	viper.SetDefault(
		"memory.context_window_size",
		autogen.DefaultContextWindowSize,
	)
	viper.SetDefault(
		"memory.similarity_threshold",
		autogen.DefaultSimilarityThreshold,
	)
	viper.SetDefault(
		"memory.top_memories_to_consider",
		autogen.DefaultTopMemoriesToConsider,
	)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", autogen.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", autogen.DefaultAPILogLevel.String())
	viper.SetDefault("api.allow_origins", []string{})
	viper.SetDefault("api.read_timeout", autogen.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		autogen.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", autogen.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", autogen.DefaultIdleTimeout)

	for key, envVar := range environmentBindings {
		if err := viper.BindEnv(key, envVar); err != nil {
			log.Fatalf("error binding %s: %v", envVar, err)
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"llm.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load (defaults to .env in the working directory)",
	)
}
