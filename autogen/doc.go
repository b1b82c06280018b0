// Package autogen implements a Discord bot that answers chat messages with
// LLM-generated responses grounded in semantically retrieved conversation
// memories.
//
// The bot listens for messages in configured servers and channels, pulls
// relevant prior conversation out of a persistent vector memory store,
// builds a prompt for the configured LLM provider (LMStudio, OpenAI or
// Google Gemini), and replies in-channel, splitting long answers across
// multiple Discord messages. Messages beginning with a search command
// (`search for ...` or `search: ...`) are answered with DuckDuckGo web
// search results instead.
//
// Key components:
//
//   - AG2Bot: The main struct wiring configuration, storage, the LLM
//     client, the memory store and the Discord session together.
//   - Discord: Gateway session handling and message formatting.
//   - LLMClient: Provider abstraction, retries and prompt assembly.
//   - MemoryStore: Persistent per-user conversation memory with
//     embedding-based relevance retrieval.
//   - WebSearcher: DuckDuckGo HTML search.
//   - APIServer: A small gin status/management API.
//
// Configuration is read once at startup from environment variables
// (optionally loaded from a .env file) and validated before the bot
// starts; see Config.
package autogen
