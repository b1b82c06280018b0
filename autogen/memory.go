package autogen

import (
	"cmp"
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// memoryDatabaseFile is the SQLite file created inside the configured
// memory directory (CHROMA_DB_PATH).
const memoryDatabaseFile = "memories.sqlite3"

// MemoryRole identifies who authored a stored memory.
type MemoryRole string

const (
	// MemoryRoleUser marks memories of inbound user messages
	MemoryRoleUser MemoryRole = "user"

	// MemoryRoleAssistant marks memories of the bot's own replies
	MemoryRoleAssistant MemoryRole = "assistant"
)

// EmbeddingVector stores a float32 vector as JSON in the database.
type EmbeddingVector []float32

// Scan implements the sql.Scanner interface.
func (e *EmbeddingVector) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return errors.New("invalid type for EmbeddingVector")
	}
}

// Value implements the driver.Valuer interface.
func (e EmbeddingVector) Value() (driver.Value, error) {
	data, err := json.Marshal(e)
	return string(data), err
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (EmbeddingVector) GormDataType() string {
	return "string"
}

// Memory is a single stored conversation memory: one message (user or
// assistant) with its embedding vector.
//
//nolint:lll // struct tags can't be split
type Memory struct {
	// ID is a UUID assigned when the memory is stored
	ID string `json:"id" gorm:"primaryKey;type:string"`

	// UserID is the Discord user ID this memory belongs to
	UserID string `json:"user_id" gorm:"index;type:string"`

	// Role is who authored the message ('user' or 'assistant')
	Role MemoryRole `json:"role" gorm:"type:string"`

	// Text is the cleaned message content
	Text string `json:"text" gorm:"type:string"`

	// Embedding is the vector representation of Text
	Embedding EmbeddingVector `json:"-" gorm:"type:string"`

	// CreatedAt is the storage timestamp, in Unix milliseconds
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at"`
}

// TableName keeps the collection name the bot has always used.
func (Memory) TableName() string {
	return "user_interactions"
}

// MemoryCandidate pairs a retrieved Memory with its cosine similarity
// to the query it was retrieved for.
type MemoryCandidate struct {
	Memory     Memory
	Similarity float64
}

// MemoryStore persists conversation memories under the configured
// memory directory and retrieves them by embedding similarity.
//
// Each user's memories are isolated: retrieval and deletion are scoped
// by Discord user ID unless explicitly cleared globally.
type MemoryStore struct {
	db       *gorm.DB
	config   *MemoryConfig
	embedder Embedder
	logger   *slog.Logger
}

// NewMemoryStore opens (or creates) the memory database inside
// config.DBPath and runs migrations.
func NewMemoryStore(
	ctx context.Context,
	config *MemoryConfig,
	embedder Embedder,
	logger *slog.Logger,
) (*MemoryStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "memory")

	dbPath := filepath.Join(config.DBPath, memoryDatabaseFile)
	db, err := getDB(dbTypeSQLite, dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("error opening memory database: %w", err)
	}
	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error executing %q: %w", pragma, err)
		}
	}
	if err = db.WithContext(ctx).AutoMigrate(&Memory{}); err != nil {
		return nil, fmt.Errorf("error migrating memory database: %w", err)
	}

	return &MemoryStore{
		db:       db,
		config:   config,
		embedder: embedder,
		logger:   logger,
	}, nil
}

// Add stores a new memory for the given user. The text is cleaned
// (think tags, response prefixes) before embedding; empty results are
// silently dropped.
func (m *MemoryStore) Add(
	ctx context.Context,
	userID string,
	text string,
	role MemoryRole,
) error {
	text = cleanMemoryText(text)
	if text == "" {
		return nil
	}

	embeddings, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("error adding memory: %w", err)
	}

	memory := Memory{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      role,
		Text:      text,
		Embedding: embeddings[0],
		CreatedAt: time.Now().UTC().UnixMilli(),
	}
	if err = m.db.WithContext(ctx).Create(&memory).Error; err != nil {
		return fmt.Errorf("error adding memory: %w", err)
	}
	m.logger.DebugContext(
		ctx,
		"stored memory",
		"user_id", userID,
		"role", role,
		"memory_id", memory.ID,
	)
	return nil
}

// Relevant retrieves up to MaxMemoriesPerQuery of the user's stored
// memories most similar to the query, returned in chronological order
// with their similarity scores attached.
func (m *MemoryStore) Relevant(
	ctx context.Context,
	userID string,
	query string,
) ([]MemoryCandidate, error) {
	embeddings, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("error retrieving memories: %w", err)
	}
	queryEmbedding := embeddings[0]

	var memories []Memory
	err = m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&memories).Error
	if err != nil {
		return nil, fmt.Errorf("error retrieving memories: %w", err)
	}
	if len(memories) == 0 {
		return nil, nil
	}

	candidates := make([]MemoryCandidate, len(memories))
	for i, mem := range memories {
		candidates[i] = MemoryCandidate{
			Memory:     mem,
			Similarity: cosineSimilarity(queryEmbedding, mem.Embedding),
		}
	}

	limit := m.config.MaxMemoriesPerQuery
	if len(candidates) <= limit {
		return candidates, nil
	}

	// keep the N most similar, then restore chronological order
	kept := make([]MemoryCandidate, len(candidates))
	copy(kept, candidates)
	sortCandidatesBySimilarity(kept)
	kept = kept[:limit]
	sortCandidatesByAge(kept)
	return kept, nil
}

// Count returns the number of memories stored for a user, or for all
// users when userID is empty.
func (m *MemoryStore) Count(ctx context.Context, userID string) (int64, error) {
	var ct int64
	tx := m.db.WithContext(ctx).Model(&Memory{})
	if userID != "" {
		tx = tx.Where("user_id = ?", userID)
	}
	if err := tx.Count(&ct).Error; err != nil {
		return 0, fmt.Errorf("error counting memories: %w", err)
	}
	return ct, nil
}

// Clear deletes all memories for a user, or every memory when userID
// is empty.
func (m *MemoryStore) Clear(ctx context.Context, userID string) error {
	tx := m.db.WithContext(ctx)
	if userID != "" {
		tx = tx.Where("user_id = ?", userID)
	} else {
		tx = tx.Where("1 = 1")
	}
	if err := tx.Delete(&Memory{}).Error; err != nil {
		return fmt.Errorf("error clearing memories: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (m *MemoryStore) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// sortCandidatesBySimilarity sorts in place, most similar first.
func sortCandidatesBySimilarity(candidates []MemoryCandidate) {
	slices.SortStableFunc(
		candidates, func(a, b MemoryCandidate) int {
			return cmp.Compare(b.Similarity, a.Similarity)
		},
	)
}

// sortCandidatesByAge sorts in place, oldest first.
func sortCandidatesByAge(candidates []MemoryCandidate) {
	slices.SortStableFunc(
		candidates, func(a, b MemoryCandidate) int {
			return cmp.Compare(a.Memory.CreatedAt, b.Memory.CreatedAt)
		},
	)
}
